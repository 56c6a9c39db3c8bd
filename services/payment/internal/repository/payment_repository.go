package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/paybank/pkg/db"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const approvedAccountReferenceKey = "payments_approved_account_reference_key"

type PaymentRepository interface {
	Create(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payment, error)
	GetByHoldID(ctx context.Context, q DBTX, holdID uuid.UUID) (*domain.Payment, error)
}

type paymentRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPaymentRepository(pool *pgxpool.Pool, logger *zap.Logger) PaymentRepository {
	return &paymentRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/payment_repo"),
	}
}

const paymentColumns = `id, amount, account_reference, status, hold_id, inserted_at, updated_at`

func (r *paymentRepo) Create(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.Create")
	defer span.End()

	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}

	span.SetAttributes(
		attribute.String("payment_id", payment.ID.String()),
		attribute.Int64("amount", payment.Amount),
		attribute.String("status", string(payment.Status)),
	)

	query := `
		INSERT INTO payments (id, amount, account_reference, status, hold_id, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING inserted_at, updated_at
	`

	if err := tx.QueryRow(ctx, query,
		payment.ID,
		payment.Amount,
		payment.AccountReference,
		payment.Status,
		payment.HoldID,
	).Scan(
		&payment.InsertedAt,
		&payment.UpdatedAt,
	); err != nil {
		span.RecordError(err)

		if db.IsUniqueViolation(err, approvedAccountReferenceKey) {
			mylogger.Warn(
				ctx,
				r.logger,
				"Account reference already used",
				mylogger.AccountRef(payment.AccountReference),
			)

			return ErrAccountReferenceUsed
		}

		mylogger.Warn(ctx, r.logger, "Create payment failed", zap.Error(err))

		return fmt.Errorf("error creating payment: %w", err)
	}

	return nil
}

func (r *paymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.String("payment_id", id.String()))

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	return r.scanOne(ctx, span, r.pool.QueryRow(ctx, query, id), id)
}

// GetByIDForUpdate locks the payment row until tx ends. Refunds for one
// payment are serialized on this lock.
func (r *paymentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByIDForUpdate")
	defer span.End()

	span.SetAttributes(attribute.String("payment_id", id.String()))

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`

	return r.scanOne(ctx, span, tx.QueryRow(ctx, query, id), id)
}

func (r *paymentRepo) GetByHoldID(ctx context.Context, q DBTX, holdID uuid.UUID) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByHoldID")
	defer span.End()

	span.SetAttributes(attribute.String("hold_id", holdID.String()))

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE hold_id = $1`

	return r.scanOne(ctx, span, q.QueryRow(ctx, query, holdID), holdID)
}

func (r *paymentRepo) scanOne(ctx context.Context, span trace.Span, row pgx.Row, key uuid.UUID) (*domain.Payment, error) {
	var p domain.Payment
	if err := row.Scan(
		&p.ID,
		&p.Amount,
		&p.AccountReference,
		&p.Status,
		&p.HoldID,
		&p.InsertedAt,
		&p.UpdatedAt,
	); err != nil {
		span.RecordError(err)

		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}

		mylogger.Error(ctx, r.logger, "Failed to load payment", zap.Stringer("key", key), zap.Error(err))

		return nil, fmt.Errorf("error loading payment: %w", err)
	}

	return &p, nil
}
