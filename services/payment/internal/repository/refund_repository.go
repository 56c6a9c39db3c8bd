package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RefundRepository interface {
	Create(ctx context.Context, tx pgx.Tx, refund *domain.Refund) error
	UpdateAmount(ctx context.Context, tx pgx.Tx, refund *domain.Refund, total int64) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error)
	GetByPaymentID(ctx context.Context, q DBTX, paymentID uuid.UUID) (*domain.Refund, error)
}

type refundRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewRefundRepository(pool *pgxpool.Pool, logger *zap.Logger) RefundRepository {
	return &refundRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/refund_repo"),
	}
}

func (r *refundRepo) Create(ctx context.Context, tx pgx.Tx, refund *domain.Refund) error {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.Create")
	defer span.End()

	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}

	span.SetAttributes(
		attribute.String("refund_id", refund.ID.String()),
		attribute.String("payment_id", refund.PaymentID.String()),
		attribute.Int64("amount", refund.Amount),
	)

	query := `
		INSERT INTO refunds (id, payment_id, amount, inserted_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING inserted_at, updated_at
	`

	if err := tx.QueryRow(ctx, query, refund.ID, refund.PaymentID, refund.Amount).
		Scan(&refund.InsertedAt, &refund.UpdatedAt); err != nil {
		span.RecordError(err)

		mylogger.Warn(ctx, r.logger, "Create refund failed", zap.Error(err))

		return fmt.Errorf("error creating refund: %w", err)
	}

	return nil
}

// UpdateAmount sets the running total. The guard keeps it from ever shrinking.
func (r *refundRepo) UpdateAmount(ctx context.Context, tx pgx.Tx, refund *domain.Refund, total int64) error {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.UpdateAmount")
	defer span.End()

	span.SetAttributes(
		attribute.String("refund_id", refund.ID.String()),
		attribute.Int64("total", total),
	)

	query := `
		UPDATE refunds
		SET amount = $2, updated_at = NOW()
		WHERE id = $1 AND amount <= $2
		RETURNING updated_at
	`

	if err := tx.QueryRow(ctx, query, refund.ID, total).Scan(&refund.UpdatedAt); err != nil {
		span.RecordError(err)

		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRefundNotFound
		}

		mylogger.Warn(ctx, r.logger, "Update refund failed", zap.Error(err))

		return fmt.Errorf("error updating refund: %w", err)
	}

	refund.Amount = total

	return nil
}

func (r *refundRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.String("refund_id", id.String()))

	query := `
		SELECT id, payment_id, amount, inserted_at, updated_at
		FROM refunds
		WHERE id = $1
	`

	return r.scanOne(ctx, span, r.pool.QueryRow(ctx, query, id))
}

func (r *refundRepo) GetByPaymentID(ctx context.Context, q DBTX, paymentID uuid.UUID) (*domain.Refund, error) {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.GetByPaymentID")
	defer span.End()

	span.SetAttributes(attribute.String("payment_id", paymentID.String()))

	query := `
		SELECT id, payment_id, amount, inserted_at, updated_at
		FROM refunds
		WHERE payment_id = $1
	`

	return r.scanOne(ctx, span, q.QueryRow(ctx, query, paymentID))
}

func (r *refundRepo) scanOne(ctx context.Context, span trace.Span, row pgx.Row) (*domain.Refund, error) {
	var refund domain.Refund
	if err := row.Scan(
		&refund.ID,
		&refund.PaymentID,
		&refund.Amount,
		&refund.InsertedAt,
		&refund.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Failed to load refund", zap.Error(err))

		return nil, fmt.Errorf("error loading refund: %w", err)
	}

	return &refund, nil
}
