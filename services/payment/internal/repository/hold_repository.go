package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

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

type HoldRepository interface {
	Create(ctx context.Context, hold *domain.Hold) error
	MarkHeld(ctx context.Context, id uuid.UUID, token string) error
	Resolve(ctx context.Context, q DBTX, id uuid.UUID, status domain.HoldStatus) error
	RecordFailure(ctx context.Context, q DBTX, id uuid.UUID, errMsg string) error
	RecordReleaseFailure(ctx context.Context, q DBTX, id uuid.UUID, token, errMsg string) error
	ClaimStale(ctx context.Context, tx pgx.Tx, olderThan time.Time, maxAttempts, limit int) ([]*domain.Hold, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Hold, error)
}

type holdRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewHoldRepository(pool *pgxpool.Pool, logger *zap.Logger) HoldRepository {
	return &holdRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/hold_repo"),
	}
}

const holdColumns = `id, token, account_reference, amount, status, last_error, attempts, created_at, updated_at`

func (r *holdRepo) Create(ctx context.Context, hold *domain.Hold) error {
	ctx, span := r.tracer.Start(ctx, "HoldRepository.Create")
	defer span.End()

	if hold.ID == uuid.Nil {
		hold.ID = uuid.New()
	}
	hold.Status = domain.HoldPending

	span.SetAttributes(
		attribute.String("hold_id", hold.ID.String()),
		attribute.Int64("amount", hold.Amount),
	)

	query := `
		INSERT INTO holds (id, account_reference, amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	if err := r.pool.QueryRow(ctx, query, hold.ID, hold.AccountReference, hold.Amount, hold.Status).
		Scan(&hold.CreatedAt, &hold.UpdatedAt); err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Create hold failed", zap.Error(err))

		return fmt.Errorf("error creating hold: %w", err)
	}

	return nil
}

func (r *holdRepo) MarkHeld(ctx context.Context, id uuid.UUID, token string) error {
	ctx, span := r.tracer.Start(ctx, "HoldRepository.MarkHeld")
	defer span.End()

	span.SetAttributes(attribute.String("hold_id", id.String()))

	query := `
		UPDATE holds
		SET status = 'held', token = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	return r.exec(ctx, span, r.pool, query, id, token)
}

// Resolve moves an unresolved hold to a final status. Resolving twice fails
// with ErrHoldNotFound.
func (r *holdRepo) Resolve(ctx context.Context, q DBTX, id uuid.UUID, status domain.HoldStatus) error {
	ctx, span := r.tracer.Start(ctx, "HoldRepository.Resolve")
	defer span.End()

	span.SetAttributes(
		attribute.String("hold_id", id.String()),
		attribute.String("status", string(status)),
	)

	query := `
		UPDATE holds
		SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'held')
	`

	return r.exec(ctx, span, q, query, id, status)
}

func (r *holdRepo) RecordFailure(ctx context.Context, q DBTX, id uuid.UUID, errMsg string) error {
	ctx, span := r.tracer.Start(ctx, "HoldRepository.RecordFailure")
	defer span.End()

	span.SetAttributes(attribute.String("hold_id", id.String()))

	query := `
		UPDATE holds
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'held')
	`

	return r.exec(ctx, span, q, query, id, errMsg)
}

// RecordReleaseFailure journals a hold whose release failed. The token is
// stored as well, since the row may still be pending when the request that
// placed the hold never got to MarkHeld.
func (r *holdRepo) RecordReleaseFailure(ctx context.Context, q DBTX, id uuid.UUID, token, errMsg string) error {
	ctx, span := r.tracer.Start(ctx, "HoldRepository.RecordReleaseFailure")
	defer span.End()

	span.SetAttributes(attribute.String("hold_id", id.String()))

	query := `
		UPDATE holds
		SET status = 'held', token = $2, attempts = attempts + 1, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'held')
	`

	return r.exec(ctx, span, q, query, id, token, errMsg)
}

// ClaimStale locks unresolved holds untouched since olderThan. Rows locked by
// another sweeper are skipped.
func (r *holdRepo) ClaimStale(ctx context.Context, tx pgx.Tx, olderThan time.Time, maxAttempts, limit int) ([]*domain.Hold, error) {
	ctx, span := r.tracer.Start(ctx, "HoldRepository.ClaimStale")
	defer span.End()

	span.SetAttributes(attribute.Int("limit", limit))

	query := `
		SELECT ` + holdColumns + `
		FROM holds
		WHERE status IN ('pending', 'held') AND updated_at < $1 AND attempts < $2
		ORDER BY updated_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, olderThan, maxAttempts, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query stale holds: %w", err)
	}
	defer rows.Close()

	var holds []*domain.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("error scanning hold: %w", err)
		}
		holds = append(holds, h)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating holds: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(holds)))

	return holds, nil
}

func (r *holdRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Hold, error) {
	ctx, span := r.tracer.Start(ctx, "HoldRepository.GetByID")
	defer span.End()

	query := `SELECT ` + holdColumns + ` FROM holds WHERE id = $1`

	h, err := scanHold(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, fmt.Errorf("error loading hold: %w", err)
	}

	return h, nil
}

func (r *holdRepo) exec(ctx context.Context, span trace.Span, q DBTX, query string, args ...any) error {
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Hold update failed", zap.Error(err))

		return fmt.Errorf("error updating hold: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrHoldNotFound
	}

	return nil
}

func scanHold(row pgx.Row) (*domain.Hold, error) {
	var h domain.Hold
	if err := row.Scan(
		&h.ID,
		&h.Token,
		&h.AccountReference,
		&h.Amount,
		&h.Status,
		&h.LastError,
		&h.Attempts,
		&h.CreatedAt,
		&h.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return &h, nil
}
