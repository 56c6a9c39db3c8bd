package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/paybank/pkg/db"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// ProcessWithDeduplication runs action at most once per eventID. The marker row
// and the action share a fate: if action keeps failing the marker is rolled
// back so a redelivery can try again. retryable decides which failures are
// worth another attempt; nil retries everything.
func ProcessWithDeduplication(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *zap.Logger,
	eventID int64,
	action func(ctx context.Context) error,
	retryable func(err error) bool,
) error {
	span := trace.SpanFromContext(ctx)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer db.Rollback(ctx, tx, func(err error) {
		mylogger.Error(ctx, logger, "Error rolling back transaction", zap.Error(err))
	})

	query := `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
	`

	if _, err := tx.Exec(ctx, query, eventID); err != nil {
		if db.IsUniqueViolation(err, "") {
			mylogger.Info(
				ctx,
				logger,
				"Event already processed, skipping",
				zap.Int64("event_id", eventID),
			)

			return nil
		}

		span.RecordError(err)
		return err
	}

	for attempt := 1; ; attempt++ {
		err = action(ctx)
		if err == nil {
			break
		}

		if attempt == maxAttempts || (retryable != nil && !retryable(err)) {
			mylogger.Error(
				ctx,
				logger,
				"Event action failed",
				zap.Int64("event_id", eventID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)

			return fmt.Errorf("process event %d: %w", eventID, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, logger, "Failed to commit transaction", zap.Error(err))

		return fmt.Errorf("commit processed event %d: %w", eventID, err)
	}

	return nil
}
