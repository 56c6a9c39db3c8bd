package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/paybank/pkg/outbox/domain"
	"github.com/sakashimaa/paybank/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Events that failed this many times stay in the table as dead letters.
const maxPublishAttempts = 10

type outboxRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewOutboxRepository(pool *pgxpool.Pool, logger *zap.Logger) worker.OutboxRepository {
	return &outboxRepo{
		pool:   pool,
		tracer: otel.Tracer("repository/outbox_repo"),
		logger: logger,
	}
}

// SaveOutboxEvent must run in the transaction that changes the aggregate, so
// the event exists if and only if the change committed.
func (r *outboxRepo) SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.SaveOutboxEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("aggregate_type", event.AggregateType),
		attribute.String("aggregate_id", event.AggregateID),
		attribute.String("event_type", event.EventType),
		attribute.String("topic", event.Topic),
	)

	query := `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, topic)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	row := tx.QueryRow(ctx, query, event.AggregateType, event.AggregateID, event.EventType, event.Payload, event.Topic)
	if err := row.Scan(&event.ID, &event.CreatedAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save outbox event: %w", err)
	}

	return nil
}

// GetUnpublishedEvents locks a batch in insertion order. Rows locked by another
// publisher are skipped rather than waited on.
func (r *outboxRepo) GetUnpublishedEvents(ctx context.Context, tx pgx.Tx, batchSize int) ([]*domain.OutboxEvent, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.GetUnpublishedEvents")
	defer span.End()

	span.SetAttributes(attribute.Int("batch_size", batchSize))

	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, attempts, last_error, topic
		FROM outbox
		WHERE published_at IS NULL AND attempts < $2
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, batchSize, maxPublishAttempts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.OutboxEvent, error) {
		var e domain.OutboxEvent
		err := row.Scan(
			&e.ID,
			&e.AggregateType,
			&e.AggregateID,
			&e.EventType,
			&e.Payload,
			&e.CreatedAt,
			&e.Attempts,
			&e.LastError,
			&e.Topic,
		)
		return &e, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error scanning events: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(events)))

	return events, nil
}

func (r *outboxRepo) MarkEventPublished(ctx context.Context, tx pgx.Tx, eventID int64) error {
	return r.mark(ctx, tx, "OutboxRepository.MarkEventPublished", eventID, `
		UPDATE outbox
		SET published_at = NOW(), last_error = NULL
		WHERE id = $1
	`)
}

func (r *outboxRepo) MarkEventFailed(ctx context.Context, tx pgx.Tx, eventID int64, errMsg string) error {
	return r.mark(ctx, tx, "OutboxRepository.MarkEventFailed", eventID, `
		UPDATE outbox
		SET last_error = $2, attempts = attempts + 1
		WHERE id = $1
	`, errMsg)
}

// Backlog counts events still waiting for Kafka and events that ran out of attempts.
func (r *outboxRepo) Backlog(ctx context.Context) (pending, dead int64, err error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.Backlog")
	defer span.End()

	query := `
		SELECT
			COUNT(*) FILTER (WHERE attempts < $1),
			COUNT(*) FILTER (WHERE attempts >= $1)
		FROM outbox
		WHERE published_at IS NULL
	`

	if err := r.pool.QueryRow(ctx, query, maxPublishAttempts).Scan(&pending, &dead); err != nil {
		span.RecordError(err)
		return 0, 0, fmt.Errorf("failed to count outbox backlog: %w", err)
	}

	return pending, dead, nil
}

func (r *outboxRepo) mark(ctx context.Context, tx pgx.Tx, spanName string, eventID int64, query string, args ...any) error {
	ctx, span := r.tracer.Start(ctx, spanName)
	defer span.End()

	span.SetAttributes(attribute.Int64("event_id", eventID))

	if _, err := tx.Exec(ctx, query, append([]any{eventID}, args...)...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update outbox event %d: %w", eventID, err)
	}

	return nil
}
