package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/paybank/pkg/db"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/pkg/outbox/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type OutboxRepository interface {
	SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error
	GetUnpublishedEvents(ctx context.Context, tx pgx.Tx, batchSize int) ([]*domain.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, tx pgx.Tx, eventID int64) error
	MarkEventFailed(ctx context.Context, tx pgx.Tx, eventID int64, errMsg string) error
	Backlog(ctx context.Context) (pending, dead int64, err error)
}

type KafkaProducer interface {
	ProduceMessage(ctx context.Context, topic, key string, message any) error
}

type Option func(*OutboxProcessor)

func WithBatchSize(n int) Option {
	return func(p *OutboxProcessor) { p.batchSize = n }
}

func WithInterval(d time.Duration) Option {
	return func(p *OutboxProcessor) { p.interval = d }
}

// WithPublishedHook is called after every batch with the number of events sent.
func WithPublishedHook(fn func(n int)) Option {
	return func(p *OutboxProcessor) { p.onPublished = fn }
}

// WithBacklogHook reports the unpublished and dead-lettered event counts after every tick.
func WithBacklogHook(fn func(pending, dead int64)) Option {
	return func(p *OutboxProcessor) { p.onBacklog = fn }
}

type OutboxProcessor struct {
	pool          *pgxpool.Pool
	repo          OutboxRepository
	kafkaProducer KafkaProducer
	logger        *zap.Logger
	batchSize     int
	interval      time.Duration
	onPublished   func(n int)
	onBacklog     func(pending, dead int64)
	tracer        trace.Tracer
}

func NewOutboxProcessor(
	pool *pgxpool.Pool,
	repo OutboxRepository,
	producer KafkaProducer,
	logger *zap.Logger,
	opts ...Option,
) *OutboxProcessor {
	p := &OutboxProcessor{
		pool:          pool,
		repo:          repo,
		kafkaProducer: producer,
		logger:        logger,
		batchSize:     50,
		interval:      500 * time.Millisecond,
		tracer:        otel.Tracer("outbox-worker"),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start relays unpublished outbox rows to Kafka until ctx is cancelled.
func (p *OutboxProcessor) Start(ctx context.Context) {
	mylogger.Info(ctx, p.logger, "Starting outbox processor", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(ctx, p.logger, "Outbox processor stopping")
			return
		case <-ticker.C:
			n, err := p.ProcessBatch(ctx)
			if err != nil {
				mylogger.Error(ctx, p.logger, "Error processing outbox batch", zap.Error(err))
			}
			if n > 0 && p.onPublished != nil {
				p.onPublished(n)
			}
			p.reportBacklog(ctx)
		}
	}
}

// ProcessBatch publishes one batch and returns how many events reached Kafka.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.ProcessBatch")
	defer span.End()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer db.Rollback(ctx, tx, func(err error) {
		mylogger.Error(
			ctx,
			p.logger,
			"Outbox worker failed to rollback transaction",
			zap.Error(err),
		)
	})

	events, err := p.repo.GetUnpublishedEvents(ctx, tx, p.batchSize)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	span.SetAttributes(attribute.Int("outbox.batch", len(events)))

	published := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			mylogger.Warn(
				ctx,
				p.logger,
				"Outbox event publish failed",
				zap.Int64("id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err),
			)

			if dbErr := p.repo.MarkEventFailed(ctx, tx, event.ID, err.Error()); dbErr != nil {
				return published, fmt.Errorf("mark event %d failed: %w", event.ID, dbErr)
			}
			continue
		}

		if err := p.repo.MarkEventPublished(ctx, tx, event.ID); err != nil {
			return published, fmt.Errorf("mark event %d published: %w", event.ID, err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}

	return published, nil
}

func (p *OutboxProcessor) reportBacklog(ctx context.Context) {
	if p.onBacklog == nil {
		return
	}

	pending, dead, err := p.repo.Backlog(ctx)
	if err != nil {
		mylogger.Warn(ctx, p.logger, "Failed to read outbox backlog", zap.Error(err))
		return
	}

	p.onBacklog(pending, dead)
}

func (p *OutboxProcessor) publish(ctx context.Context, event *domain.OutboxEvent) error {
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	payload["event_id"] = event.ID

	return p.kafkaProducer.ProduceMessage(ctx, event.Topic, event.AggregateID, payload)
}
