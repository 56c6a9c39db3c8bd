package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	generalDomain "github.com/sakashimaa/paybank/pkg/domain"
	outboxDomain "github.com/sakashimaa/paybank/pkg/outbox/domain"
	"github.com/sakashimaa/paybank/pkg/outbox/worker"
)

type eventEmitter struct {
	repo  worker.OutboxRepository
	topic string
}

func (e eventEmitter) emit(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	wrapper := generalDomain.EventWrapper[any]{
		Event:   eventType,
		Payload: payload,
	}

	wrapperBytes, err := json.Marshal(wrapper)
	if err != nil {
		return fmt.Errorf("failed to marshal wrapper: %w", err)
	}

	return e.repo.SaveOutboxEvent(ctx, tx, &outboxDomain.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       wrapperBytes,
		Topic:         e.topic,
	})
}
