package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	generalDomain "github.com/sakashimaa/paybank/pkg/domain"
	"github.com/sakashimaa/paybank/pkg/kafka"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/pkg/outbox/utils"
	"github.com/sakashimaa/paybank/services/payment/internal/service"
	"go.uber.org/zap"
)

// Consumer applies RefundRequested commands published by other services.
type Consumer struct {
	refunds service.RefundService
	pool    *pgxpool.Pool
	brokers []string
	groupID string
	topic   string
	logger  *zap.Logger
}

func NewConsumer(
	refunds service.RefundService,
	pool *pgxpool.Pool,
	brokers []string,
	groupID string,
	topic string,
	logger *zap.Logger,
) *Consumer {
	return &Consumer{
		refunds: refunds,
		pool:    pool,
		brokers: brokers,
		groupID: groupID,
		topic:   topic,
		logger:  logger,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	consumerGroup := kafka.NewConsumerGroup(
		c.brokers,
		c.groupID,
		[]string{c.topic},
		c.processMessage,
		c.logger,
	)

	return consumerGroup.Run(ctx)
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	mylogger.Info(
		ctx,
		c.logger,
		"Processing message",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
	)

	var header generalDomain.EventWrapper[json.RawMessage]
	if err := json.Unmarshal(msg.Value, &header); err != nil {
		mylogger.Warn(ctx, c.logger, "Dropping malformed message", zap.Error(err))
		return nil
	}

	switch header.Event {
	case generalDomain.EventRefundRequested:
		var event generalDomain.RefundRequestedEvent
		if err := json.Unmarshal(header.Payload, &event); err != nil {
			mylogger.Warn(ctx, c.logger, "Dropping malformed refund request", zap.Error(err))
			return nil
		}

		if header.EventID <= 0 {
			mylogger.Warn(
				ctx,
				c.logger,
				"Dropping refund request without event id",
				zap.Stringer("payment_id", event.PaymentID),
			)
			return nil
		}

		return utils.ProcessWithDeduplication(
			ctx,
			c.pool,
			c.logger,
			header.EventID,
			func(ctx context.Context) error { return c.refund(ctx, event) },
			retryable,
		)
	default:
		mylogger.Info(ctx, c.logger, "Ignored event type", zap.String("event_type", header.Event))
	}

	return nil
}

// refund swallows business rejections so the event is marked processed and
// never redelivered. Only infrastructure failures propagate.
func (c *Consumer) refund(ctx context.Context, event generalDomain.RefundRequestedEvent) error {
	refund, err := c.refunds.CreateRefund(ctx, event.PaymentID, event.Amount)
	if err != nil {
		if rejected(err) {
			mylogger.Warn(
				ctx,
				c.logger,
				"Refund request rejected",
				zap.Stringer("payment_id", event.PaymentID),
				zap.Int64("amount", event.Amount),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	mylogger.Info(
		ctx,
		c.logger,
		"Refund request applied",
		zap.Stringer("refund_id", refund.ID),
		zap.Stringer("payment_id", event.PaymentID),
		zap.Int64("total", refund.Amount),
	)

	return nil
}

func rejected(err error) bool {
	return errors.Is(err, service.ErrPaymentNotExist) ||
		errors.Is(err, service.ErrAmountRefundFailed) ||
		errors.Is(err, service.ErrInvalidRefundAmount)
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
