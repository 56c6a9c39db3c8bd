package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/paybank/pkg/db"
	generalDomain "github.com/sakashimaa/paybank/pkg/domain"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/pkg/outbox/worker"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"github.com/sakashimaa/paybank/services/payment/internal/metrics"
	"github.com/sakashimaa/paybank/services/payment/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RefundService interface {
	CreateRefund(ctx context.Context, paymentID uuid.UUID, amount int64) (*domain.Refund, error)
	GetRefund(ctx context.Context, id uuid.UUID) (*domain.Refund, error)
	GetRefundForPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Refund, error)
}

type refundService struct {
	pool        *pgxpool.Pool
	paymentRepo repository.PaymentRepository
	refundRepo  repository.RefundRepository
	events      eventEmitter
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
}

func NewRefundService(
	pool *pgxpool.Pool,
	paymentRepo repository.PaymentRepository,
	refundRepo repository.RefundRepository,
	outboxRepo worker.OutboxRepository,
	eventsTopic string,
	m *metrics.Metrics,
	logger *zap.Logger,
) RefundService {
	return &refundService{
		pool:        pool,
		paymentRepo: paymentRepo,
		refundRepo:  refundRepo,
		events:      eventEmitter{repo: outboxRepo, topic: eventsTopic},
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("service/refund_service"),
	}
}

// CreateRefund adds amount to the running refund total of a payment. The
// payment row stays locked for the whole read-check-write so concurrent
// refunds of the same payment apply one after another.
func (s *refundService) CreateRefund(ctx context.Context, paymentID uuid.UUID, amount int64) (*domain.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "RefundService.CreateRefund")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment_id", paymentID.String()),
		attribute.Int64("amount", amount),
	)

	if amount <= 0 {
		s.metrics.Refund("invalid", 0)
		return nil, ErrInvalidRefundAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		mylogger.Warn(ctx, s.logger, "Failed to begin transaction", zap.Error(err))
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer db.Rollback(ctx, tx, func(err error) {
		mylogger.Warn(ctx, s.logger, "Error rolling back transaction", zap.Error(err))
	})

	payment, err := s.paymentRepo.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			s.metrics.Refund("rejected", 0)
			return nil, ErrPaymentNotExist
		}
		return nil, err
	}

	if !payment.Approved() {
		s.metrics.Refund("rejected", 0)
		mylogger.Warn(
			ctx,
			s.logger,
			"Refund against non-approved payment",
			zap.Stringer("payment_id", paymentID),
			zap.String("status", string(payment.Status)),
		)
		return nil, ErrPaymentNotApproved
	}

	refund, err := s.refundRepo.GetByPaymentID(ctx, tx, paymentID)
	if err != nil && !errors.Is(err, repository.ErrRefundNotFound) {
		return nil, err
	}

	var refunded int64
	if refund != nil {
		refunded = refund.Amount
	}

	if amount > payment.Refundable(refunded) {
		s.metrics.Refund("rejected", 0)
		mylogger.Info(
			ctx,
			s.logger,
			"Refund exceeds refundable balance",
			zap.Stringer("payment_id", paymentID),
			zap.Int64("requested", amount),
			zap.Int64("refunded", refunded),
			zap.Int64("payment_amount", payment.Amount),
		)
		return nil, ErrAmountRefundFailed
	}

	total := refunded + amount

	if refund == nil {
		refund = &domain.Refund{PaymentID: paymentID, Amount: total}
		err = s.refundRepo.Create(ctx, tx, refund)
	} else {
		err = s.refundRepo.UpdateAmount(ctx, tx, refund, total)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	event := generalDomain.RefundIssuedEvent{
		RefundID:      refund.ID,
		PaymentID:     paymentID,
		Amount:        amount,
		TotalRefunded: total,
		RefundedAt:    refund.UpdatedAt,
	}
	if err := s.events.emit(ctx, tx, "refund", paymentID.String(), generalDomain.EventRefundIssued, event); err != nil {
		mylogger.Warn(ctx, s.logger, "Failed to emit event", zap.Error(err))
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		mylogger.Error(ctx, s.logger, "Failed to commit transaction", zap.Error(err))
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.metrics.Refund("issued", amount)

	mylogger.Info(
		ctx,
		s.logger,
		"Refund issued",
		zap.Stringer("refund_id", refund.ID),
		zap.Stringer("payment_id", paymentID),
		zap.Int64("amount", amount),
		zap.Int64("total", total),
	)

	return refund, nil
}

func (s *refundService) GetRefund(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "RefundService.GetRefund")
	defer span.End()

	return s.refundRepo.GetByID(ctx, id)
}

// GetRefundForPayment returns nil without error when nothing was refunded yet.
func (s *refundService) GetRefundForPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "RefundService.GetRefundForPayment")
	defer span.End()

	refund, err := s.refundRepo.GetByPaymentID(ctx, s.pool, paymentID)
	if errors.Is(err, repository.ErrRefundNotFound) {
		return nil, nil
	}

	return refund, err
}
