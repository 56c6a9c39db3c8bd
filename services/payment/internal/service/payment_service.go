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
	"github.com/sakashimaa/paybank/services/payment/internal/authority"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"github.com/sakashimaa/paybank/services/payment/internal/metrics"
	"github.com/sakashimaa/paybank/services/payment/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PaymentService interface {
	CreatePayment(ctx context.Context, amount int64, accountReference string) (*domain.PaymentResult, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
}

type paymentService struct {
	pool        *pgxpool.Pool
	paymentRepo repository.PaymentRepository
	holdRepo    repository.HoldRepository
	events      eventEmitter
	funds       authority.Authority
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
}

func NewPaymentService(
	pool *pgxpool.Pool,
	paymentRepo repository.PaymentRepository,
	holdRepo repository.HoldRepository,
	outboxRepo worker.OutboxRepository,
	funds authority.Authority,
	eventsTopic string,
	m *metrics.Metrics,
	logger *zap.Logger,
) PaymentService {
	return &paymentService{
		pool:        pool,
		paymentRepo: paymentRepo,
		holdRepo:    holdRepo,
		events:      eventEmitter{repo: outboxRepo, topic: eventsTopic},
		funds:       funds,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("service/payment_service"),
	}
}

// CreatePayment reserves amount on accountReference, records an approved
// payment and then withdraws the reservation. A reservation that cannot be
// backed by a payment row is released before returning.
func (s *paymentService) CreatePayment(ctx context.Context, amount int64, accountReference string) (*domain.PaymentResult, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.CreatePayment")
	defer span.End()

	span.SetAttributes(attribute.Int64("amount", amount))

	if amount == 0 {
		s.metrics.Payment("invalid")
		return nil, ErrZeroAmount
	}

	hold := &domain.Hold{
		AccountReference: accountReference,
		Amount:           amount,
	}
	if err := s.holdRepo.Create(ctx, hold); err != nil {
		s.metrics.Payment("error")
		span.RecordError(err)
		return nil, fmt.Errorf("record hold intent: %w", err)
	}

	span.SetAttributes(attribute.String("hold_id", hold.ID.String()))

	token, err := s.funds.PlaceHold(ctx, accountReference, amount)
	if err != nil {
		return s.holdRefused(ctx, hold, err)
	}

	if err := s.holdRepo.MarkHeld(ctx, hold.ID, string(token)); err != nil {
		s.metrics.Payment("error")
		return nil, s.compensate(ctx, hold.ID, token, fmt.Errorf("record hold: %w", err))
	}

	payment := &domain.Payment{
		ID:               uuid.New(),
		Amount:           amount,
		AccountReference: accountReference,
		Status:           domain.PaymentApproved,
		HoldID:           hold.ID,
	}

	if err := s.persist(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrAccountReferenceUsed) {
			s.metrics.Payment("conflict")
			return nil, s.compensate(ctx, hold.ID, token, ErrInstrumentAlreadyUsed)
		}

		s.metrics.Payment("error")
		span.RecordError(err)
		return nil, s.compensate(ctx, hold.ID, token, fmt.Errorf("persist payment: %w", err))
	}

	// The payment is durable from here on, so the caller going away must not
	// stop the withdraw.
	commitCtx := context.WithoutCancel(ctx)

	if err := s.funds.WithdrawFunds(commitCtx, token); err != nil && !errors.Is(err, authority.ErrHoldWithdrawn) {
		s.metrics.Payment("withdraw_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "withdraw failed")

		mylogger.Error(
			commitCtx,
			s.logger,
			"Withdraw failed for persisted payment",
			zap.Stringer("payment_id", payment.ID),
			zap.Stringer("hold_id", hold.ID),
			zap.Error(err),
		)

		if dbErr := s.holdRepo.RecordFailure(commitCtx, s.pool, hold.ID, err.Error()); dbErr != nil {
			mylogger.Error(commitCtx, s.logger, "Failed to record withdraw failure", zap.Error(dbErr))
		}

		return nil, fmt.Errorf("%w: payment %s: %w", ErrWithdrawFailed, payment.ID, err)
	}

	if err := s.holdRepo.Resolve(commitCtx, s.pool, hold.ID, domain.HoldWithdrawn); err != nil {
		mylogger.Warn(
			commitCtx,
			s.logger,
			"Hold withdrawn but journal not updated",
			zap.Stringer("hold_id", hold.ID),
			zap.Error(err),
		)
	}

	s.metrics.Payment("created")

	mylogger.Info(
		ctx,
		s.logger,
		"Payment approved",
		zap.Stringer("payment_id", payment.ID),
		zap.Int64("amount", amount),
		mylogger.AccountRef(accountReference),
	)

	return &domain.PaymentResult{Outcome: domain.OutcomeCreated, Payment: payment}, nil
}

func (s *paymentService) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.GetPayment")
	defer span.End()

	return s.paymentRepo.GetByID(ctx, id)
}

func (s *paymentService) persist(ctx context.Context, payment *domain.Payment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer db.Rollback(ctx, tx, func(err error) {
		mylogger.Warn(ctx, s.logger, "Error rolling back transaction", zap.Error(err))
	})

	if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
		return err
	}

	event := generalDomain.PaymentApprovedEvent{
		PaymentID:  payment.ID,
		Amount:     payment.Amount,
		ApprovedAt: payment.InsertedAt,
	}
	if err := s.events.emit(ctx, tx, "payment", payment.ID.String(), generalDomain.EventPaymentApproved, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// holdRefused turns a PlaceHold failure into a result. Declines close the
// journal row. Anything else leaves it pending for the sweeper, since the
// authority may or may not have reserved funds.
func (s *paymentService) holdRefused(ctx context.Context, hold *domain.Hold, err error) (*domain.PaymentResult, error) {
	reason, declined := authority.AsDecline(err)
	if !declined {
		s.metrics.Payment("error")

		mylogger.Error(
			ctx,
			s.logger,
			"Place hold failed",
			zap.Stringer("hold_id", hold.ID),
			zap.Error(err),
		)

		if dbErr := s.holdRepo.RecordFailure(context.WithoutCancel(ctx), s.pool, hold.ID, err.Error()); dbErr != nil {
			mylogger.Warn(ctx, s.logger, "Failed to record hold failure", zap.Error(dbErr))
		}

		return nil, fmt.Errorf("%w: %w", ErrPaymentProcessing, err)
	}

	if dbErr := s.holdRepo.Resolve(context.WithoutCancel(ctx), s.pool, hold.ID, domain.HoldDeclined); dbErr != nil {
		mylogger.Warn(ctx, s.logger, "Failed to close declined hold", zap.Error(dbErr))
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Hold declined",
		zap.String("reason", reason.String()),
		mylogger.AccountRef(hold.AccountReference),
	)

	switch reason {
	case authority.DeclineInvalidAccountNumber, authority.DeclineInsufficientFunds:
		s.metrics.Payment("declined")

		return &domain.PaymentResult{
			Outcome: domain.OutcomeDeclined,
			Payment: &domain.Payment{
				Amount:           hold.Amount,
				AccountReference: hold.AccountReference,
				Status:           domain.PaymentDeclined,
			},
			DeclineReason: reason.String(),
		}, nil
	case authority.DeclineInvalidAmount:
		s.metrics.Payment("invalid")
		return nil, ErrInvalidAmount
	default:
		s.metrics.Payment("error")
		return nil, fmt.Errorf("%w: %w", ErrPaymentProcessing, err)
	}
}

// compensate releases token and returns cause. It runs detached from ctx so a
// cancelled request still gives the funds back. A release that fails leaves
// the token on the journal row for the sweeper to retry.
func (s *paymentService) compensate(ctx context.Context, holdID uuid.UUID, token authority.HoldToken, cause error) error {
	releaseCtx := context.WithoutCancel(ctx)

	err := s.funds.ReleaseHold(releaseCtx, token)
	switch {
	case err == nil || errors.Is(err, authority.ErrHoldReleased):
	case errors.Is(err, authority.ErrHoldWithdrawn):
		mylogger.Error(
			releaseCtx,
			s.logger,
			"Hold withdrawn without a payment, needs manual resolution",
			zap.Stringer("hold_id", holdID),
			zap.NamedError("cause", cause),
		)

		if dbErr := s.holdRepo.Resolve(releaseCtx, s.pool, holdID, domain.HoldWithdrawn); dbErr != nil {
			mylogger.Warn(releaseCtx, s.logger, "Failed to journal withdrawn hold", zap.Error(dbErr))
		}

		return errors.Join(cause, fmt.Errorf("release hold %s: %w", holdID, err))
	default:
		mylogger.Error(
			releaseCtx,
			s.logger,
			"Compensating release failed",
			zap.Stringer("hold_id", holdID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)

		if dbErr := s.holdRepo.RecordReleaseFailure(releaseCtx, s.pool, holdID, string(token), err.Error()); dbErr != nil {
			mylogger.Warn(releaseCtx, s.logger, "Failed to record release failure", zap.Error(dbErr))
		}

		return errors.Join(cause, fmt.Errorf("release hold %s: %w", holdID, err))
	}

	if err := s.holdRepo.Resolve(releaseCtx, s.pool, holdID, domain.HoldReleased); err != nil {
		mylogger.Warn(
			releaseCtx,
			s.logger,
			"Hold released but journal not updated",
			zap.Stringer("hold_id", holdID),
			zap.Error(err),
		)
	}

	mylogger.Info(releaseCtx, s.logger, "Hold released", zap.Stringer("hold_id", holdID), zap.NamedError("cause", cause))

	return cause
}
