package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/paybank/pkg/db"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/services/payment/internal/authority"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"github.com/sakashimaa/paybank/services/payment/internal/metrics"
	"github.com/sakashimaa/paybank/services/payment/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxHoldAttempts = 10

type SweeperConfig struct {
	Interval    time.Duration
	GracePeriod time.Duration
	BatchSize   int
}

// HoldSweeper finishes holds whose request died before resolving them. A held
// row backed by a payment is withdrawn, one without a payment is released, and
// a pending row never got a token so it is only marked abandoned.
type HoldSweeper struct {
	pool        *pgxpool.Pool
	holdRepo    repository.HoldRepository
	paymentRepo repository.PaymentRepository
	funds       authority.Authority
	cfg         SweeperConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

func NewHoldSweeper(
	pool *pgxpool.Pool,
	holdRepo repository.HoldRepository,
	paymentRepo repository.PaymentRepository,
	funds authority.Authority,
	cfg SweeperConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HoldSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	return &HoldSweeper{
		pool:        pool,
		holdRepo:    holdRepo,
		paymentRepo: paymentRepo,
		funds:       funds,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("worker/hold_sweeper"),
		now:         time.Now,
	}
}

func (w *HoldSweeper) Start(ctx context.Context) {
	mylogger.Info(
		ctx,
		w.logger,
		"Starting hold sweeper",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("grace_period", w.cfg.GracePeriod),
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(ctx, w.logger, "Hold sweeper stopping")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				mylogger.Error(ctx, w.logger, "Hold sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep handles one batch of stale holds and returns how many were resolved.
func (w *HoldSweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "HoldSweeper.Sweep")
	defer span.End()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer db.Rollback(ctx, tx, func(err error) {
		mylogger.Error(ctx, w.logger, "Hold sweeper failed to rollback transaction", zap.Error(err))
	})

	cutoff := w.now().Add(-w.cfg.GracePeriod)

	holds, err := w.holdRepo.ClaimStale(ctx, tx, cutoff, maxHoldAttempts, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	if len(holds) == 0 {
		return 0, nil
	}

	span.SetAttributes(attribute.Int("holds.claimed", len(holds)))

	resolved := 0
	for _, hold := range holds {
		ok, err := w.resolve(ctx, tx, hold)
		if err != nil {
			return resolved, err
		}
		if ok {
			resolved++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("commit sweep: %w", err)
	}

	return resolved, nil
}

// resolve returns an error only for database failures, which abort the batch.
// Authority failures are recorded on the row and retried on a later sweep.
func (w *HoldSweeper) resolve(ctx context.Context, tx pgx.Tx, hold *domain.Hold) (bool, error) {
	if hold.Status == domain.HoldPending {
		return true, w.finish(ctx, tx, hold, domain.HoldAbandoned)
	}

	token := authority.HoldToken(hold.Token)

	_, err := w.paymentRepo.GetByHoldID(ctx, tx, hold.ID)
	switch {
	case err == nil:
		err = w.funds.WithdrawFunds(ctx, token)
		switch {
		case err == nil || errors.Is(err, authority.ErrHoldWithdrawn):
			return true, w.finish(ctx, tx, hold, domain.HoldWithdrawn)
		case errors.Is(err, authority.ErrHoldReleased):
			w.mismatch(ctx, hold, domain.HoldWithdrawn, domain.HoldReleased)
			return true, w.finish(ctx, tx, hold, domain.HoldReleased)
		}
	case errors.Is(err, repository.ErrPaymentNotFound):
		err = w.funds.ReleaseHold(ctx, token)
		switch {
		case err == nil || errors.Is(err, authority.ErrHoldReleased):
			return true, w.finish(ctx, tx, hold, domain.HoldReleased)
		case errors.Is(err, authority.ErrHoldWithdrawn):
			w.mismatch(ctx, hold, domain.HoldReleased, domain.HoldWithdrawn)
			return true, w.finish(ctx, tx, hold, domain.HoldWithdrawn)
		}
	default:
		return false, err
	}

	w.metrics.SweeperAction("failed")
	mylogger.Warn(
		ctx,
		w.logger,
		"Stale hold not resolved",
		zap.Stringer("hold_id", hold.ID),
		zap.Int("attempts", hold.Attempts+1),
		zap.Error(err),
	)

	if hold.Attempts+1 >= maxHoldAttempts {
		mylogger.Error(
			ctx,
			w.logger,
			"Giving up on stale hold, needs manual resolution",
			zap.Stringer("hold_id", hold.ID),
			zap.String("token", hold.Token),
		)
	}

	return false, w.holdRepo.RecordFailure(ctx, tx, hold.ID, err.Error())
}

// mismatch flags a hold the authority already resolved the other way. The row
// follows the authority; the payment ledger needs a person to look at it.
func (w *HoldSweeper) mismatch(ctx context.Context, hold *domain.Hold, wanted, actual domain.HoldStatus) {
	w.metrics.SweeperAction("mismatch")
	mylogger.Error(
		ctx,
		w.logger,
		"Hold resolved differently than the ledger expects",
		zap.Stringer("hold_id", hold.ID),
		zap.String("token", hold.Token),
		zap.String("wanted", string(wanted)),
		zap.String("actual", string(actual)),
	)
}

func (w *HoldSweeper) finish(ctx context.Context, tx pgx.Tx, hold *domain.Hold, status domain.HoldStatus) error {
	if err := w.holdRepo.Resolve(ctx, tx, hold.ID, status); err != nil {
		return err
	}

	w.metrics.SweeperAction(string(status))
	mylogger.Info(
		ctx,
		w.logger,
		"Stale hold resolved",
		zap.Stringer("hold_id", hold.ID),
		zap.String("status", string(status)),
	)

	return nil
}
