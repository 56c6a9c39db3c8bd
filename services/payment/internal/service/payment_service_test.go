package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sakashimaa/paybank/services/payment/internal/authority"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"github.com/sakashimaa/paybank/services/payment/internal/repository"
	paymentWorker "github.com/sakashimaa/paybank/services/payment/internal/worker"
)

func (s *ServiceSuite) TestCreatePayment_Approved() {
	res, err := s.Payments.CreatePayment(s.Ctx, 1205, cardA)
	s.Require().NoError(err)
	s.Require().Equal(domain.OutcomeCreated, res.Outcome)
	s.Require().NotEqual(uuid.Nil, res.Payment.ID)
	s.Equal(domain.PaymentApproved, res.Payment.Status)
	s.Equal(int64(1205), res.Payment.Amount)

	got, err := s.Payments.GetPayment(s.Ctx, res.Payment.ID)
	s.Require().NoError(err)
	s.Equal(res.Payment.Amount, got.Amount)
	s.Equal(res.Payment.Status, got.Status)
	s.Equal(cardA, got.AccountReference)

	again, err := s.Payments.GetPayment(s.Ctx, res.Payment.ID)
	s.Require().NoError(err)
	s.Equal(got, again)

	s.Equal(int64(10_000-1205), s.Funds.Balance(cardA))
	s.Equal(0, s.Funds.ActiveHolds())
	s.Equal(map[string]int{"withdrawn": 1}, s.holdStatuses())
	s.Equal(1, s.count(`SELECT COUNT(*) FROM outbox WHERE event_type = 'PaymentApproved' AND aggregate_id = $1`, res.Payment.ID.String()))
}

func (s *ServiceSuite) TestCreatePayment_InsufficientFundsDeclined() {
	res, err := s.Payments.CreatePayment(s.Ctx, 500, cardB)
	s.Require().NoError(err)
	s.Require().Equal(domain.OutcomeDeclined, res.Outcome)
	s.Equal(domain.PaymentDeclined, res.Payment.Status)
	s.Equal(int64(500), res.Payment.Amount)
	s.Equal(cardB, res.Payment.AccountReference)
	s.Equal(uuid.Nil, res.Payment.ID)
	s.Equal("insufficient_funds", res.DeclineReason)

	s.Equal(0, s.count(`SELECT COUNT(*) FROM payments`))
	s.Equal(map[string]int{"declined": 1}, s.holdStatuses())
	s.Equal(0, s.Funds.Released())
	s.Equal(int64(100), s.Funds.Available(cardB))
}

func (s *ServiceSuite) TestCreatePayment_InvalidAccountDeclined() {
	res, err := s.Payments.CreatePayment(s.Ctx, 10, "4000000000000002")
	s.Require().NoError(err)
	s.Require().Equal(domain.OutcomeDeclined, res.Outcome)
	s.Equal(domain.PaymentDeclined, res.Payment.Status)
	s.Equal("invalid_account_number", res.DeclineReason)
	s.Equal(0, s.count(`SELECT COUNT(*) FROM payments`))
}

func (s *ServiceSuite) TestCreatePayment_ZeroAmountHasNoSideEffects() {
	res, err := s.Payments.CreatePayment(s.Ctx, 0, cardA)
	s.Require().ErrorIs(err, ErrZeroAmount)
	s.Nil(res)

	s.Equal(0, s.count(`SELECT COUNT(*) FROM holds`))
	s.Equal(int64(10_000), s.Funds.Available(cardA))
}

func (s *ServiceSuite) TestCreatePayment_InvalidAmountIsError() {
	_, err := s.Payments.CreatePayment(s.Ctx, -5, cardA)
	s.Require().ErrorIs(err, ErrInvalidAmount)
	s.Equal(0, s.count(`SELECT COUNT(*) FROM payments`))
}

func (s *ServiceSuite) TestCreatePayment_OtherDeclineIsProcessingError() {
	funds := authority.NewSandbox(s.logger, authority.WithAccount(cardA, 100), authority.WithForcedDecline(authority.DeclineOther))

	_, err := s.newPaymentService(funds).CreatePayment(s.Ctx, 10, cardA)
	s.Require().ErrorIs(err, ErrPaymentProcessing)
	s.Equal(map[string]int{"declined": 1}, s.holdStatuses())
}

func (s *ServiceSuite) TestCreatePayment_DuplicateInstrumentReleasesHold() {
	first, err := s.Payments.CreatePayment(s.Ctx, 100, cardA)
	s.Require().NoError(err)
	s.Require().Equal(domain.OutcomeCreated, first.Outcome)

	second, err := s.Payments.CreatePayment(s.Ctx, 200, cardA)
	s.Require().ErrorIs(err, ErrInstrumentAlreadyUsed)
	s.Nil(second)

	s.Equal(1, s.Funds.Withdrawn())
	s.Equal(1, s.Funds.Released())
	s.Equal(0, s.Funds.ActiveHolds())
	s.Equal(int64(10_000-100), s.Funds.Available(cardA))
	s.Equal(map[string]int{"withdrawn": 1, "released": 1}, s.holdStatuses())
	s.Equal(1, s.count(`SELECT COUNT(*) FROM payments WHERE account_reference = $1`, cardA))
}

func (s *ServiceSuite) TestCreatePayment_ReleaseFailureIsJoined() {
	_, err := s.Payments.CreatePayment(s.Ctx, 100, cardA)
	s.Require().NoError(err)

	boom := errors.New("authority unreachable")
	s.Funds.FailRelease(boom)

	_, err = s.Payments.CreatePayment(s.Ctx, 100, cardA)
	s.Require().ErrorIs(err, ErrInstrumentAlreadyUsed)
	s.Require().ErrorIs(err, boom)
	s.Equal(1, s.Funds.ActiveHolds())
	s.Equal(map[string]int{"withdrawn": 1, "held": 1}, s.holdStatuses())
}

// cancelAfterHold cancels the request right after the authority grants a hold.
type cancelAfterHold struct {
	authority.Authority
	cancel context.CancelFunc
}

func (c cancelAfterHold) PlaceHold(ctx context.Context, ref string, amount int64) (authority.HoldToken, error) {
	token, err := c.Authority.PlaceHold(ctx, ref, amount)
	c.cancel()
	return token, err
}

func (s *ServiceSuite) TestCreatePayment_CancelledAfterHoldReleases() {
	ctx, cancel := context.WithCancel(s.Ctx)
	svc := s.newPaymentService(cancelAfterHold{Authority: s.Funds, cancel: cancel})

	_, err := svc.CreatePayment(ctx, 100, cardA)
	s.Require().ErrorIs(err, context.Canceled)

	s.Equal(1, s.Funds.Released())
	s.Equal(0, s.Funds.ActiveHolds())
	s.Equal(int64(10_000), s.Funds.Available(cardA))
	s.Equal(0, s.count(`SELECT COUNT(*) FROM payments`))
	s.Equal(map[string]int{"released": 1}, s.holdStatuses())
}

func (s *ServiceSuite) TestCreatePayment_CancelledAfterHoldKeepsTokenWhenReleaseFails() {
	boom := errors.New("authority unreachable")
	s.Funds.FailRelease(boom)

	ctx, cancel := context.WithCancel(s.Ctx)
	svc := s.newPaymentService(cancelAfterHold{Authority: s.Funds, cancel: cancel})

	_, err := svc.CreatePayment(ctx, 100, cardA)
	s.Require().ErrorIs(err, context.Canceled)
	s.Require().ErrorIs(err, boom)
	s.Equal(1, s.Funds.ActiveHolds())

	var (
		id       uuid.UUID
		status   string
		token    string
		attempts int
	)
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx,
		`SELECT id, status, token, attempts FROM holds`,
	).Scan(&id, &status, &token, &attempts))

	s.Equal("held", status)
	s.NotEmpty(token)
	s.Equal(1, attempts)

	s.Funds.FailRelease(nil)
	_, err = s.DbPool.Exec(s.Ctx, `UPDATE holds SET updated_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, id)
	s.Require().NoError(err)

	sweeper := paymentWorker.NewHoldSweeper(s.DbPool, s.HoldRepo, s.PaymentRepo, s.Funds, paymentWorker.SweeperConfig{GracePeriod: time.Minute}, nil, s.logger)
	n, err := sweeper.Sweep(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Equal(0, s.Funds.ActiveHolds())
	s.Equal(int64(10_000), s.Funds.Available(cardA))
	s.Equal(map[string]int{"released": 1}, s.holdStatuses())
}

func (s *ServiceSuite) TestCreatePayment_CompensationFindsHoldAlreadyWithdrawn() {
	res, err := s.Payments.CreatePayment(s.Ctx, 100, cardA)
	s.Require().NoError(err)

	var token string
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx,
		`SELECT token FROM holds WHERE id = $1`, res.Payment.HoldID,
	).Scan(&token))

	svc := s.newPaymentService(s.Funds).(*paymentService)
	err = svc.compensate(s.Ctx, res.Payment.HoldID, authority.HoldToken(token), ErrInstrumentAlreadyUsed)
	s.Require().ErrorIs(err, ErrInstrumentAlreadyUsed)
	s.Require().ErrorIs(err, authority.ErrHoldWithdrawn)
	s.Equal(0, s.Funds.Released())
	s.Equal(map[string]int{"withdrawn": 1}, s.holdStatuses())
}

func (s *ServiceSuite) TestCreatePayment_WithdrawFailureIsFatal() {
	boom := errors.New("capture timeout")
	s.Funds.FailWithdraw(boom)

	res, err := s.Payments.CreatePayment(s.Ctx, 100, cardA)
	s.Require().ErrorIs(err, ErrWithdrawFailed)
	s.Require().ErrorIs(err, boom)
	s.Nil(res)

	s.Equal(1, s.count(`SELECT COUNT(*) FROM payments`))
	s.Equal(0, s.Funds.Released())
	s.Equal(1, s.Funds.ActiveHolds())
	s.Equal(1, s.count(`SELECT COUNT(*) FROM holds WHERE status = 'held' AND attempts = 1 AND last_error IS NOT NULL`))
}

func (s *ServiceSuite) TestGetPayment_NotFound() {
	_, err := s.Payments.GetPayment(s.Ctx, uuid.New())
	s.Require().ErrorIs(err, repository.ErrPaymentNotFound)
}
