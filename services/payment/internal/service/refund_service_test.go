package service

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
)

func (s *ServiceSuite) approvedPayment(amount int64) *domain.Payment {
	res, err := s.Payments.CreatePayment(s.Ctx, amount, cardA)
	s.Require().NoError(err)
	s.Require().Equal(domain.OutcomeCreated, res.Outcome)
	return res.Payment
}

func (s *ServiceSuite) TestCreateRefund_Accumulates() {
	payment := s.approvedPayment(50)

	first, err := s.Refunds.CreateRefund(s.Ctx, payment.ID, 30)
	s.Require().NoError(err)
	s.Equal(int64(30), first.Amount)
	s.Equal(payment.ID, first.PaymentID)

	_, err = s.Refunds.CreateRefund(s.Ctx, payment.ID, 25)
	s.Require().ErrorIs(err, ErrAmountRefundFailed)

	current, err := s.Refunds.GetRefundForPayment(s.Ctx, payment.ID)
	s.Require().NoError(err)
	s.Equal(int64(30), current.Amount)

	third, err := s.Refunds.CreateRefund(s.Ctx, payment.ID, 20)
	s.Require().NoError(err)
	s.Equal(int64(50), third.Amount)
	s.Equal(first.ID, third.ID)

	got, err := s.Refunds.GetRefund(s.Ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(int64(50), got.Amount)
	s.False(got.UpdatedAt.Before(got.InsertedAt))

	s.Equal(1, s.count(`SELECT COUNT(*) FROM refunds WHERE payment_id = $1`, payment.ID))
	s.Equal(2, s.count(`SELECT COUNT(*) FROM outbox WHERE event_type = 'RefundIssued'`))
}

func (s *ServiceSuite) TestCreateRefund_FirstRefundOverAmount() {
	payment := s.approvedPayment(50)

	_, err := s.Refunds.CreateRefund(s.Ctx, payment.ID, 51)
	s.Require().ErrorIs(err, ErrAmountRefundFailed)

	refund, err := s.Refunds.GetRefundForPayment(s.Ctx, payment.ID)
	s.Require().NoError(err)
	s.Nil(refund)
}

func (s *ServiceSuite) TestCreateRefund_RejectsNonPositive() {
	payment := s.approvedPayment(50)

	for _, amount := range []int64{0, -10} {
		_, err := s.Refunds.CreateRefund(s.Ctx, payment.ID, amount)
		s.Require().ErrorIs(err, ErrInvalidRefundAmount)
	}
	s.Equal(0, s.count(`SELECT COUNT(*) FROM refunds`))
}

func (s *ServiceSuite) TestCreateRefund_MissingPayment() {
	_, err := s.Refunds.CreateRefund(s.Ctx, uuid.New(), 10)
	s.Require().ErrorIs(err, ErrPaymentNotExist)
	s.NotErrorIs(err, ErrPaymentNotApproved)
}

func (s *ServiceSuite) TestCreateRefund_NotApprovedPayment() {
	holdID := uuid.New()
	paymentID := uuid.New()

	_, err := s.DbPool.Exec(s.Ctx, `INSERT INTO holds (id, account_reference, amount, status) VALUES ($1, $2, 50, 'declined')`, holdID, cardB)
	s.Require().NoError(err)
	_, err = s.DbPool.Exec(s.Ctx, `INSERT INTO payments (id, amount, account_reference, status, hold_id) VALUES ($1, 50, $2, 'declined', $3)`, paymentID, cardB, holdID)
	s.Require().NoError(err)

	_, err = s.Refunds.CreateRefund(s.Ctx, paymentID, 10)
	s.Require().ErrorIs(err, ErrPaymentNotApproved)
	s.Require().ErrorIs(err, ErrPaymentNotExist)
}

func (s *ServiceSuite) TestCreateRefund_ConcurrentRequestsNeverOverRefund() {
	payment := s.approvedPayment(50)

	amounts := []int64{30, 25}
	errs := make([]error, len(amounts))

	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func(i int, amount int64) {
			defer wg.Done()
			_, errs[i] = s.Refunds.CreateRefund(s.Ctx, payment.ID, amount)
		}(i, amount)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		s.Require().ErrorIs(err, ErrAmountRefundFailed)
	}
	s.Equal(1, succeeded)

	refund, err := s.Refunds.GetRefundForPayment(s.Ctx, payment.ID)
	s.Require().NoError(err)
	s.LessOrEqual(refund.Amount, payment.Amount)
	s.Contains([]int64{30, 25}, refund.Amount)
}

func (s *ServiceSuite) TestCreateRefund_ManyConcurrentSmallRefunds() {
	payment := s.approvedPayment(50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Refunds.CreateRefund(s.Ctx, payment.ID, 7); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(7, succeeded)

	refund, err := s.Refunds.GetRefundForPayment(s.Ctx, payment.ID)
	s.Require().NoError(err)
	s.Equal(int64(49), refund.Amount)
}
