package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"github.com/sakashimaa/paybank/services/payment/internal/repository"
)

func (s *ServiceSuite) TestCachedPaymentService_ReadThrough() {
	cached := NewCachedPaymentService(s.Payments, s.Redis, time.Minute, s.logger)

	res, err := cached.CreatePayment(s.Ctx, 300, cardA)
	s.Require().NoError(err)

	key := paymentKey(res.Payment.ID)
	s.Require().Zero(s.Redis.Exists(s.Ctx, key).Val())

	first, err := cached.GetPayment(s.Ctx, res.Payment.ID)
	s.Require().NoError(err)
	s.Require().EqualValues(1, s.Redis.Exists(s.Ctx, key).Val())

	ttl := s.Redis.TTL(s.Ctx, key).Val()
	s.Greater(ttl, time.Duration(0))
	s.LessOrEqual(ttl, time.Minute)

	var stored domain.Payment
	s.Require().NoError(json.Unmarshal([]byte(s.Redis.Get(s.Ctx, key).Val()), &stored))
	s.Equal(first.ID, stored.ID)

	second, err := cached.GetPayment(s.Ctx, res.Payment.ID)
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.Equal(first.Amount, second.Amount)
	s.Equal(first.Status, second.Status)
}

func (s *ServiceSuite) TestCachedPaymentService_NotFoundIsNotCached() {
	cached := NewCachedPaymentService(s.Payments, s.Redis, time.Minute, s.logger)
	id := uuid.New()

	_, err := cached.GetPayment(s.Ctx, id)
	s.Require().ErrorIs(err, repository.ErrPaymentNotFound)
	s.Zero(s.Redis.Exists(s.Ctx, paymentKey(id)).Val())
}

func (s *ServiceSuite) TestCachedRefundService_WritesThroughOnRefund() {
	cached := NewCachedRefundService(s.Refunds, s.Redis, time.Minute, s.logger)
	payment := s.approvedPayment(50)

	refund, err := cached.CreateRefund(s.Ctx, payment.ID, 10)
	s.Require().NoError(err)

	got, err := cached.GetRefund(s.Ctx, refund.ID)
	s.Require().NoError(err)
	s.Equal(int64(10), got.Amount)
	s.Require().EqualValues(1, s.Redis.Exists(s.Ctx, refundKey(refund.ID)).Val())

	_, err = cached.CreateRefund(s.Ctx, payment.ID, 15)
	s.Require().NoError(err)
	s.Equal("25", s.Redis.HGet(s.Ctx, refundKey(refund.ID), "amount").Val())

	ttl := s.Redis.TTL(s.Ctx, refundKey(refund.ID)).Val()
	s.Greater(ttl, time.Duration(0))
	s.LessOrEqual(ttl, time.Minute)

	got, err = cached.GetRefund(s.Ctx, refund.ID)
	s.Require().NoError(err)
	s.Equal(int64(25), got.Amount)
}

// stallingRefunds serves one refund from memory. GetRefund can be held open
// after it has read the total, the way a slow database round trip would be.
type stallingRefunds struct {
	RefundService

	mu     sync.Mutex
	refund domain.Refund

	read   chan struct{}
	resume chan struct{}
}

func (f *stallingRefunds) GetRefund(_ context.Context, id uuid.UUID) (*domain.Refund, error) {
	f.mu.Lock()
	r := f.refund
	f.mu.Unlock()

	if r.ID != id {
		return nil, repository.ErrRefundNotFound
	}

	if f.read != nil {
		close(f.read)
		<-f.resume
	}

	return &r, nil
}

func (f *stallingRefunds) CreateRefund(_ context.Context, paymentID uuid.UUID, amount int64) (*domain.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refund.Amount += amount
	f.refund.UpdatedAt = time.Now()

	r := f.refund
	return &r, nil
}

func (s *ServiceSuite) TestCachedRefundService_SlowReaderDoesNotOverwriteNewerTotal() {
	backend := &stallingRefunds{
		refund: domain.Refund{ID: uuid.New(), PaymentID: uuid.New(), Amount: 30, InsertedAt: time.Now()},
		read:   make(chan struct{}),
		resume: make(chan struct{}),
	}
	cached := NewCachedRefundService(backend, s.Redis, time.Minute, s.logger)
	id, paymentID := backend.refund.ID, backend.refund.PaymentID

	readerDone := make(chan error, 1)
	go func() {
		r, err := cached.GetRefund(s.Ctx, id)
		if err == nil && r.Amount != 30 {
			err = fmt.Errorf("reader saw %d", r.Amount)
		}
		readerDone <- err
	}()

	<-backend.read

	written, err := cached.CreateRefund(s.Ctx, paymentID, 20)
	s.Require().NoError(err)
	s.Require().Equal(int64(50), written.Amount)

	close(backend.resume)
	s.Require().NoError(<-readerDone)

	s.Equal("50", s.Redis.HGet(s.Ctx, refundKey(written.ID), "amount").Val())

	got, err := cached.GetRefund(s.Ctx, written.ID)
	s.Require().NoError(err)
	s.Equal(int64(50), got.Amount)
}

func (s *ServiceSuite) TestCachedRefundService_WritesThroughAfterCallerCancels() {
	backend := &stallingRefunds{
		refund: domain.Refund{ID: uuid.New(), PaymentID: uuid.New(), Amount: 30, InsertedAt: time.Now()},
	}
	cached := NewCachedRefundService(backend, s.Redis, time.Minute, s.logger)

	_, err := cached.GetRefund(s.Ctx, backend.refund.ID)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.Ctx)
	cancel()

	_, err = cached.CreateRefund(ctx, backend.refund.PaymentID, 5)
	s.Require().NoError(err)

	got, err := cached.GetRefund(s.Ctx, backend.refund.ID)
	s.Require().NoError(err)
	s.Equal(int64(35), got.Amount)
}
