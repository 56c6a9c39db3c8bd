package service

import (
	"errors"

	"github.com/sakashimaa/paybank/pkg/outbox/worker"
)

func (s *ServiceSuite) TestOutbox_PublishesLedgerEvents() {
	payment := s.approvedPayment(50)
	_, err := s.Refunds.CreateRefund(s.Ctx, payment.ID, 20)
	s.Require().NoError(err)

	producer := &recordingProducer{}
	processor := worker.NewOutboxProcessor(s.DbPool, s.OutboxRepo, producer, s.logger)

	published, err := processor.ProcessBatch(s.Ctx)
	s.Require().NoError(err)
	s.Equal(2, published)

	s.Equal([]string{payment.ID.String(), payment.ID.String()}, producer.keys)
	s.Equal("PaymentApproved", producer.msgs[0]["event"])
	s.Equal("RefundIssued", producer.msgs[1]["event"])
	s.NotNil(producer.msgs[1]["event_id"])

	refundPayload := producer.msgs[1]["payload"].(map[string]any)
	s.EqualValues(20, refundPayload["amount"])
	s.EqualValues(20, refundPayload["total_refunded"])

	s.Equal(0, s.count(`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`))

	published, err = processor.ProcessBatch(s.Ctx)
	s.Require().NoError(err)
	s.Zero(published)
}

func (s *ServiceSuite) TestOutbox_FailedPublishIsRetried() {
	s.approvedPayment(50)

	producer := &recordingProducer{err: errors.New("broker down")}
	processor := worker.NewOutboxProcessor(s.DbPool, s.OutboxRepo, producer, s.logger)

	published, err := processor.ProcessBatch(s.Ctx)
	s.Require().NoError(err)
	s.Zero(published)
	s.Equal(1, s.count(`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL AND attempts = 1 AND last_error = 'broker down'`))

	producer.err = nil
	published, err = processor.ProcessBatch(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, published)
}

func (s *ServiceSuite) TestOutbox_BacklogSeparatesDeadEvents() {
	payment := s.approvedPayment(50)
	_, err := s.Refunds.CreateRefund(s.Ctx, payment.ID, 10)
	s.Require().NoError(err)

	_, err = s.DbPool.Exec(s.Ctx, `UPDATE outbox SET attempts = 10 WHERE id = (SELECT MIN(id) FROM outbox)`)
	s.Require().NoError(err)

	pending, dead, err := s.OutboxRepo.Backlog(s.Ctx)
	s.Require().NoError(err)
	s.EqualValues(1, pending)
	s.EqualValues(1, dead)

	producer := &recordingProducer{}
	processor := worker.NewOutboxProcessor(s.DbPool, s.OutboxRepo, producer, s.logger)

	published, err := processor.ProcessBatch(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, published)

	pending, dead, err = s.OutboxRepo.Backlog(s.Ctx)
	s.Require().NoError(err)
	s.Zero(pending)
	s.EqualValues(1, dead)
}
