package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventPaymentApproved = "PaymentApproved"
	EventRefundIssued    = "RefundIssued"
	EventRefundRequested = "RefundRequested"
)

type PaymentApprovedEvent struct {
	PaymentID  uuid.UUID `json:"payment_id"`
	Amount     int64     `json:"amount"`
	ApprovedAt time.Time `json:"approved_at"`
}

// RefundIssuedEvent carries both the delta refunded by this request and the running total.
type RefundIssuedEvent struct {
	RefundID      uuid.UUID `json:"refund_id"`
	PaymentID     uuid.UUID `json:"payment_id"`
	Amount        int64     `json:"amount"`
	TotalRefunded int64     `json:"total_refunded"`
	RefundedAt    time.Time `json:"refunded_at"`
}

type RefundRequestedEvent struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Amount    int64     `json:"amount"`
}

type EventWrapper[T any] struct {
	Event   string `json:"event"`
	Payload T      `json:"payload"`
	EventID int64  `json:"event_id,omitempty"`
}
