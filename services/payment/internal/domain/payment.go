package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentApproved PaymentStatus = "approved"
	PaymentDeclined PaymentStatus = "declined"
)

type Payment struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	Amount           int64         `db:"amount" json:"amount"`
	AccountReference string        `db:"account_reference" json:"account_reference"`
	Status           PaymentStatus `db:"status" json:"status"`
	HoldID           uuid.UUID     `db:"hold_id" json:"hold_id"`

	InsertedAt time.Time `db:"inserted_at" json:"inserted_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Payment) Approved() bool {
	return p.Status == PaymentApproved
}

// Refundable is what is left to refund after refunded has already gone back to the payer.
func (p *Payment) Refundable(refunded int64) int64 {
	return p.Amount - refunded
}
