package domain

import (
	"time"

	"github.com/google/uuid"
)

// Refund is the running total refunded against one payment, not a single refund operation.
type Refund struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PaymentID  uuid.UUID `db:"payment_id" json:"payment_id"`
	Amount     int64     `db:"amount" json:"amount"`
	InsertedAt time.Time `db:"inserted_at" json:"inserted_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
