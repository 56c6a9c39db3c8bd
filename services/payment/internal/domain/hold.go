package domain

import (
	"time"

	"github.com/google/uuid"
)

type HoldStatus string

const (
	HoldPending   HoldStatus = "pending"
	HoldHeld      HoldStatus = "held"
	HoldWithdrawn HoldStatus = "withdrawn"
	HoldReleased  HoldStatus = "released"
	HoldDeclined  HoldStatus = "declined"
	HoldAbandoned HoldStatus = "abandoned"
)

// Hold is the durable record of a funds reservation. It is written before the
// authority is called so a crash mid-workflow leaves something to recover from.
type Hold struct {
	ID               uuid.UUID  `db:"id"`
	Token            string     `db:"token"`
	AccountReference string     `db:"account_reference"`
	Amount           int64      `db:"amount"`
	Status           HoldStatus `db:"status"`
	LastError        *string    `db:"last_error"`
	Attempts         int        `db:"attempts"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (s HoldStatus) Resolved() bool {
	switch s {
	case HoldWithdrawn, HoldReleased, HoldDeclined, HoldAbandoned:
		return true
	default:
		return false
	}
}
