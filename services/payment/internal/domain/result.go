package domain

type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeDeclined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// PaymentResult is what CreatePayment hands back when the request was not an
// error. A declined result echoes the request and has no ID.
type PaymentResult struct {
	Outcome       Outcome
	Payment       *Payment
	DeclineReason string
}
