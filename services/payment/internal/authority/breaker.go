package authority

import (
	"context"
	"errors"
	"time"

	"github.com/sakashimaa/paybank/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Observer receives the latency and outcome of every authority call.
type Observer func(op string, took time.Duration, err error)

// Breaker guards an Authority with a circuit breaker. Declines and unknown
// holds are answers from a healthy authority and do not count as failures.
type Breaker struct {
	next    Authority
	cb      *gobreaker.CircuitBreaker
	observe Observer
}

func NewBreaker(next Authority, logger *zap.Logger, observe Observer) *Breaker {
	if observe == nil {
		observe = func(string, time.Duration, error) {}
	}

	return &Breaker{
		next:    next,
		cb:      utils.NewBreaker("funds-authority", logger, healthyAnswer),
		observe: observe,
	}
}

func healthyAnswer(err error) bool {
	if err == nil {
		return true
	}

	var declineErr *DeclineError
	return errors.As(err, &declineErr) ||
		errors.Is(err, ErrUnknownHold) ||
		errors.Is(err, ErrHoldWithdrawn) ||
		errors.Is(err, ErrHoldReleased)
}

func (b *Breaker) PlaceHold(ctx context.Context, accountReference string, amount int64) (HoldToken, error) {
	start := time.Now()

	token, err := utils.ExecuteWithBreaker(b.cb, func() (HoldToken, error) {
		return b.next.PlaceHold(ctx, accountReference, amount)
	})
	b.observe("place_hold", time.Since(start), err)

	return token, err
}

func (b *Breaker) WithdrawFunds(ctx context.Context, token HoldToken) error {
	start := time.Now()

	_, err := utils.ExecuteWithBreaker(b.cb, func() (struct{}, error) {
		return struct{}{}, b.next.WithdrawFunds(ctx, token)
	})
	b.observe("withdraw_funds", time.Since(start), err)

	return err
}

// ReleaseHold bypasses an open breaker: compensation must always be attempted.
func (b *Breaker) ReleaseHold(ctx context.Context, token HoldToken) error {
	start := time.Now()

	_, err := utils.ExecuteWithBreaker(b.cb, func() (struct{}, error) {
		return struct{}{}, b.next.ReleaseHold(ctx, token)
	})
	if Unavailable(err) {
		err = b.next.ReleaseHold(ctx, token)
	}
	b.observe("release_hold", time.Since(start), err)

	return err
}

// Unavailable reports whether err came from the breaker refusing a call.
func Unavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
