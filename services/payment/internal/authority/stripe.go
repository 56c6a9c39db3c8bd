package authority

import (
	"context"
	"errors"
	"fmt"

	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"go.uber.org/zap"
)

const defaultCurrency = "usd"

// Stripe holds funds with manually captured PaymentIntents. The account
// reference is a Stripe payment method id.
type Stripe struct {
	client   *paymentintent.Client
	currency string
	logger   *zap.Logger
}

type StripeOption func(*Stripe)

// WithBackend points the client at a different API backend, e.g. stripe-mock.
func WithBackend(backend stripe.Backend) StripeOption {
	return func(s *Stripe) {
		s.client.B = backend
	}
}

func WithCurrency(currency string) StripeOption {
	return func(s *Stripe) {
		s.currency = currency
	}
}

func NewStripe(apiKey string, logger *zap.Logger, opts ...StripeOption) *Stripe {
	s := &Stripe{
		client: &paymentintent.Client{
			B:   stripe.GetBackend(stripe.APIBackend),
			Key: apiKey,
		},
		currency: defaultCurrency,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Stripe) PlaceHold(ctx context.Context, accountReference string, amount int64) (HoldToken, error) {
	if amount <= 0 {
		return "", Decline(DeclineInvalidAmount)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(s.currency),
		PaymentMethod: stripe.String(accountReference),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx

	pi, err := s.client.New(params)
	if err != nil {
		if decline, ok := stripeDecline(err); ok {
			mylogger.Info(
				ctx,
				s.logger,
				"Stripe declined hold",
				mylogger.AccountRef(accountReference),
				zap.String("reason", decline.Reason.String()),
			)
			return "", decline
		}

		return "", fmt.Errorf("stripe: create payment intent: %w", err)
	}

	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		mylogger.Warn(
			ctx,
			s.logger,
			"Payment intent not capturable, cancelling",
			zap.String("payment_intent_id", pi.ID),
			zap.String("status", string(pi.Status)),
		)

		if err := s.ReleaseHold(context.WithoutCancel(ctx), HoldToken(pi.ID)); err != nil && !errors.Is(err, ErrHoldReleased) {
			return "", fmt.Errorf("stripe: cancel uncapturable intent %s: %w", pi.ID, err)
		}

		return "", &DeclineError{Reason: DeclineOther, Detail: string(pi.Status)}
	}

	return HoldToken(pi.ID), nil
}

func (s *Stripe) WithdrawFunds(ctx context.Context, token HoldToken) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	if _, err := s.client.Capture(string(token), params); err != nil {
		return fmt.Errorf("stripe: capture %s: %w", token, s.settled(ctx, token, err))
	}

	return nil
}

func (s *Stripe) ReleaseHold(ctx context.Context, token HoldToken) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := s.client.Cancel(string(token), params); err != nil {
		return fmt.Errorf("stripe: cancel %s: %w", token, s.settled(ctx, token, err))
	}

	return nil
}

var declineCodes = map[string]DeclineReason{
	"insufficient_funds": DeclineInsufficientFunds,
	"invalid_account":    DeclineInvalidAccountNumber,
	"invalid_number":     DeclineInvalidAccountNumber,
	"incorrect_number":   DeclineInvalidAccountNumber,
	"invalid_amount":     DeclineInvalidAmount,
	"amount_too_small":   DeclineInvalidAmount,
	"amount_too_large":   DeclineInvalidAmount,
}

func stripeDecline(err error) (*DeclineError, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, false
	}

	if reason, ok := declineCodes[string(stripeErr.DeclineCode)]; ok {
		return &DeclineError{Reason: reason, Detail: stripeErr.Msg}, true
	}
	if reason, ok := declineCodes[string(stripeErr.Code)]; ok {
		return &DeclineError{Reason: reason, Detail: stripeErr.Msg}, true
	}
	if stripeErr.Type == stripe.ErrorTypeCard {
		return &DeclineError{Reason: DeclineOther, Detail: stripeErr.Msg}, true
	}

	return nil, false
}

// settled turns a rejected capture or cancel into the outcome the intent
// already reached. An intent in any other state keeps the original error.
func (s *Stripe) settled(ctx context.Context, token HoldToken, cause error) error {
	var stripeErr *stripe.Error
	if !errors.As(cause, &stripeErr) {
		return cause
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeResourceMissing:
		return ErrUnknownHold
	case stripe.ErrorCodePaymentIntentUnexpectedState:
	default:
		return cause
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.client.Get(string(token), params)
	if err != nil {
		return fmt.Errorf("%w (status lookup: %w)", cause, err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ErrHoldWithdrawn
	case stripe.PaymentIntentStatusCanceled:
		return ErrHoldReleased
	}

	mylogger.Warn(
		ctx,
		s.logger,
		"Payment intent in unexpected state",
		zap.String("payment_intent_id", pi.ID),
		zap.String("status", string(pi.Status)),
	)

	return cause
}
