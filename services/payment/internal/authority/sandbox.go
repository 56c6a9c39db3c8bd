package authority

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"go.uber.org/zap"
)

type sandboxAccount struct {
	balance  int64
	reserved int64
}

type sandboxHold struct {
	accountReference string
	amount           int64
}

// Sandbox is an in-process authority with a fixed set of accounts. It backs
// local runs and tests.
type Sandbox struct {
	mu       sync.Mutex
	accounts map[string]*sandboxAccount
	holds    map[HoldToken]sandboxHold
	resolved map[HoldToken]error
	logger   *zap.Logger

	forced         *DeclineReason
	defaultBalance int64
	failWithdraw   error
	failRelease    error

	released  int
	withdrawn int
}

type SandboxOption func(*Sandbox)

// WithAccount registers an account reference with a starting balance.
func WithAccount(accountReference string, balance int64) SandboxOption {
	return func(s *Sandbox) {
		s.accounts[accountReference] = &sandboxAccount{balance: balance}
	}
}

// WithDefaultBalance opens any unknown account reference that passes the Luhn
// check with balance on first use.
func WithDefaultBalance(balance int64) SandboxOption {
	return func(s *Sandbox) {
		s.defaultBalance = balance
	}
}

// WithForcedDecline makes every PlaceHold decline with reason.
func WithForcedDecline(reason DeclineReason) SandboxOption {
	return func(s *Sandbox) {
		s.forced = &reason
	}
}

func NewSandbox(logger *zap.Logger, opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		accounts: make(map[string]*sandboxAccount),
		holds:    make(map[HoldToken]sandboxHold),
		resolved: make(map[HoldToken]error),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Sandbox) PlaceHold(ctx context.Context, accountReference string, amount int64) (HoldToken, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forced != nil {
		return "", Decline(*s.forced)
	}

	account, ok := s.accounts[accountReference]
	if !ok && s.defaultBalance > 0 && validLuhn(accountReference) {
		account = &sandboxAccount{balance: s.defaultBalance}
		s.accounts[accountReference] = account
		ok = true
	}
	if !ok {
		return "", Decline(DeclineInvalidAccountNumber)
	}

	if amount <= 0 {
		return "", Decline(DeclineInvalidAmount)
	}

	if amount > account.balance-account.reserved {
		return "", Decline(DeclineInsufficientFunds)
	}

	token := HoldToken("hold_" + uuid.NewString())
	account.reserved += amount
	s.holds[token] = sandboxHold{accountReference: accountReference, amount: amount}

	mylogger.Debug(
		ctx,
		s.logger,
		"Sandbox hold placed",
		mylogger.AccountRef(accountReference),
		zap.Int64("amount", amount),
		zap.String("token", string(token)),
	)

	return token, nil
}

func (s *Sandbox) WithdrawFunds(ctx context.Context, token HoldToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWithdraw != nil {
		return s.failWithdraw
	}

	hold, account, err := s.take(token, ErrHoldWithdrawn)
	if err != nil {
		return err
	}

	account.reserved -= hold.amount
	account.balance -= hold.amount
	s.withdrawn++

	return nil
}

func (s *Sandbox) ReleaseHold(ctx context.Context, token HoldToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failRelease != nil {
		return s.failRelease
	}

	hold, account, err := s.take(token, ErrHoldReleased)
	if err != nil {
		return err
	}

	account.reserved -= hold.amount
	s.released++

	return nil
}

// take removes the hold so a token resolves exactly once. outcome is what a
// later attempt on the same token gets back.
func (s *Sandbox) take(token HoldToken, outcome error) (sandboxHold, *sandboxAccount, error) {
	hold, ok := s.holds[token]
	if !ok {
		if prev, done := s.resolved[token]; done {
			return sandboxHold{}, nil, prev
		}
		return sandboxHold{}, nil, ErrUnknownHold
	}

	delete(s.holds, token)
	s.resolved[token] = outcome

	return hold, s.accounts[hold.accountReference], nil
}

// Available is the balance that can still be held on accountReference.
func (s *Sandbox) Available(accountReference string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountReference]
	if !ok {
		return 0
	}
	return account.balance - account.reserved
}

func (s *Sandbox) Balance(accountReference string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account, ok := s.accounts[accountReference]; ok {
		return account.balance
	}
	return 0
}

// ActiveHolds counts holds that were neither withdrawn nor released.
func (s *Sandbox) ActiveHolds() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.holds)
}

func (s *Sandbox) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.released
}

func (s *Sandbox) Withdrawn() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withdrawn
}

// FailWithdraw makes WithdrawFunds return err until called again with nil.
func (s *Sandbox) FailWithdraw(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failWithdraw = err
}

// FailRelease makes ReleaseHold return err until called again with nil.
func (s *Sandbox) FailRelease(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failRelease = err
}

// validLuhn accepts digit strings, optionally grouped with spaces or dashes,
// whose Luhn checksum is valid.
func validLuhn(number string) bool {
	sum, digits := 0, 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}

		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		digits++
		double = !double
	}

	return digits >= 12 && sum%10 == 0
}
