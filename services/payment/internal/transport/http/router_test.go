package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sakashimaa/paybank/pkg/utils"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"github.com/sakashimaa/paybank/services/payment/internal/repository"
	"github.com/sakashimaa/paybank/services/payment/internal/service"
	"github.com/sakashimaa/paybank/services/payment/internal/transport/http/handler"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var secret = []byte("router-test-secret")

type fakePayments struct {
	result *domain.PaymentResult
	err    error
	stored map[uuid.UUID]*domain.Payment

	gotAmount int64
	gotRef    string
}

func (f *fakePayments) CreatePayment(_ context.Context, amount int64, ref string) (*domain.PaymentResult, error) {
	f.gotAmount, f.gotRef = amount, ref
	return f.result, f.err
}

func (f *fakePayments) GetPayment(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	if p, ok := f.stored[id]; ok {
		return p, nil
	}
	return nil, repository.ErrPaymentNotFound
}

type fakeRefunds struct {
	refund *domain.Refund
	err    error
}

func (f *fakeRefunds) CreateRefund(_ context.Context, paymentID uuid.UUID, amount int64) (*domain.Refund, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Refund{ID: uuid.New(), PaymentID: paymentID, Amount: amount}, nil
}

func (f *fakeRefunds) GetRefund(_ context.Context, id uuid.UUID) (*domain.Refund, error) {
	if f.refund != nil && f.refund.ID == id {
		return f.refund, nil
	}
	return nil, repository.ErrRefundNotFound
}

func (f *fakeRefunds) GetRefundForPayment(context.Context, uuid.UUID) (*domain.Refund, error) {
	return f.refund, nil
}

func newTestApp(payments service.PaymentService, refunds service.RefundService, limits LimiterConfig) *fiber.App {
	logger := zap.NewNop()
	validate := utils.NewValidator()

	app := NewApp()
	RegisterRoutes(app, &Handlers{
		Payment: handler.NewPaymentHandler(payments, validate, time.Second, logger),
		Refund:  handler.NewRefundHandler(refunds, validate, time.Second, logger),
	}, secret, limits)

	return app
}

func bearer(t *testing.T, merchant string) string {
	t.Helper()

	token, err := utils.GenerateAccessToken(secret, merchant, time.Minute)
	require.NoError(t, err)
	return "Bearer " + token
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, bearer(t, "merchant-1"))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestCreatePayment_StatusMapping(t *testing.T) {
	approved := &domain.Payment{ID: uuid.New(), Amount: 1205, AccountReference: "4111", Status: domain.PaymentApproved}
	declined := &domain.Payment{Amount: 1205, AccountReference: "4111", Status: domain.PaymentDeclined}

	cases := []struct {
		name   string
		result *domain.PaymentResult
		err    error
		status int
		errMsg string
	}{
		{name: "created", result: &domain.PaymentResult{Outcome: domain.OutcomeCreated, Payment: approved}, status: fiber.StatusCreated},
		{name: "insufficient funds", result: &domain.PaymentResult{Outcome: domain.OutcomeDeclined, Payment: declined, DeclineReason: "insufficient_funds"}, status: fiber.StatusPaymentRequired, errMsg: "insufficient_funds"},
		{name: "invalid account", result: &domain.PaymentResult{Outcome: domain.OutcomeDeclined, Payment: declined, DeclineReason: "invalid_account_number"}, status: fiber.StatusForbidden, errMsg: "invalid_account_number"},
		{name: "zero amount", err: service.ErrZeroAmount, status: fiber.StatusBadRequest, errMsg: service.ErrZeroAmount.Error()},
		{name: "invalid amount", err: service.ErrInvalidAmount, status: fiber.StatusBadRequest, errMsg: service.ErrInvalidAmount.Error()},
		{name: "duplicate instrument", err: service.ErrInstrumentAlreadyUsed, status: fiber.StatusUnprocessableEntity, errMsg: "card_number already used"},
		{name: "processing", err: fmt.Errorf("%w: boom", service.ErrPaymentProcessing), status: fiber.StatusBadGateway, errMsg: service.ErrPaymentProcessing.Error()},
		{name: "withdraw failed", err: fmt.Errorf("%w: boom", service.ErrWithdrawFailed), status: fiber.StatusInternalServerError, errMsg: "internal error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payments := &fakePayments{result: tc.result, err: tc.err}
			app := newTestApp(payments, &fakeRefunds{}, LimiterConfig{})

			status, body := do(t, app, fiber.MethodPost, "/api/payments", `{"payment":{"amount":1205,"card_number":"4111"}}`)
			require.Equal(t, tc.status, status)
			require.Equal(t, int64(1205), payments.gotAmount)
			require.Equal(t, "4111", payments.gotRef)

			if tc.errMsg != "" {
				require.Equal(t, tc.errMsg, body["error"])
			}
			if tc.result != nil {
				data := body["data"].(map[string]any)
				require.EqualValues(t, 1205, data["amount"])
				require.Equal(t, "4111", data["card_number"])
				require.Equal(t, string(tc.result.Payment.Status), data["status"])
			}
		})
	}
}

func TestCreatePayment_ValidationErrors(t *testing.T) {
	payments := &fakePayments{}
	app := newTestApp(payments, &fakeRefunds{}, LimiterConfig{})

	status, body := do(t, app, fiber.MethodPost, "/api/payments", `{"payment":{"card_number":""}}`)
	require.Equal(t, fiber.StatusBadRequest, status)

	errs := body["errors"].(map[string]any)
	require.Contains(t, errs, "amount")
	require.Contains(t, errs, "card_number")
	require.Empty(t, payments.gotRef)

	status, _ = do(t, app, fiber.MethodPost, "/api/payments", `{"payment":`)
	require.Equal(t, fiber.StatusBadRequest, status)
}

func TestGetPayment(t *testing.T) {
	p := &domain.Payment{ID: uuid.New(), Amount: 50, AccountReference: "4111", Status: domain.PaymentApproved}
	app := newTestApp(&fakePayments{stored: map[uuid.UUID]*domain.Payment{p.ID: p}}, &fakeRefunds{}, LimiterConfig{})

	status, body := do(t, app, fiber.MethodGet, "/api/payments/"+p.ID.String(), "")
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, p.ID.String(), body["data"].(map[string]any)["id"])

	status, _ = do(t, app, fiber.MethodGet, "/api/payments/"+uuid.NewString(), "")
	require.Equal(t, fiber.StatusNotFound, status)

	status, _ = do(t, app, fiber.MethodGet, "/api/payments/not-a-uuid", "")
	require.Equal(t, fiber.StatusBadRequest, status)
}

func TestCreateRefund_StatusMapping(t *testing.T) {
	paymentID := uuid.NewString()
	body := fmt.Sprintf(`{"refund":{"payment_id":%q,"amount":30}}`, paymentID)

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"created", nil, fiber.StatusCreated},
		{"missing payment", service.ErrPaymentNotExist, fiber.StatusNotFound},
		{"not approved", service.ErrPaymentNotApproved, fiber.StatusNotFound},
		{"over refund", service.ErrAmountRefundFailed, fiber.StatusUnprocessableEntity},
		{"non-positive", service.ErrInvalidRefundAmount, fiber.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(&fakePayments{}, &fakeRefunds{err: tc.err}, LimiterConfig{})

			status, out := do(t, app, fiber.MethodPost, "/api/refunds", body)
			require.Equal(t, tc.status, status)

			if tc.err == nil {
				data := out["data"].(map[string]any)
				require.Equal(t, paymentID, data["payment_id"])
				require.EqualValues(t, 30, data["amount"])
			}
		})
	}

	app := newTestApp(&fakePayments{}, &fakeRefunds{}, LimiterConfig{})
	status, _ := do(t, app, fiber.MethodPost, "/api/refunds", `{"refund":{"payment_id":"nope","amount":30}}`)
	require.Equal(t, fiber.StatusBadRequest, status)
}

func TestGetRefund(t *testing.T) {
	refund := &domain.Refund{ID: uuid.New(), PaymentID: uuid.New(), Amount: 30, InsertedAt: time.Now(), UpdatedAt: time.Now()}
	app := newTestApp(&fakePayments{}, &fakeRefunds{refund: refund}, LimiterConfig{})

	status, body := do(t, app, fiber.MethodGet, "/api/refunds/"+refund.ID.String(), "")
	require.Equal(t, fiber.StatusOK, status)

	data := body["data"].(map[string]any)
	require.Equal(t, refund.ID.String(), data["id"])
	require.Equal(t, refund.PaymentID.String(), data["payment_id"])
	require.EqualValues(t, 30, data["amount"])
	require.Contains(t, data, "inserted_at")
	require.Contains(t, data, "updated_at")

	status, _ = do(t, app, fiber.MethodGet, "/api/refunds/"+uuid.NewString(), "")
	require.Equal(t, fiber.StatusNotFound, status)
}

func TestAuth_RejectsMissingAndBadTokens(t *testing.T) {
	app := newTestApp(&fakePayments{}, &fakeRefunds{}, LimiterConfig{})

	for name, header := range map[string]string{
		"missing":    "",
		"wrong type": "Basic abc",
		"bad token":  "Bearer abc.def.ghi",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/api/payments/"+uuid.NewString(), nil)
			if header != "" {
				req.Header.Set(fiber.HeaderAuthorization, header)
			}

			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestHealthIsPublic(t *testing.T) {
	app := newTestApp(&fakePayments{}, &fakeRefunds{}, LimiterConfig{})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRateLimitPerMerchant(t *testing.T) {
	app := newTestApp(&fakePayments{}, &fakeRefunds{}, LimiterConfig{Max: 2, Expiration: time.Minute})

	path := "/api/payments/" + uuid.NewString()
	for i := 0; i < 2; i++ {
		status, _ := do(t, app, fiber.MethodGet, path, "")
		require.Equal(t, fiber.StatusNotFound, status)
	}

	status, _ := do(t, app, fiber.MethodGet, path, "")
	require.Equal(t, fiber.StatusTooManyRequests, status)
}
