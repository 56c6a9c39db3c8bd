package handler

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/pkg/utils"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"github.com/sakashimaa/paybank/services/payment/internal/service"
	"github.com/sakashimaa/paybank/services/payment/internal/transport/http/middleware"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	service  service.PaymentService
	validate *validator.Validate
	logger   *zap.Logger
	timeout  time.Duration
}

func NewPaymentHandler(svc service.PaymentService, validate *validator.Validate, timeout time.Duration, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:  svc,
		validate: validate,
		logger:   logger,
		timeout:  timeout,
	}
}

type PaymentParams struct {
	Amount     *int64 `json:"amount" validate:"required"`
	CardNumber string `json:"card_number" validate:"required,max=64"`
}

type CreatePaymentInput struct {
	Payment PaymentParams `json:"payment"`
}

type paymentView struct {
	ID         *uuid.UUID `json:"id,omitempty"`
	Amount     int64      `json:"amount"`
	CardNumber string     `json:"card_number"`
	Status     string     `json:"status"`
}

func toPaymentView(p *domain.Payment) paymentView {
	view := paymentView{
		Amount:     p.Amount,
		CardNumber: p.AccountReference,
		Status:     string(p.Status),
	}
	if p.ID != uuid.Nil {
		id := p.ID
		view.ID = &id
	}
	return view
}

func (h *PaymentHandler) Create(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	input := new(CreatePaymentInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "body parsing failed", zap.Error(err))

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	res, err := h.service.CreatePayment(ctx, *input.Payment.Amount, input.Payment.CardNumber)
	if err != nil {
		status, _ := mapError(err)
		mylogger.Warn(
			ctx,
			h.logger,
			"create payment failed",
			zap.String("merchant_id", middleware.MerchantID(c)),
			zap.Int("http_status", status),
			zap.Error(err),
		)

		return writeError(c, err)
	}

	if res.Outcome == domain.OutcomeDeclined {
		status := fiber.StatusPaymentRequired
		if res.DeclineReason == "invalid_account_number" {
			status = fiber.StatusForbidden
		}

		return c.Status(status).JSON(fiber.Map{
			"data":  toPaymentView(res.Payment),
			"error": res.DeclineReason,
		})
	}

	mylogger.Info(
		ctx,
		h.logger,
		"payment created",
		zap.String("merchant_id", middleware.MerchantID(c)),
		zap.Stringer("payment_id", res.Payment.ID),
	)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"data": toPaymentView(res.Payment),
	})
}

func (h *PaymentHandler) Get(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	payment, err := h.service.GetPayment(ctx, id)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": toPaymentView(payment),
	})
}
