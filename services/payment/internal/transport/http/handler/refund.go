package handler

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/pkg/utils"
	"github.com/sakashimaa/paybank/services/payment/internal/service"
	"github.com/sakashimaa/paybank/services/payment/internal/transport/http/middleware"
	"go.uber.org/zap"
)

type RefundHandler struct {
	service  service.RefundService
	validate *validator.Validate
	logger   *zap.Logger
	timeout  time.Duration
}

func NewRefundHandler(svc service.RefundService, validate *validator.Validate, timeout time.Duration, logger *zap.Logger) *RefundHandler {
	return &RefundHandler{
		service:  svc,
		validate: validate,
		logger:   logger,
		timeout:  timeout,
	}
}

type RefundParams struct {
	PaymentID string `json:"payment_id" validate:"required,uuid"`
	Amount    *int64 `json:"amount" validate:"required"`
}

type CreateRefundInput struct {
	Refund RefundParams `json:"refund"`
}

func (h *RefundHandler) Create(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	input := new(CreateRefundInput)
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

	paymentID := uuid.MustParse(input.Refund.PaymentID)

	refund, err := h.service.CreateRefund(ctx, paymentID, *input.Refund.Amount)
	if err != nil {
		mylogger.Warn(
			ctx,
			h.logger,
			"create refund failed",
			zap.String("merchant_id", middleware.MerchantID(c)),
			zap.Stringer("payment_id", paymentID),
			zap.Error(err),
		)

		return writeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{
			"id":         refund.ID,
			"payment_id": refund.PaymentID,
			"amount":     refund.Amount,
		},
	})
}

func (h *RefundHandler) Get(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	refund, err := h.service.GetRefund(ctx, id)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": refund,
	})
}
