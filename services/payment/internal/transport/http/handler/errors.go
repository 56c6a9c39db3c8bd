package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/paybank/services/payment/internal/repository"
	"github.com/sakashimaa/paybank/services/payment/internal/service"
)

// mapError is the single place service errors become HTTP statuses.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrZeroAmount),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidRefundAmount):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrInstrumentAlreadyUsed):
		return fiber.StatusUnprocessableEntity, service.ErrInstrumentAlreadyUsed.Error()
	case errors.Is(err, service.ErrAmountRefundFailed):
		return fiber.StatusUnprocessableEntity, service.ErrAmountRefundFailed.Error()
	case errors.Is(err, service.ErrPaymentNotExist),
		errors.Is(err, repository.ErrPaymentNotFound):
		return fiber.StatusNotFound, "payment not found"
	case errors.Is(err, repository.ErrRefundNotFound):
		return fiber.StatusNotFound, "refund not found"
	case errors.Is(err, service.ErrPaymentProcessing):
		return fiber.StatusBadGateway, service.ErrPaymentProcessing.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "request timed out"
	default:
		return fiber.StatusInternalServerError, "internal error"
	}
}

func writeError(c *fiber.Ctx, err error) error {
	status, msg := mapError(err)
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
