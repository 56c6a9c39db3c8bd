package service

import (
	"errors"
	"fmt"
)

var (
	ErrZeroAmount            = errors.New("amount must not be zero")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidRefundAmount   = errors.New("refund amount must be positive")
	ErrInstrumentAlreadyUsed = errors.New("card_number already used")
	ErrPaymentProcessing     = errors.New("payment processing error")
	ErrWithdrawFailed        = errors.New("withdraw after successful hold failed")
	ErrPaymentNotExist       = errors.New("payment does not exist")
	ErrPaymentNotApproved    = fmt.Errorf("%w: payment not approved", ErrPaymentNotExist)
	ErrAmountRefundFailed    = errors.New("refund amount exceeds refundable balance")
)
