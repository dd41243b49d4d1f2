package checkout

import (
	"errors"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/discount"
	"github.com/wolfman30/trip-checkout/internal/provider"
	"github.com/wolfman30/trip-checkout/internal/quote"
)

const (
	MsgCompleteCard      = "Please complete your card details before continuing."
	MsgPaymentFailed     = "Payment failed. Please try again."
	MsgPaymentNotReady   = "Payment is not ready. Please refresh the page."
	MsgFreeBookingFailed = "Failed to create booking. Please try again."
	MsgBookingFailed     = "Booking submission failed. Please try again."
	MsgInvalidDiscount   = "Invalid discount code."
	MsgSubmitInProgress  = "Your booking is already being processed."
	MsgQuoteInProgress   = "Calculating your total. Please try again in a moment."
)

// UserMessage turns any error of the booking core into text for the buyer.
// Server-provided messages are passed through unchanged.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrSubmitInProgress):
		return MsgSubmitInProgress
	case errors.Is(err, ErrPaymentDetailsIncomplete), errors.Is(err, provider.ErrIncomplete):
		return MsgCompleteCard
	case isNotReady(err), errors.Is(err, quote.ErrNoTarget):
		return MsgPaymentNotReady
	case errors.Is(err, quote.ErrQuoteInFlight):
		return MsgQuoteInProgress
	case errors.Is(err, discount.ErrCodeRequired):
		return discount.MsgCodeRequired
	case errors.Is(err, discount.ErrValidationUnavailable):
		return discount.MsgValidationFailed
	case errors.Is(err, provider.ErrConfirmFailed):
		return MsgPaymentFailed
	}

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}

	switch {
	case errors.Is(err, backend.ErrFreeBookingFailed):
		return MsgFreeBookingFailed
	case errors.Is(err, backend.ErrBookingFailed):
		return MsgBookingFailed
	case errors.Is(err, backend.ErrDiscountInvalid):
		return MsgInvalidDiscount
	default:
		return MsgPaymentFailed
	}
}
