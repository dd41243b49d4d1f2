// Package provider wraps the hosted payment widget: capturing a payment
// instrument, deriving its payment-method identity and confirming payment.
package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrIncomplete means the buyer has not finished entering payment details.
	ErrIncomplete = errors.New("provider: payment details incomplete")
	// ErrNotReady means the widget cannot be created (missing key or secret).
	ErrNotReady = errors.New("provider: payment widget not ready")
	// ErrConfirmFailed means the provider declined or could not confirm the payment.
	ErrConfirmFailed = errors.New("provider: payment confirmation failed")
)

// Instrument is a captured payment instrument.
type Instrument interface {
	// Submit validates the captured details.
	Submit(ctx context.Context) error
	// PaymentMethodID derives the opaque identity token of the instrument.
	PaymentMethodID(ctx context.Context) (string, error)
}

// Confirmation is the provider's answer to a confirm call.
type Confirmation struct {
	PaymentIntentID string
	Status          string
	// NextActionURL is set when the buyer must complete an extra step
	// (for example 3-D Secure) before returning to the success page.
	NextActionURL string
}

// Confirmer confirms a payment intent.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, clientSecret, paymentMethodID, returnURL string) (*Confirmation, error)
}

// PaymentMethodCreator turns a tokenised card into a payment method id.
type PaymentMethodCreator interface {
	CreatePaymentMethod(ctx context.Context, cardToken string) (string, error)
}

// Elements is the widget context bound to one payment session.
type Elements struct {
	PublishableKey string
	ClientSecret   string

	mu         sync.Mutex
	instrument Instrument
}

// NewElements creates a widget context. Both the publishable key and the
// client secret are required.
func NewElements(publishableKey, clientSecret string) (*Elements, error) {
	if strings.TrimSpace(publishableKey) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, ErrNotReady
	}
	return &Elements{PublishableKey: publishableKey, ClientSecret: clientSecret}, nil
}

// Mount attaches the capture element.
func (e *Elements) Mount(inst Instrument) {
	e.mu.Lock()
	e.instrument = inst
	e.mu.Unlock()
}

// Unmount detaches the capture element.
func (e *Elements) Unmount() {
	e.mu.Lock()
	e.instrument = nil
	e.mu.Unlock()
}

// Instrument returns the mounted instrument, or nil.
func (e *Elements) Instrument() Instrument {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instrument
}

// IntentIDFromClientSecret extracts "pi_123" from "pi_123_secret_abc".
func IntentIDFromClientSecret(secret string) string {
	idx := strings.Index(secret, "_secret_")
	if idx <= 0 {
		return ""
	}
	return secret[:idx]
}
