package provider

import (
	"context"
	"fmt"
	"sync"
)

// ReportedInstrument is an instrument whose state is reported by the browser:
// the page forwards the widget's change events and, once complete, either a
// payment method id or a card token to exchange for one.
type ReportedInstrument struct {
	creator PaymentMethodCreator

	mu              sync.Mutex
	complete        bool
	paymentMethodID string
	cardToken       string
}

// NewReportedInstrument creates an instrument. creator may be nil when the
// browser always reports payment method ids.
func NewReportedInstrument(creator PaymentMethodCreator) *ReportedInstrument {
	return &ReportedInstrument{creator: creator}
}

// Report records a widget change event. An incomplete report forgets any
// previously captured identity.
func (r *ReportedInstrument) Report(complete bool, paymentMethodID, cardToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = complete
	if !complete {
		r.paymentMethodID = ""
		r.cardToken = ""
		return
	}
	r.paymentMethodID = paymentMethodID
	r.cardToken = cardToken
}

// Complete reports whether the last change event was complete.
func (r *ReportedInstrument) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

func (r *ReportedInstrument) Submit(ctx context.Context) error {
	if !r.Complete() {
		return ErrIncomplete
	}
	return nil
}

func (r *ReportedInstrument) PaymentMethodID(ctx context.Context) (string, error) {
	r.mu.Lock()
	complete, pmID, token := r.complete, r.paymentMethodID, r.cardToken
	r.mu.Unlock()

	if !complete {
		return "", ErrIncomplete
	}
	if pmID != "" {
		return pmID, nil
	}
	if token == "" || r.creator == nil {
		return "", ErrIncomplete
	}

	created, err := r.creator.CreatePaymentMethod(ctx, token)
	if err != nil {
		return "", fmt.Errorf("provider: create payment method: %w", err)
	}

	r.mu.Lock()
	// only cache if the instrument has not changed meanwhile
	if r.complete && r.cardToken == token {
		r.paymentMethodID = created
	}
	r.mu.Unlock()
	return created, nil
}
