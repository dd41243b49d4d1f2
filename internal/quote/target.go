package quote

import (
	"github.com/wolfman30/trip-checkout/internal/backend"
)

// State is the coordinator's position in the quote cycle.
type State int

const (
	Idle State = iota
	Probing
	Quoted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case Quoted:
		return "quoted"
	default:
		return "unknown"
	}
}

// Target describes what is being paid for. The booking wizard quotes the
// whole pending intent; the installment page quotes one installment of an
// existing booking and sends its own base amount.
type Target struct {
	Identity      backend.Identity
	InstallmentID *int
	PaymentStep   string
	PaymentPlan   string

	BaseAmountCents      int64
	RemainingAmountCents int64
	// SendBase includes base_amount_cents in quote requests.
	SendBase bool
}

// BaseFor returns the amount being paid, switching to the remaining balance
// in payoff mode when one is known.
func (t Target) BaseFor(payoff bool) int64 {
	if payoff && t.RemainingAmountCents > 0 {
		return t.RemainingAmountCents
	}
	return t.BaseAmountCents
}

// StepFor returns the payment step sent to the server.
func (t Target) StepFor(payoff bool) string {
	if payoff {
		return backend.StepPayoff
	}
	return t.PaymentStep
}

// InstallmentFor returns the installment id sent to the server. A payoff
// against a known booking settles the whole balance, not one installment.
func (t Target) InstallmentFor(payoff bool) *int {
	if payoff && t.Identity.BookingID != 0 {
		return nil
	}
	return t.InstallmentID
}

// Request builds the quote request for a payment method.
func (t Target) Request(paymentMethodID string, payoff bool) backend.QuoteRequest {
	req := backend.QuoteRequest{
		Identity:        t.Identity,
		PaymentMethodID: paymentMethodID,
		PaymentStep:     t.StepFor(payoff),
		InstallmentID:   t.InstallmentFor(payoff),
	}
	if base := t.BaseFor(payoff); t.SendBase && base > 0 {
		req.BaseAmountCents = &base
	}
	return req
}

// Summary is the amount block shown next to the payment form.
type Summary struct {
	BaseCents  int64 `json:"base_amount"`
	FeeCents   int64 `json:"fee"`
	FinalCents int64 `json:"final_amount"`
	// Provisional is set when the figures are a local estimate rather than
	// a server quote for the current base amount.
	Provisional bool `json:"provisional"`
}

// Snapshot is the coordinator state handed to listeners.
type Snapshot struct {
	State State
	// Quote is the last accepted quote. It may be kept after the base amount
	// changed, for fee display, in which case Current is false.
	Quote    *backend.Quote
	Current  bool
	InFlight bool
	// Identity is the payment method id the quote was accepted for.
	Identity string
	Payoff   bool
	Summary  Summary
	// Err is the last failure of a non-silent probe, cleared by the next probe.
	Err error
}

// FeeCents returns the fee of the last accepted quote, or 0.
func (s Snapshot) FeeCents() int64 {
	if s.Quote == nil {
		return 0
	}
	return s.Quote.Fee
}
