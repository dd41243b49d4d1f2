package backend

import (
	"encoding/json"

	"github.com/wolfman30/trip-checkout/internal/booking"
)

// Payment steps understood by the quote and intent endpoints.
const (
	StepInitial     = "initial"
	StepInstallment = "installment"
	StepPayoff      = "payoff"
)

// Identity names the server-side record a payment belongs to: a pending
// payment intent (current flow) or a booking (legacy and installment pages).
type Identity struct {
	PaymentIntentID string
	BookingID       int
}

// Normalized drops the booking id when a payment intent id is known.
func (id Identity) Normalized() Identity {
	if id.PaymentIntentID != "" {
		return Identity{PaymentIntentID: id.PaymentIntentID}
	}
	return id
}

// IsZero reports whether neither id is set.
func (id Identity) IsZero() bool {
	return id.PaymentIntentID == "" && id.BookingID == 0
}

// QuoteRequest asks the server to price a payment for a given payment method.
type QuoteRequest struct {
	Identity        Identity
	PaymentMethodID string
	PaymentStep     string
	BaseAmountCents *int64
	InstallmentID   *int
}

type quotePayload struct {
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	BookingID       int    `json:"booking_id,omitempty"`
	InstallmentID   *int   `json:"installment_id,omitempty"`
	PaymentMethodID string `json:"payment_method_id"`
	PaymentStep     string `json:"payment_step,omitempty"`
	BaseAmountCents *int64 `json:"base_amount_cents,omitempty"`
}

func (r QuoteRequest) MarshalJSON() ([]byte, error) {
	id := r.Identity.Normalized()
	return json.Marshal(quotePayload{
		PaymentIntentID: id.PaymentIntentID,
		BookingID:       id.BookingID,
		InstallmentID:   r.InstallmentID,
		PaymentMethodID: r.PaymentMethodID,
		PaymentStep:     r.PaymentStep,
		BaseAmountCents: r.BaseAmountCents,
	})
}

// Quote is the server-authoritative price for one payment method. All
// amounts are cents.
type Quote struct {
	BaseAmount  int64  `json:"base_amount"`
	Fee         int64  `json:"fee"`
	TaxAmount   int64  `json:"tax_amount"`
	FinalAmount int64  `json:"final_amount"`
	Funding     string `json:"funding,omitempty"`
	Brand       string `json:"brand,omitempty"`
}

// IntentUpdate attaches the chosen payment method and plan before confirmation.
type IntentUpdate struct {
	Identity        Identity
	InstallmentID   *int
	PaymentMethodID string
	PaymentPlan     string
	PaymentStep     string
}

type intentPayload struct {
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	BookingID       int    `json:"booking_id,omitempty"`
	InstallmentID   *int   `json:"installment_id"`
	PaymentMethodID string `json:"payment_method_id"`
	PaymentPlan     string `json:"payment_plan"`
	PaymentStep     string `json:"payment_step,omitempty"`
}

func (u IntentUpdate) MarshalJSON() ([]byte, error) {
	id := u.Identity.Normalized()
	plan := u.PaymentPlan
	if plan == "" {
		plan = string(booking.PlanFull)
	}
	return json.Marshal(intentPayload{
		PaymentIntentID: id.PaymentIntentID,
		BookingID:       id.BookingID,
		InstallmentID:   u.InstallmentID,
		PaymentMethodID: u.PaymentMethodID,
		PaymentPlan:     plan,
		PaymentStep:     u.PaymentStep,
	})
}

// IntentResult is the acknowledgement of an intent update.
type IntentResult struct {
	PaymentIntentID string `json:"payment_intent_id"`
	FinalAmount     int64  `json:"final_amount"`
}

// DiscountResult is a validated discount code.
type DiscountResult struct {
	Code        string `json:"code"`
	ID          int    `json:"id"`
	AmountCents int64  `json:"discount_amount"`
}

type discountValidateRequest struct {
	Code        string `json:"code"`
	TripID      int    `json:"trip_id"`
	OrderAmount int64  `json:"order_amount"`
}

type discountValidateResponse struct {
	Valid    bool            `json:"valid"`
	Message  string          `json:"message"`
	Discount *DiscountResult `json:"discount"`
}

type discountApplyRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
	DiscountCodeID  *int   `json:"discount_code_id"`
	DiscountAmount  int64  `json:"discount_amount"`
}

type ackResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Error       string `json:"error"`
	RedirectURL string `json:"redirect_url"`
}

// PaymentSession is created once per booking attempt.
type PaymentSession struct {
	PaymentIntentID string `json:"payment_intent_id"`
	BookingID       int    `json:"booking_id"`
	ClientSecret    string `json:"client_secret"`
	PublishableKey  string `json:"publishable_key"`
	PaymentPlan     string `json:"payment_plan"`
	SuccessURL      string `json:"success_url"`
	BaseAmountCents int64  `json:"base_amount_cents"`
}

// Identity returns the authoritative id of the session.
func (s PaymentSession) Identity() Identity {
	return Identity{PaymentIntentID: s.PaymentIntentID, BookingID: s.BookingID}.Normalized()
}

// IntentStyle reports whether the session belongs to the payment-intent flow,
// where the booking is only created after payment.
func (s PaymentSession) IntentStyle() bool {
	return s.PaymentIntentID != ""
}

// Ready reports whether the provider widget can be initialised.
func (s PaymentSession) Ready() bool {
	return s.ClientSecret != "" && s.PublishableKey != ""
}

type sessionResponse struct {
	PaymentSession
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// BookingRedirect is the outcome of the legacy form submission.
type BookingRedirect struct {
	Success     bool   `json:"success"`
	PaymentURL  string `json:"payment_url"`
	CheckoutURL string `json:"checkout_url"`
	RedirectURL string `json:"redirect_url"`
	Error       string `json:"error"`
}

// DefaultSuccessPath is where a submitted booking lands when the server names
// no next page.
const DefaultSuccessPath = "/booking/success"

// Location picks the next page: payment, then checkout, then redirect URL.
func (r BookingRedirect) Location() string {
	switch {
	case r.PaymentURL != "":
		return r.PaymentURL
	case r.CheckoutURL != "":
		return r.CheckoutURL
	case r.RedirectURL != "":
		return r.RedirectURL
	default:
		return DefaultSuccessPath
	}
}

// bookingData is the booking_data blob the form action consumes.
type bookingData struct {
	BuyerInfo      booking.BuyerInfo          `json:"buyer_info"`
	Packages       []booking.PackageSelection `json:"packages"`
	Addons         []booking.AddonSelection   `json:"addons"`
	Participants   []booking.Participant      `json:"participants"`
	PaymentMethod  booking.PaymentPlan        `json:"payment_method"`
	DiscountCode   string                     `json:"discount_code,omitempty"`
	DiscountCodeID int                        `json:"discount_code_id,omitempty"`
	DiscountAmount int64                      `json:"discount_amount,omitempty"`
	PaymentFlow    string                     `json:"payment_flow,omitempty"`
}

func newBookingData(d booking.Draft, flow string) bookingData {
	out := bookingData{
		BuyerInfo:     d.BuyerInfo,
		Packages:      d.Packages,
		Addons:        d.Addons,
		Participants:  d.Participants,
		PaymentMethod: d.PaymentMethod,
		PaymentFlow:   flow,
	}
	if out.Packages == nil {
		out.Packages = []booking.PackageSelection{}
	}
	if out.Addons == nil {
		out.Addons = []booking.AddonSelection{}
	}
	if out.Participants == nil {
		out.Participants = []booking.Participant{}
	}
	if d.Discount != nil {
		out.DiscountCode = d.Discount.Code
		out.DiscountCodeID = d.Discount.CodeID
		out.DiscountAmount = d.Discount.AmountCents
	}
	return out
}
