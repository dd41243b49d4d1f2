package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/catalog"
	"github.com/wolfman30/trip-checkout/internal/checkout"
	"github.com/wolfman30/trip-checkout/internal/quote"
	"github.com/wolfman30/trip-checkout/internal/wizard"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

const (
	msgFixFields        = "Please correct the highlighted fields."
	msgNoPackages       = "Please select at least one package."
	msgNoParticipants   = "Please add at least one participant."
	msgSessionNotFound  = "Booking session not found. Please start again."
	msgNotAtPayment     = "Please complete the previous steps first."
	msgInstallmentOnly  = "This action is not available for this payment."
	msgInvalidStep      = "Unknown step."
	msgTripUnavailable  = "This trip is not available for booking."
	msgMissingTripOrPay = "trip_id or installment is required"
)

// SessionStore is the part of wizard.Manager the handlers use.
type SessionStore interface {
	Create(ctx context.Context, tripID int) (*wizard.Session, error)
	CreateInstallment(ctx context.Context, sess backend.PaymentSession, target quote.Target) (*wizard.Session, error)
	Get(ctx context.Context, id string) (*wizard.Session, error)
	Save(ctx context.Context, s *wizard.Session)
	Remove(ctx context.Context, id string)
}

// SessionsHandler exposes booking sessions to the browser.
type SessionsHandler struct {
	store  SessionStore
	logger *logging.Logger
}

func NewSessionsHandler(store SessionStore, logger *logging.Logger) *SessionsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionsHandler{store: store, logger: logger}
}

type installmentRequest struct {
	backend.PaymentSession
	InstallmentID        *int   `json:"installment_id,omitempty"`
	PaymentStep          string `json:"payment_step,omitempty"`
	RemainingAmountCents int64  `json:"remaining_amount_cents,omitempty"`
}

type createSessionRequest struct {
	TripID      int                 `json:"trip_id"`
	Installment *installmentRequest `json:"installment,omitempty"`
}

type paymentView struct {
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	BookingID       int    `json:"booking_id,omitempty"`
	ClientSecret    string `json:"client_secret"`
	PublishableKey  string `json:"publishable_key"`
	PaymentPlan     string `json:"payment_plan,omitempty"`
}

type sessionView struct {
	SessionID   string        `json:"session_id"`
	Step        int           `json:"step"`
	Installment bool          `json:"installment"`
	Draft       booking.Draft `json:"draft"`
	Payment     *paymentView  `json:"payment,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func viewOf(s *wizard.Session) sessionView {
	v := sessionView{
		SessionID:   s.ID,
		Step:        s.Step(),
		Installment: s.Installment(),
		Draft:       s.Draft(),
	}
	if ps := s.PaymentSession(); ps != nil {
		v.Payment = &paymentView{
			PaymentIntentID: ps.PaymentIntentID,
			BookingID:       ps.BookingID,
			ClientSecret:    ps.ClientSecret,
			PublishableKey:  ps.PublishableKey,
			PaymentPlan:     ps.PaymentPlan,
		}
	}
	return v
}

// Create handles POST /sessions.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		s   *wizard.Session
		err error
	)
	switch {
	case req.Installment != nil:
		in := req.Installment
		s, err = h.store.CreateInstallment(r.Context(), in.PaymentSession, quote.Target{
			InstallmentID:        in.InstallmentID,
			PaymentStep:          in.PaymentStep,
			BaseAmountCents:      in.BaseAmountCents,
			RemainingAmountCents: in.RemainingAmountCents,
			SendBase:             true,
		})
		if err != nil {
			h.logger.Warn("installment session rejected", "booking_id", in.BookingID, "error", err)
			writeError(w, http.StatusUnprocessableEntity, checkout.UserMessage(err))
			return
		}
	case req.TripID > 0:
		s, err = h.store.Create(r.Context(), req.TripID)
		if err != nil {
			h.logger.Warn("session create failed", "trip_id", req.TripID, "error", err)
			writeError(w, http.StatusNotFound, msgTripUnavailable)
			return
		}
		h.store.Save(r.Context(), s)
	default:
		writeError(w, http.StatusBadRequest, msgMissingTripOrPay)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(s))
}

// session resolves {id}, writing a 404 when it is unknown.
func (h *SessionsHandler) session(w http.ResponseWriter, r *http.Request) (*wizard.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return nil, false
	}
	s, err := h.store.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, wizard.ErrSessionNotFound) {
			h.logger.Error("session lookup failed", "session_id", id, "error", err)
		}
		writeError(w, http.StatusNotFound, msgSessionNotFound)
		return nil, false
	}
	return s, true
}

// Get handles GET /sessions/{id}.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

// Delete handles DELETE /sessions/{id}.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.store.Remove(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// editable resolves a wizard session that accepts draft edits.
func (h *SessionsHandler) editable(w http.ResponseWriter, r *http.Request) (*wizard.Session, bool) {
	s, ok := h.session(w, r)
	if !ok {
		return nil, false
	}
	if s.Installment() {
		writeError(w, http.StatusConflict, msgInstallmentOnly)
		return nil, false
	}
	return s, true
}

// PutBuyer handles PUT /sessions/{id}/buyer.
func (h *SessionsHandler) PutBuyer(w http.ResponseWriter, r *http.Request) {
	s, ok := h.editable(w, r)
	if !ok {
		return
	}
	var info booking.BuyerInfo
	if err := decodeJSON(w, r, &info); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Store().SetBuyerInfo(info)
	h.saved(w, r, s)
}

type packagesRequest struct {
	Quantities map[int]int `json:"quantities"`
}

// PutPackages handles PUT /sessions/{id}/packages.
func (h *SessionsHandler) PutPackages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.editable(w, r)
	if !ok {
		return
	}
	var req packagesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.SetPackageQuantities(req.Quantities)
	h.saved(w, r, s)
}

type addonsRequest struct {
	Addons []booking.AddonSelection `json:"addons"`
}

// PutAddons handles PUT /sessions/{id}/addons.
func (h *SessionsHandler) PutAddons(w http.ResponseWriter, r *http.Request) {
	s, ok := h.editable(w, r)
	if !ok {
		return
	}
	var req addonsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines := make([]booking.AddonSelection, 0, len(req.Addons))
	for _, a := range req.Addons {
		if a.Quantity > 0 {
			lines = append(lines, a)
		}
	}
	s.SetAddons(lines)
	h.saved(w, r, s)
}

type participantInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	// Answers maps question id to the typed answer.
	Answers map[string]string `json:"answers"`
}

type participantsRequest struct {
	Participants []participantInput `json:"participants"`
}

// PutParticipants handles PUT /sessions/{id}/participants. Answers are
// labelled from the trip's questions; unknown question ids are dropped.
func (h *SessionsHandler) PutParticipants(w http.ResponseWriter, r *http.Request) {
	s, ok := h.editable(w, r)
	if !ok {
		return
	}
	var req participantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var questions []catalog.Question
	if cat := s.Catalog(); cat != nil {
		questions = cat.CustomQuestions
	}
	participants := make([]booking.Participant, len(req.Participants))
	for i, p := range req.Participants {
		participants[i] = booking.Participant{
			FirstName:     strings.TrimSpace(p.FirstName),
			LastName:      strings.TrimSpace(p.LastName),
			Email:         strings.TrimSpace(p.Email),
			CustomAnswers: booking.AnswersFor(questions, p.Answers),
		}
	}
	s.Store().SetParticipants(participants)
	h.saved(w, r, s)
}

type paymentMethodRequest struct {
	PaymentMethod booking.PaymentPlan `json:"payment_method"`
}

// PutPaymentMethod handles PUT /sessions/{id}/payment-method.
func (h *SessionsHandler) PutPaymentMethod(w http.ResponseWriter, r *http.Request) {
	s, ok := h.editable(w, r)
	if !ok {
		return
	}
	var req paymentMethodRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.PaymentMethod {
	case booking.PlanFull, booking.PlanDepositInstallment:
	default:
		writeError(w, http.StatusBadRequest, "unknown payment method")
		return
	}
	s.SetPaymentMethod(req.PaymentMethod)
	h.saved(w, r, s)
}

func (h *SessionsHandler) saved(w http.ResponseWriter, r *http.Request, s *wizard.Session) {
	h.store.Save(r.Context(), s)
	writeJSON(w, http.StatusOK, viewOf(s))
}

type stepRequest struct {
	Step int `json:"step"`
}

// GoTo handles POST /sessions/{id}/step. A payment session that cannot be
// created still moves the wizard to the payment step; the error is shown
// next to the payment form.
func (h *SessionsHandler) GoTo(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req stepRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.GoTo(r.Context(), req.Step)
	if err != nil && !(req.Step == wizard.StepPayment && s.Step() == wizard.StepPayment) {
		h.writeFailure(w, err)
		return
	}
	h.store.Save(r.Context(), s)
	v := viewOf(s)
	if err != nil {
		h.logger.Warn("payment session unavailable", "session_id", s.ID, "error", err)
		v.Error = checkout.UserMessage(err)
	}
	writeJSON(w, http.StatusOK, v)
}

type discountRequest struct {
	Code string `json:"code"`
}

// ApplyDiscount handles POST /sessions/{id}/discount.
func (h *SessionsHandler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req discountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.ApplyDiscount(r.Context(), req.Code); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.store.Save(r.Context(), s)
	h.writeTotals(w, r, s)
}

// RemoveDiscount handles DELETE /sessions/{id}/discount.
func (h *SessionsHandler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.RemoveDiscount(r.Context())
	h.store.Save(r.Context(), s)
	h.writeTotals(w, r, s)
}

type instrumentRequest struct {
	Complete        bool   `json:"complete"`
	PaymentMethodID string `json:"payment_method_id"`
	CardToken       string `json:"card_token"`
}

// ReportInstrument handles POST /sessions/{id}/instrument, the change events
// of the card widget. The quote follows asynchronously.
func (h *SessionsHandler) ReportInstrument(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req instrumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ReportInstrument(req.Complete, req.PaymentMethodID, req.CardToken); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type payoffRequest struct {
	Payoff bool `json:"payoff"`
}

// SetPayoff handles POST /sessions/{id}/payoff.
func (h *SessionsHandler) SetPayoff(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req payoffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.SetPayoff(req.Payoff); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Totals handles GET /sessions/{id}/totals.
func (h *SessionsHandler) Totals(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeTotals(w, r, s)
}

func (h *SessionsHandler) writeTotals(w http.ResponseWriter, r *http.Request, s *wizard.Session) {
	sum, err := s.Totals(r.Context())
	if err != nil {
		h.logger.Error("totals failed", "session_id", s.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, checkout.MsgPaymentFailed)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Submit handles POST /sessions/{id}/submit.
func (h *SessionsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := s.Submit(r.Context())
	if err != nil {
		h.logger.Warn("submit failed", "session_id", s.ID, "error", err)
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubmitLegacy handles POST /sessions/{id}/submit/legacy. The form body is
// forwarded to the booking endpoint alongside the draft.
func (h *SessionsHandler) SubmitLegacy(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	res, err := s.SubmitLegacy(r.Context(), r.PostForm)
	if err != nil {
		h.logger.Warn("legacy submit failed", "session_id", s.ID, "error", err)
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeFailure maps booking errors to a status and buyer-facing text.
func (h *SessionsHandler) writeFailure(w http.ResponseWriter, err error) {
	var fields booking.ValidationErrors
	switch {
	case errors.As(err, &fields):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": msgFixFields, "fields": fields})
	case errors.Is(err, wizard.ErrNoPackages):
		writeError(w, http.StatusUnprocessableEntity, msgNoPackages)
	case errors.Is(err, wizard.ErrNoParticipants):
		writeError(w, http.StatusUnprocessableEntity, msgNoParticipants)
	case errors.Is(err, wizard.ErrInvalidStep):
		writeError(w, http.StatusBadRequest, msgInvalidStep)
	case errors.Is(err, wizard.ErrNotAtPayment):
		writeError(w, http.StatusConflict, msgNotAtPayment)
	case errors.Is(err, wizard.ErrInstallmentMode):
		writeError(w, http.StatusConflict, msgInstallmentOnly)
	case errors.Is(err, checkout.ErrSubmitInProgress):
		writeError(w, http.StatusConflict, checkout.UserMessage(err))
	default:
		writeError(w, http.StatusUnprocessableEntity, checkout.UserMessage(err))
	}
}
