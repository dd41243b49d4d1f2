package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/catalog"
	"github.com/wolfman30/trip-checkout/internal/checkout"
	"github.com/wolfman30/trip-checkout/internal/provider"
	"github.com/wolfman30/trip-checkout/internal/wizard"
)

type stubBackend struct {
	mu      sync.Mutex
	inits   int
	updates []backend.IntentUpdate
}

func (b *stubBackend) ValidateDiscount(ctx context.Context, code string, tripID int, orderAmountCents int64) (*backend.DiscountResult, error) {
	if code != "SPRING" {
		return nil, &backend.APIError{Status: 200, Message: "Invalid discount code"}
	}
	return &backend.DiscountResult{Code: code, ID: 7, AmountCents: 1500}, nil
}

func (b *stubBackend) ApplyDiscount(ctx context.Context, paymentIntentID string, codeID *int, amountCents int64) error {
	return nil
}

func (b *stubBackend) InitPaymentSession(ctx context.Context, formAction string, d booking.Draft) (*backend.PaymentSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inits++
	pi := fmt.Sprintf("pi_%d", b.inits)
	return &backend.PaymentSession{
		PaymentIntentID: pi,
		ClientSecret:    pi + "_secret_x",
		PublishableKey:  "pk_test_123",
		SuccessURL:      "/booking/success?payment_intent=" + pi,
	}, nil
}

func (b *stubBackend) Quote(ctx context.Context, req backend.QuoteRequest) (*backend.Quote, error) {
	base := int64(10000)
	if req.BaseAmountCents != nil {
		base = *req.BaseAmountCents
	}
	return &backend.Quote{BaseAmount: base, Fee: 300, FinalAmount: base + 300, Funding: "credit"}, nil
}

func (b *stubBackend) AttachPaymentMethod(ctx context.Context, update backend.IntentUpdate) (*backend.IntentResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, update)
	return &backend.IntentResult{PaymentIntentID: update.Identity.PaymentIntentID}, nil
}

func (b *stubBackend) CreateFreeBooking(ctx context.Context, paymentIntentID string) (string, error) {
	return "/booking/success?free=1", nil
}

func (b *stubBackend) CreateBooking(ctx context.Context, formAction string, d booking.Draft, fields url.Values) (*backend.BookingRedirect, error) {
	return &backend.BookingRedirect{Success: true, CheckoutURL: "/checkout/55"}, nil
}

type stubConfirmer struct{}

func (stubConfirmer) ConfirmPayment(ctx context.Context, clientSecret, paymentMethodID, returnURL string) (*provider.Confirmation, error) {
	return &provider.Confirmation{PaymentIntentID: provider.IntentIDFromClientSecret(clientSecret), Status: "succeeded"}, nil
}

type stubCatalogs struct{}

func (stubCatalogs) Get(ctx context.Context, tripID int) (*catalog.Catalog, error) {
	if tripID != 3 {
		return nil, errors.New("trip not found")
	}
	return &catalog.Catalog{
		TripID:   3,
		Slug:     "alps-hut-to-hut",
		Packages: []catalog.Package{{ID: 1, Name: "Standard", PriceCents: 10000}},
		CustomQuestions: []catalog.Question{
			{ID: "diet", Label: "Dietary needs", Required: true},
		},
	}, nil
}

func newTestRouter(t *testing.T, api *stubBackend) (http.Handler, *wizard.Manager) {
	t.Helper()
	m := wizard.NewManager(wizard.Deps{
		Backend:        api,
		Confirmer:      stubConfirmer{},
		Debounce:       10 * time.Millisecond,
		PayoffDebounce: 10 * time.Millisecond,
	}, stubCatalogs{}, nil)
	t.Cleanup(func() { m.Close(context.Background()) })

	h := NewSessionsHandler(m, nil)
	r := chi.NewRouter()
	r.Post("/sessions", h.Create)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Put("/buyer", h.PutBuyer)
		r.Put("/packages", h.PutPackages)
		r.Put("/addons", h.PutAddons)
		r.Put("/participants", h.PutParticipants)
		r.Put("/payment-method", h.PutPaymentMethod)
		r.Post("/step", h.GoTo)
		r.Post("/discount", h.ApplyDiscount)
		r.Delete("/discount", h.RemoveDiscount)
		r.Post("/instrument", h.ReportInstrument)
		r.Post("/payoff", h.SetPayoff)
		r.Get("/totals", h.Totals)
		r.Get("/events", h.Events)
		r.Post("/submit", h.Submit)
		r.Post("/submit/legacy", h.SubmitLegacy)
	})
	return r, m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/sessions", map[string]any{"trip_id": 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decode[sessionView](t, rec)
	require.NotEmpty(t, view.SessionID)
	assert.Equal(t, wizard.StepBuyer, view.Step)
	return view.SessionID
}

// toPayment fills every wizard step for one traveller and enters step 5.
func toPayment(t *testing.T, h http.Handler, id string) sessionView {
	t.Helper()
	base := "/sessions/" + id
	rec := do(t, h, http.MethodPut, base+"/buyer", map[string]any{
		"first_name": "Ada", "last_name": "Lovelace", "email": "ada@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, base+"/step", map[string]any{"step": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPut, base+"/packages", map[string]any{"quantities": map[string]int{"1": 1}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, base+"/step", map[string]any{"step": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPut, base+"/participants", map[string]any{
		"participants": []map[string]any{{
			"first_name": "Ada", "last_name": "Lovelace", "email": "ada@example.com",
			"answers": map[string]string{"diet": "vegetarian"},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, base+"/step", map[string]any{"step": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[sessionView](t, rec)
}

func TestSessionsHandler_CreateUnknownTrip(t *testing.T) {
	h, _ := newTestRouter(t, &stubBackend{})

	rec := do(t, h, http.MethodPost, "/sessions", map[string]any{"trip_id": 99})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsHandler_UnknownSession(t *testing.T) {
	h, _ := newTestRouter(t, &stubBackend{})

	rec := do(t, h, http.MethodGet, "/sessions/nope/totals", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgSessionNotFound, decode[map[string]string](t, rec)["error"])
}

func TestSessionsHandler_StepValidationReturnsFields(t *testing.T) {
	h, _ := newTestRouter(t, &stubBackend{})
	id := createSession(t, h)

	rec := do(t, h, http.MethodPost, "/sessions/"+id+"/step", map[string]any{"step": 2})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, msgFixFields, body["error"])
	assert.NotEmpty(t, body["fields"])

	rec = do(t, h, http.MethodPost, "/sessions/"+id+"/step", map[string]any{"step": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsHandler_ParticipantsSizedFromPackages(t *testing.T) {
	h, _ := newTestRouter(t, &stubBackend{})
	id := createSession(t, h)
	base := "/sessions/" + id

	do(t, h, http.MethodPut, base+"/buyer", map[string]any{"first_name": "Ada", "last_name": "L", "email": "ada@example.com"})
	do(t, h, http.MethodPut, base+"/packages", map[string]any{"quantities": map[string]int{"1": 3}})
	rec := do(t, h, http.MethodPost, base+"/step", map[string]any{"step": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	view := decode[sessionView](t, rec)
	assert.Equal(t, wizard.StepParticipants, view.Step)
	assert.Len(t, view.Draft.Participants, 3)
}

func TestSessionsHandler_PayAndSubmit(t *testing.T) {
	api := &stubBackend{}
	h, _ := newTestRouter(t, api)
	id := createSession(t, h)
	base := "/sessions/" + id

	view := toPayment(t, h, id)
	assert.Equal(t, wizard.StepPayment, view.Step)
	require.NotNil(t, view.Payment)
	assert.Equal(t, "pk_test_123", view.Payment.PublishableKey)
	assert.Equal(t, "Dietary needs", view.Draft.Participants[0].CustomAnswers["diet"].Label)

	rec := do(t, h, http.MethodPost, base+"/instrument", map[string]any{"complete": true, "payment_method_id": "pm_card_1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[checkout.Result](t, rec)
	assert.Equal(t, checkout.PathConfirmed, res.Path)
	assert.Equal(t, "/booking/success?payment_intent=pi_1", res.RedirectURL)

	rec = do(t, h, http.MethodGet, base+"/totals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[wizard.Summary](t, rec)
	assert.Equal(t, int64(10300), sum.Totals.TotalCents)
	assert.True(t, sum.Busy)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.updates, 1)
	assert.Equal(t, "pm_card_1", api.updates[0].PaymentMethodID)
}

func TestSessionsHandler_SubmitBeforePayment(t *testing.T) {
	h, _ := newTestRouter(t, &stubBackend{})
	id := createSession(t, h)

	rec := do(t, h, http.MethodPost, "/sessions/"+id+"/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, msgNotAtPayment, decode[map[string]string](t, rec)["error"])
}

func TestSessionsHandler_Discount(t *testing.T) {
	h, _ := newTestRouter(t, &stubBackend{})
	id := createSession(t, h)
	base := "/sessions/" + id
	do(t, h, http.MethodPut, base+"/packages", map[string]any{"quantities": map[string]int{"1": 1}})

	rec := do(t, h, http.MethodPost, base+"/discount", map[string]any{"code": "BOGUS"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "Invalid discount code", decode[map[string]string](t, rec)["error"])

	rec = do(t, h, http.MethodPost, base+"/discount", map[string]any{"code": "  "})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/discount", map[string]any{"code": "SPRING"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[wizard.Summary](t, rec)
	require.NotNil(t, sum.Discount)
	assert.Equal(t, int64(1500), sum.Totals.DiscountCents)
	assert.Equal(t, int64(8500), sum.Totals.TotalCents)

	rec = do(t, h, http.MethodDelete, base+"/discount", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum = decode[wizard.Summary](t, rec)
	assert.Nil(t, sum.Discount)
	assert.Equal(t, int64(10000), sum.Totals.TotalCents)
}

func TestSessionsHandler_PayoffOnlyForInstallments(t *testing.T) {
	h, _ := newTestRouter(t, &stubBackend{})
	id := createSession(t, h)

	rec := do(t, h, http.MethodPost, "/sessions/"+id+"/payoff", map[string]any{"payoff": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionsHandler_InstallmentSession(t *testing.T) {
	h, _ := newTestRouter(t, &stubBackend{})

	rec := do(t, h, http.MethodPost, "/sessions", map[string]any{
		"installment": map[string]any{
			"booking_id":             41,
			"client_secret":          "pi_9_secret_y",
			"publishable_key":        "pk_test_123",
			"payment_plan":           "deposit_installment",
			"base_amount_cents":      5000,
			"installment_id":         2,
			"remaining_amount_cents": 15000,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decode[sessionView](t, rec)
	assert.True(t, view.Installment)
	assert.Equal(t, wizard.StepPayment, view.Step)
	require.NotNil(t, view.Payment)
	assert.Equal(t, 41, view.Payment.BookingID)

	rec = do(t, h, http.MethodPut, "/sessions/"+view.SessionID+"/buyer", map[string]any{"first_name": "Ada"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/sessions/"+view.SessionID+"/payoff", map[string]any{"payoff": true})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSessionsHandler_DeleteDropsSession(t *testing.T) {
	h, m := newTestRouter(t, &stubBackend{})
	id := createSession(t, h)
	require.Equal(t, 1, m.Len())

	rec := do(t, h, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, m.Len())

	rec = do(t, h, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
