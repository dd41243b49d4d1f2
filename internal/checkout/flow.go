// Package checkout finalises a booking: it owns the payment session, routes
// zero-amount orders to the free-booking endpoint and otherwise confirms the
// payment with the provider using the last accepted quote.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/catalog"
	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/internal/pricing"
	"github.com/wolfman30/trip-checkout/internal/provider"
	"github.com/wolfman30/trip-checkout/internal/quote"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

var (
	// ErrPaymentNotReady means no usable payment session could be set up.
	ErrPaymentNotReady = errors.New("checkout: payment not ready")
	// ErrPaymentDetailsIncomplete means no quote could be obtained before submit.
	ErrPaymentDetailsIncomplete = errors.New("checkout: payment details incomplete")
	// ErrPaymentFailed means the intent update or the confirmation failed.
	ErrPaymentFailed = errors.New("checkout: payment failed")
	// ErrSubmitInProgress is returned while another submission is running.
	ErrSubmitInProgress = errors.New("checkout: submission in progress")
)

// Path names how a submission completed.
type Path string

const (
	PathFree      Path = "free"
	PathConfirmed Path = "confirmed"
	PathLegacy    Path = "legacy"
)

// Result is a completed submission.
type Result struct {
	Path            Path   `json:"path"`
	RedirectURL     string `json:"redirect_url"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
}

// API is the part of the booking server used to finalise a booking.
type API interface {
	AttachPaymentMethod(ctx context.Context, update backend.IntentUpdate) (*backend.IntentResult, error)
	CreateFreeBooking(ctx context.Context, paymentIntentID string) (string, error)
	CreateBooking(ctx context.Context, formAction string, d booking.Draft, fields url.Values) (*backend.BookingRedirect, error)
}

// Quotes is the quote cycle the flow consumes.
type Quotes interface {
	Ensure(ctx context.Context) (*backend.Quote, error)
	Snapshot(ctx context.Context) (quote.Snapshot, error)
}

// Flow submits one booking session.
type Flow struct {
	api       API
	store     *booking.Store
	catalog   *catalog.Catalog
	sessions  *Sessions
	quotes    Quotes
	confirmer provider.Confirmer
	logger    *logging.Logger
	metrics   *metrics.CheckoutMetrics
	now       func() time.Time

	formAction string
	target     *quote.Target

	mu   sync.Mutex
	busy bool
	done bool
}

// NewFlow wires a submission flow.
func NewFlow(api API, store *booking.Store, cat *catalog.Catalog, sessions *Sessions, quotes Quotes, confirmer provider.Confirmer, logger *logging.Logger) *Flow {
	if logger == nil {
		logger = logging.Default()
	}
	return &Flow{
		api:       api,
		store:     store,
		catalog:   cat,
		sessions:  sessions,
		quotes:    quotes,
		confirmer: confirmer,
		logger:    logger,
		now:       time.Now,
	}
}

// WithMetrics records submission outcomes on m.
func (f *Flow) WithMetrics(m *metrics.CheckoutMetrics) *Flow {
	f.metrics = m
	return f
}

// WithFormAction sets the legacy booking form endpoint.
func (f *Flow) WithFormAction(action string) *Flow {
	f.formAction = action
	return f
}

// WithTarget makes the intent update carry an installment target instead of
// the initial payment of a new booking.
func (f *Flow) WithTarget(t quote.Target) *Flow {
	f.target = &t
	return f
}

// WithClock overrides the clock used for overdue checks.
func (f *Flow) WithClock(now func() time.Time) *Flow {
	f.now = now
	return f
}

// Busy reports whether the submit button is disabled.
func (f *Flow) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy || f.done
}

func (f *Flow) begin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy || f.done {
		return ErrSubmitInProgress
	}
	f.busy = true
	return nil
}

// end re-enables submission unless the booking completed.
func (f *Flow) end(succeeded bool) {
	f.mu.Lock()
	f.busy = false
	if succeeded {
		f.done = true
	}
	f.mu.Unlock()
}

// Submit pays for the draft and returns where to send the buyer.
func (f *Flow) Submit(ctx context.Context) (res *Result, err error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	defer func() {
		f.end(err == nil)
		if err != nil {
			f.metrics.ObserveSubmit("failed")
		}
	}()

	d := f.store.Get()
	sess, err := f.sessions.Ensure(ctx, d)
	if err != nil {
		return nil, err
	}
	logger := f.logger.With("payment_intent_id", sess.PaymentIntentID, "booking_id", sess.BookingID)

	// installment payments always carry an amount; only new bookings can be free
	if f.target == nil && sess.IntentStyle() {
		amount := pricing.ActualPaymentAmount(d, f.catalog, catalog.DateOf(f.now()))
		if amount <= 0 {
			redirect, err := f.api.CreateFreeBooking(ctx, sess.PaymentIntentID)
			if err != nil {
				logger.Warn("free booking failed", "error", err)
				return nil, fmt.Errorf("checkout: free booking: %w", err)
			}
			f.metrics.ObserveSubmit(string(PathFree))
			logger.Info("free booking created")
			return &Result{Path: PathFree, RedirectURL: redirect, PaymentIntentID: sess.PaymentIntentID}, nil
		}
	}

	if _, err := f.quotes.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentDetailsIncomplete, err)
	}
	snap, err := f.quotes.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Identity == "" {
		return nil, ErrPaymentDetailsIncomplete
	}

	update := backend.IntentUpdate{
		Identity:        sess.Identity(),
		PaymentMethodID: snap.Identity,
		PaymentPlan:     sess.PaymentPlan,
		PaymentStep:     backend.StepInitial,
	}
	if f.target != nil {
		update.PaymentStep = f.target.StepFor(snap.Payoff)
		update.InstallmentID = f.target.InstallmentFor(snap.Payoff)
		if f.target.PaymentPlan != "" {
			update.PaymentPlan = f.target.PaymentPlan
		}
	}
	if _, err := f.api.AttachPaymentMethod(ctx, update); err != nil {
		logger.Warn("payment intent update failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	conf, err := f.confirmer.ConfirmPayment(ctx, sess.ClientSecret, snap.Identity, sess.SuccessURL)
	if err != nil {
		logger.Warn("payment confirmation failed", "payment_method_id", snap.Identity, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	redirect := sess.SuccessURL
	if conf.NextActionURL != "" {
		redirect = conf.NextActionURL
	}
	if redirect == "" {
		redirect = backend.DefaultSuccessPath
	}
	f.metrics.ObserveSubmit(string(PathConfirmed))
	logger.Info("payment confirmed", "status", conf.Status, "fee_cents", snap.FeeCents())
	return &Result{Path: PathConfirmed, RedirectURL: redirect, PaymentIntentID: sess.PaymentIntentID}, nil
}

// SubmitLegacy posts the draft to the booking form and follows the server's
// payment, checkout or redirect URL.
func (f *Flow) SubmitLegacy(ctx context.Context, fields url.Values) (res *Result, err error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	defer func() {
		f.end(err == nil)
		if err != nil {
			f.metrics.ObserveSubmit("failed")
		}
	}()

	redirect, err := f.api.CreateBooking(ctx, f.formAction, f.store.Get(), fields)
	if err != nil {
		f.logger.Warn("booking submission failed", "error", err)
		return nil, err
	}
	f.metrics.ObserveSubmit(string(PathLegacy))
	return &Result{Path: PathLegacy, RedirectURL: redirect.Location()}, nil
}
