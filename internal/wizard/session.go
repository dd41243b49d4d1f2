// Package wizard assembles one booking session: the draft, the quote cycle,
// discounts and the payment flow, driven step by step from buyer details
// (1) through packages (2), add-ons (3) and participants (4) to payment (5).
package wizard

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
	"github.com/wolfman30/trip-checkout/internal/checkout"
	"github.com/wolfman30/trip-checkout/internal/discount"
	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/internal/pricing"
	"github.com/wolfman30/trip-checkout/internal/provider"
	"github.com/wolfman30/trip-checkout/internal/quote"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

const (
	StepBuyer        = 1
	StepPackages     = 2
	StepAddons       = 3
	StepParticipants = 4
	StepPayment      = 5
)

var (
	ErrInvalidStep     = errors.New("wizard: invalid step")
	ErrNoPackages      = errors.New("wizard: no package selected")
	ErrNoParticipants  = errors.New("wizard: no participants")
	ErrNotAtPayment    = errors.New("wizard: payment step not reached")
	ErrInstallmentMode = errors.New("wizard: not available on an installment session")
)

// Backend is everything a session needs from the booking server.
type Backend interface {
	discount.API
	checkout.API
	checkout.SessionAPI
	quote.Quoter
}

// Deps are shared by every session a Manager creates.
type Deps struct {
	Backend Backend
	// Confirmer confirms payments with the provider.
	Confirmer provider.Confirmer
	// Creator exchanges card tokens reported by the browser; may be nil.
	Creator provider.PaymentMethodCreator
	// FormAction is used for trips whose catalog has no slug.
	FormAction string

	Debounce       time.Duration
	PayoffDebounce time.Duration
	Recorder       quote.Recorder
	Metrics        *metrics.CheckoutMetrics
	Logger         *logging.Logger
	Now            func() time.Time
}

// Session is one browser tab's booking attempt.
type Session struct {
	ID string

	store       *booking.Store
	catalog     *catalog.Catalog
	quotes      *quote.Coordinator
	discounts   *discount.Controller
	sessions    *checkout.Sessions
	flow        *checkout.Flow
	creator     provider.PaymentMethodCreator
	logger      *logging.Logger
	now         func() time.Time
	stop        context.CancelFunc
	installment bool

	mu         sync.Mutex
	step       int
	instrument *provider.ReportedInstrument
	lastSeen   time.Time

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

func newSession(ctx context.Context, id string, cat *catalog.Catalog, deps Deps, installment bool) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger = logger.With("session_id", id)
	formAction := deps.FormAction
	if action := cat.FormAction(); action != "" {
		formAction = action
	}

	s := &Session{
		ID:       id,
		store:    booking.NewStore(),
		catalog:  cat,
		creator:  deps.Creator,
		logger:   logger,
		now:      now,
		step:     StepBuyer,
		lastSeen: now(),

		installment: installment,
	}
	if installment {
		s.step = StepPayment
	}
	s.quotes = quote.NewCoordinator(deps.Backend, quote.Options{
		SessionID:      id,
		Debounce:       deps.Debounce,
		PayoffDebounce: deps.PayoffDebounce,
		Logger:         deps.Logger,
		Metrics:        deps.Metrics,
		Recorder:       deps.Recorder,
	})
	s.sessions = checkout.NewSessions(deps.Backend, formAction, logger)
	s.sessions.OnChange(s.paymentSessionChanged)
	s.discounts = discount.NewController(deps.Backend, s.store, cat, s.quotes, s.sessions, logger).
		WithMetrics(deps.Metrics)
	s.flow = checkout.NewFlow(deps.Backend, s.store, cat, s.sessions, s.quotes, deps.Confirmer, logger).
		WithMetrics(deps.Metrics).
		WithFormAction(formAction).
		WithClock(now)

	s.quotes.OnChange(func(quote.Snapshot) { s.broadcast() })

	runCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	go s.quotes.Run(runCtx)
	return s
}

// adoptInstallment binds a server-rendered installment session. The quote
// target carries the installment's own base and remaining amounts.
func (s *Session) adoptInstallment(sess backend.PaymentSession, target quote.Target) error {
	if target.Identity.IsZero() {
		target.Identity = sess.Identity()
	}
	if target.PaymentStep == "" {
		target.PaymentStep = backend.StepInstallment
	}
	if target.PaymentPlan == "" {
		target.PaymentPlan = sess.PaymentPlan
	}
	s.flow.WithTarget(target)
	s.quotes.SetTarget(target)
	return s.sessions.Adopt(sess)
}

// paymentSessionChanged points the quote cycle at a new payment session and
// mounts a fresh capture element on it.
func (s *Session) paymentSessionChanged(sess *backend.PaymentSession, elements *provider.Elements) {
	if sess == nil {
		s.mu.Lock()
		s.instrument = nil
		s.mu.Unlock()
		s.quotes.Reset()
		return
	}

	inst := provider.NewReportedInstrument(s.creator)
	elements.Mount(inst)
	s.mu.Lock()
	s.instrument = inst
	s.mu.Unlock()

	if !s.installment {
		s.quotes.SetTarget(quote.Target{
			Identity:    sess.Identity(),
			PaymentStep: backend.StepInitial,
			PaymentPlan: sess.PaymentPlan,
		})
	}
	s.quotes.SetInstrument(inst)
}

// Watch returns a channel signalled whenever the quote state changes, and a
// func that stops the watch. Signals coalesce; read Totals for the state.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[chan struct{}]struct{})
	}
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()
	return ch, func() {
		s.watchMu.Lock()
		delete(s.watchers, ch)
		s.watchMu.Unlock()
	}
}

// broadcast runs on the quote loop and must not block.
func (s *Session) broadcast() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops the quote cycle and unmounts the widget.
func (s *Session) Close() {
	s.stop()
	s.sessions.Reset()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Step returns the current step.
func (s *Session) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Draft returns a copy of the booking draft.
func (s *Session) Draft() booking.Draft {
	return s.store.Get()
}

// Catalog returns the trip catalog the session prices against.
func (s *Session) Catalog() *catalog.Catalog {
	return s.catalog
}

// Installment reports whether the session pays an installment of an
// existing booking.
func (s *Session) Installment() bool {
	return s.installment
}

// PaymentSession returns the usable payment session, or nil.
func (s *Session) PaymentSession() *backend.PaymentSession {
	return s.sessions.Current()
}

// Store exposes the draft for step edits.
func (s *Session) Store() *booking.Store {
	s.touch()
	return s.store
}

// Restore replaces the draft and position with a saved snapshot. The
// payment step is never restored: the buyer resumes at participants.
func (s *Session) Restore(snap booking.Snapshot) {
	s.store.Replace(snap.Draft)
	step := min(max(snap.Step, StepBuyer), StepParticipants)
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

// Snapshot captures the draft and position for persistence.
func (s *Session) Snapshot() booking.Snapshot {
	tripID := 0
	if s.catalog != nil {
		tripID = s.catalog.TripID
	}
	return booking.Snapshot{TripID: tripID, Step: s.Step(), Draft: s.store.Get(), SavedAt: s.now().UTC()}
}

// SetPackageQuantities selects packages by id, assigning each line the plan
// its catalog package sells.
func (s *Session) SetPackageQuantities(quantities map[int]int) {
	s.touch()
	s.store.SetPackages(booking.SelectPackages(s.catalog, quantities))
	s.amountChanged("packages changed")
}

// SetAddons replaces the add-on lines.
func (s *Session) SetAddons(lines []booking.AddonSelection) {
	s.touch()
	s.store.SetAddons(lines)
	s.amountChanged("addons changed")
}

// SetPaymentMethod records the booking-level plan.
func (s *Session) SetPaymentMethod(plan booking.PaymentPlan) {
	s.touch()
	s.store.SetPaymentMethod(plan)
}

// amountChanged invalidates a quote whose base no longer matches the cart.
func (s *Session) amountChanged(reason string) {
	if s.Step() == StepPayment {
		s.quotes.InvalidateBase(reason)
	}
}

// Validate checks the rules for leaving step.
func (s *Session) Validate(step int) error {
	d := s.store.Get()
	switch step {
	case StepBuyer:
		var fields []catalog.Field
		if s.catalog != nil {
			fields = s.catalog.BuyerFields
		}
		return booking.ValidateBuyer(d.BuyerInfo, booking.SchemaFromFields(fields)).Err()
	case StepPackages:
		if d.PackageQuantity() <= 0 {
			return ErrNoPackages
		}
	case StepAddons:
	case StepParticipants:
		var questions []catalog.Question
		if s.catalog != nil {
			questions = s.catalog.CustomQuestions
		}
		return booking.ValidateParticipants(d.Participants, booking.SchemaFromQuestions(questions)).Err()
	case StepPayment:
		if len(d.Participants) == 0 {
			return ErrNoParticipants
		}
	default:
		return ErrInvalidStep
	}
	return nil
}

// GoTo moves to step. Moving forward validates every step being left; moving
// back never does. Entering step 4 sizes the participant list to the package
// quantity. Entering step 5 creates (or reuses) the payment session; if that
// fails the wizard still shows step 5 and the error is returned for display.
// Leaving step 5 drops the session.
func (s *Session) GoTo(ctx context.Context, step int) error {
	if step < StepBuyer || step > StepPayment {
		return fmt.Errorf("%w: %d", ErrInvalidStep, step)
	}
	s.touch()
	if s.installment {
		return ErrInstallmentMode
	}

	from := s.Step()
	for cur := from; cur < step; cur++ {
		if err := s.Validate(cur); err != nil {
			return fmt.Errorf("wizard: step %d: %w", cur, err)
		}
		if cur+1 == StepParticipants {
			s.reconcileParticipants()
		}
	}

	s.mu.Lock()
	s.step = step
	s.mu.Unlock()

	if from == StepPayment && step != StepPayment {
		s.sessions.Reset()
	}
	if step == StepParticipants {
		s.reconcileParticipants()
	}
	if step != StepPayment {
		return nil
	}

	if _, err := s.sessions.Ensure(ctx, s.store.Get()); err != nil {
		return err
	}
	return nil
}

func (s *Session) reconcileParticipants() {
	d := s.store.Get()
	n := d.PackageQuantity()
	if len(d.Participants) == n {
		return
	}
	s.store.SetParticipants(booking.ReconcileParticipants(d.Participants, n))
}

// ReportInstrument forwards a change event of the card widget. Either a
// payment method id or a card token identifies a complete instrument.
func (s *Session) ReportInstrument(complete bool, paymentMethodID, cardToken string) error {
	s.touch()
	s.mu.Lock()
	inst := s.instrument
	s.mu.Unlock()
	if inst == nil {
		return checkout.ErrPaymentNotReady
	}
	inst.Report(complete, paymentMethodID, cardToken)
	s.quotes.InstrumentChanged(complete)
	return nil
}

// ApplyDiscount validates and applies a code.
func (s *Session) ApplyDiscount(ctx context.Context, code string) (*backend.DiscountResult, error) {
	s.touch()
	if s.installment {
		return nil, ErrInstallmentMode
	}
	return s.discounts.Apply(ctx, code)
}

// RemoveDiscount drops the applied code.
func (s *Session) RemoveDiscount(ctx context.Context) {
	s.touch()
	s.discounts.Remove(ctx)
}

// SetPayoff toggles paying the remaining balance on an installment session.
func (s *Session) SetPayoff(on bool) error {
	s.touch()
	if !s.installment {
		return ErrInstallmentMode
	}
	s.quotes.SetPayoff(on)
	return nil
}

// Quote returns the coordinator state.
func (s *Session) Quote(ctx context.Context) (quote.Snapshot, error) {
	return s.quotes.Snapshot(ctx)
}

// Submit pays for the booking.
func (s *Session) Submit(ctx context.Context) (*checkout.Result, error) {
	s.touch()
	if s.Step() != StepPayment {
		return nil, ErrNotAtPayment
	}
	if !s.installment {
		if err := s.Validate(StepPayment); err != nil {
			return nil, err
		}
	}
	res, err := s.flow.Submit(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("booking submitted", "path", res.Path, "payment_intent_id", res.PaymentIntentID)
	return res, nil
}

// SubmitLegacy posts the booking form instead of paying inline.
func (s *Session) SubmitLegacy(ctx context.Context, fields url.Values) (*checkout.Result, error) {
	s.touch()
	if s.installment {
		return nil, ErrInstallmentMode
	}
	if err := s.Validate(StepPayment); err != nil {
		return nil, err
	}
	return s.flow.SubmitLegacy(ctx, fields)
}

// Busy reports whether the submit button is disabled.
func (s *Session) Busy() bool {
	return s.flow.Busy()
}

// Summary is the order summary shown next to the payment form.
type Summary struct {
	Step       int                `json:"step"`
	LineItems  []pricing.LineItem `json:"line_items"`
	Totals     pricing.Totals     `json:"totals"`
	Discount   *booking.Discount  `json:"discount,omitempty"`
	QuoteState string             `json:"quote_state"`
	Quote      *quote.Summary     `json:"quote,omitempty"`
	// PaymentReady is false until a usable payment session exists.
	PaymentReady bool   `json:"payment_ready"`
	Busy         bool   `json:"busy"`
	Error        string `json:"error,omitempty"`
}

// Totals prices the draft locally and adds the fee of the last accepted
// quote. The displayed total is max(0, subtotal - discount) + fee.
func (s *Session) Totals(ctx context.Context) (Summary, error) {
	snap, err := s.quotes.Snapshot(ctx)
	if err != nil {
		return Summary{}, err
	}
	d := s.store.Get()
	out := Summary{
		Step:         s.Step(),
		Discount:     d.Discount,
		QuoteState:   snap.State.String(),
		PaymentReady: s.sessions.Current() != nil,
		Busy:         s.flow.Busy(),
	}
	if snap.Err != nil {
		out.Error = checkout.UserMessage(snap.Err)
	}

	if s.installment {
		sum := snap.Summary
		out.Quote = &sum
		out.Totals = pricing.ComputeTotals(sum.BaseCents, 0, sum.FeeCents, snap.Quote != nil)
		return out, nil
	}

	sub := pricing.ComputeSubtotal(d, s.catalog, catalog.DateOf(s.now()))
	for _, skipped := range sub.Skipped {
		s.logger.Warn("draft line not in catalog", "kind", skipped.Kind, "ref_id", skipped.RefID)
	}
	out.LineItems = sub.LineItems
	out.Totals = pricing.ComputeTotals(sub.SubtotalCents, d.DiscountCents(), snap.FeeCents(), snap.Quote != nil)
	if snap.Quote != nil {
		sum := snap.Summary
		out.Quote = &sum
	}
	return out, nil
}
