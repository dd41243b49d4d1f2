// Package quote keeps the server-computed payment quote in step with the
// payment instrument the buyer is entering.
//
// All state is owned by the goroutine running Coordinator.Run. Widget change
// events, timers and network responses are delivered to it as events, so at
// most one quote request is outstanding and a response that was overtaken
// by a newer base amount or instrument is dropped instead of displayed.
package quote

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/internal/provider"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

var (
	// ErrQuoteInFlight is returned to a probe started while another is running.
	ErrQuoteInFlight = errors.New("quote: request already in flight")
	// ErrStaleQuote means the response was superseded before it arrived.
	ErrStaleQuote = errors.New("quote: response superseded")
	// ErrNoTarget means no payment session has been attached yet.
	ErrNoTarget = errors.New("quote: no payment session")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("quote: coordinator stopped")
)

const (
	DefaultDebounce       = 500 * time.Millisecond
	DefaultPayoffDebounce = 100 * time.Millisecond
)

// Quoter prices a payment for a payment method.
type Quoter interface {
	Quote(ctx context.Context, req backend.QuoteRequest) (*backend.Quote, error)
}

// Accepted is a quote the coordinator displayed.
type Accepted struct {
	SessionID  string
	Request    backend.QuoteRequest
	Quote      backend.Quote
	AcceptedAt time.Time
}

// Recorder persists accepted quotes.
type Recorder interface {
	RecordQuote(ctx context.Context, a Accepted) error
}

// Options configures a Coordinator. Zero values fall back to defaults.
type Options struct {
	SessionID      string
	Debounce       time.Duration
	PayoffDebounce time.Duration
	Logger         *logging.Logger
	Metrics        *metrics.CheckoutMetrics
	Recorder       Recorder
}

// ProbeOptions controls a single probe.
type ProbeOptions struct {
	// Silent probes never surface their failure in Snapshot.Err.
	Silent bool
	// Force skips the same-identity short-circuit. Used when the base amount
	// changed but the instrument did not.
	Force bool
	// Join waits for a running probe instead of failing with ErrQuoteInFlight.
	Join bool

	reuseIdentity bool
}

type probeResult struct {
	quote *backend.Quote
	err   error
}

// events
type (
	evInstrumentChanged struct{ complete bool }
	evSetInstrument     struct{ inst provider.Instrument }
	evSetTarget         struct{ target Target }
	evInvalidate        struct{ reason string }
	evSetPayoff         struct{ on bool }
	evReset             struct{}
	evProbe             struct {
		opts  ProbeOptions
		reply chan probeResult
	}
	evDebounceFired struct{ gen uint64 }
	evPayoffFired   struct{ gen uint64 }
	evIdentity      struct {
		pmID string
		err  error
	}
	evResponse struct {
		id      uint64
		epoch   uint64
		instGen uint64
		req   backend.QuoteRequest
		quote *backend.Quote
		err   error
	}
	evSnapshot struct{ reply chan Snapshot }
)

// Coordinator runs the quote cycle of one booking session.
type Coordinator struct {
	quoter   Quoter
	opts     Options
	logger   *logging.Logger
	events   chan any
	done     chan struct{}
	started  chan struct{}
	runCtx   context.Context
	listener []func(Snapshot)

	// owned by Run
	state         State
	target        Target
	hasTarget     bool
	instrument    provider.Instrument
	quote         *backend.Quote
	acceptedPM    string
	acceptedEpoch uint64
	epoch         uint64
	instGen       uint64
	probeInstGen  uint64
	lastPM        string
	lastErr       error
	payoff        bool
	inFlight      bool
	probe         ProbeOptions
	waiters       []chan probeResult
	issued        uint64
	debounce      *time.Timer
	debounceGen   uint64
	payoffTimer   *time.Timer
	payoffGen     uint64
}

// NewCoordinator creates a coordinator. Run must be started before any other
// method is called.
func NewCoordinator(quoter Quoter, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PayoffDebounce <= 0 {
		opts.PayoffDebounce = DefaultPayoffDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if opts.SessionID != "" {
		logger = logger.With("session_id", opts.SessionID)
	}
	return &Coordinator{
		quoter:  quoter,
		opts:    opts,
		logger:  logger,
		events:  make(chan any, 16),
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// OnChange registers a listener. Listeners run on the coordinator goroutine
// and must not call back into the coordinator synchronously.
func (c *Coordinator) OnChange(fn func(Snapshot)) {
	select {
	case <-c.started:
		c.logger.Warn("quote listener registered after start; ignored")
	default:
		c.listener = append(c.listener, fn)
	}
}

// Run processes events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.runCtx = ctx
	close(c.started)
	defer close(c.done)
	defer c.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) send(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// InstrumentChanged forwards a change event of the capture widget.
func (c *Coordinator) InstrumentChanged(complete bool) {
	c.send(evInstrumentChanged{complete: complete})
}

// SetInstrument binds the mounted capture element. nil unbinds it.
func (c *Coordinator) SetInstrument(inst provider.Instrument) {
	c.send(evSetInstrument{inst: inst})
}

// SetTarget points the coordinator at a payment session.
func (c *Coordinator) SetTarget(t Target) {
	c.send(evSetTarget{target: t})
}

// InvalidateBase marks the current quote as outdated because the amount
// being paid changed. The quote is kept for fee display.
func (c *Coordinator) InvalidateBase(reason string) {
	c.send(evInvalidate{reason: reason})
}

// SetPayoff switches between paying the next installment and the whole
// remaining balance.
func (c *Coordinator) SetPayoff(on bool) {
	c.send(evSetPayoff{on: on})
}

// Reset forgets the target, the instrument and every quote.
func (c *Coordinator) Reset() {
	c.send(evReset{})
}

// Probe derives the instrument identity and requests a quote for it.
func (c *Coordinator) Probe(ctx context.Context, opts ProbeOptions) (*backend.Quote, error) {
	reply := make(chan probeResult, 1)
	if !c.send(evProbe{opts: opts, reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case res := <-reply:
		return res.quote, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}
}

// Ensure returns the current quote, probing non-silently when there is none.
func (c *Coordinator) Ensure(ctx context.Context) (*backend.Quote, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Current && snap.Quote != nil {
		return snap.Quote, nil
	}
	q, err := c.Probe(ctx, ProbeOptions{Join: true})
	if errors.Is(err, ErrStaleQuote) {
		q, err = c.Probe(ctx, ProbeOptions{Join: true})
	}
	return q, err
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !c.send(evSnapshot{reply: reply}) {
		return Snapshot{}, ErrStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-c.done:
		return Snapshot{}, ErrStopped
	}
}

func (c *Coordinator) handle(ev any) {
	switch e := ev.(type) {
	case evInstrumentChanged:
		c.onInstrumentChanged(e.complete)
	case evSetInstrument:
		c.instrument = e.inst
	case evSetTarget:
		c.onSetTarget(e.target)
	case evInvalidate:
		c.bumpEpoch()
		c.logger.Debug("quote invalidated", "reason", e.reason)
		c.notify()
	case evSetPayoff:
		c.onSetPayoff(e.on)
	case evReset:
		c.onReset()
	case evProbe:
		c.startProbe(e.opts, e.reply)
	case evDebounceFired:
		if e.gen != c.debounceGen {
			return
		}
		if c.inFlight {
			// the running probe may be for the previous details; retry once it settles
			c.armDebounce()
			return
		}
		c.startProbe(ProbeOptions{Silent: true}, nil)
	case evPayoffFired:
		if e.gen == c.payoffGen && (c.instrument != nil || c.lastPM != "") {
			c.startProbe(ProbeOptions{Silent: true, Force: true, reuseIdentity: true}, nil)
		}
	case evIdentity:
		c.onIdentity(e.pmID, e.err)
	case evResponse:
		c.onResponse(e)
	case evSnapshot:
		e.reply <- c.snapshot()
	}
}

func (c *Coordinator) onInstrumentChanged(complete bool) {
	c.stopDebounce()
	// a probe started before this change may resolve the old card
	c.instGen++
	if !complete {
		c.quote = nil
		c.acceptedPM = ""
		c.lastPM = ""
		c.bumpEpoch()
		c.state = Idle
		c.notify()
		return
	}
	// new details may yield a new identity; the quote stops being current
	// until a probe confirms or replaces it
	if c.state == Quoted {
		c.state = Idle
		c.notify()
	}
	c.armDebounce()
}

func (c *Coordinator) armDebounce() {
	gen := c.debounceGen
	c.debounce = time.AfterFunc(c.opts.Debounce, func() {
		c.send(evDebounceFired{gen: gen})
	})
}

func (c *Coordinator) onSetTarget(t Target) {
	if t.Identity.Normalized() != c.target.Identity.Normalized() {
		c.quote = nil
		c.acceptedPM = ""
	}
	c.target = t
	c.hasTarget = !t.Identity.IsZero()
	c.bumpEpoch()
	c.notify()
}

func (c *Coordinator) onSetPayoff(on bool) {
	if on == c.payoff {
		return
	}
	c.payoff = on
	c.bumpEpoch()
	// provisional summary with the last known fee
	c.notify()

	if c.payoffTimer != nil {
		c.payoffTimer.Stop()
	}
	c.payoffGen++
	gen := c.payoffGen
	c.payoffTimer = time.AfterFunc(c.opts.PayoffDebounce, func() {
		c.send(evPayoffFired{gen: gen})
	})
}

func (c *Coordinator) onReset() {
	c.stopTimers()
	c.target = Target{}
	c.hasTarget = false
	c.instrument = nil
	c.quote = nil
	c.acceptedPM = ""
	c.lastPM = ""
	c.lastErr = nil
	c.payoff = false
	c.bumpEpoch()
	c.state = Idle
	c.notify()
}

// bumpEpoch marks every quote accepted or requested so far as outdated.
func (c *Coordinator) bumpEpoch() {
	c.epoch++
	if c.state == Quoted {
		c.state = Idle
	}
}

func (c *Coordinator) startProbe(opts ProbeOptions, reply chan probeResult) {
	if c.inFlight {
		if opts.Join && reply != nil {
			c.waiters = append(c.waiters, reply)
			return
		}
		c.opts.Metrics.ObserveQuote("busy")
		deliver(reply, probeResult{err: ErrQuoteInFlight})
		return
	}
	if !c.hasTarget {
		deliver(reply, probeResult{err: ErrNoTarget})
		return
	}

	c.inFlight = true
	c.probe = opts
	c.probeInstGen = c.instGen
	c.waiters = c.waiters[:0]
	if reply != nil {
		c.waiters = append(c.waiters, reply)
	}
	c.lastErr = nil
	c.state = Probing
	c.notify()

	if opts.reuseIdentity && c.lastPM != "" {
		pm := c.lastPM
		go c.send(evIdentity{pmID: pm})
		return
	}
	inst := c.instrument
	ctx := c.runCtx
	go func() {
		if inst == nil {
			c.send(evIdentity{err: provider.ErrIncomplete})
			return
		}
		if err := inst.Submit(ctx); err != nil {
			c.send(evIdentity{err: err})
			return
		}
		pm, err := inst.PaymentMethodID(ctx)
		c.send(evIdentity{pmID: pm, err: err})
	}()
}

func (c *Coordinator) onIdentity(pmID string, err error) {
	if err == nil && pmID == "" {
		err = provider.ErrIncomplete
	}
	if err != nil {
		outcome := "failed"
		if errors.Is(err, provider.ErrIncomplete) {
			outcome = "incomplete"
		}
		c.opts.Metrics.ObserveQuote(outcome)
		c.logger.Debug("payment method identity unavailable", "error", err)
		c.finishProbe(Idle, probeResult{err: err})
		return
	}

	if c.probeInstGen != c.instGen {
		c.opts.Metrics.ObserveQuote("stale")
		c.logger.Debug("instrument changed while deriving identity", "payment_method_id", pmID)
		c.finishProbe(Idle, probeResult{err: ErrStaleQuote})
		return
	}

	c.lastPM = pmID
	if !c.probe.Force && c.quote != nil && pmID == c.acceptedPM && c.acceptedEpoch == c.epoch {
		c.opts.Metrics.ObserveQuote("short_circuit")
		q := *c.quote
		c.finishProbe(Quoted, probeResult{quote: &q})
		return
	}

	c.issued++
	id, epoch, instGen := c.issued, c.epoch, c.probeInstGen
	req := c.target.Request(pmID, c.payoff)
	ctx := c.runCtx
	c.logger.Debug("requesting quote", "request_id", id, "payment_method_id", pmID, "payment_step", req.PaymentStep)
	go func() {
		q, err := c.quoter.Quote(ctx, req)
		c.send(evResponse{id: id, epoch: epoch, instGen: instGen, req: req, quote: q, err: err})
	}()
}

func (c *Coordinator) onResponse(e evResponse) {
	if e.id != c.issued || e.epoch != c.epoch || e.instGen != c.instGen {
		c.opts.Metrics.ObserveQuote("stale")
		c.logger.Info("dropping superseded quote response", "request_id", e.id, "payment_method_id", e.req.PaymentMethodID)
		c.finishProbe(Idle, probeResult{err: ErrStaleQuote})
		return
	}
	if e.err != nil || e.quote == nil {
		err := e.err
		if err == nil {
			err = errors.New("quote: empty response")
		}
		c.opts.Metrics.ObserveQuote("failed")
		c.logger.Warn("quote request failed", "request_id", e.id, "error", err)
		c.finishProbe(Idle, probeResult{err: err})
		return
	}

	q := *e.quote
	c.quote = &q
	c.acceptedPM = e.req.PaymentMethodID
	c.acceptedEpoch = e.epoch
	c.opts.Metrics.ObserveQuote("accepted")
	c.logger.Info("quote accepted",
		"request_id", e.id,
		"payment_method_id", e.req.PaymentMethodID,
		"base_amount_cents", q.BaseAmount,
		"fee_cents", q.Fee,
		"funding", q.Funding,
	)
	c.record(e.req, q)
	out := q
	c.finishProbe(Quoted, probeResult{quote: &out})
}

func (c *Coordinator) finishProbe(next State, res probeResult) {
	c.inFlight = false
	c.state = next
	if res.err != nil && !c.probe.Silent && !errors.Is(res.err, ErrStaleQuote) {
		c.lastErr = res.err
	}
	c.probe = ProbeOptions{}
	c.notify()
	for _, w := range c.waiters {
		deliver(w, res)
	}
	c.waiters = c.waiters[:0]
}

func (c *Coordinator) record(req backend.QuoteRequest, q backend.Quote) {
	if c.opts.Recorder == nil {
		return
	}
	a := Accepted{SessionID: c.opts.SessionID, Request: req, Quote: q, AcceptedAt: time.Now().UTC()}
	rec, ctx, logger := c.opts.Recorder, c.runCtx, c.logger
	go func() {
		if err := rec.RecordQuote(ctx, a); err != nil {
			logger.Warn("failed to record quote", "error", err)
		}
	}()
}

func (c *Coordinator) snapshot() Snapshot {
	s := Snapshot{
		State:    c.state,
		InFlight: c.inFlight,
		Identity: c.acceptedPM,
		Payoff:   c.payoff,
		Err:      c.lastErr,
	}
	if c.quote != nil {
		q := *c.quote
		s.Quote = &q
		s.Current = c.state == Quoted && c.acceptedEpoch == c.epoch
	}

	base := c.target.BaseFor(c.payoff)
	switch {
	case s.Current:
		s.Summary = Summary{BaseCents: s.Quote.BaseAmount, FeeCents: s.Quote.Fee, FinalCents: s.Quote.FinalAmount}
	default:
		fee := s.FeeCents()
		s.Summary = Summary{BaseCents: base, FeeCents: fee, FinalCents: base + fee, Provisional: true}
	}
	return s
}

func (c *Coordinator) notify() {
	if len(c.listener) == 0 {
		return
	}
	s := c.snapshot()
	for _, fn := range c.listener {
		fn(s)
	}
}

func (c *Coordinator) stopDebounce() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.debounceGen++
}

func (c *Coordinator) stopTimers() {
	c.stopDebounce()
	if c.payoffTimer != nil {
		c.payoffTimer.Stop()
		c.payoffTimer = nil
	}
	c.payoffGen++
}

func deliver(ch chan probeResult, res probeResult) {
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}
