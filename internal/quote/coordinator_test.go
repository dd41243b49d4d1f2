package quote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/internal/provider"
)

type fakeQuoter struct {
	mu      sync.Mutex
	calls   []backend.QuoteRequest
	fee     int64
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeQuoter) Quote(ctx context.Context, req backend.QuoteRequest) (*backend.Quote, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fee, err, gate, started := f.fee, f.err, f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	base := int64(10000)
	if req.BaseAmountCents != nil {
		base = *req.BaseAmountCents
	}
	return &backend.Quote{BaseAmount: base, Fee: fee, FinalAmount: base + fee, Funding: "credit"}, nil
}

func (f *fakeQuoter) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeQuoter) requests() []backend.QuoteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.QuoteRequest(nil), f.calls...)
}

type fakeInstrument struct {
	mu       sync.Mutex
	complete bool
	pmID     string
}

func (f *fakeInstrument) set(complete bool, pmID string) {
	f.mu.Lock()
	f.complete, f.pmID = complete, pmID
	f.mu.Unlock()
}

func (f *fakeInstrument) Submit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.complete {
		return provider.ErrIncomplete
	}
	return nil
}

func (f *fakeInstrument) PaymentMethodID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.complete {
		return "", provider.ErrIncomplete
	}
	return f.pmID, nil
}

type recorderFunc func(ctx context.Context, a Accepted) error

func (f recorderFunc) RecordQuote(ctx context.Context, a Accepted) error { return f(ctx, a) }

var wizardTarget = Target{
	Identity:    backend.Identity{PaymentIntentID: "pi_1"},
	PaymentStep: backend.StepInitial,
}

func startCoordinator(t *testing.T, q Quoter, opts Options) *Coordinator {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = 20 * time.Millisecond
	}
	if opts.PayoffDebounce == 0 {
		opts.PayoffDebounce = 10 * time.Millisecond
	}
	c := NewCoordinator(q, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return c
}

func waitFor(t *testing.T, c *Coordinator, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := c.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, last snapshot %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProbe_SameIdentityShortCircuits(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := &fakeQuoter{fee: 320}
	c := startCoordinator(t, q, Options{Metrics: metrics.NewCheckoutMetrics(reg)})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	first, err := c.Probe(context.Background(), ProbeOptions{Silent: true})
	if err != nil {
		t.Fatalf("first probe: %v", err)
	}
	second, err := c.Probe(context.Background(), ProbeOptions{Silent: true})
	if err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if len(q.requests()) != 1 {
		t.Fatalf("expected exactly one quote call, got %d", len(q.requests()))
	}
	if *first != *second || second.Fee != 320 {
		t.Fatalf("expected identical quotes, got %+v and %+v", first, second)
	}

	stats := metrics.SnapshotQuoteStats(reg)
	if stats.Outcomes["accepted"] != 1 || stats.Outcomes["short_circuit"] != 1 {
		t.Fatalf("unexpected outcomes %v", stats.Outcomes)
	}

	req := q.requests()[0]
	if req.Identity.PaymentIntentID != "pi_1" || req.PaymentMethodID != "pm_1" || req.PaymentStep != backend.StepInitial {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.BaseAmountCents != nil {
		t.Fatalf("wizard quotes must not send a base amount")
	}
}

func TestProbe_ForceBypassesShortCircuit(t *testing.T) {
	q := &fakeQuoter{fee: 100}
	c := startCoordinator(t, q, Options{})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	if _, err := c.Probe(context.Background(), ProbeOptions{}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, err := c.Probe(context.Background(), ProbeOptions{Force: true}); err != nil {
		t.Fatalf("forced probe: %v", err)
	}
	if len(q.requests()) != 2 {
		t.Fatalf("expected forced probe to hit the server, got %d calls", len(q.requests()))
	}
}

func TestInvalidateBase_RequiresFreshQuote(t *testing.T) {
	q := &fakeQuoter{fee: 250}
	c := startCoordinator(t, q, Options{})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	if _, err := c.Probe(context.Background(), ProbeOptions{}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	c.InvalidateBase("discount")

	snap, _ := c.Snapshot(context.Background())
	if snap.State != Idle || snap.Current {
		t.Fatalf("expected idle, non-current quote after invalidation, got %+v", snap)
	}
	if snap.Quote == nil || snap.FeeCents() != 250 {
		t.Fatalf("expected last quote kept for fee display, got %+v", snap.Quote)
	}

	if _, err := c.Probe(context.Background(), ProbeOptions{}); err != nil {
		t.Fatalf("probe after invalidation: %v", err)
	}
	if len(q.requests()) != 2 {
		t.Fatalf("same identity must re-quote after the base changed, got %d calls", len(q.requests()))
	}
}

func TestInstrumentChanged_DebouncesBurst(t *testing.T) {
	q := &fakeQuoter{fee: 90}
	c := startCoordinator(t, q, Options{Debounce: 40 * time.Millisecond})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	c.InstrumentChanged(true)
	c.InstrumentChanged(true)
	c.InstrumentChanged(true)

	waitFor(t, c, func(s Snapshot) bool { return s.State == Quoted })
	time.Sleep(100 * time.Millisecond)
	if got := len(q.requests()); got != 1 {
		t.Fatalf("expected one probe per burst, got %d", got)
	}
}

func TestInstrumentIncomplete_ClearsQuote(t *testing.T) {
	q := &fakeQuoter{fee: 300}
	inst := &fakeInstrument{complete: true, pmID: "pm_1"}
	c := startCoordinator(t, q, Options{})
	c.SetTarget(Target{Identity: backend.Identity{BookingID: 9}, BaseAmountCents: 10000, SendBase: true})
	c.SetInstrument(inst)

	if _, err := c.Probe(context.Background(), ProbeOptions{}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	inst.set(false, "")
	c.InstrumentChanged(false)

	snap, _ := c.Snapshot(context.Background())
	if snap.Quote != nil || snap.Identity != "" || snap.State != Idle {
		t.Fatalf("expected quote and identity cleared, got %+v", snap)
	}
	want := Summary{BaseCents: 10000, FeeCents: 0, FinalCents: 10000, Provisional: true}
	if snap.Summary != want {
		t.Fatalf("expected local fallback summary %+v, got %+v", want, snap.Summary)
	}

	// a pending debounce must not fire after the instrument became incomplete
	c.InstrumentChanged(true)
	c.InstrumentChanged(false)
	time.Sleep(60 * time.Millisecond)
	if got := len(q.requests()); got != 1 {
		t.Fatalf("expected cancelled debounce, got %d calls", got)
	}
}

func TestProbe_RejectsWhileInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := &fakeQuoter{fee: 100, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := startCoordinator(t, q, Options{Metrics: metrics.NewCheckoutMetrics(reg)})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	type result struct {
		q   *backend.Quote
		err error
	}
	done := make(chan result, 1)
	go func() {
		q, err := c.Probe(context.Background(), ProbeOptions{})
		done <- result{q, err}
	}()
	<-q.started

	if _, err := c.Probe(context.Background(), ProbeOptions{Force: true}); !errors.Is(err, ErrQuoteInFlight) {
		t.Fatalf("expected ErrQuoteInFlight, got %v", err)
	}
	close(q.gate)

	res := <-done
	if res.err != nil || res.q == nil {
		t.Fatalf("first probe should complete, got %+v", res)
	}
	if len(q.requests()) != 1 {
		t.Fatalf("expected the rejected probe not to queue a request")
	}
	if metrics.SnapshotQuoteStats(reg).Outcomes["busy"] != 1 {
		t.Fatalf("expected busy outcome recorded")
	}
}

func TestEnsure_JoinsRunningProbe(t *testing.T) {
	q := &fakeQuoter{fee: 100, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := startCoordinator(t, q, Options{})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	go c.Probe(context.Background(), ProbeOptions{Silent: true})
	<-q.started

	done := make(chan error, 1)
	go func() {
		_, err := c.Ensure(context.Background())
		done <- err
	}()
	waitFor(t, c, func(s Snapshot) bool { return s.InFlight })
	close(q.gate)

	if err := <-done; err != nil {
		t.Fatalf("expected Ensure to share the running probe, got %v", err)
	}
	if len(q.requests()) != 1 {
		t.Fatalf("expected one request, got %d", len(q.requests()))
	}
}

func TestResponse_DroppedWhenSuperseded(t *testing.T) {
	q := &fakeQuoter{fee: 100, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := startCoordinator(t, q, Options{})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	done := make(chan error, 1)
	go func() {
		_, err := c.Probe(context.Background(), ProbeOptions{})
		done <- err
	}()
	<-q.started
	c.InvalidateBase("discount")
	if _, err := c.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	close(q.gate)

	if err := <-done; !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("expected ErrStaleQuote, got %v", err)
	}
	snap, _ := c.Snapshot(context.Background())
	if snap.Quote != nil || snap.State != Idle || snap.InFlight {
		t.Fatalf("stale response must not be displayed, got %+v", snap)
	}
	if snap.Err != nil {
		t.Fatalf("stale responses are not user errors, got %v", snap.Err)
	}
}

func TestInstrumentChangedMidRequest_QuotesNewCard(t *testing.T) {
	q := &fakeQuoter{fee: 100, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := startCoordinator(t, q, Options{})
	c.SetTarget(wizardTarget)
	inst := &fakeInstrument{complete: true, pmID: "pm_A"}
	c.SetInstrument(inst)

	done := make(chan error, 1)
	go func() {
		_, err := c.Probe(context.Background(), ProbeOptions{Silent: true})
		done <- err
	}()
	<-q.started

	// buyer swaps cards while the first quote is outstanding
	inst.set(true, "pm_B")
	c.InstrumentChanged(true)
	time.Sleep(60 * time.Millisecond)
	close(q.gate)

	if err := <-done; !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("expected the old card's response dropped, got %v", err)
	}
	snap := waitFor(t, c, func(s Snapshot) bool { return s.State == Quoted })
	if snap.Identity != "pm_B" || !snap.Current {
		t.Fatalf("expected a current quote for pm_B, got %+v", snap)
	}

	got, err := c.Ensure(context.Background())
	if err != nil || got == nil {
		t.Fatalf("ensure: %+v %v", got, err)
	}
	reqs := q.requests()
	if len(reqs) != 2 || reqs[1].PaymentMethodID != "pm_B" {
		t.Fatalf("expected one request per card ending with pm_B, got %+v", reqs)
	}
}

func TestProbeFailure_KeepsLastQuote(t *testing.T) {
	q := &fakeQuoter{fee: 410}
	c := startCoordinator(t, q, Options{})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	if _, err := c.Probe(context.Background(), ProbeOptions{}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	failure := &backend.APIError{Status: 500, Message: "Quote failed"}
	q.setErr(failure)

	if _, err := c.Probe(context.Background(), ProbeOptions{Silent: true, Force: true}); err == nil {
		t.Fatalf("expected failure")
	}
	snap, _ := c.Snapshot(context.Background())
	if snap.Quote == nil || snap.Quote.Fee != 410 {
		t.Fatalf("expected last quote kept, got %+v", snap.Quote)
	}
	if snap.State != Idle || snap.Err != nil {
		t.Fatalf("silent failure must stay quiet, got %+v", snap)
	}

	if _, err := c.Probe(context.Background(), ProbeOptions{Force: true}); err == nil {
		t.Fatalf("expected failure")
	}
	snap, _ = c.Snapshot(context.Background())
	var apiErr *backend.APIError
	if !errors.As(snap.Err, &apiErr) {
		t.Fatalf("expected non-silent failure surfaced, got %v", snap.Err)
	}
}

func TestEnsure(t *testing.T) {
	q := &fakeQuoter{fee: 75}
	inst := &fakeInstrument{}
	c := startCoordinator(t, q, Options{})

	if _, err := c.Ensure(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}

	c.SetTarget(wizardTarget)
	c.SetInstrument(inst)
	if _, err := c.Ensure(context.Background()); !errors.Is(err, provider.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	snap, _ := c.Snapshot(context.Background())
	if !errors.Is(snap.Err, provider.ErrIncomplete) {
		t.Fatalf("expected incomplete surfaced, got %v", snap.Err)
	}

	inst.set(true, "pm_2")
	got, err := c.Ensure(context.Background())
	if err != nil || got.Fee != 75 {
		t.Fatalf("unexpected ensure result %+v %v", got, err)
	}
	if _, err := c.Ensure(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if len(q.requests()) != 1 {
		t.Fatalf("expected current quote reused, got %d calls", len(q.requests()))
	}
}

func TestPayoff_SwitchesBaseAndRequotes(t *testing.T) {
	q := &fakeQuoter{fee: 300}
	installment := 3
	c := startCoordinator(t, q, Options{PayoffDebounce: 50 * time.Millisecond})
	c.SetTarget(Target{
		Identity:             backend.Identity{BookingID: 7},
		InstallmentID:        &installment,
		PaymentStep:          backend.StepInstallment,
		BaseAmountCents:      5000,
		RemainingAmountCents: 20000,
		SendBase:             true,
	})
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})

	if _, err := c.Probe(context.Background(), ProbeOptions{}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	first := q.requests()[0]
	if first.PaymentStep != backend.StepInstallment || first.InstallmentID == nil || *first.InstallmentID != 3 {
		t.Fatalf("unexpected installment request %+v", first)
	}
	if first.BaseAmountCents == nil || *first.BaseAmountCents != 5000 {
		t.Fatalf("expected base 5000, got %v", first.BaseAmountCents)
	}

	c.SetPayoff(true)
	snap, _ := c.Snapshot(context.Background())
	want := Summary{BaseCents: 20000, FeeCents: 300, FinalCents: 20300, Provisional: true}
	if !snap.Payoff || snap.Summary != want {
		t.Fatalf("expected provisional payoff summary %+v, got %+v", want, snap)
	}

	snap = waitFor(t, c, func(s Snapshot) bool {
		return s.Current && s.Quote.BaseAmount == 20000
	})
	if snap.Summary.Provisional {
		t.Fatalf("expected server summary once quoted")
	}
	reqs := q.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected one payoff re-quote, got %d calls", len(reqs))
	}
	payoff := reqs[1]
	if payoff.PaymentStep != backend.StepPayoff || payoff.InstallmentID != nil || payoff.PaymentMethodID != "pm_1" {
		t.Fatalf("unexpected payoff request %+v", payoff)
	}
	if payoff.BaseAmountCents == nil || *payoff.BaseAmountCents != 20000 {
		t.Fatalf("expected remaining balance as base, got %v", payoff.BaseAmountCents)
	}
}

func TestRecorderReceivesAcceptedQuotes(t *testing.T) {
	got := make(chan Accepted, 1)
	rec := recorderFunc(func(ctx context.Context, a Accepted) error {
		got <- a
		return nil
	})
	q := &fakeQuoter{fee: 55}
	c := startCoordinator(t, q, Options{SessionID: "sess-1", Recorder: rec})
	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_9"})

	if _, err := c.Probe(context.Background(), ProbeOptions{}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	select {
	case a := <-got:
		if a.SessionID != "sess-1" || a.Request.PaymentMethodID != "pm_9" || a.Quote.Fee != 55 {
			t.Fatalf("unexpected record %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("quote was not recorded")
	}
}

func TestListenersAndReset(t *testing.T) {
	snaps := make(chan Snapshot, 64)
	q := &fakeQuoter{fee: 10}
	c := NewCoordinator(q, Options{})
	c.OnChange(func(s Snapshot) {
		select {
		case snaps <- s:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	defer func() {
		cancel()
		<-c.Done()
	}()

	c.SetTarget(wizardTarget)
	c.SetInstrument(&fakeInstrument{complete: true, pmID: "pm_1"})
	if _, err := c.Probe(ctx, ProbeOptions{}); err != nil {
		t.Fatalf("probe: %v", err)
	}

	sawQuoted := false
	for len(snaps) > 0 {
		if s := <-snaps; s.State == Quoted && s.Current {
			sawQuoted = true
		}
	}
	if !sawQuoted {
		t.Fatalf("expected listener to see the accepted quote")
	}

	c.Reset()
	snap, _ := c.Snapshot(ctx)
	if snap.Quote != nil || snap.State != Idle || snap.Payoff {
		t.Fatalf("expected clean state after reset, got %+v", snap)
	}
	if _, err := c.Probe(ctx, ProbeOptions{}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget after reset, got %v", err)
	}
}

func TestStoppedCoordinator(t *testing.T) {
	c := NewCoordinator(&fakeQuoter{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()
	<-c.Done()

	if _, err := c.Probe(context.Background(), ProbeOptions{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestTargetRequest(t *testing.T) {
	installment := 4
	target := Target{
		Identity:             backend.Identity{PaymentIntentID: "pi_1", BookingID: 3},
		InstallmentID:        &installment,
		BaseAmountCents:      0,
		RemainingAmountCents: 900,
		SendBase:             true,
	}
	req := target.Request("pm_1", false)
	if req.BaseAmountCents != nil {
		t.Fatalf("zero base must be omitted")
	}
	if req.InstallmentID == nil {
		t.Fatalf("expected installment id outside payoff")
	}
	req = target.Request("pm_1", true)
	if req.InstallmentID != nil || req.PaymentStep != backend.StepPayoff || *req.BaseAmountCents != 900 {
		t.Fatalf("unexpected payoff request %+v", req)
	}
	if Probing.String() != "probing" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
