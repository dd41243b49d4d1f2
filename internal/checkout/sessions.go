package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/provider"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

// SessionAPI creates payment sessions on the booking server.
type SessionAPI interface {
	InitPaymentSession(ctx context.Context, formAction string, d booking.Draft) (*backend.PaymentSession, error)
}

// Sessions holds the payment session of one booking attempt. A session is
// reused while the draft signature is unchanged and recreated otherwise.
type Sessions struct {
	api        SessionAPI
	formAction string
	logger     *logging.Logger
	creating   singleflight.Group

	mu        sync.Mutex
	session   *backend.PaymentSession
	elements  *provider.Elements
	signature string
	adopted   bool
	disabled  error
	onChange  func(*backend.PaymentSession, *provider.Elements)
}

// NewSessions creates a session holder posting drafts to formAction.
func NewSessions(api SessionAPI, formAction string, logger *logging.Logger) *Sessions {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sessions{api: api, formAction: formAction, logger: logger}
}

// OnChange registers a callback run whenever a session is created, adopted or
// reset (nil session). It runs with the holder unlocked.
func (s *Sessions) OnChange(fn func(*backend.PaymentSession, *provider.Elements)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Ensure returns the session for draft d, creating one on first use or when
// the draft changed since the last one was created. Overlapping calls for the
// same draft share a single creation.
func (s *Sessions) Ensure(ctx context.Context, d booking.Draft) (*backend.PaymentSession, error) {
	sig := booking.Signature(d)
	if sess, ok, err := s.current(sig); ok {
		return sess, err
	}

	v, err, _ := s.creating.Do(sig, func() (any, error) {
		// a flight that finished just before this one started already created it
		if sess, ok, err := s.current(sig); ok {
			return sess, err
		}
		return s.create(ctx, sig, d)
	})
	if err != nil {
		return nil, err
	}
	sess := *v.(*backend.PaymentSession)
	return &sess, nil
}

// current returns the usable session for sig, or ok=false when one must be
// created.
func (s *Sessions) current(sig string) (*backend.PaymentSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled != nil {
		return nil, true, s.disabled
	}
	if s.session != nil && (s.adopted || s.signature == sig) {
		sess := *s.session
		return &sess, true, nil
	}
	return nil, false, nil
}

func (s *Sessions) create(ctx context.Context, sig string, d booking.Draft) (*backend.PaymentSession, error) {
	created, err := s.api.InitPaymentSession(ctx, s.formAction, d)
	if err != nil {
		s.logger.Warn("payment session init failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentNotReady, err)
	}

	elements, err := provider.NewElements(created.PublishableKey, created.ClientSecret)
	if err != nil {
		s.logger.Error("payment session missing provider credentials",
			"payment_intent_id", created.PaymentIntentID,
			"has_publishable_key", created.PublishableKey != "",
			"has_client_secret", created.ClientSecret != "",
		)
		s.mu.Lock()
		s.disabled = fmt.Errorf("%w: %w", ErrPaymentNotReady, err)
		err = s.disabled
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if s.elements != nil {
		s.elements.Unmount()
	}
	s.session = created
	s.elements = elements
	s.signature = sig
	fn := s.onChange
	s.mu.Unlock()

	s.logger.Info("payment session ready",
		"payment_intent_id", created.PaymentIntentID,
		"booking_id", created.BookingID,
		"client_secret", logging.Redact(created.ClientSecret),
	)
	if fn != nil {
		fn(created, elements)
	}
	return created, nil
}

// Adopt installs a session rendered by the server (the installment page),
// which never needs recreating.
func (s *Sessions) Adopt(sess backend.PaymentSession) error {
	elements, err := provider.NewElements(sess.PublishableKey, sess.ClientSecret)
	s.mu.Lock()
	if err != nil {
		s.disabled = fmt.Errorf("%w: %w", ErrPaymentNotReady, err)
		err = s.disabled
		s.mu.Unlock()
		return err
	}
	s.session = &sess
	s.elements = elements
	s.adopted = true
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(&sess, elements)
	}
	return nil
}

// Current returns a copy of the session, or nil.
func (s *Sessions) Current() *backend.PaymentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	sess := *s.session
	return &sess
}

// Elements returns the widget context of the current session, or nil.
func (s *Sessions) Elements() *provider.Elements {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elements
}

// Disabled reports whether payment was disabled for the rest of the session.
func (s *Sessions) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled != nil
}

// Reset unmounts the widget and forgets the session. An adopted session and
// a disabled state survive a reset.
func (s *Sessions) Reset() {
	s.mu.Lock()
	if s.adopted {
		s.mu.Unlock()
		return
	}
	if s.elements != nil {
		s.elements.Unmount()
	}
	hadSession := s.session != nil
	s.session = nil
	s.elements = nil
	s.signature = ""
	fn := s.onChange
	s.mu.Unlock()

	if hadSession && fn != nil {
		fn(nil, nil)
	}
}

func isNotReady(err error) bool {
	return errors.Is(err, ErrPaymentNotReady) || errors.Is(err, provider.ErrNotReady)
}
