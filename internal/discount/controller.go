// Package discount applies and removes discount codes on a booking draft and
// keeps the payment session and its quote consistent with the new amount.
package discount

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/catalog"
	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/internal/pricing"
	"github.com/wolfman30/trip-checkout/internal/quote"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

var (
	// ErrCodeRequired is returned for a blank code.
	ErrCodeRequired = errors.New("discount: code required")
	// ErrValidationUnavailable means the code could not be checked at all.
	ErrValidationUnavailable = errors.New("discount: validation unavailable")
)

const (
	MsgCodeRequired     = "Please enter a discount code."
	MsgValidationFailed = "Error validating discount code. Please try again."
)

// API is the part of the booking server the controller talks to.
type API interface {
	ValidateDiscount(ctx context.Context, code string, tripID int, orderAmountCents int64) (*backend.DiscountResult, error)
	ApplyDiscount(ctx context.Context, paymentIntentID string, codeID *int, amountCents int64) error
}

// Quotes is the quote cycle the controller invalidates and re-probes.
type Quotes interface {
	InvalidateBase(reason string)
	Probe(ctx context.Context, opts quote.ProbeOptions) (*backend.Quote, error)
}

// Sessions exposes the current payment session, if one was created.
type Sessions interface {
	Current() *backend.PaymentSession
}

// Controller owns the discount part of one booking session.
type Controller struct {
	api      API
	store    *booking.Store
	catalog  *catalog.Catalog
	tripID   int
	quotes   Quotes
	sessions Sessions
	logger   *logging.Logger
	metrics  *metrics.CheckoutMetrics
	onChange func()
}

// NewController creates a controller. quotes and sessions may be nil.
func NewController(api API, store *booking.Store, cat *catalog.Catalog, quotes Quotes, sessions Sessions, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	tripID := 0
	if cat != nil {
		tripID = cat.TripID
	}
	return &Controller{
		api:      api,
		store:    store,
		catalog:  cat,
		tripID:   tripID,
		quotes:   quotes,
		sessions: sessions,
		logger:   logger,
	}
}

// WithMetrics attaches checkout metrics.
func (c *Controller) WithMetrics(m *metrics.CheckoutMetrics) *Controller {
	c.metrics = m
	return c
}

// OnChange registers the totals renderer, called after every draft change.
func (c *Controller) OnChange(fn func()) *Controller {
	c.onChange = fn
	return c
}

// Apply validates code against the current order amount and stores it on the
// draft. A rejected code leaves the draft untouched and is returned as the
// server's *backend.APIError.
func (c *Controller) Apply(ctx context.Context, code string) (*backend.DiscountResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		c.metrics.ObserveDiscount("apply", "missing_code")
		return nil, ErrCodeRequired
	}

	orderAmount := pricing.OrderAmount(c.store.Get(), c.catalog)
	res, err := c.api.ValidateDiscount(ctx, code, c.tripID, orderAmount)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) {
			c.metrics.ObserveDiscount("apply", "rejected")
			c.logger.Info("discount code rejected", "code", code, "order_amount_cents", orderAmount, "error", err)
			return nil, err
		}
		c.metrics.ObserveDiscount("apply", "error")
		c.logger.Warn("discount validation failed", "code", code, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrValidationUnavailable, err)
	}
	if res.Code == "" {
		res.Code = code
	}

	c.store.SetDiscount(res.Code, res.ID, res.AmountCents)
	c.changed("discount applied")
	codeID := res.ID
	c.pushToSession(ctx, &codeID, res.AmountCents)

	c.metrics.ObserveDiscount("apply", "applied")
	c.logger.Info("discount applied", "code", res.Code, "discount_cents", res.AmountCents)
	return res, nil
}

// Remove clears the discount from the draft and from the payment session.
func (c *Controller) Remove(ctx context.Context) {
	c.store.ClearDiscount()
	c.changed("discount removed")
	c.pushToSession(ctx, nil, 0)
	c.metrics.ObserveDiscount("remove", "removed")
}

func (c *Controller) changed(reason string) {
	if c.quotes != nil {
		c.quotes.InvalidateBase(reason)
	}
	if c.onChange != nil {
		c.onChange()
	}
}

// pushToSession mirrors the discount onto the pending booking behind the
// payment intent and re-quotes, since the fee depends on the base amount.
// Failures are logged only.
func (c *Controller) pushToSession(ctx context.Context, codeID *int, amountCents int64) {
	if c.sessions == nil {
		return
	}
	sess := c.sessions.Current()
	if sess == nil || sess.PaymentIntentID == "" {
		return
	}
	logger := c.logger.With("payment_intent_id", sess.PaymentIntentID)

	if err := c.api.ApplyDiscount(ctx, sess.PaymentIntentID, codeID, amountCents); err != nil {
		logger.Warn("failed to update discount on payment session", "error", err)
		return
	}
	if c.quotes == nil {
		return
	}
	if _, err := c.quotes.Probe(ctx, quote.ProbeOptions{Silent: true, Force: true}); err != nil {
		logger.Debug("re-quote after discount change skipped", "error", err)
	}
}
