package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/catalog"
)

const (
	pathDiscountValidate = "/api/discount/validate"
	pathDiscountApply    = "/api/discount/apply"
	pathQuote            = "/api/payment/quote"
	pathIntent           = "/api/payment/intent"
	pathCreateFree       = "/api/booking/create-free"

	defaultInvalidDiscount = "Invalid discount code."
)

// ValidateDiscount checks a code against the order amount. A rejected code is
// returned as an *APIError wrapping ErrDiscountInvalid whose Message is the
// server's text.
func (c *Client) ValidateDiscount(ctx context.Context, code string, tripID int, orderAmountCents int64) (*DiscountResult, error) {
	ctx, span := tracer.Start(ctx, "backend.discount_validate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("checkout.trip_id", tripID),
		attribute.Int64("checkout.order_amount_cents", orderAmountCents),
	)

	var out discountValidateResponse
	req := discountValidateRequest{Code: code, TripID: tripID, OrderAmount: orderAmountCents}
	if err := c.postJSON(ctx, pathDiscountValidate, req, &out); err != nil {
		return nil, err
	}
	if !out.Valid || out.Discount == nil {
		msg := out.Message
		if msg == "" {
			msg = defaultInvalidDiscount
		}
		span.SetAttributes(attribute.Bool("checkout.discount_valid", false))
		return nil, &APIError{Status: http.StatusOK, Code: "invalid_discount", Message: msg, kind: ErrDiscountInvalid}
	}
	span.SetAttributes(attribute.Bool("checkout.discount_valid", true))
	return out.Discount, nil
}

// ApplyDiscount pushes a discount (or its removal, codeID nil and amount 0)
// onto the pending booking behind a payment intent.
func (c *Client) ApplyDiscount(ctx context.Context, paymentIntentID string, codeID *int, amountCents int64) error {
	ctx, span := tracer.Start(ctx, "backend.discount_apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkout.payment_intent_id", paymentIntentID),
		attribute.Int64("checkout.discount_cents", amountCents),
	)

	var out ackResponse
	req := discountApplyRequest{PaymentIntentID: paymentIntentID, DiscountCodeID: codeID, DiscountAmount: amountCents}
	if err := c.postJSON(ctx, pathDiscountApply, req, &out); err != nil {
		return err
	}
	if !out.Success {
		return &APIError{Status: http.StatusOK, Code: out.Error, Message: out.Message}
	}
	return nil
}

// Quote asks the server to price the payment for a payment method.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	ctx, span := tracer.Start(ctx, "backend.quote")
	defer span.End()
	span.SetAttributes(spanIdentity(req.Identity)...)
	span.SetAttributes(
		attribute.String("checkout.payment_step", req.PaymentStep),
		attribute.String("checkout.payment_method_id", req.PaymentMethodID),
	)

	var out Quote
	if err := c.postJSON(ctx, pathQuote, req, &out); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("checkout.base_amount_cents", out.BaseAmount),
		attribute.Int64("checkout.fee_cents", out.Fee),
		attribute.String("checkout.funding", out.Funding),
	)
	return &out, nil
}

// AttachPaymentMethod tells the server which payment method and plan the
// buyer is about to confirm with.
func (c *Client) AttachPaymentMethod(ctx context.Context, update IntentUpdate) (*IntentResult, error) {
	ctx, span := tracer.Start(ctx, "backend.payment_intent")
	defer span.End()
	span.SetAttributes(spanIdentity(update.Identity)...)
	span.SetAttributes(attribute.String("checkout.payment_plan", update.PaymentPlan))

	var out IntentResult
	if err := c.postJSON(ctx, pathIntent, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateFreeBooking completes a zero-amount order without the payment provider
// and returns the page to redirect to.
func (c *Client) CreateFreeBooking(ctx context.Context, paymentIntentID string) (string, error) {
	ctx, span := tracer.Start(ctx, "backend.create_free_booking")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.payment_intent_id", paymentIntentID))

	var out ackResponse
	err := c.postJSON(ctx, pathCreateFree, map[string]string{"payment_intent_id": paymentIntentID}, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.kind = ErrFreeBookingFailed
		}
		return "", err
	}
	if !out.Success || out.RedirectURL == "" {
		return "", &APIError{Status: http.StatusOK, Code: out.Error, Message: out.Message, kind: ErrFreeBookingFailed}
	}
	return out.RedirectURL, nil
}

// InitPaymentSession posts the draft to the booking form action as JSON and
// returns the embedded payment session the server prepared.
func (c *Client) InitPaymentSession(ctx context.Context, formAction string, d booking.Draft) (*PaymentSession, error) {
	ctx, span := tracer.Start(ctx, "backend.init_payment_session")
	defer span.End()

	payload := map[string]any{"booking_data": newBookingData(d, "embedded")}
	var out sessionResponse
	if err := c.postJSON(ctx, formAction, payload, &out); err != nil {
		return nil, err
	}
	if out.Success != nil && !*out.Success {
		return nil, &APIError{Status: http.StatusOK, Code: out.Error, Message: out.Message, kind: ErrBookingFailed}
	}
	session := out.PaymentSession
	span.SetAttributes(spanIdentity(session.Identity())...)
	span.SetAttributes(attribute.Bool("checkout.session_ready", session.Ready()))
	return &session, nil
}

// CreateBooking submits the legacy multipart booking form: the extra form
// fields plus the draft serialised into booking_data.
func (c *Client) CreateBooking(ctx context.Context, formAction string, d booking.Draft, fields url.Values) (*BookingRedirect, error) {
	ctx, span := tracer.Start(ctx, "backend.create_booking")
	defer span.End()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range fields[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, fmt.Errorf("backend: write form field %s: %w", k, err)
			}
		}
	}
	blob, err := json.Marshal(newBookingData(d, ""))
	if err != nil {
		return nil, fmt.Errorf("backend: marshal booking_data: %w", err)
	}
	if err := w.WriteField("booking_data", string(blob)); err != nil {
		return nil, fmt.Errorf("backend: write booking_data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("backend: close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(formAction), &buf)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out BookingRedirect
	if err := c.do(req, formAction, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.kind = ErrBookingFailed
		}
		return nil, err
	}
	if !out.Success {
		return nil, &APIError{Status: http.StatusOK, Code: "booking_failed", Message: out.Error, kind: ErrBookingFailed}
	}
	return &out, nil
}

// FetchCatalog loads the read-only trip configuration.
func (c *Client) FetchCatalog(ctx context.Context, tripID int) (*catalog.Catalog, error) {
	ctx, span := tracer.Start(ctx, "backend.fetch_catalog")
	defer span.End()
	span.SetAttributes(attribute.Int("checkout.trip_id", tripID))

	path := fmt.Sprintf("/api/trips/%d/catalog", tripID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	var cat catalog.Catalog
	if err := c.do(req, "/api/trips/catalog", &cat); err != nil {
		return nil, err
	}
	if cat.TripID == 0 {
		cat.TripID = tripID
	}
	return &cat, nil
}
