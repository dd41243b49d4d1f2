// Package backend is the client for the booking server's JSON endpoints:
// discount validation, payment quotes, intent updates and booking creation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

var tracer = otel.Tracer("trip-checkout.internal.backend")

const defaultTimeout = 10 * time.Second

var (
	// ErrDiscountInvalid marks a discount code the server rejected.
	ErrDiscountInvalid = errors.New("backend: discount code invalid")
	// ErrFreeBookingFailed marks a rejected zero-amount booking.
	ErrFreeBookingFailed = errors.New("backend: free booking failed")
	// ErrBookingFailed marks a rejected booking submission.
	ErrBookingFailed = errors.New("backend: booking submission failed")
)

// APIError is a non-success answer from the booking server. Message is the
// server's own text, suitable for showing to the buyer.
type APIError struct {
	Status  int
	Code    string
	Message string

	kind error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return fmt.Sprintf("backend: status %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error { return e.kind }

// Client talks to the booking server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	metrics    *metrics.CheckoutMetrics
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// WithMetrics records request latency per endpoint.
func (c *Client) WithMetrics(m *metrics.CheckoutMetrics) *Client {
	c.metrics = m
	return c
}

// WithHTTPClient overrides the transport (for testing).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.httpClient = h
	}
	return c
}

// BaseURL returns the server root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// postJSON sends payload and decodes a 2xx body into out.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveBackend(endpoint, "error", time.Since(start))
		return fmt.Errorf("backend: http request: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveBackend(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: read response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil {
			apiErr.Code = env.Error
			apiErr.Message = env.Message
		}
		if apiErr.Message == "" && apiErr.Code == "" {
			msg := string(respBody)
			if len(msg) > 300 {
				msg = msg[:300]
			}
			apiErr.Code = strings.TrimSpace(msg)
		}
		c.logger.Warn("backend request rejected", "endpoint", endpoint, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("backend: unmarshal response: %w", err)
	}
	return nil
}

func spanIdentity(id Identity) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if id.PaymentIntentID != "" {
		attrs = append(attrs, attribute.String("checkout.payment_intent_id", id.PaymentIntentID))
	} else if id.BookingID != 0 {
		attrs = append(attrs, attribute.Int("checkout.booking_id", id.BookingID))
	}
	return attrs
}
