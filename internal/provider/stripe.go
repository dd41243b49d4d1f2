package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trip-checkout/pkg/logging"
)

var stripeTracer = otel.Tracer("trip-checkout.internal.provider.stripe")

// StripeClient calls the Stripe REST API with the publishable key, the same
// surface Stripe.js uses in the browser. A secret key is only needed for
// creating raw test cards.
type StripeClient struct {
	publishableKey string
	secretKey      string
	baseURL        string
	apiVersion     string
	httpClient     *http.Client
	logger         *logging.Logger
	dryRun         bool
}

// NewStripeClient creates a client authenticated with a publishable key.
func NewStripeClient(publishableKey string, logger *logging.Logger) *StripeClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeClient{
		publishableKey: publishableKey,
		baseURL:        "https://api.stripe.com",
		apiVersion:     "2024-12-18.acacia",
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		logger:         logger,
	}
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (s *StripeClient) WithBaseURL(baseURL string) *StripeClient {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

// WithDryRun enables dry-run mode (fake ids, no calls to Stripe).
func (s *StripeClient) WithDryRun(enabled bool) *StripeClient {
	s.dryRun = enabled
	return s
}

// WithSecretKey enables CreateTestPaymentMethod.
func (s *StripeClient) WithSecretKey(secretKey string) *StripeClient {
	s.secretKey = secretKey
	return s
}

// StripeError is an error object returned by the Stripe API.
type StripeError struct {
	Status      int
	Type        string
	Code        string
	DeclineCode string
	Message     string
}

func (e *StripeError) Error() string {
	return fmt.Sprintf("provider: stripe status %d: %s (%s)", e.Status, e.Message, e.Code)
}

type stripeErrorResponse struct {
	Error struct {
		Message     string `json:"message"`
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

type stripePaymentMethod struct {
	ID   string `json:"id"`
	Card struct {
		Brand   string `json:"brand"`
		Funding string `json:"funding"`
	} `json:"card"`
}

type stripePaymentIntent struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	NextAction *struct {
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
	LastPaymentError *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"last_payment_error"`
}

func (s *StripeClient) post(ctx context.Context, path, key string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("provider: stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Stripe-Version", s.apiVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider: stripe http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("provider: stripe read: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var parsed stripeErrorResponse
		_ = json.Unmarshal(body, &parsed)
		return &StripeError{
			Status:      resp.StatusCode,
			Type:        parsed.Error.Type,
			Code:        parsed.Error.Code,
			DeclineCode: parsed.Error.DeclineCode,
			Message:     parsed.Error.Message,
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("provider: stripe decode: %w", err)
	}
	return nil
}

// CreatePaymentMethod exchanges a card token for a payment method id.
func (s *StripeClient) CreatePaymentMethod(ctx context.Context, cardToken string) (string, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_payment_method")
	defer span.End()

	if s.dryRun {
		return "pm_dryrun_" + uuid.New().String()[:8], nil
	}
	if s.publishableKey == "" {
		return "", ErrNotReady
	}

	form := url.Values{}
	form.Set("type", "card")
	form.Set("card[token]", cardToken)

	var pm stripePaymentMethod
	if err := s.post(ctx, "/v1/payment_methods", s.publishableKey, form, &pm); err != nil {
		return "", err
	}
	if pm.ID == "" {
		return "", fmt.Errorf("provider: stripe response missing payment method id")
	}
	span.SetAttributes(attribute.String("stripe.funding", pm.Card.Funding))
	return pm.ID, nil
}

// ConfirmPayment confirms the intent behind clientSecret with a payment method.
// A declined card or an unusable intent status is reported as ErrConfirmFailed.
func (s *StripeClient) ConfirmPayment(ctx context.Context, clientSecret, paymentMethodID, returnURL string) (*Confirmation, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.confirm_payment_intent")
	defer span.End()

	intentID := IntentIDFromClientSecret(clientSecret)
	span.SetAttributes(attribute.String("stripe.payment_intent_id", intentID))
	if intentID == "" {
		return nil, fmt.Errorf("provider: malformed client secret: %w", ErrNotReady)
	}

	if s.dryRun {
		s.logger.Info("stripe dry run: skipping confirmation", "payment_intent_id", intentID)
		return &Confirmation{PaymentIntentID: intentID, Status: "succeeded"}, nil
	}

	form := url.Values{}
	form.Set("client_secret", clientSecret)
	form.Set("payment_method", paymentMethodID)
	if returnURL != "" {
		form.Set("return_url", returnURL)
	}

	var pi stripePaymentIntent
	if err := s.post(ctx, "/v1/payment_intents/"+url.PathEscape(intentID)+"/confirm", s.publishableKey, form, &pi); err != nil {
		s.logger.Warn("stripe confirmation rejected", "payment_intent_id", intentID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrConfirmFailed, err)
	}
	span.SetAttributes(attribute.String("stripe.status", pi.Status))

	conf := &Confirmation{PaymentIntentID: pi.ID, Status: pi.Status}
	switch pi.Status {
	case "succeeded", "processing", "requires_capture":
		return conf, nil
	case "requires_action":
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			conf.NextActionURL = pi.NextAction.RedirectToURL.URL
			return conf, nil
		}
	}
	reason := pi.Status
	if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
		reason = pi.LastPaymentError.Message
	}
	return nil, fmt.Errorf("%w: %s", ErrConfirmFailed, reason)
}

// TestCard is a raw card number usable in Stripe test mode.
type TestCard struct {
	Label  string
	Number string
}

// TestCards covers the funding types the fee rules distinguish.
var TestCards = []TestCard{
	{Label: "credit", Number: "4242424242424242"},
	{Label: "debit", Number: "4000566655665556"},
	{Label: "prepaid", Number: "5105105105105100"},
}

// CreateTestPaymentMethod creates a payment method from a raw test card.
// It requires a secret key.
func (s *StripeClient) CreateTestPaymentMethod(ctx context.Context, card TestCard) (string, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_test_payment_method")
	defer span.End()
	span.SetAttributes(attribute.String("stripe.card_label", card.Label))

	if s.dryRun {
		return "pm_dryrun_" + card.Label, nil
	}
	if s.secretKey == "" {
		return "", fmt.Errorf("provider: secret key required for test cards")
	}

	form := url.Values{}
	form.Set("type", "card")
	form.Set("card[number]", card.Number)
	form.Set("card[exp_month]", "12")
	form.Set("card[exp_year]", "2030")
	form.Set("card[cvc]", "123")

	var pm stripePaymentMethod
	if err := s.post(ctx, "/v1/payment_methods", s.secretKey, form, &pm); err != nil {
		return "", err
	}
	return pm.ID, nil
}
