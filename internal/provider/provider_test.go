package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewElementsRequiresKeyAndSecret(t *testing.T) {
	if _, err := NewElements("", "pi_1_secret_x"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady without key, got %v", err)
	}
	if _, err := NewElements("pk_test", " "); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady without secret, got %v", err)
	}
	el, err := NewElements("pk_test", "pi_1_secret_x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if el.Instrument() != nil {
		t.Fatalf("expected nothing mounted")
	}
	inst := NewReportedInstrument(nil)
	el.Mount(inst)
	if el.Instrument() != inst {
		t.Fatalf("expected mounted instrument")
	}
	el.Unmount()
	if el.Instrument() != nil {
		t.Fatalf("expected instrument unmounted")
	}
}

func TestIntentIDFromClientSecret(t *testing.T) {
	cases := map[string]string{
		"pi_3Nabc_secret_xyz": "pi_3Nabc",
		"pi_1":                "",
		"_secret_x":           "",
		"":                    "",
	}
	for in, want := range cases {
		if got := IntentIDFromClientSecret(in); got != want {
			t.Errorf("IntentIDFromClientSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

type stubCreator struct {
	calls int
	id    string
	err   error
}

func (s *stubCreator) CreatePaymentMethod(ctx context.Context, token string) (string, error) {
	s.calls++
	return s.id, s.err
}

func TestReportedInstrument(t *testing.T) {
	ctx := context.Background()
	creator := &stubCreator{id: "pm_from_token"}
	inst := NewReportedInstrument(creator)

	if err := inst.Submit(ctx); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete before any report, got %v", err)
	}

	inst.Report(true, "pm_direct", "")
	if err := inst.Submit(ctx); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	id, err := inst.PaymentMethodID(ctx)
	if err != nil || id != "pm_direct" {
		t.Fatalf("expected pm_direct, got %q %v", id, err)
	}

	inst.Report(true, "", "tok_visa")
	for i := 0; i < 2; i++ {
		id, err = inst.PaymentMethodID(ctx)
		if err != nil || id != "pm_from_token" {
			t.Fatalf("expected token exchange, got %q %v", id, err)
		}
	}
	if creator.calls != 1 {
		t.Fatalf("expected the exchanged id to be cached, got %d calls", creator.calls)
	}

	inst.Report(false, "pm_ignored", "")
	if inst.Complete() {
		t.Fatalf("expected incomplete")
	}
	if _, err := inst.PaymentMethodID(ctx); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete after incomplete report, got %v", err)
	}
}

func TestReportedInstrument_TokenWithoutCreator(t *testing.T) {
	inst := NewReportedInstrument(nil)
	inst.Report(true, "", "tok_visa")
	if _, err := inst.PaymentMethodID(context.Background()); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestStripeClient_CreatePaymentMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_methods" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer pk_test_123" {
			t.Errorf("expected publishable key auth, got %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("card[token]") != "tok_visa" || r.PostForm.Get("type") != "card" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "pm_123", "card": map[string]string{"funding": "credit"}})
	}))
	defer srv.Close()

	client := NewStripeClient("pk_test_123", nil).WithBaseURL(srv.URL)
	id, err := client.CreatePaymentMethod(context.Background(), "tok_visa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "pm_123" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestStripeClient_ConfirmPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents/pi_1/confirm" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("client_secret") != "pi_1_secret_abc" || r.PostForm.Get("payment_method") != "pm_1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("return_url") != "https://trips.example.com/done" {
			t.Errorf("missing return url")
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "pi_1", "status": "succeeded"})
	}))
	defer srv.Close()

	client := NewStripeClient("pk_test_123", nil).WithBaseURL(srv.URL)
	conf, err := client.ConfirmPayment(context.Background(), "pi_1_secret_abc", "pm_1", "https://trips.example.com/done")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != "succeeded" || conf.NextActionURL != "" {
		t.Fatalf("unexpected confirmation %+v", conf)
	}
}

func TestStripeClient_ConfirmPaymentRequiresAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"pi_1","status":"requires_action","next_action":{"redirect_to_url":{"url":"https://hooks.stripe.com/3ds"}}}`))
	}))
	defer srv.Close()

	client := NewStripeClient("pk_test_123", nil).WithBaseURL(srv.URL)
	conf, err := client.ConfirmPayment(context.Background(), "pi_1_secret_abc", "pm_1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.NextActionURL != "https://hooks.stripe.com/3ds" {
		t.Fatalf("expected next action url, got %+v", conf)
	}
}

func TestStripeClient_ConfirmPaymentDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`))
	}))
	defer srv.Close()

	client := NewStripeClient("pk_test_123", nil).WithBaseURL(srv.URL)
	_, err := client.ConfirmPayment(context.Background(), "pi_1_secret_abc", "pm_1", "")
	if !errors.Is(err, ErrConfirmFailed) {
		t.Fatalf("expected ErrConfirmFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("expected decline reason in error, got %v", err)
	}
}

func TestStripeClient_ConfirmPaymentUnusableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"pi_1","status":"requires_payment_method","last_payment_error":{"message":"Your card was declined."}}`))
	}))
	defer srv.Close()

	client := NewStripeClient("pk_test_123", nil).WithBaseURL(srv.URL)
	_, err := client.ConfirmPayment(context.Background(), "pi_1_secret_abc", "pm_1", "")
	if !errors.Is(err, ErrConfirmFailed) || !strings.Contains(err.Error(), "declined") {
		t.Fatalf("expected declined confirmation, got %v", err)
	}
}

func TestStripeClient_DryRun(t *testing.T) {
	client := NewStripeClient("", nil).WithDryRun(true).WithBaseURL("http://127.0.0.1:1")
	conf, err := client.ConfirmPayment(context.Background(), "pi_9_secret_z", "pm_1", "")
	if err != nil || conf.PaymentIntentID != "pi_9" {
		t.Fatalf("unexpected dry run result %+v %v", conf, err)
	}
	id, err := client.CreatePaymentMethod(context.Background(), "tok")
	if err != nil || !strings.HasPrefix(id, "pm_dryrun_") {
		t.Fatalf("unexpected dry run id %q %v", id, err)
	}
}

func TestStripeClient_MalformedSecret(t *testing.T) {
	client := NewStripeClient("pk", nil)
	if _, err := client.ConfirmPayment(context.Background(), "garbage", "pm_1", ""); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestStripeClient_CreateTestPaymentMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_1" {
			t.Errorf("expected secret key auth, got %q", got)
		}
		r.ParseForm()
		if r.PostForm.Get("card[number]") != "4000566655665556" {
			t.Errorf("unexpected card %v", r.PostForm)
		}
		w.Write([]byte(`{"id":"pm_debit"}`))
	}))
	defer srv.Close()

	client := NewStripeClient("pk", nil).WithBaseURL(srv.URL)
	if _, err := client.CreateTestPaymentMethod(context.Background(), TestCards[1]); err == nil {
		t.Fatalf("expected error without secret key")
	}
	id, err := client.WithSecretKey("sk_test_1").CreateTestPaymentMethod(context.Background(), TestCards[1])
	if err != nil || id != "pm_debit" {
		t.Fatalf("unexpected result %q %v", id, err)
	}
}
