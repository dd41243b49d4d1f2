package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/trip-checkout/internal/http/middleware"
	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/internal/quotelog"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

// QuoteLedger looks up recorded quotes.
type QuoteLedger interface {
	Latest(ctx context.Context, paymentIntentID string) (*quotelog.Entry, error)
}

// SupportHandler answers "which fee was this buyer shown" questions.
type SupportHandler struct {
	ledger   QuoteLedger
	gatherer prometheus.Gatherer
	logger   *logging.Logger
}

// NewSupportHandler creates a support handler. A nil ledger disables quote
// lookups.
func NewSupportHandler(ledger QuoteLedger, gatherer prometheus.Gatherer, logger *logging.Logger) *SupportHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SupportHandler{ledger: ledger, gatherer: gatherer, logger: logger}
}

// LatestQuote handles GET /support/quotes/{paymentIntentID}.
func (h *SupportHandler) LatestQuote(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusNotImplemented, "quote log not configured")
		return
	}
	pi := strings.TrimSpace(chi.URLParam(r, "paymentIntentID"))
	if pi == "" {
		writeError(w, http.StatusBadRequest, "missing payment intent id")
		return
	}
	entry, err := h.ledger.Latest(r.Context(), pi)
	if err != nil {
		h.logger.Error("quote lookup failed", "payment_intent_id", pi, "error", err)
		writeError(w, http.StatusInternalServerError, "quote lookup failed")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "no quote recorded")
		return
	}

	subject := ""
	if claims, ok := middleware.SupportClaimsFromContext(r.Context()); ok {
		subject = claims.Subject
	}
	h.logger.Info("support quote lookup", "payment_intent_id", pi, "support_user", subject)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":        entry.SessionID,
		"payment_intent_id": entry.PaymentIntentID,
		"booking_id":        entry.BookingID,
		"installment_id":    entry.InstallmentID,
		"payment_method_id": entry.PaymentMethodID,
		"payment_step":      entry.PaymentStep,
		"funding":           entry.Funding,
		"brand":             entry.Brand,
		"base_amount":       entry.BaseCents,
		"fee":               entry.FeeCents,
		"tax_amount":        entry.TaxCents,
		"final_amount":      entry.FinalCents,
		"accepted_at":       entry.AcceptedAt,
	})
}

// QuoteStats handles GET /support/quote-stats.
func (h *SupportHandler) QuoteStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.SnapshotQuoteStats(h.gatherer))
}
