// Package quotelog keeps a ledger of the quotes shown to buyers, so support
// can see which fee a buyer was offered for which card.
package quotelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/trip-checkout/internal/quote"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is one accepted quote.
type Entry struct {
	SessionID       string
	PaymentIntentID string
	BookingID       int
	InstallmentID   *int
	PaymentMethodID string
	PaymentStep     string
	Funding         string
	Brand           string
	BaseCents       int64
	FeeCents        int64
	TaxCents        int64
	FinalCents      int64
	AcceptedAt      time.Time
}

// Repository stores entries in Postgres.
type Repository struct {
	db rowQuerier
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("quotelog: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithExec(db rowQuerier) *Repository {
	return &Repository{db: db}
}

// Record appends an entry.
func (r *Repository) Record(ctx context.Context, e Entry) error {
	if e.PaymentMethodID == "" {
		return errors.New("quotelog: payment method id required")
	}
	if e.AcceptedAt.IsZero() {
		e.AcceptedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO quote_log (
			session_id, payment_intent_id, booking_id, installment_id,
			payment_method_id, payment_step, funding, brand,
			base_cents, fee_cents, tax_cents, final_cents, accepted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.Exec(ctx, query,
		e.SessionID, e.PaymentIntentID, e.BookingID, e.InstallmentID,
		e.PaymentMethodID, e.PaymentStep, e.Funding, e.Brand,
		e.BaseCents, e.FeeCents, e.TaxCents, e.FinalCents, e.AcceptedAt,
	)
	if err != nil {
		return fmt.Errorf("quotelog: insert: %w", err)
	}
	return nil
}

// RecordQuote stores a quote accepted by a coordinator.
func (r *Repository) RecordQuote(ctx context.Context, a quote.Accepted) error {
	id := a.Request.Identity.Normalized()
	return r.Record(ctx, Entry{
		SessionID:       a.SessionID,
		PaymentIntentID: id.PaymentIntentID,
		BookingID:       id.BookingID,
		InstallmentID:   a.Request.InstallmentID,
		PaymentMethodID: a.Request.PaymentMethodID,
		PaymentStep:     a.Request.PaymentStep,
		Funding:         a.Quote.Funding,
		Brand:           a.Quote.Brand,
		BaseCents:       a.Quote.BaseAmount,
		FeeCents:        a.Quote.Fee,
		TaxCents:        a.Quote.TaxAmount,
		FinalCents:      a.Quote.FinalAmount,
		AcceptedAt:      a.AcceptedAt,
	})
}

// Latest returns the most recent entry for a payment intent, or nil.
func (r *Repository) Latest(ctx context.Context, paymentIntentID string) (*Entry, error) {
	query := `
		SELECT session_id, payment_intent_id, booking_id, installment_id,
			payment_method_id, payment_step, funding, brand,
			base_cents, fee_cents, tax_cents, final_cents, accepted_at
		FROM quote_log
		WHERE payment_intent_id = $1
		ORDER BY accepted_at DESC, id DESC
		LIMIT 1
	`
	var e Entry
	err := r.db.QueryRow(ctx, query, paymentIntentID).Scan(
		&e.SessionID, &e.PaymentIntentID, &e.BookingID, &e.InstallmentID,
		&e.PaymentMethodID, &e.PaymentStep, &e.Funding, &e.Brand,
		&e.BaseCents, &e.FeeCents, &e.TaxCents, &e.FinalCents, &e.AcceptedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quotelog: latest %s: %w", paymentIntentID, err)
	}
	return &e, nil
}
