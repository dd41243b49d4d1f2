// Command quote-probe asks the booking backend for a fee quote per Stripe test
// card, to check the funding-based fee rules end to end.
//
// Usage: quote-probe -payment-intent pi_123 [-booking 0] [-step initial] [-base 10000]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/trip-checkout/internal/backend"
	appconfig "github.com/wolfman30/trip-checkout/internal/config"
	"github.com/wolfman30/trip-checkout/internal/pricing"
	"github.com/wolfman30/trip-checkout/internal/provider"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

type probeOptions struct {
	PaymentIntentID string
	BookingID       int
	InstallmentID   int
	Step            string
	BaseCents       int64
}

// quoter and cardMaker are the parts of the backend and Stripe clients the
// probe uses.
type quoter interface {
	Quote(ctx context.Context, req backend.QuoteRequest) (*backend.Quote, error)
}

type cardMaker interface {
	CreateTestPaymentMethod(ctx context.Context, card provider.TestCard) (string, error)
}

func main() {
	_ = godotenv.Load()

	var opts probeOptions
	flag.StringVar(&opts.PaymentIntentID, "payment-intent", "", "payment intent id of a pending booking")
	flag.IntVar(&opts.BookingID, "booking", 0, "booking id (installment payments)")
	flag.IntVar(&opts.InstallmentID, "installment", 0, "installment id (installment payments)")
	flag.StringVar(&opts.Step, "step", backend.StepInitial, "payment step: initial, installment or payoff")
	flag.Int64Var(&opts.BaseCents, "base", 0, "base amount in cents (0 lets the server decide)")
	timeout := flag.Duration("timeout", time.Minute, "overall timeout")
	flag.Parse()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	api := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout, logger)
	stripe := provider.NewStripeClient(cfg.StripePublishableKey, logger).
		WithBaseURL(cfg.StripeBaseURL).
		WithSecretKey(cfg.StripeSecretKey).
		WithDryRun(cfg.StripeDryRun)

	if err := run(ctx, api, stripe, opts, os.Stdout); err != nil {
		logger.Error("quote probe failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, api quoter, cards cardMaker, opts probeOptions, out io.Writer) error {
	id := backend.Identity{PaymentIntentID: opts.PaymentIntentID, BookingID: opts.BookingID}.Normalized()
	if id.IsZero() {
		return errors.New("a payment intent or booking id is required")
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CARD\tPAYMENT METHOD\tFUNDING\tBASE\tFEE\tFINAL")

	failures := 0
	for _, card := range provider.TestCards {
		pm, err := cards.CreateTestPaymentMethod(ctx, card)
		if err != nil {
			return fmt.Errorf("create %s test card: %w", card.Label, err)
		}
		req := backend.QuoteRequest{Identity: id, PaymentMethodID: pm, PaymentStep: opts.Step}
		if opts.InstallmentID > 0 {
			installment := opts.InstallmentID
			req.InstallmentID = &installment
		}
		if opts.BaseCents > 0 {
			base := opts.BaseCents
			req.BaseAmountCents = &base
		}

		q, err := api.Quote(ctx, req)
		if err != nil {
			failures++
			fmt.Fprintf(tw, "%s\t%s\terror: %v\t\t\t\n", card.Label, pm, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", card.Label, pm, q.Funding,
			pricing.FormatMoney(q.BaseAmount), pricing.FormatMoney(q.Fee), pricing.FormatMoney(q.FinalAmount))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failures == len(provider.TestCards) {
		return errors.New("every quote failed")
	}
	return nil
}
