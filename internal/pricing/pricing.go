// Package pricing computes the locally derivable order estimate. Everything
// here is pure: no I/O, no clocks beyond the asOf date passed in.
package pricing

import (
	"fmt"

	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/catalog"
)

// LineKind distinguishes package and add-on lines.
type LineKind string

const (
	LinePackage LineKind = "package"
	LineAddon   LineKind = "addon"
)

// LineItem is one rendered row of the order summary.
type LineItem struct {
	Kind        LineKind `json:"kind"`
	RefID       int      `json:"ref_id"`
	Label       string   `json:"label"`
	Quantity    int      `json:"quantity"`
	AmountCents int64    `json:"amount_cents"`
	// OverdueCents is the part of AmountCents collected for past-due installments.
	OverdueCents int64 `json:"overdue_cents,omitempty"`
}

// Skipped is a selected line whose catalog entry could not be found.
type Skipped struct {
	Kind  LineKind
	RefID int
}

// Subtotal is the pre-discount, pre-fee order amount.
type Subtotal struct {
	LineItems     []LineItem `json:"line_items"`
	SubtotalCents int64      `json:"subtotal_cents"`
	Skipped       []Skipped  `json:"-"`
}

// ComputeSubtotal prices every selected line against the catalog. Installments
// dated strictly before asOf count as overdue and are collected with the deposit.
func ComputeSubtotal(d booking.Draft, cat *catalog.Catalog, asOf catalog.Date) Subtotal {
	out := Subtotal{LineItems: []LineItem{}}

	for _, line := range d.Packages {
		pkg, ok := cat.Package(line.PackageID)
		if !ok {
			out.Skipped = append(out.Skipped, Skipped{Kind: LinePackage, RefID: line.PackageID})
			continue
		}
		item := packageLine(pkg, line, asOf)
		out.LineItems = append(out.LineItems, item)
		out.SubtotalCents += item.AmountCents
	}

	for _, line := range d.Addons {
		addon, ok := cat.Addon(line.AddonID)
		if !ok {
			out.Skipped = append(out.Skipped, Skipped{Kind: LineAddon, RefID: line.AddonID})
			continue
		}
		item := LineItem{
			Kind:        LineAddon,
			RefID:       addon.ID,
			Label:       "+ " + addon.Name,
			Quantity:    line.Quantity,
			AmountCents: addon.PriceCents * int64(line.Quantity),
		}
		out.LineItems = append(out.LineItems, item)
		out.SubtotalCents += item.AmountCents
	}

	return out
}

func packageLine(pkg catalog.Package, line booking.PackageSelection, asOf catalog.Date) LineItem {
	qty := int64(line.Quantity)
	item := LineItem{Kind: LinePackage, RefID: pkg.ID, Quantity: line.Quantity}

	if line.PaymentPlanType != booking.PlanDepositInstallment || !pkg.HasEnabledPlan() {
		item.Label = pkg.Name
		item.AmountCents = pkg.PriceCents * qty
		return item
	}

	plan := pkg.PaymentPlanConfig
	item.Label = pkg.Name + " (Deposit)"
	item.AmountCents = plan.DepositAmountCents * qty
	for _, inst := range plan.Installments {
		if inst.Date.IsZero() || !inst.Date.Before(asOf) {
			continue
		}
		item.OverdueCents += inst.AmountCents * qty
	}
	if item.OverdueCents > 0 {
		item.AmountCents += item.OverdueCents
		item.Label = pkg.Name + " (Deposit + Overdue)"
	}
	return item
}

// OrderAmount is the amount a discount code is validated against: deposits
// instead of full prices, without overdue installments.
func OrderAmount(d booking.Draft, cat *catalog.Catalog) int64 {
	var total int64
	for _, line := range d.Packages {
		pkg, ok := cat.Package(line.PackageID)
		if !ok {
			continue
		}
		unit := pkg.PriceCents
		if line.PaymentPlanType == booking.PlanDepositInstallment && pkg.HasEnabledPlan() && pkg.PaymentPlanConfig.DepositAmountCents > 0 {
			unit = pkg.PaymentPlanConfig.DepositAmountCents
		}
		total += unit * int64(line.Quantity)
	}
	for _, line := range d.Addons {
		if addon, ok := cat.Addon(line.AddonID); ok {
			total += addon.PriceCents * int64(line.Quantity)
		}
	}
	return total
}

// ActualPaymentAmount is what the buyer owes today before any processing fee.
func ActualPaymentAmount(d booking.Draft, cat *catalog.Catalog, asOf catalog.Date) int64 {
	return DueCents(ComputeSubtotal(d, cat, asOf).SubtotalCents, d.DiscountCents())
}

// DueCents subtracts the discount, never going below zero.
func DueCents(subtotalCents, discountCents int64) int64 {
	due := subtotalCents - discountCents
	if due < 0 {
		return 0
	}
	return due
}

// Totals is the displayed order summary.
type Totals struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	DiscountCents int64 `json:"discount_cents"`
	FeeCents      int64 `json:"fee_cents"`
	DueCents      int64 `json:"due_cents"`
	TotalCents    int64 `json:"total_cents"`
	// Quoted is true when the fee came from an accepted server quote.
	Quoted bool `json:"quoted"`
}

// ComputeTotals combines the local subtotal with the fee of the last accepted
// quote (feeCents is ignored when quoted is false).
func ComputeTotals(subtotalCents, discountCents, feeCents int64, quoted bool) Totals {
	t := Totals{
		SubtotalCents: subtotalCents,
		DiscountCents: discountCents,
		DueCents:      DueCents(subtotalCents, discountCents),
		Quoted:        quoted,
	}
	if quoted {
		t.FeeCents = feeCents
	}
	t.TotalCents = t.DueCents + t.FeeCents
	return t
}

// FormatMoney renders cents as dollars, e.g. 1234 -> "$12.34".
func FormatMoney(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
