package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Catalog is the read-only trip configuration the booking pages are rendered from.
type Catalog struct {
	TripID          int        `json:"id"`
	Name            string     `json:"name,omitempty"`
	Slug            string     `json:"slug,omitempty"`
	Packages        []Package  `json:"packages"`
	Addons          []Addon    `json:"addons"`
	CustomQuestions []Question `json:"custom_questions,omitempty"`
	BuyerFields     []Field    `json:"buyer_fields,omitempty"`
}

// Package is a purchasable trip package. Prices are integer cents.
type Package struct {
	ID                int         `json:"id"`
	Name              string      `json:"name"`
	PriceCents        int64       `json:"price_cents"`
	PaymentPlanConfig *PlanConfig `json:"payment_plan_config,omitempty"`
}

// PlanConfig describes an optional deposit + installments schedule.
type PlanConfig struct {
	Enabled            bool          `json:"enabled"`
	DepositAmountCents int64         `json:"deposit_amount_cents"`
	Installments       []Installment `json:"installments,omitempty"`
}

// Installment is one scheduled payment of a deposit plan.
type Installment struct {
	Date        Date  `json:"date"`
	AmountCents int64 `json:"amount_cents"`
}

// Addon is an optional extra sold per unit.
type Addon struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
}

// Question is a participant question configured in the trip builder.
type Question struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// Field is a buyer custom field configured in the trip builder.
type Field struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// HasEnabledPlan reports whether the package sells a deposit plan.
func (p Package) HasEnabledPlan() bool {
	return p.PaymentPlanConfig != nil && p.PaymentPlanConfig.Enabled
}

// FormAction is the booking form endpoint of the trip page, or "" when the
// catalog carries no slug.
func (c *Catalog) FormAction() string {
	if c == nil || c.Slug == "" {
		return ""
	}
	return "/trips/" + c.Slug
}

// Package looks up a package by id.
func (c *Catalog) Package(id int) (Package, bool) {
	if c == nil {
		return Package{}, false
	}
	for _, p := range c.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// Addon looks up an add-on by id.
func (c *Catalog) Addon(id int) (Addon, bool) {
	if c == nil {
		return Addon{}, false
	}
	for _, a := range c.Addons {
		if a.ID == id {
			return a, true
		}
	}
	return Addon{}, false
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return &c, nil
}

// Date is a calendar date without time of day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// ParseDate accepts YYYY-MM-DD, or any longer timestamp whose first ten
// characters are a date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("catalog: invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// null decodes to an empty string above; anything else is malformed
		return fmt.Errorf("catalog: date must be a string: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
