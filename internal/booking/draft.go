// Package booking holds the client-side booking draft the wizard edits step by
// step, plus the helpers that keep it consistent with the trip catalog.
package booking

import (
	"encoding/json"
	"fmt"
)

// PaymentPlan identifies how a package (or the whole booking) is paid.
type PaymentPlan string

const (
	PlanFull               PaymentPlan = "full"
	PlanDepositInstallment PaymentPlan = "deposit_installment"
)

// Draft is the not-yet-submitted booking state.
type Draft struct {
	BuyerInfo     BuyerInfo          `json:"buyer_info"`
	Packages      []PackageSelection `json:"packages"`
	Addons        []AddonSelection   `json:"addons"`
	Participants  []Participant      `json:"participants"`
	Discount      *Discount          `json:"discount,omitempty"`
	PaymentMethod PaymentPlan        `json:"payment_method"`
}

// BuyerInfo is the step 1 form: standard fields by name plus builder-configured
// custom fields keyed by field id.
type BuyerInfo struct {
	Fields     map[string]string
	CustomInfo map[string]string
}

// PackageSelection is one selected package line.
type PackageSelection struct {
	PackageID       int         `json:"package_id"`
	Quantity        int         `json:"quantity"`
	PaymentPlanType PaymentPlan `json:"payment_plan_type"`
}

// AddonSelection is one selected add-on line.
type AddonSelection struct {
	AddonID  int `json:"addon_id"`
	Quantity int `json:"quantity"`
}

// Participant is one traveller. CustomAnswers is keyed by question id.
type Participant struct {
	FirstName     string            `json:"first_name"`
	LastName      string            `json:"last_name"`
	Email         string            `json:"email"`
	CustomAnswers map[string]Answer `json:"custom_answers"`
}

// Answer is a participant's answer to a configured question.
type Answer struct {
	QuestionID string `json:"question_id"`
	Label      string `json:"label"`
	Value      string `json:"value"`
}

// Discount is an applied discount code. It is either fully present or absent.
type Discount struct {
	Code        string `json:"code"`
	CodeID      int    `json:"code_id"`
	AmountCents int64  `json:"amount_cents"`
}

// DiscountCents returns the applied discount amount, or 0.
func (d Draft) DiscountCents() int64 {
	if d.Discount == nil {
		return 0
	}
	return d.Discount.AmountCents
}

// PackageQuantity is the total number of travellers the packages pay for.
func (d Draft) PackageQuantity() int {
	total := 0
	for _, p := range d.Packages {
		total += p.Quantity
	}
	return total
}

// Clone returns a deep copy of the draft.
func (d Draft) Clone() Draft {
	out := Draft{
		BuyerInfo:     d.BuyerInfo.clone(),
		PaymentMethod: d.PaymentMethod,
	}
	if d.Packages != nil {
		out.Packages = append([]PackageSelection(nil), d.Packages...)
	}
	if d.Addons != nil {
		out.Addons = append([]AddonSelection(nil), d.Addons...)
	}
	if d.Participants != nil {
		out.Participants = make([]Participant, len(d.Participants))
		for i, p := range d.Participants {
			out.Participants[i] = p.clone()
		}
	}
	if d.Discount != nil {
		disc := *d.Discount
		out.Discount = &disc
	}
	return out
}

func (b BuyerInfo) clone() BuyerInfo {
	return BuyerInfo{Fields: cloneStrings(b.Fields), CustomInfo: cloneStrings(b.CustomInfo)}
}

func (p Participant) clone() Participant {
	out := p
	if p.CustomAnswers != nil {
		out.CustomAnswers = make(map[string]Answer, len(p.CustomAnswers))
		for k, v := range p.CustomAnswers {
			out.CustomAnswers[k] = v
		}
	}
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

const customInfoKey = "custom_info"

// MarshalJSON flattens the standard fields next to custom_info, the shape the
// booking backend expects inside booking_data.
func (b BuyerInfo) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Fields)+1)
	for k, v := range b.Fields {
		out[k] = v
	}
	custom := b.CustomInfo
	if custom == nil {
		custom = map[string]string{}
	}
	out[customInfoKey] = custom
	return json.Marshal(out)
}

func (b *BuyerInfo) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("booking: decode buyer info: %w", err)
	}
	*b = BuyerInfo{}
	for k, v := range raw {
		if k == customInfoKey {
			if err := json.Unmarshal(v, &b.CustomInfo); err != nil {
				return fmt.Errorf("booking: decode custom_info: %w", err)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			// non-string values are not form fields
			continue
		}
		if b.Fields == nil {
			b.Fields = make(map[string]string)
		}
		b.Fields[k] = s
	}
	return nil
}
