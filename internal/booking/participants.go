package booking

import (
	"github.com/wolfman30/trip-checkout/internal/catalog"
)

// PlanFor returns the plan a freshly selected package line should carry:
// packages selling an enabled deposit plan default to it.
func PlanFor(pkg catalog.Package) PaymentPlan {
	if pkg.HasEnabledPlan() {
		return PlanDepositInstallment
	}
	return PlanFull
}

// SelectPackages builds package lines from quantities keyed by package id,
// in catalog order, assigning each line its plan.
func SelectPackages(cat *catalog.Catalog, quantities map[int]int) []PackageSelection {
	if cat == nil {
		return nil
	}
	var lines []PackageSelection
	for _, pkg := range cat.Packages {
		qty := quantities[pkg.ID]
		if qty <= 0 {
			continue
		}
		lines = append(lines, PackageSelection{PackageID: pkg.ID, Quantity: qty, PaymentPlanType: PlanFor(pkg)})
	}
	return lines
}

// ReconcileParticipants resizes the participant list to n, keeping whatever
// was entered at each index and padding with blank entries.
func ReconcileParticipants(existing []Participant, n int) []Participant {
	if n < 0 {
		n = 0
	}
	out := make([]Participant, n)
	for i := 0; i < n && i < len(existing); i++ {
		out[i] = existing[i].clone()
	}
	for i := range out {
		if out[i].CustomAnswers == nil {
			out[i].CustomAnswers = map[string]Answer{}
		}
	}
	return out
}

// AnswersFor builds custom answers for the configured questions from raw
// values keyed by question id. Questions without a submitted value are omitted.
func AnswersFor(questions []catalog.Question, values map[string]string) map[string]Answer {
	answers := make(map[string]Answer, len(questions))
	for _, q := range questions {
		v, ok := values[q.ID]
		if !ok {
			continue
		}
		answers[q.ID] = Answer{QuestionID: q.ID, Label: q.Label, Value: v}
	}
	return answers
}
