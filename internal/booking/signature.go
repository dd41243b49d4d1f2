package booking

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type signedFields struct {
	BuyerInfo     BuyerInfo          `json:"buyer_info"`
	Packages      []PackageSelection `json:"packages"`
	Addons        []AddonSelection   `json:"addons"`
	Participants  []Participant      `json:"participants"`
	PaymentMethod PaymentPlan        `json:"payment_method"`
}

// Signature fingerprints the parts of a draft that a payment session is
// created from. The discount is excluded: it is pushed to an existing session
// instead of forcing a new one.
func Signature(d Draft) string {
	fields := signedFields{
		BuyerInfo:     d.BuyerInfo,
		Packages:      nonNil(d.Packages),
		Addons:        nonNil(d.Addons),
		Participants:  nonNil(d.Participants),
		PaymentMethod: d.PaymentMethod,
	}
	// map keys marshal sorted, so equal drafts give equal bytes
	data, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
