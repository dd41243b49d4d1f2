package booking

import (
	"sync"
)

// Store owns a single booking draft. Every setter replaces its field wholesale;
// nothing here validates input.
type Store struct {
	mu    sync.RWMutex
	draft Draft
}

// NewStore returns an empty draft paying in full.
func NewStore() *Store {
	return &Store{draft: Draft{PaymentMethod: PlanFull}}
}

// Get returns a snapshot of the draft that callers may modify freely.
func (s *Store) Get() Draft {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft.Clone()
}

// Replace swaps the whole draft, used when restoring a saved snapshot.
func (s *Store) Replace(d Draft) {
	s.mu.Lock()
	s.draft = d.Clone()
	s.mu.Unlock()
}

func (s *Store) SetBuyerInfo(info BuyerInfo) {
	s.mu.Lock()
	s.draft.BuyerInfo = info.clone()
	s.mu.Unlock()
}

// SetPackages keeps lines with a positive quantity, first occurrence per package id.
func (s *Store) SetPackages(lines []PackageSelection) {
	kept := make([]PackageSelection, 0, len(lines))
	seen := make(map[int]struct{}, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if _, dup := seen[line.PackageID]; dup {
			continue
		}
		seen[line.PackageID] = struct{}{}
		if line.PaymentPlanType == "" {
			line.PaymentPlanType = PlanFull
		}
		kept = append(kept, line)
	}
	s.mu.Lock()
	s.draft.Packages = kept
	s.mu.Unlock()
}

// SetAddons keeps lines with a positive quantity.
func (s *Store) SetAddons(lines []AddonSelection) {
	kept := make([]AddonSelection, 0, len(lines))
	for _, line := range lines {
		if line.Quantity > 0 {
			kept = append(kept, line)
		}
	}
	s.mu.Lock()
	s.draft.Addons = kept
	s.mu.Unlock()
}

func (s *Store) SetParticipants(participants []Participant) {
	cp := make([]Participant, len(participants))
	for i, p := range participants {
		cp[i] = p.clone()
	}
	s.mu.Lock()
	s.draft.Participants = cp
	s.mu.Unlock()
}

func (s *Store) SetDiscount(code string, codeID int, amountCents int64) {
	s.mu.Lock()
	s.draft.Discount = &Discount{Code: code, CodeID: codeID, AmountCents: amountCents}
	s.mu.Unlock()
}

func (s *Store) ClearDiscount() {
	s.mu.Lock()
	s.draft.Discount = nil
	s.mu.Unlock()
}

func (s *Store) SetPaymentMethod(plan PaymentPlan) {
	s.mu.Lock()
	s.draft.PaymentMethod = plan
	s.mu.Unlock()
}
