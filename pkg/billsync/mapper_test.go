package billsync

import "testing"

func TestStateMapper_StatusTable(t *testing.T) {
	tests := []struct {
		status      Status
		tier        PlanTier
		needsReview bool
	}{
		{StatusActive, TierPaid, false},
		{StatusTrialing, TierPaid, false},
		{StatusPastDue, TierPaid, false},
		{StatusCanceled, TierFree, false},
		{StatusIncompleteExpired, TierFree, false},
		{StatusUnpaid, TierFree, false},
		{StatusFree, TierFree, false},
		{Status("incomplete"), TierFree, true},
		{Status("paused"), TierFree, true},
		{Status(""), TierFree, true},
	}

	m := DefaultStateMapper()
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got := m.Map(tt.status)
			if got.Tier != tt.tier {
				t.Errorf("Map(%q).Tier = %s, want %s", tt.status, got.Tier, tt.tier)
			}
			if got.NeedsReview != tt.needsReview {
				t.Errorf("Map(%q).NeedsReview = %v, want %v", tt.status, got.NeedsReview, tt.needsReview)
			}
		})
	}
}

func TestStateMapper_PastDueWithoutGrace(t *testing.T) {
	m := StateMapper{PastDueIsPaid: false}
	if got := m.Map(StatusPastDue).Tier; got != TierFree {
		t.Errorf("Expected past_due to map to free without grace, got %s", got)
	}
	if got := m.Map(StatusActive).Tier; got != TierPaid {
		t.Errorf("Grace setting must not affect active, got %s", got)
	}
}

func TestStateMapper_Deterministic(t *testing.T) {
	m := DefaultStateMapper()
	statuses := []Status{StatusUnpaid, StatusActive, StatusPastDue, "weird", StatusCanceled, StatusTrialing}

	first := make(map[Status]Mapping)
	for _, s := range statuses {
		first[s] = m.Map(s)
	}
	// Reverse order must give identical answers
	for i := len(statuses) - 1; i >= 0; i-- {
		s := statuses[i]
		if got := m.Map(s); got != first[s] {
			t.Errorf("Map(%q) changed between calls: %+v vs %+v", s, first[s], got)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCanceled, StatusIncompleteExpired, StatusFree} {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusActive, StatusTrialing, StatusPastDue, StatusUnpaid} {
		if s.IsTerminal() {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}
