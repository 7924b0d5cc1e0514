package billsync

// Mapping is the result of mapping a status to a plan tier.
type Mapping struct {
	Tier PlanTier

	// NeedsReview is set for statuses the mapper does not recognize.
	NeedsReview bool
}

// StateMapper derives the plan tier from a subscription status.
// It is the only place plan tiers are computed.
type StateMapper struct {
	// PastDueIsPaid keeps past_due subscriptions on the paid tier during the
	// processor's dunning window.
	PastDueIsPaid bool
}

// DefaultStateMapper returns the mapper used when none is configured.
func DefaultStateMapper() StateMapper {
	return StateMapper{PastDueIsPaid: true}
}

// Map returns the plan tier for status.
func (m StateMapper) Map(status Status) Mapping {
	switch status {
	case StatusActive, StatusTrialing:
		return Mapping{Tier: TierPaid}
	case StatusPastDue:
		if m.PastDueIsPaid {
			return Mapping{Tier: TierPaid}
		}
		return Mapping{Tier: TierFree}
	case StatusCanceled, StatusIncompleteExpired, StatusUnpaid, StatusFree:
		return Mapping{Tier: TierFree}
	default:
		return Mapping{Tier: TierFree, NeedsReview: true}
	}
}
