package congestion_wbbr

// RateSource exposes one subflow's send eligibility and its most recent
// bandwidth estimate, in bytes per second. Implementations must be safe to
// read concurrently with the owning subflow's own updates.
type RateSource interface {
	// SendEligible reports whether the subflow may currently carry data.
	SendEligible() bool
	// InstantaneousRate is the subflow's latest bandwidth estimate in bytes
	// per second, zero before any estimate exists.
	InstantaneousRate() uint64
}

// SiblingSet is a read-only view over the subflows of one multipath
// connection, including the caller's own. Range calls f for each member until
// f returns false.
type SiblingSet interface {
	Range(f func(RateSource) bool)
}

// FairShareWeight computes own's share of the aggregate rate across the
// eligible members of siblings, as a fixed-point fraction of GainUnit. The
// weight is unity when there is no sibling set, when own contributes nothing
// yet, or when no eligible member has a rate.
//
// The weight scales the pacing gain only. Window sizing stays governed by the
// local bandwidth-delay product, so a low-share subflow keeps enough window
// to measure the path it would get if its siblings backed off.
func FairShareWeight(own RateSource, siblings SiblingSet) Gain {
	if siblings == nil {
		return GainUnit
	}
	ownRate := own.InstantaneousRate()
	if ownRate == 0 {
		return GainUnit
	}
	var total uint64
	siblings.Range(func(s RateSource) bool {
		if s.SendEligible() {
			total += s.InstantaneousRate()
		}
		return true
	})
	if total == 0 {
		return GainUnit
	}
	return Gain(ownRate * uint64(GainUnit) / total)
}
