package congestion_wbbr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubRate struct {
	rate     uint64
	eligible bool
}

func (s stubRate) SendEligible() bool        { return s.eligible }
func (s stubRate) InstantaneousRate() uint64 { return s.rate }

type stubSiblings []stubRate

func (s stubSiblings) Range(f func(RateSource) bool) {
	for _, it := range s {
		if !f(it) {
			return
		}
	}
}

func TestFairShareWeight(t *testing.T) {
	siblings := stubSiblings{
		{rate: 100, eligible: true},
		{rate: 300, eligible: true},
	}
	// Rates of 100 and 300 split the pacing gain 1:3.
	require.Equal(t, GainUnit/4, FairShareWeight(stubRate{rate: 100, eligible: true}, siblings))
	require.Equal(t, 3*GainUnit/4, FairShareWeight(stubRate{rate: 300, eligible: true}, siblings))
}

func TestFairShareWeightIgnoresIneligible(t *testing.T) {
	siblings := stubSiblings{
		{rate: 100, eligible: true},
		{rate: 300, eligible: false},
		{rate: 100, eligible: true},
	}
	require.Equal(t, GainUnit/2, FairShareWeight(stubRate{rate: 100, eligible: true}, siblings))
}

func TestFairShareWeightDefaultsToUnity(t *testing.T) {
	require.Equal(t, GainUnit, FairShareWeight(stubRate{rate: 100, eligible: true}, nil))
	require.Equal(t, GainUnit, FairShareWeight(stubRate{rate: 0, eligible: true}, stubSiblings{{rate: 100, eligible: true}}))
	require.Equal(t, GainUnit, FairShareWeight(stubRate{rate: 100, eligible: true}, stubSiblings{}))
	require.Equal(t, GainUnit, FairShareWeight(stubRate{rate: 100, eligible: true}, stubSiblings{{rate: 100, eligible: false}}))
}
