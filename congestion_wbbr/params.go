package congestion_wbbr

import (
	"time"

	E "github.com/sagernet/sing/common/exceptions"
)

// Structural constants of the algorithm. Everything that is a tuning
// threshold rather than part of the control-loop shape lives in Config.
const (
	// HighGain is the pacing and window gain used in STARTUP, 2/ln(2) in
	// fixed point. It is the smallest pacing gain that doubles the sending
	// rate each round, matching the growth of an un-paced slow start.
	HighGain Gain = GainUnit*2885/1000 + 1

	// DrainGain is the inverse of HighGain, sized to drain in one round
	// the queue that STARTUP typically builds.
	DrainGain Gain = GainUnit * 1000 / 2885

	// SteadyWindowGain is the window gain outside STARTUP and DRAIN. The
	// factor of two tolerates delayed and stretched ACKs.
	SteadyWindowGain Gain = GainUnit * 2

	// CycleLength is the number of phases in the PROBE_BW pacing gain cycle.
	CycleLength = 8
)

// PacingGainCycle is the pacing gain sequence of the PROBE_BW cycle: probe
// above the estimate, drain the probe's queue, then cruise.
var PacingGainCycle = [CycleLength]Gain{
	GainUnit * 5 / 4,
	GainUnit * 3 / 4,
	GainUnit, GainUnit, GainUnit,
	GainUnit, GainUnit, GainUnit,
}

// Config carries the tunable parameters of the sender. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// BandwidthWindowRounds is the length of the max-bandwidth filter
	// window, in packet-timed rounds.
	BandwidthWindowRounds uint64
	// MinRTTWindow is the wall-clock window after which the min RTT
	// estimate expires and PROBE_RTT is scheduled.
	MinRTTWindow time.Duration
	// ProbeRTTDuration is the minimum time spent at the minimum window in
	// PROBE_RTT. Zero disables PROBE_RTT entirely.
	ProbeRTTDuration time.Duration
	// MinWindowPackets is the smallest congestion window the sender will
	// target. Four packets keep the pipe busy under every-other-packet
	// ACKing.
	MinWindowPackets int64
	// InitialWindowPackets is the default window used before any RTT
	// sample exists.
	InitialWindowPackets int64
	// FullBandwidthThreshold is the per-round growth factor below which a
	// STARTUP round counts as non-growing.
	FullBandwidthThreshold Gain
	// FullBandwidthRounds is the number of consecutive non-growing rounds
	// after which the pipe is judged full.
	FullBandwidthRounds int
	// CycleRand is the number of PROBE_BW phases the randomized entry
	// offset is drawn from.
	CycleRand int

	// LTMinIntervalRounds is the minimum length of a long-term sampling
	// interval, in rounds.
	LTMinIntervalRounds int64
	// LTMaxIntervalRounds is the length at which a long-term sampling
	// interval is abandoned as unqualifying.
	LTMaxIntervalRounds int64
	// LTLossThreshold is the minimum lost/delivered ratio, in 1/GainUnit
	// fractions, for a long-term interval to indicate policing.
	LTLossThreshold Gain
	// LTBandwidthRatio is the maximum relative difference, in 1/GainUnit
	// fractions, under which two consecutive interval bandwidths count as
	// consistent.
	LTBandwidthRatio Gain
	// LTBandwidthDiff is the absolute byte-rate difference under which two
	// consecutive interval bandwidths count as consistent, in bytes/s.
	LTBandwidthDiff uint64
	// LTMaxUseRounds is the number of rounds a detected policed rate is
	// used before probing resumes.
	LTMaxUseRounds int64
	// LTClockTick is the smallest measurable long-term interval duration.
	LTClockTick time.Duration

	// MinSegmentationRate is the pacing rate, in bits per second, below
	// which the segmentation goal stays at a single segment.
	MinSegmentationRate uint64
	// MaxSegmentsGoal caps the segments-per-packet goal.
	MaxSegmentsGoal int64
}

// DefaultConfig returns the standard parameter set.
func DefaultConfig() Config {
	return Config{
		BandwidthWindowRounds:  CycleLength + 2,
		MinRTTWindow:           10 * time.Second,
		ProbeRTTDuration:       200 * time.Millisecond,
		MinWindowPackets:       4,
		InitialWindowPackets:   10,
		FullBandwidthThreshold: GainUnit * 5 / 4,
		FullBandwidthRounds:    3,
		CycleRand:              CycleLength - 1,
		LTMinIntervalRounds:    4,
		LTMaxIntervalRounds:    16,
		LTLossThreshold:        50,
		LTBandwidthRatio:       GainUnit / 8,
		LTBandwidthDiff:        500,
		LTMaxUseRounds:         48,
		LTClockTick:            time.Millisecond,
		MinSegmentationRate:    1200 * 1000,
		MaxSegmentsGoal:        127,
	}
}

// Validate checks the configuration for values the control loop cannot
// operate with.
func (c Config) Validate() error {
	if c.BandwidthWindowRounds == 0 {
		return E.New("bandwidth filter window must cover at least one round")
	}
	if c.MinRTTWindow <= 0 {
		return E.New("min RTT window must be positive")
	}
	if c.MinWindowPackets <= 0 || c.InitialWindowPackets <= 0 {
		return E.New("window floors must be positive")
	}
	if c.FullBandwidthThreshold <= GainUnit {
		return E.New("full bandwidth threshold must exceed 1.0")
	}
	if c.FullBandwidthRounds <= 0 {
		return E.New("full bandwidth round count must be positive")
	}
	if c.CycleRand <= 0 || c.CycleRand >= CycleLength {
		return E.New("cycle randomization range must be within the gain cycle")
	}
	if c.LTMinIntervalRounds <= 0 || c.LTMaxIntervalRounds < c.LTMinIntervalRounds {
		return E.New("long-term sampling interval bounds are inverted")
	}
	if c.LTClockTick <= 0 {
		return E.New("long-term clock tick must be positive")
	}
	if c.MaxSegmentsGoal <= 0 {
		return E.New("segmentation goal cap must be positive")
	}
	return nil
}
