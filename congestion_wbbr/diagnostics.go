package congestion_wbbr

import "time"

// Mode is the operating mode of the sender's control loop.
type Mode int

const (
	// ModeStartup grows the sending rate exponentially to find the path
	// capacity.
	ModeStartup Mode = iota
	// ModeDrain removes the queue that ModeStartup built.
	ModeDrain
	// ModeProbeBandwidth cycles the pacing gain around the bandwidth
	// estimate in steady state.
	ModeProbeBandwidth
	// ModeProbeRTT periodically shrinks the window to re-measure the
	// unloaded round-trip time.
	ModeProbeRTT
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "STARTUP"
	case ModeDrain:
		return "DRAIN"
	case ModeProbeBandwidth:
		return "PROBE_BW"
	case ModeProbeRTT:
		return "PROBE_RTT"
	default:
		return "INVALID"
	}
}

// ConnectionStats is a read-only snapshot of the sender's model, for
// telemetry. Reading it has no effect on the control loop.
type ConnectionStats struct {
	// Mode the sender was in when the snapshot was taken.
	Mode Mode
	// Bandwidth estimate converted to bytes per second at the current
	// packet size.
	BandwidthBytesPerSecond uint64
	// MinRTT is the windowed minimum round-trip time, zero when no RTT has
	// been observed yet.
	MinRTT time.Duration
	// PacingGain and WindowGain currently applied, as plain fractions.
	PacingGain float64
	WindowGain float64
	// FullBandwidthReached reports whether the startup growth plateau was
	// detected.
	FullBandwidthReached bool
	// UsingLongTermBandwidth reports whether a policed-rate lock is active.
	UsingLongTermBandwidth bool
	// CongestionWindowPackets is the window most recently written to the
	// connection.
	CongestionWindowPackets int64
	// SegmentsGoal is the current segmentation goal.
	SegmentsGoal int64
}
