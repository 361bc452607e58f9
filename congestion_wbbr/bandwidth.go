package congestion_wbbr

import (
	"time"

	"github.com/sagernet/quic-go/congestion"
)

const (
	// BandwidthScale is the fixed-point shift applied to Bandwidth values.
	// A Bandwidth of 1<<BandwidthScale is one packet per microsecond, so the
	// resolution is ~715 bit/s at a 1500 byte MSS and, carried in a uint64,
	// the range covers sub-kilobit links up to multi-terabit paths.
	BandwidthScale = 24
	// BandwidthUnit is one packet per microsecond in Bandwidth units.
	BandwidthUnit = 1 << BandwidthScale

	// GainScale is the fixed-point shift applied to Gain values.
	GainScale = 8
	// GainUnit is a gain (or weight) of 1.0.
	GainUnit Gain = 1 << GainScale

	microsPerSecond = uint64(time.Second / time.Microsecond)
)

// Bandwidth is a delivery rate in packets per microsecond, scaled by
// 2^BandwidthScale. Delivery rates are stored packet-timed rather than in
// bytes so that round counting and window sizing share one unit.
type Bandwidth uint64

// Gain is a multiplicative factor in 1/GainUnit fractions, applied to a
// Bandwidth or a bandwidth-delay product.
type Gain uint32

// BandwidthFromDelivered computes a Bandwidth from a count of delivered
// packets over an interval. The delivered count is scaled up before the
// division so that rates far below one packet per microsecond survive
// integer arithmetic. Returns zero for empty or non-positive intervals.
func BandwidthFromDelivered(delivered int64, interval time.Duration) Bandwidth {
	micros := interval.Microseconds()
	if delivered <= 0 || micros <= 0 {
		return 0
	}
	return Bandwidth(uint64(delivered) << BandwidthScale / uint64(micros))
}

// IsZero returns true if the bandwidth is zero.
func (b Bandwidth) IsZero() bool {
	return b == 0
}

// Rate converts the bandwidth to bytes per second for packets of the given
// size, with a gain applied. The multiplication order keeps the intermediate
// values inside a uint64 for rates up to ~2.9 Tbit/s and gains up to 2.89.
func (b Bandwidth) Rate(packetSize congestion.ByteCount, gain Gain) uint64 {
	rate := uint64(b)
	rate *= uint64(packetSize)
	rate *= uint64(gain)
	rate >>= GainScale
	rate *= microsPerSecond
	return rate >> BandwidthScale
}

// ToBytesPerSecond converts the bandwidth to bytes per second for packets of
// the given size.
func (b Bandwidth) ToBytesPerSecond(packetSize congestion.ByteCount) uint64 {
	return b.Rate(packetSize, GainUnit)
}

// Mul applies another fixed-point factor to the gain.
func (g Gain) Mul(other Gain) Gain {
	return Gain(uint64(g) * uint64(other) >> GainScale)
}

// Float returns the gain as a plain fraction, for diagnostics only.
func (g Gain) Float() float64 {
	return float64(g) / float64(GainUnit)
}
