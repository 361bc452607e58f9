package congestion_wbbr

import (
	"time"

	"github.com/sagernet/quic-go/congestion"
)

// RecoveryState mirrors the transport's loss-recovery state as far as the
// congestion controller cares: whether the transport is operating normally,
// retransmitting after duplicate-ACK style loss detection, or recovering
// from a retransmission timeout.
type RecoveryState int

const (
	RecoveryStateOpen RecoveryState = iota
	RecoveryStateRecovery
	RecoveryStateLoss
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryStateOpen:
		return "OPEN"
	case RecoveryStateRecovery:
		return "RECOVERY"
	case RecoveryStateLoss:
		return "LOSS"
	default:
		return "UNKNOWN"
	}
}

// RateSample is one delivery-rate observation derived from an ACK processing
// event, produced by the transport (or by DeliveryTracker) and consumed
// read-only by the sender.
type RateSample struct {
	// Packets delivered over Interval.
	Delivered int64
	// The sampling interval. The larger of the send-side and ack-side
	// elapsed time, in microsecond granularity.
	Interval time.Duration
	// RTT observation for this sample. Zero or negative when absent.
	RTT time.Duration
	// Total delivered count recorded when the most recently sent of the
	// newly acknowledged packets was sent.
	PriorDelivered int64
	// Packets in flight before this event was processed.
	PriorInFlight int64
	// Packets newly acknowledged by this event.
	AckedPackets int64
	// Packets newly marked lost by this event.
	LostPackets int64
	// True if the sample was taken while the sender had no more data to
	// send, so it likely understates the path capacity.
	IsAppLimited bool
}

// valid reports whether the sample is a usable observation. Invalid samples
// are discarded without mutating any sender state.
func (rs *RateSample) valid() bool {
	return rs.Delivered >= 0 && rs.Interval > 0
}

// Connection is the surface of the transport's per-connection state consumed
// and driven by the sender. The congestion window is counted in packets, the
// pacing rate in bytes per second.
type Connection interface {
	// SmoothedRTT returns the transport's smoothed RTT estimate, or zero
	// when no RTT sample has been taken yet.
	SmoothedRTT() time.Duration
	CongestionWindow() int64
	SetCongestionWindow(packets int64)
	// CongestionWindowClamp is the administrative ceiling on the window.
	CongestionWindowClamp() int64
	MSS() congestion.ByteCount
	// DeliveredPackets is the total packets delivered over the lifetime of
	// the connection.
	DeliveredPackets() int64
	// LostPacketsTotal is the total packets marked lost over the lifetime
	// of the connection.
	LostPacketsTotal() int64
	PacketsInFlight() int64
	// MarkAppLimited tags the delivery state so that upcoming rate samples
	// are flagged application-limited. The sender uses it to keep the
	// deliberately low ProbeRTT rate out of the bandwidth filter.
	MarkAppLimited()
	PacingRate() uint64
	SetPacingRate(bytesPerSecond uint64)
	// MaxPacingRate is the administrative pacing ceiling in bytes per
	// second, or zero for unlimited.
	MaxPacingRate() uint64
	RecoveryState() RecoveryState
}
