package congestion_wbbr

import (
	"math/rand"
	"time"

	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
	"github.com/sagernet/sing/common/logger"
)

// DefaultCongestionWindowClamp is the administrative ceiling applied to the
// congestion window when the caller does not set one, in packets.
const DefaultCongestionWindowClamp = 10000

// QUICSender adapts the core Sender to quic-go's congestion control surface.
// It owns the per-connection transport state the core reads and writes: the
// window, the pacing rate, delivery bookkeeping and the recovery state
// derived from ACK and loss events.
type QUICSender struct {
	sender  *Sender
	tracker DeliveryTracker
	pacer   *Pacer
	clock   Clock

	rttStats congestion.RTTStatsProvider

	maxDatagramSize congestion.ByteCount

	congestionWindow int64 // packets
	windowClamp      int64
	pacingRate       uint64
	maxPacingRate    uint64

	packetsInFlight int64
	lastSentPacket  congestion.PacketNumber

	recoveryState RecoveryState
	endRecoveryAt congestion.PacketNumber
}

var (
	_ congestion.CongestionControlEx = (*QUICSender)(nil)
	_ Connection                     = (*QUICSender)(nil)
)

// NewQUICSender creates a sender for one QUIC connection. siblings may be nil
// for a single-path connection; random may be nil for a time-seeded source;
// logger may be nil for silence.
func NewQUICSender(clock Clock, config Config, initialMaxDatagramSize congestion.ByteCount, siblings SiblingSet, random *rand.Rand, logger logger.Logger) (*QUICSender, error) {
	q := &QUICSender{
		clock:           clock,
		maxDatagramSize: initialMaxDatagramSize,
		windowClamp:     DefaultCongestionWindowClamp,
	}
	q.pacer = NewPacer(func() uint64 {
		return q.pacingRate
	})
	sender, err := NewSender(q, config, clock, random, siblings, logger)
	if err != nil {
		return nil, err
	}
	q.sender = sender
	return q, nil
}

// Sender returns the core congestion control engine, for telemetry and
// multipath grouping.
func (q *QUICSender) Sender() *Sender {
	return q.sender
}

// SetCongestionWindowClamp sets the administrative window ceiling in packets.
func (q *QUICSender) SetCongestionWindowClamp(packets int64) {
	if packets > 0 {
		q.windowClamp = packets
	}
}

// SetMaxPacingRate sets the administrative pacing ceiling in bytes per
// second, zero for unlimited.
func (q *QUICSender) SetMaxPacingRate(bytesPerSecond uint64) {
	q.maxPacingRate = bytesPerSecond
}

// SetRTTStatsProvider sets the RTT stats provider.
func (q *QUICSender) SetRTTStatsProvider(provider congestion.RTTStatsProvider) {
	q.rttStats = provider
}

// TimeUntilSend returns the time until the next packet can be sent.
func (q *QUICSender) TimeUntilSend(bytesInFlight congestion.ByteCount) monotime.Time {
	return q.pacer.TimeUntilSend()
}

// HasPacingBudget returns whether the pacer has budget to send.
func (q *QUICSender) HasPacingBudget(now monotime.Time) bool {
	return q.pacer.Budget(now) >= q.maxDatagramSize
}

// OnPacketSent is called when a packet is sent.
func (q *QUICSender) OnPacketSent(
	sentTime monotime.Time,
	bytesInFlight congestion.ByteCount,
	packetNumber congestion.PacketNumber,
	bytes congestion.ByteCount,
	isRetransmittable bool,
) {
	if bytesInFlight == 0 && q.tracker.IsAppLimited() {
		q.sender.OnExitQuiescence()
	}
	q.pacer.OnPacketSent(sentTime, bytes)
	q.lastSentPacket = packetNumber
	if !isRetransmittable {
		return
	}
	q.packetsInFlight++
	q.tracker.OnPacketSent(sentTime, packetNumber, bytes, bytesInFlight)
}

// CanSend returns whether the sender can send more data.
func (q *QUICSender) CanSend(bytesInFlight congestion.ByteCount) bool {
	return bytesInFlight < q.GetCongestionWindow()
}

// MaybeExitSlowStart is not used: Startup exit is bandwidth-driven.
func (q *QUICSender) MaybeExitSlowStart() {}

// OnPacketAcked is not used (OnCongestionEventEx carries the ACK data).
func (q *QUICSender) OnPacketAcked(number congestion.PacketNumber, ackedBytes congestion.ByteCount, priorInFlight congestion.ByteCount, eventTime monotime.Time) {
}

// OnCongestionEvent is not used (OnCongestionEventEx carries the loss data).
func (q *QUICSender) OnCongestionEvent(number congestion.PacketNumber, lostBytes congestion.ByteCount, priorInFlight congestion.ByteCount) {
}

// OnCongestionEventEx is called when packets are acked or lost. It derives
// the recovery state, produces the event's rate sample and runs one control
// loop update.
func (q *QUICSender) OnCongestionEventEx(
	priorInFlight congestion.ByteCount,
	eventTime monotime.Time,
	ackedPackets []congestion.AckedPacketInfo,
	lostPackets []congestion.LostPacketInfo,
) {
	if len(lostPackets) > 0 && q.recoveryState == RecoveryStateOpen {
		// Save the pre-cut window before the state change becomes visible
		// to the control loop.
		q.sender.OnEnterRecovery()
		q.recoveryState = RecoveryStateRecovery
		q.endRecoveryAt = q.lastSentPacket
	} else if len(ackedPackets) > 0 && len(lostPackets) == 0 &&
		q.recoveryState != RecoveryStateOpen &&
		ackedPackets[len(ackedPackets)-1].PacketNumber > q.endRecoveryAt {
		q.recoveryState = RecoveryStateOpen
	}

	priorInFlightPackets := int64(priorInFlight / q.maxDatagramSize)
	var rtt time.Duration
	if q.rttStats != nil {
		rtt = q.rttStats.LatestRTT()
	}
	rs, hasSample := q.tracker.OnCongestionEvent(eventTime, ackedPackets, lostPackets, priorInFlightPackets, rtt)
	q.packetsInFlight = Max(q.packetsInFlight-rs.AckedPackets-rs.LostPackets, 0)
	if hasSample {
		q.sender.OnRateSample(eventTime, rs)
	}
}

// OnRetransmissionTimeout is called on a PTO that retransmitted data.
func (q *QUICSender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	if !packetsRetransmitted {
		return
	}
	q.recoveryState = RecoveryStateLoss
	q.endRecoveryAt = q.lastSentPacket
	q.sender.OnRetransmissionTimeout(q.clock.Now())
}

// OnPacketsLost is called with the lowest packet number still awaiting an
// ACK; older bookkeeping can be dropped.
func (q *QUICSender) OnPacketsLost(leastUnacked congestion.PacketNumber) {
	q.tracker.RemoveObsolete(leastUnacked)
}

// OnAppLimited is called when the application has no data to send.
func (q *QUICSender) OnAppLimited(bytesInFlight congestion.ByteCount) {
	if bytesInFlight >= q.GetCongestionWindow() {
		return
	}
	q.tracker.OnAppLimited()
}

// SetMaxDatagramSize sets the maximum datagram size.
func (q *QUICSender) SetMaxDatagramSize(size congestion.ByteCount) {
	if size < q.maxDatagramSize {
		panic("cannot decrease max datagram size")
	}
	q.maxDatagramSize = size
	q.pacer.SetMaxDatagramSize(size)
}

// InSlowStart reports whether the sender is still in its startup phase.
func (q *QUICSender) InSlowStart() bool {
	return q.sender.Mode() == ModeStartup
}

// InRecovery reports whether a loss episode is being recovered from.
func (q *QUICSender) InRecovery() bool {
	return q.recoveryState != RecoveryStateOpen
}

// GetCongestionWindow returns the congestion window in bytes.
func (q *QUICSender) GetCongestionWindow() congestion.ByteCount {
	return congestion.ByteCount(q.congestionWindow) * q.maxDatagramSize
}

// Stats returns a telemetry snapshot of the model. Safe for concurrent
// reads.
func (q *QUICSender) Stats() ConnectionStats {
	return q.sender.Stats()
}

// Connection surface consumed by the core sender.

func (q *QUICSender) SmoothedRTT() time.Duration {
	if q.rttStats == nil {
		return 0
	}
	return q.rttStats.SmoothedRTT()
}

func (q *QUICSender) CongestionWindow() int64 {
	return q.congestionWindow
}

func (q *QUICSender) SetCongestionWindow(packets int64) {
	q.congestionWindow = packets
}

func (q *QUICSender) CongestionWindowClamp() int64 {
	return q.windowClamp
}

func (q *QUICSender) MSS() congestion.ByteCount {
	return q.maxDatagramSize
}

func (q *QUICSender) DeliveredPackets() int64 {
	return q.tracker.Delivered()
}

func (q *QUICSender) LostPacketsTotal() int64 {
	return q.tracker.Lost()
}

func (q *QUICSender) PacketsInFlight() int64 {
	return q.packetsInFlight
}

func (q *QUICSender) MarkAppLimited() {
	q.tracker.OnAppLimited()
}

func (q *QUICSender) PacingRate() uint64 {
	return q.pacingRate
}

func (q *QUICSender) SetPacingRate(bytesPerSecond uint64) {
	q.pacingRate = bytesPerSecond
}

func (q *QUICSender) MaxPacingRate() uint64 {
	return q.maxPacingRate
}

func (q *QUICSender) RecoveryState() RecoveryState {
	return q.recoveryState
}
