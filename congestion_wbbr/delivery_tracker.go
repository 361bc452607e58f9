package congestion_wbbr

import (
	"time"

	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
)

// packetState is the delivery snapshot taken when a packet is sent. The
// snapshot, compared against the totals at ACK time, yields the delivery rate
// over the packet's flight.
type packetState struct {
	sentTime monotime.Time
	size     congestion.ByteCount
	// Connection totals and timestamps frozen at send time.
	deliveredAtSend     int64
	deliveredTimeAtSend monotime.Time
	firstSentTimeAtSend monotime.Time
	isAppLimited        bool
}

// DeliveryTracker keeps per-packet delivery bookkeeping and turns each ACK
// processing event into one RateSample. One tracker per connection, driven
// from the connection's own event path.
type DeliveryTracker struct {
	packets packetQueue[packetState]

	delivered     int64
	lost          int64
	deliveredTime monotime.Time
	firstSentTime monotime.Time

	lastSentPacket congestion.PacketNumber

	appLimited bool
	// Last packet sent while the sender was out of data. ACKs beyond it end
	// the application-limited phase.
	appLimitedEnd congestion.PacketNumber
}

// OnPacketSent records the delivery snapshot for an outgoing packet.
// inFlight is the bytes in flight before this packet.
func (t *DeliveryTracker) OnPacketSent(sentTime monotime.Time, packetNumber congestion.PacketNumber, size congestion.ByteCount, inFlight congestion.ByteCount) {
	if inFlight == 0 {
		// First packet of a flight: restart the delivery clock so the idle
		// gap is not counted as transfer time.
		t.firstSentTime = sentTime
		t.deliveredTime = sentTime
	}
	t.lastSentPacket = packetNumber
	t.packets.Add(packetNumber, packetState{
		sentTime:            sentTime,
		size:                size,
		deliveredAtSend:     t.delivered,
		deliveredTimeAtSend: t.deliveredTime,
		firstSentTimeAtSend: t.firstSentTime,
		isAppLimited:        t.appLimited,
	})
}

// OnAppLimited marks the delivery state application-limited: samples
// generated from packets sent from now until the phase ends understate the
// path capacity and are flagged as such.
func (t *DeliveryTracker) OnAppLimited() {
	t.appLimited = true
	t.appLimitedEnd = t.lastSentPacket
}

// IsAppLimited reports whether an application-limited phase is active.
func (t *DeliveryTracker) IsAppLimited() bool {
	return t.appLimited
}

// OnCongestionEvent consumes one ACK processing event and produces the rate
// sample it implies. The reference packet is the newly acknowledged packet
// that was sent with the most delivery progress behind it; the sample spans
// from that packet's send snapshot to now. hasSample is false for events that
// acknowledged nothing the tracker knew about.
func (t *DeliveryTracker) OnCongestionEvent(
	now monotime.Time,
	ackedPackets []congestion.AckedPacketInfo,
	lostPackets []congestion.LostPacketInfo,
	priorInFlight int64,
	rtt time.Duration,
) (rs RateSample, hasSample bool) {
	for _, p := range lostPackets {
		if t.packets.Remove(p.PacketNumber) {
			t.lost++
			rs.LostPackets++
		}
	}

	var ref packetState
	for _, p := range ackedPackets {
		state := t.packets.Get(p.PacketNumber)
		if state == nil {
			continue
		}
		t.delivered++
		t.deliveredTime = now
		if !hasSample || state.deliveredAtSend > ref.deliveredAtSend {
			ref = *state
			hasSample = true
		}
		rs.AckedPackets++
		t.packets.Remove(p.PacketNumber)
		if t.appLimited && p.PacketNumber > t.appLimitedEnd {
			t.appLimited = false
		}
	}
	if !hasSample {
		return rs, false
	}

	rs.PriorDelivered = ref.deliveredAtSend
	rs.Delivered = t.delivered - ref.deliveredAtSend
	rs.PriorInFlight = priorInFlight
	rs.RTT = rtt
	rs.IsAppLimited = ref.isAppLimited

	// The rate is limited by the slower of the send side and the ACK side.
	sendElapsed := ref.sentTime.Sub(ref.firstSentTimeAtSend)
	ackElapsed := now.Sub(ref.deliveredTimeAtSend)
	rs.Interval = Max(sendElapsed, ackElapsed)
	t.firstSentTime = ref.sentTime
	return rs, true
}

// RemoveObsolete drops bookkeeping for packets below leastUnacked, which the
// transport will never report on again.
func (t *DeliveryTracker) RemoveObsolete(leastUnacked congestion.PacketNumber) {
	t.packets.RemoveUpTo(leastUnacked)
}

// Delivered is the total packets delivered over the connection's lifetime.
func (t *DeliveryTracker) Delivered() int64 {
	return t.delivered
}

// Lost is the total packets marked lost over the connection's lifetime.
func (t *DeliveryTracker) Lost() int64 {
	return t.lost
}

// TrackedPackets is the number of in-flight packets with bookkeeping.
func (t *DeliveryTracker) TrackedPackets() int {
	return t.packets.Len()
}
