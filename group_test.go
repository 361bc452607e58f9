package mptcp

import (
	"testing"
	"time"

	"github.com/yanjijinxiao/mptcp/congestion_wbbr"

	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
	"github.com/stretchr/testify/require"
)

func TestGroupMembership(t *testing.T) {
	group := NewGroup()
	first := group.Add()
	second := group.Add()
	require.NotEqual(t, first.ID(), second.ID())

	var count int
	group.Range(func(congestion_wbbr.RateSource) bool {
		count++
		return true
	})
	require.Equal(t, 2, count)

	require.NoError(t, first.Close())
	count = 0
	group.Range(func(congestion_wbbr.RateSource) bool {
		count++
		return true
	})
	require.Equal(t, 1, count)
}

func TestSubflowEligibility(t *testing.T) {
	group := NewGroup()
	subflow := group.Add()
	require.True(t, subflow.SendEligible())
	subflow.SetSendEligible(false)
	require.False(t, subflow.SendEligible())
}

func TestSubflowRateBeforeBind(t *testing.T) {
	group := NewGroup()
	subflow := group.Add()
	require.Zero(t, subflow.InstantaneousRate())
	stats := group.Stats()
	require.Len(t, stats, 1)
	require.Zero(t, stats[0].BandwidthBytesPerSecond)
}

type fixedClock monotime.Time

func (c fixedClock) Now() monotime.Time {
	return monotime.Time(c)
}

// driveSubflow attaches a sender to the subflow and pushes one round of
// delivery through it at roughly the given packet rate per 10ms.
func driveSubflow(t *testing.T, group *Group, subflow *Subflow, packets int) *congestion_wbbr.QUICSender {
	t.Helper()
	sender, err := congestion_wbbr.NewQUICSender(
		fixedClock(monotime.Time(time.Hour)),
		congestion_wbbr.DefaultConfig(), 1200, group, nil, nil)
	require.NoError(t, err)
	subflow.Bind(sender.Sender())

	now := monotime.Time(time.Hour)
	var acked []congestion.AckedPacketInfo
	for pn := congestion.PacketNumber(0); pn < congestion.PacketNumber(packets); pn++ {
		sender.OnPacketSent(now, congestion.ByteCount(pn)*1200, pn, 1200, true)
		acked = append(acked, congestion.AckedPacketInfo{PacketNumber: pn, BytesAcked: 1200})
	}
	sender.OnCongestionEventEx(congestion.ByteCount(packets)*1200, now.Add(10*time.Millisecond), acked, nil)
	return sender
}

func TestGroupPublishesRates(t *testing.T) {
	group := NewGroup()
	slow := group.Add()
	fast := group.Add()

	driveSubflow(t, group, slow, 5)
	driveSubflow(t, group, fast, 15)

	require.NotZero(t, slow.InstantaneousRate())
	require.Greater(t, fast.InstantaneousRate(), slow.InstantaneousRate())

	stats := group.Stats()
	require.Len(t, stats, 2)
	for _, entry := range stats {
		require.True(t, entry.Eligible)
		require.NotZero(t, entry.BandwidthBytesPerSecond)
	}
}
