package congestion_wbbr

import (
	"math/rand"
	"testing"
	"time"

	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now monotime.Time
}

func (c *testClock) Now() monotime.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakeConn struct {
	smoothedRTT   time.Duration
	window        int64
	clamp         int64
	mss           congestion.ByteCount
	delivered     int64
	lost          int64
	inFlight      int64
	appLimited    bool
	pacingRate    uint64
	maxPacingRate uint64
	recovery      RecoveryState
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		clamp: 100000,
		mss:   1000,
	}
}

func (c *fakeConn) SmoothedRTT() time.Duration        { return c.smoothedRTT }
func (c *fakeConn) CongestionWindow() int64           { return c.window }
func (c *fakeConn) SetCongestionWindow(packets int64) { c.window = packets }
func (c *fakeConn) CongestionWindowClamp() int64      { return c.clamp }
func (c *fakeConn) MSS() congestion.ByteCount         { return c.mss }
func (c *fakeConn) DeliveredPackets() int64           { return c.delivered }
func (c *fakeConn) LostPacketsTotal() int64           { return c.lost }
func (c *fakeConn) PacketsInFlight() int64            { return c.inFlight }
func (c *fakeConn) MarkAppLimited()                   { c.appLimited = true }
func (c *fakeConn) PacingRate() uint64                { return c.pacingRate }
func (c *fakeConn) SetPacingRate(rate uint64)         { c.pacingRate = rate }
func (c *fakeConn) MaxPacingRate() uint64             { return c.maxPacingRate }
func (c *fakeConn) RecoveryState() RecoveryState      { return c.recovery }

func newTestSender(t *testing.T) (*Sender, *fakeConn, *testClock) {
	t.Helper()
	conn := newFakeConn()
	clock := &testClock{now: monotime.Time(time.Hour)}
	sender, err := NewSender(conn, DefaultConfig(), clock, rand.New(rand.NewSource(1)), nil, nil)
	require.NoError(t, err)
	return sender, conn, clock
}

// deliverRound feeds one rate sample spanning one packet-timed round.
func deliverRound(sender *Sender, conn *fakeConn, clock *testClock, delivered int64, interval, rtt time.Duration, lost int64) {
	prior := conn.delivered
	conn.delivered += delivered
	conn.lost += lost
	clock.Advance(interval)
	sender.OnRateSample(clock.Now(), RateSample{
		Delivered:      delivered,
		Interval:       interval,
		RTT:            rtt,
		PriorDelivered: prior,
		PriorInFlight:  conn.inFlight,
		AckedPackets:   delivered,
		LostPackets:    lost,
	})
}

func TestSenderConfigValidation(t *testing.T) {
	config := DefaultConfig()
	config.MinWindowPackets = 0
	_, err := NewSender(newFakeConn(), config, &testClock{}, nil, nil, nil)
	require.Error(t, err)
}

func TestStartupExitsToDrainAfterPlateau(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 50 * time.Millisecond
	conn.inFlight = 2000

	// Five rounds of doubling bandwidth keep the sender in Startup.
	for _, delivered := range []int64{10, 20, 40, 80, 160} {
		deliverRound(sender, conn, clock, delivered, 10*time.Millisecond, 50*time.Millisecond, 0)
		require.Equal(t, ModeStartup, sender.Mode())
	}

	// Two stalled rounds are not yet enough.
	deliverRound(sender, conn, clock, 160, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.Equal(t, ModeStartup, sender.Mode())
	deliverRound(sender, conn, clock, 160, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.Equal(t, ModeStartup, sender.Mode())

	// The third consecutive round without 25% growth fills the pipe.
	deliverRound(sender, conn, clock, 160, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.Equal(t, ModeDrain, sender.Mode())

	// Drain hands over to ProbeBW once the queue is gone, never back to
	// Startup and never into Drain again without a fresh Startup.
	conn.inFlight = 0
	deliverRound(sender, conn, clock, 160, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.Equal(t, ModeProbeBandwidth, sender.Mode())
}

func TestInvalidSampleIsIgnored(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 50 * time.Millisecond
	deliverRound(sender, conn, clock, 10, 10*time.Millisecond, 50*time.Millisecond, 0)

	before := *conn
	statsBefore := sender.Stats()

	sender.OnRateSample(clock.Now(), RateSample{Delivered: 10, Interval: 0, AckedPackets: 10})
	sender.OnRateSample(clock.Now(), RateSample{Delivered: -1, Interval: time.Millisecond, AckedPackets: 1})
	sender.OnRateSample(clock.Now(), RateSample{Delivered: 5, Interval: -time.Second, AckedPackets: 5})

	require.Equal(t, before, *conn)
	require.Equal(t, statsBefore, sender.Stats())
}

func TestTargetWindow(t *testing.T) {
	sender, _, _ := newTestSender(t)

	// Before any RTT observation the safe default applies.
	require.Equal(t, sender.config.InitialWindowPackets, sender.targetWindow(Bandwidth(BandwidthUnit), SteadyWindowGain))

	sender.minRTT = 50 * time.Millisecond
	sender.segsGoal = 2
	// One packet per microsecond over 50ms is a 50000 packet BDP, plus the
	// 3x segmentation allowance, rounded up to even.
	require.Equal(t, int64(50006), sender.targetWindow(Bandwidth(BandwidthUnit), GainUnit))
	// The gain scales the BDP.
	require.Equal(t, int64(100006), sender.targetWindow(Bandwidth(BandwidthUnit), SteadyWindowGain))
	// Fractional results round up.
	sender.minRTT = time.Millisecond
	sender.segsGoal = 0
	require.Equal(t, int64(4), sender.targetWindow(Bandwidth(1), GainUnit))
}

func TestPacingRateOnlyGrowsDuringStartup(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 50 * time.Millisecond

	deliverRound(sender, conn, clock, 100, 10*time.Millisecond, 50*time.Millisecond, 0)
	high := conn.pacingRate
	require.NotZero(t, high)

	// A transient low estimate while the pipe is still filling must not
	// throttle the flow.
	deliverRound(sender, conn, clock, 1, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.Equal(t, high, conn.pacingRate)
}

func TestPacingRateRespectsCeiling(t *testing.T) {
	conn := newFakeConn()
	conn.maxPacingRate = 1000
	clock := &testClock{now: monotime.Time(time.Hour)}
	sender, err := NewSender(conn, DefaultConfig(), clock, rand.New(rand.NewSource(1)), nil, nil)
	require.NoError(t, err)

	conn.smoothedRTT = 50 * time.Millisecond
	deliverRound(sender, conn, clock, 1000, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.LessOrEqual(t, conn.pacingRate, uint64(1000))
}

func TestProbeRTT(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 50 * time.Millisecond
	conn.inFlight = 100

	for _, delivered := range []int64{10, 20, 40, 80, 160} {
		deliverRound(sender, conn, clock, delivered, 10*time.Millisecond, 50*time.Millisecond, 0)
	}
	require.Equal(t, ModeStartup, sender.Mode())
	windowBefore := conn.window
	require.Greater(t, windowBefore, int64(4))

	// Let the min RTT window expire without a fresher, lower sample.
	clock.Advance(11 * time.Second)
	deliverRound(sender, conn, clock, 160, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.Equal(t, ModeProbeRTT, sender.Mode())
	require.Equal(t, int64(4), conn.window)
	require.True(t, conn.appLimited)
	require.GreaterOrEqual(t, sender.priorWindow, windowBefore)

	// The completion deadline arms once in-flight drains to the floor.
	conn.inFlight = 3
	deliverRound(sender, conn, clock, 4, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.Equal(t, ModeProbeRTT, sender.Mode())

	// 200ms plus a full round later the probe completes, the window is
	// restored, and the mode routes back through the reset decision.
	clock.Advance(250 * time.Millisecond)
	deliverRound(sender, conn, clock, 4, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.NotEqual(t, ModeProbeRTT, sender.Mode())
	require.NotEqual(t, ModeDrain, sender.Mode())
	require.GreaterOrEqual(t, conn.window, sender.priorWindow)
}

func TestProbeBandwidthGainCycle(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 10 * time.Millisecond
	conn.inFlight = 0

	// Drive through Startup and Drain.
	for _, delivered := range []int64{10, 20, 40, 80, 160, 160, 160, 160, 160} {
		deliverRound(sender, conn, clock, delivered, 10*time.Millisecond, 10*time.Millisecond, 0)
	}
	require.Equal(t, ModeProbeBandwidth, sender.Mode())
	require.Equal(t, SteadyWindowGain, sender.windowGain)

	// Over a full pass of the cycle every configured pacing gain appears.
	seen := make(map[Gain]bool)
	for i := 0; i < 2*CycleLength; i++ {
		seen[sender.pacingGain] = true
		conn.inFlight = sender.targetWindow(sender.bandwidth(), sender.pacingGain)
		deliverRound(sender, conn, clock, 160, 11*time.Millisecond, 10*time.Millisecond, 0)
	}
	require.True(t, seen[GainUnit*5/4])
	require.True(t, seen[GainUnit*3/4])
	require.True(t, seen[GainUnit])
}

func TestRecoveryWindowHandling(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 50 * time.Millisecond
	conn.inFlight = 20

	for i := 0; i < 4; i++ {
		deliverRound(sender, conn, clock, 20, 10*time.Millisecond, 50*time.Millisecond, 0)
	}
	windowBefore := conn.window

	// Loss detected: the transport enters recovery.
	saved := sender.OnEnterRecovery()
	require.Equal(t, windowBefore, saved)
	conn.recovery = RecoveryStateRecovery
	conn.inFlight = 10
	deliverRound(sender, conn, clock, 5, 10*time.Millisecond, 50*time.Millisecond, 3)
	// Packet conservation: in flight plus newly acked.
	require.Equal(t, int64(15), conn.window)

	// Recovery ends: the saved window is restored.
	conn.recovery = RecoveryStateOpen
	deliverRound(sender, conn, clock, 5, 10*time.Millisecond, 50*time.Millisecond, 0)
	require.GreaterOrEqual(t, conn.window, saved)
}

func TestRetransmissionTimeoutResetsPlateau(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 50 * time.Millisecond
	for i := 0; i < 3; i++ {
		deliverRound(sender, conn, clock, 20, 10*time.Millisecond, 50*time.Millisecond, 0)
	}
	require.NotZero(t, sender.fullBandwidth)

	sender.OnRetransmissionTimeout(clock.Now())
	require.Zero(t, sender.fullBandwidth)
	require.True(t, sender.roundStart)
	require.Equal(t, RecoveryStateLoss, sender.prevRecoveryState)
	// The synthetic loss starts a long-term sampling interval.
	require.True(t, sender.lt.isSampling)
}

func TestUndoWindow(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 50 * time.Millisecond
	for i := 0; i < 3; i++ {
		deliverRound(sender, conn, clock, 20, 10*time.Millisecond, 50*time.Millisecond, 0)
	}
	window := conn.window
	require.Equal(t, window, sender.UndoWindow())
	require.Zero(t, sender.fullBandwidth)
	require.Zero(t, sender.fullBandwidthCount)
	require.False(t, sender.lt.isSampling)
}

func TestStatsSnapshot(t *testing.T) {
	sender, conn, clock := newTestSender(t)
	conn.smoothedRTT = 50 * time.Millisecond
	deliverRound(sender, conn, clock, 100, 10*time.Millisecond, 50*time.Millisecond, 0)

	stats := sender.Stats()
	require.Equal(t, ModeStartup, stats.Mode)
	require.Equal(t, 50*time.Millisecond, stats.MinRTT)
	require.NotZero(t, stats.BandwidthBytesPerSecond)
	require.InDelta(t, 2.885, stats.PacingGain, 0.01)
	require.Equal(t, conn.window, stats.CongestionWindowPackets)
	require.Equal(t, stats.BandwidthBytesPerSecond, sender.InstantaneousRate())
}
