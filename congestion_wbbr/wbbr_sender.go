package congestion_wbbr

import (
	"math/rand"
	"time"

	"github.com/sagernet/quic-go/monotime"
	"github.com/sagernet/sing/common/atomic"
	"github.com/sagernet/sing/common/logger"
)

// SndbufExpandFactor is the send-buffer sizing hint: the transport should
// provision roughly this many windows of buffer, covering the sender queue,
// the segmentation stage and receiver reassembly.
const SndbufExpandFactor = 3

// Sender is the congestion control engine for one connection. It maintains a
// model of the path (max bandwidth over a window of rounds, min RTT over a
// wall-clock window), runs the Startup/Drain/ProbeBW/ProbeRTT control loop,
// and writes a congestion window and pacing rate back to the connection on
// every rate sample.
//
// All methods except InstantaneousRate, SendEligible and Stats must be called
// from the connection's own event path, one event at a time.
type Sender struct {
	conn     Connection
	config   Config
	clock    Clock
	random   *rand.Rand
	logger   logger.Logger
	siblings SiblingSet

	// Time of the rate sample currently being processed.
	now monotime.Time

	maxBandwidth *WindowedFilter[Bandwidth]
	minRTT       time.Duration // 0 = no RTT observed yet
	minRTTStamp  monotime.Time

	roundCount         uint64
	roundStart         bool
	nextRoundDelivered int64

	mode       Mode
	pacingGain Gain
	windowGain Gain
	cycleIndex int
	cycleStamp monotime.Time

	fullBandwidth      Bandwidth
	fullBandwidthCount int

	probeRTTDoneStamp monotime.Time
	probeRTTRoundDone bool
	idleRestart       bool
	hasSeenRTT        bool

	lt ltSampler

	priorWindow        int64
	packetConservation bool
	restoreWindow      bool
	prevRecoveryState  RecoveryState

	segsGoal int64

	// Published for sibling subflows and telemetry, safe for concurrent
	// reads against this sender's own updates.
	instantRate atomic.Uint64
	stats       atomic.TypedValue[ConnectionStats]
}

// NewSender creates a sender driving conn. The random source seeds the
// ProbeBW cycle-phase randomization; nil means time-seeded. siblings may be
// nil for a single-path connection, and logger may be nil for silence.
func NewSender(conn Connection, config Config, clock Clock, random *rand.Rand, siblings SiblingSet, logger logger.Logger) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = DefaultClock{}
	}
	if random == nil {
		random = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Sender{
		conn:         conn,
		config:       config,
		clock:        clock,
		random:       random,
		logger:       logger,
		siblings:     siblings,
		maxBandwidth: NewWindowedFilter[Bandwidth](config.BandwidthWindowRounds, MaxEstimator[Bandwidth]),
	}
	s.now = clock.Now()
	s.minRTTStamp = s.now
	s.resetLTSampling()
	s.resetStartupMode()
	conn.SetCongestionWindow(config.InitialWindowPackets)
	s.initPacingRateFromRTT()
	s.storeStats()
	return s, nil
}

// bandwidth returns the model's effective bandwidth estimate: the policed
// rate while locked, else the windowed maximum.
func (s *Sender) bandwidth() Bandwidth {
	if s.lt.useBandwidth {
		return s.lt.bandwidth
	}
	return s.maxBandwidth.GetBest()
}

// OnRateSample runs one full control-loop update. Invalid samples are
// discarded without touching any state.
func (s *Sender) OnRateSample(now monotime.Time, rs RateSample) {
	if !rs.valid() {
		return
	}
	s.now = now
	s.updateModel(&rs)
	bandwidth := s.bandwidth()
	s.instantRate.Store(bandwidth.ToBytesPerSecond(s.conn.MSS()))
	s.setPacingRate(bandwidth, s.pacingGain.Mul(FairShareWeight(s, s.siblings)))
	s.updateSegmentsGoal()
	s.setWindow(&rs, rs.AckedPackets, bandwidth)
	s.storeStats()
}

func (s *Sender) updateModel(rs *RateSample) {
	s.updateBandwidth(rs)
	s.updateCyclePhase(rs)
	s.checkFullBandwidthReached(rs)
	s.checkDrain()
	s.updateMinRTT(rs)
}

// updateBandwidth detects round boundaries, runs the long-term sampler, and
// feeds the sample's delivery rate into the max filter. Application-limited
// samples may only raise the estimate, never lower it.
func (s *Sender) updateBandwidth(rs *RateSample) {
	s.roundStart = false
	if rs.PriorDelivered >= s.nextRoundDelivered {
		s.nextRoundDelivered = s.conn.DeliveredPackets()
		s.roundCount++
		s.roundStart = true
		s.packetConservation = false
	}

	s.ltSampling(rs)

	bandwidth := BandwidthFromDelivered(rs.Delivered, rs.Interval)
	if !rs.IsAppLimited || bandwidth >= s.maxBandwidth.GetBest() {
		s.maxBandwidth.Update(bandwidth, s.roundCount)
	}
}

// updateCyclePhase advances the ProbeBW gain cycle when the current phase has
// run its course.
func (s *Sender) updateCyclePhase(rs *RateSample) {
	if s.mode != ModeProbeBandwidth || !s.isNextCyclePhase(rs) {
		return
	}
	s.advanceCyclePhase()
}

func (s *Sender) isNextCyclePhase(rs *RateSample) bool {
	isFullLength := s.now.Sub(s.cycleStamp) > s.minRTT
	if s.pacingGain == GainUnit {
		return isFullLength
	}
	if s.pacingGain > GainUnit {
		// A probing phase ends once it has lasted a min RTT and either
		// produced loss or filled the pipe to the inflated target.
		return isFullLength &&
			(rs.LostPackets > 0 || rs.PriorInFlight >= s.targetWindow(s.maxBandwidth.GetBest(), s.pacingGain))
	}
	// A draining phase may end early, as soon as the queue it is meant to
	// remove is gone.
	return isFullLength || rs.PriorInFlight <= s.targetWindow(s.maxBandwidth.GetBest(), GainUnit)
}

func (s *Sender) advanceCyclePhase() {
	s.cycleIndex = (s.cycleIndex + 1) & (CycleLength - 1)
	s.cycleStamp = s.now
	if s.lt.useBandwidth {
		s.pacingGain = GainUnit
	} else {
		s.pacingGain = PacingGainCycle[s.cycleIndex]
	}
}

// checkFullBandwidthReached tracks the Startup growth plateau: once per
// non-app-limited round, require 25% growth over the recorded plateau, and
// after enough stalled rounds judge the pipe full.
func (s *Sender) checkFullBandwidthReached(rs *RateSample) {
	if s.fullBandwidthReached() || !s.roundStart || rs.IsAppLimited {
		return
	}
	threshold := Bandwidth(uint64(s.fullBandwidth) * uint64(s.config.FullBandwidthThreshold) >> GainScale)
	if best := s.maxBandwidth.GetBest(); best >= threshold {
		s.fullBandwidth = best
		s.fullBandwidthCount = 0
		return
	}
	s.fullBandwidthCount++
}

func (s *Sender) fullBandwidthReached() bool {
	return s.fullBandwidthCount >= s.config.FullBandwidthRounds
}

func (s *Sender) checkDrain() {
	if s.mode == ModeStartup && s.fullBandwidthReached() {
		s.mode = ModeDrain
		s.pacingGain = DrainGain
		s.windowGain = HighGain
		if s.logger != nil {
			s.logger.Debug("entered DRAIN, bandwidth ", s.bandwidth().ToBytesPerSecond(s.conn.MSS()), " bytes/s")
		}
	}
	if s.mode == ModeDrain && s.conn.PacketsInFlight() <= s.targetWindow(s.bandwidth(), GainUnit) {
		s.resetProbeBandwidthMode()
	}
}

// updateMinRTT refreshes the windowed minimum RTT and runs the ProbeRTT
// entry/exit machinery when the window has gone stale.
func (s *Sender) updateMinRTT(rs *RateSample) {
	filterExpired := s.now.After(s.minRTTStamp.Add(s.config.MinRTTWindow))
	if rs.RTT > 0 && (s.minRTT == 0 || rs.RTT <= s.minRTT || filterExpired) {
		s.minRTT = rs.RTT
		s.minRTTStamp = s.now
	}

	if s.config.ProbeRTTDuration > 0 && filterExpired &&
		!s.idleRestart && s.mode != ModeProbeRTT {
		s.mode = ModeProbeRTT
		s.pacingGain = GainUnit
		s.windowGain = GainUnit
		s.saveWindow()
		s.probeRTTDoneStamp = 0
		if s.logger != nil {
			s.logger.Debug("entered PROBE_RTT, min RTT ", s.minRTT)
		}
	}

	if s.mode == ModeProbeRTT {
		// Keep the deliberately low rate of this phase out of the
		// bandwidth filter.
		s.conn.MarkAppLimited()
		if s.probeRTTDoneStamp.IsZero() {
			if s.conn.PacketsInFlight() <= s.config.MinWindowPackets {
				s.probeRTTDoneStamp = s.now.Add(s.config.ProbeRTTDuration)
				s.probeRTTRoundDone = false
				s.nextRoundDelivered = s.conn.DeliveredPackets()
			}
		} else {
			if s.roundStart {
				s.probeRTTRoundDone = true
			}
			if s.probeRTTRoundDone && s.now.After(s.probeRTTDoneStamp) {
				s.minRTTStamp = s.now
				s.conn.SetCongestionWindow(Max(s.conn.CongestionWindow(), s.priorWindow))
				s.resetMode()
			}
		}
	}

	if rs.Delivered > 0 {
		s.idleRestart = false
	}
}

func (s *Sender) resetMode() {
	if !s.fullBandwidthReached() {
		s.resetStartupMode()
	} else {
		s.resetProbeBandwidthMode()
	}
}

func (s *Sender) resetStartupMode() {
	s.mode = ModeStartup
	s.pacingGain = HighGain
	s.windowGain = HighGain
}

func (s *Sender) resetProbeBandwidthMode() {
	s.mode = ModeProbeBandwidth
	s.windowGain = SteadyWindowGain
	// Randomize the entry phase, skipping the probing phase, so parallel
	// flows do not synchronize their probes.
	s.cycleIndex = CycleLength - 1 - s.random.Intn(s.config.CycleRand)
	s.advanceCyclePhase()
	if s.logger != nil {
		s.logger.Debug("entered PROBE_BW at phase ", s.cycleIndex)
	}
}

// targetWindow computes the window, in packets, needed to keep a
// gain-scaled bandwidth-delay product in flight. Before any RTT observation
// it falls back to the initial window, so a timeout-collapsed window cannot
// seed runaway growth from a garbage BDP.
func (s *Sender) targetWindow(bandwidth Bandwidth, gain Gain) int64 {
	if s.minRTT == 0 {
		return s.config.InitialWindowPackets
	}
	bdp := uint64(bandwidth) * uint64(s.minRTT.Microseconds())
	window := int64((bdp*uint64(gain)>>GainScale + BandwidthUnit - 1) >> BandwidthScale)
	// Headroom of full-size packets across the send queue, segmentation
	// stage and receiver reassembly.
	window += SndbufExpandFactor * s.segsGoal
	// Round up to even, tolerating every-other-packet ACKing.
	window = (window + 1) &^ 1
	return Max(window, s.config.MinWindowPackets)
}

// initPacingRateFromRTT seeds the pacing rate from the current window and
// the smoothed RTT, or a 1ms nominal RTT before the first sample.
func (s *Sender) initPacingRateFromRTT() {
	rtt := s.conn.SmoothedRTT()
	if rtt > 0 {
		s.hasSeenRTT = true
	} else {
		rtt = time.Millisecond
	}
	bandwidth := BandwidthFromDelivered(s.conn.CongestionWindow(), rtt)
	rate := bandwidth.Rate(s.conn.MSS(), HighGain)
	if maxRate := s.conn.MaxPacingRate(); maxRate > 0 && rate > maxRate {
		rate = maxRate
	}
	s.conn.SetPacingRate(rate)
}

// setPacingRate applies the gain-scaled rate. Once the pipe has been judged
// full the externally visible rate may only increase, so a transient
// underestimate cannot throttle an established flow.
func (s *Sender) setPacingRate(bandwidth Bandwidth, gain Gain) {
	rate := bandwidth.Rate(s.conn.MSS(), gain)
	if maxRate := s.conn.MaxPacingRate(); maxRate > 0 && rate > maxRate {
		rate = maxRate
	}
	if !s.hasSeenRTT && s.conn.SmoothedRTT() > 0 {
		s.initPacingRateFromRTT()
	}
	if s.fullBandwidthReached() || rate > s.conn.PacingRate() {
		s.conn.SetPacingRate(rate)
	}
}

// updateSegmentsGoal derives the segmentation goal from the pacing rate:
// a single segment on slow paths, otherwise roughly one pacing-millisecond
// worth of segments, capped.
func (s *Sender) updateSegmentsGoal() {
	rate := s.conn.PacingRate()
	var minSegs int64 = 2
	if rate*8 < s.config.MinSegmentationRate {
		minSegs = 1
	}
	segs := int64(rate / uint64(s.conn.MSS()) / uint64(time.Second/time.Millisecond))
	s.segsGoal = Min(Max(segs, minSegs), s.config.MaxSegmentsGoal)
}

// saveWindow records the live window so it can be restored after recovery or
// ProbeRTT. While already cut, it only ever raises the saved value, so a good
// window seen before the cut is never forgotten.
func (s *Sender) saveWindow() {
	if s.prevRecoveryState < RecoveryStateRecovery && s.mode != ModeProbeRTT {
		s.priorWindow = s.conn.CongestionWindow()
	} else {
		s.priorWindow = Max(s.priorWindow, s.conn.CongestionWindow())
	}
}

// recoverOrRestoreWindow handles the loss-recovery overrides of the window
// update. It returns the adjusted window and whether packet conservation is
// in effect, which suppresses normal growth.
func (s *Sender) recoverOrRestoreWindow(rs *RateSample, acked, window int64) (int64, bool) {
	state := s.conn.RecoveryState()
	prevState := s.prevRecoveryState

	// An ACK for P packets should release at most 2P packets: deduct the
	// losses here, then grow back toward the target below.
	if rs.LostPackets > 0 {
		window = Max(window-rs.LostPackets, 1)
	}

	if state == RecoveryStateRecovery && prevState != RecoveryStateRecovery {
		// First round of recovery: conserve packets and cut window
		// inflation left over from idle or app-limited behavior.
		s.packetConservation = true
		s.nextRoundDelivered = s.conn.DeliveredPackets()
		window = s.conn.PacketsInFlight() + acked
	} else if prevState >= RecoveryStateRecovery && state < RecoveryStateRecovery {
		s.restoreWindow = true
		s.packetConservation = false
	}
	s.prevRecoveryState = state

	if s.restoreWindow {
		window = Max(window, s.priorWindow)
		s.restoreWindow = false
	}

	if s.packetConservation {
		return Max(window, s.conn.PacketsInFlight()+acked), true
	}
	return window, false
}

// setWindow moves the congestion window toward the gain-scaled target,
// subject to the recovery overrides and the ProbeRTT cap.
func (s *Sender) setWindow(rs *RateSample, acked int64, bandwidth Bandwidth) {
	window := s.conn.CongestionWindow()
	if acked > 0 {
		var conservation bool
		window, conservation = s.recoverOrRestoreWindow(rs, acked, window)
		if !conservation {
			target := s.targetWindow(bandwidth, s.windowGain)
			if s.fullBandwidthReached() {
				// Only approach the target slowly once the pipe is
				// known full; never exceed it.
				window = Min(window+acked, target)
			} else if window < target || s.conn.DeliveredPackets() < s.config.InitialWindowPackets {
				window += acked
			}
			window = Max(window, s.config.MinWindowPackets)
		}
	}
	if clamp := s.conn.CongestionWindowClamp(); clamp > 0 {
		window = Min(window, clamp)
	}
	if s.mode == ModeProbeRTT {
		window = Min(window, s.config.MinWindowPackets)
	}
	s.conn.SetCongestionWindow(window)
}

// OnEnterRecovery notes the window in effect as loss recovery begins and
// returns it as the undo value. Call before the recovery state visible
// through the Connection changes.
func (s *Sender) OnEnterRecovery() int64 {
	s.saveWindow()
	return s.priorWindow
}

// OnRetransmissionTimeout handles a loss-recovery timeout: the bandwidth
// plateau is forgotten, the timeout counts as a round boundary, and the
// long-term sampler sees a synthetic one-loss sample so that consecutive
// timeouts still register as policing.
func (s *Sender) OnRetransmissionTimeout(now monotime.Time) {
	s.now = now
	s.saveWindow()
	s.prevRecoveryState = RecoveryStateLoss
	s.fullBandwidth = 0
	s.roundStart = true
	rs := RateSample{LostPackets: 1}
	s.ltSampling(&rs)
}

// OnExitQuiescence notes that transmission restarted after an
// application-limited idle period. ProbeRTT entry is suppressed until fresh
// delivery data arrives, and in ProbeBW the pacing rate is refreshed at unity
// gain, avoiding a pointless burst at a probing gain.
func (s *Sender) OnExitQuiescence() {
	s.idleRestart = true
	if s.mode == ModeProbeBandwidth {
		s.setPacingRate(s.bandwidth(), GainUnit)
	}
}

// UndoWindow reverts the model after the transport decides a loss episode
// was spurious, and returns the window to resume with.
func (s *Sender) UndoWindow() int64 {
	s.fullBandwidth = 0
	s.fullBandwidthCount = 0
	s.resetLTSampling()
	return s.conn.CongestionWindow()
}

// Mode returns the current operating mode.
func (s *Sender) Mode() Mode {
	return s.mode
}

// SegmentsGoal returns the current segmentation goal, in segments per
// outgoing unit.
func (s *Sender) SegmentsGoal() int64 {
	return s.segsGoal
}

// InstantaneousRate returns the latest effective bandwidth estimate in bytes
// per second. Safe for concurrent reads.
func (s *Sender) InstantaneousRate() uint64 {
	return s.instantRate.Load()
}

// SendEligible reports whether this sender participates in fair-share
// weighting. A standalone sender is always eligible; a multipath subflow
// wrapper overrides this with its own eligibility.
func (s *Sender) SendEligible() bool {
	return true
}

func (s *Sender) storeStats() {
	s.stats.Store(ConnectionStats{
		Mode:                    s.mode,
		BandwidthBytesPerSecond: s.bandwidth().ToBytesPerSecond(s.conn.MSS()),
		MinRTT:                  s.minRTT,
		PacingGain:              s.pacingGain.Float(),
		WindowGain:              s.windowGain.Float(),
		FullBandwidthReached:    s.fullBandwidthReached(),
		UsingLongTermBandwidth:  s.lt.useBandwidth,
		CongestionWindowPackets: s.conn.CongestionWindow(),
		SegmentsGoal:            s.segsGoal,
	})
}

// Stats returns a telemetry snapshot of the model. Safe for concurrent
// reads.
func (s *Sender) Stats() ConnectionStats {
	return s.stats.Load()
}
