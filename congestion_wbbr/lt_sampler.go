package congestion_wbbr

import "time"

// Long-term bandwidth sampling, the policer detector. A token-bucket policer
// shows up as sustained high loss at a consistent delivered rate. The sampler
// looks for two consecutive qualifying intervals with similar average
// throughput and, on a match, locks the model onto their average so the
// sender stops probing above the policed rate and burning the excess as loss.

type ltSampler struct {
	// isSampling is set once the first loss has been seen. Sampling before
	// the policer's token bucket drains would include the initial burst and
	// overestimate the policed rate.
	isSampling bool
	// Snapshot of the connection's delivered/lost totals and the time at
	// the start of the current sampling interval.
	lastDelivered int64
	lastLost      int64
	lastStamp     int64 // in LTClockTick units
	// rounds counts packet-timed round trips, either within the current
	// sampling interval or, once locked, since the lock was taken.
	rounds int64
	// bandwidth is the average rate of the last qualifying interval, or the
	// locked policed rate once useBandwidth is set.
	bandwidth    Bandwidth
	useBandwidth bool
}

func (s *Sender) resetLTSamplingInterval() {
	s.lt.lastStamp = int64(time.Duration(s.now) / s.config.LTClockTick)
	s.lt.lastDelivered = s.conn.DeliveredPackets()
	s.lt.lastLost = s.conn.LostPacketsTotal()
	s.lt.rounds = 0
}

func (s *Sender) resetLTSampling() {
	s.lt.bandwidth = 0
	s.lt.useBandwidth = false
	s.lt.isSampling = false
	s.resetLTSamplingInterval()
}

// ltIntervalDone closes a qualifying sampling interval with the given average
// bandwidth and compares it against the previous interval. Two consistent
// intervals in a row lock the policed rate.
func (s *Sender) ltIntervalDone(bandwidth Bandwidth) {
	if !s.lt.bandwidth.IsZero() {
		var diff Bandwidth
		if bandwidth > s.lt.bandwidth {
			diff = bandwidth - s.lt.bandwidth
		} else {
			diff = s.lt.bandwidth - bandwidth
		}
		if uint64(diff)*uint64(GainUnit) <= uint64(s.config.LTBandwidthRatio)*uint64(s.lt.bandwidth) ||
			diff.ToBytesPerSecond(s.conn.MSS()) <= s.config.LTBandwidthDiff {
			// Two consecutive intervals agree; estimate we are policed.
			s.lt.bandwidth = (bandwidth + s.lt.bandwidth) >> 1
			s.lt.useBandwidth = true
			s.pacingGain = GainUnit // try to avoid further drops
			s.lt.rounds = 0
			if s.logger != nil {
				s.logger.Debug("policed rate detected: ", s.lt.bandwidth.ToBytesPerSecond(s.conn.MSS()), " bytes/s")
			}
			return
		}
	}
	s.lt.bandwidth = bandwidth
	s.resetLTSamplingInterval()
}

// ltSampling advances the long-term sampler with one rate sample. While a
// policed rate is locked it only ages the lock; otherwise it accumulates the
// current sampling interval and closes it on loss.
func (s *Sender) ltSampling(rs *RateSample) {
	if s.lt.useBandwidth {
		if s.mode == ModeProbeBandwidth && s.roundStart {
			s.lt.rounds++
			if s.lt.rounds >= s.config.LTMaxUseRounds {
				// The policer may be gone; resume probing.
				s.resetLTSampling()
				s.resetProbeBandwidthMode()
			}
		}
		return
	}

	if !s.lt.isSampling {
		if rs.LostPackets == 0 {
			return
		}
		s.resetLTSamplingInterval()
		s.lt.isSampling = true
	}

	// An application-limited interval says nothing about the network.
	if rs.IsAppLimited {
		s.resetLTSampling()
		return
	}

	if s.roundStart {
		s.lt.rounds++
	}
	if s.lt.rounds < s.config.LTMinIntervalRounds {
		return
	}
	if s.lt.rounds > s.config.LTMaxIntervalRounds {
		s.resetLTSampling()
		return
	}

	// End the interval on loss, when the policer's tokens are presumably
	// exhausted again. Ending earlier would underestimate the policed rate.
	if rs.LostPackets == 0 {
		return
	}

	lost := s.conn.LostPacketsTotal() - s.lt.lastLost
	delivered := s.conn.DeliveredPackets() - s.lt.lastDelivered
	if delivered <= 0 || uint64(lost)<<GainScale < uint64(s.config.LTLossThreshold)*uint64(delivered) {
		return // loss ratio below the policing threshold, keep sampling
	}

	ticks := int64(time.Duration(s.now)/s.config.LTClockTick) - s.lt.lastStamp
	if ticks < 1 {
		return // interval is shorter than the clock tick, wait
	}
	bandwidth := BandwidthFromDelivered(delivered, time.Duration(ticks)*s.config.LTClockTick)
	s.ltIntervalDone(bandwidth)
}
