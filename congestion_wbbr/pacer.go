// Copyright 2016 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package congestion_wbbr

import (
	"time"

	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
)

const (
	// maxBurstPackets is the maximum number of packets that can be sent in a burst.
	maxBurstPackets = 10
	// minPacingDelay is the minimum delay between packets.
	minPacingDelay = time.Millisecond
)

// Pacer implements a token bucket fed by the sender's pacing rate.
type Pacer struct {
	budgetAtLastSent congestion.ByteCount
	maxDatagramSize  congestion.ByteCount
	lastSentTime     monotime.Time
	getRate          func() uint64 // bytes per second
}

// NewPacer creates a pacer over a pacing rate source.
func NewPacer(getRate func() uint64) *Pacer {
	return &Pacer{
		getRate:         getRate,
		maxDatagramSize: congestion.InitialPacketSize,
	}
}

// SetMaxDatagramSize sets the maximum datagram size.
func (p *Pacer) SetMaxDatagramSize(size congestion.ByteCount) {
	p.maxDatagramSize = size
}

// Budget returns the number of bytes that can be sent at the given time.
func (p *Pacer) Budget(now monotime.Time) congestion.ByteCount {
	if p.lastSentTime.IsZero() {
		return p.maxBurstSize()
	}
	budget := p.budgetAtLastSent + p.bytesForInterval(now.Sub(p.lastSentTime))
	if budget > p.maxBurstSize() {
		budget = p.maxBurstSize()
	}
	return budget
}

// TimeUntilSend returns the time until the next packet can be sent.
// It returns zero if a packet can be sent immediately.
func (p *Pacer) TimeUntilSend() monotime.Time {
	if p.lastSentTime.IsZero() || p.budgetAtLastSent >= p.maxDatagramSize {
		return 0
	}
	return p.lastSentTime.Add(p.intervalForBytes(p.maxDatagramSize - p.budgetAtLastSent))
}

// OnPacketSent is called when a packet is sent.
func (p *Pacer) OnPacketSent(sentTime monotime.Time, size congestion.ByteCount) {
	if !p.lastSentTime.IsZero() {
		p.budgetAtLastSent = p.Budget(sentTime)
	}
	p.lastSentTime = sentTime
	if size > p.budgetAtLastSent {
		p.budgetAtLastSent = 0
	} else {
		p.budgetAtLastSent -= size
	}
}

func (p *Pacer) maxBurstSize() congestion.ByteCount {
	return maxBurstPackets * p.maxDatagramSize
}

// bytesForInterval returns the number of bytes that can be sent in the given
// interval at the current rate.
func (p *Pacer) bytesForInterval(interval time.Duration) congestion.ByteCount {
	rate := p.getRate()
	if rate == 0 {
		return p.maxBurstSize()
	}
	// The budget is capped at one burst anyway, so a capped interval keeps
	// the multiplication inside a uint64 at any realistic rate.
	if interval > time.Second {
		interval = time.Second
	}
	return congestion.ByteCount(rate * uint64(interval) / uint64(time.Second))
}

// intervalForBytes returns the interval needed to send the given number of
// bytes at the current rate.
func (p *Pacer) intervalForBytes(bytes congestion.ByteCount) time.Duration {
	rate := p.getRate()
	if rate == 0 {
		return 0
	}
	interval := time.Duration(uint64(bytes) * uint64(time.Second) / rate)
	if interval < minPacingDelay {
		return minPacingDelay
	}
	return interval
}
