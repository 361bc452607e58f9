package mptcp

import (
	"sync"

	"github.com/yanjijinxiao/mptcp/congestion_wbbr"

	"github.com/sagernet/sing/common/atomic"
)

// Group coordinates the subflows of one multipath connection. Each subflow's
// sender publishes its instantaneous rate; the group gives every sender a
// read-only view of its siblings, from which it computes its fair share of
// pacing rate.
//
// Registration and removal are control-plane operations guarded by a lock.
// The per-sample reads done by the senders only touch the registry snapshot
// and each sibling's atomically published state.
type Group struct {
	access   sync.RWMutex
	subflows []*Subflow
	nextID   int
}

// NewGroup creates an empty multipath group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a new subflow, initially eligible to send. Bind attaches its
// sender once the connection's congestion control is set up.
func (g *Group) Add() *Subflow {
	g.access.Lock()
	defer g.access.Unlock()
	subflow := &Subflow{group: g, id: g.nextID}
	g.nextID++
	subflow.eligible.Store(true)
	g.subflows = append(g.subflows, subflow)
	return subflow
}

// Remove unregisters a subflow; its rate no longer counts toward the
// siblings' fair-share denominators.
func (g *Group) Remove(subflow *Subflow) {
	g.access.Lock()
	defer g.access.Unlock()
	// Copy on write: snapshots taken by Range stay valid.
	subflows := make([]*Subflow, 0, len(g.subflows))
	for _, it := range g.subflows {
		if it != subflow {
			subflows = append(subflows, it)
		}
	}
	g.subflows = subflows
}

// Range calls f for each registered subflow until f returns false.
func (g *Group) Range(f func(congestion_wbbr.RateSource) bool) {
	g.access.RLock()
	subflows := g.subflows
	g.access.RUnlock()
	for _, subflow := range subflows {
		if !f(subflow) {
			return
		}
	}
}

// SubflowStats is one subflow's telemetry entry.
type SubflowStats struct {
	ID       int
	Eligible bool
	congestion_wbbr.ConnectionStats
}

// Stats snapshots the telemetry of every registered subflow.
func (g *Group) Stats() []SubflowStats {
	g.access.RLock()
	subflows := g.subflows
	g.access.RUnlock()
	stats := make([]SubflowStats, 0, len(subflows))
	for _, subflow := range subflows {
		entry := SubflowStats{ID: subflow.id, Eligible: subflow.SendEligible()}
		if sender := subflow.sender.Load(); sender != nil {
			entry.ConnectionStats = sender.Stats()
		}
		stats = append(stats, entry)
	}
	return stats
}

// Subflow is one member connection of a multipath group. It relays its
// sender's instantaneous rate to the siblings and carries the subflow's
// send eligibility.
type Subflow struct {
	group    *Group
	id       int
	eligible atomic.Bool
	sender   atomic.TypedValue[*congestion_wbbr.Sender]
}

// ID returns the subflow's identifier within its group.
func (f *Subflow) ID() int {
	return f.id
}

// Bind attaches the subflow's congestion control engine.
func (f *Subflow) Bind(sender *congestion_wbbr.Sender) {
	f.sender.Store(sender)
}

// SetSendEligible marks whether the subflow may currently carry data.
func (f *Subflow) SetSendEligible(eligible bool) {
	f.eligible.Store(eligible)
}

// SendEligible reports whether the subflow may currently carry data.
func (f *Subflow) SendEligible() bool {
	return f.eligible.Load()
}

// InstantaneousRate returns the subflow's latest bandwidth estimate in bytes
// per second, zero before its sender is bound or produces an estimate.
func (f *Subflow) InstantaneousRate() uint64 {
	sender := f.sender.Load()
	if sender == nil {
		return 0
	}
	return sender.InstantaneousRate()
}

// Close removes the subflow from its group.
func (f *Subflow) Close() error {
	f.group.Remove(f)
	return nil
}
