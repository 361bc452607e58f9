// Copyright (c) 2017 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package congestion_wbbr

import "github.com/sagernet/quic-go/congestion"

// packetQueue is a queue of mostly contiguous packet-number-indexed entries.
// Appending in order, removing in any order and lookup are all amortized
// O(1).
type packetQueue[T any] struct {
	entries     []packetEntry[T]
	present     int
	first       congestion.PacketNumber
	initialized bool
}

type packetEntry[T any] struct {
	value  T
	filled bool
}

// Get returns a pointer to the entry for the packet number, or nil.
func (q *packetQueue[T]) Get(packetNumber congestion.PacketNumber) *T {
	if !q.initialized || q.present == 0 || packetNumber < q.first {
		return nil
	}
	offset := int(packetNumber - q.first)
	if offset >= len(q.entries) || !q.entries[offset].filled {
		return nil
	}
	return &q.entries[offset].value
}

// Add inserts an entry at (or past) the end of the queue, filling gaps with
// empty slots. Out-of-order or duplicate insertion is rejected.
func (q *packetQueue[T]) Add(packetNumber congestion.PacketNumber, value T) bool {
	if q.present == 0 {
		q.entries = append(q.entries[:0], packetEntry[T]{value: value, filled: true})
		q.present = 1
		q.first = packetNumber
		q.initialized = true
		return true
	}
	last := q.first + congestion.PacketNumber(len(q.entries)) - 1
	if packetNumber <= last {
		return false
	}
	for n := last + 1; n < packetNumber; n++ {
		q.entries = append(q.entries, packetEntry[T]{})
	}
	q.entries = append(q.entries, packetEntry[T]{value: value, filled: true})
	q.present++
	return true
}

// Remove drops the entry for the packet number, returning false if absent.
func (q *packetQueue[T]) Remove(packetNumber congestion.PacketNumber) bool {
	if !q.initialized || q.present == 0 || packetNumber < q.first {
		return false
	}
	offset := int(packetNumber - q.first)
	if offset >= len(q.entries) || !q.entries[offset].filled {
		return false
	}
	q.entries[offset].filled = false
	q.present--
	if packetNumber == q.first {
		q.trimFront()
	}
	return true
}

// RemoveUpTo drops every entry below the packet number, filled or not.
func (q *packetQueue[T]) RemoveUpTo(packetNumber congestion.PacketNumber) {
	for len(q.entries) > 0 && q.initialized && q.first < packetNumber {
		if q.entries[0].filled {
			q.present--
		}
		q.entries = q.entries[1:]
		q.first++
	}
	q.trimFront()
}

func (q *packetQueue[T]) trimFront() {
	for len(q.entries) > 0 && !q.entries[0].filled {
		q.entries = q.entries[1:]
		q.first++
	}
	if len(q.entries) == 0 {
		q.initialized = false
	}
}

// Len returns the number of filled entries.
func (q *packetQueue[T]) Len() int {
	return q.present
}
