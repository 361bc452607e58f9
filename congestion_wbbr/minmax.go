// Implements Kathleen Nichols' algorithm for tracking the extremum of a
// stream of samples over a fixed window of packet-timed rounds. The filter
// keeps the best, second best and third best estimates, maintaining the
// invariant that the round of the n'th best >= the round of the n-1'th best.

package congestion_wbbr

import "golang.org/x/exp/constraints"

// MaxEstimator configures a WindowedFilter to track the maximum.
func MaxEstimator[V constraints.Ordered](a, b V) bool {
	return a >= b
}

// MinEstimator configures a WindowedFilter to track the minimum.
func MinEstimator[V constraints.Ordered](a, b V) bool {
	return a <= b
}

type filterSample[V constraints.Ordered] struct {
	value V
	round uint64
}

// WindowedFilter tracks the best estimate of a stream of samples keyed by a
// monotonically increasing round counter. An estimate expires once it is more
// than window rounds behind the latest sample. The zero value of V is
// returned before any sample has been recorded.
type WindowedFilter[V constraints.Ordered] struct {
	window      uint64
	estimates   [3]filterSample[V]
	better      func(V, V) bool
	initialized bool
}

// NewWindowedFilter creates a filter over the given window of rounds.
// Use MaxEstimator or MinEstimator as the comparator.
func NewWindowedFilter[V constraints.Ordered](window uint64, better func(V, V) bool) *WindowedFilter[V] {
	return &WindowedFilter[V]{
		window: window,
		better: better,
	}
}

// Update feeds a new sample recorded at the given round and returns the
// current best estimate.
func (f *WindowedFilter[V]) Update(sample V, round uint64) V {
	// Reset all estimates if they have not yet been initialized, if the new
	// sample is a new best, or if the newest recorded estimate is too old.
	if !f.initialized ||
		f.better(sample, f.estimates[0].value) ||
		round-f.estimates[2].round > f.window {
		f.Reset(sample, round)
		return f.estimates[0].value
	}

	if f.better(sample, f.estimates[1].value) {
		f.estimates[1] = filterSample[V]{value: sample, round: round}
		f.estimates[2] = f.estimates[1]
	} else if f.better(sample, f.estimates[2].value) {
		f.estimates[2] = filterSample[V]{value: sample, round: round}
	}

	if round-f.estimates[0].round > f.window {
		// The best estimate expired without a better sample arriving, so
		// promote the second and third best and take the new sample as the
		// third. The promoted best may itself be outside the window.
		f.estimates[0] = f.estimates[1]
		f.estimates[1] = f.estimates[2]
		f.estimates[2] = filterSample[V]{value: sample, round: round}
		if round-f.estimates[0].round > f.window {
			f.estimates[0] = f.estimates[1]
			f.estimates[1] = f.estimates[2]
		}
		return f.estimates[0].value
	}

	if f.estimates[1].value == f.estimates[0].value &&
		round-f.estimates[1].round > f.window>>2 {
		// A quarter of the window passed without a better sample, so the
		// second best estimate is taken from the second quarter.
		f.estimates[1] = filterSample[V]{value: sample, round: round}
		f.estimates[2] = f.estimates[1]
		return f.estimates[0].value
	}

	if f.estimates[2].value == f.estimates[1].value &&
		round-f.estimates[2].round > f.window>>1 {
		f.estimates[2] = filterSample[V]{value: sample, round: round}
	}
	return f.estimates[0].value
}

// Reset forgets all estimates and records the sample as the new best.
func (f *WindowedFilter[V]) Reset(sample V, round uint64) {
	f.estimates[0] = filterSample[V]{value: sample, round: round}
	f.estimates[1] = f.estimates[0]
	f.estimates[2] = f.estimates[0]
	f.initialized = true
}

// GetBest returns the best estimate, or the zero value of V before any
// sample has been recorded.
func (f *WindowedFilter[V]) GetBest() V {
	return f.estimates[0].value
}

// GetSecondBest returns the second best estimate.
func (f *WindowedFilter[V]) GetSecondBest() V {
	return f.estimates[1].value
}

// GetThirdBest returns the third best estimate.
func (f *WindowedFilter[V]) GetThirdBest() V {
	return f.estimates[2].value
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a < b {
		return b
	}
	return a
}

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
