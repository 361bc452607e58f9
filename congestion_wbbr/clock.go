package congestion_wbbr

import (
	"time"

	"github.com/sagernet/quic-go/monotime"
)

// Clock provides the current time.
type Clock interface {
	Now() monotime.Time
}

// DefaultClock is a clock that returns the current monotonic time, optionally
// through a caller-supplied time source.
type DefaultClock struct {
	TimeFunc func() time.Time
}

// Now returns the current monotonic time.
func (c DefaultClock) Now() monotime.Time {
	if c.TimeFunc != nil {
		return monotime.Time(c.TimeFunc().UnixNano())
	}
	return monotime.Now()
}
