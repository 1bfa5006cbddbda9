package bustrace

import (
	"math"
	"time"

	"github.com/asecurityteam/rolling"
)

// handleStats keeps a rolling window of handler processing times. It is
// diagnostics only: nothing in the send/receive contract depends on it.
type handleStats struct {
	timePolicy *rolling.TimePolicy
}

func newHandleStats() *handleStats {
	return &handleStats{
		timePolicy: rolling.NewTimePolicy(rolling.NewWindow(10000), 1*time.Millisecond),
	}
}

func (s *handleStats) observe(d time.Duration) {
	s.timePolicy.Append(float64(d.Milliseconds()))
}

func (s *handleStats) avg() time.Duration {
	avg := s.timePolicy.Reduce(rolling.Avg)
	if math.IsNaN(avg) {
		return 0
	}
	return time.Duration(avg * float64(time.Millisecond))
}
