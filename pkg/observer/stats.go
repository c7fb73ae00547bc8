package observer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/inocore/inocore/pkg/logging"
	"github.com/inocore/inocore/pkg/meter"
)

// StatsNotifier implements the stats-notifier half of the self-observer: it
// tracks the overflow-per-event ratio across successive windows and warns
// once when a window first contains overflows, not again until a clean
// window has cleared the latch.
type StatsNotifier struct {
	events    *meter.Sliding
	overflows *meter.Sliding
	logger    *logging.Logger

	mu          sync.Mutex
	lastRatio   float64
	haveLast    bool
	warnedState int32
}

// NewStatsNotifier constructs a StatsNotifier tracking the given event and
// overflow meters, typically the same meters the worker's reader thread
// feeds on every inotify read.
func NewStatsNotifier(events, overflows *meter.Sliding, logger *logging.Logger) *StatsNotifier {
	return &StatsNotifier{events: events, overflows: overflows, logger: logger}
}

// Check computes this window's overflow/event ratio, compares it against
// the previous window, and returns the priority the adaptive scheduler
// should apply: +1 when the ratio grew, -1 otherwise. It also clears the
// "warned overflow" latch when the window is clean.
func (s *StatsNotifier) Check(_ context.Context) int {
	events := s.events.Sum()
	overflows := s.overflows.Sum()

	var ratio float64
	if events > 0 {
		ratio = overflows / events
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grew := s.haveLast && ratio > s.lastRatio
	s.lastRatio = ratio
	s.haveLast = true

	if overflows == 0 {
		atomic.StoreInt32(&s.warnedState, 0)
	} else {
		if atomic.CompareAndSwapInt32(&s.warnedState, 0, 1) {
			s.logger.Warnf("overflow rate rising: %.4f overflows per event this window", ratio)
		}
	}

	if grew {
		return 1
	}
	return -1
}

// WarnedOverflow reports whether the most recent window had any overflows.
func (s *StatsNotifier) WarnedOverflow() bool {
	return atomic.LoadInt32(&s.warnedState) == 1
}
