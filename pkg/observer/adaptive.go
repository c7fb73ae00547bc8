// Package observer implements the self-observer: an adaptive interval
// scheduler running a limit checker and a stats notifier against the
// sliding-window meters maintained by the rest of the pipeline, rescaling
// its own polling period from the signed priority each callback returns.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/inocore/inocore/pkg/logging"
)

// Callback is invoked once per adaptive tick and returns a signed priority:
// negative slows the scheduler down, positive speeds it up, zero leaves the
// interval unchanged.
type Callback func(ctx context.Context) int

// Adaptive runs callback on a period that rescales by 2^(-priority) after
// every invocation, clamped to [min, max]. Two instances are run by the
// observer: one driving the limit checker, one the stats notifier.
type Adaptive struct {
	min, max time.Duration
	callback Callback
	logger   *logging.Logger

	mu       sync.Mutex
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	// OnInterval, if set, is invoked after every rescale with the new
	// interval, letting a caller couple a tracked meter's window to this
	// scheduler's period (spec's reset_duration coupling).
	OnInterval func(time.Duration)
}

// NewAdaptive constructs an Adaptive scheduler starting at the midpoint of
// [min, max]. min must be positive and max must be at least min.
func NewAdaptive(min, max time.Duration, callback Callback, logger *logging.Logger) *Adaptive {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Adaptive{
		min:      min,
		max:      max,
		callback: callback,
		logger:   logger,
		interval: min + (max-min)/2,
	}
}

// Interval returns the scheduler's current period.
func (a *Adaptive) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

// rescale applies 2^(-priority) to the current interval and clamps the
// result to [min, max], the self-observer clamp invariant.
func (a *Adaptive) rescale(priority int) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	factor := 1.0
	switch {
	case priority > 0:
		for i := 0; i < priority; i++ {
			factor /= 2
		}
	case priority < 0:
		for i := 0; i < -priority; i++ {
			factor *= 2
		}
	}

	next := time.Duration(float64(a.interval) * factor)
	if next < a.min {
		next = a.min
	}
	if next > a.max {
		next = a.max
	}
	a.interval = next
	return next
}

// Start runs the scheduler's loop in a background goroutine until Stop is
// called or ctx is cancelled.
func (a *Adaptive) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		timer := time.NewTimer(a.Interval())
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				priority := a.callback(ctx)
				next := a.rescale(priority)
				if a.OnInterval != nil {
					a.OnInterval(next)
				}
				timer.Reset(next)
			}
		}
	}()
}

// Stop cancels the scheduler's loop and waits for it to exit.
func (a *Adaptive) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}
