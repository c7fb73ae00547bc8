package observer

import (
	"context"
	"time"

	"github.com/inocore/inocore/pkg/logging"
	"github.com/inocore/inocore/pkg/meter"
)

// Observer is the self-observer: sliding meters for reads/events/overflows
// fed by the worker's reader thread, and two adaptive schedulers running
// the limit checker and the stats notifier over them.
type Observer struct {
	Reads     *meter.Sliding
	Events    *meter.Sliding
	Overflows *meter.Sliding

	limits *LimitChecker
	stats  *StatsNotifier

	limitsScheduler *Adaptive
	statsScheduler  *Adaptive
}

// New constructs an Observer. min/max bound both adaptive schedulers'
// intervals; threshold is the limit checker's usage-ratio warning
// threshold.
func New(min, max time.Duration, threshold float64, logger *logging.Logger) *Observer {
	window := min + (max-min)/2
	o := &Observer{
		Reads:     meter.NewSliding(window),
		Events:    meter.NewSliding(window),
		Overflows: meter.NewSliding(window),
	}
	o.limits = NewLimitChecker(threshold, logger.Sublogger("limits"))
	o.stats = NewStatsNotifier(o.Events, o.Overflows, logger.Sublogger("stats"))

	o.limitsScheduler = NewAdaptive(min, max, o.limits.Check, logger.Sublogger("limits"))
	o.statsScheduler = NewAdaptive(min, max, o.stats.Check, logger.Sublogger("stats"))
	o.statsScheduler.OnInterval = func(next time.Duration) {
		o.Events.ResetDuration(next)
		o.Overflows.ResetDuration(next)
	}
	return o
}

// Start runs both adaptive schedulers until ctx is cancelled or Stop is
// called.
func (o *Observer) Start(ctx context.Context) {
	o.limitsScheduler.Start(ctx)
	o.statsScheduler.Start(ctx)
}

// Stop halts both adaptive schedulers.
func (o *Observer) Stop() {
	o.limitsScheduler.Stop()
	o.statsScheduler.Stop()
}

// RecordRead marks one kernel read, feeding the reads meter.
func (o *Observer) RecordRead() {
	o.Reads.Add(1)
}

// RecordEvents marks n logical events dispatched, feeding the events meter.
func (o *Observer) RecordEvents(n int) {
	o.Events.Add(float64(n))
}

// RecordOverflow marks one Q_OVERFLOW, feeding the overflows meter.
func (o *Observer) RecordOverflow() {
	o.Overflows.Add(1)
}

// Warned reports whether either the limit checker or the stats notifier
// currently has an active warning latch.
func (o *Observer) Warned() bool {
	return o.limits.Warned() || o.stats.WarnedOverflow()
}
