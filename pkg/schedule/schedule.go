// Package schedule implements the two route scheduler kinds: direct
// pass-through and capacity/interval-flushed histogram batching.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/inocore/inocore/pkg/meter"
	"github.com/inocore/inocore/pkg/transport"
)

// Scheduler is what a route hands matched event data to; it eventually
// calls transport.Emit(tag, payload, data) on the caller's or a background
// thread depending on kind.
type Scheduler interface {
	Put(data map[string]interface{})
	// Stop releases any background goroutine the scheduler owns (the
	// histogram scheduler's timer loop). Direct schedulers no-op.
	Stop()
}

// warner is the narrow logging dependency both scheduler kinds take, kept
// as an interface so callers can pass a *logging.Logger without this
// package importing it.
type warner interface {
	Warnf(string, ...interface{})
}

// Direct calls transport.Emit synchronously on the caller's own goroutine,
// with no batching.
type Direct struct {
	Tag       string
	Format    string
	Transport transport.Transport
	Logger    warner
}

// Put renders data against Format and emits it immediately.
func (d *Direct) Put(data map[string]interface{}) {
	payload := transport.ExpandTemplate(d.Format, data)
	if err := d.Transport.Emit(d.Tag, payload, data); err != nil && d.Logger != nil {
		d.Logger.Warnf("transport emit failed for route %q: %v", d.Tag, err)
	}
}

// Stop is a no-op for Direct; there is no background state to release.
func (d *Direct) Stop() {}

// recentKeysCapacity bounds the LRU of distinct histogram keys a scheduler
// remembers across flushes, so that an adversarial or misconfigured
// key_field (e.g. one that derives from event content rather than a small
// enum) cannot grow this bookkeeping without bound.
const recentKeysCapacity = 4096

// Histogram accumulates (key, data) pairs into a meter.Histogram and
// flushes either when Capacity is reached (synchronously, on the caller's
// Put) or when Interval elapses (on a background goroutine); the two races
// serialize on the underlying meter's mutex.
type Histogram struct {
	Tag       string
	Format    string
	Capacity  int
	Interval  time.Duration
	KeyField  string
	Transport transport.Transport
	Logger    warner

	meter      *meter.Histogram
	recentKeys *lru.Cache

	stopOnce sync.Once
	done     chan struct{}
}

// NewHistogram constructs a histogram scheduler and starts its background
// interval-flush goroutine.
func NewHistogram(tag, format string, capacity int, interval time.Duration, keyField string, t transport.Transport, logger warner) *Histogram {
	h := &Histogram{
		Tag:        tag,
		Format:     format,
		Capacity:   capacity,
		Interval:   interval,
		KeyField:   keyField,
		Transport:  t,
		Logger:     logger,
		meter:      meter.NewHistogram(),
		recentKeys: lru.New(recentKeysCapacity),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Put accumulates data into the histogram meter, keyed by data[KeyField],
// flushing synchronously if the addition reaches Capacity.
func (h *Histogram) Put(data map[string]interface{}) {
	key := fmt.Sprintf("%v", data[h.KeyField])
	h.recentKeys.Add(key, true)
	if n := h.meter.Add(key, data); h.Capacity > 0 && n >= h.Capacity {
		h.flush()
	}
}

// run is the background goroutine that flushes on Interval until Stop is
// called.
func (h *Histogram) run() {
	if h.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if h.meter.Count() > 0 {
				h.flush()
			}
		case <-h.done:
			return
		}
	}
}

// flush reads the accumulated snapshot and emits it as a single payload,
// per spec: {from_time, to_time, all_data, histogram: {key->count}, count}.
func (h *Histogram) flush() {
	snapshot := h.meter.Flush()
	data := map[string]interface{}{
		"from_time": snapshot.FromTime,
		"to_time":   snapshot.ToTime,
		"all_data":  snapshot.AllData,
		"histogram": snapshot.Histogram,
		"count":     snapshot.Count,
	}
	payload := transport.ExpandTemplate(h.Format, data)
	if err := h.Transport.Emit(h.Tag, payload, data); err != nil && h.Logger != nil {
		h.Logger.Warnf("transport emit failed for route %q: %v", h.Tag, err)
	}
}

// Stop terminates the background interval-flush goroutine. Safe to call
// more than once.
func (h *Histogram) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// RecentKeyCount returns how many distinct keys are currently remembered in
// the bounded LRU, for diagnostics.
func (h *Histogram) RecentKeyCount() int {
	return h.recentKeys.Len()
}
