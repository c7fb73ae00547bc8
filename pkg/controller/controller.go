// Package controller implements the supervisor-facing verb dispatch: the
// handful of operations an operator or CLI issues against the set of live
// workers and the shared tracker (exit, checkout, list, clear, stop,
// recover, watch, query). It owns worker lifetime but not their internals.
package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inocore/inocore/pkg/eventlog"
	"github.com/inocore/inocore/pkg/identifier"
	"github.com/inocore/inocore/pkg/logging"
	"github.com/inocore/inocore/pkg/tracker"
	"github.com/inocore/inocore/pkg/worker"
)

// Factory constructs a new, unstarted worker for the given id, already
// configured with its kernel instance, watch manager, buffer, routes, and
// the controller's shared tracker and event log. The controller calls Watch
// and Start on the result.
type Factory func(id string) (*worker.Worker, error)

// WorkerInfo summarizes one tracked worker for the "list worker" verb.
type WorkerInfo struct {
	ID      string
	Paths   []string
	Crashed bool
}

// Controller binds the shared tracker and the live worker set, and
// implements every verb in the external CLI surface.
type Controller struct {
	factory Factory
	tracker *tracker.Tracker
	logger  *logging.Logger

	mu      sync.Mutex
	workers map[string]*entry
}

type entry struct {
	w     *worker.Worker
	paths []string
}

// New constructs a Controller. tracker may be nil if no paths are
// configured for version tracking.
func New(factory Factory, t *tracker.Tracker, logger *logging.Logger) *Controller {
	return &Controller{
		factory: factory,
		tracker: t,
		logger:  logger,
		workers: make(map[string]*entry),
	}
}

// Watch implements `watch <paths...> -t <tid>`: creates (if tid is new) or
// reuses (if already live) a worker and adds paths to its watched set.
func (c *Controller) Watch(tid string, paths []string) error {
	if tid == "" {
		var err error
		tid, err = identifier.New(identifier.PrefixWorker)
		if err != nil {
			return fmt.Errorf("generate worker id: %w", err)
		}
	}

	c.mu.Lock()
	e, ok := c.workers[tid]
	if !ok {
		w, err := c.factory(tid)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("create worker %s: %w", tid, err)
		}
		e = &entry{w: w}
		c.workers[tid] = e
		w.Start(context.Background())
	}
	c.mu.Unlock()

	for _, path := range paths {
		if err := e.w.Watch(path); err != nil {
			return fmt.Errorf("watch %s on worker %s: %w", path, tid, err)
		}
		e.paths = append(e.paths, path)
	}
	return nil
}

// Stop implements `stop -t <tid>`: halts and forgets the named worker.
func (c *Controller) Stop(tid string) error {
	c.mu.Lock()
	e, ok := c.workers[tid]
	if ok {
		delete(c.workers, tid)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", tid)
	}
	e.w.Stop()
	return nil
}

// Recover implements `recover [-t <tid>]`: restarts a crashed worker (or all
// crashed workers, if tid is empty) by tearing down its old instance and
// re-watching the same paths through a freshly constructed one.
func (c *Controller) Recover(tid string) error {
	c.mu.Lock()
	targets := make([]string, 0, 1)
	if tid != "" {
		targets = append(targets, tid)
	} else {
		for id, e := range c.workers {
			if e.w.Err() != nil {
				targets = append(targets, id)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range targets {
		c.mu.Lock()
		e, ok := c.workers[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if e.w.Err() == nil && tid != "" {
			return fmt.Errorf("worker %s has not crashed", id)
		}
		e.w.Stop()

		w, err := c.factory(id)
		if err != nil {
			return fmt.Errorf("recreate worker %s: %w", id, err)
		}
		w.Start(context.Background())
		for _, path := range e.paths {
			if err := w.Watch(path); err != nil {
				c.logger.Warnf("controller: unable to re-watch %q on recovered worker %s: %v", path, id, err)
			}
		}

		c.mu.Lock()
		c.workers[id] = &entry{w: w, paths: e.paths}
		c.mu.Unlock()
	}
	return nil
}

// ListWorker implements `list worker`.
func (c *Controller) ListWorker() []WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]WorkerInfo, 0, len(c.workers))
	for id, e := range c.workers {
		out = append(out, WorkerInfo{
			ID:      id,
			Paths:   append([]string(nil), e.paths...),
			Crashed: e.w.Err() != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTracker implements `list tracker`: the paths currently indexed.
func (c *Controller) ListTracker() ([]string, error) {
	if c.tracker == nil {
		return nil, fmt.Errorf("version tracking is not configured")
	}
	entries := c.tracker.Index.All()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	sort.Strings(out)
	return out, nil
}

// ClearTracker implements `clear tracker`.
func (c *Controller) ClearTracker() error {
	if c.tracker == nil {
		return fmt.Errorf("version tracking is not configured")
	}
	c.tracker.Wipe()
	return nil
}

// Checkout implements `checkout <path> -v <n>`.
func (c *Controller) Checkout(path string, version int) (interface{}, error) {
	if c.tracker == nil {
		return nil, fmt.Errorf("version tracking is not configured")
	}
	return c.tracker.Checkout(path, version)
}

// QueryOptions filters the `query` verb against the event log. Any zero
// field is unconstrained.
type QueryOptions struct {
	FromTime int64
	ToTime   int64
	Pattern  string
	Mask     string
	PID      int
}

// Query implements `query [...]` against a queryable event log sink. Not
// every Sink supports querying (FileSink does not, being append-only); the
// caller must pass one that implements eventlog.Queryable.
func Query(sink eventlog.Queryable, opts QueryOptions) ([]eventlog.Row, error) {
	return sink.Query(eventlog.QueryFilter{
		FromTime: opts.FromTime,
		ToTime:   opts.ToTime,
		Pattern:  opts.Pattern,
		Mask:     opts.Mask,
		PID:      opts.PID,
	})
}

// Exit implements `exit`: stops every live worker and returns once all have
// torn down.
func (c *Controller) Exit() {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.workers))
	for id, e := range c.workers {
		entries = append(entries, e)
		delete(c.workers, id)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(entries))
	for _, e := range entries {
		e := e
		go func() {
			defer wg.Done()
			e.w.Stop()
		}()
	}
	wg.Wait()
}
