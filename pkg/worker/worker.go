// Package worker implements the orchestration layer binding the watch
// manager, delay buffer, coalescer, version tracker, route dispatcher, and
// event log into one monitored path set: one inotify instance per worker, a
// reader goroutine translating and coalescing raw kernel events into the
// delay buffer, and a consumer goroutine draining the buffer and fanning
// each logical event out to routes, the event log, and the tracker.
package worker

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/inocore/inocore/pkg/coalesce"
	"github.com/inocore/inocore/pkg/delay"
	"github.com/inocore/inocore/pkg/eventlog"
	"github.com/inocore/inocore/pkg/ievent"
	"github.com/inocore/inocore/pkg/kernel"
	"github.com/inocore/inocore/pkg/logging"
	"github.com/inocore/inocore/pkg/observer"
	"github.com/inocore/inocore/pkg/route"
	"github.com/inocore/inocore/pkg/tracker"
	"github.com/inocore/inocore/pkg/watcherrors"
)

// source is the subset of *kernel.Instance the worker's reader consumes,
// kept narrow so tests can substitute a fake without a live inotify fd.
type source interface {
	Events() <-chan kernel.RawEvent
	Errors() <-chan error
}

// treeManager is the subset of *watch.Manager the worker's reader drives to
// keep the watched tree aligned with the directory-rename and overflow
// state machines, kept narrow for the same reason.
type treeManager interface {
	PathForWd(wd int32) (string, bool)
	WdForPath(path string) (int32, bool)
	AddTree(path string, mask ievent.Mask) error
	RemoveTree(wd int32)
	RecordMovedFrom(parentWd int32, childPath string)
	ResolveMove(wd int32)
	Rescan(mask ievent.Mask) error
	ResolveAliases(path string) []string
}

// Config bundles everything a Worker needs beyond its ID.
type Config struct {
	ID       string
	Kernel   source
	Manager  treeManager
	Buffer   *delay.Buffer
	Routes   []*route.Route
	Tracker  *tracker.Tracker
	TrackerPattern *regexp.Regexp
	EventLog *eventlog.Log
	Observer *observer.Observer
	Logger   *logging.Logger
}

// Worker binds one monitored path set's full pipeline: kernel → translate →
// coalesce → delay buffer → consume → (routes ∥ event log ∥ tracker).
type Worker struct {
	id       string
	kernel   source
	manager  treeManager
	buffer   *delay.Buffer
	routes   []*route.Route
	tracker  *tracker.Tracker
	trackerPattern *regexp.Regexp
	eventLog *eventlog.Log
	observer *observer.Observer
	logger   *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	fatal   error
	stopped bool
}

// New constructs a Worker from Config. Buffer must be non-nil; Routes,
// Tracker, EventLog, and Observer may each be nil to disable that stage.
func New(cfg Config) *Worker {
	return &Worker{
		id:             cfg.ID,
		kernel:         cfg.Kernel,
		manager:        cfg.Manager,
		buffer:         cfg.Buffer,
		routes:         cfg.Routes,
		tracker:        cfg.Tracker,
		trackerPattern: cfg.TrackerPattern,
		eventLog:       cfg.EventLog,
		observer:       cfg.Observer,
		logger:         cfg.Logger,
	}
}

// Watch begins watching path (and its subtree) on this worker's kernel
// instance.
func (w *Worker) Watch(path string) error {
	return w.manager.AddTree(path, ievent.WatchMask)
}

// Start launches the reader and consumer goroutines, returning
// immediately. Stop (or ctx cancellation) halts both.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(2)
	go w.readLoop(ctx)
	go w.consumeLoop(ctx)
}

// Stop halts the worker's goroutines and waits for them to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	w.buffer.Close()
	w.wg.Wait()
}

// Err returns the fatal error that crashed the worker, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

func (w *Worker) crash(op string, err error) {
	w.mu.Lock()
	if w.fatal == nil {
		w.fatal = watcherrors.NewFatal(op, err)
	}
	w.mu.Unlock()
	w.logger.Errorf("worker %s: fatal error in %s: %v", w.id, op, err)
	if w.cancel != nil {
		w.cancel()
	}
}

// readLoop pulls raw kernel events, maintains the watch tree's move/overflow
// state machine, translates them to logical events, coalesces each batch,
// and enqueues the results into the delay buffer.
func (w *Worker) readLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		var first kernel.RawEvent
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.kernel.Errors():
			if ok {
				w.crash("kernel read", err)
			}
			return
		case raw, ok := <-w.kernel.Events():
			if !ok {
				return
			}
			first = raw
		}

		batch := []kernel.RawEvent{first}
	drain:
		for {
			select {
			case raw, ok := <-w.kernel.Events():
				if !ok {
					break drain
				}
				batch = append(batch, raw)
			default:
				break drain
			}
		}

		var logical []*ievent.Event
		for _, raw := range batch {
			if e := w.translate(raw); e != nil {
				logical = append(logical, e)
			}
		}
		if w.observer != nil {
			w.observer.RecordRead()
		}
		if len(logical) == 0 {
			continue
		}

		coalesced := coalesce.Coalesce(logical, w.buffer)
		for _, e := range coalesced {
			w.buffer.Put(e, coalesce.IsDelayEligible(e))
		}
	}
}

// translate maintains the tree's move/overflow state machine for raw and
// applies it to the logical event stream, returning nil for raw events that
// are purely maintenance (no logical event to coalesce/dispatch).
func (w *Worker) translate(raw kernel.RawEvent) *ievent.Event {
	if raw.Mask.Has(ievent.QOverflow) {
		if w.observer != nil {
			w.observer.RecordOverflow()
		}
		if err := w.manager.Rescan(ievent.WatchMask); err != nil {
			w.crash("rescan", err)
		}
		return nil
	}

	dir, ok := w.manager.PathForWd(raw.Watch)
	if !ok {
		return nil
	}
	path := dir
	if raw.Name != "" {
		path = filepath.Join(dir, raw.Name)
	}

	switch {
	case raw.Mask.Has(ievent.MovedFrom):
		w.manager.RecordMovedFrom(raw.Watch, path)
	case raw.Mask.Has(ievent.MoveSelf), raw.Mask.Has(ievent.Ignored):
		w.manager.ResolveMove(raw.Watch)
	case raw.Mask.Has(ievent.Create) && raw.Mask.Has(ievent.IsDir):
		if err := w.manager.AddTree(path, ievent.WatchMask); err != nil {
			w.logger.Warnf("worker %s: unable to watch new subtree %q: %v", w.id, path, err)
		}
	case raw.Mask.Has(ievent.Delete) && raw.Mask.Has(ievent.IsDir):
		if wd, ok := w.manager.WdForPath(path); ok {
			w.manager.RemoveTree(wd)
		}
	}

	event := ievent.New(raw.Mask, path, time.Now())
	event.Cookie = raw.Cookie
	return event
}

// consumeLoop drains the delay buffer and dispatches each ready logical
// event to routes, the event log, and the tracker.
func (w *Worker) consumeLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		e, ok := w.buffer.Get()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if coalesce.StillBursting(e) {
			w.buffer.Put(coalesce.ClearBurstMarker(e), true)
			continue
		}
		e = coalesce.ResolveTimeout(e)

		w.dispatch(e)
		w.considerTracked(e)
	}
}

func eventData(e *ievent.Event) map[string]interface{} {
	data := make(map[string]interface{}, len(e.Fields)+5)
	for k, v := range e.Fields {
		data[k] = v
	}
	data["path"] = e.SrcPath
	data["dest_path"] = e.DestPath
	data["mask"] = e.Mask.Name()
	data["mask_value"] = e.Mask
	data["time"] = e.Time
	data["cookie"] = e.Cookie
	return data
}

func (w *Worker) dispatch(e *ievent.Event) {
	if len(w.routes) > 0 {
		route.Dispatch(w.routes, e, w.manager, eventData(e))
	}
	if w.eventLog != nil {
		if err := w.eventLog.Append(e); err != nil {
			w.logger.Warnf("worker %s: event log append failed: %v", w.id, err)
		}
	}
	if w.observer != nil {
		w.observer.RecordEvents(1)
	}
}

// considerTracked drives the version tracker on CREATE, END_MODIFY, and
// MOVED_TO events against regular files matching the configured tracker
// pattern. For a coalesced RENAME the tracked entry's fid is moved to the
// destination path first, and the destination is the path considered.
func (w *Worker) considerTracked(e *ievent.Event) {
	if w.tracker == nil || w.trackerPattern == nil {
		return
	}
	if e.Mask.IsDirEvent() {
		return
	}
	if !(e.Mask.Has(ievent.Create) || e.Mask.Has(ievent.EndModify) || e.Mask.Has(ievent.MovedTo)) {
		return
	}
	path := e.SrcPath
	if e.Mask.Has(ievent.Rename) && e.DestPath != "" {
		path = e.DestPath
		if fid, ok := w.tracker.Index.FidByPath(e.SrcPath); ok {
			_ = w.tracker.Index.UpdatePath(fid, path)
		}
	}
	if !w.trackerPattern.MatchString(path) {
		return
	}

	if err := w.tracker.Consider(path, func(configEvent *ievent.Event) {
		w.dispatch(configEvent)
	}); err != nil {
		w.logger.Warnf("worker %s: tracker consider failed for %q: %v", w.id, path, err)
	}
}
