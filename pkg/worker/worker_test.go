package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inocore/inocore/pkg/delay"
	"github.com/inocore/inocore/pkg/ievent"
	"github.com/inocore/inocore/pkg/kernel"
	"github.com/inocore/inocore/pkg/route"
)

type fakeSource struct {
	events chan kernel.RawEvent
	errors chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan kernel.RawEvent, 64),
		errors: make(chan error, 1),
	}
}

func (f *fakeSource) Events() <-chan kernel.RawEvent { return f.events }
func (f *fakeSource) Errors() <-chan error            { return f.errors }

type fakeManager struct {
	mu          sync.Mutex
	pathByWd    map[int32]string
	wdByPath    map[string]int32
	rescanCalls int
	addTreeLog  []string
}

func newFakeManager(pathByWd map[int32]string) *fakeManager {
	wdByPath := make(map[string]int32, len(pathByWd))
	for wd, path := range pathByWd {
		wdByPath[path] = wd
	}
	return &fakeManager{pathByWd: pathByWd, wdByPath: wdByPath}
}

func (f *fakeManager) PathForWd(wd int32) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pathByWd[wd]
	return p, ok
}

func (f *fakeManager) WdForPath(path string) (int32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wd, ok := f.wdByPath[path]
	return wd, ok
}

func (f *fakeManager) AddTree(path string, mask ievent.Mask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addTreeLog = append(f.addTreeLog, path)
	return nil
}

func (f *fakeManager) RemoveTree(wd int32) {}

func (f *fakeManager) RecordMovedFrom(parentWd int32, childPath string) {}

func (f *fakeManager) ResolveMove(wd int32) {}

func (f *fakeManager) Rescan(mask ievent.Mask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescanCalls++
	return nil
}

func (f *fakeManager) ResolveAliases(path string) []string { return []string{path} }

func (f *fakeManager) rescans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rescanCalls
}

type recordingScheduler struct {
	mu   sync.Mutex
	puts []map[string]interface{}
}

func (r *recordingScheduler) Put(data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts = append(r.puts, data)
}
func (r *recordingScheduler) Stop() {}

func (r *recordingScheduler) wait(t *testing.T, n int, timeout time.Duration) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.puts) >= n {
			out := append([]map[string]interface{}(nil), r.puts...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d puts", n)
	return nil
}

func newTestWorker(t *testing.T, hold time.Duration, manager *fakeManager, scheduler *recordingScheduler) (*Worker, *fakeSource) {
	t.Helper()
	src := newFakeSource()
	routes, err := route.Compile([]route.Config{
		{Tag: "all", Pattern: ".*", Mask: ievent.Rename | ievent.MovedFrom | ievent.Modify | ievent.Create | ievent.Delete | ievent.EndModify, Scheduler: scheduler},
	})
	if err != nil {
		t.Fatalf("compile routes: %v", err)
	}
	w := New(Config{
		ID:      "w1",
		Kernel:  src,
		Manager: manager,
		Buffer:  delay.New(hold, 0),
		Routes:  routes,
	})
	return w, src
}

// S1: rename pairing. MOVED_FROM cookie=7 name="a" then MOVED_TO cookie=7
// name="b" arriving within 100ms must dequeue as a single RENAME|MOVED_TO.
func TestWorkerRenamePairing(t *testing.T) {
	manager := newFakeManager(map[int32]string{1: "/dir"})
	scheduler := &recordingScheduler{}
	w, src := newTestWorker(t, 500*time.Millisecond, manager, scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	src.events <- kernel.RawEvent{Watch: 1, Mask: ievent.MovedFrom, Cookie: 7, Name: "a"}
	src.events <- kernel.RawEvent{Watch: 1, Mask: ievent.MovedTo, Cookie: 7, Name: "b"}

	puts := scheduler.wait(t, 1, 2*time.Second)
	data := puts[0]
	if data["mask"] != ievent.Rename.Name() {
		t.Fatalf("expected significant mask RENAME, got %v", data["mask"])
	}
	maskValue := data["mask_value"].(ievent.Mask)
	if !maskValue.Has(ievent.MovedTo) {
		t.Fatalf("expected MOVED_TO bit set, got %v", maskValue)
	}
	if data["path"] != "/dir/a" {
		t.Fatalf("expected src path /dir/a, got %v", data["path"])
	}
	if data["dest_path"] != "/dir/b" {
		t.Fatalf("expected dest path /dir/b, got %v", data["dest_path"])
	}
}

// S2: unpaired move promotes to DELETE once the hold elapses.
func TestWorkerUnpairedMoveBecomesDelete(t *testing.T) {
	manager := newFakeManager(map[int32]string{1: "/dir"})
	scheduler := &recordingScheduler{}
	w, src := newTestWorker(t, 50*time.Millisecond, manager, scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	src.events <- kernel.RawEvent{Watch: 1, Mask: ievent.MovedFrom, Cookie: 7, Name: "a"}

	puts := scheduler.wait(t, 1, 2*time.Second)
	if puts[0]["mask"] != ievent.Delete.Name() {
		t.Fatalf("expected significant mask DELETE, got %v", puts[0]["mask"])
	}
	if puts[0]["path"] != "/dir/a" {
		t.Fatalf("expected src path /dir/a, got %v", puts[0]["path"])
	}
}

// S3: a MODIFY burst delivers exactly one dispatch, END_MODIFY, after the
// intermediate repeats are suppressed and the hold elapses in silence.
func TestWorkerModifyBurstPromotesToEndModify(t *testing.T) {
	manager := newFakeManager(map[int32]string{1: "/dir"})
	scheduler := &recordingScheduler{}
	w, src := newTestWorker(t, 80*time.Millisecond, manager, scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	for i := 0; i < 5; i++ {
		src.events <- kernel.RawEvent{Watch: 1, Mask: ievent.Modify, Name: "c.ini"}
		time.Sleep(5 * time.Millisecond)
	}

	puts := scheduler.wait(t, 1, 2*time.Second)
	if len(puts) != 1 {
		t.Fatalf("expected exactly one dispatch for the whole burst, got %d", len(puts))
	}
	if puts[0]["mask"] != ievent.EndModify.Name() {
		t.Fatalf("expected significant mask END_MODIFY, got %v", puts[0]["mask"])
	}

	// No further dispatch should arrive once the burst has settled.
	time.Sleep(150 * time.Millisecond)
	if n := len(scheduler.wait(t, 1, time.Millisecond)); n != 1 {
		t.Fatalf("expected no additional dispatches after settling, total=%d", n)
	}
}

// S4: overflow triggers a rescan, after which a subsequent CREATE is
// delivered normally.
func TestWorkerOverflowTriggersRescanThenResumes(t *testing.T) {
	manager := newFakeManager(map[int32]string{1: "/dir"})
	scheduler := &recordingScheduler{}
	w, src := newTestWorker(t, 20*time.Millisecond, manager, scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	src.events <- kernel.RawEvent{Watch: 0, Mask: ievent.QOverflow}

	deadline := time.Now().Add(2 * time.Second)
	for manager.rescans() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if manager.rescans() != 1 {
		t.Fatalf("expected exactly one rescan, got %d", manager.rescans())
	}

	src.events <- kernel.RawEvent{Watch: 1, Mask: ievent.Create, Name: "new.txt"}
	puts := scheduler.wait(t, 1, 2*time.Second)
	if puts[0]["mask"] != ievent.Create.Name() {
		t.Fatalf("expected significant mask CREATE after recovery, got %v", puts[0]["mask"])
	}
	if puts[0]["path"] != "/dir/new.txt" {
		t.Fatalf("expected src path /dir/new.txt, got %v", puts[0]["path"])
	}
}
