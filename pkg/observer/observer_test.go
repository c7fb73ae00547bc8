package observer

import (
	"context"
	"testing"
	"time"
)

// Invariant 7: the adaptive interval stays within [min, max] across any
// finite sequence of priority returns, however extreme.
func TestAdaptiveClamp(t *testing.T) {
	a := NewAdaptive(time.Second, 10*time.Second, func(context.Context) int { return 0 }, nil)

	priorities := []int{5, 5, 5, -5, -5, -5, -5, -5, -5, -5, 1, -1, 0, 100, -100}
	for _, p := range priorities {
		next := a.rescale(p)
		if next < a.min || next > a.max {
			t.Fatalf("interval %v escaped [%v, %v] after priority %d", next, a.min, a.max, p)
		}
	}
}

func TestAdaptiveRescaleHalvesAndDoubles(t *testing.T) {
	a := NewAdaptive(time.Millisecond, time.Hour, func(context.Context) int { return 0 }, nil)
	a.interval = 100 * time.Millisecond

	if got := a.rescale(1); got != 50*time.Millisecond {
		t.Fatalf("expected priority +1 to halve the interval, got %v", got)
	}
	if got := a.rescale(-1); got != 100*time.Millisecond {
		t.Fatalf("expected priority -1 to double the interval back, got %v", got)
	}
	if got := a.rescale(0); got != 100*time.Millisecond {
		t.Fatalf("expected priority 0 to leave the interval unchanged, got %v", got)
	}
}

func TestAdaptiveStartStopConverges(t *testing.T) {
	calls := 0
	a := NewAdaptive(time.Millisecond, 5*time.Millisecond, func(context.Context) int {
		calls++
		return 5
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	a.Stop()

	if calls == 0 {
		t.Fatal("expected the adaptive scheduler to have invoked its callback at least once")
	}
	if a.Interval() != a.min {
		t.Fatalf("expected repeated speed-up priorities to converge on min, got %v", a.Interval())
	}
}

func TestStatsNotifierGrowingRatioRaisesPriority(t *testing.T) {
	o := New(time.Millisecond, time.Hour, 0.9, nil)

	o.Events.Add(100)
	o.Overflows.Add(1)
	first := o.stats.Check(context.Background())
	if first != -1 {
		t.Fatalf("expected the first window (no prior ratio) to return -1, got %d", first)
	}

	o.Events.Add(100)
	o.Overflows.Add(50)
	second := o.stats.Check(context.Background())
	if second != 1 {
		t.Fatalf("expected a growing overflow ratio to return +1, got %d", second)
	}
	if !o.stats.WarnedOverflow() {
		t.Fatal("expected the overflow latch to be set while overflows are present")
	}
}

func TestStatsNotifierClearsLatchOnCleanWindow(t *testing.T) {
	o := New(time.Millisecond, time.Hour, 0.9, nil)
	o.Overflows.Add(1)
	o.Events.Add(10)
	o.stats.Check(context.Background())
	if !o.stats.WarnedOverflow() {
		t.Fatal("expected the latch to be set after an overflow")
	}

	// A clean window (no overflow samples survive once the window elapses)
	// must clear the latch.
	o.Overflows.ResetDuration(time.Nanosecond)
	time.Sleep(time.Millisecond)
	o.stats.Check(context.Background())
	if o.stats.WarnedOverflow() {
		t.Fatal("expected the latch to clear on a clean window")
	}
}

func TestRatioHelper(t *testing.T) {
	if r := ratio(0, 0); r != 0 {
		t.Fatalf("expected ratio(0,0)=0, got %v", r)
	}
	if r := ratio(9, 10); r != 0.9 {
		t.Fatalf("expected ratio(9,10)=0.9, got %v", r)
	}
}

func TestObserverRecordHelpers(t *testing.T) {
	o := New(time.Millisecond, time.Hour, 0.9, nil)
	o.RecordRead()
	o.RecordEvents(3)
	o.RecordOverflow()

	if o.Reads.Count() != 1 {
		t.Fatalf("expected 1 read sample, got %d", o.Reads.Count())
	}
	if o.Events.Sum() != 3 {
		t.Fatalf("expected events sum 3, got %v", o.Events.Sum())
	}
	if o.Overflows.Count() != 1 {
		t.Fatalf("expected 1 overflow sample, got %d", o.Overflows.Count())
	}
}
