package inotifytest

import (
	"testing"
	"time"
)

func TestAwaitMatchesFirstPredicateHit(t *testing.T) {
	events := make(chan int, 2)
	errs := make(chan error, 1)
	events <- 1
	events <- 2

	result := Await(t, events, errs, time.Second, func(v int) bool {
		return v == 2
	})
	if result != 2 {
		t.Error("unexpected matched value:", result)
	}
}

func TestDrainEmptiesWithoutBlocking(t *testing.T) {
	events := make(chan int, 3)
	events <- 1
	events <- 2
	events <- 3

	Drain(events)

	select {
	case v := <-events:
		t.Error("expected channel to be drained, got:", v)
	default:
	}
}
