package kernel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inocore/inocore/internal/inotifytest"
	"github.com/inocore/inocore/pkg/ievent"
)

func mustNewInstance(t *testing.T) *Instance {
	t.Helper()
	instance, err := New()
	if err != nil {
		t.Fatal("unable to create inotify instance:", err)
	}
	t.Cleanup(func() {
		instance.Close()
	})
	return instance
}

func waitForMask(t *testing.T, instance *Instance, mask ievent.Mask) RawEvent {
	t.Helper()
	return inotifytest.Await(t, instance.Events(), instance.Errors(), inotifytest.DefaultDeadline, func(event RawEvent) bool {
		return event.Mask.Any(mask)
	})
}

func TestAddWatchAndReceiveCreate(t *testing.T) {
	instance := mustNewInstance(t)
	directory := t.TempDir()

	if _, err := instance.AddWatch(directory, ievent.WatchMask); err != nil {
		t.Fatal("unable to add watch:", err)
	}

	if err := os.WriteFile(filepath.Join(directory, "file"), nil, 0600); err != nil {
		t.Fatal("unable to create test file:", err)
	}

	event := waitForMask(t, instance, ievent.Create)
	if event.Name != "file" {
		t.Error("unexpected event name:", event.Name)
	}
}

func TestRemoveWatchOnInvalidDescriptorIsNotAnError(t *testing.T) {
	instance := mustNewInstance(t)
	if err := instance.RemoveWatch(99999); err != nil {
		t.Error("removing an invalid watch descriptor returned an error:", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	instance := mustNewInstance(t)
	if err := instance.Close(); err != nil {
		t.Fatal("first close failed:", err)
	}
	if err := instance.Close(); err != nil {
		t.Fatal("second close failed:", err)
	}
}
