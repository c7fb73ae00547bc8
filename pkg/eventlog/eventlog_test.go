package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/inocore/inocore/pkg/ievent"
)

var timeComparer = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

func TestAppendSucceedsOnFirstTry(t *testing.T) {
	primary := &MemorySink{}
	log := New(primary, nil, nil)

	event := ievent.New(ievent.Create, "/data/file.txt", time.Now())
	if err := log.Append(event); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(primary.Rows()) != 1 {
		t.Fatalf("expected 1 row, got %d", len(primary.Rows()))
	}
}

func TestAppendRetriesThenSucceeds(t *testing.T) {
	primary := &MemorySink{FailNext: 2}
	log := New(primary, nil, nil)

	event := ievent.New(ievent.Create, "/data/file.txt", time.Now())
	if err := log.Append(event); err != nil {
		t.Fatalf("expected the 3rd attempt to succeed, got %v", err)
	}
	if len(primary.Rows()) != 1 {
		t.Fatalf("expected 1 row after retry, got %d", len(primary.Rows()))
	}
}

func TestAppendFailsOverToAux(t *testing.T) {
	primary := &MemorySink{FailNext: 100}
	aux := &MemorySink{}
	log := New(primary, aux, nil)

	event := ievent.New(ievent.Create, "/data/file.txt", time.Now())
	if err := log.Append(event); err != nil {
		t.Fatalf("expected failover to aux to succeed, got %v", err)
	}
	if len(aux.Rows()) != 1 {
		t.Fatalf("expected 1 row in aux, got %d", len(aux.Rows()))
	}
}

func TestAppendReturnsErrorWhenBothExhausted(t *testing.T) {
	primary := &MemorySink{FailNext: 100}
	aux := &MemorySink{FailNext: 100}
	log := New(primary, aux, nil)

	event := ievent.New(ievent.Create, "/data/file.txt", time.Now())
	if err := log.Append(event); err == nil {
		t.Fatal("expected an error when both primary and aux are exhausted")
	}
}

func TestAppendKeysAreUnique(t *testing.T) {
	primary := &MemorySink{}
	log := New(primary, nil, nil)

	for i := 0; i < 50; i++ {
		event := ievent.New(ievent.Create, "/data/file.txt", time.Now())
		if err := log.Append(event); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	for _, row := range primary.Rows() {
		if seen[row.Key] {
			t.Fatalf("duplicate key %q", row.Key)
		}
		seen[row.Key] = true
	}
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	defer sink.Close()

	row := Row{Key: "1.0", Mask: ievent.Create, SrcPath: "/data/file.txt", Time: time.Now()}
	if err := sink.Append(row); err != nil {
		t.Fatalf("append: %v", err)
	}
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var decoded Row
	lines := splitLines(data)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if err := json.Unmarshal(lines[0], &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(row, decoded, timeComparer); diff != "" {
		t.Fatalf("row did not round-trip through JSON (-want +got):\n%s", diff)
	}
}

func TestMemorySinkQueryMatchesByMaskAndPattern(t *testing.T) {
	sink := &MemorySink{}
	now := time.Now()
	want := Row{Key: "1.0", Mask: ievent.Create, SrcPath: "/data/keep.txt", Time: now}
	if err := sink.Append(want); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sink.Append(Row{Key: "2.0", Mask: ievent.Delete, SrcPath: "/data/drop.txt", Time: now}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, err := sink.Query(QueryFilter{Mask: "CREATE", Pattern: "keep"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 matching row, got %d", len(rows))
	}
	if diff := cmp.Diff(want, rows[0], timeComparer); diff != "" {
		t.Fatalf("unexpected matched row (-want +got):\n%s", diff)
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
