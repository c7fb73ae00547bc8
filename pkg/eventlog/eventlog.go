// Package eventlog implements the worker's append-only event log: one row
// per emitted event keyed by a globally-unique microsecond-precision
// timestamp, with a bounded-retry primary sink and failover to an auxiliary
// sink on persistent storage error.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/inocore/inocore/pkg/ievent"
	"github.com/inocore/inocore/pkg/logging"
	"github.com/inocore/inocore/pkg/watcherrors"
)

// defaultAttempts is the bounded retry ladder's length: three attempts
// against the primary sink before failing over to the auxiliary sink.
const defaultAttempts = 3

// Row is one append-only log entry.
type Row struct {
	Key      string                 `json:"key"`
	Mask     ievent.Mask            `json:"mask"`
	SrcPath  string                 `json:"src_path"`
	DestPath string                 `json:"dest_path,omitempty"`
	Time     time.Time              `json:"time"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Sink is an abstracted append-only storage backend; concrete backends (a
// local file, a shared object store) are out of scope and implement this
// narrow interface.
type Sink interface {
	Append(row Row) error
}

// keyer generates globally-unique, monotonically increasing microsecond-
// precision keys, breaking ties within the same microsecond with a
// sequence counter so concurrent appends never collide.
type keyer struct {
	mu       sync.Mutex
	lastMicro int64
	seq       int64
}

func (k *keyer) next() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	micro := time.Now().UnixMicro()
	if micro == k.lastMicro {
		k.seq++
	} else {
		k.lastMicro = micro
		k.seq = 0
	}
	return fmt.Sprintf("%d.%d", micro, k.seq)
}

// Log is the worker's event log writer: it tries Primary up to Attempts
// times, falling back to Aux (if set) on persistent failure.
type Log struct {
	Primary  Sink
	Aux      Sink
	Attempts int
	Logger   *logging.Logger

	keyer keyer
}

// New constructs a Log with the default retry ladder length.
func New(primary, aux Sink, logger *logging.Logger) *Log {
	return &Log{Primary: primary, Aux: aux, Attempts: defaultAttempts, Logger: logger}
}

// Append assigns event a fresh globally-unique key and writes it, retrying
// against Primary up to Attempts times before failing over to Aux.
func (l *Log) Append(event *ievent.Event) error {
	row := Row{
		Key:      l.keyer.next(),
		Mask:     event.Mask,
		SrcPath:  event.SrcPath,
		DestPath: event.DestPath,
		Time:     event.Time,
		Fields:   event.Fields,
	}

	attempts := l.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := l.Primary.Append(row); err != nil {
			lastErr = err
			l.Logger.Warnf("event log: primary append attempt %d/%d failed: %v", attempt+1, attempts, err)
			continue
		}
		return nil
	}

	if l.Aux == nil {
		return fmt.Errorf("%w: primary exhausted %d attempts, no aux configured: %v", watcherrors.ErrStorage, attempts, lastErr)
	}
	l.Logger.Warnf("event log: primary exhausted, failing over to aux")
	if err := l.Aux.Append(row); err != nil {
		return fmt.Errorf("%w: aux append also failed: %v", watcherrors.ErrStorage, err)
	}
	return nil
}

// QueryFilter narrows a Queryable's Query by time range, source path
// pattern, mask name, and pid (matched against Fields["pid"], if present).
// Any zero field is unconstrained.
type QueryFilter struct {
	FromTime int64
	ToTime   int64
	Pattern  string
	Mask     string
	PID      int
}

// Queryable is implemented by Sinks that can answer the `query` verb over
// their stored rows. MemorySink implements it; FileSink does not, being
// append-only with no index to scan by.
type Queryable interface {
	Query(filter QueryFilter) ([]Row, error)
}

func (f QueryFilter) match(row Row) bool {
	if f.FromTime != 0 && row.Time.UnixMicro() < f.FromTime {
		return false
	}
	if f.ToTime != 0 && row.Time.UnixMicro() > f.ToTime {
		return false
	}
	if f.Mask != "" && row.Mask.Name() != f.Mask {
		return false
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil || !re.MatchString(row.SrcPath) {
			return false
		}
	}
	if f.PID != 0 {
		pid, ok := row.Fields["pid"]
		if !ok || fmt.Sprintf("%v", pid) != fmt.Sprintf("%d", f.PID) {
			return false
		}
	}
	return true
}

// MemorySink is an in-memory Sink, used by tests and as the default
// backend absent an external store.
type MemorySink struct {
	mu   sync.Mutex
	rows []Row

	// FailNext, if > 0, causes the next N Append calls to fail, simulating
	// a storage error for retry-ladder and failover tests.
	FailNext int
}

func (m *MemorySink) Append(row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext > 0 {
		m.FailNext--
		return fmt.Errorf("%w: simulated failure", watcherrors.ErrStorage)
	}
	m.rows = append(m.rows, row)
	return nil
}

// Rows returns a copy of the rows appended so far.
func (m *MemorySink) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Row(nil), m.rows...)
}

// Query implements Queryable by scanning the in-memory rows.
func (m *MemorySink) Query(filter QueryFilter) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.rows))
	for _, row := range m.rows {
		if filter.match(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

// FileSink appends one JSON-encoded row per line to a file opened in
// append mode, the simplest concrete backend for the otherwise-abstracted
// event log.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (creating if necessary) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f}, nil
}

func (f *FileSink) Append(row Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.file.Write(data)
	return err
}

// Close closes the underlying file.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
