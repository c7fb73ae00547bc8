package tracker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/inocore/inocore/pkg/ievent"
	"github.com/inocore/inocore/pkg/logging"
	"github.com/inocore/inocore/pkg/watcherrors"
)

// Pattern associates a compiled path pattern with the parser format used
// for files that match it. Patterns are tried in order; the first match
// wins, matching spec's "select the first one and its parser".
type Pattern struct {
	Regexp *regexp.Regexp
	Format Format
}

// Callback receives the MODIFY_CONFIG event for a tracked file whose
// content changed.
type Callback func(*ievent.Event)

// Tracker implements consider/checkout/watch_dir/wipe against a set of
// configured patterns, an Index, a BackupStore, and a DiffStore. MaxDepth,
// if non-negative, bounds how many historical diffs are retained per fid.
type Tracker struct {
	Patterns  []Pattern
	Index     Index
	Backups   BackupStore
	Diffs     DiffStore
	Locker    PathLocker
	MaxDepth  int
	Logger    *logging.Logger
}

// New constructs a Tracker with in-memory index/backup/diff stores and a
// process-local path locker, the defaults absent an external shared
// backend.
func New(patterns []Pattern, maxDepth int, logger *logging.Logger) *Tracker {
	return &Tracker{
		Patterns: patterns,
		Index:    newMemIndex(),
		Backups:  newMemBackupStore(),
		Diffs:    newMemDiffStore(),
		Locker:   newProcessLocker(),
		MaxDepth: maxDepth,
		Logger:   logger,
	}
}

// matchPattern returns the first pattern matching path, if any.
func (t *Tracker) matchPattern(path string) (Pattern, bool) {
	for _, p := range t.Patterns {
		if p.Regexp.MatchString(path) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Consider implements the per-consider algorithm: match pattern, parse,
// lock, diff against the stored backup, and invoke callback with a
// MODIFY_CONFIG event iff the version actually advanced.
func (t *Tracker) Consider(path string, callback Callback) error {
	pattern, ok := t.matchPattern(path)
	if !ok {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Logger.Warnf("tracker: unable to read %q: %v", path, err)
		return fmt.Errorf("%w: %v", watcherrors.ErrParse, err)
	}
	parsed, err := Parse(pattern.Format, data)
	if err != nil {
		t.Logger.Warnf("tracker: unable to parse %q: %v", path, err)
		return fmt.Errorf("%w: %v", watcherrors.ErrParse, err)
	}

	t.Locker.Lock(path)
	defer t.Locker.Unlock(path)

	fid, known := t.Index.FidByPath(path)
	if !known {
		fid = newFid()
		if err := t.Index.Put(Entry{Fid: fid, Path: path, Version: 0, Format: pattern.Format}); err != nil {
			return err
		}
		return t.Backups.Save(fid, parsed)
	}

	entry, ok := t.Index.Get(fid)
	if !ok {
		return watcherrors.ErrParse
	}

	before, ok := t.Backups.Load(fid)
	if !ok {
		before = parsed
	}

	diff := computeDiff(pattern.Format, before, parsed)
	if diff.Empty() {
		return nil
	}

	newVersion := entry.Version + 1
	if err := t.Backups.Save(fid, parsed); err != nil {
		return err
	}
	if err := t.Diffs.Save(fid, newVersion, diff); err != nil {
		return err
	}
	if t.MaxDepth >= 0 {
		if expired := newVersion - t.MaxDepth; expired > 0 {
			_ = t.Diffs.Delete(fid, expired)
		}
	}
	entry.Version = newVersion
	if err := t.Index.Put(entry); err != nil {
		return err
	}

	event := ievent.New(ievent.ModifyConfig, path, time.Now())
	event.WithField("before", before).WithField("after", parsed).WithField("diff", diff)
	if callback != nil {
		callback(event)
	}
	return nil
}

func computeDiff(format Format, before, after interface{}) Diff {
	switch format {
	case FormatINI:
		return Diff{Format: FormatINI, INI: DiffINI(before.(map[string]map[string]string), after.(map[string]map[string]string))}
	case FormatJSON:
		return Diff{Format: FormatJSON, JSON: DiffJSON(before.(map[string]interface{}), after.(map[string]interface{}))}
	default:
		oldLines, _ := before.([]string)
		newLines, _ := after.([]string)
		return Diff{Format: FormatGeneric, Generic: DiffGeneric(oldLines, newLines)}
	}
}

// Checkout reconstructs path's content at version v. A negative v is
// relative to latest (-1 is the latest version itself). Out-of-range and
// unknown-path are distinct sentinel errors.
func (t *Tracker) Checkout(path string, v int) (interface{}, error) {
	fid, ok := t.Index.FidByPath(path)
	if !ok {
		return nil, ErrUnknownPath
	}
	entry, ok := t.Index.Get(fid)
	if !ok {
		return nil, ErrUnknownPath
	}

	latest := entry.Version
	target := v
	if v < 0 {
		target = latest + v + 1
	}

	minVersion := 0
	if t.MaxDepth >= 0 && latest-t.MaxDepth > 0 {
		minVersion = latest - t.MaxDepth
	}
	if target < minVersion || target > latest {
		return nil, ErrVersionOutOfRange
	}

	current, ok := t.Backups.Load(fid)
	if !ok {
		return nil, ErrUnknownPath
	}

	for version := latest; version > target; version-- {
		diff, ok := t.Diffs.Load(fid, version)
		if !ok {
			return nil, ErrVersionOutOfRange
		}
		current = diff.ApplyReverse(current)
	}
	return current, nil
}

// WatchDir primes the tracker on startup by running Consider over every
// regular file under dir that matches a configured pattern, seeding their
// initial (version 0) backups without emitting any MODIFY_CONFIG events.
func (t *Tracker) WatchDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			t.Logger.Warnf("tracker: unable to walk %q: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := t.matchPattern(path); !ok {
			return nil
		}
		if err := t.Consider(path, nil); err != nil {
			t.Logger.Warnf("tracker: unable to prime %q: %v", path, err)
		}
		return nil
	})
}

// Wipe removes every index entry (and its backup/diffs) whose path no
// longer exists on disk, per the operator-initiated wipe lifecycle.
func (t *Tracker) Wipe() {
	for _, entry := range t.Index.All() {
		if _, err := os.Stat(entry.Path); err == nil {
			continue
		}
		for version := 1; version <= entry.Version; version++ {
			_ = t.Diffs.Delete(entry.Fid, version)
		}
		_ = t.Backups.Delete(entry.Fid)
		_ = t.Index.Delete(entry.Fid)
	}
}
