// Package watch implements the recursive watch manager: it keeps a set of
// inotify watch descriptors aligned with a live directory tree, tracks
// symlink indirection so that watched links survive target changes, and
// handles the directory-rename dance (MOVED_FROM/EEXIST/MOVE_SELF/IGNORED)
// that the kernel forces on any watcher that wants watches to follow a
// renamed directory rather than going stale.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/inocore/inocore/pkg/ievent"
	"github.com/inocore/inocore/pkg/logging"
)

// scratchCacheCapacity bounds how many per-wd scratch entries the manager
// retains at once. A directory-move storm that never completes (MOVED_FROM
// with no matching MOVE_SELF, e.g. because the destination fell outside any
// watched tree) would otherwise leak one scratch entry per orphaned move
// forever; the LRU evicts the oldest ones instead.
const scratchCacheCapacity = 8192

// kernelInstance is the subset of *kernel.Instance the manager depends on,
// kept narrow so tests can substitute a fake.
type kernelInstance interface {
	AddWatch(path string, mask ievent.Mask) (int32, error)
	RemoveWatch(wd int32) error
}

// scratch holds the directory-move state machine's per-watch bookkeeping, as
// described for the watch manager: a MOVED_FROM child records its parent,
// its parent records the child, and the EEXIST handler on the new side fills
// in toPath once it learns where the child landed.
type scratch struct {
	// childWd is set on a parent wd when one of its children has just been
	// reported MOVED_FROM, identifying which child.
	childWd int32
	// parentWd is set on a child wd when it has just been reported
	// MOVED_FROM, identifying its former parent.
	parentWd int32
	// toPath is set by the EEXIST handler once the watch re-add at the new
	// location reveals the destination path.
	toPath string
	// hasToPath distinguishes "no destination known yet" from the empty
	// string being a legitimate (if odd) path.
	hasToPath bool
}

// Manager maintains the bijection between filesystem paths and inotify watch
// descriptors for a set of recursively watched root trees, plus the
// auxiliary symlink-indirection tables needed to keep link watches alive
// independent of their targets.
type Manager struct {
	kernel kernelInstance
	logger *logging.Logger

	mu sync.Mutex

	pathToWd map[string]int32
	wdToPath map[int32]string

	// linksByTarget maps a symlink target directory to the set of link
	// paths that point at it. A target that is itself directly watched
	// (not merely through a link) carries the sentinel entry "" so that
	// removing every link leaves the direct watch alone.
	linksByTarget map[string]map[string]bool
	// targetByLink maps a link path back to the target it was resolved
	// against, for remove_link.
	targetByLink map[string]string

	scratchByWd map[int32]*scratch
	// scratchLRU bounds scratchByWd's size; its OnEvicted callback keeps
	// scratchByWd in sync when the oldest entry is pushed out.
	scratchLRU *lru.Cache

	roots []string
}

// directWatchSentinel is the linksByTarget entry recorded for a target that
// is watched directly (not solely via a symlink), so that removing all
// links pointing at it doesn't tear down the direct watch.
const directWatchSentinel = ""

// New creates an empty watch manager bound to the given kernel instance.
func New(instance kernelInstance, logger *logging.Logger) *Manager {
	m := &Manager{
		kernel:        instance,
		logger:        logger,
		pathToWd:      make(map[string]int32),
		wdToPath:      make(map[int32]string),
		linksByTarget: make(map[string]map[string]bool),
		targetByLink:  make(map[string]string),
		scratchByWd:   make(map[int32]*scratch),
	}
	m.scratchLRU = &lru.Cache{
		MaxEntries: scratchCacheCapacity,
		OnEvicted: func(key lru.Key, _ interface{}) {
			delete(m.scratchByWd, key.(int32))
		},
	}
	return m
}

// touchScratch records or refreshes wd's entry in the bounded scratch LRU.
// Callers must hold m.mu.
func (m *Manager) touchScratch(wd int32) {
	m.scratchLRU.Add(wd, struct{}{})
}

// isExpectedWatchError reports whether err is one of the watch errors that
// spec.md classifies as expected (log and skip) rather than fatal.
func isExpectedWatchError(err error) bool {
	return os.IsNotExist(err) || os.IsPermission(err) ||
		strings.Contains(err.Error(), "not a directory")
}

// isWatchExistsError reports whether err corresponds to the kernel's EEXIST,
// which during a directory move indicates the new location is already
// tracked and must be routed through the move state machine rather than
// logged as a plain warning.
func isWatchExistsError(err error) bool {
	return strings.Contains(err.Error(), "file exists")
}

// AddTree adds a watch on path and on every non-symlink subdirectory
// reachable by walking it, installing a link-watch for every symlink
// encountered. Redundant additions are idempotent.
func (m *Manager) AddTree(path string, mask ievent.Mask) error {
	m.mu.Lock()
	m.roots = append(m.roots, path)
	m.mu.Unlock()

	return m.addTreeWalk(path, mask)
}

func (m *Manager) addTreeWalk(path string, mask ievent.Mask) error {
	info, err := os.Lstat(path)
	if err != nil {
		if isExpectedWatchError(err) {
			m.logger.Warnf("skipping unreachable path %q: %v", path, err)
			return nil
		}
		return fmt.Errorf("unable to stat %q: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return m.AddLink(path, mask)
	}
	if !info.IsDir() {
		return nil
	}

	if err := m.addWatch(path, mask); err != nil {
		return err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if isExpectedWatchError(err) {
			m.logger.Warnf("skipping unreadable directory %q: %v", path, err)
			return nil
		}
		return fmt.Errorf("unable to read directory %q: %w", path, err)
	}

	for _, entry := range entries {
		child := filepath.Join(path, entry.Name())
		if err := m.addTreeWalk(child, mask); err != nil {
			return err
		}
	}

	return nil
}

// addWatch installs (or re-confirms) a single watch, recording the
// path/wd bijection and handling the directory-move EEXIST case.
func (m *Manager) addWatch(path string, mask ievent.Mask) error {
	wd, err := m.kernel.AddWatch(path, mask)
	if err != nil {
		if isExpectedWatchError(err) {
			m.logger.Warnf("skipping %q: %v", path, err)
			return nil
		}
		if isWatchExistsError(err) {
			m.handleMoveEexist(path)
			return nil
		}
		return fmt.Errorf("unable to watch %q: %w", path, err)
	}

	m.mu.Lock()
	m.pathToWd[path] = wd
	m.wdToPath[wd] = path
	m.mu.Unlock()

	return nil
}

// handleMoveEexist implements the EEXIST branch of the move state machine:
// if the parent directory of path has a child recorded as MOVED_FROM in its
// scratch, the destination path is stashed on that child's scratch to be
// committed when MOVE_SELF/IGNORED arrives.
func (m *Manager) handleMoveEexist(path string) {
	parent := filepath.Dir(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	parentWd, ok := m.pathToWd[parent]
	if !ok {
		return
	}
	parentScratch, ok := m.scratchByWd[parentWd]
	if !ok || parentScratch.childWd == 0 {
		return
	}

	childScratch, ok := m.scratchByWd[parentScratch.childWd]
	if !ok {
		childScratch = &scratch{}
		m.scratchByWd[parentScratch.childWd] = childScratch
	}
	childScratch.toPath = path
	childScratch.hasToPath = true
	m.touchScratch(parentScratch.childWd)
}

// RecordMovedFrom updates the move state machine when a MOVED_FROM event is
// observed for childPath inside the directory watched as parentWd.
func (m *Manager) RecordMovedFrom(parentWd int32, childPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	childWd, ok := m.pathToWd[childPath]
	if !ok {
		return
	}

	parentScratch, ok := m.scratchByWd[parentWd]
	if !ok {
		parentScratch = &scratch{}
		m.scratchByWd[parentWd] = parentScratch
	}
	parentScratch.childWd = childWd

	childScratch, ok := m.scratchByWd[childWd]
	if !ok {
		childScratch = &scratch{}
		m.scratchByWd[childWd] = childScratch
	}
	childScratch.parentWd = parentWd

	m.touchScratch(parentWd)
	m.touchScratch(childWd)
}

// ResolveMove handles the MOVE_SELF (or IGNORED) event for wd: if a
// destination path was recorded by the EEXIST handler, every descendant wd
// is rebased onto the new path by string substitution; otherwise every
// descendant is unwatched, matching spec.md's directory-move state machine.
func (m *Manager) ResolveMove(wd int32) {
	m.mu.Lock()

	childScratch, ok := m.scratchByWd[wd]
	oldPath, havePath := m.wdToPath[wd]
	delete(m.scratchByWd, wd)

	if !ok || !havePath {
		m.mu.Unlock()
		return
	}

	if !childScratch.hasToPath {
		descendants := m.descendantsLocked(oldPath)
		m.mu.Unlock()
		for _, descendantWd := range descendants {
			m.removeWatchByWd(descendantWd)
		}
		return
	}

	newPath := childScratch.toPath
	rebased := make(map[int32]string)
	for descendantWd, descendantPath := range m.wdToPath {
		if descendantPath == oldPath || strings.HasPrefix(descendantPath, oldPath+string(filepath.Separator)) {
			rebased[descendantWd] = newPath + strings.TrimPrefix(descendantPath, oldPath)
		}
	}
	for descendantWd, newDescendantPath := range rebased {
		delete(m.pathToWd, m.wdToPath[descendantWd])
		m.wdToPath[descendantWd] = newDescendantPath
		m.pathToWd[newDescendantPath] = descendantWd
	}
	m.mu.Unlock()
}

// descendantsLocked returns every known wd whose path is root or a
// descendant of root. Callers must hold m.mu.
func (m *Manager) descendantsLocked(root string) []int32 {
	var result []int32
	prefix := root + string(filepath.Separator)
	for wd, path := range m.wdToPath {
		if path == root || strings.HasPrefix(path, prefix) {
			result = append(result, wd)
		}
	}
	return result
}

// RemoveTree tears down the watch for wd and every descendant whose path
// begins with the removed path. Descendants not currently known (e.g.
// concurrently pruned) are ignored.
func (m *Manager) RemoveTree(wd int32) {
	m.mu.Lock()
	root, ok := m.wdToPath[wd]
	if !ok {
		m.mu.Unlock()
		return
	}
	descendants := m.descendantsLocked(root)
	m.mu.Unlock()

	for _, descendantWd := range descendants {
		m.removeWatchByWd(descendantWd)
	}
}

func (m *Manager) removeWatchByWd(wd int32) {
	m.mu.Lock()
	path, ok := m.wdToPath[wd]
	if ok {
		delete(m.wdToPath, wd)
		delete(m.pathToWd, path)
	}
	delete(m.scratchByWd, wd)
	m.mu.Unlock()

	if err := m.kernel.RemoveWatch(wd); err != nil {
		m.logger.Warnf("unable to remove watch %d: %v", wd, err)
	}
}

// AddLink dereferences one level of symlink at linkPath (a relative link is
// resolved against linkPath's directory). If the target is a directory not
// already watched through this mechanism, a regular tree watch is added on
// the target. Cyclic symlinks are not followed beyond one hop: os.Stat on a
// target inside a loop fails, and the link is skipped.
func (m *Manager) AddLink(linkPath string, mask ievent.Mask) error {
	target, err := os.Readlink(linkPath)
	if err == nil && !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(linkPath), target)
	}
	if err != nil {
		if isExpectedWatchError(err) {
			m.logger.Warnf("skipping broken link %q: %v", linkPath, err)
			return nil
		}
		return fmt.Errorf("unable to resolve link %q: %w", linkPath, err)
	}

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return nil
	}

	m.mu.Lock()
	_, directlyWatched := m.pathToWd[target]
	links, alreadyIndirect := m.linksByTarget[target]
	if !alreadyIndirect {
		links = make(map[string]bool)
		m.linksByTarget[target] = links
	}
	links[linkPath] = true
	if directlyWatched {
		links[directWatchSentinel] = true
	}
	m.targetByLink[linkPath] = target
	needsWatch := !directlyWatched && !alreadyIndirect
	m.mu.Unlock()

	if needsWatch {
		return m.addTreeWalk(target, mask)
	}
	return nil
}

// RemoveLink removes the indirection recorded for linkPath. If it was the
// last link pointing at its target and the target was never directly
// watched, the underlying tree watch is torn down.
func (m *Manager) RemoveLink(linkPath string) {
	m.mu.Lock()
	target, ok := m.targetByLink[linkPath]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.targetByLink, linkPath)

	links := m.linksByTarget[target]
	delete(links, linkPath)

	directSentinel := links[directWatchSentinel]
	empty := len(links) == 0 || (len(links) == 1 && directSentinel)
	if empty {
		delete(m.linksByTarget, target)
	}
	shouldUnwatch := empty && !directSentinel
	targetWd, haveWd := m.pathToWd[target]
	m.mu.Unlock()

	if shouldUnwatch && haveWd {
		m.RemoveTree(targetWd)
	}
}

// ResolveAliases returns every path that refers to the same watched object
// as path: path itself, plus every link path indirecting to it if path is
// itself a watched target.
func (m *Manager) ResolveAliases(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	aliases := []string{path}
	for link := range m.linksByTarget[path] {
		if link != directWatchSentinel {
			aliases = append(aliases, link)
		}
	}
	return aliases
}

// Rescan is the overflow-recovery path: every watch is torn down, then
// add_tree is re-run on each root. Events between the overflow and
// completion may be lost; that loss is accepted by the caller.
func (m *Manager) Rescan(mask ievent.Mask) error {
	m.mu.Lock()
	var allWds []int32
	for wd := range m.wdToPath {
		allWds = append(allWds, wd)
	}
	roots := append([]string(nil), m.roots...)
	m.pathToWd = make(map[string]int32)
	m.wdToPath = make(map[int32]string)
	m.scratchByWd = make(map[int32]*scratch)
	m.linksByTarget = make(map[string]map[string]bool)
	m.targetByLink = make(map[string]string)
	m.roots = nil
	m.mu.Unlock()

	for _, wd := range allWds {
		if err := m.kernel.RemoveWatch(wd); err != nil {
			m.logger.Warnf("unable to remove watch %d during rescan: %v", wd, err)
		}
	}

	for _, root := range roots {
		if err := m.AddTree(root, mask); err != nil {
			return fmt.Errorf("unable to re-add root %q during rescan: %w", root, err)
		}
	}

	return nil
}

// PathForWd returns the path currently associated with wd, if any.
func (m *Manager) PathForWd(wd int32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.wdToPath[wd]
	return path, ok
}

// WdForPath returns the watch descriptor currently associated with path, if
// any.
func (m *Manager) WdForPath(path string) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wd, ok := m.pathToWd[path]
	return wd, ok
}
