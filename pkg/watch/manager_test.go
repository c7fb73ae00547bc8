package watch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/inocore/inocore/pkg/ievent"
)

// fakeKernel is an in-memory stand-in for *kernel.Instance, recording which
// paths were watched and allowing a test to inject EEXIST failures.
type fakeKernel struct {
	nextWd      int32
	watchedPath map[int32]string
	eexistFor   map[string]bool
	removed     []int32
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		watchedPath: make(map[int32]string),
		eexistFor:   make(map[string]bool),
	}
}

func (f *fakeKernel) AddWatch(path string, mask ievent.Mask) (int32, error) {
	if f.eexistFor[path] {
		return 0, errors.New("file exists")
	}
	f.nextWd++
	f.watchedPath[f.nextWd] = path
	return f.nextWd, nil
}

func (f *fakeKernel) RemoveWatch(wd int32) error {
	f.removed = append(f.removed, wd)
	delete(f.watchedPath, wd)
	return nil
}

func TestAddTreeWatchesDirectoriesRecursively(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0700); err != nil {
		t.Fatal(err)
	}

	k := newFakeKernel()
	m := New(k, nil)

	if err := m.AddTree(root, ievent.WatchMask); err != nil {
		t.Fatal("AddTree failed:", err)
	}

	if _, ok := m.WdForPath(root); !ok {
		t.Error("root not watched")
	}
	if _, ok := m.WdForPath(sub); !ok {
		t.Error("subdirectory not watched")
	}
}

func TestRemoveTreeRemovesDescendants(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0700); err != nil {
		t.Fatal(err)
	}

	k := newFakeKernel()
	m := New(k, nil)
	if err := m.AddTree(root, ievent.WatchMask); err != nil {
		t.Fatal(err)
	}

	rootWd, _ := m.WdForPath(root)
	m.RemoveTree(rootWd)

	if _, ok := m.WdForPath(root); ok {
		t.Error("root still watched after RemoveTree")
	}
	if _, ok := m.WdForPath(sub); ok {
		t.Error("subdirectory still watched after RemoveTree")
	}
	if len(k.removed) != 2 {
		t.Error("expected 2 watches removed, got", len(k.removed))
	}
}

func TestDirectoryMoveRebasesDescendants(t *testing.T) {
	root := t.TempDir()
	oldDir := filepath.Join(root, "old")
	if err := os.Mkdir(oldDir, 0700); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(oldDir, "nested")
	if err := os.Mkdir(nested, 0700); err != nil {
		t.Fatal(err)
	}

	k := newFakeKernel()
	m := New(k, nil)
	if err := m.AddTree(root, ievent.WatchMask); err != nil {
		t.Fatal(err)
	}

	rootWd, _ := m.WdForPath(root)
	oldWd, _ := m.WdForPath(oldDir)

	// Simulate the kernel reporting MOVED_FROM for "old" inside root.
	m.RecordMovedFrom(rootWd, oldDir)

	// Simulate the watcher re-adding a watch at the destination, which the
	// kernel reports as EEXIST because the inode is already tracked as
	// "old" under its pre-move path.
	newDir := filepath.Join(root, "new")
	k.eexistFor[newDir] = true
	if err := m.addWatch(newDir, ievent.WatchMask); err != nil {
		t.Fatal(err)
	}

	// MOVE_SELF arrives for the moved directory's own wd.
	m.ResolveMove(oldWd)

	if _, ok := m.WdForPath(newDir); !ok {
		t.Error("expected descendant rebased to new path")
	}
	if _, ok := m.WdForPath(filepath.Join(newDir, "nested")); !ok {
		t.Error("expected nested descendant rebased to new path")
	}
	if _, ok := m.WdForPath(oldDir); ok {
		t.Error("old path should no longer be tracked")
	}
}

func TestDirectoryMoveWithoutDestinationUnwatchesDescendants(t *testing.T) {
	root := t.TempDir()
	oldDir := filepath.Join(root, "old")
	if err := os.Mkdir(oldDir, 0700); err != nil {
		t.Fatal(err)
	}

	k := newFakeKernel()
	m := New(k, nil)
	if err := m.AddTree(root, ievent.WatchMask); err != nil {
		t.Fatal(err)
	}

	rootWd, _ := m.WdForPath(root)
	oldWd, _ := m.WdForPath(oldDir)
	m.RecordMovedFrom(rootWd, oldDir)

	// No EEXIST ever arrives (e.g. moved outside any watched tree), so
	// MOVE_SELF should unwatch the subtree instead of rebasing it.
	m.ResolveMove(oldWd)

	if _, ok := m.WdForPath(oldDir); ok {
		t.Error("expected old path unwatched")
	}
}

func TestResolveAliasesIncludesLinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target")
	if err := os.Mkdir(target, 0700); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	k := newFakeKernel()
	m := New(k, nil)
	if err := m.AddLink(link, ievent.WatchMask); err != nil {
		t.Fatal("AddLink failed:", err)
	}

	aliases := m.ResolveAliases(target)
	found := false
	for _, alias := range aliases {
		if alias == link {
			found = true
		}
	}
	if !found {
		t.Error("expected link path among resolved aliases:", aliases)
	}
}
