// Package ievent defines the logical event model that the rest of inocore
// operates on: the raw records read from the kernel, the higher-level Event
// type produced by coalescing and enrichment, and the mask bits (both the
// kernel's own and the synthetic ones this system attaches) used to name and
// route them.
package ievent

import "golang.org/x/sys/unix"

// Mask is a union of base inotify bits and the extended synthetic bits this
// system attaches during coalescing and tracking. It is 64 bits wide so that
// the extended bits (which start above bit 32) never collide with the
// kernel's 32-bit mask.
type Mask uint64

// Base inotify event bits, given their kernel values directly so that raw
// records can be widened into a Mask without translation.
const (
	Access      = Mask(unix.IN_ACCESS)
	Modify      = Mask(unix.IN_MODIFY)
	Attrib      = Mask(unix.IN_ATTRIB)
	CloseWrite  = Mask(unix.IN_CLOSE_WRITE)
	CloseNoWrite = Mask(unix.IN_CLOSE_NOWRITE)
	Open        = Mask(unix.IN_OPEN)
	MovedFrom   = Mask(unix.IN_MOVED_FROM)
	MovedTo     = Mask(unix.IN_MOVED_TO)
	Create      = Mask(unix.IN_CREATE)
	Delete      = Mask(unix.IN_DELETE)
	DeleteSelf  = Mask(unix.IN_DELETE_SELF)
	MoveSelf    = Mask(unix.IN_MOVE_SELF)
	Unmount     = Mask(unix.IN_UNMOUNT)
	QOverflow   = Mask(unix.IN_Q_OVERFLOW)
	Ignored     = Mask(unix.IN_IGNORED)
	IsDir       = Mask(unix.IN_ISDIR)

	// baseMask is every base bit recognized by this system, used to separate
	// the base and extended halves of a Mask.
	baseMask = Access | Modify | Attrib | CloseWrite | CloseNoWrite | Open |
		MovedFrom | MovedTo | Create | Delete | DeleteSelf | MoveSelf |
		Unmount | QOverflow | Ignored | IsDir
)

// WatchMask is the set of base bits requested on every watch this system
// installs (mirrors the teacher's nonRecursiveWatcher.Watch mask, widened
// with the bits this spec additionally needs: Create/Delete for tree
// maintenance and Q_OVERFLOW/Ignored are always delivered by the kernel
// regardless of the requested mask).
const WatchMask = Modify | Attrib | CloseWrite | MovedFrom | MovedTo |
	Create | Delete | DeleteSelf | MoveSelf

// Extended synthetic bits, starting above bit 32 so they can never collide
// with a kernel-reported mask value (see spec §6).
const (
	Meta         = Mask(1) << 32
	Rename       = Mask(1) << 33
	BeginModify  = Mask(1) << 34
	InModify     = Mask(1) << 35
	EndModify    = Mask(1) << 36
	ModifyConfig = Mask(1) << 37
)

// names maps every recognized bit to its symbolic name, used for route
// configuration parsing and for picking the "significant" name of an event.
var names = []struct {
	bit  Mask
	name string
}{
	{Access, "ACCESS"},
	{Modify, "MODIFY"},
	{Attrib, "ATTRIB"},
	{CloseWrite, "CLOSE_WRITE"},
	{CloseNoWrite, "CLOSE_NOWRITE"},
	{Open, "OPEN"},
	{MovedFrom, "MOVED_FROM"},
	{MovedTo, "MOVED_TO"},
	{Create, "CREATE"},
	{Delete, "DELETE"},
	{DeleteSelf, "DELETE_SELF"},
	{MoveSelf, "MOVE_SELF"},
	{Unmount, "UNMOUNT"},
	{QOverflow, "Q_OVERFLOW"},
	{Ignored, "IGNORED"},
	{IsDir, "ISDIR"},
	{Meta, "META"},
	{Rename, "RENAME"},
	{BeginModify, "BEGIN_MODIFY"},
	{InModify, "IN_MODIFY"},
	{EndModify, "END_MODIFY"},
	{ModifyConfig, "MODIFY_CONFIG"},
}

// nameToBit is the inverse of names, used by route configuration parsing
// ("'|'-joined symbolic names" per spec §6).
var nameToBit map[string]Mask

func init() {
	nameToBit = make(map[string]Mask, len(names))
	for _, n := range names {
		nameToBit[n.name] = n.bit
	}
}

// MaskFromNames parses a "|"-joined list of symbolic event names (as used in
// route configuration) into a Mask. An unrecognized name is a programmer
// error and is reported to the caller rather than silently ignored.
func MaskFromNames(joined string) (Mask, error) {
	var result Mask
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == '|' {
			name := joined[start:i]
			start = i + 1
			if name == "" {
				continue
			}
			bit, ok := nameToBit[name]
			if !ok {
				return 0, &UnknownEventNameError{Name: name}
			}
			result |= bit
		}
	}
	return result, nil
}

// UnknownEventNameError indicates that a route's event list named a bit this
// system doesn't recognize.
type UnknownEventNameError struct {
	Name string
}

func (e *UnknownEventNameError) Error() string {
	return "unknown event name: " + e.Name
}

// Significant returns the "significant bit" of the mask per spec §3's
// invariant: the lowest set extended bit if any, else the lowest set base
// bit. It is used for naming and formatting, where exactly one bit must be
// picked to represent a composite event.
func (m Mask) Significant() Mask {
	if extended := m &^ baseMask; extended != 0 {
		return extended & (-extended)
	}
	base := m & baseMask
	return base & (-base)
}

// Name returns the symbolic name of the mask's significant bit, or "UNKNOWN"
// if the mask is empty or carries no recognized bit.
func (m Mask) Name() string {
	sig := m.Significant()
	if sig == 0 {
		return "UNKNOWN"
	}
	for _, n := range names {
		if n.bit == sig {
			return n.name
		}
	}
	return "UNKNOWN"
}

// Has reports whether every bit in other is set in m.
func (m Mask) Has(other Mask) bool {
	return m&other == other
}

// Any reports whether m shares any bit with other.
func (m Mask) Any(other Mask) bool {
	return m&other != 0
}

// IsDirEvent reports whether the kernel tagged this event as pertaining to a
// directory.
func (m Mask) IsDirEvent() bool {
	return m.Has(IsDir)
}
