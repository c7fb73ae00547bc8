// Package coalesce implements the pure, thread-local logic that turns one
// batch of raw kernel-derived events into the logical event stream: pairing
// MOVED_FROM/MOVED_TO by cookie, and promoting the first of a MODIFY burst
// to BEGIN_MODIFY while merging subsequent repeats into it via the marker
// bit. It never blocks and never owns goroutines; the worker drives it once
// per batch and owns the delay buffer it is given to consult.
package coalesce

import (
	"github.com/inocore/inocore/pkg/ievent"
)

// Remover is the subset of *delay.Buffer the coalescer consults to pair or
// merge against an event still held from a previous batch. Kept narrow so
// tests can substitute a fake without importing pkg/delay.
type Remover interface {
	RemoveIf(predicate func(*ievent.Event) bool, replace func(*ievent.Event) *ievent.Event) *ievent.Event
}

// Coalesce processes one batch of raw events in order, returning the
// logical events to be handed to the worker for enqueuing into the delay
// buffer. buffer may be nil, in which case cross-batch pairing is skipped
// (only in-batch pairing applies).
func Coalesce(batch []*ievent.Event, buffer Remover) []*ievent.Event {
	output := make([]*ievent.Event, 0, len(batch))
	movedFromAt := make(map[uint32]int)
	modifyAt := make(map[string]int)

	for _, e := range batch {
		switch e.Mask.Significant() {
		case ievent.MovedFrom:
			output = append(output, e)
			movedFromAt[e.Cookie] = len(output) - 1

		case ievent.MovedTo:
			if idx, ok := movedFromAt[e.Cookie]; ok {
				renamed := output[idx].Clone()
				renamed.Mask |= ievent.Rename | ievent.MovedTo
				renamed.DestPath = e.SrcPath
				output[idx] = renamed
				delete(movedFromAt, e.Cookie)
				continue
			}

			if buffer != nil {
				cookie, dest := e.Cookie, e.SrcPath
				promoted := buffer.RemoveIf(
					func(c *ievent.Event) bool {
						return c.Mask.Has(ievent.MovedFrom) && c.Cookie == cookie
					},
					func(c *ievent.Event) *ievent.Event {
						renamed := c.Clone()
						renamed.Mask |= ievent.Rename | ievent.MovedTo
						renamed.DestPath = dest
						return renamed
					},
				)
				if promoted != nil {
					continue
				}
			}

			created := e.Clone()
			created.Mask = ievent.Create | (e.Mask & ievent.IsDir)
			output = append(output, created)

		case ievent.Modify:
			if e.Mask.Has(ievent.InModify) {
				output = append(output, e)
				continue
			}

			if idx, ok := modifyAt[e.SrcPath]; ok {
				marked := output[idx].Clone()
				marked.Mask |= ievent.InModify
				output[idx] = marked
				continue
			}

			if buffer != nil {
				path := e.SrcPath
				promoted := buffer.RemoveIf(
					func(c *ievent.Event) bool {
						return c.Mask.Has(ievent.Modify) && !c.Mask.Has(ievent.InModify) && c.SrcPath == path
					},
					func(c *ievent.Event) *ievent.Event {
						marked := c.Clone()
						marked.Mask |= ievent.InModify
						return marked
					},
				)
				if promoted != nil {
					continue
				}
			}

			begun := e.Clone()
			begun.Mask |= ievent.BeginModify
			modifyAt[e.SrcPath] = len(output)
			output = append(output, begun)

		default:
			output = append(output, e)
		}
	}

	return output
}

// IsDelayEligible reports whether e is one of the two kinds the worker
// should enqueue into the delay buffer with delayed=true: an unpaired
// MOVED_FROM, or a fresh (or still-merging) MODIFY burst marker. This
// checks base/extended bits directly with Has rather than Significant,
// since once BEGIN_MODIFY or RENAME is attached, Significant reports that
// extended bit instead of the base one these kinds are keyed on.
func IsDelayEligible(e *ievent.Event) bool {
	if e.Mask.Has(ievent.MovedFrom) && !e.Mask.Has(ievent.Rename) {
		return true
	}
	if e.Mask.Has(ievent.Modify) && e.Mask.Has(ievent.BeginModify) {
		return true
	}
	return false
}

// ResolveTimeout implements the worker-side promotions applied when a
// delay-eligible event is dequeued because its hold naturally elapsed
// rather than because a matching later event promoted it: an unmatched
// MOVED_FROM becomes DELETE, and an unmatched MODIFY/BEGIN_MODIFY becomes
// END_MODIFY. Events of any other kind (already paired/promoted, or a
// still-bursting MODIFY the caller should have routed to StillBursting
// instead) are returned unchanged.
func ResolveTimeout(e *ievent.Event) *ievent.Event {
	if e.Mask.Has(ievent.MovedFrom) && !e.Mask.Has(ievent.Rename) {
		out := e.Clone()
		out.Mask = (out.Mask &^ ievent.MovedFrom) | ievent.Delete
		return out
	}
	if e.Mask.Has(ievent.Modify) && e.Mask.Has(ievent.BeginModify) && !e.Mask.Has(ievent.InModify) {
		out := e.Clone()
		out.Mask = (out.Mask &^ (ievent.Modify | ievent.BeginModify | ievent.InModify)) | ievent.EndModify
		return out
	}
	return e
}

// StillBursting reports whether a dequeued MODIFY-kind event carries the
// IN_MODIFY marker, meaning it was popped early because a later raw MODIFY
// matched it via the delay buffer's remove_if, rather than because its hold
// elapsed in silence. The worker uses this to suppress re-delivery and
// restart the hold instead of finalizing the burst.
func StillBursting(e *ievent.Event) bool {
	return e.Mask.Has(ievent.Modify) && e.Mask.Has(ievent.InModify)
}

// ClearBurstMarker returns a copy of e with the IN_MODIFY marker removed,
// for re-enqueuing as a fresh delayed entry after the worker has consumed
// the "still bursting" signal.
func ClearBurstMarker(e *ievent.Event) *ievent.Event {
	out := e.Clone()
	out.Mask &^= ievent.InModify
	return out
}
