// Package tracker implements the config-file version tracker: per-pattern
// parsers (INI, JSON, generic line-based), structural diffing between
// successive versions, and an index + backup/diff store addressed by a
// file-id (fid) that survives renames.
package tracker

// Format identifies which parser a tracked path's content is interpreted
// with. It is a small tagged variant with a dispatch table keyed by this
// enum (per the design note that parser polymorphism needs no runtime
// reflection), not an interface hierarchy.
type Format int

const (
	// FormatINI parses two-level `[section]\nkey=value` files.
	FormatINI Format = iota
	// FormatJSON parses a top-level JSON object.
	FormatJSON
	// FormatGeneric treats the file as an opaque array of lines.
	FormatGeneric
)

func (f Format) String() string {
	switch f {
	case FormatINI:
		return "INI"
	case FormatJSON:
		return "JSON"
	case FormatGeneric:
		return "GENERIC"
	default:
		return "UNKNOWN"
	}
}
