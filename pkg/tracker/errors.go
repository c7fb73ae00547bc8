package tracker

import "errors"

// ErrUnknownPath is returned by Checkout (and UpdatePath on a missing fid)
// when no index entry exists for the requested path, distinct from an
// out-of-range version on a path that is tracked.
var ErrUnknownPath = errors.New("tracker: unknown path")

// ErrVersionOutOfRange is returned by Checkout when the requested version
// falls outside [max(0, latest-max_depth), latest].
var ErrVersionOutOfRange = errors.New("tracker: version out of range")
