package tracker

import (
	"github.com/google/uuid"

	"github.com/inocore/inocore/pkg/encoding"
	"github.com/inocore/inocore/pkg/identifier"
)

// newFid generates a new stable file identifier. It seeds the identifier
// from a random UUID (rather than pkg/random's raw crypto/rand bytes, as
// pkg/identifier.New does) and Base62-encodes it the same way
// pkg/encoding/base62.go encodes session identifiers, giving the tracker
// its own fid namespace distinct from worker and diff identifiers. The
// 16-byte UUID encodes to at most 22 Base62 characters and is not padded,
// so a fid does not pass pkg/identifier.IsValid, which requires 43.
func newFid() string {
	id := uuid.New()
	encoded := encoding.EncodeBase62(id[:])
	return identifier.PrefixFile + "_" + encoded
}
