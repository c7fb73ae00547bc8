package random

import (
	"crypto/rand"
	"fmt"
)

// CollisionResistantLength is the byte length used for randomly generated
// data that must be collision-resistant, such as identifier seeds.
const CollisionResistantLength = 32

// New returns a byte slice of the specified length with cryptographically
// random conents.
func New(length int) ([]byte, error) {
	// Create the buffer.
	result := make([]byte, length)

	// Read random data.
	if _, err := rand.Read(result[:]); err != nil {
		return nil, fmt.Errorf("unable to read random data: %w", err)
	}

	// Success.
	return result, nil
}
