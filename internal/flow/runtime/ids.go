package runtime

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lowercase ULID, lexically sortable by creation time.
// Used for run, node-run, and artifact identifiers.
func NewID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// MustNewID panics on entropy failure; acceptable for test helpers only.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}
