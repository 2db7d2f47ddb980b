// Package uid generates node identities and request ids.
package uid

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique opaque ids.
type Generator interface {
	NewID() string
}

// NodeID returns a fresh random node identity.
func NodeID() string {
	return uuid.NewString()
}

// ULID generates lexically sortable ids with monotonic entropy, so ids from
// the same millisecond still differ.
type ULID struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewULID returns a generator backed by crypto/rand.
func NewULID() *ULID {
	return &ULID{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewID returns the next id.
func (g *ULID) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}
