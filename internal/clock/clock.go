// Package clock provides the time and id seams shared by every component.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// NewID returns an opaque 128-bit identifier.
func NewID() string { return uuid.New().String() }

// NewLockID returns an identifier for a lock grant.
func NewLockID() string { return "lock-" + uuid.New().String() }

// NewOperationID returns an identifier for a compensating operation.
func NewOperationID() string { return "op-" + uuid.New().String() }
