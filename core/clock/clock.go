// Package clock tracks the station's wall clock and whether it has been
// synchronized from the network.
package clock

import (
	"context"
	"sync"
	"time"
)

// Syncer is the clock synchronization capability used by the station.
// Sync starts a synchronization in the background and returns immediately;
// done is called once the clock has been set.
type Syncer interface {
	IsSynced() bool
	Sync(ctx context.Context, done func(now time.Time)) error
}

// Clock is a wall clock that can be corrected from an external time source.
// Until the first correction it reports the system time and IsSynced is false.
type Clock struct {
	mu     sync.Mutex
	offset time.Duration
	synced bool
	nowFn  func() time.Time // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{nowFn: time.Now}
}

// Now returns the corrected current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn().Add(c.offset)
}

// Adjust shifts the clock by d and marks it synchronized.
func (c *Clock) Adjust(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
	c.synced = true
}

// IsSynced reports whether the clock has been set from a time source.
func (c *Clock) IsSynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}
