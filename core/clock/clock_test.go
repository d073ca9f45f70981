package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// mockClock creates a Clock with a controllable time source.
func mockClock(initial time.Time) (*Clock, func(time.Time)) {
	var mu sync.Mutex
	now := initial
	c := &Clock{
		nowFn: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	}
	return c, func(t time.Time) {
		mu.Lock()
		defer mu.Unlock()
		now = t
	}
}

func TestNow_Unsynced(t *testing.T) {
	base := time.Unix(1000, 0)
	c, set := mockClock(base)

	assert.True(t, c.Now().Equal(base))
	assert.False(t, c.IsSynced(), "new clock should not be synced")

	set(base.Add(5 * time.Second))
	assert.Equal(t, int64(1005), c.Now().Unix())
}

func TestAdjust(t *testing.T) {
	base := time.Unix(2000, 0)
	c, set := mockClock(base)

	c.Adjust(-500 * time.Second)
	assert.Equal(t, int64(1500), c.Now().Unix())
	assert.True(t, c.IsSynced(), "clock should be synced after Adjust")

	set(base.Add(10 * time.Second))
	assert.Equal(t, int64(1510), c.Now().Unix(), "corrected time advances with the system clock")
}

func TestNew_UsesSystemTime(t *testing.T) {
	c := New()
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
