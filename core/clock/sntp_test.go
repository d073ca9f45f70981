package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSNTPSyncer_Defaults(t *testing.T) {
	s := NewSNTPSyncer(New(), SNTPConfig{})

	assert.Equal(t, DefaultServer, s.cfg.Server)
	assert.Equal(t, DefaultRetryInterval, s.cfg.RetryInterval)
	assert.Equal(t, DefaultQueryTimeout, s.cfg.QueryTimeout)
	assert.NotNil(t, s.log)
}

func TestSNTPSyncer_SyncRetriesUntilSuccess(t *testing.T) {
	c, _ := mockClock(time.Unix(1000, 0))
	s := NewSNTPSyncer(c, SNTPConfig{RetryInterval: time.Millisecond})

	var calls atomic.Int32
	s.query = func(host string, _ ntp.QueryOptions) (*ntp.Response, error) {
		assert.Equal(t, DefaultServer, host)
		if calls.Add(1) < 3 {
			return nil, errors.New("timeout")
		}
		return &ntp.Response{Stratum: 2, ClockOffset: 42 * time.Second}, nil
	}

	done := make(chan time.Time, 1)
	require.NoError(t, s.Sync(context.Background(), func(now time.Time) { done <- now }))

	select {
	case now := <-done:
		assert.Equal(t, int64(1042), now.Unix())
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not complete")
	}

	assert.True(t, s.IsSynced())
	assert.Equal(t, int32(3), calls.Load())
}

func TestSNTPSyncer_CancelStopsRetries(t *testing.T) {
	c, _ := mockClock(time.Unix(1000, 0))
	s := NewSNTPSyncer(c, SNTPConfig{RetryInterval: time.Hour})

	queried := make(chan struct{}, 1)
	s.query = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		queried <- struct{}{}
		return nil, errors.New("unreachable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{})
	require.NoError(t, s.Sync(ctx, func(time.Time) { close(called) }))

	<-queried
	cancel()

	select {
	case <-called:
		t.Fatal("done must not be called when sync never succeeds")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, s.IsSynced())
}

func TestSNTPSyncer_RejectsInvalidResponse(t *testing.T) {
	c, _ := mockClock(time.Unix(1000, 0))
	s := NewSNTPSyncer(c, SNTPConfig{})
	s.query = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		// Stratum 0 is a kiss-of-death packet.
		return &ntp.Response{Stratum: 0, ClockOffset: time.Hour}, nil
	}

	assert.Error(t, s.queryOnce())
	assert.False(t, c.IsSynced())
}

func TestSNTPSyncer_NilClock(t *testing.T) {
	s := NewSNTPSyncer(nil, SNTPConfig{})
	assert.Error(t, s.Sync(context.Background(), nil))
}
