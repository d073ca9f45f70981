package clock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/beevik/ntp"
)

// Compile-time interface check.
var _ Syncer = (*SNTPSyncer)(nil)

const (
	// DefaultServer is the SNTP server used when none is configured.
	DefaultServer = "pool.ntp.org"

	// DefaultRetryInterval is the delay between failed SNTP queries.
	DefaultRetryInterval = 15 * time.Second

	// DefaultQueryTimeout bounds a single SNTP query.
	DefaultQueryTimeout = 5 * time.Second
)

// SNTPConfig configures an SNTPSyncer.
type SNTPConfig struct {
	// Server is the SNTP server host. Default: pool.ntp.org.
	Server string
	// RetryInterval is the delay between failed queries. Default: 15s.
	RetryInterval time.Duration
	// QueryTimeout bounds each query. Default: 5s.
	QueryTimeout time.Duration
	// Logger for sync events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// SNTPSyncer sets a Clock from an SNTP server. It retries until a valid
// response arrives or the context passed to Sync is cancelled.
type SNTPSyncer struct {
	cfg   SNTPConfig
	clock *Clock
	log   *slog.Logger

	// query allows overriding the network query for testing.
	query func(host string, opts ntp.QueryOptions) (*ntp.Response, error)
}

// NewSNTPSyncer creates a syncer that corrects c.
func NewSNTPSyncer(c *Clock, cfg SNTPConfig) *SNTPSyncer {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SNTPSyncer{
		cfg:   cfg,
		clock: c,
		log:   logger.WithGroup("sntp"),
		query: ntp.QueryWithOptions,
	}
}

// IsSynced reports whether the underlying clock has been set.
func (s *SNTPSyncer) IsSynced() bool {
	return s.clock.IsSynced()
}

// Sync starts querying the server in a background goroutine.
func (s *SNTPSyncer) Sync(ctx context.Context, done func(now time.Time)) error {
	if s.clock == nil {
		return errors.New("sntp: clock is required")
	}
	go s.run(ctx, done)
	return nil
}

func (s *SNTPSyncer) run(ctx context.Context, done func(now time.Time)) {
	for {
		err := s.queryOnce()
		if err == nil {
			now := s.clock.Now()
			s.log.Info("time synchronized", "server", s.cfg.Server, "time", now)
			if done != nil {
				done(now)
			}
			return
		}
		s.log.Warn("sntp query failed", "server", s.cfg.Server, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

func (s *SNTPSyncer) queryOnce() error {
	resp, err := s.query(s.cfg.Server, ntp.QueryOptions{Timeout: s.cfg.QueryTimeout})
	if err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	s.clock.Adjust(resp.ClockOffset)
	return nil
}
