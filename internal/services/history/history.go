// Package history caches the samples stored by the remote collector.
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/metrics"
	"github.com/TheMichaelB/locsync/internal/models"
)

// Fetcher reads the remote history.
type Fetcher interface {
	FetchHistory(ctx context.Context) ([]models.Sample, error)
}

// Config contains cache configuration.
type Config struct {
	FetchTimeout time.Duration
}

// ConfigFrom maps the history config section.
func ConfigFrom(cfg *config.HistoryConfig) Config {
	return Config{FetchTimeout: cfg.FetchTimeout}
}

// Snapshot is a copy of the cache contents.
type Snapshot struct {
	Samples     []models.Sample `json:"samples"`
	Loaded      bool            `json:"loaded"`
	Stale       bool            `json:"stale"`
	RefreshedAt time.Time       `json:"refreshed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	s.Samples = models.CloneSamples(s.Samples)
	if s.Samples == nil {
		s.Samples = []models.Sample{}
	}
	return s
}

// Cache holds the last successfully fetched history.
type Cache struct {
	fetcher Fetcher
	bus     *bus.Bus
	cfg     Config
	logger  *events.Logger
	now     func() time.Time

	mu   sync.RWMutex
	snap Snapshot

	group singleflight.Group

	// afterFlight runs once a caller has the shared result. Tests only.
	afterFlight func()
}

// New creates an empty, not yet loaded cache.
func New(fetcher Fetcher, b *bus.Bus, cfg Config, logger *events.Logger) *Cache {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Cache{
		fetcher: fetcher,
		bus:     b,
		cfg:     cfg,
		logger:  logger.WithField("component", "history"),
		now:     time.Now,
	}
}

// Snapshot returns the current contents without fetching.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.clone()
}

// Refresh replaces the cache with the remote history. Concurrent callers
// share one request, which keeps running if a caller gives up. On failure
// the previous samples are kept and marked stale, and the error is a
// *models.FetchError.
func (c *Cache) Refresh(ctx context.Context) (Snapshot, error) {
	ch := c.group.DoChan("history", func() (interface{}, error) {
		return c.fetch(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	case res := <-ch:
		if c.afterFlight != nil {
			c.afterFlight()
		}
		snap, _ := res.Val.(Snapshot)
		return snap.clone(), res.Err
	}
}

// fetch runs one request and returns the snapshot it produced.
func (c *Cache) fetch(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	samples, err := c.fetcher.FetchHistory(ctx)
	if err != nil {
		var fetchErr *models.FetchError
		if !errors.As(err, &fetchErr) {
			err = &models.FetchError{Err: err}
		}

		c.mu.Lock()
		c.snap.Stale = true
		c.snap.LastError = err.Error()
		snap := c.snap.clone()
		c.mu.Unlock()
		kept := len(snap.Samples)

		metrics.HistoryRefreshes.WithLabelValues("failure").Inc()
		c.logger.WithError(err).WithField("kept", kept).Warn("History refresh failed")
		c.bus.Publish(bus.Event{Kind: bus.KindHistoryFetchFailed, Err: err})
		return snap, err
	}

	for i := range samples {
		samples[i].State = models.StateSynced
	}

	c.mu.Lock()
	c.snap = Snapshot{
		Samples:     models.CloneSamples(samples),
		Loaded:      true,
		RefreshedAt: c.now(),
	}
	snap := c.snap.clone()
	c.mu.Unlock()

	metrics.HistoryRefreshes.WithLabelValues("success").Inc()
	c.logger.WithFields(map[string]interface{}{
		"count":    len(samples),
		"duration": time.Since(start).String(),
	}).Info("History refreshed")
	c.bus.Publish(bus.Event{Kind: bus.KindHistoryRefreshed, Samples: samples})
	return snap, nil
}
