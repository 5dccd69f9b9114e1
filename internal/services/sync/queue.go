// Package sync implements the durable upload queue.
//
// Samples are appended in arrival order, persisted write-through and
// uploaded by a single worker. In autosync mode the head-of-line pending
// sample is uploaded on its own; in batch or manual mode all pending samples
// go out together. A transient failure sets a queue wide backoff gate that
// holds every later upload until it expires.
package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/metrics"
	"github.com/TheMichaelB/locsync/internal/models"
	"github.com/TheMichaelB/locsync/internal/retry"
	"github.com/TheMichaelB/locsync/internal/state"
)

// Uploader writes samples to the remote collector.
type Uploader interface {
	Upload(ctx context.Context, samples []models.Sample) error
}

// Order directions for head-of-line selection.
const (
	OrderAsc  = "ASC"
	OrderDesc = "DESC"
)

// Config contains queue configuration.
type Config struct {
	AutoSync            bool
	BatchSync           bool
	BatchInterval       time.Duration
	MaxBatchSize        int
	Order               string
	MaxPersisted        int
	MaxAge              time.Duration
	MaintenanceInterval time.Duration
	UploadTimeout       time.Duration
	Backoff             retry.Backoff
}

// ConfigFrom maps the sync config section.
func ConfigFrom(cfg *config.SyncConfig) Config {
	return Config{
		AutoSync:            cfg.AutoSync,
		BatchSync:           cfg.BatchSync,
		BatchInterval:       cfg.BatchInterval,
		MaxBatchSize:        cfg.MaxBatchSize,
		Order:               strings.ToUpper(cfg.OrderDirection),
		MaxPersisted:        cfg.MaxPersisted,
		MaxAge:              cfg.MaxAge,
		MaintenanceInterval: cfg.MaintenanceInterval,
		UploadTimeout:       cfg.UploadTimeout,
		Backoff: retry.Backoff{
			Base:   cfg.RetryBaseDelay,
			Max:    cfg.RetryMaxDelay,
			Jitter: cfg.RetryJitter,
		},
	}
}

// Stats summarizes the queue.
type Stats struct {
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	InFlight  int       `json:"in_flight"`
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	HoldUntil time.Time `json:"hold_until,omitempty"`
	Paused    bool      `json:"paused"`
}

// Queue is the sync queue.
type Queue struct {
	store    state.Store
	uploader Uploader
	bus      *bus.Bus
	cfg      Config
	logger   *events.Logger
	now      func() time.Time

	mu        sync.Mutex
	samples   []models.Sample
	holdUntil time.Time
	paused    bool
	closed    bool

	// Serializes uploads between the worker and Flush.
	uploadMu sync.Mutex

	kick chan struct{}
	subs bus.Subscriptions
}

// New loads persisted samples and subscribes to sample and tracking events.
// Samples persisted in flight are reset to pending.
func New(store state.Store, uploader Uploader, b *bus.Bus, cfg Config, logger *events.Logger) (*Queue, error) {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	cfg.Order = strings.ToUpper(cfg.Order)
	if cfg.Order != OrderDesc {
		cfg.Order = OrderAsc
	}

	q := &Queue{
		store:    store,
		uploader: uploader,
		bus:      b,
		cfg:      cfg,
		logger:   logger.WithField("component", "sync_queue"),
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}

	samples, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	var recovered []models.Sample
	for i := range samples {
		if samples[i].State == models.StateInFlight {
			samples[i].State = models.StatePending
			recovered = append(recovered, samples[i])
		}
	}
	if len(recovered) > 0 {
		if err := store.Update(recovered...); err != nil {
			return nil, fmt.Errorf("reset in-flight samples: %w", err)
		}
		q.logger.WithField("count", len(recovered)).Info("Recovered in-flight samples")
	}
	q.samples = samples
	q.updateDepthLocked()

	q.subs = bus.Subscriptions{
		b.Subscribe(bus.KindSample, q.onSample),
		b.Subscribe(bus.KindTrackingState, q.onTrackingState),
	}

	q.logger.WithFields(map[string]interface{}{
		"loaded":     len(samples),
		"auto_sync":  cfg.AutoSync,
		"batch_sync": cfg.BatchSync,
		"order":      cfg.Order,
	}).Info("Sync queue ready")

	return q, nil
}

// Enqueue appends a copy of sample as pending. A duplicate ID is rejected
// with models.ErrDuplicateSample and reported as sample_dropped.
func (q *Queue) Enqueue(sample models.Sample) error {
	sample = sample.Clone()
	sample.State = models.StatePending
	sample.Attempts = 0
	sample.LastError = ""
	sample.SyncedAt = time.Time{}

	if err := sample.Validate(); err != nil {
		q.drop(sample, "invalid", err)
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return models.ErrQueueClosed
	}

	if q.indexLocked(sample.ID) >= 0 {
		q.mu.Unlock()
		err := fmt.Errorf("%w: %s", models.ErrDuplicateSample, sample.ID)
		q.drop(sample, "duplicate", err)
		return err
	}

	if err := q.store.Append(sample); err != nil {
		q.mu.Unlock()
		q.drop(sample, "store", err)
		return fmt.Errorf("persist sample: %w", err)
	}

	q.samples = append(q.samples, sample)
	q.updateDepthLocked()
	autoKick := q.cfg.AutoSync && !q.paused
	q.mu.Unlock()

	metrics.SamplesEnqueued.Inc()
	q.logger.WithField("sample_id", sample.ID).Debug("Sample enqueued")

	if autoKick {
		q.signal()
	}
	return nil
}

func (q *Queue) drop(sample models.Sample, reason string, err error) {
	metrics.SamplesDropped.WithLabelValues(reason).Inc()
	q.logger.WithFields(map[string]interface{}{
		"sample_id": sample.ID,
		"reason":    reason,
	}).WithError(err).Warn("Sample dropped")

	s := sample
	q.bus.Publish(bus.Event{Kind: bus.KindSampleDropped, Sample: &s, Reason: reason, Err: err})
}

// Snapshot returns a copy of every persisted sample in insertion order.
func (q *Queue) Snapshot() []models.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	return models.CloneSamples(q.samples)
}

// Stats returns counts by state and the current gate.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{Total: len(q.samples), HoldUntil: q.holdUntil, Paused: q.paused}
	for _, s := range q.samples {
		switch s.State {
		case models.StatePending:
			st.Pending++
		case models.StateInFlight:
			st.InFlight++
		case models.StateSynced:
			st.Synced++
		case models.StateFailed:
			st.Failed++
		}
	}
	return st
}

// Pause stops automatic scheduling. In-flight uploads complete normally and
// Flush keeps working.
func (q *Queue) Pause() {
	q.mu.Lock()
	changed := !q.paused
	q.paused = true
	q.mu.Unlock()

	if changed {
		q.logger.Info("Automatic sync paused")
	}
}

// Resume re-enables automatic scheduling.
func (q *Queue) Resume() {
	q.mu.Lock()
	changed := q.paused
	q.paused = false
	q.mu.Unlock()

	if changed {
		q.logger.Info("Automatic sync resumed")
		q.signal()
	}
}

// Close unsubscribes from the bus and rejects further samples.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.subs.Cancel()
}

func (q *Queue) onSample(e bus.Event) {
	if e.Sample == nil {
		return
	}
	// Errors are already reported as sample_dropped.
	_ = q.Enqueue(*e.Sample)
}

func (q *Queue) onTrackingState(e bus.Event) {
	if e.Session == nil {
		return
	}
	if e.Session.State.Enabled() {
		q.Resume()
	} else {
		q.Pause()
	}
}

func (q *Queue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.samples {
		if q.samples[i].ID == id {
			return i
		}
	}
	return -1
}

// pendingLocked returns indexes of pending samples ordered by capture time
// per the configured direction, ties by insertion order.
func (q *Queue) pendingLocked() []int {
	var idx []int
	for i := range q.samples {
		if q.samples[i].State == models.StatePending {
			idx = append(idx, i)
		}
	}

	desc := q.cfg.Order == OrderDesc
	sort.SliceStable(idx, func(a, b int) bool {
		ta, tb := q.samples[idx[a]].CapturedAt, q.samples[idx[b]].CapturedAt
		if desc {
			return ta.After(tb)
		}
		return ta.Before(tb)
	})
	return idx
}

func (q *Queue) updateDepthLocked() {
	counts := map[models.SyncState]int{
		models.StatePending:  0,
		models.StateInFlight: 0,
		models.StateSynced:   0,
		models.StateFailed:   0,
	}
	for _, s := range q.samples {
		counts[s.State]++
	}
	for st, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(n))
	}
}
