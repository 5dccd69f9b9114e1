package sync

import (
	"context"
	"errors"
	"time"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/metrics"
	"github.com/TheMichaelB/locsync/internal/models"
)

type outcome int

const (
	outcomeIdle outcome = iota
	outcomeSynced
	outcomeFatal
	outcomeTransient
)

// Serve runs the worker loop until ctx is cancelled. It uploads on enqueue
// (autosync), on gate expiry, on the batch timer and runs maintenance on
// its own timer.
func (q *Queue) Serve(ctx context.Context) error {
	var batchC <-chan time.Time
	if q.cfg.BatchSync && q.cfg.BatchInterval > 0 {
		ticker := time.NewTicker(q.cfg.BatchInterval)
		defer ticker.Stop()
		batchC = ticker.C
	}

	var maintC <-chan time.Time
	if q.cfg.MaintenanceInterval > 0 {
		ticker := time.NewTicker(q.cfg.MaintenanceInterval)
		defer ticker.Stop()
		maintC = ticker.C
	}

	q.logger.Info("Sync worker started")
	defer q.logger.Info("Sync worker stopped")

	// Drain any backlog loaded from the store.
	if q.cfg.AutoSync {
		q.signal()
	}

	for {
		var retryC <-chan time.Time
		timer := q.retryTimer()
		if timer != nil {
			retryC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-q.kick:
			if q.cfg.AutoSync {
				q.drain(ctx)
			}
		case <-retryC:
			q.drain(ctx)
		case <-batchC:
			q.drain(ctx)
		case <-maintC:
			q.Maintain()
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// retryTimer fires when the backoff gate expires and there is work for the
// automatic scheduler.
func (q *Queue) retryTimer() *time.Timer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.cfg.AutoSync || q.paused || q.holdUntil.IsZero() {
		return nil
	}
	if len(q.pendingLocked()) == 0 {
		return nil
	}

	wait := q.holdUntil.Sub(q.now())
	if wait < 0 {
		wait = 0
	}
	return time.NewTimer(wait)
}

// drain uploads until nothing is eligible or an attempt fails transiently.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		result, _ := q.attempt(ctx, false)
		if result == outcomeIdle || result == outcomeTransient {
			return
		}
	}
}

// Flush uploads every pending sample now, ignoring the backoff gate and
// pause. It stops at the first transient failure and returns it. Fatal
// failures mark their samples failed and are joined into the result.
func (q *Queue) Flush(ctx context.Context) error {
	var fatal []error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := q.attempt(ctx, true)
		switch result {
		case outcomeIdle:
			return errors.Join(fatal...)
		case outcomeTransient:
			return err
		case outcomeFatal:
			fatal = append(fatal, err)
		}
	}
}

// attempt performs one upload if any sample is eligible.
func (q *Queue) attempt(ctx context.Context, force bool) (outcome, error) {
	q.uploadMu.Lock()
	defer q.uploadMu.Unlock()

	q.mu.Lock()
	if !force && (q.paused || q.now().Before(q.holdUntil)) {
		q.mu.Unlock()
		return outcomeIdle, nil
	}

	pending := q.pendingLocked()
	if len(pending) == 0 {
		q.mu.Unlock()
		return outcomeIdle, nil
	}

	if q.cfg.AutoSync {
		pending = pending[:1]
	} else if len(pending) > q.cfg.MaxBatchSize {
		pending = pending[:q.cfg.MaxBatchSize]
	}

	batch := make([]models.Sample, len(pending))
	for i, idx := range pending {
		q.samples[idx].State = models.StateInFlight
		batch[i] = q.samples[idx].Clone()
	}
	q.persistLocked(batch)
	q.updateDepthLocked()
	q.mu.Unlock()

	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}
	log := q.logger.WithFields(map[string]interface{}{
		"count": len(batch),
		"head":  ids[0],
		"force": force,
	})
	log.Debug("Uploading")

	uctx, cancel := context.WithTimeout(events.WithSampleID(events.WithLogger(ctx, log), ids[0]), q.cfg.UploadTimeout)
	start := time.Now()
	err := q.uploader.Upload(uctx, batch)
	cancel()
	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	metrics.UploadBatchSize.Observe(float64(len(batch)))

	if err != nil && !models.IsFatal(err) {
		var transient *models.TransientSyncError
		if !errors.As(err, &transient) {
			code := models.ErrCodeNetwork
			if errors.Is(err, context.DeadlineExceeded) {
				code = models.ErrCodeTimeout
			}
			err = &models.TransientSyncError{Code: code, Err: err}
		}
	}

	return q.complete(ids, err, log), err
}

// complete applies the result of an upload to every sample of the batch.
func (q *Queue) complete(ids []string, err error, log *events.Logger) outcome {
	q.mu.Lock()

	now := q.now()
	var result outcome
	switch {
	case err == nil:
		result = outcomeSynced
	case models.IsFatal(err):
		result = outcomeFatal
	default:
		result = outcomeTransient
	}

	updated := make([]models.Sample, 0, len(ids))
	maxAttempts := 0
	for _, id := range ids {
		i := q.indexLocked(id)
		if i < 0 {
			continue
		}
		s := &q.samples[i]
		s.Attempts++
		switch result {
		case outcomeSynced:
			s.State = models.StateSynced
			s.SyncedAt = now
			s.LastError = ""
		case outcomeFatal:
			s.State = models.StateFailed
			s.LastError = err.Error()
		case outcomeTransient:
			s.State = models.StatePending
			s.LastError = err.Error()
		}
		if s.Attempts > maxAttempts {
			maxAttempts = s.Attempts
		}
		updated = append(updated, s.Clone())
	}

	var delay time.Duration
	switch result {
	case outcomeSynced, outcomeFatal:
		q.holdUntil = time.Time{}
	case outcomeTransient:
		delay = q.cfg.Backoff.Delay(maxAttempts)
		q.holdUntil = now.Add(delay)
	}

	q.persistLocked(updated)
	q.updateDepthLocked()
	q.mu.Unlock()

	switch result {
	case outcomeSynced:
		metrics.UploadsTotal.WithLabelValues("success").Inc()
		log.Info("Upload succeeded")
		q.bus.Publish(bus.Event{Kind: bus.KindSyncSucceeded, Samples: updated})
		q.Maintain()

	case outcomeFatal:
		metrics.UploadsTotal.WithLabelValues("fatal").Inc()
		log.WithError(err).Error("Upload failed permanently")
		q.bus.Publish(bus.Event{Kind: bus.KindSyncFailed, Samples: updated, Err: err})

	case outcomeTransient:
		metrics.UploadsTotal.WithLabelValues("transient").Inc()
		log.WithError(err).WithFields(map[string]interface{}{
			"attempt":  maxAttempts,
			"retry_in": delay.String(),
		}).Warn("Upload failed, will retry")
		q.bus.Publish(bus.Event{
			Kind:    bus.KindSyncRetry,
			Samples: updated,
			Err:     err,
			Attempt: maxAttempts,
			Delay:   delay,
		})
	}

	return result
}

func (q *Queue) persistLocked(samples []models.Sample) {
	if len(samples) == 0 {
		return
	}
	if err := q.store.Update(samples...); err != nil {
		q.logger.WithError(err).WithField("count", len(samples)).Error("Failed to persist sample state")
	}
}
