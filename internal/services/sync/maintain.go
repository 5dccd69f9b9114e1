package sync

import (
	"sort"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/metrics"
	"github.com/TheMichaelB/locsync/internal/models"
)

// Eviction reasons reported on sample_evicted.
const (
	ReasonExpired  = "expired"
	ReasonCapacity = "capacity"
)

// MaintenanceResult counts the samples removed by one Maintain pass.
type MaintenanceResult struct {
	Expired int `json:"expired"`
	Trimmed int `json:"trimmed"`
	Evicted int `json:"evicted"`
}

// Removed is the total number of samples dropped.
func (r MaintenanceResult) Removed() int {
	return r.Expired + r.Trimmed + r.Evicted
}

type removal struct {
	sample models.Sample
	reason string
}

// Maintain applies retention. Samples in flight are never removed.
//
//  1. Any sample older than MaxAge is dropped.
//  2. Synced samples beyond MaxPersisted are dropped oldest first.
//  3. If still above MaxPersisted, the oldest unsynced samples are dropped.
//
// Every unsynced sample dropped is reported as sample_evicted.
func (q *Queue) Maintain() MaintenanceResult {
	q.mu.Lock()

	now := q.now()
	var removed []removal
	var result MaintenanceResult

	if q.cfg.MaxAge > 0 {
		for _, s := range q.samples {
			if s.State != models.StateInFlight && s.Age(now) > q.cfg.MaxAge {
				removed = append(removed, removal{sample: s, reason: ReasonExpired})
				result.Expired++
			}
		}
		q.removeLocked(removed)
	}

	if q.cfg.MaxPersisted > 0 && len(q.samples) > q.cfg.MaxPersisted {
		excess := len(q.samples) - q.cfg.MaxPersisted

		synced := q.oldestLocked(func(s models.Sample) bool { return s.State == models.StateSynced })
		var trimmed []removal
		for _, s := range synced {
			if excess == 0 {
				break
			}
			trimmed = append(trimmed, removal{sample: s, reason: ReasonCapacity})
			excess--
		}
		q.removeLocked(trimmed)
		result.Trimmed = len(trimmed)
		removed = append(removed, trimmed...)

		unsynced := q.oldestLocked(func(s models.Sample) bool {
			return s.State == models.StatePending || s.State == models.StateFailed
		})
		var evicted []removal
		for _, s := range unsynced {
			if excess == 0 {
				break
			}
			evicted = append(evicted, removal{sample: s, reason: ReasonCapacity})
			excess--
		}
		q.removeLocked(evicted)
		result.Evicted = len(evicted)
		removed = append(removed, evicted...)
	}

	if len(removed) > 0 {
		ids := make([]string, len(removed))
		for i, r := range removed {
			ids[i] = r.sample.ID
		}
		if err := q.store.Delete(ids...); err != nil {
			q.logger.WithError(err).WithField("count", len(ids)).Error("Failed to delete samples")
		}
		q.updateDepthLocked()
	}
	q.mu.Unlock()

	for _, r := range removed {
		if r.sample.State == models.StateSynced {
			continue
		}
		metrics.SamplesEvicted.WithLabelValues(r.reason).Inc()
		s := r.sample
		q.bus.Publish(bus.Event{Kind: bus.KindSampleEvicted, Sample: &s, Reason: r.reason})
	}

	if result.Removed() > 0 {
		q.logger.WithFields(map[string]interface{}{
			"expired": result.Expired,
			"trimmed": result.Trimmed,
			"evicted": result.Evicted,
		}).Info("Maintenance removed samples")
	}

	return result
}

// oldestLocked returns matching samples by capture time, oldest first, ties
// by insertion order.
func (q *Queue) oldestLocked(match func(models.Sample) bool) []models.Sample {
	var out []models.Sample
	for _, s := range q.samples {
		if match(s) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CapturedAt.Before(out[b].CapturedAt)
	})
	return out
}

func (q *Queue) removeLocked(removed []removal) {
	if len(removed) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(removed))
	for _, r := range removed {
		drop[r.sample.ID] = struct{}{}
	}

	kept := q.samples[:0]
	for _, s := range q.samples {
		if _, ok := drop[s.ID]; !ok {
			kept = append(kept, s)
		}
	}
	q.samples = kept
}
