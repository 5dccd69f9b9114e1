package display

import (
	"errors"
	"time"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/models"
)

// streamKinds are forwarded to stream clients. Raw samples are included so
// a map can follow the device live.
var streamKinds = []bus.Kind{
	bus.KindSample,
	bus.KindProviderError,
	bus.KindLifecycle,
	bus.KindTrackingState,
	bus.KindSyncSucceeded,
	bus.KindSyncRetry,
	bus.KindSyncFailed,
	bus.KindSampleDropped,
	bus.KindSampleEvicted,
	bus.KindHistoryRefreshed,
	bus.KindHistoryFetchFailed,
}

// toStreamEvent converts a bus event to its wire form.
func toStreamEvent(e bus.Event) *models.StreamEvent {
	out := &models.StreamEvent{
		Kind:      string(e.Kind),
		Time:      e.Time,
		Lifecycle: e.Lifecycle,
		Attempt:   e.Attempt,
		DelayMS:   e.Delay.Milliseconds(),
		Reason:    e.Reason,
	}
	if out.Time.IsZero() {
		out.Time = time.Now()
	}

	if e.Sample != nil {
		s := e.Sample.Clone()
		out.Sample = &s
	}
	if e.Session != nil {
		s := *e.Session
		out.Session = &s
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
		var perr *models.ProviderError
		switch {
		case errors.As(e.Err, &perr):
			out.Code = string(perr.Kind)
		case e.Kind == bus.KindSyncRetry || e.Kind == bus.KindSyncFailed:
			out.Code = models.ErrorCode(e.Err)
		}
	}

	if len(e.Samples) > 0 {
		out.Count = len(e.Samples)
		// History refreshes can be large; clients refetch /api/history.
		if e.Kind != bus.KindHistoryRefreshed {
			out.SampleIDs = make([]string, len(e.Samples))
			for i, s := range e.Samples {
				out.SampleIDs[i] = s.ID
			}
		}
	}
	return out
}
