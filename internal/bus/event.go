package bus

import (
	"time"

	"github.com/TheMichaelB/locsync/internal/models"
)

// Kind identifies an event stream.
type Kind string

const (
	KindSample             Kind = "sample"
	KindProviderError      Kind = "provider_error"
	KindLifecycle          Kind = "lifecycle"
	KindTrackingState      Kind = "tracking_state"
	KindSyncSucceeded      Kind = "sync_succeeded"
	KindSyncRetry          Kind = "sync_retry"
	KindSyncFailed         Kind = "sync_failed"
	KindSampleDropped      Kind = "sample_dropped"
	KindSampleEvicted      Kind = "sample_evicted"
	KindHistoryRefreshed   Kind = "history_refreshed"
	KindHistoryFetchFailed Kind = "history_fetch_failed"
)

// AllKinds lists every kind the core publishes.
var AllKinds = []Kind{
	KindSample,
	KindProviderError,
	KindLifecycle,
	KindTrackingState,
	KindSyncSucceeded,
	KindSyncRetry,
	KindSyncFailed,
	KindSampleDropped,
	KindSampleEvicted,
	KindHistoryRefreshed,
	KindHistoryFetchFailed,
}

// Event is one bus message. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	Time time.Time

	Sample    *models.Sample
	Samples   []models.Sample
	Lifecycle models.Lifecycle
	Session   *models.TrackingSession
	Err       error
	Attempt   int
	Delay     time.Duration
	Reason    string

	barrier chan struct{}
}
