package transport

import (
	"context"

	"github.com/TheMichaelB/locsync/internal/models"
)

// Collector is the remote collector as seen by the sync queue and the
// history cache.
type Collector interface {
	// Upload writes samples in one request.
	Upload(ctx context.Context, samples []models.Sample) error

	// FetchHistory reads previously stored samples.
	FetchHistory(ctx context.Context) ([]models.Sample, error)
}

var _ Collector = (*HTTPClient)(nil)
