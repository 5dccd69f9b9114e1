package state

import (
	"github.com/TheMichaelB/locsync/internal/models"
)

// Store persists the sync queue. Implementations keep insertion order.
type Store interface {
	// Load returns every persisted sample in insertion order.
	Load() ([]models.Sample, error)

	// Append adds a new sample. Returns models.ErrDuplicateSample if the ID
	// is already stored.
	Append(sample models.Sample) error

	// Update rewrites the sync bookkeeping of existing samples.
	Update(samples ...models.Sample) error

	// Delete removes samples by ID. Unknown IDs are ignored.
	Delete(ids ...string) error

	// Count returns the number of stored samples.
	Count() (int, error)

	// Close releases resources.
	Close() error
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1
