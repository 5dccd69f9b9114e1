package state

import (
	"fmt"
	"sync"

	"github.com/TheMichaelB/locsync/internal/models"
)

// MemoryStore keeps samples in process memory. Used for tests and the
// "memory" storage driver.
type MemoryStore struct {
	mu      sync.RWMutex
	samples []models.Sample

	// Error injection
	AppendError error
	UpdateError error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns copies of the stored samples.
func (m *MemoryStore) Load() ([]models.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.CloneSamples(m.samples), nil
}

// Append stores a copy of sample.
func (m *MemoryStore) Append(sample models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendError != nil {
		return m.AppendError
	}

	for _, s := range m.samples {
		if s.ID == sample.ID {
			return fmt.Errorf("%w: %s", models.ErrDuplicateSample, sample.ID)
		}
	}
	m.samples = append(m.samples, sample.Clone())
	return nil
}

// Update replaces stored samples by ID.
func (m *MemoryStore) Update(samples ...models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateError != nil {
		return m.UpdateError
	}

	for _, sample := range samples {
		found := false
		for i := range m.samples {
			if m.samples[i].ID == sample.ID {
				m.samples[i] = sample.Clone()
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", models.ErrSampleNotFound, sample.ID)
		}
	}
	return nil
}

// Delete removes samples by ID.
func (m *MemoryStore) Delete(ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := m.samples[:0]
	for _, s := range m.samples {
		if _, ok := drop[s.ID]; !ok {
			kept = append(kept, s)
		}
	}
	m.samples = kept
	return nil
}

// Count returns the number of samples.
func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
