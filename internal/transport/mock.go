package transport

import (
	"context"
	"sync"

	"github.com/TheMichaelB/locsync/internal/models"
)

// MockCollector provides a mock implementation for testing.
type MockCollector struct {
	mu sync.Mutex

	// Error injection. UploadErrors is consumed one entry per upload;
	// nil entries succeed.
	UploadErrors []error
	UploadFunc   func(ctx context.Context, samples []models.Sample) error
	FetchError   error
	FetchFunc    func(ctx context.Context) ([]models.Sample, error)

	// Response configuration
	History []models.Sample

	// Request tracking
	Uploads [][]models.Sample
	fetches int

	active    int
	maxActive int
}

var _ Collector = (*MockCollector)(nil)

// NewMockCollector creates a mock collector.
func NewMockCollector() *MockCollector {
	return &MockCollector{}
}

// Upload records the batch and returns the next configured error.
func (m *MockCollector) Upload(ctx context.Context, samples []models.Sample) error {
	m.mu.Lock()
	m.Uploads = append(m.Uploads, models.CloneSamples(samples))
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}

	var err error
	if len(m.UploadErrors) > 0 {
		err = m.UploadErrors[0]
		m.UploadErrors = m.UploadErrors[1:]
	}
	fn := m.UploadFunc
	m.mu.Unlock()

	if err == nil && fn != nil {
		err = fn(ctx, samples)
	}

	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	return err
}

// FetchHistory returns the configured history.
func (m *MockCollector) FetchHistory(ctx context.Context) ([]models.Sample, error) {
	m.mu.Lock()
	m.fetches++
	fn := m.FetchFunc
	history := models.CloneSamples(m.History)
	err := m.FetchError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	if err != nil {
		return nil, err
	}
	return history, nil
}

// SetHistory replaces the samples returned by FetchHistory.
func (m *MockCollector) SetHistory(samples []models.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History = models.CloneSamples(samples)
}

// SetFetchError sets the error returned by FetchHistory.
func (m *MockCollector) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchError = err
}

// FailUploads queues errors for the next uploads.
func (m *MockCollector) FailUploads(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UploadErrors = append(m.UploadErrors, errs...)
}

// UploadedIDs returns the sample IDs of every upload, in call order.
func (m *MockCollector) UploadedIDs() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]string, len(m.Uploads))
	for i, batch := range m.Uploads {
		ids := make([]string, len(batch))
		for j, s := range batch {
			ids[j] = s.ID
		}
		out[i] = ids
	}
	return out
}

// UploadCount returns the number of uploads attempted.
func (m *MockCollector) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Uploads)
}

// FetchCount returns the number of history fetches.
func (m *MockCollector) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// MaxConcurrentUploads returns the highest number of overlapping uploads.
func (m *MockCollector) MaxConcurrentUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}
