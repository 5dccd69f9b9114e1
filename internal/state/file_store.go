package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/models"
)

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	Version int             `json:"version"`
	Samples []models.Sample `json:"samples"`
}

// FileStore keeps the queue in a single JSON file. Every mutation rewrites
// the file atomically, so it suits small queues on hosts without sqlite.
type FileStore struct {
	path   string
	logger *events.Logger

	mu      sync.RWMutex
	samples []models.Sample
}

// NewFileStore opens the store at path, creating parent directories. A
// missing file is an empty store.
func NewFileStore(path string, logger *events.Logger) (*FileStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve samples file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0700); err != nil {
		return nil, fmt.Errorf("create samples directory: %w", err)
	}

	s := &FileStore{
		path:   absPath,
		logger: logger.WithField("component", "file_sample_store"),
	}

	data, err := os.ReadFile(absPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read samples file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode samples file: %w", err)
	}
	if doc.Version > CurrentSchemaVersion {
		return nil, fmt.Errorf("samples file version %d is newer than supported %d", doc.Version, CurrentSchemaVersion)
	}
	s.samples = doc.Samples

	s.logger.WithFields(map[string]interface{}{
		"path":  absPath,
		"count": len(s.samples),
	}).Debug("Loaded samples file")

	return s, nil
}

// Load returns copies of the stored samples.
func (s *FileStore) Load() ([]models.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CloneSamples(s.samples), nil
}

// Append stores sample and persists the file.
func (s *FileStore) Append(sample models.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(sample.ID) >= 0 {
		return fmt.Errorf("%w: %s", models.ErrDuplicateSample, sample.ID)
	}

	next := append(models.CloneSamples(s.samples), sample.Clone())
	return s.commit(next)
}

// Update replaces stored samples by ID. Nothing is written if any ID is
// unknown.
func (s *FileStore) Update(samples ...models.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := models.CloneSamples(s.samples)
	for _, sample := range samples {
		i := s.indexOf(sample.ID)
		if i < 0 {
			return fmt.Errorf("%w: %s", models.ErrSampleNotFound, sample.ID)
		}
		next[i] = sample.Clone()
	}
	return s.commit(next)
}

// Delete removes samples by ID.
func (s *FileStore) Delete(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	next := make([]models.Sample, 0, len(s.samples))
	for _, sample := range s.samples {
		if _, ok := drop[sample.ID]; !ok {
			next = append(next, sample)
		}
	}
	if len(next) == len(s.samples) {
		return nil
	}
	return s.commit(next)
}

// Count returns the number of samples.
func (s *FileStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples), nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) indexOf(id string) int {
	for i := range s.samples {
		if s.samples[i].ID == id {
			return i
		}
	}
	return -1
}

// commit writes next to disk and then makes it the current state. Must be
// called with mu held.
func (s *FileStore) commit(next []models.Sample) error {
	data, err := json.Marshal(fileDocument{Version: CurrentSchemaVersion, Samples: next})
	if err != nil {
		return fmt.Errorf("encode samples: %w", err)
	}

	if err := writeAtomic(s.path, data, 0600); err != nil {
		return err
	}
	s.samples = next
	return nil
}

// writeAtomic writes data to a temp file next to path, syncs it and
// renames it into place.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tempPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}
