package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/tutor-voice-lab/internal/fsutil"
	"github.com/tutor-voice-lab/internal/logging"
)

// FileStore keeps every record in a single JSON array, newest first.
type FileStore struct {
	path string
	// MaxRecords trims the oldest records on save; 0 keeps everything.
	MaxRecords int

	mu sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", s.path, err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", s.path, err)
	}
	return recs, nil
}

func (s *FileStore) write(recs []Record) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("history: write %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs = append([]Record{rec}, recs...)
	if s.MaxRecords > 0 && len(recs) > s.MaxRecords {
		recs = recs[:s.MaxRecords]
	}
	if err := s.write(recs); err != nil {
		return err
	}
	logging.Debugw("history: record saved", "id", rec.ID.String(), "entries", len(rec.Conversation), "path", s.path)
	return nil
}

func (s *FileStore) List(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("history: clear %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
