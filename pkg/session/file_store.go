package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scrapepool/pkg/logger"
)

// FileStore persists one JSON record per identity under a directory.
// Writes are atomic (temp file, sync, rename) so a crash mid-save never
// corrupts an existing record.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger logger.Logger
}

// NewFileStore creates a file-backed session store rooted at dir
func NewFileStore(dir string, log logger.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{dir: dir, logger: log}, nil
}

// Load reads the record for an identity. Expired records are removed
// and reported as not found.
func (s *FileStore) Load(identityID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(identityID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}

	if rec.Expired(time.Now()) {
		_ = os.Remove(path)
		s.logger.DebugWithFields("session record expired", map[string]interface{}{
			"identity_id": identityID,
			"expired_at":  rec.ExpiresAt,
		})
		return nil, ErrNotFound
	}

	return &rec, nil
}

// Save persists a record atomically
func (s *FileStore) Save(identityID string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.SavedAt = time.Now()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	path := s.recordPath(identityID)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temporary session file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write session record: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync session file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close session file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	s.logger.DebugWithFields("session record saved", map[string]interface{}{
		"identity_id": identityID,
	})
	return nil
}

// Invalidate removes the record for an identity
func (s *FileStore) Invalidate(identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.recordPath(identityID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session record: %w", err)
	}
	return nil
}

// recordPath maps an identity to its record file. Identity IDs may come
// from operator input, so path separators are stripped.
func (s *FileStore) recordPath(identityID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(identityID)
	return filepath.Join(s.dir, safe+".session.json")
}
