// Package images persists attached image payloads so log records can
// reference them by identifier. Identifiers are fresh uuids, not content
// hashes; identical images are stored twice.
package images

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/parley/internal/logger"
)

// NewID mints an identifier for one image payload.
func NewID() string {
	return uuid.NewString()
}

// Store saves an encoded JPEG payload under a date-partitioned key.
type Store interface {
	Save(id string, jpeg []byte) error
}

// LocalStore writes serve_images/<YYYY-MM-DD>/<id>.jpg under a base
// directory.
type LocalStore struct {
	dir string
	now func() time.Time
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir, now: time.Now}
}

// Path returns where an image saved on day t lives.
func (s *LocalStore) Path(t time.Time, id string) string {
	return filepath.Join(s.dir, "serve_images", t.Format("2006-01-02"), id+".jpg")
}

// Save writes the payload unless a file with that id already exists.
func (s *LocalStore) Save(id string, jpeg []byte) error {
	path := s.Path(s.now(), id)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return fmt.Errorf("write image %s: %w", id, err)
	}

	logger.Debug("image saved", "id", id, "bytes", len(jpeg))
	return nil
}
