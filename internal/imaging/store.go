package imaging

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Store persists violation snapshot images as JPEG blobs under a base
// directory and maps them to URLs served by the HTTP layer.
type Store struct {
	baseDir string
	baseURL string
}

// NewStore creates a snapshot image store rooted at baseDir.
func NewStore(baseDir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Store{baseDir: baseDir, baseURL: baseURL}, nil
}

// Save writes an encoded JPEG and returns (ref, url). The ref is the
// store-internal name used later to release the blob; the url is what
// gets persisted on records and served to clients.
func (s *Store) Save(jpeg []byte) (string, string, error) {
	// Shard by date so directories stay small: violations/2025/09/01/<uuid>.jpg
	now := time.Now()
	relDir := filepath.Join("violations", now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(filepath.Join(s.baseDir, relDir), 0755); err != nil {
		return "", "", fmt.Errorf("failed to create snapshot subdirectory: %w", err)
	}

	ref := filepath.Join(relDir, uuid.NewString()+".jpg")
	fullPath := filepath.Join(s.baseDir, ref)
	if err := os.WriteFile(fullPath, jpeg, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write snapshot image: %w", err)
	}

	url := path.Join(s.baseURL, filepath.ToSlash(ref))
	log.Debugf("Stored snapshot image %s (%d bytes)", ref, len(jpeg))
	return ref, url, nil
}

// Delete releases a stored blob. Missing files are not an error so that
// record deletion stays idempotent.
func (s *Store) Delete(ref string) error {
	if ref == "" {
		return nil
	}
	fullPath := filepath.Join(s.baseDir, ref)
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete snapshot image %s: %w", ref, err)
	}
	log.Debugf("Deleted snapshot image %s", ref)
	return nil
}

// BaseDir returns the directory the HTTP layer should serve as /snapshots.
func (s *Store) BaseDir() string {
	return s.baseDir
}
