// Package framecache is the on-disk store of rendered frames: one directory
// per study, one file per frame named by zero-padded frame index. It exists
// to absorb repeated decode and archive round-trips; the index and the
// archive remain the source of truth and any entry can be regenerated.
package framecache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var ErrMiss = errors.New("frame not cached")

// Cache is safe for concurrent use. Writes go to a temporary file and are
// renamed into place, so readers never observe a partial frame; concurrent
// writers for the same key are allowed and the last rename wins.
type Cache struct {
	root string
	// sentinelSize is the exact byte size of the placeholder image an
	// earlier pipeline wrote on decode failure. A file of this size is
	// treated as a miss and evicted so it gets regenerated.
	sentinelSize int64
	log          zerolog.Logger
}

func New(root string, sentinelSize int64, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Cache{root: root, sentinelSize: sentinelSize, log: log}, nil
}

func (c *Cache) framePath(studyUID string, frameIndex int) string {
	return filepath.Join(c.root, studyUID, fmt.Sprintf("%06d.png", frameIndex))
}

// Get returns the cached frame bytes, or ErrMiss. A placeholder-sized file
// is evicted and reported as a miss so the caller re-resolves the frame.
func (c *Cache) Get(studyUID string, frameIndex int) ([]byte, error) {
	path := c.framePath(studyUID, frameIndex)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("stat cached frame: %w", err)
	}

	if c.sentinelSize > 0 && info.Size() == c.sentinelSize {
		c.log.Info().
			Str("study_uid", studyUID).
			Int("frame_index", frameIndex).
			Msg("evicting placeholder-sized cache entry")
		_ = os.Remove(path)
		return nil, ErrMiss
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Lost a race with an eviction; treat as a miss.
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("read cached frame: %w", err)
	}
	return data, nil
}

// Put stores frame bytes via temp-file + atomic rename.
func (c *Cache) Put(studyUID string, frameIndex int, data []byte) error {
	dir := filepath.Join(c.root, studyUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create study cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".frame-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp frame file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp frame file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp frame file: %w", err)
	}

	if err := os.Rename(tmpName, c.framePath(studyUID, frameIndex)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename frame into place: %w", err)
	}
	return nil
}

// PurgeStudy removes a study's entire cache directory. Used by the
// administrative purge together with the index delete.
func (c *Cache) PurgeStudy(studyUID string) error {
	if studyUID == "" {
		return fmt.Errorf("empty study uid")
	}
	if err := os.RemoveAll(filepath.Join(c.root, studyUID)); err != nil {
		return fmt.Errorf("purge study cache: %w", err)
	}
	return nil
}
