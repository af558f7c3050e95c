package library

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBadFileID means the encoded id did not decode to a path inside the root.
var ErrBadFileID = errors.New("invalid file id")

// File is one library artifact with its encoded id.
type File struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RelPath     string    `json:"rel_path"`
	SizeBytes   int64     `json:"size_bytes"`
	ModifiedAt  time.Time `json:"modified_at"`
	DurationSec int       `json:"duration_sec,omitempty"`
}

// Metrics is the library + disk summary for /api/metrics.
type Metrics struct {
	FileCount      int   `json:"file_count"`
	TotalBytes     int64 `json:"total_bytes"`
	DiskTotalBytes int64 `json:"disk_total_bytes"`
	DiskFreeBytes  int64 `json:"disk_free_bytes"`
}

// Library reads the downloads root. Metrics are cached; the watcher
// invalidates the cache on quiescence and the next read recomputes it.
type Library struct {
	root   string
	logger *logrus.Logger

	mu          sync.Mutex
	cached      *Metrics
	cachedAt    time.Time
	watchCancel func()
}

// New builds a library over the downloads root.
func New(root string, logger *logrus.Logger) *Library {
	return &Library{root: root, logger: logger}
}

// Root returns the downloads root.
func (l *Library) Root() string { return l.root }

// EncodeFileID derives a stable opaque id from a root-relative path.
func EncodeFileID(relPath string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(relPath))
}

// DecodeFileID reverses EncodeFileID, rejecting ids that escape the root.
func (l *Library) DecodeFileID(fileID string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(fileID)
	if err != nil {
		return "", ErrBadFileID
	}
	relPath := filepath.Clean(string(raw))
	if relPath == "." || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", ErrBadFileID
	}
	return filepath.Join(l.root, relPath), nil
}

// List walks the library and returns every regular file.
func (l *Library) List(withDurations bool) ([]File, error) {
	var files []File
	err := filepath.Walk(l.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return nil
		}
		file := File{
			ID:         EncodeFileID(rel),
			Name:       info.Name(),
			RelPath:    rel,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		}
		if withDurations {
			if duration, err := calculateDuration(path); err == nil {
				file.DurationSec = duration
			}
		}
		files = append(files, file)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// Metrics returns the cached library summary, recomputing when stale.
func (l *Library) Metrics() (Metrics, error) {
	l.mu.Lock()
	if l.cached != nil && time.Since(l.cachedAt) < 5*time.Minute {
		m := *l.cached
		l.mu.Unlock()
		return m, nil
	}
	l.mu.Unlock()
	return l.recompute()
}

// recompute walks the library and refreshes the cached metrics.
func (l *Library) recompute() (Metrics, error) {
	var m Metrics
	err := filepath.Walk(l.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		m.FileCount++
		m.TotalBytes += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return Metrics{}, err
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(l.root, &stat); err == nil {
		m.DiskTotalBytes = int64(stat.Blocks) * int64(stat.Bsize)
		m.DiskFreeBytes = int64(stat.Bavail) * int64(stat.Bsize)
	}

	l.mu.Lock()
	l.cached = &m
	l.cachedAt = time.Now()
	l.mu.Unlock()
	return m, nil
}

// invalidate drops the cached metrics so the next read recomputes.
func (l *Library) invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}
