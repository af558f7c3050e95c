// Package paths fixes the five base roots every file access resolves against
// and enforces that resolved paths never escape their root. Roots come from
// the environment (container mounts) with working-directory defaults.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned when a resolved path escapes its base root.
var ErrInvalidPath = errors.New("invalid path")

// Roots holds the absolute base directories fixed at process start.
type Roots struct {
	Config    string
	Data      string
	Downloads string
	Logs      string
	Tokens    string
}

// Layout is the persisted-state layout under the data root.
type Layout struct {
	DBPath        string
	SearchDBPath  string
	TempDownloads string
	ToolkitTemp   string
	ThumbsDir     string
	LockFile      string
	DeliveryDir   string
}

func envPath(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		abs, err := filepath.Abs(v)
		if err == nil {
			return abs
		}
	}
	abs, err := filepath.Abs(fallback)
	if err != nil {
		return fallback
	}
	return abs
}

// FromEnv builds the base roots from TAPEDECK_* environment variables,
// defaulting to subdirectories of the working directory.
func FromEnv() Roots {
	return Roots{
		Config:    envPath("TAPEDECK_CONFIG_DIR", "config"),
		Data:      envPath("TAPEDECK_DATA_DIR", "."),
		Downloads: envPath("TAPEDECK_DOWNLOADS_DIR", "downloads"),
		Logs:      envPath("TAPEDECK_LOG_DIR", "logs"),
		Tokens:    envPath("TAPEDECK_TOKENS_DIR", "tokens"),
	}
}

// NewLayout computes the persisted-state layout under the data root.
func (r Roots) NewLayout() Layout {
	return Layout{
		DBPath:        filepath.Join(r.Data, "database", "main.db"),
		SearchDBPath:  filepath.Join(r.Data, "database", "search.db"),
		TempDownloads: filepath.Join(r.Data, "temp_downloads"),
		ToolkitTemp:   filepath.Join(r.Data, "tmp", "yt-dlp"),
		ThumbsDir:     filepath.Join(r.Data, "tmp", "yt-dlp", "thumbs"),
		LockFile:      filepath.Join(r.Data, "tmp", "tapedeck.lock"),
		DeliveryDir:   filepath.Join(r.Data, "temp_downloads", "client_delivery"),
	}
}

// Resolve resolves path against base. Relative paths resolve inside the base;
// absolute paths must already be within it. The canonical result is checked
// against the canonical base so symlink escapes fail too.
func Resolve(path, base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("%w: empty base root", ErrInvalidPath)
	}
	resolved := path
	if resolved == "" {
		resolved = base
	} else if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(base, resolved)
	}
	resolved = filepath.Clean(resolved)

	if !within(resolved, base) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrInvalidPath, path, base)
	}
	return resolved, nil
}

// within reports whether path is inside base after resolving symlinks on the
// longest existing prefix of each. A path that does not exist yet is judged by
// its deepest existing ancestor.
func within(path, base string) bool {
	realBase, err := realpath(base)
	if err != nil {
		return false
	}
	realPath, err := realpath(path)
	if err != nil {
		return false
	}
	if realPath == realBase {
		return true
	}
	return strings.HasPrefix(realPath, realBase+string(filepath.Separator))
}

// realpath is EvalSymlinks tolerant of not-yet-existing suffixes: the deepest
// existing ancestor is canonicalized and the remainder re-joined.
func realpath(path string) (string, error) {
	remainder := ""
	current := filepath.Clean(path)
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// EnsureDir creates path (and parents) if missing.
func EnsureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}
