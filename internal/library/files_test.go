package library

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(t.TempDir(), logger)
}

func TestFileIDRoundTrip(t *testing.T) {
	lib := newTestLibrary(t)
	rel := filepath.Join("Artist", "Album", "01 - Track.mp3")

	id := EncodeFileID(rel)
	path, err := lib.DecodeFileID(id)
	if err != nil {
		t.Fatalf("DecodeFileID: %v", err)
	}
	if path != filepath.Join(lib.Root(), rel) {
		t.Fatalf("decoded = %q", path)
	}
}

func TestDecodeFileIDRejectsEscapes(t *testing.T) {
	lib := newTestLibrary(t)
	tests := []string{
		EncodeFileID("../outside.txt"),
		EncodeFileID("/etc/passwd"),
		EncodeFileID("."),
		"!!!not-base64!!!",
	}
	for _, id := range tests {
		if _, err := lib.DecodeFileID(id); err == nil {
			t.Errorf("id %q decoded without error", id)
		}
	}
}

func TestListAndMetrics(t *testing.T) {
	lib := newTestLibrary(t)
	os.MkdirAll(filepath.Join(lib.Root(), "sub"), 0o755)
	os.WriteFile(filepath.Join(lib.Root(), "a.webm"), make([]byte, 100), 0o644)
	os.WriteFile(filepath.Join(lib.Root(), "sub", "b.webm"), make([]byte, 50), 0o644)
	os.WriteFile(filepath.Join(lib.Root(), ".hidden"), []byte("x"), 0o644)

	files, err := lib.List(false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2 (hidden excluded)", len(files))
	}
	if files[0].ID == "" || files[0].SizeBytes == 0 {
		t.Fatalf("file entry = %+v", files[0])
	}

	metrics, err := lib.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.FileCount != 2 || metrics.TotalBytes != 150 {
		t.Fatalf("metrics = %+v", metrics)
	}
	if metrics.DiskTotalBytes == 0 {
		t.Error("disk totals missing")
	}

	// The cache serves until invalidated.
	os.WriteFile(filepath.Join(lib.Root(), "c.webm"), make([]byte, 25), 0o644)
	metrics, _ = lib.Metrics()
	if metrics.FileCount != 2 {
		t.Fatalf("cache bypassed: %+v", metrics)
	}
	lib.invalidate()
	metrics, _ = lib.Metrics()
	if metrics.FileCount != 3 || metrics.TotalBytes != 175 {
		t.Fatalf("after invalidate: %+v", metrics)
	}
}
