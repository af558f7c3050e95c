package executor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPickOutputPrefersTargetFormat(t *testing.T) {
	staging := t.TempDir()
	for _, name := range []string{"V1.mp4", "V1.webm", "V1.part", "V1.ytdl"} {
		os.WriteFile(filepath.Join(staging, name), []byte("x"), 0o644)
	}

	if got := pickOutput(staging, "mp4"); filepath.Base(got) != "V1.mp4" {
		t.Errorf("target-format pick = %q", got)
	}
	// Without a target format, webm leads the preference order.
	if got := pickOutput(staging, ""); filepath.Base(got) != "V1.webm" {
		t.Errorf("default pick = %q", got)
	}
}

func TestPickOutputIgnoresPartials(t *testing.T) {
	staging := t.TempDir()
	os.WriteFile(filepath.Join(staging, "V1.webm.part"), []byte("x"), 0o644)
	if got := pickOutput(staging, ""); got != "" {
		t.Errorf("picked a partial: %q", got)
	}
}

func TestHasStuckPartial(t *testing.T) {
	staging := t.TempDir()
	if hasStuckPartial(staging) {
		t.Error("empty staging reported stuck")
	}

	// A tiny partial marks the directory as stuck.
	os.WriteFile(filepath.Join(staging, "V1.webm.part"), make([]byte, 1024), 0o644)
	if !hasStuckPartial(staging) {
		t.Error("small partial not detected")
	}

	// A partial past the threshold is presumed healthy.
	os.WriteFile(filepath.Join(staging, "V1.webm.part"), make([]byte, stuckPartialBytes), 0o644)
	if hasStuckPartial(staging) {
		t.Error("large partial reported stuck")
	}
}

func TestMoveFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	src := filepath.Join(srcDir, "a.webm")
	dst := filepath.Join(dstDir, "final.webm")
	os.WriteFile(src, []byte("payload"), 0o644)

	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Fatalf("dst content = %q, %v", data, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present")
	}
	// No hidden partial left next to the destination.
	entries, _ := os.ReadDir(dstDir)
	for _, entry := range entries {
		if entry.Name() != "final.webm" {
			t.Errorf("leftover %s", entry.Name())
		}
	}
}

func TestCtxHelpers(t *testing.T) {
	m := map[string]any{
		"s":      "value",
		"b":      true,
		"bs":     "true",
		"bf":     float64(1),
		"absent": nil,
	}
	if ctxString(m, "s") != "value" || ctxString(m, "nope") != "" {
		t.Error("ctxString")
	}
	if !ctxBool(m, "b") || !ctxBool(m, "bs") || !ctxBool(m, "bf") || ctxBool(m, "absent") {
		t.Error("ctxBool")
	}
	if ctxString(nil, "s") != "" || ctxBool(nil, "b") {
		t.Error("nil map handling")
	}
}

func TestMetaFromContext(t *testing.T) {
	meta := metaFromContext(map[string]any{
		"title":        "Song",
		"artist":       "Artist",
		"album":        "Album",
		"duration_sec": float64(215),
	}, "V1", "https://example.test/t")

	if meta.Title != "Song" || meta.Artist != "Artist" || meta.DurationSec != 215 {
		t.Fatalf("meta = %+v", meta)
	}
	if meta.ItemID != "V1" || meta.URL != "https://example.test/t" {
		t.Fatalf("identity = %+v", meta)
	}

	// Empty title falls back to the item id.
	meta = metaFromContext(map[string]any{}, "V2", "u")
	if meta.Title != "V2" {
		t.Errorf("fallback title = %q", meta.Title)
	}
}
