package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if errs := DefaultConfig().Validate(); len(errs) != 0 {
		t.Fatalf("default config invalid: %v", errs)
	}
}

func TestValidatePlaylists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Playlists = []PlaylistSpec{
		{PlaylistID: "PL1", Folder: "music"},
		{Folder: "no-id"},
		{PlaylistID: "PL2"},
		{PlaylistID: "PL3", Folder: "x", Mode: "sometimes"},
		{PlaylistID: "PL4", Folder: "y", Account: "ghost"},
	}

	errs := cfg.Validate()
	if len(errs) != 4 {
		t.Fatalf("expected 4 validation errors, got %d: %v", len(errs), errs)
	}
	wantFragments := []string{"missing playlist_id", "missing folder", "mode must be", "unknown account"}
	for _, fragment := range wantFragments {
		found := false
		for _, err := range errs {
			if strings.Contains(err, fragment) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no validation error containing %q in %v", fragment, errs)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule ScheduleConfig
		wantErrs int
	}{
		{"disabled empty", ScheduleConfig{}, 0},
		{"enabled with interval", ScheduleConfig{Enabled: true, Mode: "interval", IntervalHours: 6}, 0},
		{"enabled without interval", ScheduleConfig{Enabled: true, Mode: "interval"}, 1},
		{"bad mode", ScheduleConfig{Mode: "cron"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := ValidateSchedule(tt.schedule); len(errs) != tt.wantErrs {
				t.Fatalf("ValidateSchedule = %v, want %d errors", errs, tt.wantErrs)
			}
		})
	}
}

func TestPlaylistSpecAccessors(t *testing.T) {
	pl := PlaylistSpec{ID: "alt-id", Directory: "alt-dir"}
	if pl.CollectionID() != "alt-id" {
		t.Errorf("CollectionID = %q", pl.CollectionID())
	}
	if pl.TargetFolder() != "alt-dir" {
		t.Errorf("TargetFolder = %q", pl.TargetFolder())
	}
	if pl.EffectiveMode() != "full" {
		t.Errorf("EffectiveMode = %q, want full default", pl.EffectiveMode())
	}
}

func TestMusicMetadataNormalized(t *testing.T) {
	zero := MusicMetadataConfig{Enabled: true}.Normalized()
	if zero.ConfidenceThreshold != 70 {
		t.Errorf("threshold default = %d", zero.ConfidenceThreshold)
	}
	if zero.RateLimitSeconds != 1.5 {
		t.Errorf("rate limit default = %v", zero.RateLimitSeconds)
	}
	if zero.MaxArtworkSizePx != 1500 {
		t.Errorf("artwork size default = %d", zero.MaxArtworkSizePx)
	}

	set := MusicMetadataConfig{ConfidenceThreshold: 85, RateLimitSeconds: 3, MaxArtworkSizePx: 500}.Normalized()
	if set.ConfidenceThreshold != 85 || set.RateLimitSeconds != 3 || set.MaxArtworkSizePx != 500 {
		t.Errorf("explicit values overridden: %+v", set)
	}

	out := MusicMetadataConfig{ConfidenceThreshold: 150}.Normalized()
	if out.ConfidenceThreshold != 70 {
		t.Errorf("out-of-range threshold = %d, want default", out.ConfidenceThreshold)
	}
}

func TestValidateMusicMetadata(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MusicMetadata.ConfidenceThreshold = 120
	cfg.MusicMetadata.RateLimitSeconds = -1
	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
}

func TestParseClock(t *testing.T) {
	clock, err := ParseClock("23:30")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if clock.Hour != 23 || clock.Minute != 30 {
		t.Fatalf("ParseClock = %+v", clock)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Error("ParseClock accepted 25:00")
	}
	if _, err := ParseClock("bogus"); err == nil {
		t.Error("ParseClock accepted bogus")
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Schedule.IntervalHours != 6 {
		t.Errorf("default interval = %d", cfg.Schedule.IntervalHours)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file not created: %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Playlists = []PlaylistSpec{{PlaylistID: "PL1", Folder: "a", Mode: "subscribe", MusicMode: true}}
	cfg.FinalFormat = "mp4"
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig after save: %v", err)
	}
	if len(loaded.Playlists) != 1 || loaded.Playlists[0].Mode != "subscribe" {
		t.Fatalf("reloaded playlists = %+v", loaded.Playlists)
	}
	if loaded.FinalFormat != "mp4" {
		t.Errorf("reloaded final_format = %q", loaded.FinalFormat)
	}

	// Atomic save leaves no temp droppings behind.
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".config-") {
			t.Errorf("leftover temp file %s", entry.Name())
		}
	}
}
