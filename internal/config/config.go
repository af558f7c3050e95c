// Package config loads and validates the archiver configuration document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the archiver configuration loaded from TOML.
type Config struct {
	Accounts  map[string]AccountConfig `toml:"accounts,omitempty" json:"accounts,omitempty"`
	Playlists []PlaylistSpec           `toml:"playlists" json:"playlists"`
	Schedule  ScheduleConfig           `toml:"schedule" json:"schedule"`
	Watch     WatchPolicy              `toml:"watch_policy" json:"watch_policy"`

	FinalFormat           string `toml:"final_format" json:"final_format,omitempty"`
	FilenameTemplate      string `toml:"filename_template" json:"filename_template,omitempty"`
	MusicFilenameTemplate string `toml:"music_filename_template" json:"music_filename_template,omitempty"`
	SingleDownloadFolder  string `toml:"single_download_folder" json:"single_download_folder,omitempty"`

	YtDlpCookies string         `toml:"yt_dlp_cookies" json:"yt_dlp_cookies,omitempty"`
	YtDlpOpts    map[string]any `toml:"yt_dlp_opts,omitempty" json:"yt_dlp_opts,omitempty"`
	JSRuntime    string         `toml:"js_runtime" json:"js_runtime,omitempty"`

	JobMaxAttempts       int `toml:"job_max_attempts" json:"job_max_attempts,omitempty"`
	JobRetryDelaySeconds int `toml:"job_retry_delay_seconds" json:"job_retry_delay_seconds,omitempty"`

	DryRun             bool `toml:"dry_run" json:"dry_run,omitempty"`
	MusicMetadataDebug bool `toml:"music_metadata_debug" json:"music_metadata_debug,omitempty"`

	MusicMetadata MusicMetadataConfig `toml:"music_metadata" json:"music_metadata,omitempty"`

	Telegram TelegramConfig `toml:"telegram" json:"telegram,omitempty"`
	Tunnel   TunnelConfig   `toml:"tunnel" json:"tunnel,omitempty"`
	Logging  LoggingConfig  `toml:"logging" json:"logging,omitempty"`
}

// AccountConfig binds a named account to a token file under the tokens root.
type AccountConfig struct {
	Token string `toml:"token" json:"token"`
}

// PlaylistSpec describes one watched remote collection.
type PlaylistSpec struct {
	PlaylistID          string `toml:"playlist_id" json:"playlist_id"`
	ID                  string `toml:"id" json:"id,omitempty"`
	Folder              string `toml:"folder" json:"folder"`
	Directory           string `toml:"directory" json:"directory,omitempty"`
	Mode                string `toml:"mode" json:"mode,omitempty"`
	MusicMode           bool   `toml:"music_mode" json:"music_mode,omitempty"`
	Account             string `toml:"account" json:"account,omitempty"`
	FinalFormat         string `toml:"final_format" json:"final_format,omitempty"`
	RemoveAfterDownload bool   `toml:"remove_after_download" json:"remove_after_download,omitempty"`
}

// CollectionID returns the playlist identifier, accepting both spellings.
func (p PlaylistSpec) CollectionID() string {
	if p.PlaylistID != "" {
		return p.PlaylistID
	}
	return p.ID
}

// TargetFolder returns the destination directory, accepting both spellings.
func (p PlaylistSpec) TargetFolder() string {
	if p.Folder != "" {
		return p.Folder
	}
	return p.Directory
}

// EffectiveMode returns the playlist mode with the "full" default applied.
func (p PlaylistSpec) EffectiveMode() string {
	if p.Mode == "" {
		return "full"
	}
	return p.Mode
}

// ScheduleConfig drives the interval scheduler.
type ScheduleConfig struct {
	Enabled       bool   `toml:"enabled" json:"enabled"`
	Mode          string `toml:"mode" json:"mode"`
	IntervalHours int    `toml:"interval_hours" json:"interval_hours"`
	RunOnStartup  bool   `toml:"run_on_startup" json:"run_on_startup"`
}

// WatchPolicy bounds adaptive playlist polling and the downtime window.
type WatchPolicy struct {
	MinIntervalMinutes int            `toml:"min_interval_minutes" json:"min_interval_minutes"`
	MaxIntervalMinutes int            `toml:"max_interval_minutes" json:"max_interval_minutes"`
	IdleBackoffFactor  float64        `toml:"idle_backoff_factor" json:"idle_backoff_factor"`
	ActiveResetMinutes int            `toml:"active_reset_minutes" json:"active_reset_minutes"`
	Downtime           DowntimeWindow `toml:"downtime" json:"downtime"`
}

// DowntimeWindow is a daily wall-clock window during which runs pause.
type DowntimeWindow struct {
	Enabled  bool   `toml:"enabled" json:"enabled"`
	Start    string `toml:"start" json:"start"`
	End      string `toml:"end" json:"end"`
	Timezone string `toml:"timezone" json:"timezone"`
}

// MusicMetadataConfig gates the background MusicBrainz/AcoustID tag
// enrichment of downloaded music files.
type MusicMetadataConfig struct {
	Enabled             bool    `toml:"enabled" json:"enabled"`
	ConfidenceThreshold int     `toml:"confidence_threshold" json:"confidence_threshold"`
	UseAcoustID         bool    `toml:"use_acoustid" json:"use_acoustid"`
	AcoustIDAPIKey      string  `toml:"acoustid_api_key" json:"acoustid_api_key,omitempty"`
	EmbedArtwork        bool    `toml:"embed_artwork" json:"embed_artwork"`
	AllowOverwriteTags  bool    `toml:"allow_overwrite_tags" json:"allow_overwrite_tags"`
	MaxArtworkSizePx    int     `toml:"max_artwork_size_px" json:"max_artwork_size_px"`
	RateLimitSeconds    float64 `toml:"rate_limit_seconds" json:"rate_limit_seconds"`
	DryRun              bool    `toml:"dry_run" json:"dry_run,omitempty"`
}

// Normalized fills unset tuning fields with their defaults.
func (m MusicMetadataConfig) Normalized() MusicMetadataConfig {
	if m.ConfidenceThreshold <= 0 || m.ConfidenceThreshold > 100 {
		m.ConfidenceThreshold = 70
	}
	if m.RateLimitSeconds <= 0 {
		m.RateLimitSeconds = 1.5
	}
	if m.MaxArtworkSizePx <= 0 {
		m.MaxArtworkSizePx = 1500
	}
	return m
}

// TelegramConfig holds the notification channel credentials.
type TelegramConfig struct {
	BotToken string `toml:"bot_token" json:"bot_token,omitempty"`
	ChatID   string `toml:"chat_id" json:"chat_id,omitempty"`
}

// TunnelConfig exposes the HTTP surface through an ngrok tunnel when enabled.
type TunnelConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	AuthToken string `toml:"auth_token" json:"auth_token,omitempty"`
	Domain    string `toml:"domain" json:"domain,omitempty"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `toml:"level" json:"level,omitempty"`
}

// DefaultConfig returns a configuration populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Playlists: []PlaylistSpec{},
		Schedule: ScheduleConfig{
			Enabled:       false,
			Mode:          "interval",
			IntervalHours: 6,
			RunOnStartup:  false,
		},
		Watch: WatchPolicy{
			MinIntervalMinutes: 30,
			MaxIntervalMinutes: 1440,
			IdleBackoffFactor:  1.5,
			ActiveResetMinutes: 30,
		},
		FinalFormat:          "webm",
		JobMaxAttempts:       3,
		JobRetryDelaySeconds: 30,
		MusicMetadata: MusicMetadataConfig{
			Enabled:             true,
			ConfidenceThreshold: 70,
			EmbedArtwork:        true,
			AllowOverwriteTags:  true,
			MaxArtworkSizePx:    1500,
			RateLimitSeconds:    1.5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from a TOML file or creates the file with
// defaults if it does not yet exist.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// SaveToFile atomically writes the configuration: temp file in the same
// directory, fsync, then rename over the destination.
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	encoder := toml.NewEncoder(tmp)
	if err := encoder.Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config file: %w", err)
	}
	return os.Rename(tmpPath, configPath)
}

// Validate checks the configuration and returns human-readable problems.
// An empty slice means the config is valid.
func (c *Config) Validate() []string {
	var errs []string

	for idx, pl := range c.Playlists {
		if pl.CollectionID() == "" {
			errs = append(errs, fmt.Sprintf("playlists[%d] missing playlist_id", idx))
		}
		if pl.TargetFolder() == "" {
			errs = append(errs, fmt.Sprintf("playlists[%d] missing folder", idx))
		}
		switch pl.EffectiveMode() {
		case "full", "subscribe":
		default:
			errs = append(errs, fmt.Sprintf("playlists[%d] mode must be 'full' or 'subscribe'", idx))
		}
		if pl.Account != "" {
			if _, ok := c.Accounts[pl.Account]; !ok {
				errs = append(errs, fmt.Sprintf("playlists[%d] references unknown account %q", idx, pl.Account))
			}
		}
	}

	for name, acc := range c.Accounts {
		if acc.Token == "" {
			errs = append(errs, fmt.Sprintf("accounts.%s missing token path", name))
		}
	}

	errs = append(errs, ValidateSchedule(c.Schedule)...)

	if c.Watch.MinIntervalMinutes < 0 {
		errs = append(errs, "watch_policy.min_interval_minutes must not be negative")
	}
	if c.Watch.MaxIntervalMinutes > 0 && c.Watch.MaxIntervalMinutes < c.Watch.MinIntervalMinutes {
		errs = append(errs, "watch_policy.max_interval_minutes must be >= min_interval_minutes")
	}
	if c.Watch.Downtime.Enabled {
		if _, err := ParseClock(c.Watch.Downtime.Start); err != nil {
			errs = append(errs, fmt.Sprintf("watch_policy.downtime.start: %v", err))
		}
		if _, err := ParseClock(c.Watch.Downtime.End); err != nil {
			errs = append(errs, fmt.Sprintf("watch_policy.downtime.end: %v", err))
		}
	}

	if c.MusicMetadata.ConfidenceThreshold < 0 || c.MusicMetadata.ConfidenceThreshold > 100 {
		errs = append(errs, "music_metadata.confidence_threshold must be between 0 and 100")
	}
	if c.MusicMetadata.RateLimitSeconds < 0 {
		errs = append(errs, "music_metadata.rate_limit_seconds must not be negative")
	}
	if c.JobMaxAttempts < 0 {
		errs = append(errs, "job_max_attempts must not be negative")
	}
	if c.JobRetryDelaySeconds < 0 {
		errs = append(errs, "job_retry_delay_seconds must not be negative")
	}

	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
		}
	}

	return errs
}

// ValidateSchedule validates a schedule section on its own; the HTTP layer
// reuses this for partial schedule updates.
func ValidateSchedule(s ScheduleConfig) []string {
	var errs []string
	if s.Mode != "" && s.Mode != "interval" {
		errs = append(errs, "schedule.mode must be 'interval'")
	}
	if s.Enabled && s.IntervalHours < 1 {
		errs = append(errs, "schedule.interval_hours must be >= 1 when schedule is enabled")
	}
	if s.IntervalHours < 0 {
		errs = append(errs, "schedule.interval_hours must not be negative")
	}
	return errs
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// Minutes returns the clock as minutes past midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// ParseClock parses "HH:MM".
func ParseClock(value string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}
