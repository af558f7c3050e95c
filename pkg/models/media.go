package models

// MediaMeta is the normalized per-item metadata record the executor works
// with, merged from the platform API and the toolkit probe.
type MediaMeta struct {
	ItemID       string   `json:"item_id"`
	Title        string   `json:"title"`
	Channel      string   `json:"channel"`
	Artist       string   `json:"artist,omitempty"`
	Album        string   `json:"album,omitempty"`
	AlbumArtist  string   `json:"album_artist,omitempty"`
	Track        string   `json:"track,omitempty"`
	TrackNumber  int      `json:"track_number,omitempty"`
	Disc         int      `json:"disc,omitempty"`
	ReleaseDate  string   `json:"release_date,omitempty"`
	UploadDate   string   `json:"upload_date,omitempty"` // YYYYMMDD
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	URL          string   `json:"url"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	DurationSec  int      `json:"duration_sec,omitempty"`
}

// Overlay fills empty fields of m from other, preferring m's non-empty
// values. Music mode uses it to enrich an API record with the toolkit
// probe's richer tag fields.
func (m *MediaMeta) Overlay(other *MediaMeta) {
	if other == nil {
		return
	}
	if m.Title == "" {
		m.Title = other.Title
	}
	if m.Channel == "" {
		m.Channel = other.Channel
	}
	if m.Artist == "" {
		m.Artist = other.Artist
	}
	if m.Album == "" {
		m.Album = other.Album
	}
	if m.AlbumArtist == "" {
		m.AlbumArtist = other.AlbumArtist
	}
	if m.Track == "" {
		m.Track = other.Track
	}
	if m.TrackNumber == 0 {
		m.TrackNumber = other.TrackNumber
	}
	if m.Disc == 0 {
		m.Disc = other.Disc
	}
	if m.ReleaseDate == "" {
		m.ReleaseDate = other.ReleaseDate
	}
	if m.UploadDate == "" {
		m.UploadDate = other.UploadDate
	}
	if m.Description == "" {
		m.Description = other.Description
	}
	if len(m.Tags) == 0 {
		m.Tags = other.Tags
	}
	if m.ThumbnailURL == "" {
		m.ThumbnailURL = other.ThumbnailURL
	}
	if m.DurationSec == 0 {
		m.DurationSec = other.DurationSec
	}
}

// PlaylistEntry is one enumerated item of a remote collection.
type PlaylistEntry struct {
	ItemID      string `json:"item_id"`
	EntryID     string `json:"entry_id,omitempty"` // remote playlist-entry id, needed for deletion
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Position    int    `json:"position,omitempty"`
	HasPosition bool   `json:"-"`
}
