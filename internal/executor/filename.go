package executor

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"tapedeck/pkg/models"

	"golang.org/x/text/unicode/norm"
)

const maxFilenameCodepoints = 180

var (
	unsafeCharsRe     = regexp.MustCompile(`[\\/:*?"<>|]+`)
	whitespaceRe      = regexp.MustCompile(`\s+`)
	musicTitleCleanRe = regexp.MustCompile(`(?i)\s*[\(\[\{][^)\]\}]*?(official|music video|video|lyric|audio|visualizer|full video|hd|4k)[^)\]\}]*?[\)\]\}]\s*`)
	musicTitleTrailRe = regexp.MustCompile(`(?i)\s*-\s*(official|music video|video|lyric|audio|visualizer|full video).*$`)
	musicArtistVevoRe = regexp.MustCompile(`(?i)(vevo)$`)
	placeholderRe     = regexp.MustCompile(`\{([a-z_]+)\}`)
)

// SanitizeForFilesystem strips characters unsafe on common filesystems,
// removes control characters, collapses whitespace, Unicode-normalizes and
// trims to 180 codepoints.
func SanitizeForFilesystem(name string) string {
	if name == "" {
		return ""
	}
	name = unsafeCharsRe.ReplaceAllString(name, "")
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = whitespaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	name = norm.NFC.String(name)

	runes := []rune(name)
	if len(runes) > maxFilenameCodepoints {
		name = strings.TrimRight(string(runes[:maxFilenameCodepoints]), " ")
	}
	return name
}

// prettyFilename renders "Title - Channel (MM-YYYY)" for media servers.
func prettyFilename(title, channel, uploadDate string) string {
	titleS := SanitizeForFilesystem(title)
	channelS := SanitizeForFilesystem(channel)
	if len(uploadDate) == 8 && isDigits(uploadDate) {
		mm := uploadDate[4:6]
		yyyy := uploadDate[0:4]
		return fmt.Sprintf("%s - %s (%s-%s)", titleS, channelS, mm, yyyy)
	}
	return fmt.Sprintf("%s - %s", titleS, channelS)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// cleanMusicTitle strips bracketed "(Official Video)"-style noise and
// trailing "- official ..." markers.
func cleanMusicTitle(value string) string {
	if value == "" {
		return ""
	}
	cleaned := musicTitleCleanRe.ReplaceAllString(value, " ")
	cleaned = musicTitleTrailRe.ReplaceAllString(cleaned, "")
	return strings.Join(strings.Fields(cleaned), " ")
}

// cleanMusicArtist drops handle prefixes and trailing VEVO branding.
func cleanMusicArtist(value string) string {
	cleaned := strings.TrimSpace(value)
	cleaned = strings.TrimSpace(strings.TrimLeft(cleaned, "@"))
	cleaned = strings.TrimSpace(musicArtistVevoRe.ReplaceAllString(cleaned, ""))
	return cleaned
}

// expandTemplate substitutes {placeholder} tokens from values. Unknown
// placeholders expand to empty.
func expandTemplate(template string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.Trim(match, "{}")
		return values[key]
	})
}

// BuildMusicFilename renders the music layout: template when provided, else
// Artist/Album/NN - Track.ext.
func BuildMusicFilename(meta *models.MediaMeta, ext, template, fallbackID string) string {
	artist := SanitizeForFilesystem(cleanMusicArtist(meta.Artist))
	album := SanitizeForFilesystem(cleanMusicTitle(meta.Album))
	track := meta.Track
	if track == "" {
		track = meta.Title
	}
	track = SanitizeForFilesystem(cleanMusicTitle(track))
	trackNumber := ""
	if meta.TrackNumber > 0 {
		trackNumber = fmt.Sprintf("%02d", meta.TrackNumber)
	}
	disc := ""
	if meta.Disc > 0 {
		disc = fmt.Sprintf("%d", meta.Disc)
	}

	if template != "" {
		rendered := expandTemplate(template, map[string]string{
			"artist":       artist,
			"album":        album,
			"track":        track,
			"track_number": trackNumber,
			"album_artist": SanitizeForFilesystem(meta.AlbumArtist),
			"disc":         disc,
			"release_date": SanitizeForFilesystem(meta.ReleaseDate),
			"ext":          ext,
		})
		rendered = strings.TrimLeft(rendered, "/\\")
		if rendered != "" {
			return rendered
		}
	}

	filename := track
	if filename == "" {
		filename = fallbackID
		if filename == "" {
			filename = "track"
		}
	}
	if trackNumber != "" {
		filename = trackNumber + " - " + filename
	}
	filename = filename + "." + ext
	if artist != "" && album != "" {
		return filepath.Join(artist, album, filename)
	}
	if artist != "" {
		return filepath.Join(artist, filename)
	}
	return filename
}

// BuildOutputFilename computes the library-relative filename for a finished
// artifact. A non-empty template is expanded with the placeholders of the
// selected layout; an empty template (or one that expands to nothing) uses
// the default layout.
func BuildOutputFilename(meta *models.MediaMeta, itemID, ext string, musicMode bool, template string) string {
	if musicMode {
		return BuildMusicFilename(meta, ext, template, itemID)
	}

	if template != "" {
		rendered := expandTemplate(template, map[string]string{
			"title":       SanitizeForFilesystem(firstNonEmpty(meta.Title, itemID)),
			"uploader":    SanitizeForFilesystem(meta.Channel),
			"upload_date": meta.UploadDate,
			"ext":         ext,
		})
		if rendered != "" {
			return rendered
		}
	}
	return fmt.Sprintf("%s_%s.%s", prettyFilename(meta.Title, meta.Channel, meta.UploadDate), shortID(itemID), ext)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
