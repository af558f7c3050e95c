// Package metadata enriches downloaded music files in the background: each
// file is fuzzy-matched against MusicBrainz recordings (optionally boosted
// by AcoustID fingerprinting), cover art is fetched, and enriched tags are
// written once the match clears the confidence threshold.
package metadata

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"tapedeck/pkg/models"

	"github.com/agnivade/levenshtein"
)

var (
	titleCleanRe = regexp.MustCompile(`(?i)\s*[\(\[\{][^)\]\}]*?(official|music video|video|lyric|audio|visualizer|full video|hd|4k)[^)\]\}]*?[\)\]\}]\s*`)
	titleTrailRe = regexp.MustCompile(`(?i)\s*-\s*(official|music video|video|lyric|audio|visualizer|full video).*$`)
	vevoSuffixRe = regexp.MustCompile(`(?i)(vevo)$`)
	fuzzPunctRe  = regexp.MustCompile(`[^\pL\pN\s]+`)
)

// Source is what the local file claims to be, parsed from the download
// metadata with the filename as fallback.
type Source struct {
	Artist      string
	Title       string
	Album       string
	SourceTitle string
}

// Candidate is one remote recording under consideration.
type Candidate struct {
	RecordingID   string
	Title         string
	Artist        string
	Album         string
	AlbumArtist   string
	TrackNumber   int
	ReleaseID     string
	Year          string
	Genre         string
	DurationSec   int
	AcoustIDScore float64
}

// ParseSource derives artist/title/album for matching. A missing artist is
// recovered from an "Artist - Title" shaped title or filename.
func ParseSource(meta *models.MediaMeta, filePath string) Source {
	title := ""
	artist := ""
	album := ""
	if meta != nil {
		title = cleanTitle(firstNonEmpty(meta.Track, meta.Title))
		artist = cleanArtist(firstNonEmpty(meta.Artist, meta.Channel))
		album = cleanTitle(meta.Album)
	}
	sourceTitle := title
	if sourceTitle == "" {
		base := filepath.Base(filePath)
		sourceTitle = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if artist == "" && strings.Contains(sourceTitle, " - ") {
		parts := strings.SplitN(sourceTitle, " - ", 2)
		artist = cleanArtist(strings.TrimSpace(parts[0]))
		if len(parts) > 1 {
			title = cleanTitle(strings.TrimSpace(parts[1]))
		}
	}
	if title == "" {
		title = cleanTitle(sourceTitle)
	}

	return Source{
		Artist:      strings.TrimSpace(artist),
		Title:       strings.TrimSpace(title),
		Album:       strings.TrimSpace(album),
		SourceTitle: sourceTitle,
	}
}

// SelectBestMatch scores every candidate and returns the winner.
func SelectBestMatch(source Source, candidates []Candidate, durationSec int) (*Candidate, int) {
	var best *Candidate
	bestScore := 0
	for idx := range candidates {
		score := ScoreMatch(source, candidates[idx], durationSec)
		if score > bestScore {
			best = &candidates[idx]
			bestScore = score
		}
	}
	return best, bestScore
}

// ScoreMatch computes the weighted confidence for one candidate: 40 for
// artist, 30 for title, 10 for album, 20 for duration within two seconds.
// Each similarity dimension must clear 80 to count at all.
func ScoreMatch(source Source, candidate Candidate, durationSec int) int {
	score := 0
	if fuzzyScore(source.Artist, candidate.Artist) >= 80 {
		score += 40
	}
	if fuzzyScore(source.Title, candidate.Title) >= 80 {
		score += 30
	}
	if source.Album != "" && fuzzyScore(source.Album, candidate.Album) >= 80 {
		score += 10
	}
	if durationSec > 0 && candidate.DurationSec > 0 {
		delta := durationSec - candidate.DurationSec
		if delta < 0 {
			delta = -delta
		}
		if delta <= 2 {
			score += 20
		}
	}
	return score
}

// MergeCandidates unions two candidate lists, keeping the first entry per
// recording id.
func MergeCandidates(existing, extra []Candidate) []Candidate {
	seen := map[string]bool{}
	var out []Candidate
	for _, list := range [][]Candidate{existing, extra} {
		for _, candidate := range list {
			key := candidate.RecordingID
			if key != "" {
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			out = append(out, candidate)
		}
	}
	return out
}

// fuzzyScore is a token-set ratio in [0, 100]: both strings are reduced to
// token sets, and the best Levenshtein ratio over the intersection/remainder
// recombinations wins. Word order and repeated words do not matter.
func fuzzyScore(left, right string) int {
	if left == "" || right == "" {
		return 0
	}
	leftTokens := fuzzTokens(left)
	rightTokens := fuzzTokens(right)
	if len(leftTokens) == 0 || len(rightTokens) == 0 {
		return 0
	}

	var common, leftOnly, rightOnly []string
	for token := range leftTokens {
		if rightTokens[token] {
			common = append(common, token)
		} else {
			leftOnly = append(leftOnly, token)
		}
	}
	for token := range rightTokens {
		if !leftTokens[token] {
			rightOnly = append(rightOnly, token)
		}
	}
	sort.Strings(common)
	sort.Strings(leftOnly)
	sort.Strings(rightOnly)

	base := strings.Join(common, " ")
	withLeft := strings.TrimSpace(base + " " + strings.Join(leftOnly, " "))
	withRight := strings.TrimSpace(base + " " + strings.Join(rightOnly, " "))

	score := ratio(base, withLeft)
	if s := ratio(base, withRight); s > score {
		score = s
	}
	if s := ratio(withLeft, withRight); s > score {
		score = s
	}
	return score
}

func ratio(a, b string) int {
	if a == "" && b == "" {
		return 0
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return int(float64(longest-dist) / float64(longest) * 100)
}

func fuzzTokens(value string) map[string]bool {
	normalized := strings.ToLower(fuzzPunctRe.ReplaceAllString(value, " "))
	tokens := map[string]bool{}
	for _, token := range strings.Fields(normalized) {
		tokens[token] = true
	}
	return tokens
}

func cleanTitle(value string) string {
	if value == "" {
		return ""
	}
	cleaned := titleCleanRe.ReplaceAllString(value, " ")
	cleaned = titleTrailRe.ReplaceAllString(cleaned, "")
	return strings.Join(strings.Fields(cleaned), " ")
}

func cleanArtist(value string) string {
	cleaned := strings.TrimSpace(value)
	cleaned = strings.TrimSpace(strings.TrimLeft(cleaned, "@"))
	return strings.TrimSpace(vevoSuffixRe.ReplaceAllString(cleaned, ""))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
