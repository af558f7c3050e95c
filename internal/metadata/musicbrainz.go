package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tapedeck/pkg/version"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const mbBase = "https://musicbrainz.org/ws/2"

// MusicBrainzClient searches the MusicBrainz recording index.
type MusicBrainzClient struct {
	http   *resty.Client
	logger *logrus.Logger

	mu           sync.Mutex
	releaseCache map[string]*mbRelease
}

// NewMusicBrainzClient builds the client with the identifying User-Agent the
// MusicBrainz API requires.
func NewMusicBrainzClient(logger *logrus.Logger) *MusicBrainzClient {
	return &MusicBrainzClient{
		http: resty.New().
			SetTimeout(15*time.Second).
			SetHeader("User-Agent", "tapedeck/"+version.Version+" (https://github.com/tapedeck/tapedeck)"),
		logger:       logger,
		releaseCache: map[string]*mbRelease{},
	}
}

type mbArtistCredit struct {
	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
	Name string `json:"name"`
}

type mbRelease struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Date         string           `json:"date"`
	ArtistCredit []mbArtistCredit `json:"artist-credit"`
	Media        []struct {
		Tracks []struct {
			Position  int    `json:"position"`
			Number    string `json:"number"`
			Recording struct {
				ID string `json:"id"`
			} `json:"recording"`
		} `json:"tracks"`
	} `json:"media"`
}

type mbRecording struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	LengthMS     int              `json:"length"`
	ArtistCredit []mbArtistCredit `json:"artist-credit"`
	Releases     []mbRelease      `json:"releases"`
}

type mbSearchResponse struct {
	Recordings []mbRecording `json:"recordings"`
}

// SearchRecordings queries for candidate recordings matching artist + title
// (and album when known).
func (c *MusicBrainzClient) SearchRecordings(ctx context.Context, artist, title, album string) ([]Candidate, error) {
	if artist == "" || title == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`artist:%s AND recording:%s`, quoteLucene(artist), quoteLucene(title))
	if album != "" {
		query += " AND release:" + quoteLucene(album)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query": query,
			"limit": "5",
			"fmt":   "json",
		}).
		Get(mbBase + "/recording")
	if err != nil {
		return nil, fmt.Errorf("musicbrainz search failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("musicbrainz search failed: status %d", resp.StatusCode())
	}

	var body mbSearchResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("musicbrainz response malformed: %w", err)
	}

	var candidates []Candidate
	for _, rec := range body.Recordings {
		candidates = append(candidates, c.recordingToCandidate(ctx, rec))
	}
	return candidates, nil
}

func (c *MusicBrainzClient) recordingToCandidate(ctx context.Context, rec mbRecording) Candidate {
	candidate := Candidate{
		RecordingID: rec.ID,
		Title:       rec.Title,
		Artist:      creditName(rec.ArtistCredit),
		DurationSec: (rec.LengthMS + 500) / 1000,
	}
	if len(rec.Releases) > 0 {
		release := rec.Releases[0]
		candidate.Album = release.Title
		candidate.AlbumArtist = creditName(release.ArtistCredit)
		candidate.ReleaseID = release.ID
		if release.Date != "" {
			candidate.Year = strings.SplitN(release.Date, "-", 2)[0]
		}
		candidate.TrackNumber = c.findTrackNumber(ctx, release.ID, rec.ID)
	}
	return candidate
}

// findTrackNumber resolves the track position via a release lookup. Releases
// are cached per client so repeated recordings of one album cost one call.
func (c *MusicBrainzClient) findTrackNumber(ctx context.Context, releaseID, recordingID string) int {
	if releaseID == "" || recordingID == "" {
		return 0
	}
	c.mu.Lock()
	release, cached := c.releaseCache[releaseID]
	c.mu.Unlock()

	if !cached {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"inc": "recordings", "fmt": "json"}).
			Get(mbBase + "/release/" + releaseID)
		if err != nil || resp.IsError() {
			c.logger.WithField("release_id", releaseID).Debug("musicbrainz release lookup failed")
			return 0
		}
		var body mbRelease
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return 0
		}
		release = &body
		c.mu.Lock()
		c.releaseCache[releaseID] = release
		c.mu.Unlock()
	}
	if release == nil {
		return 0
	}

	for _, medium := range release.Media {
		for _, track := range medium.Tracks {
			if track.Recording.ID != recordingID {
				continue
			}
			if track.Position > 0 {
				return track.Position
			}
			if n, err := strconv.Atoi(track.Number); err == nil {
				return n
			}
		}
	}
	return 0
}

func creditName(credit []mbArtistCredit) string {
	if len(credit) == 0 {
		return ""
	}
	if credit[0].Artist.Name != "" {
		return credit[0].Artist.Name
	}
	return credit[0].Name
}

// quoteLucene escapes a value for a quoted Lucene term.
func quoteLucene(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}
