// Package ytapi is the authenticated platform API client. It covers the
// three calls the archiver needs: enumerate a playlist, fetch item
// metadata, and delete a playlist entry. Tokens are files under the tokens
// root; only the refresh grant is performed, never an interactive flow.
package ytapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"tapedeck/pkg/models"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const apiBase = "https://www.googleapis.com/youtube/v3"

var (
	// ErrRefreshFailed means the OAuth refresh grant was rejected; the
	// client must be invalidated for the rest of the run.
	ErrRefreshFailed = errors.New("oauth refresh failed")
)

// HTTPError is a non-2xx API response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api http error %d: %s", e.StatusCode, firstLine(e.Body))
}

// tokenFile is the persisted credential layout written by the OAuth
// bootstrap utility.
type tokenFile struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
}

// Client is one account's API client. Safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger *logrus.Logger

	mu          sync.Mutex
	creds       tokenFile
	accessToken string
	expiresAt   time.Time
}

// NewClient loads credentials from tokenPath.
func NewClient(tokenPath string, logger *logrus.Logger) (*Client, error) {
	raw, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var creds tokenFile
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if creds.RefreshToken == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, errors.New("token file missing refresh_token or client credentials")
	}
	if creds.TokenURI == "" {
		creds.TokenURI = "https://oauth2.googleapis.com/token"
	}

	return &Client{
		http:        resty.New().SetTimeout(30 * time.Second),
		logger:      logger,
		creds:       creds,
		accessToken: creds.Token,
	}, nil
}

// token returns a current access token, refreshing when needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}
	return c.refreshLocked(ctx)
}

// invalidate drops the cached access token so the next call refreshes.
func (c *Client) invalidate() {
	c.mu.Lock()
	c.accessToken = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) refreshLocked(ctx context.Context) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": c.creds.RefreshToken,
			"client_id":     c.creds.ClientID,
			"client_secret": c.creds.ClientSecret,
		}).
		Post(c.creds.TokenURI)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode())
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed token response", ErrRefreshFailed)
	}

	c.accessToken = body.AccessToken
	expires := body.ExpiresIn
	if expires <= 0 {
		expires = 3600
	}
	// Refresh a minute early so in-flight requests don't race expiry.
	c.expiresAt = time.Now().Add(time.Duration(expires-60) * time.Second)
	return c.accessToken, nil
}

// get performs an authenticated GET, retrying once after a 401 refresh.
func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(tok).
			SetQueryParams(query).
			Get(apiBase + path)
		if err != nil {
			return err
		}
		if resp.StatusCode() == 401 && attempt == 0 {
			c.invalidate()
			continue
		}
		if resp.IsError() {
			return &HTTPError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
		}
		return json.Unmarshal(resp.Body(), out)
	}
	return errors.New("unreachable")
}

type playlistItemsResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title    string `json:"title"`
			Position int    `json:"position"`
		} `json:"snippet"`
		ContentDetails struct {
			VideoID string `json:"videoId"`
		} `json:"contentDetails"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

// ListPlaylistItems enumerates a collection's current items, paging until
// exhausted. Order is the playlist's native order.
func (c *Client) ListPlaylistItems(ctx context.Context, playlistID string) ([]models.PlaylistEntry, error) {
	var entries []models.PlaylistEntry
	pageToken := ""
	for {
		query := map[string]string{
			"part":       "snippet,contentDetails",
			"playlistId": playlistID,
			"maxResults": "50",
		}
		if pageToken != "" {
			query["pageToken"] = pageToken
		}
		var resp playlistItemsResponse
		if err := c.get(ctx, "/playlistItems", query, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			if item.ContentDetails.VideoID == "" {
				continue
			}
			entries = append(entries, models.PlaylistEntry{
				ItemID:      item.ContentDetails.VideoID,
				EntryID:     item.ID,
				Title:       item.Snippet.Title,
				Position:    item.Snippet.Position,
				HasPosition: true,
			})
		}
		if resp.NextPageToken == "" {
			return entries, nil
		}
		pageToken = resp.NextPageToken
	}
}

type videosResponse struct {
	Items []struct {
		Snippet struct {
			Title        string   `json:"title"`
			ChannelTitle string   `json:"channelTitle"`
			PublishedAt  string   `json:"publishedAt"`
			Description  string   `json:"description"`
			Tags         []string `json:"tags"`
			Thumbnails   map[string]struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

// GetVideoMetadata fetches one item's metadata. Returns nil when the API
// has no record of the id.
func (c *Client) GetVideoMetadata(ctx context.Context, videoID string) (*models.MediaMeta, error) {
	var resp videosResponse
	err := c.get(ctx, "/videos", map[string]string{
		"part": "snippet,contentDetails",
		"id":   videoID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, nil
	}

	snip := resp.Items[0].Snippet
	uploadDate := ""
	if len(snip.PublishedAt) >= 10 {
		uploadDate = strings.ReplaceAll(snip.PublishedAt[:10], "-", "")
	}
	thumb := ""
	for _, key := range []string{"maxres", "standard", "high", "medium", "default"} {
		if t, ok := snip.Thumbnails[key]; ok && t.URL != "" {
			thumb = t.URL
			break
		}
	}

	return &models.MediaMeta{
		ItemID:       videoID,
		Title:        snip.Title,
		Channel:      snip.ChannelTitle,
		UploadDate:   uploadDate,
		Description:  snip.Description,
		Tags:         snip.Tags,
		URL:          "https://www.youtube.com/watch?v=" + videoID,
		ThumbnailURL: thumb,
	}, nil
}

// DeletePlaylistEntry removes one entry from the remote playlist.
func (c *Client) DeletePlaylistEntry(ctx context.Context, entryID string) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetQueryParam("id", entryID).
		Delete(apiBase + "/playlistItems")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &HTTPError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
