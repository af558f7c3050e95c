// Package discovery turns playlist specs into new work: enumerate the
// remote collection, apply the mode policy against the history store, and
// enqueue deduplicated download jobs.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"tapedeck/internal/config"
	"tapedeck/internal/database"
	"tapedeck/internal/jobstore"
	"tapedeck/internal/status"
	"tapedeck/internal/ytapi"
	"tapedeck/pkg/models"

	"github.com/sirupsen/logrus"
)

// Enumerator is the authenticated enumeration surface.
type Enumerator interface {
	ListPlaylistItems(ctx context.Context, playlistID string) ([]models.PlaylistEntry, error)
}

// PublicEnumerator is the unauthenticated fallback (toolkit extract-only).
type PublicEnumerator interface {
	ExtractPlaylist(ctx context.Context, playlistURL, cookiesPath string) ([]models.PlaylistEntry, error)
}

// FetchOutcome classifies one enumeration path's result.
type FetchOutcome int

const (
	FetchOK FetchOutcome = iota
	FetchHTTPError
	FetchRefreshFailure
	FetchError
)

// ErrFetchFailed reports that both enumeration paths yielded nothing and at
// least one errored.
var ErrFetchFailed = errors.New("playlist fetch failed")

// Discovery runs the discovery + deduplication stage for one run.
type Discovery struct {
	History  *database.Store
	Jobs     *jobstore.Store
	Public   PublicEnumerator
	Status   *status.Publisher
	Logger   *logrus.Logger
	Config   *config.Config
	DryRun   bool
	Cookies  string
	JSRun    string
	Enqueued map[string]bool // (source,url) pairs enqueued this run
}

// Result summarizes one playlist's discovery pass.
type Result struct {
	CollectionID string
	Listed       int
	Enqueued     int
	Seeded       bool
	Outcome      FetchOutcome
}

// DiscoverPlaylist enumerates one playlist and enqueues its new work.
// A refresh failure is surfaced so the caller can invalidate the account
// client for the rest of the run.
func (d *Discovery) DiscoverPlaylist(ctx context.Context, pl config.PlaylistSpec, auth Enumerator, outputDir string) (Result, error) {
	collectionID := pl.CollectionID()
	res := Result{CollectionID: collectionID}
	d.Status.SetCurrentCollection(collectionID)

	entries, outcome, err := d.enumerate(ctx, collectionID, auth)
	res.Outcome = outcome
	if err != nil {
		d.Logger.WithError(err).WithField("collection_id", collectionID).Error("playlist enumeration failed")
		d.recordError(collectionID, err)
		return res, err
	}
	if len(entries) == 0 {
		d.Logger.WithField("collection_id", collectionID).Info("playlist is empty; skipping")
		d.recordChecked(collectionID, false)
		return res, nil
	}
	res.Listed = len(entries)

	entries = orderEntries(entries)

	var newWork []models.PlaylistEntry
	switch pl.EffectiveMode() {
	case "subscribe":
		newWork, res.Seeded, err = d.subscribeCut(collectionID, entries)
	default:
		newWork, err = d.fullCut(entries)
	}
	if err != nil {
		return res, err
	}

	for _, entry := range newWork {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		enqueued, err := d.enqueueEntry(pl, collectionID, entry, outputDir)
		if err != nil {
			d.Logger.WithError(err).WithField("item_id", entry.ItemID).Error("enqueue failed")
			continue
		}
		if enqueued {
			res.Enqueued++
		}
	}

	d.recordChecked(collectionID, res.Enqueued > 0 || res.Seeded)
	return res, nil
}

// enumerate tries the authenticated path first, then the public fallback
// when no account is bound.
func (d *Discovery) enumerate(ctx context.Context, collectionID string, auth Enumerator) ([]models.PlaylistEntry, FetchOutcome, error) {
	var authErr error
	if auth != nil {
		entries, err := auth.ListPlaylistItems(ctx, collectionID)
		if err == nil {
			return entries, FetchOK, nil
		}
		if errors.Is(err, ytapi.ErrRefreshFailed) {
			return nil, FetchRefreshFailure, err
		}
		var httpErr *ytapi.HTTPError
		if errors.As(err, &httpErr) {
			return nil, FetchHTTPError, err
		}
		authErr = err
		// An account is bound: public enumeration is not allowed.
		return nil, FetchHTTPError, authErr
	}

	entries, err := d.Public.ExtractPlaylist(ctx, ytapi.PlaylistURL(collectionID), d.Cookies)
	if err != nil {
		return nil, FetchError, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return entries, FetchOK, nil
}

// fullCut keeps every item not already in the downloads log.
func (d *Discovery) fullCut(entries []models.PlaylistEntry) ([]models.PlaylistEntry, error) {
	var out []models.PlaylistEntry
	for _, entry := range entries {
		downloaded, err := d.History.IsDownloaded(entry.ItemID)
		if err != nil {
			return nil, err
		}
		if !downloaded {
			out = append(out, entry)
		}
	}
	return out, nil
}

// subscribeCut implements the subscribe policy: the first observation seeds
// the seen-set and enqueues nothing; later observations walk the native
// ordering and stop at the first already-seen item.
func (d *Discovery) subscribeCut(collectionID string, entries []models.PlaylistEntry) ([]models.PlaylistEntry, bool, error) {
	seenAny, err := d.History.HasSeenAny(collectionID)
	if err != nil {
		return nil, false, err
	}
	if !seenAny {
		if d.DryRun {
			d.Logger.WithField("collection_id", collectionID).Info("dry-run: would seed subscribe baseline")
			return nil, true, nil
		}
		for _, entry := range entries {
			if err := d.History.MarkSeen(collectionID, entry.ItemID, false); err != nil {
				return nil, false, err
			}
		}
		d.Logger.WithFields(logrus.Fields{
			"collection_id": collectionID, "items": len(entries),
		}).Info("subscribe baseline seeded; nothing to download")
		return nil, true, nil
	}

	var out []models.PlaylistEntry
	for _, entry := range entries {
		seen, err := d.History.IsSeen(collectionID, entry.ItemID)
		if err != nil {
			return nil, false, err
		}
		if seen {
			// Items below the first seen item are the old backlog.
			break
		}
		out = append(out, entry)
	}
	return out, false, nil
}

// enqueueEntry applies duplicate suppression and inserts the job.
func (d *Discovery) enqueueEntry(pl config.PlaylistSpec, collectionID string, entry models.PlaylistEntry, outputDir string) (bool, error) {
	musicMode := pl.MusicMode
	source := "youtube"
	if musicMode {
		source = "youtube_music"
	}
	downloadURL := ytapi.BuildDownloadURL(entry.ItemID, musicMode, entry.URL)

	if d.DryRun {
		d.Logger.WithFields(logrus.Fields{
			"collection_id": collectionID, "item_id": entry.ItemID, "url": downloadURL,
		}).Info("dry-run: would enqueue")
		return false, nil
	}

	key := source + "\n" + downloadURL
	if d.Enqueued[key] {
		return false, nil
	}
	if active, err := d.Jobs.HasActiveJob(source, downloadURL); err != nil {
		return false, err
	} else if active {
		d.Logger.WithField("item_id", entry.ItemID).Info("skipping enqueue (already queued)")
		return false, nil
	}
	if prior, err := d.Jobs.HasJobForOrigin(jobstore.OriginPlaylist, collectionID, downloadURL); err != nil {
		return false, err
	} else if prior {
		return false, nil
	}

	mediaType := jobstore.MediaVideo
	if musicMode {
		mediaType = jobstore.MediaAudio
	}
	template := ""
	if d.Config != nil {
		if musicMode {
			template = d.Config.MusicFilenameTemplate
		} else {
			template = d.Config.FilenameTemplate
		}
	}
	targetFormat := pl.FinalFormat
	if targetFormat == "" && d.Config != nil {
		targetFormat = d.Config.FinalFormat
	}

	maxAttempts := 0
	if d.Config != nil {
		maxAttempts = d.Config.JobMaxAttempts
	}
	_, err := d.Jobs.Enqueue(jobstore.EnqueueParams{
		Origin:         jobstore.OriginPlaylist,
		OriginID:       collectionID,
		MediaType:      mediaType,
		MediaIntent:    jobstore.IntentPlaylist,
		Source:         source,
		URL:            downloadURL,
		OutputTemplate: template,
		OutputDir:      outputDir,
		MaxAttempts:    maxAttempts,
		Context: map[string]any{
			"item_id":               entry.ItemID,
			"entry_id":              entry.EntryID,
			"remove_after_download": pl.RemoveAfterDownload,
			"subscribe_mode":        pl.EffectiveMode() == "subscribe",
			"account":               pl.Account,
			"music_mode":            musicMode,
			"target_format":         targetFormat,
			"js_runtime":            d.JSRun,
			"cookies_path":          d.Cookies,
			"delivery_mode":         "server",
		},
	})
	if err != nil {
		return false, err
	}
	if d.Enqueued != nil {
		d.Enqueued[key] = true
	}
	return true, nil
}

// orderEntries sorts by explicit position when every entry carries one;
// otherwise the enumeration order is preserved.
func orderEntries(entries []models.PlaylistEntry) []models.PlaylistEntry {
	allPositioned := true
	for _, entry := range entries {
		if !entry.HasPosition {
			allPositioned = false
			break
		}
	}
	if !allPositioned {
		return entries
	}
	out := append([]models.PlaylistEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (d *Discovery) recordError(collectionID string, err error) {
	if d.DryRun {
		return
	}
	if dbErr := d.History.RecordWatchError(collectionID, err.Error()); dbErr != nil {
		d.Logger.WithError(dbErr).WithField("collection_id", collectionID).Error("failed to record watch error")
	}
}

func (d *Discovery) recordChecked(collectionID string, changed bool) {
	if d.DryRun {
		return
	}
	pol := config.WatchPolicy{}
	if d.Config != nil {
		pol = d.Config.Watch
	}
	if err := d.History.RecordWatchChecked(collectionID, changed, pol); err != nil {
		d.Logger.WithError(err).WithField("collection_id", collectionID).Error("failed to record watch check")
	}
}
