// Package search turns free-form "find this track/album" requests into
// ranked candidates across source adapters and enqueues the chosen one as a
// download job.
package search

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"tapedeck/internal/config"
	"tapedeck/internal/jobstore"

	"github.com/sirupsen/logrus"
)

// Resolver drives queued search requests to completion.
type Resolver struct {
	Store    *Store
	Jobs     *jobstore.Store
	Adapters Registry
	Logger   *logrus.Logger
	Config   *config.Config
	// OutputDir is where search-origin downloads land (the downloads root
	// or the configured single-download folder).
	OutputDir string

	mu sync.Mutex
}

// ResolveOnce claims and processes at most one request. Returns the request
// id, or "" when the queue was empty.
func (r *Resolver) ResolveOnce(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := r.Store.ClaimNextRequest()
	if err != nil || req == nil {
		return "", err
	}

	if req.Intent == "artist" || req.Intent == "artist_collection" {
		return req.ID, r.Store.UpdateRequestStatus(req.ID, RequestFailed, "not_implemented")
	}

	if err := r.Store.EnsureItems(req); err != nil {
		return req.ID, err
	}
	if err := r.Store.UpdateRequestStatus(req.ID, RequestRunning, ""); err != nil {
		return req.ID, err
	}

	items, err := r.Store.ListItems(req.ID)
	if err != nil {
		return req.ID, err
	}
	for _, item := range items {
		switch item.Status {
		case ItemQueued, ItemSearching, ItemCandidateFound:
			r.processItem(ctx, req, item)
		}
	}
	return req.ID, r.finalizeRequest(req.ID)
}

// RunLoop drains the request queue until ctx is canceled.
func (r *Resolver) RunLoop(ctx context.Context, pollEvery time.Duration) {
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	for ctx.Err() == nil {
		requestID, err := r.ResolveOnce(ctx)
		if err != nil {
			r.Logger.WithError(err).Error("search resolution pass failed")
		}
		if requestID == "" {
			timer := time.NewTimer(pollEvery)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (r *Resolver) processItem(ctx context.Context, req *Request, item *Item) {
	if item.Status == ItemQueued {
		ok, err := r.Store.MarkItemSearching(item.ID)
		if err != nil || !ok {
			return
		}
	}

	target := Target{
		Artist:          item.Artist,
		Track:           item.Track,
		Album:           item.Album,
		DurationHintSec: item.DurationHintSec,
	}

	var candidates []*Candidate
	for _, source := range req.SourcePriority {
		adapter, ok := r.Adapters[source]
		if !ok {
			continue
		}
		var results []*Candidate
		var err error
		if item.ItemType == "track" {
			results, err = adapter.SearchTrack(ctx, item.Artist, item.Track, item.Album, req.MaxCandidatesPerSource)
		} else {
			results, err = adapter.SearchAlbum(ctx, item.Artist, item.Album, req.MaxCandidatesPerSource)
		}
		if err != nil {
			r.Logger.WithError(err).WithFields(logrus.Fields{
				"request_id": req.ID, "item_id": item.ID, "source": source,
			}).Warn("adapter search failed")
			continue
		}
		if len(results) > req.MaxCandidatesPerSource {
			results = results[:req.MaxCandidatesPerSource]
		}
		for _, candidate := range results {
			if candidate.URL == "" {
				continue
			}
			candidate.Source = source
			candidate.SourceModifier = adapter.SourceModifier(candidate)
			candidates = append(candidates, candidate)
		}
	}

	if len(candidates) == 0 {
		r.Store.UpdateItemStatus(item.ID, ItemFailed, "no_candidates")
		return
	}

	ranked := RankCandidates(target, candidates, req.SourcePriority)
	if err := r.Store.InsertCandidates(item.ID, ranked); err != nil {
		r.Logger.WithError(err).WithField("item_id", item.ID).Error("failed to persist candidates")
	}
	r.Store.UpdateItemStatus(item.ID, ItemCandidateFound, "")

	var chosen *Ranked
	for idx := range ranked {
		if ranked[idx].Breakdown.FinalScore >= req.MinMatchScore {
			chosen = &ranked[idx]
			break
		}
	}
	if chosen == nil {
		r.Store.UpdateItemStatus(item.ID, ItemFailed, "no_candidate_above_threshold")
		return
	}

	r.Store.UpdateItemChoice(item.ID, chosen.Candidate.Source, chosen.Candidate.URL,
		chosen.Breakdown.FinalScore, ItemSelected)

	if r.enqueueDownload(req, item, chosen) {
		r.Store.UpdateItemStatus(item.ID, ItemEnqueued, "")
	} else {
		r.Store.UpdateItemStatus(item.ID, ItemFailed, "enqueue_failed")
	}
}

// enqueueDownload creates the download job for the selected candidate.
// A job already recorded for (search, request, url) counts as success.
func (r *Resolver) enqueueDownload(req *Request, item *Item, chosen *Ranked) bool {
	candidate := chosen.Candidate
	exists, err := r.Jobs.HasJobForOrigin(jobstore.OriginSearch, req.ID, candidate.URL)
	if err != nil {
		r.Logger.WithError(err).Error("origin dedup check failed")
		return false
	}
	if exists {
		r.Logger.WithFields(logrus.Fields{
			"event": "download_job_exists", "request_id": req.ID,
			"item_id": item.ID, "url": candidate.URL,
		}).Info("download job already enqueued for this request")
		return true
	}

	mediaType := jobstore.MediaAudio
	if item.MediaType == "video" {
		mediaType = jobstore.MediaVideo
	}
	template := ""
	targetFormat := ""
	maxAttempts := 0
	if r.Config != nil {
		if item.MediaType == "audio" {
			template = r.Config.MusicFilenameTemplate
		} else {
			template = r.Config.FilenameTemplate
		}
		targetFormat = r.Config.FinalFormat
		maxAttempts = r.Config.JobMaxAttempts
	}

	track := candidate.TrackDetected
	if track == "" {
		track = candidate.Title
	}
	_, err = r.Jobs.Enqueue(jobstore.EnqueueParams{
		Origin:         jobstore.OriginSearch,
		OriginID:       req.ID,
		MediaType:      mediaType,
		MediaIntent:    jobstore.MediaIntent(item.ItemType),
		Source:         candidate.Source,
		URL:            candidate.URL,
		OutputTemplate: template,
		OutputDir:      filepath.Clean(r.OutputDir),
		MaxAttempts:    maxAttempts,
		Context: map[string]any{
			"request_id":    req.ID,
			"item_id":       candidate.URL,
			"music_mode":    item.MediaType == "audio",
			"target_format": targetFormat,
			"delivery_mode": "server",
			"metadata": map[string]any{
				"title":        candidate.Title,
				"artist":       candidate.ArtistDetected,
				"album":        candidate.AlbumDetected,
				"track":        track,
				"uploader":     candidate.Uploader,
				"duration_sec": durationValue(candidate.DurationSec),
			},
			"source_modifier": chosen.Breakdown.SourceModifier,
			"final_score":     chosen.Breakdown.FinalScore,
		},
	})
	if err != nil {
		r.Logger.WithError(err).WithFields(logrus.Fields{
			"request_id": req.ID, "item_id": item.ID, "url": candidate.URL,
		}).Error("failed to enqueue download job")
		return false
	}
	r.Logger.WithFields(logrus.Fields{
		"event": "download_job_enqueued", "request_id": req.ID,
		"item_id": item.ID, "source": candidate.Source, "url": candidate.URL,
	}).Info("download job enqueued for search item")
	return true
}

// finalizeRequest settles the request status from its items' states.
func (r *Resolver) finalizeRequest(requestID string) error {
	items, err := r.Store.ListItems(requestID)
	if err != nil {
		return err
	}
	anyOpen := false
	anyEnqueued := false
	for _, item := range items {
		switch item.Status {
		case ItemQueued, ItemSearching, ItemCandidateFound, ItemSelected:
			anyOpen = true
		case ItemEnqueued:
			anyEnqueued = true
		}
	}
	if anyOpen {
		return r.Store.UpdateRequestStatus(requestID, RequestRunning, "")
	}
	if anyEnqueued {
		return r.Store.UpdateRequestStatus(requestID, RequestCompleted, "")
	}
	return r.Store.UpdateRequestStatus(requestID, RequestFailed, "no_items_enqueued")
}

func durationValue(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
