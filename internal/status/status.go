// Package status is the thread-safe publisher of run progress. Workers write
// through the setters; the HTTP surface only ever reads snapshots.
package status

import (
	"sync"
	"time"
)

// ItemProgress is per-item transfer progress.
type ItemProgress struct {
	Percent         *int     `json:"percent"`
	DownloadedBytes *int64   `json:"downloaded_bytes"`
	TotalBytes      *int64   `json:"total_bytes"`
	Speed           *float64 `json:"speed"`
	ETASeconds      *int     `json:"eta_seconds"`
}

// ClientDelivery mirrors the active client-delivery handle, if any.
type ClientDelivery struct {
	ID        string     `json:"id,omitempty"`
	Filename  string     `json:"filename,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Mode      string     `json:"mode,omitempty"`
}

// Snapshot is a copy of the publisher state at one instant.
type Snapshot struct {
	Running           bool           `json:"running"`
	State             string         `json:"state,omitempty"`
	RunID             string         `json:"run_id,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	CurrentCollection string         `json:"current_collection_id,omitempty"`
	CurrentItemID     string         `json:"current_item_id,omitempty"`
	CurrentItemTitle  string         `json:"current_item_title,omitempty"`
	ProgressCurrent   *int           `json:"progress_current"`
	ProgressTotal     *int           `json:"progress_total"`
	ProgressPercent   *int           `json:"progress_percent"`
	ItemProgress      ItemProgress   `json:"item_progress"`
	LastCompleted     string         `json:"last_completed,omitempty"`
	LastCompletedAt   *time.Time     `json:"last_completed_at,omitempty"`
	LastCompletedPath string         `json:"last_completed_path,omitempty"`
	ClientDelivery    ClientDelivery `json:"client_delivery"`
	RunSuccesses      []string       `json:"run_successes"`
	RunFailures       []string       `json:"run_failures"`
	SingleDownloadOK  *bool          `json:"single_download_ok,omitempty"`
}

// Publisher holds the mutable run status behind a single lock.
type Publisher struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewPublisher returns an empty publisher, created once at process init.
func NewPublisher() *Publisher {
	return &Publisher{snap: Snapshot{
		RunSuccesses: []string{},
		RunFailures:  []string{},
	}}
}

// Snapshot copies the current field values and list contents.
func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.snap
	out.RunSuccesses = append([]string(nil), p.snap.RunSuccesses...)
	out.RunFailures = append([]string(nil), p.snap.RunFailures...)
	return out
}

// BeginRun marks a run active and resets per-run fields.
func (p *Publisher) BeginRun(runID string) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Running = true
	p.snap.State = "running"
	p.snap.RunID = runID
	p.snap.StartedAt = &now
	p.snap.FinishedAt = nil
	p.snap.LastError = ""
	p.snap.RunSuccesses = []string{}
	p.snap.RunFailures = []string{}
	p.snap.SingleDownloadOK = nil
	p.clearCurrentLocked()
}

// EndRun marks the run finished.
func (p *Publisher) EndRun(state string) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Running = false
	p.snap.State = state
	p.snap.FinishedAt = &now
	p.clearCurrentLocked()
}

func (p *Publisher) clearCurrentLocked() {
	p.snap.CurrentCollection = ""
	p.snap.CurrentItemID = ""
	p.snap.CurrentItemTitle = ""
	p.snap.ProgressCurrent = nil
	p.snap.ProgressTotal = nil
	p.snap.ProgressPercent = nil
	p.snap.ItemProgress = ItemProgress{}
}

// SetState sets the coarse engine phase label.
func (p *Publisher) SetState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.State = state
}

// SetCurrentCollection records which playlist is being processed.
func (p *Publisher) SetCurrentCollection(collectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.CurrentCollection = collectionID
}

// SetCurrentItem records which item is being processed.
func (p *Publisher) SetCurrentItem(itemID, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.CurrentItemID = itemID
	p.snap.CurrentItemTitle = title
}

// SetProgress updates run-level progress counters.
func (p *Publisher) SetProgress(current, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.ProgressCurrent = &current
	p.snap.ProgressTotal = &total
	percent := 0
	if total > 0 {
		percent = current * 100 / total
		if percent > 100 {
			percent = 100
		}
	}
	p.snap.ProgressPercent = &percent
}

// IncrementProgress bumps the completed counter by one.
func (p *Publisher) IncrementProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := 1
	if p.snap.ProgressCurrent != nil {
		current = *p.snap.ProgressCurrent + 1
	}
	p.snap.ProgressCurrent = &current
	if p.snap.ProgressTotal != nil && *p.snap.ProgressTotal > 0 {
		percent := current * 100 / *p.snap.ProgressTotal
		if percent > 100 {
			percent = 100
		}
		p.snap.ProgressPercent = &percent
	}
}

// SetItemProgress replaces the per-item transfer progress.
func (p *Publisher) SetItemProgress(ip ItemProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.ItemProgress = ip
}

// ResetItemProgress clears the per-item transfer progress.
func (p *Publisher) ResetItemProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.ItemProgress = ItemProgress{}
}

// AppendSuccess adds a finished item to the run's success list.
func (p *Publisher) AppendSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.RunSuccesses = append(p.snap.RunSuccesses, name)
}

// AppendFailure adds a failed item label to the run's failure list.
func (p *Publisher) AppendFailure(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.RunFailures = append(p.snap.RunFailures, label)
}

// SetLastError records the most recent error message.
func (p *Publisher) SetLastError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.LastError = message
}

// SetLastCompleted records the most recently finalized file.
func (p *Publisher) SetLastCompleted(name, path string) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.LastCompleted = name
	p.snap.LastCompletedAt = &now
	p.snap.LastCompletedPath = path
}

// SetClientDelivery publishes (or clears) the active delivery handle.
func (p *Publisher) SetClientDelivery(cd ClientDelivery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.ClientDelivery = cd
}

// SetSingleDownloadOK records the outcome of a single-URL run.
func (p *Publisher) SetSingleDownloadOK(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.SingleDownloadOK = &ok
}
