// Package worker drains the job queue: a supervisor dispatches one worker
// goroutine per ready source, each holding that source's single permit so
// downloads within a source stay strictly sequential.
package worker

import (
	"context"
	"sync"
	"time"

	"tapedeck/internal/jobstore"
	"tapedeck/internal/status"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultRetryDelay spaces out retryable failures.
	DefaultRetryDelay = 30 * time.Second
	defaultPollEvery  = time.Second
)

// JobRunner executes one claimed job; the engine classifies its error.
type JobRunner interface {
	Execute(ctx context.Context, job *jobstore.Job) error
}

// Engine is the worker supervisor for one run.
type Engine struct {
	Store      *jobstore.Store
	Runner     JobRunner
	Status     *status.Publisher
	Logger     *logrus.Logger
	RetryDelay time.Duration
	PollEvery  time.Duration

	// FailureHook is called on terminal failures of playlist-origin jobs so
	// discovery bookkeeping can record the error on the watch row.
	FailureHook func(job *jobstore.Job, errMsg string)

	mu      sync.Mutex
	permits map[string]chan struct{}
	wg      sync.WaitGroup
}

// RunUntilIdle processes jobs until the queue drains (no claimable job, no
// scheduled retry, no live worker) or ctx is canceled.
func (e *Engine) RunUntilIdle(ctx context.Context) {
	if e.RetryDelay <= 0 {
		e.RetryDelay = DefaultRetryDelay
	}
	if e.PollEvery <= 0 {
		e.PollEvery = defaultPollEvery
	}
	if e.permits == nil {
		e.permits = make(map[string]chan struct{})
	}

	for {
		if ctx.Err() != nil {
			break
		}
		now := time.Now()
		sources, err := e.Store.ListReadySources(now)
		if err != nil {
			e.Logger.WithError(err).Error("failed to list ready sources")
			break
		}

		started := false
		for _, source := range sources {
			if e.startWorker(ctx, source) {
				started = true
			}
		}

		if len(sources) == 0 && !e.anyActive() {
			next, err := e.Store.NextReadyTime(now)
			if err != nil {
				e.Logger.WithError(err).Error("failed to read next ready time")
				break
			}
			if next == nil {
				break
			}
			e.sleepUntil(ctx, *next)
			continue
		}
		if !started {
			e.sleep(ctx, e.PollEvery)
		}
	}
	e.wg.Wait()
}

// startWorker acquires the source's single permit and spawns the claim loop.
// Returns false when a worker already owns the source.
func (e *Engine) startWorker(ctx context.Context, source string) bool {
	e.mu.Lock()
	permit, ok := e.permits[source]
	if !ok {
		permit = make(chan struct{}, 1)
		e.permits[source] = permit
	}
	e.mu.Unlock()

	select {
	case permit <- struct{}{}:
	default:
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-permit }()
		e.workerLoop(ctx, source)
	}()
	return true
}

func (e *Engine) anyActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, permit := range e.permits {
		if len(permit) > 0 {
			return true
		}
	}
	return false
}

// workerLoop claims jobs for one source until none remain claimable.
func (e *Engine) workerLoop(ctx context.Context, source string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := e.Store.ClaimNext(source, time.Now())
		if err != nil {
			e.Logger.WithError(err).WithField("source", source).Error("claim failed")
			return
		}
		if job == nil {
			return
		}

		e.Logger.WithFields(logrus.Fields{
			"event": "job_running", "trace_id": job.TraceID, "job_id": job.ID,
			"source": job.Source, "status": jobstore.StatusRunning,
		}).Info("job claimed")

		e.executeJob(ctx, job)
	}
}

func (e *Engine) executeJob(ctx context.Context, job *jobstore.Job) {
	if ctx.Err() != nil {
		if ok, _ := e.Store.MarkCanceled(job, "canceled"); ok {
			e.Status.IncrementProgress()
		}
		return
	}

	err := e.Runner.Execute(ctx, job)
	if err == nil {
		if ok, _ := e.Store.MarkCompleted(job); ok {
			e.Status.IncrementProgress()
		}
		return
	}

	if ctx.Err() != nil {
		if ok, _ := e.Store.MarkCanceled(job, "canceled"); ok {
			e.Status.IncrementProgress()
		}
		return
	}

	errMsg := err.Error()
	attempts := job.Attempts + 1
	if Classify(errMsg) == ClassRetryable && attempts < job.MaxAttempts {
		retryAt := time.Now().Add(e.RetryDelay)
		e.Store.MarkFailed(job, errMsg, &retryAt, attempts)
		return
	}

	if ok, _ := e.Store.MarkFailed(job, errMsg, nil, attempts); ok {
		e.recordFailure(job, errMsg)
		e.Status.IncrementProgress()
	}
}

// recordFailure updates the run status with a human label for the failure.
func (e *Engine) recordFailure(job *jobstore.Job, errMsg string) {
	label := ""
	if meta, ok := job.Context["metadata"].(map[string]any); ok {
		if title, ok := meta["title"].(string); ok {
			label = title
		}
	}
	if label == "" {
		if itemID, ok := job.Context["item_id"].(string); ok {
			label = itemID
		}
	}
	if label == "" {
		label = job.URL
	}
	e.Status.AppendFailure(label)
	e.Status.SetLastError(errMsg)

	if job.Origin == jobstore.OriginPlaylist && e.FailureHook != nil {
		e.FailureHook(job, errMsg)
	}
}

func (e *Engine) sleepUntil(ctx context.Context, deadline time.Time) {
	delay := time.Until(deadline)
	if delay > e.PollEvery {
		delay = e.PollEvery
	}
	if delay <= 0 {
		return
	}
	e.sleep(ctx, delay)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
