// Package delivery holds short-lived handles for client-mode downloads: the
// finalized file waits in a delivery directory until exactly one consumer
// claims it or the handle expires.
package delivery

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultTTL is how long an unclaimed handle lives.
const DefaultTTL = 600 * time.Second

var (
	// ErrNotFound means no handle exists for the id.
	ErrNotFound = errors.New("delivery handle not found")
	// ErrAlreadyClaimed means a consumer already picked the file up.
	ErrAlreadyClaimed = errors.New("delivery handle already claimed")
)

// Handle is one registered client delivery.
type Handle struct {
	ID        string
	Path      string
	Filename  string
	ExpiresAt time.Time

	mu        sync.Mutex
	served    bool
	delivered bool
	done      chan struct{}
}

// Registry tracks live handles and expires them.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	ttl     time.Duration
	logger  *logrus.Logger
}

// NewRegistry builds a registry with the given TTL (DefaultTTL when zero).
func NewRegistry(ttl time.Duration, logger *logrus.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		handles: make(map[string]*Handle),
		ttl:     ttl,
		logger:  logger,
	}
}

// Register creates a handle for path and starts its expiry watcher.
func (r *Registry) Register(path, filename string) *Handle {
	h := &Handle{
		ID:        uuid.NewString(),
		Path:      path,
		Filename:  filename,
		ExpiresAt: time.Now().UTC().Add(r.ttl),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()

	go r.watch(h)

	r.logger.WithFields(logrus.Fields{
		"event": "client_delivery_registered", "delivery_id": h.ID,
		"filename": filename, "expires_at": h.ExpiresAt,
	}).Info("client delivery registered")
	return h
}

// Get returns a live handle by id.
func (r *Registry) Get(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Claim marks the handle served by exactly one consumer and returns the
// handle. A second claim fails.
func (r *Registry) Claim(id string) (*Handle, error) {
	h, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.served {
		return nil, ErrAlreadyClaimed
	}
	h.served = true
	return h, nil
}

// Finish marks the claimed handle delivered, releasing the watcher to
// remove the file.
func (r *Registry) Finish(id string) {
	h, err := r.Get(id)
	if err != nil {
		return
	}
	h.mu.Lock()
	if !h.delivered {
		h.delivered = true
		close(h.done)
	}
	h.mu.Unlock()
}

// watch removes the file at pickup or expiry, whichever comes first.
func (r *Registry) watch(h *Handle) {
	timer := time.NewTimer(time.Until(h.ExpiresAt))
	defer timer.Stop()

	expired := false
	select {
	case <-h.done:
	case <-timer.C:
		expired = true
	}

	r.mu.Lock()
	delete(r.handles, h.ID)
	r.mu.Unlock()

	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		r.logger.WithError(err).WithField("delivery_id", h.ID).Warn("failed to remove delivery file")
	}
	if expired {
		r.logger.WithFields(logrus.Fields{
			"event": "client_delivery_expired", "delivery_id": h.ID,
		}).Info("client delivery expired")
	}
}
