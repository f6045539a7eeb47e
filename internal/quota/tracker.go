// Package quota keeps the caller's view of the daily free execution allowance.
//
// The tracker only informs dispatch decisions. The server stays authoritative
// and may still reject an execution the tracker believed was free.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digkill/RecipePlayground/internal/models"
)

// StatusFetcher loads the authoritative quota status from the server.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (models.QuotaStatus, error)
}

// Tracker is shared by every session of one user. All mutation goes through mu.
type Tracker struct {
	fetcher StatusFetcher
	now     func() time.Time

	mu          sync.Mutex
	status      models.QuotaStatus
	loaded      bool
	nextID      int
	subscribers map[int]func(models.QuotaStatus)
}

// NewTracker returns a tracker in the loading state. Call Refresh to load it.
func NewTracker(fetcher StatusFetcher) *Tracker {
	return &Tracker{
		fetcher:     fetcher,
		now:         time.Now,
		subscribers: make(map[int]func(models.QuotaStatus)),
	}
}

// NewTrackerWithStatus returns a tracker seeded by a parent that already did
// the shared fetch.
func NewTrackerWithStatus(status models.QuotaStatus) *Tracker {
	t := NewTracker(nil)
	t.status = normalize(status)
	t.loaded = true
	return t
}

// Refresh fetches the status from the server and replaces the local state
// wholesale. On failure the previous state is kept; an unloaded tracker stays
// loading rather than assuming a default allowance.
func (t *Tracker) Refresh(ctx context.Context) (models.QuotaStatus, error) {
	if t.fetcher == nil {
		return models.QuotaStatus{}, fmt.Errorf("quota tracker has no status fetcher")
	}
	status, err := t.fetcher.FetchStatus(ctx)
	if err != nil {
		return models.QuotaStatus{}, fmt.Errorf("fetch quota status: %w", err)
	}
	if status.AsOf.IsZero() {
		status.AsOf = t.now()
	}
	status = normalize(status)

	t.mu.Lock()
	t.status = status
	t.loaded = true
	subs := t.snapshotSubscribers()
	t.mu.Unlock()

	notify(subs, status)
	return status, nil
}

// Status returns the current status and whether it was ever loaded.
func (t *Tracker) Status() (models.QuotaStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.loaded
}

func (t *Tracker) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.loaded
}

func (t *Tracker) IsFree() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded && t.status.RemainingFree > 0
}

// DecrementLocally consumes one free execution from the cached status.
func (t *Tracker) DecrementLocally() models.QuotaStatus {
	t.mu.Lock()
	t.status = Decrement(t.status)
	status := t.status
	subs := t.snapshotSubscribers()
	t.mu.Unlock()

	notify(subs, status)
	return status
}

// Subscribe registers fn for every status change and returns a function that
// removes it.
func (t *Tracker) Subscribe(fn func(models.QuotaStatus)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) snapshotSubscribers() []func(models.QuotaStatus) {
	subs := make([]func(models.QuotaStatus), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(models.QuotaStatus), status models.QuotaStatus) {
	for _, fn := range subs {
		fn(status)
	}
}

// Decrement is the pure form of DecrementLocally. RemainingFree never goes
// below zero.
func Decrement(status models.QuotaStatus) models.QuotaStatus {
	status.DailyFreeUsed++
	status.RemainingFree = max(0, status.RemainingFree-1)
	return status
}

func normalize(status models.QuotaStatus) models.QuotaStatus {
	if status.RemainingFree < 0 {
		status.RemainingFree = 0
	}
	if status.DailyFreeUsed < 0 {
		status.DailyFreeUsed = 0
	}
	return status
}
