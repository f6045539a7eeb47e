package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/RecipePlayground/internal/models"
)

type fakeFetcher struct {
	status models.QuotaStatus
	err    error
	calls  int
}

func (f *fakeFetcher) FetchStatus(ctx context.Context) (models.QuotaStatus, error) {
	f.calls++
	return f.status, f.err
}

func TestDecrementClampsAtZero(t *testing.T) {
	for _, tc := range []struct {
		initial, n int
	}{
		{initial: 3, n: 1},
		{initial: 3, n: 3},
		{initial: 3, n: 5},
		{initial: 0, n: 2},
	} {
		tracker := NewTrackerWithStatus(models.QuotaStatus{RemainingFree: tc.initial, LoggedIn: true})
		for i := 0; i < tc.n; i++ {
			tracker.DecrementLocally()
		}
		status, loaded := tracker.Status()
		require.True(t, loaded)
		assert.Equal(t, max(0, tc.initial-tc.n), status.RemainingFree, "initial=%d n=%d", tc.initial, tc.n)
		assert.Equal(t, tc.n, status.DailyFreeUsed)
	}
}

func TestFailedFirstRefreshStaysLoading(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	tracker := NewTracker(fetcher)

	_, err := tracker.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, tracker.Loading())
	assert.False(t, tracker.IsFree(), "an unloaded tracker must not grant free executions")
}

func TestRefreshSupersedesLocalDecrements(t *testing.T) {
	fetcher := &fakeFetcher{status: models.QuotaStatus{RemainingFree: 3, DailyFreeLimit: 3, LoggedIn: true}}
	tracker := NewTracker(fetcher)

	_, err := tracker.Refresh(context.Background())
	require.NoError(t, err)
	tracker.DecrementLocally()
	tracker.DecrementLocally()

	fetcher.status = models.QuotaStatus{RemainingFree: 2, DailyFreeUsed: 1, DailyFreeLimit: 3, LoggedIn: true}
	status, err := tracker.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.RemainingFree)
	assert.False(t, status.AsOf.IsZero())

	current, _ := tracker.Status()
	assert.Equal(t, 2, current.RemainingFree)
	assert.True(t, tracker.IsFree())
}

func TestFailedRefreshKeepsPreviousStatus(t *testing.T) {
	fetcher := &fakeFetcher{status: models.QuotaStatus{RemainingFree: 1, LoggedIn: true}}
	tracker := NewTracker(fetcher)
	_, err := tracker.Refresh(context.Background())
	require.NoError(t, err)

	fetcher.err = errors.New("timeout")
	_, err = tracker.Refresh(context.Background())
	require.Error(t, err)

	status, loaded := tracker.Status()
	assert.True(t, loaded)
	assert.Equal(t, 1, status.RemainingFree)
}

func TestSubscribersSeeSiblingDecrements(t *testing.T) {
	tracker := NewTrackerWithStatus(models.QuotaStatus{RemainingFree: 2, LoggedIn: true})

	var seen []int
	unsubscribe := tracker.Subscribe(func(s models.QuotaStatus) {
		seen = append(seen, s.RemainingFree)
	})
	tracker.DecrementLocally()
	unsubscribe()
	tracker.DecrementLocally()

	assert.Equal(t, []int{1}, seen)
}

func TestConcurrentDecrementsDoNotLoseUpdates(t *testing.T) {
	tracker := NewTrackerWithStatus(models.QuotaStatus{RemainingFree: 100, LoggedIn: true})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.DecrementLocally()
		}()
	}
	wg.Wait()

	status, _ := tracker.Status()
	assert.Equal(t, 60, status.RemainingFree)
	assert.Equal(t, 40, status.DailyFreeUsed)
}
