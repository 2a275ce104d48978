package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/models"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newJob(id string, status models.Status, requested time.Time) *models.Job {
	return &models.Job{
		ID:              id,
		JobNumber:       "JOB-250301-" + id,
		CustomerID:      "c1",
		Status:          status,
		ServiceCategory: "towing",
		Title:           "Towing",
		Kind:            models.BookingStandard,
		Price:           20,
		PaymentMethod:   "cash",
		Pickup:          models.Location{Coord: models.Coord{Lat: 26.2285, Lng: 50.586}, Address: "Manama Souq"},
		RequestedAt:     requested,
		UpdatedAt:       requested,
	}
}

// jobStoreContract runs against any JobStore implementation.
func jobStoreContract(t *testing.T, s JobStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("1", models.StatusSearching, t0)))
	dup := newJob("2", models.StatusSearching, t0)
	dup.JobNumber = "JOB-250301-1"
	assert.ErrorIs(t, s.CreateJob(ctx, dup), models.ErrDuplicateJobNumber)

	got, err := s.FindByNumber(ctx, "JOB-250301-1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ID)
	_, err = s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	accepted, err := s.TryAcceptJob(ctx, "1", "prov_001", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusProviderAssigned, accepted.Status)
	assert.Equal(t, "prov_001", accepted.ProviderID)
	require.NotNil(t, accepted.AcceptedAt)

	_, err = s.TryAcceptJob(ctx, "1", "prov_002", t0.Add(time.Minute))
	assert.ErrorIs(t, err, models.ErrJobTaken)
	_, err = s.TryAcceptJob(ctx, "missing", "prov_002", t0)
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	_, err = s.UpdateStatus(ctx, "1", models.StatusCompleted, models.StatusPatch{At: t0})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	moved, err := s.UpdateStatus(ctx, "1", models.StatusEnRoute, models.StatusPatch{At: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnRoute, moved.Status)

	cancelled, err := s.UpdateStatus(ctx, "1", models.StatusCancelled, models.StatusPatch{
		At: t0.Add(3 * time.Minute), CancelledBy: models.KindCustomer, CancelReason: "changed plans", CancelFee: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, models.KindCustomer, cancelled.CancelledBy)
	assert.Equal(t, 10.0, cancelled.CancelFee)
	require.NotNil(t, cancelled.CancelledAt)
	_, err = s.UpdateStatus(ctx, "1", models.StatusCancelled, models.StatusPatch{At: t0})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, s.CreateJob(ctx, newJob("3", models.StatusPending, t0)))
	_, err = s.TryAcceptJob(ctx, "3", "prov_001", t0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = s.UpdateStatus(ctx, "3", models.StatusProviderAssigned, models.StatusPatch{At: t0})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, s.CreateJob(ctx, newJob("4", models.StatusSearching, t0.Add(-10*time.Minute))))
	require.NoError(t, s.CreateJob(ctx, newJob("5", models.StatusSearching, t0.Add(-20*time.Minute))))
	require.NoError(t, s.CreateJob(ctx, newJob("6", models.StatusSearching, t0)))
	stale, err := s.ListStale(ctx, models.StatusSearching, t0.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "5", stale[0].ID)
	assert.Equal(t, "4", stale[1].ID)
}

// acceptRace fires n concurrent accepts for one searching job.
func acceptRace(t *testing.T, s JobStore, n int) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("race", models.StatusSearching, t0)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		taken   int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := s.TryAcceptJob(ctx, "race", id, time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, id)
			} else if assert.ErrorIs(t, err, models.ErrJobTaken) {
				taken++
			}
		}(fmt.Sprintf("prov_%03d", i))
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, taken)
	j, err := s.FindByID(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, winners[0], j.ProviderID)
}

func TestMemoryStoreContract(t *testing.T) {
	jobStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreAcceptRace(t *testing.T) {
	acceptRace(t, NewMemoryStore(), 32)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("1", models.StatusSearching, t0)))
	j, err := s.FindByID(ctx, "1")
	require.NoError(t, err)
	j.Status = models.StatusCompleted
	again, err := s.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSearching, again.Status)
}

func notificationContract(t *testing.T, s NotificationStore, now time.Time) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		n, err := models.NewNotification(fmt.Sprintf("n%d", i), "prov_001", models.NotifyNewJobRequest,
			"New job", "Towing near you", map[string]string{"job_id": "j1"}, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, s.CreateNotification(ctx, n))
	}
	old, err := models.NewNotification("old", "prov_001", models.NotifyJobExpired, "Old", "gone", nil, now.Add(-25*time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.CreateNotification(ctx, old))

	list, err := s.ListForUser(ctx, "prov_001", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "n2", list[0].ID)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(list[0].Data))

	limited, err := s.ListForUser(ctx, "prov_001", false, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, s.MarkRead(ctx, "prov_001", "n1"))
	assert.ErrorIs(t, s.MarkRead(ctx, "someone_else", "n1"), models.ErrNotificationNotFound)
	count, err := s.UnreadCount(ctx, "prov_001")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	unread, err := s.ListForUser(ctx, "prov_001", true, 10)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	purged, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestMemoryNotifications(t *testing.T) {
	s := NewMemoryNotifications()
	now := time.Now().UTC()
	s.Now = func() time.Time { return now }
	notificationContract(t, s, now)
}
