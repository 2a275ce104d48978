package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
)

// fakeUpdater fails the first n calls.
type fakeUpdater struct {
	fail  int
	calls int
	last  models.Coord
}

func (f *fakeUpdater) UpdateLocation(_ context.Context, _ string, loc models.Coord, _ time.Time) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis down")
	}
	f.last = loc
	return nil
}

func sample() ingest.LocationUpdate {
	return ingest.LocationUpdate{ProviderID: "p1", Lat: 26.2, Lng: 50.5, At: time.Now()}
}

func TestUpdateWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	start := time.Now()
	require.NoError(t, updateWithRetry(context.Background(), f, sample(), 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.InDelta(t, 50.5, f.last.Lng, 1e-9)
}

func TestUpdateWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	assert.Error(t, updateWithRetry(context.Background(), f, sample(), 3, time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestUpdateWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, updateWithRetry(ctx, f, sample(), 3, time.Second), context.Canceled)
	assert.Equal(t, 1, f.calls)
}

func TestHandleMessageRejectsInvalid(t *testing.T) {
	f := &fakeUpdater{}
	err := handleMessage(context.Background(), f, []byte(`{"provider_id":"","lat":1,"lng":2}`), 3, time.Millisecond, logging.Discard())
	assert.ErrorIs(t, err, errInvalidMessage)
	err = handleMessage(context.Background(), f, []byte(`not json`), 3, time.Millisecond, logging.Discard())
	assert.ErrorIs(t, err, errInvalidMessage)
	assert.Zero(t, f.calls)
}

func TestHandleMessageWritesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := geo.NewRedisStoreWithClient(client, "providers_geo")

	msg := []byte(`{"provider_id":"p9","lat":26.21,"lng":50.58,"at":"2025-03-01T10:00:00Z"}`)
	require.NoError(t, handleMessage(context.Background(), store, msg, 3, time.Millisecond, logging.Discard()))

	snap, err := store.Get(context.Background(), "p9")
	require.NoError(t, err)
	assert.InDelta(t, 26.21, snap.Loc.Lat, 1e-9)
	assert.Equal(t, 2025, snap.LastSeen.Year())
}
