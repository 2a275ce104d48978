package geo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKmManamaToRiffa(t *testing.T) {
	manama := models.Coord{Lat: 26.2285, Lng: 50.5860}
	riffa := models.Coord{Lat: 26.1300, Lng: 50.5550}
	d := HaversineKm(manama, riffa)
	assert.InDelta(t, 11.3, d, 0.3)
	assert.InDelta(t, d, HaversineKm(riffa, manama), 1e-9)
}

func sampleProviders(now time.Time) []models.ProviderSnapshot {
	return []models.ProviderSnapshot{
		{ID: "p1", Name: "Near Tow", Loc: models.Coord{Lat: 26.2285, Lng: 50.5860}, Online: true, Available: true,
			LastSeen: now, Services: []string{"towing"}, Rating: 4.8, SupportedVehicleTypes: []string{"sedan", "suv"}},
		{ID: "p2", Name: "Far Fuel", Loc: models.Coord{Lat: 26.1300, Lng: 50.5550}, Online: true, Available: true,
			LastSeen: now, Services: []string{"fuel_delivery"}, FuelTypes: []string{"super", "diesel"}},
		{ID: "p3", Name: "Rentals", Loc: models.Coord{Lat: 26.2300, Lng: 50.5900}, Online: false, Available: true,
			LastSeen: now, Services: []string{"car_rental"}, HasRentalVehicles: true, RentalVehicles: []string{"sedan"}},
	}
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, p := range sampleProviders(now) {
		require.NoError(t, s.Upsert(ctx, p))
	}

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "p1", all[0].ID)

	near := models.Coord{Lat: 26.2285, Lng: 50.5860}
	nearby, err := s.Query(ctx, Filter{Near: &near, WithinKm: 3})
	require.NoError(t, err)
	ids := make([]string, 0, len(nearby))
	for _, p := range nearby {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p1", "p3"}, ids)

	online, err := s.Query(ctx, Filter{Match: func(p models.ProviderSnapshot) bool { return p.Online }})
	require.NoError(t, err)
	assert.Len(t, online, 2)

	got, err := s.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"super", "diesel"}, got.FuelTypes)
	assert.True(t, got.LastSeen.Equal(now))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrProviderNotFound)

	require.NoError(t, s.MarkBusy(ctx, "p1", "job-1"))
	got, err = s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, got.Available)
	assert.Equal(t, "job-1", got.CurrentJobID)

	require.NoError(t, s.MarkAvailable(ctx, "p1"))
	got, err = s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Available)
	assert.Empty(t, got.CurrentJobID)

	assert.ErrorIs(t, s.MarkBusy(ctx, "missing", "job-1"), models.ErrProviderNotFound)

	later := now.Add(time.Minute)
	moved := models.Coord{Lat: 26.2000, Lng: 50.6000}
	require.NoError(t, s.UpdateLocation(ctx, "p2", moved, later))
	got, err = s.Get(ctx, "p2")
	require.NoError(t, err)
	assert.InDelta(t, moved.Lat, got.Loc.Lat, 1e-9)
	assert.True(t, got.LastSeen.Equal(later))
	assert.Equal(t, []string{"fuel_delivery"}, got.Services)

	require.NoError(t, s.SetOnline(ctx, "p3", true, later))
	got, err = s.Get(ctx, "p3")
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.True(t, got.Available)

	require.NoError(t, s.SetOnline(ctx, "p9", true, later))
	got, err = s.Get(ctx, "p9")
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.True(t, got.Available)

	// A first location report ahead of the online toggle must not leave the
	// provider unavailable.
	fresh := models.Coord{Lat: 26.2100, Lng: 50.5900}
	require.NoError(t, s.UpdateLocation(ctx, "p10", fresh, later))
	require.NoError(t, s.SetOnline(ctx, "p10", true, later))
	got, err = s.Get(ctx, "p10")
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.True(t, got.Available)
	assert.InDelta(t, fresh.Lng, got.Loc.Lng, 1e-9)

	require.NoError(t, s.MarkBusy(ctx, "p10", "job-2"))
	require.NoError(t, s.UpdateLocation(ctx, "p10", moved, later))
	got, err = s.Get(ctx, "p10")
	require.NoError(t, err)
	assert.False(t, got.Available)
}

func TestIndexStore(t *testing.T) {
	exerciseStore(t, NewIndex())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exerciseStore(t, NewRedisStoreWithClient(client, "providers:geo"))
}

func TestLoadSnapshots(t *testing.T) {
	idx := NewIndex()
	now := time.Now()
	seed := `[{"id":"a","loc":{"lat":26.1,"lng":50.5},"online":true,"available":true,"services":["towing"]},
	{"id":"b","loc":{"lat":26.2,"lng":50.6},"services":["fuel_delivery"],"last_seen":"2025-01-01T00:00:00Z"}]`
	n, err := LoadSnapshots(context.Background(), idx, strings.NewReader(seed), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := idx.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, a.LastSeen.Equal(now))
	b, err := idx.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2025, b.LastSeen.Year())

	_, err = LoadSnapshots(context.Background(), idx, strings.NewReader("{"), now)
	assert.Error(t, err)
}
