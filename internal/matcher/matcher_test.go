package matcher

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	manamaSouq = models.Coord{Lat: 26.2285, Lng: 50.5860}
	eastRiffa  = models.Coord{Lat: 26.1300, Lng: 50.5550}
)

func seededLocator(t *testing.T) (*Locator, *geo.Index, time.Time) {
	t.Helper()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f, err := os.Open("testdata/providers.json")
	require.NoError(t, err)
	defer f.Close()

	idx := geo.NewIndex()
	n, err := geo.LoadSnapshots(context.Background(), idx, f, now)
	require.NoError(t, err)
	require.Equal(t, 23, n)

	l := NewLocator(idx, nil)
	l.Now = func() time.Time { return now }
	return l, idx, now
}

func ids(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ProviderID)
	}
	return out
}

func TestFindCandidatesTowingNearSouq(t *testing.T) {
	l, _, _ := seededLocator(t)
	got, err := l.FindCandidates(context.Background(), Request{Pickup: manamaSouq, Category: "towing", Kind: models.BookingStandard})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "prov_001", got[0].ProviderID)
	assert.InDelta(t, 0.0, got[0].DistanceKm, 1e-9)
	assert.Equal(t, 3.0, got[0].RadiusKm)
	assert.Equal(t, []string{"prov_001", "prov_003"}, ids(got))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
	}
}

func TestFindCandidatesTieBreakByID(t *testing.T) {
	l, _, _ := seededLocator(t)
	got, err := l.FindCandidates(context.Background(), Request{Pickup: manamaSouq, Category: "tire_replacement"})
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_001", "prov_022", "prov_003"}, ids(got))
}

func TestFindCandidatesSkipsUnavailable(t *testing.T) {
	l, idx, now := seededLocator(t)
	ctx := context.Background()
	require.NoError(t, idx.MarkBusy(ctx, "prov_001", "job-1"))

	p3, err := idx.Get(ctx, "prov_003")
	require.NoError(t, err)
	p3.LastSeen = now.Add(-3 * time.Minute)
	require.NoError(t, idx.Upsert(ctx, p3))

	got, err := l.FindCandidates(ctx, Request{Pickup: manamaSouq, Category: "towing"})
	require.NoError(t, err)
	// 3 km rung is now empty, the 5 km rung has prov_002 and prov_005
	assert.Equal(t, []string{"prov_002", "prov_005"}, ids(got))
}

func TestFindCandidatesVehicleType(t *testing.T) {
	l, _, _ := seededLocator(t)
	got, err := l.FindCandidates(context.Background(), Request{Pickup: manamaSouq, Category: "towing", VehicleType: "van"})
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_001"}, ids(got))
}

func TestFindCandidatesFuel(t *testing.T) {
	l, _, _ := seededLocator(t)
	req := Request{Pickup: eastRiffa, Category: "fuel_delivery", Kind: models.BookingFuelDelivery, FuelType: "diesel", VehicleType: "sedan"}
	got, err := l.FindCandidates(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_006"}, ids(got))

	wider, err := l.FindWithinRadius(context.Background(), req, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_006", "prov_008"}, ids(wider))

	req.FuelType = "premium"
	got, err = l.FindWithinRadius(context.Background(), req, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindCandidatesSpareParts(t *testing.T) {
	l, _, _ := seededLocator(t)
	got, err := l.FindCandidates(context.Background(), Request{Pickup: manamaSouq, Category: "spare_parts", Kind: models.BookingSpareParts, VehicleType: "luxury"})
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_017"}, ids(got))
}

func TestFindCandidatesRentalIgnoresDistance(t *testing.T) {
	l, _, _ := seededLocator(t)
	far := models.Coord{Lat: 25.9, Lng: 50.6}

	got, err := l.FindCandidates(context.Background(), Request{Pickup: far, Category: "car_rental", Kind: models.BookingCarRental, VehicleType: "suv"})
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_013", "prov_015"}, ids(got))
	for _, c := range got {
		assert.Zero(t, c.DistanceKm)
	}

	got, err = l.FindCandidates(context.Background(), Request{Pickup: far, Category: "car_rental", Kind: models.BookingCarRental, VehicleType: "economy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_014"}, ids(got))
}

func TestFindCandidatesEmptyAndFallback(t *testing.T) {
	l, _, _ := seededLocator(t)
	far := models.Coord{Lat: 25.9, Lng: 50.6}
	req := Request{Pickup: far, Category: "car_wash"}

	got, err := l.FindCandidates(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, got)

	l.FallbackToAll = true
	got, err = l.FindCandidates(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_012", "prov_011"}, ids(got))
}

func TestEligibleRules(t *testing.T) {
	p := models.ProviderSnapshot{SupportedVehicleTypes: []string{"sedan"}, FuelTypes: []string{"Petrol"}}
	assert.True(t, Eligible(p, Request{Kind: models.BookingFuelDelivery, FuelType: "petrol", VehicleType: "SEDAN"}))
	assert.False(t, Eligible(p, Request{Kind: models.BookingFuelDelivery, FuelType: "diesel"}))
	assert.False(t, Eligible(p, Request{Kind: models.BookingSpareParts}))
	assert.False(t, Eligible(p, Request{Kind: models.BookingCarRental}))
	assert.True(t, Eligible(models.ProviderSnapshot{}, Request{VehicleType: "truck"}))
}

func TestRequestFor(t *testing.T) {
	b := models.Booking{
		ServiceCategory: "fuel_delivery",
		Kind:            models.BookingFuelDelivery,
		FuelType:        "diesel",
		VehicleType:     "suv",
		Pickup:          models.Location{Coord: eastRiffa, Address: "East Riffa"},
	}
	r := RequestFor(b)
	assert.Equal(t, eastRiffa, r.Pickup)
	assert.Equal(t, "diesel", r.FuelType)
	assert.Equal(t, models.BookingFuelDelivery, r.Kind)
}

func TestFindCandidatesReportsMatchedRung(t *testing.T) {
	l, _, _ := seededLocator(t)
	got, err := l.FindCandidates(context.Background(), Request{Pickup: manamaSouq, Category: "fuel_delivery", Kind: models.BookingFuelDelivery})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, c := range got {
		assert.Equal(t, 3.0, c.RadiusKm, c.ProviderID)
	}

	got, err = l.FindWithinRadius(context.Background(), Request{Pickup: manamaSouq, Category: "towing"}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_001", "prov_003", "prov_002", "prov_005"}, ids(got))
	assert.Equal(t, 5.0, got[3].RadiusKm)
}

func TestNearbyIgnoresCategory(t *testing.T) {
	l, idx, _ := seededLocator(t)
	require.NoError(t, idx.MarkBusy(context.Background(), "prov_012", "job-1"))

	got, err := l.Nearby(context.Background(), manamaSouq, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"prov_001", "prov_016", "prov_022", "prov_003", "prov_013", "prov_017"}, ids(got))
	for _, c := range got {
		assert.LessOrEqual(t, c.DistanceKm, 2.0)
	}
}
