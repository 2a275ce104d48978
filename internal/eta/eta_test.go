package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	manama = models.Coord{Lat: 26.2285, Lng: 50.5860}
	riffa  = models.Coord{Lat: 26.1300, Lng: 50.5550}
)

func TestCityEstimate(t *testing.T) {
	// ~11.4 km at 40 km/h is 18 minutes, plus preparation.
	a := CityEstimate(manama, riffa)
	assert.Equal(t, 23, a.Minutes)
	assert.Equal(t, "23 min", a.Label)

	same := CityEstimate(manama, manama)
	assert.Equal(t, 5, same.Minutes)

	far := CityEstimate(manama, models.Coord{Lat: 25.0, Lng: 51.5})
	assert.Equal(t, 45, far.Minutes)

	unknown := CityEstimate(models.Coord{}, riffa)
	assert.Equal(t, "15-20 min", unknown.Label)
}

type stubClient struct {
	secs  float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	s.calls++
	return s.secs, s.err
}

func TestEstimatorPrefersRouteAndCaches(t *testing.T) {
	c := &stubClient{secs: 600}
	e := NewEstimator(c, NewCache(time.Minute), nil)

	a := e.Arrival(context.Background(), manama, riffa)
	assert.Equal(t, 15, a.Minutes)
	assert.Equal(t, "route", a.Source)

	e.Arrival(context.Background(), manama, riffa)
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBackOnError(t *testing.T) {
	e := NewEstimator(&stubClient{err: errors.New("down")}, nil, nil)
	a := e.Arrival(context.Background(), manama, riffa)
	assert.Equal(t, "city", a.Source)
	assert.Equal(t, 23, a.Minutes)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/50.586000,26.228500;50.555000,26.130000")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":754.2}]}`))
	}))
	defer srv.Close()

	secs, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), manama, riffa)
	require.NoError(t, err)
	assert.InDelta(t, 754.2, secs, 1e-9)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(manama, riffa, 42)
	v, ok := c.Get(manama, riffa)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
	time.Sleep(5 * time.Millisecond)
	_, ok = c.Get(manama, riffa)
	assert.False(t, ok)
}
