package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

const (
	citySpeedKmh  = 40.0
	prepMinutes   = 5
	maxMinutes    = 45
	unknownLabel  = "15-20 min"
	unknownMinute = 15
)

// Client is a routing backend that returns driving time in seconds.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Arrival is the estimate attached to an accepted job.
type Arrival struct {
	Minutes int    `json:"minutes"`
	Label   string `json:"label"`
	Source  string `json:"source"`
}

// Estimator prefers the routing client when one is configured and falls back
// to the straight-line city estimate on any failure.
type Estimator struct {
	client Client
	cache  *Cache
	log    *slog.Logger
}

func NewEstimator(client Client, cache *Cache, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{client: client, cache: cache, log: logger.With("component", "eta")}
}

func (e *Estimator) Arrival(ctx context.Context, from, to models.Coord) Arrival {
	if from.IsZero() || to.IsZero() {
		return Arrival{Minutes: unknownMinute, Label: unknownLabel, Source: "default"}
	}
	if e != nil && e.client != nil {
		if secs, ok := e.routed(ctx, from, to); ok {
			return finish(int(math.Ceil(secs/60)), "route")
		}
	}
	return CityEstimate(from, to)
}

func (e *Estimator) routed(ctx context.Context, from, to models.Coord) (float64, bool) {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return v, true
		}
	}
	secs, err := e.client.EstimateSeconds(ctx, from, to)
	if err != nil {
		e.log.Warn("routing estimate failed", "err", err)
		return 0, false
	}
	if e.cache != nil {
		e.cache.Set(from, to, secs)
	}
	return secs, true
}

// CityEstimate assumes 40 km/h plus five minutes of preparation, capped at 45.
func CityEstimate(from, to models.Coord) Arrival {
	if from.IsZero() || to.IsZero() {
		return Arrival{Minutes: unknownMinute, Label: unknownLabel, Source: "default"}
	}
	km := geo.HaversineKm(from, to)
	return finish(int(math.Ceil(km/citySpeedKmh*60)), "city")
}

func finish(travel int, source string) Arrival {
	m := travel + prepMinutes
	if m > maxMinutes {
		m = maxMinutes
	}
	return Arrival{Minutes: m, Label: fmt.Sprintf("%d min", m), Source: source}
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
