package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// Store is the provider live-status store the locator and coordinator read
// and update. Freshness is never enforced here; callers filter on LastSeen.
type Store interface {
	Query(ctx context.Context, f Filter) ([]models.ProviderSnapshot, error)
	Get(ctx context.Context, providerID string) (models.ProviderSnapshot, error)
	Upsert(ctx context.Context, p models.ProviderSnapshot) error
	UpdateLocation(ctx context.Context, providerID string, loc models.Coord, at time.Time) error
	SetOnline(ctx context.Context, providerID string, online bool, at time.Time) error
	MarkBusy(ctx context.Context, providerID, jobID string) error
	MarkAvailable(ctx context.Context, providerID string) error
}

// Filter narrows a Query. Near/WithinKm is a coarse prefilter; Match runs on
// every remaining snapshot.
type Filter struct {
	Near     *models.Coord
	WithinKm float64
	Match    func(models.ProviderSnapshot) bool
}

func (f Filter) keep(p models.ProviderSnapshot) bool {
	if f.Near != nil && f.WithinKm > 0 && HaversineKm(*f.Near, p.Loc) > f.WithinKm {
		return false
	}
	return f.Match == nil || f.Match(p)
}

// Index is an in-memory Store.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.ProviderSnapshot
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]models.ProviderSnapshot)}
}

func (g *Index) Upsert(_ context.Context, p models.ProviderSnapshot) error {
	if p.ID == "" {
		return fmt.Errorf("geo: provider id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[p.ID] = p
	return nil
}

func (g *Index) Get(_ context.Context, providerID string) (models.ProviderSnapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[providerID]
	if !ok {
		return models.ProviderSnapshot{}, models.ErrProviderNotFound
	}
	return p, nil
}

// naive scan; RedisStore narrows by radius server-side
func (g *Index) Query(_ context.Context, f Filter) ([]models.ProviderSnapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.ProviderSnapshot, 0, len(g.providers))
	for _, p := range g.providers {
		if f.keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Index) UpdateLocation(_ context.Context, providerID string, loc models.Coord, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[providerID]
	if !ok {
		p = models.ProviderSnapshot{ID: providerID, Available: true}
	}
	p.Loc = loc
	p.LastSeen = at
	g.providers[providerID] = p
	return nil
}

func (g *Index) SetOnline(_ context.Context, providerID string, online bool, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[providerID]
	if !ok {
		p = models.ProviderSnapshot{ID: providerID, Available: true}
	}
	p.Online = online
	p.LastSeen = at
	g.providers[providerID] = p
	return nil
}

func (g *Index) MarkBusy(_ context.Context, providerID, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[providerID]
	if !ok {
		return models.ErrProviderNotFound
	}
	p.Available = false
	p.CurrentJobID = jobID
	g.providers[providerID] = p
	return nil
}

func (g *Index) MarkAvailable(_ context.Context, providerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[providerID]
	if !ok {
		return models.ErrProviderNotFound
	}
	p.Available = true
	p.CurrentJobID = ""
	g.providers[providerID] = p
	return nil
}

// LoadSnapshots decodes a JSON array of snapshots and upserts them, stamping
// LastSeen with at when the seed leaves it empty.
func LoadSnapshots(ctx context.Context, s Store, r io.Reader, at time.Time) (int, error) {
	var seed []models.ProviderSnapshot
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return 0, fmt.Errorf("geo: decode seed: %w", err)
	}
	for _, p := range seed {
		if p.LastSeen.IsZero() {
			p.LastSeen = at
		}
		if err := s.Upsert(ctx, p); err != nil {
			return 0, fmt.Errorf("geo: seed %s: %w", p.ID, err)
		}
	}
	return len(seed), nil
}

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// HaversineKm is the great-circle distance between two coordinates in km.
func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}
