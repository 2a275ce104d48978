package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

// DefaultRadiiKm is the ascending search ladder.
var DefaultRadiiKm = []float64{3, 5, 7, 10}

const DefaultFreshness = 2 * time.Minute

// Request is what the locator needs from a booking.
type Request struct {
	Pickup      models.Coord
	Category    string
	Kind        models.BookingKind
	VehicleType string
	FuelType    string
}

func RequestFor(b models.Booking) Request {
	return Request{
		Pickup:      b.Pickup.Coord,
		Category:    b.ServiceCategory,
		Kind:        b.Kind,
		VehicleType: b.VehicleType,
		FuelType:    b.FuelType,
	}
}

// Candidate is an eligible provider with its distance from the pickup.
type Candidate struct {
	ProviderID string       `json:"provider_id"`
	Name       string       `json:"name"`
	DistanceKm float64      `json:"distance_km"`
	Rating     float64      `json:"rating"`
	Loc        models.Coord `json:"loc"`
	// RadiusKm is the rung the candidate matched at; 0 for rentals and the
	// fallback.
	RadiusKm float64 `json:"-"`
}

// Locator finds eligible providers around a pickup. It has no side effects.
type Locator struct {
	Store     geo.Store
	RadiiKm   []float64
	Freshness time.Duration
	// FallbackToAll returns every eligible provider, best rated first, when
	// the widest rung is empty.
	FallbackToAll bool
	Now           func() time.Time
	Log           *slog.Logger
}

func NewLocator(store geo.Store, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{
		Store:     store,
		RadiiKm:   DefaultRadiiKm,
		Freshness: DefaultFreshness,
		Now:       time.Now,
		Log:       logger.With("component", "locator"),
	}
}

// FindCandidates walks the radius ladder and returns the first non-empty rung.
func (l *Locator) FindCandidates(ctx context.Context, req Request) ([]Candidate, error) {
	start := time.Now()
	defer func() { observability.SearchLatency.Observe(time.Since(start).Seconds()) }()

	if req.Kind == models.BookingCarRental {
		out, err := l.rentals(ctx, req)
		l.record(out, err)
		return out, err
	}
	radii := l.radii()
	pool, err := l.eligible(ctx, req, radii[len(radii)-1])
	if err != nil {
		l.record(nil, err)
		return nil, err
	}
	for _, r := range radii {
		if out := within(pool, r); len(out) > 0 {
			l.Log.Debug("candidates found", "category", req.Category, "radius_km", r, "count", len(out))
			l.record(out, nil)
			return out, nil
		}
	}
	if l.FallbackToAll {
		out, err := l.everywhere(ctx, req)
		l.record(out, err)
		return out, err
	}
	l.record(nil, nil)
	return nil, nil
}

// FindWithinRadius runs a single rung. Retry attempts use it with their own
// radius schedule.
func (l *Locator) FindWithinRadius(ctx context.Context, req Request, radiusKm float64) ([]Candidate, error) {
	if req.Kind == models.BookingCarRental {
		return l.rentals(ctx, req)
	}
	pool, err := l.eligible(ctx, req, radiusKm)
	if err != nil {
		return nil, err
	}
	return within(pool, radiusKm), nil
}

func (l *Locator) eligible(ctx context.Context, req Request, maxKm float64) ([]Candidate, error) {
	return l.around(ctx, req.Pickup, maxKm, l.predicate(req))
}

// Nearby lists live providers of any category within radiusKm of at,
// nearest first.
func (l *Locator) Nearby(ctx context.Context, at models.Coord, radiusKm float64) ([]Candidate, error) {
	out, err := l.around(ctx, at, radiusKm, l.live())
	if err != nil {
		return nil, err
	}
	return within(out, radiusKm), nil
}

func (l *Locator) around(ctx context.Context, at models.Coord, maxKm float64, match func(models.ProviderSnapshot) bool) ([]Candidate, error) {
	snaps, err := l.Store.Query(ctx, geo.Filter{Near: &at, WithinKm: maxKm, Match: match})
	if err != nil {
		return nil, fmt.Errorf("matcher: query providers: %w", err)
	}
	out := make([]Candidate, 0, len(snaps))
	for _, p := range snaps {
		out = append(out, candidate(p, geo.HaversineKm(at, p.Loc)))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (l *Locator) rentals(ctx context.Context, req Request) ([]Candidate, error) {
	snaps, err := l.Store.Query(ctx, geo.Filter{Match: l.predicate(req)})
	if err != nil {
		return nil, fmt.Errorf("matcher: query rentals: %w", err)
	}
	out := make([]Candidate, 0, len(snaps))
	for _, p := range snaps {
		out = append(out, candidate(p, 0))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (l *Locator) everywhere(ctx context.Context, req Request) ([]Candidate, error) {
	snaps, err := l.Store.Query(ctx, geo.Filter{Match: l.predicate(req)})
	if err != nil {
		return nil, fmt.Errorf("matcher: query providers: %w", err)
	}
	out := make([]Candidate, 0, len(snaps))
	for _, p := range snaps {
		out = append(out, candidate(p, geo.HaversineKm(req.Pickup, p.Loc)))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

// live drops offline, busy and stale snapshots.
func (l *Locator) live() func(models.ProviderSnapshot) bool {
	now := l.now()
	fresh := l.Freshness
	if fresh <= 0 {
		fresh = DefaultFreshness
	}
	return func(p models.ProviderSnapshot) bool {
		if !p.Online || !p.Available || p.CurrentJobID != "" {
			return false
		}
		return now.Sub(p.LastSeen) <= fresh
	}
}

// predicate combines liveness, freshness, category and the per-kind rules.
func (l *Locator) predicate(req Request) func(models.ProviderSnapshot) bool {
	live := l.live()
	return func(p models.ProviderSnapshot) bool {
		return live(p) && p.Offers(req.Category) && Eligible(p, req)
	}
}

// Eligible applies exactly one rule set per booking kind.
func Eligible(p models.ProviderSnapshot, req Request) bool {
	switch req.Kind {
	case models.BookingCarRental:
		if !p.HasRentalVehicles {
			return false
		}
		return req.VehicleType == "" || containsFold(p.RentalVehicles, req.VehicleType)
	case models.BookingFuelDelivery:
		if len(p.FuelTypes) > 0 && req.FuelType != "" && !containsFold(p.FuelTypes, req.FuelType) {
			return false
		}
		return vehicleOK(p, req)
	case models.BookingSpareParts:
		return p.SupportsParts && vehicleOK(p, req)
	default:
		return vehicleOK(p, req)
	}
}

func vehicleOK(p models.ProviderSnapshot, req Request) bool {
	if req.VehicleType == "" || len(p.SupportedVehicleTypes) == 0 {
		return true
	}
	return containsFold(p.SupportedVehicleTypes, req.VehicleType)
}

func within(pool []Candidate, radiusKm float64) []Candidate {
	var out []Candidate
	for _, c := range pool {
		if c.DistanceKm <= radiusKm {
			c.RadiusKm = radiusKm
			out = append(out, c)
		}
	}
	return out
}

func candidate(p models.ProviderSnapshot, km float64) Candidate {
	return Candidate{ProviderID: p.ID, Name: p.Name, DistanceKm: km, Rating: p.Rating, Loc: p.Loc}
}

func (l *Locator) radii() []float64 {
	if len(l.RadiiKm) == 0 {
		return DefaultRadiiKm
	}
	return l.RadiiKm
}

func (l *Locator) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *Locator) record(out []Candidate, err error) {
	switch {
	case err != nil:
		observability.CandidateSearches.WithLabelValues("error").Inc()
	case len(out) == 0:
		observability.CandidateSearches.WithLabelValues("empty").Inc()
	default:
		observability.CandidateSearches.WithLabelValues("found").Inc()
	}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
