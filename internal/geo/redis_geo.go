package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with a GEO set for positions, one hash per
// provider for the rest of the snapshot and a plain set of known ids.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(addr, password, key string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreWithClient(c, key)
}

func NewRedisStoreWithClient(c *redis.Client, key string) *RedisStore {
	return &RedisStore{client: c, key: key}
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Upsert(ctx context.Context, p models.ProviderSnapshot) error {
	if p.ID == "" {
		return fmt.Errorf("geo: provider id is required")
	}
	fields, err := encodeSnapshot(p)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, metaKey(p.ID))
		pipe.HSet(ctx, metaKey(p.ID), fields)
		pipe.SAdd(ctx, r.idsKey(), p.ID)
		if !p.Loc.IsZero() {
			pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: p.ID, Longitude: p.Loc.Lng, Latitude: p.Loc.Lat})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo: upsert %s: %w", p.ID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, providerID string) (models.ProviderSnapshot, error) {
	m, err := r.client.HGetAll(ctx, metaKey(providerID)).Result()
	if err != nil {
		return models.ProviderSnapshot{}, fmt.Errorf("geo: get %s: %w", providerID, err)
	}
	if len(m) == 0 {
		return models.ProviderSnapshot{}, models.ErrProviderNotFound
	}
	return decodeSnapshot(providerID, m)
}

func (r *RedisStore) Query(ctx context.Context, f Filter) ([]models.ProviderSnapshot, error) {
	ids, err := r.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, metaKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("geo: query: %w", err)
	}
	out := make([]models.ProviderSnapshot, 0, len(ids))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		p, err := decodeSnapshot(ids[i], m)
		if err != nil {
			continue
		}
		if f.keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisStore) candidateIDs(ctx context.Context, f Filter) ([]string, error) {
	if f.Near == nil || f.WithinKm <= 0 {
		ids, err := r.client.SMembers(ctx, r.idsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("geo: list providers: %w", err)
		}
		return ids, nil
	}
	res, err := r.client.GeoRadius(ctx, r.key, f.Near.Lng, f.Near.Lat, &redis.GeoRadiusQuery{
		Radius: f.WithinKm, Unit: "km", Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo: radius query: %w", err)
	}
	ids := make([]string, 0, len(res))
	for _, g := range res {
		ids = append(ids, g.Name)
	}
	return ids, nil
}

func (r *RedisStore) UpdateLocation(ctx context.Context, providerID string, loc models.Coord, at time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: providerID, Longitude: loc.Lng, Latitude: loc.Lat})
		pipe.HSetNX(ctx, metaKey(providerID), "available", "1")
		pipe.HSet(ctx, metaKey(providerID),
			"lat", formatFloat(loc.Lat),
			"lng", formatFloat(loc.Lng),
			"last_seen", at.UTC().Format(time.RFC3339Nano))
		pipe.SAdd(ctx, r.idsKey(), providerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo: update location %s: %w", providerID, err)
	}
	return nil
}

func (r *RedisStore) SetOnline(ctx context.Context, providerID string, online bool, at time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, metaKey(providerID), "available", "1")
		pipe.HSet(ctx, metaKey(providerID),
			"online", formatBool(online),
			"last_seen", at.UTC().Format(time.RFC3339Nano))
		pipe.SAdd(ctx, r.idsKey(), providerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo: set online %s: %w", providerID, err)
	}
	return nil
}

func (r *RedisStore) MarkBusy(ctx context.Context, providerID, jobID string) error {
	return r.setAvailability(ctx, providerID, false, jobID)
}

func (r *RedisStore) MarkAvailable(ctx context.Context, providerID string) error {
	return r.setAvailability(ctx, providerID, true, "")
}

func (r *RedisStore) setAvailability(ctx context.Context, providerID string, available bool, jobID string) error {
	n, err := r.client.Exists(ctx, metaKey(providerID)).Result()
	if err != nil {
		return fmt.Errorf("geo: availability %s: %w", providerID, err)
	}
	if n == 0 {
		return models.ErrProviderNotFound
	}
	err = r.client.HSet(ctx, metaKey(providerID), "available", formatBool(available), "current_job", jobID).Err()
	if err != nil {
		return fmt.Errorf("geo: availability %s: %w", providerID, err)
	}
	return nil
}

func (r *RedisStore) idsKey() string { return r.key + ":ids" }

func metaKey(id string) string { return "provider:meta:" + id }

func encodeSnapshot(p models.ProviderSnapshot) (map[string]interface{}, error) {
	lists := map[string][]string{
		"services":        p.Services,
		"vehicle_types":   p.SupportedVehicleTypes,
		"fuel_types":      p.FuelTypes,
		"rental_vehicles": p.RentalVehicles,
	}
	fields := map[string]interface{}{
		"name":           p.Name,
		"lat":            formatFloat(p.Loc.Lat),
		"lng":            formatFloat(p.Loc.Lng),
		"online":         formatBool(p.Online),
		"available":      formatBool(p.Available),
		"current_job":    p.CurrentJobID,
		"rating":         formatFloat(p.Rating),
		"has_rental":     formatBool(p.HasRentalVehicles),
		"supports_parts": formatBool(p.SupportsParts),
	}
	if !p.LastSeen.IsZero() {
		fields["last_seen"] = p.LastSeen.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range lists {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("geo: encode %s: %w", k, err)
		}
		fields[k] = string(b)
	}
	return fields, nil
}

func decodeSnapshot(id string, m map[string]string) (models.ProviderSnapshot, error) {
	p := models.ProviderSnapshot{
		ID:                id,
		Name:              m["name"],
		Online:            m["online"] == "1",
		Available:         m["available"] == "1",
		CurrentJobID:      m["current_job"],
		HasRentalVehicles: m["has_rental"] == "1",
		SupportsParts:     m["supports_parts"] == "1",
	}
	p.Loc.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	p.Loc.Lng, _ = strconv.ParseFloat(m["lng"], 64)
	p.Rating, _ = strconv.ParseFloat(m["rating"], 64)
	if v := m["last_seen"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return p, fmt.Errorf("geo: provider %s last_seen: %w", id, err)
		}
		p.LastSeen = t
	}
	for field, dst := range map[string]*[]string{
		"services":        &p.Services,
		"vehicle_types":   &p.SupportedVehicleTypes,
		"fuel_types":      &p.FuelTypes,
		"rental_vehicles": &p.RentalVehicles,
	} {
		if v := m[field]; v != "" {
			if err := json.Unmarshal([]byte(v), dst); err != nil {
				return p, fmt.Errorf("geo: provider %s %s: %w", id, field, err)
			}
		}
	}
	return p, nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
