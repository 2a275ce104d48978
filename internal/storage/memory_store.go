package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// MemoryStore is an in-process JobStore. All guarded writes happen under
// one mutex, which gives the same exclusion as the SQL conditional updates.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*models.Job
	byNumber map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job), byNumber: make(map[string]string)}
}

func (m *MemoryStore) CreateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byNumber[j.JobNumber]; ok {
		return models.ErrDuplicateJobNumber
	}
	cp := *j
	m.jobs[j.ID] = &cp
	m.byNumber[j.JobNumber] = j.ID
	return nil
}

func (m *MemoryStore) TryAcceptJob(_ context.Context, jobID, providerID string, at time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if j.ProviderID != "" {
		return nil, models.ErrJobTaken
	}
	if j.Status != models.StatusSearching {
		return nil, models.ErrInvalidTransition
	}
	at = at.UTC()
	j.ProviderID = providerID
	j.Status = models.StatusProviderAssigned
	j.AcceptedAt = &at
	j.UpdatedAt = at
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, jobID string, to models.Status, patch models.StatusPatch) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if to == models.StatusProviderAssigned || !models.CanTransition(j.Status, to) {
		return nil, models.ErrInvalidTransition
	}
	applyStatus(j, to, patch)
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) FindByID(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) FindByNumber(ctx context.Context, number string) (*models.Job, error) {
	m.mu.RLock()
	id, ok := m.byNumber[number]
	m.mu.RUnlock()
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return m.FindByID(ctx, id)
}

func (m *MemoryStore) ListStale(_ context.Context, status models.Status, olderThan time.Time) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == status && j.RequestedAt.Before(olderThan) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RequestedAt.Before(out[k].RequestedAt) })
	return out, nil
}

// MemoryNotifications is an in-process NotificationStore.
type MemoryNotifications struct {
	mu     sync.RWMutex
	byUser map[string][]*models.Notification
	Now    func() time.Time
}

func NewMemoryNotifications() *MemoryNotifications {
	return &MemoryNotifications{byUser: make(map[string][]*models.Notification), Now: time.Now}
}

func (m *MemoryNotifications) CreateNotification(_ context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := n
	m.byUser[n.UserID] = append(m.byUser[n.UserID], &cp)
	return nil
}

func (m *MemoryNotifications) ListForUser(_ context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	now := m.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byUser[userID]
	out := make([]models.Notification, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		n := list[i]
		if !n.ExpiresAt.After(now) || (unreadOnly && n.IsRead) {
			continue
		}
		out = append(out, *n)
		if len(out) == clampLimit(limit) {
			break
		}
	}
	return out, nil
}

func (m *MemoryNotifications) MarkRead(_ context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.byUser[userID] {
		if n.ID == notificationID {
			n.IsRead = true
			return nil
		}
	}
	return models.ErrNotificationNotFound
}

func (m *MemoryNotifications) UnreadCount(_ context.Context, userID string) (int, error) {
	now := m.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.byUser[userID] {
		if !n.IsRead && n.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryNotifications) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for user, list := range m.byUser {
		kept := list[:0]
		for _, n := range list {
			if n.ExpiresAt.After(now) {
				kept = append(kept, n)
			} else {
				purged++
			}
		}
		if len(kept) == 0 {
			delete(m.byUser, user)
			continue
		}
		m.byUser[user] = kept
	}
	return purged, nil
}
