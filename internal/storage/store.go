package storage

import (
	"context"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// JobStore persists jobs. TryAcceptJob and UpdateStatus are single guarded
// writes; callers never read-then-write to change a job's owner or status.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	// TryAcceptJob assigns providerID only while the job is searching and
	// unowned. It returns ErrJobTaken when another provider won and
	// ErrInvalidTransition when the job left searching for another reason.
	TryAcceptJob(ctx context.Context, jobID, providerID string, at time.Time) (*models.Job, error)
	// UpdateStatus applies to only when the current status is one of its
	// allowed predecessors.
	UpdateStatus(ctx context.Context, jobID string, to models.Status, patch models.StatusPatch) (*models.Job, error)
	FindByID(ctx context.Context, jobID string) (*models.Job, error)
	FindByNumber(ctx context.Context, number string) (*models.Job, error)
	// ListStale returns jobs in status requested before olderThan, oldest first.
	ListStale(ctx context.Context, status models.Status, olderThan time.Time) ([]*models.Job, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n models.Notification) error
	// ListForUser returns unexpired notifications, newest first.
	ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return defaultListLimit
	}
	return limit
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// applyStatus sets status and the timestamp/cancellation columns that go
// with it.
func applyStatus(j *models.Job, to models.Status, patch models.StatusPatch) {
	at := patch.At.UTC()
	j.Status = to
	j.UpdatedAt = at
	switch to {
	case models.StatusCompleted:
		j.CompletedAt = &at
	case models.StatusExpired:
		j.ExpiredAt = &at
	case models.StatusCancelled:
		j.CancelledAt = &at
		j.CancelledBy = patch.CancelledBy
		j.CancelReason = patch.CancelReason
		j.CancelFee = patch.CancelFee
	}
}
