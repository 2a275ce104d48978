package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/roadside-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements JobStore and NotificationStore on lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("storage: migration %s: %w", name, err)
		}
	}
	return names, nil
}

const jobColumns = `id, job_number, customer_id, provider_id, status, service_category, title, description,
	kind, price, payment_method, pickup_lat, pickup_lng, pickup_address, dropoff, requested_at,
	accepted_at, completed_at, cancelled_at, expired_at, scheduled_at, cancelled_by, cancel_reason,
	cancel_fee, metadata, updated_at`

func (p *PostgresStore) CreateJob(ctx context.Context, j *models.Job) error {
	dropoff, err := nullJSON(j.Dropoff)
	if err != nil {
		return err
	}
	meta := sql.NullString{String: string(j.Metadata), Valid: len(j.Metadata) > 0}
	_, err = p.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15::jsonb,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25::jsonb,$26)`,
		j.ID, j.JobNumber, j.CustomerID, nullString(j.ProviderID), string(j.Status), j.ServiceCategory, j.Title, j.Description,
		string(j.Kind), j.Price, j.PaymentMethod, j.Pickup.Lat, j.Pickup.Lng, j.Pickup.Address, dropoff, j.RequestedAt.UTC(),
		j.AcceptedAt, j.CompletedAt, j.CancelledAt, j.ExpiredAt, j.ScheduledAt, nullString(string(j.CancelledBy)), nullString(j.CancelReason),
		j.CancelFee, meta, j.UpdatedAt.UTC())
	if isUniqueViolation(err, "jobs_job_number_key") {
		return models.ErrDuplicateJobNumber
	}
	if err != nil {
		return fmt.Errorf("storage: create job: %w", err)
	}
	return nil
}

func (p *PostgresStore) TryAcceptJob(ctx context.Context, jobID, providerID string, at time.Time) (*models.Job, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE jobs
		SET provider_id = $2, status = 'provider_assigned', accepted_at = $3, updated_at = $3
		WHERE id = $1 AND provider_id IS NULL AND status = 'searching'
		RETURNING `+jobColumns, jobID, providerID, at.UTC())
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: accept job: %w", err)
	}
	var owner sql.NullString
	err = p.db.QueryRowContext(ctx, `SELECT provider_id FROM jobs WHERE id = $1`, jobID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, models.ErrJobNotFound
	case err != nil:
		return nil, fmt.Errorf("storage: accept job: %w", err)
	case owner.Valid:
		return nil, models.ErrJobTaken
	default:
		return nil, models.ErrInvalidTransition
	}
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, jobID string, to models.Status, patch models.StatusPatch) (*models.Job, error) {
	if to == models.StatusProviderAssigned {
		return nil, models.ErrInvalidTransition
	}
	from := models.Predecessors(to)
	if len(from) == 0 {
		return nil, models.ErrInvalidTransition
	}
	row := p.db.QueryRowContext(ctx, `UPDATE jobs SET
			status = $2::text,
			updated_at = $3::timestamptz,
			completed_at = CASE WHEN $2::text = 'completed' THEN $3::timestamptz ELSE completed_at END,
			expired_at = CASE WHEN $2::text = 'expired' THEN $3::timestamptz ELSE expired_at END,
			cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $3::timestamptz ELSE cancelled_at END,
			cancelled_by = CASE WHEN $2::text = 'cancelled' THEN NULLIF($4::text, '') ELSE cancelled_by END,
			cancel_reason = CASE WHEN $2::text = 'cancelled' THEN NULLIF($5::text, '') ELSE cancel_reason END,
			cancel_fee = CASE WHEN $2::text = 'cancelled' THEN $6::double precision ELSE cancel_fee END
		WHERE id = $1 AND status = ANY($7::text[])
		RETURNING `+jobColumns,
		jobID, string(to), patch.At.UTC(), string(patch.CancelledBy), patch.CancelReason, patch.CancelFee,
		pq.Array(statusStrings(from)))
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: update status: %w", err)
	}
	if _, err := p.FindByID(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, models.ErrInvalidTransition
}

func (p *PostgresStore) FindByID(ctx context.Context, jobID string) (*models.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find job: %w", err)
	}
	return j, nil
}

func (p *PostgresStore) FindByNumber(ctx context.Context, number string) (*models.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_number = $1`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find job by number: %w", err)
	}
	return j, nil
}

func (p *PostgresStore) ListStale(ctx context.Context, status models.Status, olderThan time.Time) ([]*models.Job, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND requested_at < $2 ORDER BY requested_at ASC LIMIT 500`, string(status), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: list stale: %w", err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list stale: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n models.Notification) error {
	data := sql.NullString{String: string(n.Data), Valid: len(n.Data) > 0}
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (id, user_id, type, title, message, data, is_read, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, data, n.IsRead, n.CreatedAt.UTC(), n.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("storage: create notification: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, type, title, message, data, is_read, created_at, expires_at
		FROM notifications
		WHERE user_id = $1 AND expires_at > NOW() AND (NOT $2 OR is_read = FALSE)
		ORDER BY created_at DESC LIMIT $3`, userID, unreadOnly, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list notifications: %w", err)
	}
	defer rows.Close()
	out := []models.Notification{}
	for rows.Next() {
		var (
			n    models.Notification
			typ  string
			data sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &n.IsRead, &n.CreatedAt, &n.ExpiresAt); err != nil {
			return nil, fmt.Errorf("storage: list notifications: %w", err)
		}
		n.Type = models.NotificationType(typ)
		if data.Valid {
			n.Data = json.RawMessage(data.String)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("storage: mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotificationNotFound
	}
	return nil
}

func (p *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND is_read = FALSE AND expires_at > NOW()`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: unread count: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM notifications WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("storage: purge notifications: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j                                                      models.Job
		provider, cancelledBy, cancelReason, dropoff, metadata sql.NullString
		status, kind                                           string
		accepted, completed, cancelled, expired, scheduled     sql.NullTime
	)
	err := row.Scan(&j.ID, &j.JobNumber, &j.CustomerID, &provider, &status, &j.ServiceCategory, &j.Title, &j.Description,
		&kind, &j.Price, &j.PaymentMethod, &j.Pickup.Lat, &j.Pickup.Lng, &j.Pickup.Address, &dropoff, &j.RequestedAt,
		&accepted, &completed, &cancelled, &expired, &scheduled, &cancelledBy, &cancelReason,
		&j.CancelFee, &metadata, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.ProviderID = provider.String
	j.Status = models.Status(status)
	j.Kind = models.BookingKind(kind)
	j.CancelledBy = models.UserKind(cancelledBy.String)
	j.CancelReason = cancelReason.String
	j.AcceptedAt = timePtr(accepted)
	j.CompletedAt = timePtr(completed)
	j.CancelledAt = timePtr(cancelled)
	j.ExpiredAt = timePtr(expired)
	j.ScheduledAt = timePtr(scheduled)
	if dropoff.Valid {
		var loc models.Location
		if err := json.Unmarshal([]byte(dropoff.String), &loc); err != nil {
			return nil, fmt.Errorf("dropoff: %w", err)
		}
		j.Dropoff = &loc
	}
	if metadata.Valid {
		j.Metadata = json.RawMessage(metadata.String)
	}
	return &j, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(v *models.Location) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}
