package coordinator

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// CancelPolicy prices a customer cancellation.
type CancelPolicy struct {
	// FreeWindow is how long after the request an on-demand job may be
	// cancelled without a fee.
	FreeWindow time.Duration
	// LateFeeRate is the share of the price charged for a late cancellation.
	LateFeeRate float64
	// RentalNotice is the minimum notice before a scheduled rental starts
	// for the cancellation to be free.
	RentalNotice time.Duration
}

func DefaultCancelPolicy() CancelPolicy {
	return CancelPolicy{FreeWindow: 2 * time.Hour, LateFeeRate: 0.5, RentalNotice: 24 * time.Hour}
}

// Fee returns the cancellation fee for j at now, rounded to cents.
func (p CancelPolicy) Fee(j *models.Job, now time.Time) float64 {
	late := false
	if j.ScheduledAt != nil {
		late = j.ScheduledAt.Sub(now) < p.RentalNotice
	} else {
		late = now.Sub(j.RequestedAt) >= p.FreeWindow
	}
	if !late || j.Price <= 0 {
		return 0
	}
	return math.Round(j.Price*p.LateFeeRate*100) / 100
}

const jobNumberAttempts = 5

// jobNumber formats JOB-YYMMDD-NNNN with a random suffix.
func jobNumber(now time.Time, suffix func(n int) int) string {
	if suffix == nil {
		suffix = rand.IntN
	}
	return fmt.Sprintf("JOB-%s-%04d", now.UTC().Format("060102"), suffix(10000))
}
