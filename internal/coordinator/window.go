package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/matcher"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

// window is the retry session of one searching job. Its loop is the only
// goroutine that advances the radius for the job.
type window struct {
	job    *models.Job
	req    matcher.Request
	offer  dispatch.JobOffer
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	radius   float64
	attempts int
	offered  map[string]struct{}
	declined map[string]struct{}
}

// WindowProgress is the public view of an open window.
type WindowProgress struct {
	RadiusKm    float64 `json:"radius_km"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	Offered     int     `json:"offered"`
	Declined    int     `json:"declined"`
}

// claim marks the candidates offered and returns the ones that were not.
func (w *window) claim(cands []matcher.Candidate) []matcher.Candidate {
	w.mu.Lock()
	defer w.mu.Unlock()
	fresh := cands[:0:0]
	for _, c := range cands {
		if _, ok := w.offered[c.ProviderID]; ok {
			continue
		}
		w.offered[c.ProviderID] = struct{}{}
		fresh = append(fresh, c)
	}
	return fresh
}

func (w *window) decline(providerID string) {
	w.mu.Lock()
	w.declined[providerID] = struct{}{}
	w.mu.Unlock()
}

// next advances the attempt counter and returns the radius to search, or
// false once the schedule is used up.
func (w *window) next(radii []float64) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.attempts > len(radii) {
		return 0, false
	}
	w.radius = radii[w.attempts-1]
	return w.radius, true
}

func (w *window) progress(max int) WindowProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	attempts := w.attempts
	if attempts > max {
		attempts = max
	}
	return WindowProgress{
		RadiusKm:    w.radius,
		Attempts:    attempts,
		MaxAttempts: max,
		Offered:     len(w.offered),
		Declined:    len(w.declined),
	}
}

// openWindow registers the window before any offer goes out so an accept
// racing the first fan-out always finds it.
func (c *Coordinator) openWindow(job *models.Job, req matcher.Request, offer dispatch.JobOffer, initialRadius float64) *window {
	ctx, cancel := context.WithCancel(context.Background())
	w := &window{
		job:      job,
		req:      req,
		offer:    offer,
		cancel:   cancel,
		done:     make(chan struct{}),
		radius:   initialRadius,
		offered:  make(map[string]struct{}),
		declined: make(map[string]struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		close(w.done)
		return w
	}
	c.windows[job.ID] = w
	c.wg.Add(1)
	c.mu.Unlock()

	observability.OpenWindows.Inc()
	go c.runWindow(ctx, w)
	return w
}

// closeWindow stops the job's retry loop. It does not wait for the loop to
// exit and is safe to call for jobs without a window.
func (c *Coordinator) closeWindow(jobID string) *window {
	c.mu.Lock()
	w, ok := c.windows[jobID]
	if ok {
		delete(c.windows, jobID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	w.cancel()
	observability.OpenWindows.Dec()
	w.mu.Lock()
	observability.SearchAttempts.Observe(float64(w.attempts))
	w.mu.Unlock()
	return w
}

func (c *Coordinator) window(jobID string) (*window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[jobID]
	return w, ok
}

func (c *Coordinator) runWindow(ctx context.Context, w *window) {
	defer c.wg.Done()
	defer close(w.done)

	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			radius, ok := w.next(c.cfg.RetryRadiiKm)
			if !ok {
				if !c.expire(ctx, w.job) {
					c.closeWindow(w.job.ID)
				}
				return
			}
			c.retry(ctx, w, radius)
		}
	}
}

// retry searches one rung and offers the job to providers not yet offered.
func (c *Coordinator) retry(ctx context.Context, w *window, radius float64) {
	cands, err := c.locator.FindWithinRadius(ctx, w.req, radius)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("retry search failed", "job_id", w.job.ID, "radius_km", radius, "err", err)
		}
		return
	}
	fresh := w.claim(cands)
	c.log.Debug("retry attempt", "job_id", w.job.ID, "radius_km", radius, "found", len(cands), "new", len(fresh))
	if len(fresh) == 0 || ctx.Err() != nil {
		return
	}
	c.offerAll(ctx, w.job, w.offer, fresh)
}
