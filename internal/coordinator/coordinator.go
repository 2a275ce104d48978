// Package coordinator owns the job lifecycle: booking intake, offer windows,
// the accept race, cancellation and service progress.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/eta"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/matcher"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Locator is the provider search used at submit time and by retries.
type Locator interface {
	FindCandidates(ctx context.Context, req matcher.Request) ([]matcher.Candidate, error)
	FindWithinRadius(ctx context.Context, req matcher.Request, radiusKm float64) ([]matcher.Candidate, error)
}

// Broker is the real-time fan-out surface.
type Broker interface {
	Subscribe(userID, room string) error
	Unsubscribe(userID, room string)
	Broadcast(room string, msg dispatch.Message) (int, error)
	SendTo(userID string, msg dispatch.Message) (bool, error)
	DropRoom(room string)
}

type ArrivalEstimator interface {
	Arrival(ctx context.Context, from, to models.Coord) eta.Arrival
}

type Config struct {
	// RetryRadiiKm is the radius of each retry attempt; its length is the
	// attempt budget.
	RetryRadiiKm     []float64
	RetryInterval    time.Duration
	RetryWhenEmpty   bool
	OfferConcurrency int
	Cancel           CancelPolicy
}

func DefaultConfig() Config {
	return Config{
		RetryRadiiKm:     []float64{3, 3, 3, 5, 5, 5, 7, 7, 7, 10, 10, 10},
		RetryInterval:    5 * time.Second,
		OfferConcurrency: 16,
		Cancel:           DefaultCancelPolicy(),
	}
}

// Deps are the collaborators of a Coordinator. Events, ETA and Now are
// optional.
type Deps struct {
	Jobs          storage.JobStore
	Notifications storage.NotificationStore
	Providers     geo.Store
	Locator       Locator
	Broker        Broker
	ETA           ArrivalEstimator
	Events        ingest.EventPublisher
	Logger        *slog.Logger
	Now           func() time.Time
}

type Coordinator struct {
	cfg       Config
	jobs      storage.JobStore
	notes     storage.NotificationStore
	providers geo.Store
	locator   Locator
	broker    Broker
	eta       ArrivalEstimator
	events    ingest.EventPublisher
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	closed  bool
	wg      sync.WaitGroup

	// numberSuffix is swapped in tests to force job number collisions.
	numberSuffix func(n int) int
}

func New(cfg Config, d Deps) *Coordinator {
	def := DefaultConfig()
	if len(cfg.RetryRadiiKm) == 0 {
		cfg.RetryRadiiKm = def.RetryRadiiKm
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.OfferConcurrency <= 0 {
		cfg.OfferConcurrency = def.OfferConcurrency
	}
	if cfg.Cancel == (CancelPolicy{}) {
		cfg.Cancel = def.Cancel
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Events == nil {
		d.Events = ingest.Nop{}
	}
	if d.ETA == nil {
		d.ETA = eta.NewEstimator(nil, nil, d.Logger)
	}
	return &Coordinator{
		cfg:       cfg,
		jobs:      d.Jobs,
		notes:     d.Notifications,
		providers: d.Providers,
		locator:   d.Locator,
		broker:    d.Broker,
		eta:       d.ETA,
		events:    d.Events,
		log:       d.Logger.With("component", "coordinator"),
		now:       d.Now,
		windows:   make(map[string]*window),
	}
}

type SubmitResult struct {
	Job            *models.Job `json:"job"`
	ProvidersFound int         `json:"providers_found"`
}

// bookingMeta is stored in Job.Metadata.
type bookingMeta struct {
	CustomerName    string           `json:"customer_name,omitempty"`
	ServiceName     string           `json:"service_name,omitempty"`
	VehicleType     string           `json:"vehicle_type,omitempty"`
	FuelType        string           `json:"fuel_type,omitempty"`
	PartDescription string           `json:"part_description,omitempty"`
	LicenseFront    string           `json:"license_front,omitempty"`
	LicenseBack     string           `json:"license_back,omitempty"`
	Schedule        *models.Schedule `json:"schedule,omitempty"`
	Urgency         string           `json:"urgency"`
	LocationSkipped bool             `json:"location_skipped,omitempty"`
}

// Submit validates a booking, persists the job and starts the search.
func (c *Coordinator) Submit(ctx context.Context, b models.Booking) (SubmitResult, error) {
	normalize(&b)
	now := c.now().UTC()
	if err := ValidateBooking(b, now); err != nil {
		return SubmitResult{}, err
	}
	job, err := c.newJob(b, now)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := c.createJob(ctx, job); err != nil {
		return SubmitResult{}, err
	}
	log := c.log.With("job_id", job.ID, "job_number", job.JobNumber)
	log.Info("job created", "category", job.ServiceCategory, "kind", job.Kind)
	c.publish(ctx, models.EventJobCreated, job)

	if err := c.broker.Subscribe(job.CustomerID, dispatch.JobRoom(job.ID)); err != nil {
		log.Warn("subscribe customer failed", "err", err)
	}

	if b.IsScheduledRental() {
		updated, err := c.jobs.UpdateStatus(ctx, job.ID, models.StatusScheduled, models.StatusPatch{At: now})
		if err != nil {
			return SubmitResult{}, fmt.Errorf("coordinator: schedule job: %w", err)
		}
		log.Info("rental scheduled", "scheduled_at", updated.ScheduledAt)
		return SubmitResult{Job: updated}, nil
	}

	req := matcher.RequestFor(b)
	cands, err := c.locator.FindCandidates(ctx, req)
	if err != nil {
		log.Error("provider search failed", "err", err)
		cands = nil
	}
	if len(cands) == 0 && !c.cfg.RetryWhenEmpty {
		updated, err := c.jobs.UpdateStatus(ctx, job.ID, models.StatusNoProviders, models.StatusPatch{At: now})
		if err != nil {
			return SubmitResult{}, fmt.Errorf("coordinator: mark no providers: %w", err)
		}
		observability.JobsFinished.WithLabelValues(string(models.StatusNoProviders)).Inc()
		c.broadcastStatus(updated, dispatch.StatusUpdate{Reason: "no providers available"})
		c.broker.DropRoom(dispatch.JobRoom(job.ID))
		c.publish(ctx, models.EventJobNoProviders, updated)
		log.Info("no providers found")
		return SubmitResult{Job: updated}, nil
	}

	updated, err := c.jobs.UpdateStatus(ctx, job.ID, models.StatusSearching, models.StatusPatch{At: now})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("coordinator: start search: %w", err)
	}
	c.publish(ctx, models.EventJobSearching, updated)

	offer := offerFor(updated, b)
	radius := 0.0
	if len(cands) > 0 {
		radius = cands[0].RadiusKm
	}
	w := c.openWindow(updated, req, offer, radius)
	if fresh := w.claim(cands); len(fresh) > 0 {
		c.offerAll(ctx, updated, offer, fresh)
	}
	log.Info("search started", "candidates", len(cands))
	return SubmitResult{Job: updated, ProvidersFound: len(cands)}, nil
}

func (c *Coordinator) newJob(b models.Booking, now time.Time) (*models.Job, error) {
	meta, err := json.Marshal(bookingMeta{
		CustomerName:    b.CustomerName,
		ServiceName:     b.ServiceName,
		VehicleType:     b.VehicleType,
		FuelType:        b.FuelType,
		PartDescription: b.PartDescription,
		LicenseFront:    b.LicenseFront,
		LicenseBack:     b.LicenseBack,
		Schedule:        b.Schedule,
		Urgency:         urgency(b),
		LocationSkipped: b.LocationSkipped,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: encode metadata: %w", err)
	}
	title := b.ServiceName
	if title == "" {
		title = b.ServiceCategory
	}
	job := &models.Job{
		ID:              uuid.NewString(),
		CustomerID:      b.CustomerID,
		Status:          models.StatusPending,
		ServiceCategory: b.ServiceCategory,
		Title:           title,
		Description:     b.Description,
		Kind:            b.Kind,
		Price:           b.Price,
		PaymentMethod:   b.PaymentMethod,
		Pickup:          b.Pickup,
		Dropoff:         b.Dropoff,
		RequestedAt:     now,
		Metadata:        meta,
		UpdatedAt:       now,
	}
	if b.IsScheduledRental() {
		if at, ok := scheduledAt(b.Schedule, &models.ValidationError{}); ok {
			job.ScheduledAt = &at
		}
	}
	return job, nil
}

// createJob retries with a new number when the random suffix collides.
func (c *Coordinator) createJob(ctx context.Context, job *models.Job) error {
	var err error
	for i := 0; i < jobNumberAttempts; i++ {
		job.JobNumber = jobNumber(job.RequestedAt, c.numberSuffix)
		err = c.jobs.CreateJob(ctx, job)
		if !errors.Is(err, models.ErrDuplicateJobNumber) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("coordinator: create job: %w", err)
	}
	return nil
}

func urgency(b models.Booking) string {
	if b.Urgency == "" {
		return "normal"
	}
	return strings.ToLower(b.Urgency)
}

func offerFor(j *models.Job, b models.Booking) dispatch.JobOffer {
	u := urgency(b)
	return dispatch.JobOffer{
		JobID:        j.ID,
		JobNumber:    j.JobNumber,
		Category:     j.ServiceCategory,
		Title:        j.Title,
		Kind:         j.Kind,
		Price:        j.Price,
		Pickup:       j.Pickup,
		Dropoff:      j.Dropoff,
		CustomerName: b.CustomerName,
		Urgent:       u == "urgent" || u == "high" || u == "emergency",
		RequestedAt:  j.RequestedAt,
	}
}

// offerAll pushes the offer to every candidate. A failure for one candidate
// never stops the others.
func (c *Coordinator) offerAll(ctx context.Context, job *models.Job, offer dispatch.JobOffer, cands []matcher.Candidate) {
	msg := dispatch.Message{Type: dispatch.MsgNewJobRequest, Data: offer}
	var g errgroup.Group
	g.SetLimit(c.cfg.OfferConcurrency)
	for _, cand := range cands {
		g.Go(func() error {
			c.offerOne(ctx, job, msg, cand)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) offerOne(ctx context.Context, job *models.Job, msg dispatch.Message, cand matcher.Candidate) {
	log := c.log.With("job_id", job.ID, "provider_id", cand.ProviderID)
	if err := c.broker.Subscribe(cand.ProviderID, dispatch.JobViewersRoom(job.ID)); err != nil {
		log.Warn("subscribe viewer failed", "err", err)
	}
	delivered, err := c.broker.SendTo(cand.ProviderID, msg)
	if err != nil {
		log.Warn("offer encode failed", "err", err)
	}
	if delivered {
		observability.OffersSent.WithLabelValues("realtime").Inc()
	}
	c.notify(ctx, cand.ProviderID, models.NotifyNewJobRequest, "New job request",
		fmt.Sprintf("%s request at %s", job.Title, job.Pickup.Address), msg.Data)
	observability.OffersSent.WithLabelValues("notification").Inc()
	log.Debug("offer sent", "distance_km", cand.DistanceKm, "realtime", delivered)
}

// Accept assigns the job to providerID. Exactly one provider wins; the
// others get models.ErrJobTaken. A replay by the winner returns the job.
func (c *Coordinator) Accept(ctx context.Context, jobID, providerID string) (*models.Job, error) {
	now := c.now().UTC()
	job, err := c.jobs.TryAcceptJob(ctx, jobID, providerID, now)
	if err != nil {
		if errors.Is(err, models.ErrJobTaken) {
			if cur, ferr := c.jobs.FindByID(ctx, jobID); ferr == nil && cur.ProviderID == providerID {
				observability.AcceptOutcomes.WithLabelValues("replay").Inc()
				return cur, nil
			}
			observability.AcceptOutcomes.WithLabelValues("taken").Inc()
		} else {
			observability.AcceptOutcomes.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	observability.AcceptOutcomes.WithLabelValues("won").Inc()
	c.closeWindow(jobID)
	log := c.log.With("job_id", jobID, "provider_id", providerID)
	log.Info("job accepted")

	var provider models.ProviderSnapshot
	if c.providers != nil {
		if p, err := c.providers.Get(ctx, providerID); err == nil {
			provider = p
		}
		if err := c.providers.MarkBusy(ctx, providerID, jobID); err != nil {
			log.Warn("mark busy failed", "err", err)
		}
	}
	arrival := c.eta.Arrival(ctx, provider.Loc, job.Pickup.Coord)

	c.broker.Unsubscribe(providerID, dispatch.JobViewersRoom(jobID))
	if err := c.broker.Subscribe(providerID, dispatch.JobRoom(jobID)); err != nil {
		log.Warn("subscribe provider failed", "err", err)
	}
	accepted := dispatch.JobAccepted{
		JobID:        job.ID,
		JobNumber:    job.JobNumber,
		ProviderID:   providerID,
		ProviderName: provider.Name,
		ETAMinutes:   arrival.Minutes,
		ETALabel:     arrival.Label,
		AcceptedAt:   now,
	}
	c.broadcast(dispatch.JobRoom(jobID), dispatch.Message{Type: dispatch.MsgJobAccepted, Data: accepted})
	c.broadcast(dispatch.JobViewersRoom(jobID), dispatch.Message{Type: dispatch.MsgJobTaken, Data: dispatch.JobTaken{JobID: jobID}})
	c.broker.DropRoom(dispatch.JobViewersRoom(jobID))

	name := provider.Name
	if name == "" {
		name = "A provider"
	}
	c.notify(ctx, job.CustomerID, models.NotifyJobAccepted, "Provider on the way",
		fmt.Sprintf("%s accepted your request, ETA %s", name, arrival.Label), accepted)
	c.publish(ctx, models.EventJobAccepted, job)
	return job, nil
}

// Decline is advisory. The job is unchanged and the provider is never
// offered the job again by this window.
func (c *Coordinator) Decline(ctx context.Context, jobID, providerID string) error {
	job, err := c.jobs.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if w, ok := c.window(jobID); ok {
		w.decline(providerID)
	}
	c.broker.Unsubscribe(providerID, dispatch.JobViewersRoom(jobID))
	c.broadcast(dispatch.JobRoom(jobID), dispatch.Message{
		Type: dispatch.MsgJobDeclined,
		Data: dispatch.JobDeclined{JobID: jobID, ProviderID: providerID},
	})
	c.log.Info("job declined", "job_id", jobID, "provider_id", providerID, "status", job.Status)
	return nil
}

// Cancel cancels a customer's job and applies the fee policy.
func (c *Coordinator) Cancel(ctx context.Context, jobID, customerID, reason string) (*models.Job, error) {
	job, err := c.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.CustomerID != customerID {
		return nil, models.ErrForbidden
	}
	if !models.CanTransition(job.Status, models.StatusCancelled) {
		return nil, models.ErrInvalidTransition
	}
	now := c.now().UTC()
	if reason == "" {
		reason = "cancelled by customer"
	}
	fee := c.cfg.Cancel.Fee(job, now)
	updated, err := c.jobs.UpdateStatus(ctx, jobID, models.StatusCancelled, models.StatusPatch{
		At:           now,
		CancelledBy:  models.KindCustomer,
		CancelReason: reason,
		CancelFee:    fee,
	})
	if err != nil {
		return nil, err
	}
	c.closeWindow(jobID)
	observability.JobsFinished.WithLabelValues(string(models.StatusCancelled)).Inc()
	log := c.log.With("job_id", jobID)
	log.Info("job cancelled", "fee", fee)

	if updated.ProviderID != "" {
		if c.providers != nil {
			if err := c.providers.MarkAvailable(ctx, updated.ProviderID); err != nil {
				log.Warn("mark available failed", "provider_id", updated.ProviderID, "err", err)
			}
		}
		c.notify(ctx, updated.ProviderID, models.NotifyJobCancelled, "Job cancelled",
			fmt.Sprintf("Job %s was cancelled by the customer", updated.JobNumber),
			dispatch.StatusUpdate{JobID: jobID, Status: updated.Status, Reason: reason, At: now})
	}
	extra := dispatch.StatusUpdate{Reason: reason, CancelFee: fee}
	c.broadcastStatus(updated, extra)
	c.broadcastTo(dispatch.JobViewersRoom(jobID), updated, extra)
	c.dropRooms(jobID)
	c.publish(ctx, models.EventJobCancelled, updated)
	return updated, nil
}

var progressSteps = map[models.Status]bool{
	models.StatusEnRoute:    true,
	models.StatusArrived:    true,
	models.StatusInProgress: true,
	models.StatusCompleted:  true,
}

// Advance moves an assigned job through en_route, arrived, in_progress and
// completed. Only the assigned provider may advance it.
func (c *Coordinator) Advance(ctx context.Context, jobID, providerID string, to models.Status) (*models.Job, error) {
	if !progressSteps[to] {
		return nil, models.ErrInvalidTransition
	}
	job, err := c.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ProviderID == "" || job.ProviderID != providerID {
		return nil, models.ErrForbidden
	}
	now := c.now().UTC()
	updated, err := c.jobs.UpdateStatus(ctx, jobID, to, models.StatusPatch{At: now})
	if err != nil {
		return nil, err
	}
	c.log.Info("job progressed", "job_id", jobID, "provider_id", providerID, "status", to)
	if to == models.StatusCompleted {
		observability.JobsFinished.WithLabelValues(string(models.StatusCompleted)).Inc()
		if c.providers != nil {
			if err := c.providers.MarkAvailable(ctx, providerID); err != nil {
				c.log.Warn("mark available failed", "provider_id", providerID, "err", err)
			}
		}
		c.notify(ctx, updated.CustomerID, models.NotifyJobCompleted, "Job completed",
			fmt.Sprintf("Job %s is complete", updated.JobNumber), nil)
	}
	c.broadcastStatus(updated, dispatch.StatusUpdate{})
	if updated.Status.Terminal() {
		c.dropRooms(jobID)
	}
	c.publish(ctx, models.EventJobProgressed, updated)
	return updated, nil
}

// StatusView is a job plus the progress of its offer window, if any.
type StatusView struct {
	Job    *models.Job     `json:"job"`
	Window *WindowProgress `json:"window,omitempty"`
}

func (c *Coordinator) Status(ctx context.Context, jobID string) (StatusView, error) {
	job, err := c.jobs.FindByID(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	v := StatusView{Job: job}
	if w, ok := c.window(jobID); ok {
		p := w.progress(len(c.cfg.RetryRadiiKm))
		v.Window = &p
	}
	return v, nil
}

// CanJoin reports whether a user may subscribe to room. Job rooms are
// limited to the owner, the assigned provider and, while the job is open,
// providers.
func (c *Coordinator) CanJoin(ctx context.Context, userID string, kind models.UserKind, room string) error {
	if err := dispatch.ValidateRoom(room); err != nil {
		return err
	}
	if strings.HasPrefix(room, "provider_") {
		if kind == models.KindProvider && room == dispatch.ProviderRoom(userID) {
			return nil
		}
		return models.ErrForbidden
	}
	jobID, viewers, ok := dispatch.ParseJobRoom(room)
	if !ok {
		return nil
	}
	job, err := c.jobs.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case viewers:
		if kind == models.KindProvider && job.Status == models.StatusSearching {
			return nil
		}
	case job.CustomerID == userID, job.ProviderID == userID:
		return nil
	case kind == models.KindProvider && job.Status == models.StatusSearching:
		return nil
	}
	return models.ErrForbidden
}

// ExpireStale expires searching jobs older than olderThan that have no
// window in this process. It returns how many were expired.
func (c *Coordinator) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := c.jobs.ListStale(ctx, models.StatusSearching, c.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("coordinator: list stale: %w", err)
	}
	n := 0
	for _, j := range jobs {
		if _, ok := c.window(j.ID); ok {
			continue
		}
		if c.expire(ctx, j) {
			n++
		}
	}
	return n, nil
}

// expire moves a searching job to expired and tells the customer. It
// reports false when the job already left searching.
func (c *Coordinator) expire(ctx context.Context, job *models.Job) bool {
	ctx = context.WithoutCancel(ctx)
	now := c.now().UTC()
	updated, err := c.jobs.UpdateStatus(ctx, job.ID, models.StatusExpired, models.StatusPatch{At: now})
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			c.log.Error("expire failed", "job_id", job.ID, "err", err)
		}
		return false
	}
	w := c.closeWindow(job.ID)
	observability.JobsFinished.WithLabelValues(string(models.StatusExpired)).Inc()
	extra := dispatch.StatusUpdate{Reason: models.ErrSearchExpired.Error()}
	if w != nil {
		p := w.progress(len(c.cfg.RetryRadiiKm))
		extra.Radius = p.RadiusKm
		extra.Attempts = p.Attempts
	}
	c.log.Info("job expired", "job_id", job.ID, "attempts", extra.Attempts)
	c.broadcastStatus(updated, extra)
	c.broadcastTo(dispatch.JobViewersRoom(job.ID), updated, extra)
	c.dropRooms(job.ID)
	c.notify(ctx, updated.CustomerID, models.NotifyJobExpired, "No provider found",
		"No provider accepted your request. Please try again.", nil)
	c.publish(ctx, models.EventJobExpired, updated)
	return true
}

// Shutdown stops every window and waits for their loops to exit.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.windows))
	for id := range c.windows {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.closeWindow(id)
	}
	c.wg.Wait()
}

// OpenWindows returns the number of jobs currently searching in this process.
func (c *Coordinator) OpenWindows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// dropRooms tears down both rooms of a job that reached a terminal state.
func (c *Coordinator) dropRooms(jobID string) {
	c.broker.DropRoom(dispatch.JobViewersRoom(jobID))
	c.broker.DropRoom(dispatch.JobRoom(jobID))
}

func (c *Coordinator) broadcastStatus(j *models.Job, extra dispatch.StatusUpdate) {
	c.broadcastTo(dispatch.JobRoom(j.ID), j, extra)
}

func (c *Coordinator) broadcastTo(room string, j *models.Job, extra dispatch.StatusUpdate) {
	extra.JobID = j.ID
	extra.Status = j.Status
	extra.ProviderID = j.ProviderID
	extra.At = j.UpdatedAt
	c.broadcast(room, dispatch.Message{Type: dispatch.MsgStatusUpdate, Data: extra})
}

func (c *Coordinator) broadcast(room string, msg dispatch.Message) {
	if _, err := c.broker.Broadcast(room, msg); err != nil {
		c.log.Warn("broadcast failed", "room", room, "type", msg.Type, "err", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, userID string, t models.NotificationType, title, message string, data any) {
	if c.notes == nil {
		return
	}
	n, err := models.NewNotification(uuid.NewString(), userID, t, title, message, data, c.now())
	if err == nil {
		err = c.notes.CreateNotification(ctx, n)
	}
	if err != nil {
		c.log.Warn("notification failed", "user_id", userID, "type", t, "err", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, t models.EventType, j *models.Job) {
	if err := c.events.PublishEvent(ctx, models.NewEvent(t, j, c.now())); err != nil {
		c.log.Warn("publish event failed", "job_id", j.ID, "type", t, "err", err)
	}
}
