package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/roadside-dispatch/internal/auth"
	"github.com/example/roadside-dispatch/internal/coordinator"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/matcher"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Coordinator is the dispatch engine behind the API.
type Coordinator interface {
	Submit(ctx context.Context, b models.Booking) (coordinator.SubmitResult, error)
	Accept(ctx context.Context, jobID, providerID string) (*models.Job, error)
	Decline(ctx context.Context, jobID, providerID string) error
	Cancel(ctx context.Context, jobID, customerID, reason string) (*models.Job, error)
	Advance(ctx context.Context, jobID, providerID string, to models.Status) (*models.Job, error)
	Status(ctx context.Context, jobID string) (coordinator.StatusView, error)
	CanJoin(ctx context.Context, userID string, kind models.UserKind, room string) error
	OpenWindows() int
}

// Locator answers "who is around" for customers browsing the map.
type Locator interface {
	Nearby(ctx context.Context, at models.Coord, radiusKm float64) ([]matcher.Candidate, error)
}

type WSOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// InboundRate is the sustained messages per second a socket may send.
	InboundRate float64
}

type Deps struct {
	Coordinator   Coordinator
	Providers     geo.Store
	Locator       Locator
	Notifications storage.NotificationStore
	Registry      *dispatch.Registry
	Rooms         *dispatch.RoomBroker
	Verifier      *auth.Verifier
	Locations     ingest.LocationPublisher
	Logger        *slog.Logger
	WS            WSOptions
}

type Server struct {
	coord     Coordinator
	providers geo.Store
	locator   Locator
	notes     storage.NotificationStore
	registry  *dispatch.Registry
	rooms     *dispatch.RoomBroker
	verifier  *auth.Verifier
	locations ingest.LocationPublisher
	logger    *slog.Logger
	ws        WSOptions
	upgrader  websocket.Upgrader
	now       func() time.Time
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locations == nil {
		d.Locations = ingest.Nop{}
	}
	if d.Locator == nil {
		d.Locator = matcher.NewLocator(d.Providers, d.Logger)
	}
	if d.WS.WriteTimeout <= 0 {
		d.WS.WriteTimeout = 10 * time.Second
	}
	if d.WS.PingInterval <= 0 {
		d.WS.PingInterval = 30 * time.Second
	}
	if d.WS.InboundRate <= 0 {
		d.WS.InboundRate = 20
	}
	s := &Server{
		coord:     d.Coordinator,
		providers: d.Providers,
		locator:   d.Locator,
		notes:     d.Notifications,
		registry:  d.Registry,
		rooms:     d.Rooms,
		verifier:  d.Verifier,
		locations: d.Locations,
		logger:    d.Logger.With("component", "http"),
		ws:        d.WS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
		mux: mux.NewRouter(),
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/bookings", s.requireKind(models.KindCustomer, s.handleCreateBooking)).Methods("POST")
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{id}/cancel", s.requireKind(models.KindCustomer, s.handleCancelBooking)).Methods("POST")
	api.HandleFunc("/jobs/{id}/accept", s.requireKind(models.KindProvider, s.handleAcceptJob)).Methods("POST")
	api.HandleFunc("/jobs/{id}/decline", s.requireKind(models.KindProvider, s.handleDeclineJob)).Methods("POST")
	api.HandleFunc("/jobs/{id}/status", s.requireKind(models.KindProvider, s.handleAdvanceJob)).Methods("POST")
	api.HandleFunc("/providers/nearby", s.handleNearbyProviders).Methods("GET")
	api.HandleFunc("/providers/location", s.requireKind(models.KindProvider, s.handleProviderLocation)).Methods("POST")
	api.HandleFunc("/providers/status", s.requireKind(models.KindProvider, s.handleProviderStatus)).Methods("POST")
	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var b models.Booking
	if !decodeJSON(w, r, &b) {
		return
	}
	b.CustomerID = identityFrom(r.Context()).UserID
	res, err := s.coord.Submit(r.Context(), b)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	view, err := s.coord.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if view.Job.CustomerID != id.UserID && view.Job.ProviderID != id.UserID {
		s.fail(w, r, models.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.coord.Cancel(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()).UserID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAcceptJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.Accept(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeclineJob(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Decline(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()).UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type advanceRequest struct {
	Status models.Status `json:"status"`
}

func (s *Server) handleAdvanceJob(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.coord.Advance(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()).UserID, req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var p dispatch.LocationPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := s.recordLocation(r.Context(), identityFrom(r.Context()).UserID, p); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	var p dispatch.ProviderStatusPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := s.setProviderStatus(r.Context(), identityFrom(r.Context()).UserID, p); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const (
	defaultNearbyKm = 10.0
	maxNearbyKm     = 50.0
)

type nearbyResponse struct {
	Providers []matcher.Candidate `json:"providers"`
	Count     int                 `json:"count"`
}

// handleNearbyProviders lists live providers around a point, nearest first.
func (s *Server) handleNearbyProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ve := &models.ValidationError{}
	lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("longitude"), 64)
	if errLat != nil || errLng != nil || !validCoord(lat, lng) {
		ve.Add("coordinates", "latitude and longitude are required and must be in range")
	}
	radius := defaultNearbyKm
	if raw := q.Get("maxDistance"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		switch {
		case err != nil || v <= 0:
			ve.Add("maxDistance", "must be a positive number of kilometres")
		case v > maxNearbyKm:
			radius = maxNearbyKm
		default:
			radius = v
		}
	}
	if ve.HasErrors() {
		s.fail(w, r, ve)
		return
	}
	list, err := s.locator.Nearby(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []matcher.Candidate{}
	}
	writeJSON(w, http.StatusOK, nearbyResponse{Providers: list, Count: len(list)})
}

func validCoord(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 && (lat != 0 || lng != 0)
}

// recordLocation updates the live store, feeds the ingest topic and relays
// the position to the job the provider is serving. A job_id the provider is
// not actively serving is refused before anything is written.
func (s *Server) recordLocation(ctx context.Context, providerID string, p dispatch.LocationPayload) error {
	if !validCoord(p.Lat, p.Lng) {
		ve := &models.ValidationError{}
		ve.Add("coordinates", "out of range")
		return ve
	}
	if p.JobID != "" {
		view, err := s.coord.Status(ctx, p.JobID)
		if err != nil {
			return err
		}
		if view.Job.ProviderID != providerID || !view.Job.Status.IsActiveService() {
			return fmt.Errorf("%w: not serving job %s", models.ErrForbidden, p.JobID)
		}
	}
	now := s.now().UTC()
	loc := models.Coord{Lat: p.Lat, Lng: p.Lng}
	if err := s.providers.UpdateLocation(ctx, providerID, loc, now); err != nil {
		return err
	}
	err := s.locations.PublishLocation(ctx, ingest.LocationUpdate{ProviderID: providerID, Lat: p.Lat, Lng: p.Lng, JobID: p.JobID, At: now})
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("publish location failed", "provider_id", providerID, "err", err)
	}
	if p.JobID != "" {
		s.rooms.Broadcast(dispatch.JobRoom(p.JobID), dispatch.Message{
			Type: dispatch.MsgProviderLocation,
			Data: dispatch.ProviderLocation{ProviderID: providerID, JobID: p.JobID, Lat: p.Lat, Lng: p.Lng, At: now},
		})
	}
	return nil
}

func (s *Server) setProviderStatus(ctx context.Context, providerID string, p dispatch.ProviderStatusPayload) error {
	now := s.now().UTC()
	prev, err := s.providers.Get(ctx, providerID)
	wasOnline := err == nil && prev.Online
	if err := s.providers.SetOnline(ctx, providerID, p.Online, now); err != nil {
		return err
	}
	if p.Location != nil {
		if err := s.providers.UpdateLocation(ctx, providerID, *p.Location, now); err != nil {
			return err
		}
	}
	switch {
	case p.Online && !wasOnline:
		observability.ProvidersOnline.Inc()
	case !p.Online && wasOnline:
		observability.ProvidersOnline.Dec()
	}
	s.rooms.Broadcast(dispatch.RoomNearbyCustomers, dispatch.Message{
		Type: dispatch.MsgProviderStatusChange,
		Data: dispatch.ProviderStatusChange{ProviderID: providerID, Online: p.Online},
	})
	logging.FromContext(ctx, s.logger).Info("provider status", "provider_id", providerID, "online", p.Online)
	return nil
}

type notificationsResponse struct {
	Notifications []models.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := identityFrom(r.Context()).UserID
	q := r.URL.Query()
	unread, _ := strconv.ParseBool(q.Get("unread"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := s.notes.ListForUser(r.Context(), userID, unread, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	count, err := s.notes.UnreadCount(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Notifications: list, UnreadCount: count})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notes.MarkRead(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	dispatch.Stats
	Rooms       int `json:"rooms"`
	OpenWindows int `json:"open_windows"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:       s.registry.Stats(),
		Rooms:       s.rooms.RoomCount(),
		OpenWindows: s.coord.OpenWindows(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}
