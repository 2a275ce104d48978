package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether the coordinate was never set. (0,0) is in the Gulf
// of Guinea, so treating it as "missing" matches what clients send.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lng == 0 }

type Location struct {
	Coord
	Address string `json:"address"`
}

type UserKind string

const (
	KindCustomer UserKind = "customer"
	KindProvider UserKind = "provider"
)

func (k UserKind) Valid() bool { return k == KindCustomer || k == KindProvider }

// BookingKind selects which eligibility predicate set the locator applies.
type BookingKind string

const (
	BookingStandard     BookingKind = "standard"
	BookingFuelDelivery BookingKind = "fuel_delivery"
	BookingSpareParts   BookingKind = "spare_parts"
	BookingCarRental    BookingKind = "car_rental"
)

type ScheduleType string

const (
	ScheduleNow   ScheduleType = "now"
	ScheduleLater ScheduleType = "schedule_later"
)

type Schedule struct {
	Type     ScheduleType `json:"type"`
	Date     string       `json:"date,omitempty"`      // YYYY-MM-DD
	TimeSlot string       `json:"time_slot,omitempty"` // HH:MM, start of slot
}

// Booking is a customer's request as received from the HTTP surface.
type Booking struct {
	CustomerID      string      `json:"customer_id"`
	CustomerName    string      `json:"customer_name"`
	ServiceCategory string      `json:"service_category"`
	ServiceName     string      `json:"service_name"`
	Description     string      `json:"description,omitempty"`
	Kind            BookingKind `json:"kind"`
	Price           float64     `json:"price"`
	PaymentMethod   string      `json:"payment_method,omitempty"`
	Pickup          Location    `json:"pickup"`
	Dropoff         *Location   `json:"dropoff,omitempty"`
	LocationSkipped bool        `json:"location_skipped,omitempty"`
	VehicleType     string      `json:"vehicle_type,omitempty"`
	FuelType        string      `json:"fuel_type,omitempty"`
	PartDescription string      `json:"part_description,omitempty"`
	LicenseFront    string      `json:"license_front,omitempty"`
	LicenseBack     string      `json:"license_back,omitempty"`
	Schedule        *Schedule   `json:"schedule,omitempty"`
	Urgency         string      `json:"urgency,omitempty"`
}

// IsScheduledRental reports whether the booking is a rental for a later date.
func (b Booking) IsScheduledRental() bool {
	return b.Kind == BookingCarRental && b.Schedule != nil && b.Schedule.Type == ScheduleLater
}

type Job struct {
	ID              string          `json:"id"`
	JobNumber       string          `json:"job_number"`
	CustomerID      string          `json:"customer_id"`
	ProviderID      string          `json:"provider_id,omitempty"`
	Status          Status          `json:"status"`
	ServiceCategory string          `json:"service_category"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Kind            BookingKind     `json:"kind"`
	Price           float64         `json:"price"`
	PaymentMethod   string          `json:"payment_method"`
	Pickup          Location        `json:"pickup"`
	Dropoff         *Location       `json:"dropoff,omitempty"`
	RequestedAt     time.Time       `json:"requested_at"`
	AcceptedAt      *time.Time      `json:"accepted_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	ExpiredAt       *time.Time      `json:"expired_at,omitempty"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	CancelledBy     UserKind        `json:"cancelled_by,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CancelFee       float64         `json:"cancel_fee,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StatusPatch carries the optional fields written alongside a status change.
type StatusPatch struct {
	At           time.Time
	CancelledBy  UserKind
	CancelReason string
	CancelFee    float64
}

// ProviderSnapshot is the live read-model used for matching.
type ProviderSnapshot struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Loc                   Coord     `json:"loc"`
	Online                bool      `json:"online"`
	Available             bool      `json:"available"`
	CurrentJobID          string    `json:"current_job_id,omitempty"`
	LastSeen              time.Time `json:"last_seen"`
	Services              []string  `json:"services"`
	Rating                float64   `json:"rating"` // 0..5
	SupportedVehicleTypes []string  `json:"supported_vehicle_types,omitempty"`
	FuelTypes             []string  `json:"fuel_types,omitempty"`
	HasRentalVehicles     bool      `json:"has_rental_vehicles,omitempty"`
	RentalVehicles        []string  `json:"rental_vehicles,omitempty"`
	SupportsParts         bool      `json:"supports_parts,omitempty"`
}

// Offers reports whether the provider lists the given service category.
func (p ProviderSnapshot) Offers(category string) bool {
	return contains(p.Services, category)
}

type NotificationType string

const (
	NotifyNewJobRequest NotificationType = "NEW_JOB_REQUEST"
	NotifyJobAccepted   NotificationType = "JOB_ACCEPTED"
	NotifyJobCancelled  NotificationType = "JOB_CANCELLED"
	NotifyJobCompleted  NotificationType = "JOB_COMPLETED"
	NotifyJobExpired    NotificationType = "JOB_EXPIRED"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      json.RawMessage  `json:"data,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// NotificationTTL is how long a durable notification stays visible.
const NotificationTTL = 24 * time.Hour

// NewNotification builds an unread notification created at now. Data is
// marshalled to JSON; a nil value leaves it empty.
func NewNotification(id, userID string, t NotificationType, title, message string, data any, now time.Time) (Notification, error) {
	n := Notification{
		ID:        id,
		UserID:    userID,
		Type:      t,
		Title:     title,
		Message:   message,
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(NotificationTTL),
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Notification{}, err
		}
		n.Data = b
	}
	return n, nil
}

type EventType string

const (
	EventJobCreated     EventType = "job.created"
	EventJobSearching   EventType = "job.searching"
	EventJobAccepted    EventType = "job.accepted"
	EventJobNoProviders EventType = "job.no_providers"
	EventJobExpired     EventType = "job.expired"
	EventJobCancelled   EventType = "job.cancelled"
	EventJobProgressed  EventType = "job.progressed"
)

// DispatchEvent is the lifecycle record published for downstream consumers.
type DispatchEvent struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id"`
	JobNumber  string    `json:"job_number"`
	CustomerID string    `json:"customer_id"`
	ProviderID string    `json:"provider_id,omitempty"`
	Status     Status    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent builds an event snapshot of the job at time at.
func NewEvent(t EventType, j *Job, at time.Time) DispatchEvent {
	return DispatchEvent{
		Type:       t,
		JobID:      j.ID,
		JobNumber:  j.JobNumber,
		CustomerID: j.CustomerID,
		ProviderID: j.ProviderID,
		Status:     j.Status,
		OccurredAt: at.UTC(),
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
