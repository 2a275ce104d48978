package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

type MessageType string

// Inbound message types.
const (
	MsgSubscribe      MessageType = "subscribe"
	MsgUnsubscribe    MessageType = "unsubscribe"
	MsgAcceptJob      MessageType = "accept_job"
	MsgDeclineJob     MessageType = "decline_job"
	MsgLocationUpdate MessageType = "location_update"
	MsgProviderStatus MessageType = "provider_status"
	MsgRequestStatus  MessageType = "request_status"
)

// Outbound message types.
const (
	MsgConnectionEstablished MessageType = "connection_established"
	MsgNewJobRequest         MessageType = "new_job_request"
	MsgJobAccepted           MessageType = "job_accepted"
	MsgJobTaken              MessageType = "job_taken"
	MsgJobDeclined           MessageType = "job_declined"
	MsgStatusUpdate          MessageType = "status_update"
	MsgProviderLocation      MessageType = "provider_location"
	MsgProviderStatusChange  MessageType = "provider_status_change"
	MsgSubscribed            MessageType = "subscribed"
	MsgUnsubscribed          MessageType = "unsubscribed"
	MsgError                 MessageType = "error"
)

var ErrUnknownMessage = errors.New("dispatch: unknown message type")

// Envelope is the wire frame. Older clients send "payload" instead of "data".
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type    MessageType     `json:"type"`
		Data    json.RawMessage `json:"data"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Data = raw.Data
	if len(e.Data) == 0 {
		e.Data = raw.Payload
	}
	return nil
}

type RoomPayload struct {
	Room string `json:"room"`
}

type JobRefPayload struct {
	JobID string `json:"job_id"`
}

// UnmarshalJSON also accepts the jobId and bookingId spellings sent by the
// mobile apps. job_id wins when several are present.
func (p *JobRefPayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		JobID     string `json:"job_id"`
		CamelID   string `json:"jobId"`
		BookingID string `json:"bookingId"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.JobID != "":
		p.JobID = raw.JobID
	case raw.CamelID != "":
		p.JobID = raw.CamelID
	default:
		p.JobID = raw.BookingID
	}
	return nil
}

type LocationPayload struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	JobID string  `json:"job_id,omitempty"`
}

type ProviderStatusPayload struct {
	Online   bool          `json:"online"`
	Location *models.Coord `json:"location,omitempty"`
}

// UnmarshalJSON also accepts the isOnline spelling used by older clients.
func (p *ProviderStatusPayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		Online   *bool         `json:"online"`
		IsOnline *bool         `json:"isOnline"`
		Location *models.Coord `json:"location"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.Online != nil:
		p.Online = *raw.Online
	case raw.IsOnline != nil:
		p.Online = *raw.IsOnline
	default:
		return errors.New("dispatch: online is required")
	}
	p.Location = raw.Location
	return nil
}

// Inbound is a decoded client message. Exactly one payload field is set,
// matching Type.
type Inbound struct {
	Type           MessageType
	Room           *RoomPayload
	Job            *JobRefPayload
	Location       *LocationPayload
	ProviderStatus *ProviderStatusPayload
}

// ParseInbound validates the type tag and decodes the typed payload.
func ParseInbound(b []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Inbound{}, fmt.Errorf("dispatch: malformed message: %w", err)
	}
	in := Inbound{Type: env.Type}
	var err error
	switch env.Type {
	case MsgSubscribe, MsgUnsubscribe:
		in.Room = &RoomPayload{}
		err = decodePayload(env.Data, in.Room)
		if err == nil {
			err = ValidateRoom(in.Room.Room)
		}
	case MsgAcceptJob, MsgDeclineJob, MsgRequestStatus:
		in.Job = &JobRefPayload{}
		err = decodePayload(env.Data, in.Job)
		if err == nil && in.Job.JobID == "" {
			err = errors.New("dispatch: job_id is required")
		}
	case MsgLocationUpdate:
		in.Location = &LocationPayload{}
		err = decodePayload(env.Data, in.Location)
		if err == nil && !validCoord(in.Location.Lat, in.Location.Lng) {
			err = errors.New("dispatch: coordinates out of range")
		}
	case MsgProviderStatus:
		in.ProviderStatus = &ProviderStatusPayload{}
		err = decodePayload(env.Data, in.ProviderStatus)
		if loc := in.ProviderStatus.Location; err == nil && loc != nil && !validCoord(loc.Lat, loc.Lng) {
			err = errors.New("dispatch: coordinates out of range")
		}
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	return in, err
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("dispatch: missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("dispatch: bad payload: %w", err)
	}
	return nil
}

func validCoord(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 && !(lat == 0 && lng == 0)
}

// Message is an outbound frame with a typed payload.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

type ConnectionEstablished struct {
	ConnectionID string          `json:"connection_id"`
	UserID       string          `json:"user_id"`
	UserType     models.UserKind `json:"user_type"`
	At           time.Time       `json:"at"`
}

// JobOffer is the same for every recipient; no per-provider distance.
type JobOffer struct {
	JobID        string             `json:"job_id"`
	JobNumber    string             `json:"job_number"`
	Category     string             `json:"service_category"`
	Title        string             `json:"title"`
	Kind         models.BookingKind `json:"kind"`
	Price        float64            `json:"price"`
	Pickup       models.Location    `json:"pickup"`
	Dropoff      *models.Location   `json:"dropoff,omitempty"`
	CustomerName string             `json:"customer_name,omitempty"`
	Urgent       bool               `json:"urgent"`
	RequestedAt  time.Time          `json:"requested_at"`
}

type JobAccepted struct {
	JobID        string    `json:"job_id"`
	JobNumber    string    `json:"job_number"`
	ProviderID   string    `json:"provider_id"`
	ProviderName string    `json:"provider_name,omitempty"`
	ETAMinutes   int       `json:"eta_minutes"`
	ETALabel     string    `json:"eta_label"`
	AcceptedAt   time.Time `json:"accepted_at"`
}

type JobTaken struct {
	JobID string `json:"job_id"`
}

type JobDeclined struct {
	JobID      string `json:"job_id"`
	ProviderID string `json:"provider_id"`
}

type StatusUpdate struct {
	JobID      string        `json:"job_id"`
	Status     models.Status `json:"status"`
	ProviderID string        `json:"provider_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	CancelFee  float64       `json:"cancel_fee,omitempty"`
	Radius     float64       `json:"radius_km,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	At         time.Time     `json:"at"`
}

type ProviderLocation struct {
	ProviderID string    `json:"provider_id"`
	JobID      string    `json:"job_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	At         time.Time `json:"at"`
}

type ProviderStatusChange struct {
	ProviderID string `json:"provider_id"`
	Online     bool   `json:"online"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ErrorMessage(code, msg string) Message {
	return Message{Type: MsgError, Data: ErrorPayload{Code: code, Message: msg}}
}
