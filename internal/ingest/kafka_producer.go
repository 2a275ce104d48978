package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/models"
)

// LocationUpdate is a provider heartbeat with position.
type LocationUpdate struct {
	ProviderID string    `json:"provider_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	JobID      string    `json:"job_id,omitempty"`
	At         time.Time `json:"at"`
}

func (u LocationUpdate) Coord() models.Coord { return models.Coord{Lat: u.Lat, Lng: u.Lng} }

func (u LocationUpdate) Validate() error {
	if u.ProviderID == "" {
		return errors.New("ingest: provider_id is required")
	}
	if u.Lat < -90 || u.Lat > 90 || u.Lng < -180 || u.Lng > 180 {
		return fmt.Errorf("ingest: coordinates out of range (%f,%f)", u.Lat, u.Lng)
	}
	return nil
}

// DecodeLocation parses and validates a location message.
func DecodeLocation(b []byte) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, fmt.Errorf("ingest: decode location: %w", err)
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	return u, u.Validate()
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, u LocationUpdate) error
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, e models.DispatchEvent) error
}

// Nop discards everything. Used when Kafka is not configured.
type Nop struct{}

func (Nop) PublishLocation(context.Context, LocationUpdate) error      { return nil }
func (Nop) PublishEvent(context.Context, models.DispatchEvent) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes JSON messages to a single topic.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func newProducerWithWriter(w messageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation keys by provider so one provider's updates stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	return k.publish(ctx, u.ProviderID, u)
}

// PublishEvent keys by job so a job's lifecycle stays ordered.
func (k *KafkaProducer) PublishEvent(ctx context.Context, e models.DispatchEvent) error {
	return k.publish(ctx, e.JobID, e)
}

func (k *KafkaProducer) publish(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ingest: encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("ingest: write: %w", err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
