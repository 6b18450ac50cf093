package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/models"
)

// Producer writes committed domain events and location pings to
// kafka. Emission happens after the state change is persisted; a
// failed write is the caller's to log, never to roll back on.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Producer{writer: w}
}

// Emit publishes one domain event keyed by the affected entity id.
func (p *Producer) Emit(key string, ev models.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

// PublishLocation feeds the driver-location pipeline consumed by
// cmd/locations.
func (p *Producer) PublishLocation(ping models.LocationPing) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ping)
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ping.DriverID), Value: b})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
