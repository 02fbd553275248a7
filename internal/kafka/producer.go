package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tradewatch/alert-service/internal/models"
)

// Producer publishes alert events to Kafka
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a Kafka producer for the alert topic
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// PublishAlertTriggered publishes an alert triggered event keyed by symbol,
// so all events for one symbol land on the same partition in order.
func (p *Producer) PublishAlertTriggered(ctx context.Context, alert *models.Alert, ruleName string) error {
	event := models.AlertEvent{
		EventType: models.EventTypeAlertTriggered,
		Symbol:    alert.Symbol,
		Alert:     alert,
		RuleName:  ruleName,
		Timestamp: time.Now(),
	}
	return p.publish(ctx, alert.Symbol, event)
}

func (p *Producer) publish(ctx context.Context, key string, event models.AlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
