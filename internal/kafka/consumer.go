package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/tradewatch/alert-service/internal/models"
)

// TickHandler receives each market tick that passes the symbol filter
type TickHandler func(ctx context.Context, symbol string, snapshot models.MarketSnapshot)

// Consumer reads market tick events from Kafka and fans them out to the
// registered handlers. It keeps a symbol filter: ticks for symbols nobody
// asked for are dropped without being decoded further. The filter doubles as
// the upstream feed registration the subscription hub calls into.
type Consumer struct {
	reader   *kafka.Reader
	handlers []TickHandler
	log      *logrus.Entry

	mu      sync.RWMutex
	symbols map[string]struct{}
}

// NewConsumer creates a Kafka consumer for the market tick topic
func NewConsumer(brokers []string, topic, groupID string, logger *logrus.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:  reader,
		log:     logger.WithField("component", "tick_consumer"),
		symbols: make(map[string]struct{}),
	}
}

// OnTick registers a handler invoked for every tick that passes the filter.
// Handlers must be registered before Start.
func (c *Consumer) OnTick(handler TickHandler) {
	c.handlers = append(c.handlers, handler)
}

// Subscribe adds symbols to the filter so their ticks are processed
func (c *Consumer) Subscribe(symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, symbol := range symbols {
		c.symbols[strings.ToUpper(symbol)] = struct{}{}
	}
	return nil
}

// Unsubscribe removes symbols from the filter
func (c *Consumer) Unsubscribe(symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, symbol := range symbols {
		delete(c.symbols, strings.ToUpper(symbol))
	}
	return nil
}

// Symbols returns the currently filtered symbols
func (c *Consumer) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for symbol := range c.symbols {
		out = append(out, symbol)
	}
	return out
}

func (c *Consumer) watching(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.symbols[symbol]
	return ok
}

// Start begins consuming tick events. It blocks until the context is
// cancelled; a bad message is logged and skipped, never fatal.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.WithField("topic", c.reader.Config().Topic).Info("starting tick consumer")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("tick consumer shutting down")
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.WithError(err).Error("failed to read message")
				continue
			}

			if err := c.processMessage(ctx, msg); err != nil {
				c.log.WithError(err).Error("failed to process message")
			}
		}
	}
}

// processMessage handles a single tick message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var event models.TickEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal tick event: %w", err)
	}

	if event.EventType != models.EventTypeMarketTick {
		return nil
	}

	symbol := strings.ToUpper(event.Symbol)
	if symbol == "" {
		symbol = strings.ToUpper(event.Data.Symbol)
	}
	if symbol == "" {
		return fmt.Errorf("tick event has no symbol")
	}

	if !c.watching(symbol) {
		return nil
	}

	snapshot := event.Data
	snapshot.Symbol = symbol
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = event.Timestamp
	}

	for _, handler := range c.handlers {
		handler(ctx, symbol, snapshot)
	}

	return nil
}

// Close closes the underlying Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
