package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewatch/alert-service/internal/models"
)

func newTestConsumer() *Consumer {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Consumer{
		log:     logger.WithField("component", "tick_consumer"),
		symbols: make(map[string]struct{}),
	}
}

func tickMessage(t *testing.T, event models.TickEvent) kafka.Message {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(event.Symbol), Value: data}
}

func TestConsumerSymbolFilter(t *testing.T) {
	c := newTestConsumer()

	require.NoError(t, c.Subscribe([]string{"aapl", "TSLA"}))
	assert.ElementsMatch(t, []string{"AAPL", "TSLA"}, c.Symbols())

	require.NoError(t, c.Unsubscribe([]string{"AAPL"}))
	assert.ElementsMatch(t, []string{"TSLA"}, c.Symbols())

	// Unsubscribing an unknown symbol is a no-op.
	require.NoError(t, c.Unsubscribe([]string{"NVDA"}))
	assert.ElementsMatch(t, []string{"TSLA"}, c.Symbols())
}

func TestConsumerProcessMessage(t *testing.T) {
	t.Run("dispatches filtered ticks to handlers", func(t *testing.T) {
		c := newTestConsumer()
		require.NoError(t, c.Subscribe([]string{"AAPL"}))

		var gotSymbol string
		var gotSnapshot models.MarketSnapshot
		c.OnTick(func(ctx context.Context, symbol string, snapshot models.MarketSnapshot) {
			gotSymbol = symbol
			gotSnapshot = snapshot
		})

		msg := tickMessage(t, models.TickEvent{
			EventType: models.EventTypeMarketTick,
			Symbol:    "AAPL",
			Data:      models.MarketSnapshot{Symbol: "AAPL", Price: 150.0, Timestamp: time.Now()},
			Timestamp: time.Now(),
		})

		require.NoError(t, c.processMessage(context.Background(), msg))
		assert.Equal(t, "AAPL", gotSymbol)
		assert.Equal(t, 150.0, gotSnapshot.Price)
	})

	t.Run("skips symbols outside the filter", func(t *testing.T) {
		c := newTestConsumer()
		require.NoError(t, c.Subscribe([]string{"AAPL"}))

		called := false
		c.OnTick(func(ctx context.Context, symbol string, snapshot models.MarketSnapshot) {
			called = true
		})

		msg := tickMessage(t, models.TickEvent{
			EventType: models.EventTypeMarketTick,
			Symbol:    "TSLA",
			Data:      models.MarketSnapshot{Symbol: "TSLA", Price: 200.0},
		})

		require.NoError(t, c.processMessage(context.Background(), msg))
		assert.False(t, called)
	})

	t.Run("symbol matching is case-insensitive", func(t *testing.T) {
		c := newTestConsumer()
		require.NoError(t, c.Subscribe([]string{"aapl"}))

		var gotSymbol string
		c.OnTick(func(ctx context.Context, symbol string, snapshot models.MarketSnapshot) {
			gotSymbol = symbol
		})

		msg := tickMessage(t, models.TickEvent{
			EventType: models.EventTypeMarketTick,
			Symbol:    "aapl",
			Data:      models.MarketSnapshot{Price: 150.0},
		})

		require.NoError(t, c.processMessage(context.Background(), msg))
		assert.Equal(t, "AAPL", gotSymbol)
	})

	t.Run("ignores other event types", func(t *testing.T) {
		c := newTestConsumer()
		require.NoError(t, c.Subscribe([]string{"AAPL"}))

		called := false
		c.OnTick(func(ctx context.Context, symbol string, snapshot models.MarketSnapshot) {
			called = true
		})

		msg := tickMessage(t, models.TickEvent{
			EventType: "SOMETHING_ELSE",
			Symbol:    "AAPL",
		})

		require.NoError(t, c.processMessage(context.Background(), msg))
		assert.False(t, called)
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		c := newTestConsumer()
		err := c.processMessage(context.Background(), kafka.Message{Value: []byte("{not json")})
		assert.Error(t, err)
	})

	t.Run("falls back to the snapshot symbol", func(t *testing.T) {
		c := newTestConsumer()
		require.NoError(t, c.Subscribe([]string{"AAPL"}))

		var gotSymbol string
		c.OnTick(func(ctx context.Context, symbol string, snapshot models.MarketSnapshot) {
			gotSymbol = symbol
		})

		msg := tickMessage(t, models.TickEvent{
			EventType: models.EventTypeMarketTick,
			Data:      models.MarketSnapshot{Symbol: "aapl", Price: 150.0},
		})

		require.NoError(t, c.processMessage(context.Background(), msg))
		assert.Equal(t, "AAPL", gotSymbol)
	})

	t.Run("rejects events with no symbol anywhere", func(t *testing.T) {
		c := newTestConsumer()
		msg := tickMessage(t, models.TickEvent{EventType: models.EventTypeMarketTick})
		assert.Error(t, c.processMessage(context.Background(), msg))
	})

	t.Run("fills a missing snapshot timestamp from the event", func(t *testing.T) {
		c := newTestConsumer()
		require.NoError(t, c.Subscribe([]string{"AAPL"}))

		eventTime := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
		var gotSnapshot models.MarketSnapshot
		c.OnTick(func(ctx context.Context, symbol string, snapshot models.MarketSnapshot) {
			gotSnapshot = snapshot
		})

		msg := tickMessage(t, models.TickEvent{
			EventType: models.EventTypeMarketTick,
			Symbol:    "AAPL",
			Data:      models.MarketSnapshot{Price: 150.0},
			Timestamp: eventTime,
		})

		require.NoError(t, c.processMessage(context.Background(), msg))
		assert.True(t, gotSnapshot.Timestamp.Equal(eventTime))
	})
}
