package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewatch/alert-service/internal/hub"
	"github.com/tradewatch/alert-service/internal/models"
)

type mockStore struct {
	mu        sync.Mutex
	rules     []*models.Rule
	rulesErr  error
	loadCalls int

	batches   [][]*models.Alert
	failIndex int // index within a batch that fails to persist, -1 for none
	nextID    int
}

func newMockStore(rules ...*models.Rule) *mockStore {
	return &mockStore{rules: rules, failIndex: -1}
}

func (m *mockStore) GetEnabledRules() ([]*models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	if m.rulesErr != nil {
		return nil, m.rulesErr
	}
	return m.rules, nil
}

func (m *mockStore) CreateAlerts(alerts []*models.Alert) ([]*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batches = append(m.batches, alerts)

	var saved []*models.Alert
	var failed bool
	for i, a := range alerts {
		if i == m.failIndex {
			failed = true
			continue
		}
		m.nextID++
		a.ID = m.nextID
		saved = append(saved, a)
	}

	if failed {
		return saved, errors.New("alert row rejected")
	}
	return saved, nil
}

func (m *mockStore) loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCalls
}

func (m *mockStore) allBatches() [][]*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*models.Alert, len(m.batches))
	copy(out, m.batches)
	return out
}

type mockBroadcaster struct {
	mu       sync.Mutex
	channels []string
	messages []interface{}
}

func (m *mockBroadcaster) BroadcastToChannel(channel string, message interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel)
	m.messages = append(m.messages, message)
}

func (m *mockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type mockPublisher struct {
	mu        sync.Mutex
	alerts    []*models.Alert
	ruleNames []string
	err       error
}

func (m *mockPublisher) PublishAlertTriggered(ctx context.Context, alert *models.Alert, ruleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, alert)
	m.ruleNames = append(m.ruleNames, ruleName)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

const breakoutConfig = `
name: day_high_breakout
conditions:
  - field: price
    operator: ">"
    value: day_high
filters:
  min_price: 5
targets:
  stop_loss_percent: -3
  target_percent: 6
confidence:
  base_score: 0.6
  modifiers:
    - condition: "volume_ratio > 1.5"
      adjustment: 0.1
`

func breakoutRule() *models.Rule {
	return &models.Rule{
		ID:         1,
		Name:       "day_high_breakout",
		RuleType:   "breakout",
		ConfigYAML: breakoutConfig,
		Enabled:    true,
		Priority:   10,
	}
}

func breakoutSnapshot() models.MarketSnapshot {
	dayHigh := 148.0
	volumeRatio := 2.0
	return models.MarketSnapshot{
		Symbol:      "AAPL",
		Price:       150.0,
		Timestamp:   time.Now(),
		DayHigh:     &dayHigh,
		VolumeRatio: &volumeRatio,
	}
}

func TestGeneratorLifecycle(t *testing.T) {
	t.Run("start loads the rule cache", func(t *testing.T) {
		store := newMockStore(breakoutRule())
		g := New(store, nil, nil, 0, testLogger())

		require.NoError(t, g.Start())

		assert.True(t, g.Running())
		assert.Equal(t, 1, g.RuleCount())
		assert.Equal(t, 1, store.loads())
	})

	t.Run("start is idempotent", func(t *testing.T) {
		store := newMockStore(breakoutRule())
		g := New(store, nil, nil, 0, testLogger())

		require.NoError(t, g.Start())
		require.NoError(t, g.Start())

		assert.Equal(t, 1, store.loads())
	})

	t.Run("start fails when rules cannot load", func(t *testing.T) {
		store := newMockStore()
		store.rulesErr = errors.New("db down")
		g := New(store, nil, nil, 0, testLogger())

		assert.Error(t, g.Start())
		assert.False(t, g.Running())
	})

	t.Run("stop drops the cache and ignores ticks", func(t *testing.T) {
		store := newMockStore(breakoutRule())
		g := New(store, nil, nil, 0, testLogger())

		require.NoError(t, g.Start())
		g.Stop()

		assert.False(t, g.Running())
		assert.Equal(t, 0, g.RuleCount())

		g.OnTick(context.Background(), "AAPL", breakoutSnapshot())
		assert.Empty(t, store.allBatches())
	})
}

func TestGeneratorRuleCache(t *testing.T) {
	t.Run("fresh cache is served without hitting the store", func(t *testing.T) {
		store := newMockStore(breakoutRule())
		g := New(store, nil, nil, time.Minute, testLogger())

		require.NoError(t, g.Start())
		require.NoError(t, g.RefreshRulesCache(false))
		require.NoError(t, g.RefreshRulesCache(false))

		assert.Equal(t, 1, store.loads())
	})

	t.Run("invalidate forces a reload", func(t *testing.T) {
		store := newMockStore(breakoutRule())
		g := New(store, nil, nil, time.Minute, testLogger())

		require.NoError(t, g.Start())
		g.InvalidateCache()
		require.NoError(t, g.RefreshRulesCache(false))

		assert.Equal(t, 2, store.loads())
	})

	t.Run("stale rules still serve when the reload fails", func(t *testing.T) {
		store := newMockStore(breakoutRule())
		g := New(store, nil, nil, time.Minute, testLogger())

		require.NoError(t, g.Start())
		g.InvalidateCache()
		store.rulesErr = errors.New("db down")

		// The refresh fails but the previously loaded rules keep evaluating.
		g.OnTick(context.Background(), "AAPL", breakoutSnapshot())

		batches := store.allBatches()
		require.Len(t, batches, 1)
		assert.Equal(t, "AAPL", batches[0][0].Symbol)
	})

	t.Run("invalid rule config is skipped, valid rules still load", func(t *testing.T) {
		bad := &models.Rule{
			ID:         2,
			Name:       "broken",
			RuleType:   "breakout",
			ConfigYAML: "conditions: [",
			Enabled:    true,
		}
		store := newMockStore(breakoutRule(), bad)
		g := New(store, nil, nil, 0, testLogger())

		require.NoError(t, g.Start())

		assert.Equal(t, 1, g.RuleCount())
	})
}

func TestGeneratorOnTick(t *testing.T) {
	t.Run("triggered rule persists, broadcasts, and publishes", func(t *testing.T) {
		store := newMockStore(breakoutRule())
		broadcaster := &mockBroadcaster{}
		publisher := &mockPublisher{}
		g := New(store, broadcaster, publisher, 0, testLogger())
		require.NoError(t, g.Start())

		g.OnTick(context.Background(), "aapl", breakoutSnapshot())

		batches := store.allBatches()
		require.Len(t, batches, 1)
		require.Len(t, batches[0], 1)

		a := batches[0][0]
		assert.Equal(t, "AAPL", a.Symbol)
		assert.Equal(t, models.SetupTypeBreakout, a.SetupType)
		require.NotNil(t, a.RuleID)
		assert.Equal(t, 1, *a.RuleID)
		assert.Equal(t, "150", a.EntryPrice.String())
		require.NotNil(t, a.StopLoss)
		assert.Equal(t, "145.5", a.StopLoss.String())
		require.NotNil(t, a.TargetPrice)
		assert.Equal(t, "159", a.TargetPrice.String())
		require.NotNil(t, a.ConfidenceScore)
		assert.InDelta(t, 0.7, *a.ConfidenceScore, 0.0001)
		assert.NotEmpty(t, a.MarketData)

		require.Equal(t, 1, broadcaster.count())
		assert.Equal(t, hub.ChannelAlerts, broadcaster.channels[0])
		env, ok := broadcaster.messages[0].(hub.Envelope)
		require.True(t, ok)
		assert.Equal(t, hub.MessageTypeAlert, env.Type)
		payload, ok := env.Data.(alertMessage)
		require.True(t, ok)
		assert.Equal(t, "day_high_breakout", payload.RuleName)
		assert.Equal(t, "AAPL", payload.Symbol)

		require.Len(t, publisher.ruleNames, 1)
		assert.Equal(t, "day_high_breakout", publisher.ruleNames[0])
	})

	t.Run("no trigger means no persistence", func(t *testing.T) {
		store := newMockStore(breakoutRule())
		g := New(store, nil, nil, 0, testLogger())
		require.NoError(t, g.Start())

		snapshot := breakoutSnapshot()
		snapshot.Price = 140.0 // below day_high

		g.OnTick(context.Background(), "AAPL", snapshot)

		assert.Empty(t, store.allBatches())
	})

	t.Run("failed rows are not broadcast", func(t *testing.T) {
		momentum := &models.Rule{
			ID:       3,
			Name:     "fast_momentum",
			RuleType: "momentum",
			ConfigYAML: `
name: fast_momentum
conditions:
  - field: price_change_percent
    operator: ">"
    value: 1.0
`,
			Enabled:  true,
			Priority: 5,
		}
		store := newMockStore(breakoutRule(), momentum)
		store.failIndex = 0
		broadcaster := &mockBroadcaster{}
		g := New(store, broadcaster, nil, 0, testLogger())
		require.NoError(t, g.Start())

		prevClose := 140.0
		snapshot := breakoutSnapshot()
		snapshot.PrevClose = &prevClose

		g.OnTick(context.Background(), "AAPL", snapshot)

		batches := store.allBatches()
		require.Len(t, batches, 1)
		require.Len(t, batches[0], 2)

		// Only the persisted alert reaches subscribers.
		assert.Equal(t, 1, broadcaster.count())
	})

	t.Run("derived fields drive momentum rules", func(t *testing.T) {
		momentum := &models.Rule{
			ID:       4,
			Name:     "pct_move_momentum",
			RuleType: "momentum",
			ConfigYAML: `
name: pct_move
conditions:
  - field: price_change_percent
    operator: ">="
    value: 5.0
`,
			Enabled: true,
		}
		store := newMockStore(momentum)
		g := New(store, nil, nil, 0, testLogger())
		require.NoError(t, g.Start())

		prevClose := 100.0
		snapshot := models.MarketSnapshot{
			Symbol:    "TSLA",
			Price:     106.0,
			Timestamp: time.Now(),
			PrevClose: &prevClose,
		}

		g.OnTick(context.Background(), "TSLA", snapshot)

		batches := store.allBatches()
		require.Len(t, batches, 1)
		assert.Equal(t, models.SetupTypeMomentum, batches[0][0].SetupType)

		// The persisted market data carries the derived fields the rule saw.
		var recorded map[string]interface{}
		require.NoError(t, json.Unmarshal(batches[0][0].MarketData, &recorded))
		assert.InDelta(t, 6.0, recorded["price_change_percent"], 0.0001)
	})

	t.Run("missing prev_close means no derived fields", func(t *testing.T) {
		momentum := &models.Rule{
			ID:       5,
			Name:     "pct_move",
			RuleType: "momentum",
			ConfigYAML: `
name: pct_move
conditions:
  - field: price_change_percent
    operator: ">="
    value: 0.0
`,
			Enabled: true,
		}
		store := newMockStore(momentum)
		g := New(store, nil, nil, 0, testLogger())
		require.NoError(t, g.Start())

		g.OnTick(context.Background(), "TSLA", models.MarketSnapshot{Symbol: "TSLA", Price: 106.0})

		assert.Empty(t, store.allBatches())
	})
}

func TestEnrich(t *testing.T) {
	prevClose := 100.0
	dayOpen := 104.0
	s := models.MarketSnapshot{
		Symbol:    "AAPL",
		Price:     110.0,
		PrevClose: &prevClose,
		DayOpen:   &dayOpen,
	}

	fields := enrich(&s)

	assert.InDelta(t, 10.0, fields["price_change_percent"], 0.0001)
	assert.InDelta(t, 4.0, fields["gap_percent"], 0.0001)

	t.Run("zero prev_close yields no derived fields", func(t *testing.T) {
		zero := 0.0
		s := models.MarketSnapshot{Symbol: "AAPL", Price: 110.0, PrevClose: &zero}

		fields := enrich(&s)

		_, ok := fields["price_change_percent"]
		assert.False(t, ok)
	})
}

func TestClassifySetup(t *testing.T) {
	tests := []struct {
		ruleName string
		want     string
	}{
		{"day_high_breakout", models.SetupTypeBreakout},
		{"unusual_volume", models.SetupTypeVolumeSpike},
		{"volume_spike_3x", models.SetupTypeVolumeSpike},
		{"gap_up_open", models.SetupTypeGapUp},
		{"gap_down_reversal", models.SetupTypeGapDown},
		{"fast_momentum", models.SetupTypeMomentum},
		// "breakout" wins over any other substring in the name.
		{"volume_breakout", models.SetupTypeBreakout},
		{"gap_up_breakout", models.SetupTypeBreakout},
		// A bare "gap" maps to nothing specific.
		{"gap_fill_watch", models.SetupTypeBreakout},
		{"", models.SetupTypeBreakout},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classifySetup(tt.ruleName), tt.ruleName)
	}
}
