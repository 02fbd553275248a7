package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tradewatch/alert-service/internal/engine"
	"github.com/tradewatch/alert-service/internal/hub"
	"github.com/tradewatch/alert-service/internal/models"
)

// DefaultCacheTTL is how long a loaded rule set is served before the store is
// consulted again.
const DefaultCacheTTL = 60 * time.Second

// Store provides the rule and alert persistence the generator needs
type Store interface {
	GetEnabledRules() ([]*models.Rule, error)
	CreateAlerts(alerts []*models.Alert) ([]*models.Alert, error)
}

// Broadcaster pushes generated alerts to live subscribers
type Broadcaster interface {
	BroadcastToChannel(channel string, message interface{})
}

// Publisher announces alerts to downstream services
type Publisher interface {
	PublishAlertTriggered(ctx context.Context, alert *models.Alert, ruleName string) error
}

// ruleSet is one immutable generation of the rule cache. Readers load it
// atomically; refreshes build a new one and swap the pointer.
type ruleSet struct {
	engine      *engine.RuleEngine
	byName      map[string]*models.Rule
	refreshedAt time.Time
}

// Generator evaluates market ticks against the cached rule set and persists,
// broadcasts, and publishes the alerts that trigger.
type Generator struct {
	store     Store
	hub       Broadcaster
	publisher Publisher
	ttl       time.Duration
	log       *logrus.Entry

	running atomic.Bool
	rules   atomic.Pointer[ruleSet]
	mu      sync.Mutex // serializes refreshes; readers never take it
}

// New creates an alert generator. publisher may be nil when no downstream
// event bus is configured.
func New(store Store, broadcaster Broadcaster, publisher Publisher, ttl time.Duration, logger *logrus.Logger) *Generator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Generator{
		store:     store,
		hub:       broadcaster,
		publisher: publisher,
		ttl:       ttl,
		log:       logger.WithField("component", "alert_generator"),
	}
}

// Start loads the rule cache and begins processing ticks. Calling Start on a
// running generator is a no-op.
func (g *Generator) Start() error {
	if !g.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := g.RefreshRulesCache(true); err != nil {
		g.running.Store(false)
		return fmt.Errorf("failed to load rules: %w", err)
	}

	g.log.Info("alert generator started")
	return nil
}

// Stop halts tick processing and drops the cached rules
func (g *Generator) Stop() {
	if !g.running.CompareAndSwap(true, false) {
		return
	}
	g.rules.Store(nil)
	g.log.Info("alert generator stopped")
}

// Running reports whether the generator is processing ticks
func (g *Generator) Running() bool {
	return g.running.Load()
}

// InvalidateCache forces the next tick to reload rules from the store. The
// current rule set stays in place until the reload succeeds, so a store
// failure right after a rule edit serves stale rules instead of none.
func (g *Generator) InvalidateCache() {
	if rs := g.rules.Load(); rs != nil {
		g.rules.Store(&ruleSet{
			engine:      rs.engine,
			byName:      rs.byName,
			refreshedAt: time.Time{},
		})
	}
	g.log.Debug("rule cache invalidated")
}

// RefreshRulesCache reloads enabled rules from the store when the cache is
// stale or force is set. Rules whose config fails to parse are skipped with a
// warning; the remaining rules still load. The fresh-cache check happens
// before the lock so concurrent ticks do not serialize on it.
func (g *Generator) RefreshRulesCache(force bool) error {
	if !force {
		if rs := g.rules.Load(); rs != nil && time.Since(rs.refreshedAt) < g.ttl {
			return nil
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !force {
		if rs := g.rules.Load(); rs != nil && time.Since(rs.refreshedAt) < g.ttl {
			return nil
		}
	}

	dbRules, err := g.store.GetEnabledRules()
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	defs := make([]*engine.Definition, 0, len(dbRules))
	byName := make(map[string]*models.Rule, len(dbRules))

	for _, r := range dbRules {
		def, err := engine.ParseDefinition([]byte(r.ConfigYAML))
		if err != nil {
			g.log.WithError(err).WithField("rule", r.Name).Warn("skipping rule with invalid config")
			continue
		}

		// The database row is authoritative for identity and scheduling.
		def.Name = r.Name
		def.Type = r.RuleType
		def.Enabled = r.Enabled
		def.Priority = r.Priority
		if r.Description != "" {
			def.Description = r.Description
		}

		defs = append(defs, def)
		byName[r.Name] = r
	}

	g.rules.Store(&ruleSet{
		engine:      engine.New(defs),
		byName:      byName,
		refreshedAt: time.Now(),
	})

	g.log.WithField("rules", len(defs)).Info("rule cache refreshed")
	return nil
}

// RuleCount returns the number of rules in the current cache
func (g *Generator) RuleCount() int {
	rs := g.rules.Load()
	if rs == nil {
		return 0
	}
	return len(rs.engine.Rules())
}

// OnTick evaluates one market snapshot against the cached rules. Every
// triggered rule becomes an alert; persistence, broadcast, and publish
// failures are isolated per alert so one bad row never drops the rest.
func (g *Generator) OnTick(ctx context.Context, symbol string, snapshot models.MarketSnapshot) {
	if !g.running.Load() {
		return
	}

	if err := g.RefreshRulesCache(false); err != nil {
		g.log.WithError(err).Error("failed to refresh rule cache")
	}

	rs := g.rules.Load()
	if rs == nil {
		return
	}

	fields := enrich(&snapshot)
	results := rs.engine.EvaluateAll(fields)
	if len(results) == 0 {
		return
	}

	marketData, err := json.Marshal(enrichedSnapshot{
		MarketSnapshot:     snapshot,
		PriceChangePercent: fieldPtr(fields, "price_change_percent"),
		GapPercent:         fieldPtr(fields, "gap_percent"),
	})
	if err != nil {
		g.log.WithError(err).WithField("symbol", symbol).Error("failed to marshal snapshot")
	}

	timestamp := snapshot.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	type pending struct {
		alert    *models.Alert
		ruleName string
	}

	batch := make([]*models.Alert, 0, len(results))
	pendings := make([]pending, 0, len(results))

	for _, res := range results {
		a := &models.Alert{
			Symbol:     strings.ToUpper(symbol),
			Timestamp:  timestamp,
			EntryPrice: decimal.NewFromFloat(res.EntryPrice),
			MarketData: marketData,
		}

		if r, ok := rs.byName[res.RuleName]; ok {
			id := r.ID
			a.RuleID = &id
		}
		a.SetupType = classifySetup(res.RuleName)

		confidence := res.Confidence
		a.ConfidenceScore = &confidence

		if res.StopLoss != nil {
			d := decimal.NewFromFloat(*res.StopLoss)
			a.StopLoss = &d
		}
		if res.TargetPrice != nil {
			d := decimal.NewFromFloat(*res.TargetPrice)
			a.TargetPrice = &d
		}

		batch = append(batch, a)
		pendings = append(pendings, pending{alert: a, ruleName: res.RuleName})
	}

	if _, err := g.store.CreateAlerts(batch); err != nil {
		g.log.WithError(err).WithField("symbol", symbol).Error("failed to persist alerts")
	}

	for _, p := range pendings {
		if p.alert.ID == 0 {
			continue
		}

		g.log.WithFields(logrus.Fields{
			"symbol":     p.alert.Symbol,
			"rule":       p.ruleName,
			"setup_type": p.alert.SetupType,
		}).Info("alert triggered")

		if g.hub != nil {
			g.hub.BroadcastToChannel(hub.ChannelAlerts, hub.Envelope{
				Type: hub.MessageTypeAlert,
				Data: alertMessage{Alert: p.alert, RuleName: p.ruleName},
			})
		}

		if g.publisher != nil {
			if err := g.publisher.PublishAlertTriggered(ctx, p.alert, p.ruleName); err != nil {
				g.log.WithError(err).WithField("symbol", p.alert.Symbol).Error("failed to publish alert event")
			}
		}
	}
}

// alertMessage is the broadcast payload: the persisted alert plus the name of
// the rule that triggered it, which clients see but the alert row does not
// store.
type alertMessage struct {
	*models.Alert
	RuleName string `json:"rule_name"`
}

// enrichedSnapshot is what an alert records as market context: the raw
// snapshot plus the derived fields the rule saw.
type enrichedSnapshot struct {
	models.MarketSnapshot
	PriceChangePercent *float64 `json:"price_change_percent,omitempty"`
	GapPercent         *float64 `json:"gap_percent,omitempty"`
}

func fieldPtr(fields map[string]float64, name string) *float64 {
	if v, ok := fields[name]; ok {
		return &v
	}
	return nil
}

// enrich flattens the snapshot and adds the derived fields rules may
// reference. Derivations needing an absent input are left out, matching the
// engine's missing-field semantics.
func enrich(s *models.MarketSnapshot) map[string]float64 {
	fields := s.Fields()

	if s.PrevClose != nil && *s.PrevClose != 0 {
		prev := *s.PrevClose
		fields["price_change_percent"] = (s.Price - prev) / prev * 100
		if s.DayOpen != nil {
			fields["gap_percent"] = (*s.DayOpen - prev) / prev * 100
		}
	}

	return fields
}

// classifySetup maps a rule name onto a known setup category. The name alone
// decides; "breakout" wins over any other substring.
func classifySetup(ruleName string) string {
	name := strings.ToLower(ruleName)
	switch {
	case strings.Contains(name, "breakout"):
		return models.SetupTypeBreakout
	case strings.Contains(name, "volume") || strings.Contains(name, "spike"):
		return models.SetupTypeVolumeSpike
	case strings.Contains(name, "gap_up"):
		return models.SetupTypeGapUp
	case strings.Contains(name, "gap_down"):
		return models.SetupTypeGapDown
	case strings.Contains(name, "momentum"):
		return models.SetupTypeMomentum
	default:
		return models.SetupTypeBreakout
	}
}
