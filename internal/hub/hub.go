package hub

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Channel names routed by the hub
const (
	ChannelAlerts     = "alerts"
	ChannelMarketData = "market_data"
)

// Sender is one subscriber connection's outbound side. Send must not block;
// implementations queue the message or fail fast.
type Sender interface {
	Send(message []byte) error
	Close()
}

// MarketFeed is the upstream market data collaborator. The hub registers
// newly requested symbols so ticks start flowing for them.
type MarketFeed interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// Hub routes alerts and per-symbol market data to subscriber connections.
// Delivery is best-effort and at-most-once: there is no queue or replay for
// a consumer that was disconnected when a message was broadcast.
type Hub struct {
	mu          sync.RWMutex
	conns       map[string]Sender
	channels    map[string]map[string]struct{}
	symbols     map[string]map[string]struct{}
	connSymbols map[string]map[string]struct{}

	feed MarketFeed
	log  *logrus.Entry
}

// New creates a subscription hub. feed may be nil when no upstream
// registration is wanted (tests, replay tooling).
func New(feed MarketFeed, logger *logrus.Logger) *Hub {
	return &Hub{
		conns: make(map[string]Sender),
		channels: map[string]map[string]struct{}{
			ChannelAlerts:     {},
			ChannelMarketData: {},
		},
		symbols:     make(map[string]map[string]struct{}),
		connSymbols: make(map[string]map[string]struct{}),
		feed:        feed,
		log:         logger.WithField("component", "hub"),
	}
}

// Connect registers a new connection and returns its ID
func (h *Hub) Connect(sender Sender) string {
	id := uuid.New().String()

	h.mu.Lock()
	h.conns[id] = sender
	h.mu.Unlock()

	h.log.WithField("connection_id", id).Debug("connection registered")
	return id
}

// Disconnect removes a connection and purges it from every channel and
// symbol set. After this call no internal set contains the id.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	sender, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	for _, subs := range h.channels {
		delete(subs, id)
	}
	h.dropSymbolsLocked(id)
	h.mu.Unlock()

	if ok {
		sender.Close()
		h.log.WithField("connection_id", id).Debug("connection removed")
	}
}

// Subscribe adds a connection to a channel. For the market_data channel the
// requested symbols are tracked per connection and per symbol; symbols no
// other connection was watching yet are registered with the upstream feed.
func (h *Hub) Subscribe(id, channel string, symbols []string) {
	var newSymbols []string

	h.mu.Lock()
	if _, ok := h.conns[id]; !ok {
		h.mu.Unlock()
		return
	}

	if subs, ok := h.channels[channel]; ok {
		subs[id] = struct{}{}
	}

	if channel == ChannelMarketData && len(symbols) > 0 {
		owned := h.connSymbols[id]
		if owned == nil {
			owned = make(map[string]struct{})
			h.connSymbols[id] = owned
		}
		for _, symbol := range symbols {
			symbol = strings.ToUpper(symbol)
			if _, ok := h.symbols[symbol]; !ok {
				h.symbols[symbol] = make(map[string]struct{})
				newSymbols = append(newSymbols, symbol)
			}
			h.symbols[symbol][id] = struct{}{}
			owned[symbol] = struct{}{}
		}
	}
	h.mu.Unlock()

	if len(newSymbols) > 0 && h.feed != nil {
		if err := h.feed.Subscribe(newSymbols); err != nil {
			h.log.WithError(err).WithField("symbols", newSymbols).Error("failed to subscribe upstream feed")
		}
	}
}

// Unsubscribe removes a connection from a channel. Leaving market_data
// implies leaving every symbol the connection was watching.
func (h *Hub) Unsubscribe(id, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.channels[channel]; ok {
		delete(subs, id)
	}

	if channel == ChannelMarketData {
		h.dropSymbolsLocked(id)
	}
}

// dropSymbolsLocked removes the connection from every symbol set it joined,
// walking only the connection's own symbols. Callers hold the write lock.
func (h *Hub) dropSymbolsLocked(id string) {
	for symbol := range h.connSymbols[id] {
		subs := h.symbols[symbol]
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.symbols, symbol)
		}
	}
	delete(h.connSymbols, id)
}

// Subscriptions returns the channels a connection is subscribed to
func (h *Hub) Subscriptions(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var channels []string
	for channel, subs := range h.channels {
		if _, ok := subs[id]; ok {
			channels = append(channels, channel)
		}
	}
	sort.Strings(channels)
	return channels
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// BroadcastToChannel sends a message to every subscriber of a channel. A
// failed send disconnects that one connection; the fan-out continues.
func (h *Hub) BroadcastToChannel(channel string, message interface{}) {
	h.mu.RLock()
	subs, ok := h.channels[channel]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]string, 0, len(subs))
	for id := range subs {
		targets = append(targets, id)
	}
	h.mu.RUnlock()

	h.deliver(targets, message)
}

// BroadcastToSymbol sends a message to every connection subscribed to the
// symbol. Symbol matching is case-insensitive.
func (h *Hub) BroadcastToSymbol(symbol string, message interface{}) {
	symbol = strings.ToUpper(symbol)

	h.mu.RLock()
	subs, ok := h.symbols[symbol]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]string, 0, len(subs))
	for id := range subs {
		targets = append(targets, id)
	}
	h.mu.RUnlock()

	h.deliver(targets, message)
}

// SendTo sends a message to a single connection
func (h *Hub) SendTo(id string, message interface{}) {
	h.deliver([]string{id}, message)
}

func (h *Hub) deliver(targets []string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal broadcast message")
		return
	}

	for _, id := range targets {
		h.mu.RLock()
		sender, ok := h.conns[id]
		h.mu.RUnlock()
		if !ok {
			continue
		}

		if err := sender.Send(data); err != nil {
			// Self-heal: a dead or stuck consumer is dropped so the
			// remaining fan-out proceeds.
			h.log.WithError(err).WithField("connection_id", id).Warn("send failed, dropping connection")
			h.Disconnect(id)
		}
	}
}
