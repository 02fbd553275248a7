package models

import (
	"time"
)

// Event type constants for Kafka messages
const (
	EventTypeMarketTick     = "MARKET_TICK"
	EventTypeAlertTriggered = "ALERT_TRIGGERED"
)

// TickEvent is a market data update consumed from the upstream feed topic
type TickEvent struct {
	EventType string         `json:"event_type"`
	Symbol    string         `json:"symbol"`
	Data      MarketSnapshot `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// AlertEvent is published when a rule triggers an alert
type AlertEvent struct {
	EventType string    `json:"event_type"`
	Symbol    string    `json:"symbol"`
	Alert     *Alert    `json:"alert"`
	RuleName  string    `json:"rule_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
