package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Alert represents a triggered trading alert
type Alert struct {
	ID              int              `json:"id"`
	RuleID          *int             `json:"rule_id,omitempty"`
	Symbol          string           `json:"symbol"`
	Timestamp       time.Time        `json:"timestamp"`
	SetupType       string           `json:"setup_type"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	StopLoss        *decimal.Decimal `json:"stop_loss,omitempty"`
	TargetPrice     *decimal.Decimal `json:"target_price,omitempty"`
	ConfidenceScore *float64         `json:"confidence_score,omitempty"`
	MarketData      json.RawMessage  `json:"market_data,omitempty"`
	IsRead          bool             `json:"is_read"`
	CreatedAt       time.Time        `json:"created_at"`
}
