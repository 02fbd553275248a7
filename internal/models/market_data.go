package models

import (
	"time"
)

// MarketSnapshot is one point-in-time market data observation for a symbol.
// Optional fields are pointers; nil means the upstream feed did not provide
// the value, and rules referencing it simply never trigger.
type MarketSnapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    *float64  `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Bid     *float64 `json:"bid,omitempty"`
	Ask     *float64 `json:"ask,omitempty"`
	DayOpen *float64 `json:"day_open,omitempty"`
	DayHigh *float64 `json:"day_high,omitempty"`
	DayLow  *float64 `json:"day_low,omitempty"`

	PrevClose *float64 `json:"prev_close,omitempty"`
	VWAP      *float64 `json:"vwap,omitempty"`

	// Externally-sourced fields that may be absent
	VolumeRatio     *float64 `json:"volume_ratio,omitempty"`
	ResistanceLevel *float64 `json:"resistance_level,omitempty"`
	SMA20           *float64 `json:"sma_20,omitempty"`
	PreMarketHigh   *float64 `json:"pre_market_high,omitempty"`
	FloatShares     *float64 `json:"float_shares,omitempty"`
	ShortInterest   *float64 `json:"short_interest,omitempty"`
	ATR             *float64 `json:"atr,omitempty"`
	PreMarketVolume *float64 `json:"pre_market_volume,omitempty"`
}

// Fields flattens the snapshot into the numeric field map the rule engine
// evaluates against. Absent optional fields are left out of the map entirely,
// which is the engine's null sentinel.
func (s *MarketSnapshot) Fields() map[string]float64 {
	fields := map[string]float64{
		"price": s.Price,
	}

	optional := map[string]*float64{
		"volume":            s.Volume,
		"bid":               s.Bid,
		"ask":               s.Ask,
		"day_open":          s.DayOpen,
		"day_high":          s.DayHigh,
		"day_low":           s.DayLow,
		"prev_close":        s.PrevClose,
		"vwap":              s.VWAP,
		"volume_ratio":      s.VolumeRatio,
		"resistance_level":  s.ResistanceLevel,
		"sma_20":            s.SMA20,
		"pre_market_high":   s.PreMarketHigh,
		"float_shares":      s.FloatShares,
		"short_interest":    s.ShortInterest,
		"atr":               s.ATR,
		"pre_market_volume": s.PreMarketVolume,
	}
	for name, value := range optional {
		if value != nil {
			fields[name] = *value
		}
	}

	return fields
}
