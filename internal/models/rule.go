package models

import (
	"time"
)

// Setup type constants derived from triggering rule names
const (
	SetupTypeBreakout    = "breakout"
	SetupTypeVolumeSpike = "volume_spike"
	SetupTypeGapUp       = "gap_up"
	SetupTypeGapDown     = "gap_down"
	SetupTypeMomentum    = "momentum"
)

// Rule represents a stored trading rule. The evaluation semantics live in
// ConfigYAML, which is parsed into an engine.Definition when the rules cache
// is refreshed.
type Rule struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	RuleType    string    `json:"rule_type"`
	ConfigYAML  string    `json:"config_yaml"`
	Enabled     bool      `json:"enabled"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
