package engine

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operator is a comparison operator in a rule condition
type Operator string

// Supported comparison operators
const (
	OpGT  Operator = ">"
	OpGTE Operator = ">="
	OpLT  Operator = "<"
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// Valid reports whether op is a supported operator
func (op Operator) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
		return true
	}
	return false
}

func (op Operator) compare(a, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNEQ:
		return a != b
	}
	return false
}

// Value is a condition's right-hand side: either a numeric literal or a
// reference to another snapshot field (e.g. price > resistance_level).
type Value struct {
	Literal float64
	Ref     string
}

// UnmarshalYAML accepts a YAML number as a literal and a YAML string as a
// field reference. A string that names no snapshot field is re-tried as a
// numeric literal at evaluation time.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var f float64
	if err := node.Decode(&f); err == nil {
		v.Literal = f
		v.Ref = ""
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("condition value must be a number or field name: %w", err)
	}
	v.Ref = s
	return nil
}

func (v Value) String() string {
	if v.Ref != "" {
		return v.Ref
	}
	return strconv.FormatFloat(v.Literal, 'g', -1, 64)
}

// Condition is a single field/operator/value comparison
type Condition struct {
	Field    string   `yaml:"field"`
	Operator Operator `yaml:"operator"`
	Value    Value    `yaml:"value"`
}

// Filters gate a rule on the raw snapshot before conditions are examined.
// Nil bounds are unset.
type Filters struct {
	MinPrice  *float64 `yaml:"min_price"`
	MaxPrice  *float64 `yaml:"max_price"`
	MinVolume *float64 `yaml:"min_volume"`
}

// Targets configures stop-loss and target price calculation. Percent-based
// values take precedence over their ATR/risk-reward alternatives when both
// are set; only one strategy per side should be configured.
type Targets struct {
	StopLossPercent       *float64 `yaml:"stop_loss_percent"`
	StopLossATRMultiplier *float64 `yaml:"stop_loss_atr_multiplier"`
	TargetPercent         *float64 `yaml:"target_percent"`
	TargetRRRatio         *float64 `yaml:"target_rr_ratio"`
}

// Modifier is a conditional adjustment to a rule's base confidence score.
// Condition is a mini-expression of the form "field operator literal".
type Modifier struct {
	Condition  string  `yaml:"condition"`
	Adjustment float64 `yaml:"adjustment"`
}

// Confidence configures the confidence score for a triggered rule
type Confidence struct {
	BaseScore *float64   `yaml:"base_score"`
	Modifiers []Modifier `yaml:"modifiers"`

	compiled []compiledModifier
}

// compiledModifier is a modifier condition parsed once at rule load time so
// evaluation never re-parses the expression string.
type compiledModifier struct {
	field      string
	op         Operator
	value      float64
	adjustment float64
}

// DefaultConfidence is the confidence score for rules without a confidence
// section.
const DefaultConfidence = 0.7

func (c *Confidence) compile() {
	c.compiled = c.compiled[:0]
	for _, m := range c.Modifiers {
		cm, ok := parseModifierCondition(m.Condition)
		if !ok {
			// An unparsable modifier never fires; dropping it at load
			// time is observably the same.
			continue
		}
		cm.adjustment = m.Adjustment
		c.compiled = append(c.compiled, cm)
	}
}

func parseModifierCondition(condition string) (compiledModifier, bool) {
	parts := strings.Fields(condition)
	if len(parts) != 3 {
		return compiledModifier{}, false
	}

	op := Operator(parts[1])
	if !op.Valid() {
		return compiledModifier{}, false
	}

	value, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return compiledModifier{}, false
	}

	return compiledModifier{field: parts[0], op: op, value: value}, true
}

// Definition is a complete, parsed trading rule
type Definition struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Type        string      `yaml:"type"`
	Enabled     bool        `yaml:"enabled"`
	Priority    int         `yaml:"priority"`
	Conditions  []Condition `yaml:"conditions"`
	Filters     *Filters    `yaml:"filters"`
	Targets     *Targets    `yaml:"targets"`
	Confidence  *Confidence `yaml:"confidence"`
}

// ParseDefinition parses and validates a rule definition from YAML. A rule
// with zero conditions or an unknown operator is rejected here, at load time,
// so the evaluation path never sees a malformed rule.
func ParseDefinition(data []byte) (*Definition, error) {
	def := Definition{Enabled: true}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse rule config: %w", err)
	}

	if len(def.Conditions) == 0 {
		return nil, fmt.Errorf("rule has no conditions")
	}
	for i, cond := range def.Conditions {
		if cond.Field == "" {
			return nil, fmt.Errorf("condition %d has no field", i)
		}
		if !cond.Operator.Valid() {
			return nil, fmt.Errorf("condition %d has unknown operator %q", i, cond.Operator)
		}
	}

	if def.Confidence != nil {
		def.Confidence.compile()
	}

	return &def, nil
}
