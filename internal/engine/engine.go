package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Result is the outcome of evaluating one rule against one snapshot
type Result struct {
	Triggered         bool     `json:"triggered"`
	RuleName          string   `json:"rule_name"`
	Confidence        float64  `json:"confidence"`
	EntryPrice        float64  `json:"entry_price,omitempty"`
	StopLoss          *float64 `json:"stop_loss,omitempty"`
	TargetPrice       *float64 `json:"target_price,omitempty"`
	MatchedConditions []string `json:"matched_conditions,omitempty"`
}

// RuleEngine evaluates trading rules against market data snapshots. It holds
// an immutable rule list sorted by priority descending, name ascending; a new
// engine is built on every cache refresh rather than mutating this one.
type RuleEngine struct {
	rules []*Definition
}

// New creates a rule engine over the given definitions
func New(rules []*Definition) *RuleEngine {
	sorted := make([]*Definition, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})
	return &RuleEngine{rules: sorted}
}

// Rules returns the engine's rule list in evaluation order
func (e *RuleEngine) Rules() []*Definition {
	return e.rules
}

// EvaluateCondition evaluates a single condition against the snapshot fields.
// A missing field, an unresolvable reference, or an unknown operator resolves
// to false rather than an error; rule authors may reference fields that are
// not present for every tick.
func (e *RuleEngine) EvaluateCondition(cond Condition, fields map[string]float64) bool {
	fieldValue, ok := fields[cond.Field]
	if !ok {
		return false
	}

	compareValue := cond.Value.Literal
	if cond.Value.Ref != "" {
		if refValue, ok := fields[cond.Value.Ref]; ok {
			compareValue = refValue
		} else if parsed, err := strconv.ParseFloat(cond.Value.Ref, 64); err == nil {
			compareValue = parsed
		} else {
			return false
		}
	}

	return cond.Operator.compare(fieldValue, compareValue)
}

// CheckFilters reports whether the snapshot passes the rule's pre-gate.
// Filters are independent of conditions: any configured bound that fails
// blocks the rule outright.
func (e *RuleEngine) CheckFilters(filters *Filters, fields map[string]float64) bool {
	if filters == nil {
		return true
	}

	price := fields["price"]
	volume := fields["volume"]

	if filters.MinPrice != nil && price < *filters.MinPrice {
		return false
	}
	if filters.MaxPrice != nil && price > *filters.MaxPrice {
		return false
	}
	if filters.MinVolume != nil && volume < *filters.MinVolume {
		return false
	}

	return true
}

// CalculateTargets computes stop-loss and target prices from the entry price.
// A risk-reward target requires a stop-loss computed in the same call; with
// no stop-loss configured, target_rr_ratio alone yields no target.
func (e *RuleEngine) CalculateTargets(entryPrice float64, targets *Targets, fields map[string]float64) (stopLoss, targetPrice *float64) {
	if targets == nil {
		return nil, nil
	}

	if targets.StopLossPercent != nil {
		stopLoss = ptr(round2(entryPrice * (1 + *targets.StopLossPercent/100)))
	} else if targets.StopLossATRMultiplier != nil {
		if atr, ok := fields["atr"]; ok {
			stopLoss = ptr(round2(entryPrice - atr**targets.StopLossATRMultiplier))
		}
	}

	if targets.TargetPercent != nil {
		targetPrice = ptr(round2(entryPrice * (1 + *targets.TargetPercent/100)))
	} else if targets.TargetRRRatio != nil && stopLoss != nil {
		risk := entryPrice - *stopLoss
		targetPrice = ptr(round2(entryPrice + risk**targets.TargetRRRatio))
	}

	return stopLoss, targetPrice
}

// CalculateConfidence computes the confidence score for a triggered rule:
// the base score plus the adjustment of every modifier whose condition holds,
// clamped to [0, 1].
func (e *RuleEngine) CalculateConfidence(confidence *Confidence, fields map[string]float64) float64 {
	if confidence == nil {
		return DefaultConfidence
	}

	score := DefaultConfidence
	if confidence.BaseScore != nil {
		score = *confidence.BaseScore
	}

	for _, m := range confidence.compiled {
		fieldValue, ok := fields[m.field]
		if !ok {
			continue
		}
		if m.op.compare(fieldValue, m.value) {
			score += m.adjustment
		}
	}

	return math.Max(0, math.Min(1, score))
}

// EvaluateRule evaluates one rule against the snapshot fields. Conditions use
// AND semantics and the first failing condition aborts with an empty result;
// matched condition strings are only reported for a full match.
func (e *RuleEngine) EvaluateRule(rule *Definition, fields map[string]float64) Result {
	result := Result{RuleName: rule.Name}

	if !rule.Enabled {
		return result
	}

	if !e.CheckFilters(rule.Filters, fields) {
		return result
	}

	matched := make([]string, 0, len(rule.Conditions))
	for _, cond := range rule.Conditions {
		if !e.EvaluateCondition(cond, fields) {
			return result
		}
		matched = append(matched, fmt.Sprintf("%s %s %s", cond.Field, cond.Operator, cond.Value))
	}

	result.Triggered = true
	result.MatchedConditions = matched
	result.EntryPrice = fields["price"]
	result.StopLoss, result.TargetPrice = e.CalculateTargets(result.EntryPrice, rule.Targets, fields)
	result.Confidence = e.CalculateConfidence(rule.Confidence, fields)

	return result
}

// EvaluateAll evaluates every enabled rule, in priority order, and returns
// the triggered results. Rules are independent: one rule failing to trigger
// never short-circuits the rest, so a single snapshot may trigger zero, one,
// or many rules.
func (e *RuleEngine) EvaluateAll(fields map[string]float64) []Result {
	var results []Result
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if result := e.EvaluateRule(rule, fields); result.Triggered {
			results = append(results, result)
		}
	}
	return results
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr(v float64) *float64 {
	return &v
}
