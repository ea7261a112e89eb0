package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Operators accepted in rule conditions.
var validOperators = map[string]bool{
	">": true, "<": true, ">=": true, "<=": true, "==": true, "!=": true,
}

// Condition must hold (optionally for a sustained duration) before a rule
// fires.
type Condition struct {
	Sensor          string      `yaml:"sensor"`
	Operator        string      `yaml:"operator"`
	Threshold       interface{} `yaml:"threshold"`
	DurationSeconds int         `yaml:"duration_seconds"`
}

// Action describes the actuator command emitted when a rule fires.
type Action struct {
	Target string      `yaml:"target"`
	Action string      `yaml:"action"`
	Value  interface{} `yaml:"value"`
	Reason string      `yaml:"reason"`
}

// Rule maps a condition to an action.
type Rule struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Condition   Condition `yaml:"condition"`
	Action      Action    `yaml:"action"`
	Enabled     *bool     `yaml:"enabled"` // nil = enabled
}

// IsEnabled reports whether the rule participates in evaluation.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// LLMConfig controls escalation to the language-model analyzer.
type LLMConfig struct {
	Enabled            bool               `yaml:"enabled"`
	EscalationTriggers map[string]float64 `yaml:"escalation_triggers"`
}

// RuleSet is the full declarative configuration loaded at startup.
type RuleSet struct {
	Rules []Rule    `yaml:"rules"`
	LLM   LLMConfig `yaml:"llm"`
}

// Load reads and validates the rule configuration file. Any parse or
// validation failure is fatal at startup; rules are immutable afterwards.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a rule configuration document.
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules config: %w", err)
	}

	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: missing name", i)
		}
		if r.Condition.Sensor == "" {
			return nil, fmt.Errorf("rule %q: condition missing sensor", r.Name)
		}
		if r.Condition.Operator == "" {
			r.Condition.Operator = ">"
		}
		if !validOperators[r.Condition.Operator] {
			return nil, fmt.Errorf("rule %q: unknown operator %q", r.Name, r.Condition.Operator)
		}
		if r.Condition.DurationSeconds < 0 {
			return nil, fmt.Errorf("rule %q: negative duration_seconds", r.Name)
		}
		if r.Action.Target == "" {
			return nil, fmt.Errorf("rule %q: action missing target", r.Name)
		}
		if r.Action.Action == "" {
			r.Action.Action = "set"
		}
	}

	return &rs, nil
}
