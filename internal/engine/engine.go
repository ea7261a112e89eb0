package engine

import (
	"fmt"
	"time"

	"home-orchestrator/internal/models"
	"home-orchestrator/internal/rules"

	"go.uber.org/zap"
)

// defaultCooldown is the minimum time between successive firings of the
// same rule for the same (device, sensor) key.
const defaultCooldown = 60 * time.Second

// rapidChangeSensor is the reading the rapid_change escalation trigger
// watches, and rapidStateSuffix the pseudo-rule name its state is keyed
// under.
const (
	rapidChangeSensor = "temp1"
	rapidStateSuffix  = "_rapid"
)

// sensorState tracks duration and cooldown progress for one
// (device, sensor, rule) key. Created lazily on first evaluation.
type sensorState struct {
	lastValue         interface{}
	conditionMetSince time.Time // zero = condition not currently met
	lastActionTime    time.Time
	cooldown          time.Duration
	touched           time.Time
}

// SensorSummary is the read-only view of one sensor's state exposed to
// the escalation gateway as prompt context.
type SensorSummary struct {
	LastValue       interface{} `json:"last_value"`
	ConditionActive bool        `json:"condition_active"`
}

// Engine evaluates threshold rules against telemetry and decides when to
// escalate to the LLM analyzer. It is not goroutine-safe: all calls must
// come from the orchestrator's event loop.
type Engine struct {
	ruleSet *rules.RuleSet
	states  map[string]*sensorState
	logger  *zap.Logger

	// now is replaceable in tests to drive a simulated clock.
	now func() time.Time
}

// New creates an engine over an immutable rule set.
func New(rs *rules.RuleSet, logger *zap.Logger) *Engine {
	return &Engine{
		ruleSet: rs,
		states:  make(map[string]*sensorState),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the engine's clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func stateKey(deviceID, sensorID, ruleName string) string {
	return fmt.Sprintf("%s:%s:%s", deviceID, sensorID, ruleName)
}

func (e *Engine) state(key string, now time.Time) *sensorState {
	s, ok := e.states[key]
	if !ok {
		s = &sensorState{cooldown: defaultCooldown}
		e.states[key] = s
	}
	s.touched = now
	return s
}

// Evaluate runs every enabled rule against the telemetry and returns the
// commands to execute, in rule declaration order. Rules whose sensor has
// no reading in this message are skipped without touching state.
func (e *Engine) Evaluate(t *models.TelemetryMessage) []models.Command {
	var commands []models.Command
	now := e.now()

	for i := range e.ruleSet.Rules {
		rule := &e.ruleSet.Rules[i]
		if !rule.IsEnabled() {
			continue
		}

		reading := t.GetReading(rule.Condition.Sensor)
		if reading == nil {
			continue
		}

		state := e.state(stateKey(t.DeviceID, rule.Condition.Sensor, rule.Name), now)
		met := checkCondition(reading.Value, &rule.Condition)

		if met {
			if state.conditionMetSince.IsZero() {
				state.conditionMetSince = now
				e.logger.Debug("Rule condition started",
					zap.String("rule", rule.Name),
					zap.String("device_id", t.DeviceID),
				)
			}

			durationMet := now.Sub(state.conditionMetSince) >= time.Duration(rule.Condition.DurationSeconds)*time.Second
			cooldownOK := now.Sub(state.lastActionTime) >= state.cooldown

			if durationMet && cooldownOK {
				cmd := models.NewCommand(
					t.DeviceID,
					t.Location,
					rule.Action.Target,
					rule.Action.Action,
					rule.Action.Value,
					rule.Action.Reason,
				)
				commands = append(commands, cmd)
				state.lastActionTime = now
				e.logger.Info("Rule triggered",
					zap.String("rule", rule.Name),
					zap.String("device_id", t.DeviceID),
					zap.String("target", rule.Action.Target),
					zap.String("reason", rule.Action.Reason),
				)
			}
		} else {
			if !state.conditionMetSince.IsZero() {
				e.logger.Debug("Rule condition no longer met",
					zap.String("rule", rule.Name),
					zap.String("device_id", t.DeviceID),
				)
			}
			// A condition that flaps does not accumulate duration
			// across gaps.
			state.conditionMetSince = time.Time{}
		}

		state.lastValue = reading.Value
	}

	return commands
}

// ShouldEscalateToLLM reports whether this telemetry warrants LLM
// analysis. Always false when escalation is disabled in configuration.
//
// The rapid_change trigger extrapolates the change between the last two
// temp1 readings (sampled every ~5 s) to a per-minute rate and fires when
// it exceeds the configured threshold. The previous-value slot is updated
// on every call, so the rate is tracked as soon as temp1 has been seen
// twice.
func (e *Engine) ShouldEscalateToLLM(t *models.TelemetryMessage) bool {
	if !e.ruleSet.LLM.Enabled {
		return false
	}

	threshold, hasTrigger := e.ruleSet.LLM.EscalationTriggers["rapid_change"]
	if !hasTrigger {
		return false
	}

	now := e.now()
	state := e.state(stateKey(t.DeviceID, rapidChangeSensor, rapidStateSuffix), now)

	reading := t.GetReading(rapidChangeSensor)
	if reading == nil {
		return false
	}

	escalate := false
	if state.lastValue != nil {
		current, okCur := toFloat(reading.Value)
		previous, okPrev := toFloat(state.lastValue)
		if okCur && okPrev {
			change := current - previous
			if change < 0 {
				change = -change
			}
			changePerMinute := change * 12 // 5 s cadence scaled to per-minute
			if changePerMinute > threshold {
				e.logger.Info("LLM escalation: rapid temperature change",
					zap.String("device_id", t.DeviceID),
					zap.Float64("change_per_minute", changePerMinute),
					zap.Float64("threshold", threshold),
				)
				escalate = true
			}
		}
	}

	state.lastValue = reading.Value
	return escalate
}

// ContextSummary snapshots all sensor states grouped by device and
// sensor. The result is a copy, safe to hand to the escalation worker;
// it is context for the LLM prompt, never a control input.
func (e *Engine) ContextSummary() map[string]map[string]SensorSummary {
	summary := make(map[string]map[string]SensorSummary)
	for key, state := range e.states {
		deviceID, sensorID, ok := splitStateKey(key)
		if !ok {
			continue
		}
		if _, exists := summary[deviceID]; !exists {
			summary[deviceID] = make(map[string]SensorSummary)
		}
		summary[deviceID][sensorID] = SensorSummary{
			LastValue:       state.lastValue,
			ConditionActive: !state.conditionMetSince.IsZero(),
		}
	}
	return summary
}

// EvictStale removes states not touched within maxAge and returns how
// many were dropped. Bounds state growth for devices that have gone
// quiet; forgetting duration/cooldown progress for them is harmless since
// any rule window is far shorter than the eviction age.
func (e *Engine) EvictStale(maxAge time.Duration) int {
	now := e.now()
	evicted := 0
	for key, state := range e.states {
		if now.Sub(state.touched) > maxAge {
			delete(e.states, key)
			evicted++
		}
	}
	if evicted > 0 {
		e.logger.Debug("Evicted stale sensor states", zap.Int("count", evicted))
	}
	return evicted
}

// StateCount returns the number of live sensor states.
func (e *Engine) StateCount() int {
	return len(e.states)
}
