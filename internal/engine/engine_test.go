package engine

import (
	"testing"
	"time"

	"home-orchestrator/internal/models"
	"home-orchestrator/internal/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tempRule(name string, operator string, threshold interface{}, durationSeconds int) rules.Rule {
	return rules.Rule{
		Name: name,
		Condition: rules.Condition{
			Sensor:          "temp1",
			Operator:        operator,
			Threshold:       threshold,
			DurationSeconds: durationSeconds,
		},
		Action: rules.Action{
			Target: "relay1",
			Action: "set",
			Value:  true,
			Reason: "test rule " + name,
		},
	}
}

func telemetry(deviceID string, readings ...models.Reading) *models.TelemetryMessage {
	return &models.TelemetryMessage{
		Version:  1,
		TS:       1700000000000,
		DeviceID: deviceID,
		Location: "garage",
		Readings: readings,
	}
}

func newTestEngine(t *testing.T, rs *rules.RuleSet) (*Engine, *time.Time) {
	t.Helper()
	e := New(rs, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	e.SetClock(func() time.Time { return now })
	return e, &now
}

func TestEvaluate_MissingReadingSkipsRuleAndState(t *testing.T) {
	rs := &rules.RuleSet{Rules: []rules.Rule{tempRule("hot", ">", 28.0, 0)}}
	e, _ := newTestEngine(t, rs)

	commands := e.Evaluate(telemetry("esp32-1", models.Reading{ID: "hum1", Value: 40.0}))

	assert.Empty(t, commands)
	assert.Equal(t, 0, e.StateCount())
}

func TestEvaluate_ZeroDurationFiresImmediatelyThenCooldown(t *testing.T) {
	rs := &rules.RuleSet{Rules: []rules.Rule{tempRule("hot", ">", 28.0, 0)}}
	e, now := newTestEngine(t, rs)

	hot := telemetry("esp32-1", models.Reading{ID: "temp1", Value: 30.0})

	commands := e.Evaluate(hot)
	require.Len(t, commands, 1)
	assert.Equal(t, "relay1", commands[0].Target)
	assert.Equal(t, "esp32-1", commands[0].DeviceID)
	assert.Equal(t, "garage", commands[0].Location)
	assert.NotEmpty(t, commands[0].CorrelationID)

	// Still true inside the cooldown window: no further firing.
	*now = now.Add(10 * time.Second)
	assert.Empty(t, e.Evaluate(hot))
	*now = now.Add(49 * time.Second) // t=59s
	assert.Empty(t, e.Evaluate(hot))

	// Cooldown elapsed.
	*now = now.Add(2 * time.Second) // t=61s
	assert.Len(t, e.Evaluate(hot), 1)
}

func TestEvaluate_DurationResetsWhenConditionFlaps(t *testing.T) {
	rs := &rules.RuleSet{Rules: []rules.Rule{tempRule("sustained_hot", ">", 28.0, 30)}}
	e, now := newTestEngine(t, rs)

	hot := telemetry("esp32-1", models.Reading{ID: "temp1", Value: 30.0})
	cool := telemetry("esp32-1", models.Reading{ID: "temp1", Value: 20.0})

	assert.Empty(t, e.Evaluate(hot)) // t=0, duration starts
	*now = now.Add(10 * time.Second)
	assert.Empty(t, e.Evaluate(hot)) // t=10, only 10s elapsed
	*now = now.Add(5 * time.Second)
	assert.Empty(t, e.Evaluate(cool)) // t=15, resets the timer
	*now = now.Add(5 * time.Second)
	assert.Empty(t, e.Evaluate(hot)) // t=20, elapsed back to 0

	// Continuously true from t=20; fires once 30s have accumulated.
	*now = now.Add(10 * time.Second)
	assert.Empty(t, e.Evaluate(hot)) // t=30, 10s elapsed
	*now = now.Add(10 * time.Second)
	assert.Empty(t, e.Evaluate(hot)) // t=40, 20s elapsed
	*now = now.Add(10 * time.Second)
	assert.Len(t, e.Evaluate(hot), 1) // t=50, 30s elapsed
}

func TestEvaluate_CooldownTrackedPerRuleName(t *testing.T) {
	fanOn := tempRule("fan_on", ">", 28.0, 0)
	alert := tempRule("alert", ">", 28.0, 0)
	alert.Action.Target = "buzzer1"
	rs := &rules.RuleSet{Rules: []rules.Rule{fanOn, alert}}
	e, _ := newTestEngine(t, rs)

	commands := e.Evaluate(telemetry("esp32-1", models.Reading{ID: "temp1", Value: 30.0}))

	// Both rules fire independently, in declaration order.
	require.Len(t, commands, 2)
	assert.Equal(t, "relay1", commands[0].Target)
	assert.Equal(t, "buzzer1", commands[1].Target)
	assert.NotEqual(t, commands[0].CorrelationID, commands[1].CorrelationID)
	assert.Equal(t, 2, e.StateCount())
}

func TestEvaluate_DisabledRuleIgnored(t *testing.T) {
	disabled := false
	rule := tempRule("hot", ">", 28.0, 0)
	rule.Enabled = &disabled
	rs := &rules.RuleSet{Rules: []rules.Rule{rule}}
	e, _ := newTestEngine(t, rs)

	assert.Empty(t, e.Evaluate(telemetry("esp32-1", models.Reading{ID: "temp1", Value: 30.0})))
	assert.Equal(t, 0, e.StateCount())
}

func TestCheckCondition_Semantics(t *testing.T) {
	tests := []struct {
		name      string
		value     interface{}
		operator  string
		threshold interface{}
		want      bool
	}{
		{"numeric greater", 30.0, ">", 28.0, true},
		{"numeric not greater", 25.0, ">", 28.0, false},
		{"numeric lte", 25.0, "<=", 25.0, true},
		{"int threshold from yaml", 30.0, ">", 28, true},
		{"numeric equality", 21.5, "==", 21.5, true},
		{"numeric inequality", 21.5, "!=", 21.5, false},
		{"string equality", "open", "==", "open", true},
		{"string inequality", "open", "!=", "closed", true},
		{"string with ordering operator is false", "open", ">", "closed", false},
		{"mixed operands ordering is false", "warm", ">", 28.0, false},
		{"nil value is false", nil, ">", 28.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &rules.Condition{Sensor: "temp1", Operator: tt.operator, Threshold: tt.threshold}
			assert.Equal(t, tt.want, checkCondition(tt.value, cond))
		})
	}
}

func escalationRuleSet(threshold float64) *rules.RuleSet {
	return &rules.RuleSet{
		LLM: rules.LLMConfig{
			Enabled:            true,
			EscalationTriggers: map[string]float64{"rapid_change": threshold},
		},
	}
}

func TestShouldEscalateToLLM_RapidChange(t *testing.T) {
	e, now := newTestEngine(t, escalationRuleSet(5))

	// First observation only seeds the previous value.
	assert.False(t, e.ShouldEscalateToLLM(telemetry("esp32-1", models.Reading{ID: "temp1", Value: 20.0})))

	// 1.0 C in 5s extrapolates to 12 C/min.
	*now = now.Add(5 * time.Second)
	assert.True(t, e.ShouldEscalateToLLM(telemetry("esp32-1", models.Reading{ID: "temp1", Value: 21.0})))

	// 0.1 C in 5s is 1.2 C/min.
	*now = now.Add(5 * time.Second)
	assert.False(t, e.ShouldEscalateToLLM(telemetry("esp32-1", models.Reading{ID: "temp1", Value: 21.1})))
}

func TestShouldEscalateToLLM_DisabledConfig(t *testing.T) {
	rs := escalationRuleSet(5)
	rs.LLM.Enabled = false
	e, now := newTestEngine(t, rs)

	assert.False(t, e.ShouldEscalateToLLM(telemetry("esp32-1", models.Reading{ID: "temp1", Value: 20.0})))
	*now = now.Add(5 * time.Second)
	assert.False(t, e.ShouldEscalateToLLM(telemetry("esp32-1", models.Reading{ID: "temp1", Value: 40.0})))
}

func TestShouldEscalateToLLM_NoTempReading(t *testing.T) {
	e, _ := newTestEngine(t, escalationRuleSet(5))
	assert.False(t, e.ShouldEscalateToLLM(telemetry("esp32-1", models.Reading{ID: "hum1", Value: 40.0})))
}

func TestContextSummary_GroupsByDeviceAndSensor(t *testing.T) {
	rs := &rules.RuleSet{Rules: []rules.Rule{tempRule("hot", ">", 28.0, 300)}}
	e, _ := newTestEngine(t, rs)

	e.Evaluate(telemetry("esp32-1", models.Reading{ID: "temp1", Value: 30.0}))
	e.Evaluate(telemetry("esp32-2", models.Reading{ID: "temp1", Value: 19.0}))

	summary := e.ContextSummary()
	require.Contains(t, summary, "esp32-1")
	require.Contains(t, summary, "esp32-2")

	assert.Equal(t, 30.0, summary["esp32-1"]["temp1"].LastValue)
	assert.True(t, summary["esp32-1"]["temp1"].ConditionActive)

	assert.Equal(t, 19.0, summary["esp32-2"]["temp1"].LastValue)
	assert.False(t, summary["esp32-2"]["temp1"].ConditionActive)
}

func TestEvictStale_DropsUntouchedStates(t *testing.T) {
	rs := &rules.RuleSet{Rules: []rules.Rule{tempRule("hot", ">", 28.0, 0)}}
	e, now := newTestEngine(t, rs)

	e.Evaluate(telemetry("esp32-old", models.Reading{ID: "temp1", Value: 20.0}))
	*now = now.Add(2 * time.Hour)
	e.Evaluate(telemetry("esp32-new", models.Reading{ID: "temp1", Value: 20.0}))

	require.Equal(t, 2, e.StateCount())
	assert.Equal(t, 1, e.EvictStale(time.Hour))
	assert.Equal(t, 1, e.StateCount())

	summary := e.ContextSummary()
	assert.NotContains(t, summary, "esp32-old")
	assert.Contains(t, summary, "esp32-new")
}
