package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"home-orchestrator/internal/rules"
)

// checkCondition reports whether a reading value satisfies a rule
// condition. Numeric operators apply when both operands are numeric;
// otherwise only ==/!= are meaningful, compared as strings. Anything
// else evaluates to false, never to an error.
func checkCondition(value interface{}, cond *rules.Condition) bool {
	v, vOK := toFloat(value)
	t, tOK := toFloat(cond.Threshold)

	if vOK && tOK {
		switch cond.Operator {
		case ">":
			return v > t
		case "<":
			return v < t
		case ">=":
			return v >= t
		case "<=":
			return v <= t
		case "==":
			return v == t
		case "!=":
			return v != t
		}
		return false
	}

	switch cond.Operator {
	case "==":
		return toString(value) == toString(cond.Threshold)
	case "!=":
		return toString(value) != toString(cond.Threshold)
	}
	return false
}

// toFloat normalizes the numeric types that JSON and YAML decoding can
// produce.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// splitStateKey breaks "device:sensor:rule" into its device and sensor
// segments.
func splitStateKey(key string) (deviceID, sensorID string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
