package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"home-orchestrator/internal/engine"
	"home-orchestrator/internal/models"
	"home-orchestrator/internal/tracker"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// systemPrompt frames every analysis request. The model must answer with
// strict JSON so the response can be parsed into a command or a no-op.
const systemPrompt = `You are an AI assistant controlling a smart home IoT system.
You receive sensor data and must decide what actions to take.

Available actuators:
- relay1: A switch that can be set to true (ON) or false (OFF)

Your response must be valid JSON in one of these formats:

If action needed:
{"action": "command", "target": "relay1", "value": true, "reason": "Brief explanation"}

If no action needed:
{"action": "none", "reason": "Brief explanation"}

Be conservative - only take action when clearly necessary.
Consider comfort, energy efficiency, and avoiding rapid state changes.
`

// Client talks to an Ollama server. All calls are blocking with a
// conservative timeout; callers must keep them off the event loop.
type Client struct {
	http   *resty.Client
	model  string
	logger *zap.Logger
}

// NewClient creates an Ollama client for the given base URL and model.
func NewClient(baseURL, model string, logger *zap.Logger) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   http,
		model:  model,
		logger: logger,
	}
}

// IsAvailable reports whether the Ollama server answers. Resolved once
// at startup as a capability flag, not re-probed per call.
func (c *Client) IsAvailable() bool {
	resp, err := c.http.R().Get("/api/tags")
	if err != nil {
		c.logger.Debug("Ollama not available", zap.Error(err))
		return false
	}
	return resp.StatusCode() == 200
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends one prompt to the model and returns the raw response
// text. Lower-level entry point also used by the chat surface.
func (c *Client) Generate(prompt, system, format string) (string, error) {
	resp, err := c.http.R().
		SetBody(generateRequest{
			Model:  c.model,
			Prompt: prompt,
			System: system,
			Stream: false,
			Format: format,
		}).
		Post("/api/generate")

	if err != nil {
		return "", fmt.Errorf("failed to call Ollama: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("Ollama returned status %d", resp.StatusCode())
	}

	// Decode the body directly rather than relying on resty's
	// content-type-gated auto-unmarshal; some proxies strip or rewrite
	// the header.
	var result generateResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to decode Ollama response: %w", err)
	}
	return result.Response, nil
}

// llmDecision is the strict JSON shape the model is prompted to return.
type llmDecision struct {
	Action string      `json:"action"`
	Target string      `json:"target"`
	Value  interface{} `json:"value"`
	Reason string      `json:"reason"`
}

// Analyze asks the model whether the telemetry warrants an actuator
// command. Any transport or parse failure degrades to nil (no action)
// and is only logged; escalation never surfaces errors to the caller.
func (c *Client) Analyze(
	t *models.TelemetryMessage,
	context map[string]map[string]engine.SensorSummary,
	recent []tracker.HistoryEntry,
) *models.Command {
	prompt := buildPrompt(t, context, recent)

	response, err := c.Generate(prompt, systemPrompt, "json")
	if err != nil {
		c.logger.Error("LLM analysis failed", zap.Error(err))
		return nil
	}
	c.logger.Debug("LLM response", zap.String("response", response))

	var decision llmDecision
	if err := json.Unmarshal([]byte(response), &decision); err != nil {
		c.logger.Error("Failed to parse LLM response as JSON", zap.Error(err))
		return nil
	}

	if decision.Action != "command" {
		c.logger.Debug("LLM decided no action", zap.String("reason", decision.Reason))
		return nil
	}

	target := decision.Target
	if target == "" {
		target = "relay1"
	}
	reason := decision.Reason
	if reason == "" {
		reason = "LLM decision"
	}

	cmd := models.NewCommand(t.DeviceID, t.Location, target, "set", decision.Value, "[AI] "+reason)
	return &cmd
}

// buildPrompt renders current readings, the engine's context summary,
// and the last few published commands into the analysis prompt.
func buildPrompt(
	t *models.TelemetryMessage,
	context map[string]map[string]engine.SensorSummary,
	recent []tracker.HistoryEntry,
) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Current sensor readings from %s at %s:\n", t.DeviceID, t.Location)
	for _, r := range t.Readings {
		if r.Unit != "" {
			fmt.Fprintf(&b, "  - %s: %v %s\n", r.ID, r.Value, r.Unit)
		} else {
			fmt.Fprintf(&b, "  - %s: %v\n", r.ID, r.Value)
		}
	}

	if len(context) > 0 {
		b.WriteString("\nHistorical context:\n")
		for deviceID, sensors := range context {
			fmt.Fprintf(&b, "Device %s:\n", deviceID)
			for sensor, state := range sensors {
				if state.LastValue == nil {
					continue
				}
				fmt.Fprintf(&b, "  - %s: last=%v, condition_active=%t\n",
					sensor, state.LastValue, state.ConditionActive)
			}
		}
	}

	if len(recent) > 0 {
		b.WriteString("\nRecent commands (last 5 minutes):\n")
		start := 0
		if len(recent) > 5 {
			start = len(recent) - 5
		}
		for _, cmd := range recent[start:] {
			reason := cmd.Reason
			if reason == "" {
				reason = "no reason"
			}
			fmt.Fprintf(&b, "  - %s: %s=%v (%s)\n", cmd.Target, cmd.Action, cmd.Value, reason)
		}
	}

	b.WriteString(`
Based on these readings, should any action be taken? Consider:
1. Is the temperature comfortable (18-26 C is typical comfort range)?
2. Is humidity at a reasonable level (30-60% is typical)?
3. Are there any concerning trends?

Respond with JSON only.`)

	return b.String()
}
