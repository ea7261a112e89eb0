package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "ai-orchestrator", cfg.MQTT.ClientID)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	// Side channels are off until configured.
	assert.Equal(t, "", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "http://localhost:11434", cfg.Ollama.URL)
	assert.Equal(t, "phi3:mini", cfg.Ollama.Model)
	assert.Equal(t, 2, cfg.Ollama.Workers)

	assert.Equal(t, time.Hour, cfg.Engine.StateTTL)
	assert.Equal(t, 10*time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Engine.SnapshotTTL)

	assert.Equal(t, "config/rules.yaml", cfg.RulesPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_QOS", "0")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DB_HOST", "postgres")
	t.Setenv("OLLAMA_MODEL", "llama3")
	t.Setenv("ENGINE_STATE_TTL", "120")
	t.Setenv("RULES_PATH", "/etc/orchestrator/rules.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres", cfg.Database.Host)
	assert.Equal(t, "llama3", cfg.Ollama.Model)
	assert.Equal(t, 2*time.Minute, cfg.Engine.StateTTL)
	assert.Equal(t, "/etc/orchestrator/rules.yaml", cfg.RulesPath)
}

func TestLoad_InvalidQoS(t *testing.T) {
	os.Clearenv()
	t.Setenv("MQTT_QOS", "3")

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		Database: "home_orchestrator",
		SSLMode:  "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=home_orchestrator sslmode=disable",
		cfg.DSN(),
	)
}
