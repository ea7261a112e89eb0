package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// MQTTConfig is the broker connection configuration.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// RedisConfig configures the optional realtime snapshot mirror. An empty
// Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig configures the optional Postgres command audit log. An
// empty Host disables it.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// OllamaConfig points at the LLM server used for escalation.
type OllamaConfig struct {
	URL     string
	Model   string
	Workers int
}

// EngineConfig tunes the orchestrator's housekeeping.
type EngineConfig struct {
	// StateTTL bounds sensor-state growth: states untouched for this
	// long are evicted by the sweep.
	StateTTL time.Duration
	// SweepInterval drives pending-command expiry and state eviction.
	SweepInterval time.Duration
	// SnapshotTTL is the Redis realtime snapshot expiry.
	SnapshotTTL time.Duration
}

// Config is the orchestrator's full runtime configuration, loaded once
// from environment variables. The declarative rule set lives in a
// separate YAML file at RulesPath.
type Config struct {
	MQTT     MQTTConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Ollama   OllamaConfig
	Engine   EngineConfig

	RulesPath string

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from the environment with defaults suitable
// for local development.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "ai-orchestrator")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")

	qos := getEnvInt("MQTT_QOS", 1)
	if qos < 0 || qos > 2 {
		return nil, fmt.Errorf("invalid MQTT_QOS %d: must be 0, 1 or 2", qos)
	}
	cfg.MQTT.QoS = byte(qos)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Database.Host = getEnv("DB_HOST", "")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "home_orchestrator")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Ollama.URL = getEnv("OLLAMA_URL", "http://localhost:11434")
	cfg.Ollama.Model = getEnv("OLLAMA_MODEL", "phi3:mini")
	cfg.Ollama.Workers = getEnvInt("OLLAMA_WORKERS", 2)

	cfg.Engine.StateTTL = time.Duration(getEnvInt("ENGINE_STATE_TTL", 3600)) * time.Second
	cfg.Engine.SweepInterval = time.Duration(getEnvInt("ENGINE_SWEEP_INTERVAL", 10)) * time.Second
	cfg.Engine.SnapshotTTL = time.Duration(getEnvInt("SNAPSHOT_TTL", 30)) * time.Second

	cfg.RulesPath = getEnv("RULES_PATH", "config/rules.yaml")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
