package service

import (
	"database/sql"
	"fmt"

	"home-orchestrator/internal/cache"
	"home-orchestrator/internal/config"
	"home-orchestrator/internal/llm"
	"home-orchestrator/internal/mqtt"
	"home-orchestrator/internal/repository"
	"home-orchestrator/internal/rules"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// NewFromConfig builds a fully wired orchestrator: rules, MQTT client,
// LLM gateway, and the optional Redis snapshot mirror and Postgres
// command log. Any failure here is fatal at startup.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	ruleSet, err := rules.Load(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	logger.Info("Loaded rules",
		zap.Int("count", len(ruleSet.Rules)),
		zap.String("path", cfg.RulesPath),
		zap.Bool("llm_enabled", ruleSet.LLM.Enabled),
	)

	transport, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, err
	}

	llmClient := llm.NewClient(cfg.Ollama.URL, cfg.Ollama.Model, logger)
	gateway := llm.NewGateway(llmClient, cfg.Ollama.Workers, logger)

	var snapshot *cache.SnapshotWriter
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		snapshot = cache.NewSnapshotWriter(
			cache.NewRedisKVStore(redisClient),
			cfg.Engine.SnapshotTTL,
			logger,
		)
		logger.Info("Realtime snapshot mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	var commandLog *repository.CommandLogRepository
	if cfg.Database.Host != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		commandLog = repository.NewCommandLogRepository(db, logger)
		logger.Info("Command audit log enabled", zap.String("host", cfg.Database.Host))
	}

	return New(cfg, ruleSet, transport, gateway, llmClient, snapshot, commandLog, logger), nil
}
