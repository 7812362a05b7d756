// Package app wires the dialog engine services together and supervises them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxhive/dialog-engine/internal/buffer"
	"github.com/voxhive/dialog-engine/internal/config"
	connector "github.com/voxhive/dialog-engine/internal/connectors/greenapi"
	"github.com/voxhive/dialog-engine/internal/dealcontext"
	"github.com/voxhive/dialog-engine/internal/extract"
	"github.com/voxhive/dialog-engine/internal/gate"
	"github.com/voxhive/dialog-engine/internal/housekeeping"
	"github.com/voxhive/dialog-engine/internal/kvcache"
	"github.com/voxhive/dialog-engine/internal/llm/openai"
	"github.com/voxhive/dialog-engine/internal/messaging"
	"github.com/voxhive/dialog-engine/internal/messaging/greenapi"
	"github.com/voxhive/dialog-engine/internal/session"
	"github.com/voxhive/dialog-engine/internal/store"
	"github.com/voxhive/dialog-engine/internal/summary"
)

const defaultSystemPrompt = `Ты вежливый помощник агентства недвижимости. Отвечаешь арендаторам в мессенджере: коротко, по делу, на русском языке. Не выдумывай детали об объекте, которых нет в контексте.`

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	cache     kvcache.Store
	redis     *kvcache.Redis
	manager   *session.Manager
	connector *connector.Connector
	sweeper   *housekeeping.Sweeper
}

// New builds the full service graph from configuration. The sqlite schema is
// migrated and the default bot config seeded before anything starts.
func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	backing, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := backing.AutoMigrate(ctx); err != nil {
		backing.Close()
		return nil, err
	}
	if err := backing.EnsureDefaultBotConfig(ctx, defaultSystemPrompt, cfg.LLMModel, 1024); err != nil {
		backing.Close()
		return nil, err
	}

	runtime := &Runtime{cfg: cfg, logger: logger, store: backing}

	if cfg.RedisAddr != "" {
		redis := kvcache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redis.Ping(ctx); err != nil {
			backing.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		runtime.redis = redis
		runtime.cache = redis
		logger.Info("keyed store backed by redis", "addr", cfg.RedisAddr)
	} else {
		runtime.cache = kvcache.NewMemory()
		logger.Info("keyed store backed by process memory")
	}

	gateway := openai.New(openai.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: time.Duration(cfg.LLMTimeoutSec) * time.Second,
	}, logger)

	provider := greenapi.New(greenapi.Config{
		BaseURL:    cfg.GreenAPIBaseURL,
		InstanceID: cfg.GreenAPIInstanceID,
		Token:      cfg.GreenAPIToken,
	}, logger)
	dispatcher := messaging.NewDispatcher(provider, time.Duration(cfg.SendDelaySeconds)*time.Second, logger)

	contexts := dealcontext.New(
		cfg.ContextProviderURL,
		time.Duration(cfg.ContextTimeoutSeconds)*time.Second,
		time.Duration(cfg.ContextCacheTTLMin)*time.Minute,
		runtime.cache,
		logger,
	)

	scheduler := buffer.New(
		runtime.cache,
		time.Duration(cfg.DebounceSeconds)*time.Second,
		time.Duration(cfg.BufferTTLSeconds)*time.Second,
		logger,
	)
	extractor := extract.New(gateway, backing, cfg.LLMModel, 0.5, cfg.ExtractMaxToken, logger)
	summaries := summary.New(gateway, backing, summary.Config{
		Model:     cfg.LLMModel,
		MaxTokens: cfg.SummaryMaxTokens,
		MinTurns:  cfg.SummaryMinTurns,
	}, logger)

	runtime.manager = session.New(
		backing,
		scheduler,
		extractor,
		summaries,
		dispatcher,
		gateway,
		contexts,
		session.Options{
			Namespace:          cfg.BrandNamespace,
			Platform:           cfg.Platform,
			ControlResendToken: cfg.ControlResendToken,
			ResendNotice:       cfg.ResendNotice,
			KickoffTemplate:    cfg.KickoffTemplate,
			SummaryEveryTurns:  cfg.SummaryEveryTurns,
			RecentTurnLimit:    cfg.RecentTurnLimit,
		},
		logger,
	)

	dedup := gate.New(runtime.cache, time.Duration(cfg.DedupTTLSeconds)*time.Second, logger)
	runtime.connector = connector.New(
		provider,
		runtime.manager,
		dedup,
		time.Duration(cfg.GreenAPIPollSeconds)*time.Second,
		logger,
	)

	sweeper, err := housekeeping.New(backing, summaries, cfg.SummaryCron, logger)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.sweeper = sweeper

	return runtime, nil
}

// Manager exposes the session lifecycle surface for embedding callers.
func (r *Runtime) Manager() *session.Manager {
	return r.manager
}

func (r *Runtime) Close() error {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("redis close failed", "error", err)
		}
	}
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
