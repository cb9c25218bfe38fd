package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ruralhub/rural-match/internal/ai"
	"github.com/ruralhub/rural-match/internal/ai/gemini"
	"github.com/ruralhub/rural-match/internal/cache"
	"github.com/ruralhub/rural-match/internal/directory"
	"github.com/ruralhub/rural-match/internal/matching"
	"github.com/ruralhub/rural-match/internal/secrets"
)

// engine bundles the wired-up pipeline for the CLI commands.
type engine struct {
	store        *directory.Store
	orchestrator *matching.Orchestrator
}

func (e *engine) close() {
	e.store.Close()
}

func newEngine(ctx context.Context, config *Config, logger *zap.Logger) (*engine, error) {
	if config == nil || config.Directory == nil || config.Directory.Path == "" {
		return nil, errors.New("directory.path is required in the configuration")
	}

	store, err := directory.Open(config.Directory.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open business directory: %w", err)
	}

	mcfg := matching.Config{}
	if m := config.Matching; m != nil {
		mcfg = matching.Config{
			Weights: matching.Weights{
				Attribute: m.AttributeWeight,
				Relevance: m.RelevanceWeight,
			},
			BatchSize:      m.BatchSize,
			MaxParallel:    m.MaxParallel,
			RequestTimeout: m.RequestTimeout,
			DefaultLimit:   m.Limit,
		}
	}

	var oracle ai.RelevanceOracle
	if config.AI != nil && config.AI.Enabled {
		oracle, err = buildOracle(ctx, config, mcfg.BatchSize, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	return &engine{
		store:        store,
		orchestrator: matching.NewOrchestrator(store, oracle, mcfg, logger),
	}, nil
}

func buildOracle(ctx context.Context, config *Config, batchSize int, logger *zap.Logger) (ai.RelevanceOracle, error) {
	aiCfg := config.AI
	if aiCfg.Provider != "" && aiCfg.Provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %q", aiCfg.Provider)
	}
	if aiCfg.Gemini == nil {
		return nil, errors.New("ai.gemini configuration is required when ai is enabled")
	}

	key, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		Value: aiCfg.Gemini.APIKey,
		File:  aiCfg.Gemini.APIKeyFile,
		Env:   "GEMINI_API_KEY",
	})
	if err != nil {
		return nil, err
	}

	generator, err := gemini.NewGenerator(ctx, key, aiCfg.Gemini.Model)
	if err != nil {
		return nil, err
	}

	opts := []gemini.OracleOption{
		gemini.WithMaxLogLength(aiCfg.Gemini.MaxLogLength),
	}
	if batchSize > 0 {
		opts = append(opts, gemini.WithMaxBatch(batchSize))
	}
	if aiCfg.Gemini.BatchTimeout > 0 {
		opts = append(opts, gemini.WithBatchTimeout(aiCfg.Gemini.BatchTimeout))
	}

	var oracle ai.RelevanceOracle = gemini.NewOracle(generator, logger, opts...)

	if config.Cache != nil && config.Cache.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Cache.Address,
			Password: config.Cache.Password,
			DB:       config.Cache.DB,
		})
		oracle = cache.New(oracle, client, config.Cache.TTL, logger)
	}

	return oracle, nil
}

// startMetrics exposes the prometheus registry when enabled in config.
func startMetrics(config *Config, logger *zap.Logger) {
	if config == nil || config.Metrics == nil || !config.Metrics.Enabled {
		return
	}

	addr := config.Metrics.Address
	if addr == "" {
		addr = ":9108"
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()

	logger.Info("serving metrics", zap.String("address", addr))
}
