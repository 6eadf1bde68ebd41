package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"

	"github.com/kalambet/appraise/internal/config"
	"github.com/kalambet/appraise/internal/gateway"
	"github.com/kalambet/appraise/internal/instructions"
	"github.com/kalambet/appraise/internal/ledger"
	"github.com/kalambet/appraise/internal/pipeline"
	"github.com/kalambet/appraise/internal/provider"
	"github.com/kalambet/appraise/internal/stage"
	"github.com/kalambet/appraise/internal/storage"
)

// app is the wired pipeline for one process.
type app struct {
	cfg     config.Config
	store   *storage.Store
	gateway *gateway.Gateway
	orch    *pipeline.Orchestrator
	logger  *slog.Logger
}

func setupLogging(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// newProvider builds the configured backend. For Ollama it first makes sure
// the server is up and every stage model is pulled.
func newProvider(ctx context.Context, cfg config.Config, progress io.Writer) (provider.Provider, error) {
	switch cfg.Provider.Backend {
	case config.BackendOllama:
		c := provider.NewOllama(cfg.Provider.OllamaBaseURL)
		models := make([]string, 0, len(stage.Order))
		for _, name := range stage.Order {
			models = append(models, cfg.StageModels()[string(name)])
		}
		if err := provider.EnsureOllamaReady(ctx, c, models, progress); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return provider.NewOpenRouter(cfg.Provider.OpenRouterAPIKey, cfg.Provider.OpenRouterBaseURL), nil
	}
}

// ratesFor returns the price table. Local Ollama models that are not listed
// are free.
func ratesFor(cfg config.Config) map[string]gateway.Rate {
	rates := maps.Clone(gateway.DefaultRates)
	if cfg.Provider.Backend == config.BackendOllama {
		for _, m := range cfg.StageModels() {
			if _, ok := rates[m]; !ok {
				rates[m] = gateway.Rate{}
			}
		}
	}
	return rates
}

func instructionLoader(cfg config.Config, store *storage.Store) instructions.Loader {
	if cfg.Instructions.Dir != "" {
		return instructions.DirLoader{Dir: cfg.Instructions.Dir}
	}
	return instructions.StoreLoader{Store: store}
}

// wire assembles the pipeline on top of an open store and provider.
func wire(cfg config.Config, store *storage.Store, p provider.Provider, logger *slog.Logger) *app {
	if logger == nil {
		logger = slog.Default()
	}
	gw := gateway.New(p, ratesFor(cfg), cfg.StageTimeoutDuration())
	audit := ledger.NewAuditWriter(store, logger)
	deps := stage.Deps{
		Store:        store,
		Gateway:      gw,
		Instructions: instructions.NewCache(instructionLoader(cfg, store), logger),
		Costs:        ledger.NewCostWriter(store, audit, logger),
		Audit:        audit,
		Logger:       logger,
	}

	models := stage.Models{}
	for name, m := range cfg.StageModels() {
		models[stage.Name(name)] = m
	}
	orch := pipeline.New(store, func() []stage.Stage {
		return stage.NewPipelineStages(deps, models)
	}, audit, logger)

	return &app{cfg: cfg, store: store, gateway: gw, orch: orch, logger: logger}
}

// openApp loads everything a pipeline run needs. The caller closes app.store.
func openApp(ctx context.Context, cfg config.Config, progress io.Writer) (*app, error) {
	logger := setupLogging(cfg.Log.Level)

	p, err := newProvider(ctx, cfg, progress)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	return wire(cfg, store, p, logger), nil
}
