package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secret store account for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "APPRAISE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "provider.backend", typ: kString, env: "APPRAISE_PROVIDER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Provider.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Backend },
	},
	{
		key: "provider.openrouter_api_key", typ: kString, env: "APPRAISE_OPENROUTER_API_KEY",
		secret: true, account: accountOpenRouterKey,
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterAPIKey },
	},
	{
		key: "provider.openrouter_base_url", typ: kString, env: "APPRAISE_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterBaseURL },
	},
	{
		key: "provider.ollama_base_url", typ: kString, env: "APPRAISE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OllamaBaseURL },
	},
	{
		key: "models.intake", typ: kString, env: "APPRAISE_MODEL_INTAKE",
		apply:   func(cfg *Config, v any) { cfg.Models.Intake = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Intake },
	},
	{
		key: "models.research", typ: kString, env: "APPRAISE_MODEL_RESEARCH",
		apply:   func(cfg *Config, v any) { cfg.Models.Research = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Research },
	},
	{
		key: "models.comparable", typ: kString, env: "APPRAISE_MODEL_COMPARABLE",
		apply:   func(cfg *Config, v any) { cfg.Models.Comparable = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Comparable },
	},
	{
		key: "models.report", typ: kString, env: "APPRAISE_MODEL_REPORT",
		apply:   func(cfg *Config, v any) { cfg.Models.ReportWriter = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.ReportWriter },
	},
	{
		key: "models.qa", typ: kString, env: "APPRAISE_MODEL_QA",
		apply:   func(cfg *Config, v any) { cfg.Models.QA = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.QA },
	},
	{
		key: "models.compliance", typ: kString, env: "APPRAISE_MODEL_COMPLIANCE",
		apply:   func(cfg *Config, v any) { cfg.Models.Compliance = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Compliance },
	},
	{
		key: "pipeline.stage_timeout", typ: kString, env: "APPRAISE_STAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeout },
	},
	{
		key: "instructions.dir", typ: kString, env: "APPRAISE_INSTRUCTIONS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Instructions.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Instructions.Dir },
	},
	{
		key: "storage.data_dir", typ: kString, env: "APPRAISE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "APPRAISE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
