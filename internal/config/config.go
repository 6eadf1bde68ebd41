package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Provider backends.
const (
	BackendOpenRouter = "openrouter"
	BackendOllama     = "ollama"
)

// AppName names the config domain, the data and config directories and the
// secret store service.
const AppName = "appraise"

const secretService = AppName

// Secret store accounts.
const (
	accountOpenRouterKey = "openrouter_api_key"
	accountAPIToken      = "api_token"
)

type Config struct {
	Server       ServerConfig
	Provider     ProviderConfig
	Models       ModelsConfig
	Pipeline     PipelineConfig
	Instructions InstructionsConfig
	Storage      StorageConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port int
}

type ProviderConfig struct {
	Backend           string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OllamaBaseURL     string
}

// ModelsConfig names the model each stage calls.
type ModelsConfig struct {
	Intake       string
	Research     string
	Comparable   string
	ReportWriter string
	QA           string
	Compliance   string
}

type PipelineConfig struct {
	StageTimeout string
}

// InstructionsConfig points at a directory of <stage>.md files. When Dir is
// empty, instructions are read from the database.
type InstructionsConfig struct {
	Dir string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Provider: ProviderConfig{
			Backend:           BackendOpenRouter,
			OpenRouterBaseURL: "https://openrouter.ai/api/v1",
			OllamaBaseURL:     "http://localhost:11434",
		},
		Models: ModelsConfig{
			Intake:       "openai/gpt-4o-mini",
			Research:     "anthropic/claude-sonnet-4",
			Comparable:   "openai/gpt-4o",
			ReportWriter: "anthropic/claude-sonnet-4",
			QA:           "openai/gpt-4o-mini",
			Compliance:   "openai/gpt-4o-mini",
		},
		Pipeline: PipelineConfig{
			StageTimeout: "120s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// StageTimeoutDuration parses Pipeline.StageTimeout. Load has already
// validated it.
func (c Config) StageTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.StageTimeout)
	if err != nil {
		return 0
	}
	return d
}

// StageModels returns the model names keyed by stage name.
func (c Config) StageModels() map[string]string {
	return map[string]string{
		"intake":        c.Models.Intake,
		"research":      c.Models.Research,
		"comparable":    c.Models.Comparable,
		"report_writer": c.Models.ReportWriter,
		"qa":            c.Models.QA,
		"compliance":    c.Models.Compliance,
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.appraise.app) and
// secrets fall back to the macOS Keychain.
// Elsewhere the backend is a JSON file at $XDG_CONFIG_HOME/appraise/config.json
// and secrets fall back to $XDG_DATA_HOME/appraise/secrets.json.
//
// Environment variables (APPRAISE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts the platform secret store for testing.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return platformKeychain{}
}

// LoadLocal is Load without the provider credential check, for commands
// that only touch the local database.
func LoadLocal() (Config, error) {
	return loadSettings(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg, err := loadSettings(b, kc)
	if err != nil {
		return Config{}, err
	}

	if cfg.Provider.Backend == BackendOpenRouter && cfg.Provider.OpenRouterAPIKey == "" {
		msg := "missing required config: OpenRouter API key. " +
			"Set it via environment variable APPRAISE_OPENROUTER_API_KEY" +
			secretHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

func loadSettings(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	switch cfg.Provider.Backend {
	case BackendOpenRouter, BackendOllama:
	default:
		return Config{}, fmt.Errorf("invalid provider.backend %q: want %q or %q", cfg.Provider.Backend, BackendOpenRouter, BackendOllama)
	}

	if d, err := time.ParseDuration(cfg.Pipeline.StageTimeout); err != nil || d < 0 {
		return Config{}, fmt.Errorf("invalid pipeline.stage_timeout %q", cfg.Pipeline.StageTimeout)
	}

	// Try platform keychain for API key if still empty.
	if cfg.Provider.Backend == BackendOpenRouter && cfg.Provider.OpenRouterAPIKey == "" {
		if key, err := kc.Get(secretService, accountOpenRouterKey); err == nil && key != "" {
			cfg.Provider.OpenRouterAPIKey = key
		}
	}

	return cfg, nil
}

// GetAPIToken returns the bearer token for the HTTP API, generating and
// storing one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(secretService, accountAPIToken); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(secretService, accountAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}

// platformKeychain reads from the macOS Keychain or the secrets file.
type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
