package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend.
type mapBackend struct {
	data map[string]any
}

func newMapBackend(kv map[string]any) *mapBackend {
	if kv == nil {
		kv = map[string]any{}
	}
	return &mapBackend{data: kv}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, errors.New("not a string")
	}
	return s, true, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (b *mapBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *mapBackend) SetInt(key string, val int) error { b.data[key] = val; return nil }
func (b *mapBackend) Delete(key string) error { delete(b.data, key); return nil }

// mockKeychain is a test double for the Keychain interface.
type mockKeychain struct {
	items map[string]string
	err   error
}

func newMockKeychain() *mockKeychain {
	return &mockKeychain{items: map[string]string{}}
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.items[service+"/"+account]
	if !ok {
		return "", errors.New("item not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.err != nil {
		return m.err
	}
	m.items[service+"/"+account] = value
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPRAISE_OPENROUTER_API_KEY", "test-key")

	cfg, err := loadWith(newMapBackend(nil), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Provider.Backend != BackendOpenRouter {
		t.Errorf("Provider.Backend = %q", cfg.Provider.Backend)
	}
	if cfg.Provider.OllamaBaseURL != "http://localhost:11434" {
		t.Errorf("Provider.OllamaBaseURL = %q", cfg.Provider.OllamaBaseURL)
	}
	if cfg.Models.Research != "anthropic/claude-sonnet-4" || cfg.Models.QA != "openai/gpt-4o-mini" {
		t.Errorf("Models = %+v", cfg.Models)
	}
	if cfg.StageTimeoutDuration() != 120*time.Second {
		t.Errorf("StageTimeoutDuration = %v", cfg.StageTimeoutDuration())
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMapBackend(map[string]any{
		"server.port":            5000,
		"models.report":          "openai/gpt-4o",
		"pipeline.stage_timeout": "30s",
		"instructions.dir":       "/etc/appraise/instructions",
		"storage.data_dir":       "/tmp/appraise-test",
	})
	kc := newMockKeychain()
	kc.items["appraise/openrouter_api_key"] = "kc-key"

	cfg, err := loadWith(b, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Models.ReportWriter != "openai/gpt-4o" {
		t.Errorf("Models.ReportWriter = %q", cfg.Models.ReportWriter)
	}
	if cfg.StageTimeoutDuration() != 30*time.Second {
		t.Errorf("StageTimeoutDuration = %v", cfg.StageTimeoutDuration())
	}
	if cfg.Instructions.Dir != "/etc/appraise/instructions" || cfg.Storage.DataDir != "/tmp/appraise-test" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Provider.OpenRouterAPIKey != "kc-key" {
		t.Errorf("OpenRouterAPIKey = %q, want keychain value", cfg.Provider.OpenRouterAPIKey)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPRAISE_OPENROUTER_API_KEY", "env-key")
	t.Setenv("APPRAISE_SERVER_PORT", "6000")
	t.Setenv("APPRAISE_MODEL_INTAKE", "google/gemini-2.0-flash-001")

	b := newMapBackend(map[string]any{"server.port": 5000})
	kc := newMockKeychain()
	kc.items["appraise/openrouter_api_key"] = "kc-key"

	cfg, err := loadWith(b, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.OpenRouterAPIKey != "env-key" {
		t.Errorf("OpenRouterAPIKey = %q, want env-key", cfg.Provider.OpenRouterAPIKey)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.StageModels()["intake"] != "google/gemini-2.0-flash-001" {
		t.Errorf("StageModels = %v", cfg.StageModels())
	}
}

func TestBadEnvIntKeepsValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPRAISE_OPENROUTER_API_KEY", "k")
	t.Setenv("APPRAISE_SERVER_PORT", "not-a-port")

	cfg, err := loadWith(newMapBackend(nil), newMockKeychain())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestMissingAPIKey(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(newMapBackend(nil), newMockKeychain())
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}
}

func TestOllamaBackendNeedsNoKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPRAISE_PROVIDER_BACKEND", "ollama")

	cfg, err := loadWith(newMapBackend(nil), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.Backend != BackendOllama {
		t.Errorf("Backend = %q", cfg.Provider.Backend)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		kv   map[string]any
		want string
	}{
		{"backend", map[string]any{"provider.backend": "bedrock"}, "provider.backend"},
		{"timeout", map[string]any{"pipeline.stage_timeout": "soon"}, "pipeline.stage_timeout"},
		{"negative timeout", map[string]any{"pipeline.stage_timeout": "-1s"}, "pipeline.stage_timeout"},
		{"type", map[string]any{"server.port": "x"}, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("APPRAISE_OPENROUTER_API_KEY", "k")
			_, err := loadWith(newMapBackend(tt.kv), newMockKeychain())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestGetAPITokenGeneratesOnce(t *testing.T) {
	kc := newMockKeychain()

	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("token changed between calls")
	}
}

func TestGetAPITokenStoreFailure(t *testing.T) {
	if _, err := GetAPIToken(&mockKeychain{err: errors.New("locked")}); err == nil {
		t.Error("expected error when the secret store is unavailable")
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend(nil)
	kc := newMockKeychain()

	if err := setKeyWith(b, kc, "server.port", "4200"); err != nil {
		t.Fatal(err)
	}
	if b.data["server.port"] != 4200 {
		t.Errorf("server.port = %v", b.data["server.port"])
	}
	if err := setKeyWith(b, kc, "models.qa", "openai/gpt-4o"); err != nil {
		t.Fatal(err)
	}
	if err := setKeyWith(b, kc, "provider.openrouter_api_key", "sk-1"); err != nil {
		t.Fatal(err)
	}
	if kc.items["appraise/openrouter_api_key"] != "sk-1" {
		t.Errorf("secret not stored in keychain: %v", kc.items)
	}
	if _, ok := b.data["provider.openrouter_api_key"]; ok {
		t.Error("secret written to plain backend")
	}

	if err := setKeyWith(b, kc, "server.port", "high"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, kc, "retrieval.top_k", "5"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Provider.OpenRouterAPIKey = "sk-secret"

	for _, ki := range ShowAll(cfg) {
		if strings.Contains(ki.Value, "sk-secret") {
			t.Errorf("%s leaks the secret", ki.Key)
		}
		if ki.Key == "provider.openrouter_api_key" && ki.Value != "(set)" {
			t.Errorf("secret shown as %q", ki.Value)
		}
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys = %d, specs = %d", len(ValidKeys()), len(specs))
	}
}

func TestLoadSettingsSkipsKeyCheck(t *testing.T) {
	clearEnv(t)

	cfg, err := loadSettings(newMapBackend(nil), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.OpenRouterAPIKey != "" {
		t.Errorf("OpenRouterAPIKey = %q", cfg.Provider.OpenRouterAPIKey)
	}
}
