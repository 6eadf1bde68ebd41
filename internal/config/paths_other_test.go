//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestXDGPaths(t *testing.T) {
	data, conf := t.TempDir(), t.TempDir()
	t.Setenv("XDG_DATA_HOME", data)
	t.Setenv("XDG_CONFIG_HOME", conf)

	if got, want := defaultDataDir(), filepath.Join(data, "appraise"); got != want {
		t.Errorf("defaultDataDir = %q, want %q", got, want)
	}
	if got, want := configFilePath(), filepath.Join(conf, "appraise", "config.json"); got != want {
		t.Errorf("configFilePath = %q, want %q", got, want)
	}
	if got, want := secretsFilePath(), filepath.Join(data, "appraise", "secrets.json"); got != want {
		t.Errorf("secretsFilePath = %q, want %q", got, want)
	}
}

func TestXDGBaseFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", "")

	if got, want := xdgBase("XDG_DATA_HOME", ".local", "share"), filepath.Join(home, ".local", "share"); got != want {
		t.Errorf("xdgBase = %q, want %q", got, want)
	}
}

func TestFileSecretsRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet(secretService, accountAPIToken); err == nil {
		t.Fatal("expected error before any secret is stored")
	}
	if err := keychainSet(secretService, accountAPIToken, "tok-1"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if err := keychainSet(secretService, accountOpenRouterKey, "sk-1"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}

	got, err := keychainGet(secretService, accountAPIToken)
	if err != nil || string(got) != "tok-1" {
		t.Errorf("keychainGet = %q, %v", got, err)
	}
	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}
