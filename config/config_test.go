package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstDir, err := LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.Identity == "" {
		t.Fatalf("expected non-empty identity")
	}
	if firstDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstDir)
	}
	if firstCfg.AckTimeout != DefaultAckTimeout {
		t.Fatalf("expected default ack timeout, got %v", firstCfg.AckTimeout)
	}
	if firstCfg.KeyPath != filepath.Join(tempDir, "keys", "x25519_private.pem") {
		t.Fatalf("unexpected key path %q", firstCfg.KeyPath)
	}
	if _, err := os.Stat(ConfigPath(tempDir)); err != nil {
		t.Fatalf("expected config file on disk: %v", err)
	}

	secondCfg, _, err := LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondCfg.Identity != firstCfg.Identity {
		t.Fatalf("expected stable identity, got %q then %q", firstCfg.Identity, secondCfg.Identity)
	}
	if secondCfg.DatabasePath(tempDir) != filepath.Join(tempDir, DefaultDatabaseFile) {
		t.Fatalf("unexpected database path %q", secondCfg.DatabasePath(tempDir))
	}
}

func TestLoadOrCreateFillsMissingFieldsOfExistingFile(t *testing.T) {
	tempDir := t.TempDir()
	cfgPath := ConfigPath(tempDir)

	legacy := "identity: alice\nack_timeout: 3s\nretry_attempts: -2\n"
	if err := os.WriteFile(cfgPath, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy config: %v", err)
	}

	cfg, _, err := LoadOrCreateIn(context.Background(), tempDir, envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("LoadOrCreateIn failed: %v", err)
	}
	if cfg.Identity != "alice" {
		t.Fatalf("identity must be preserved, got %q", cfg.Identity)
	}
	if cfg.AckTimeout != 3*time.Second {
		t.Fatalf("ack timeout must be preserved, got %v", cfg.AckTimeout)
	}
	if cfg.RetryAttempts != 0 {
		t.Fatalf("negative retry attempts must be clamped, got %d", cfg.RetryAttempts)
	}
	if cfg.HTTPListen != DefaultHTTPListen || cfg.RealtimeListen != DefaultRealtimeListen {
		t.Fatalf("listen defaults missing: %q %q", cfg.HTTPListen, cfg.RealtimeListen)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read normalized config: %v", err)
	}
	if !strings.Contains(string(raw), "http_listen") {
		t.Fatalf("normalized defaults must be persisted, got:\n%s", raw)
	}
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	ctx := context.Background()

	if _, _, err := LoadOrCreateIn(ctx, tempDir, envconfig.MapLookuper(nil)); err != nil {
		t.Fatalf("initial LoadOrCreateIn failed: %v", err)
	}

	env := envconfig.MapLookuper(map[string]string{
		"SECURECHAT_SERVER_URL":            "http://relay.local:8080",
		"SECURECHAT_ACK_TIMEOUT":           "250ms",
		"SECURECHAT_DISABLE_DISCOVERY":     "true",
		"SECURECHAT_DEFAULT_SELF_DESTRUCT": "1m",
		"SERVER_URL":                       "ignored without prefix",
	})
	cfg, _, err := LoadOrCreateIn(ctx, tempDir, env)
	if err != nil {
		t.Fatalf("LoadOrCreateIn with env failed: %v", err)
	}
	if cfg.ServerURL != "http://relay.local:8080" {
		t.Fatalf("expected server url override, got %q", cfg.ServerURL)
	}
	if cfg.AckTimeout != 250*time.Millisecond {
		t.Fatalf("expected ack timeout override, got %v", cfg.AckTimeout)
	}
	if !cfg.DisableDiscovery {
		t.Fatalf("expected discovery to be disabled")
	}
	if cfg.DefaultSelfDestruct != time.Minute {
		t.Fatalf("expected self destruct override, got %v", cfg.DefaultSelfDestruct)
	}

	onDisk, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if onDisk.ServerURL != "" || onDisk.AckTimeout != DefaultAckTimeout {
		t.Fatalf("environment overrides leaked to disk: %+v", onDisk)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tempDir := t.TempDir()

	env := envconfig.MapLookuper(map[string]string{
		"SECURECHAT_DEFAULT_SELF_DESTRUCT": "-1s",
	})
	if _, _, err := LoadOrCreateIn(context.Background(), tempDir, env); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}

	env = envconfig.MapLookuper(map[string]string{
		"SECURECHAT_ACK_TIMEOUT": "soon",
	})
	if _, _, err := LoadOrCreateIn(context.Background(), tempDir, env); err == nil {
		t.Fatalf("expected parse error for invalid duration")
	}
}

func TestDatabasePathKeepsAbsoluteFile(t *testing.T) {
	absolute := filepath.Join(t.TempDir(), "relay.db")
	cfg := &Config{DatabaseFile: absolute}
	if got := cfg.DatabasePath("/ignored"); got != absolute {
		t.Fatalf("expected %q, got %q", absolute, got)
	}
}

func TestSaveReplacesFileWithOwnerOnlyPermissions(t *testing.T) {
	tempDir := t.TempDir()
	path := ConfigPath(tempDir)
	if err := os.WriteFile(path, []byte("identity: old\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if err := Save(path, &Config{Identity: "new"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
	cfg, err := Load(path)
	if err != nil || cfg.Identity != "new" {
		t.Fatalf("expected identity new, got %+v (%v)", cfg, err)
	}
}

func TestLoadOrCreateAcceptsEmptyFile(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.WriteFile(ConfigPath(tempDir), nil, 0o600); err != nil {
		t.Fatalf("write empty config: %v", err)
	}

	cfg, _, err := LoadOrCreateIn(context.Background(), tempDir, nil)
	if err != nil {
		t.Fatalf("LoadOrCreateIn failed: %v", err)
	}
	if cfg.Identity == "" || cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
