package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName names the data directory under the user config dir.
	AppDirectoryName = "securechat"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SECURECHAT_"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = EnvPrefix + "DATA_DIR"

	DefaultHTTPListen     = ":8080"
	DefaultRealtimeListen = ":9090"
	DefaultDatabaseFile   = "securechat.db"
	DefaultAckTimeout     = 10 * time.Second
	DefaultSweepInterval  = time.Second

	configFileName = "config.yaml"
	keyFileName    = "x25519_private.pem"
)

// ErrInvalid indicates a configuration value out of range.
var ErrInvalid = errors.New("config: invalid value")

// Config contains persistent settings for both the relay and the client.
// Every field can be overridden by a SECURECHAT_* environment variable
// without being written back to disk.
type Config struct {
	// Identity is the local chat identity; generated on first run.
	Identity    string `yaml:"identity" env:"IDENTITY,overwrite"`
	DisplayName string `yaml:"display_name" env:"DISPLAY_NAME,overwrite"`
	KeyPath     string `yaml:"key_path" env:"KEY_PATH,overwrite"`

	// ServerURL and RealtimeAddress locate the relay. When both are empty
	// the client resolves the relay through mDNS.
	ServerURL       string `yaml:"server_url" env:"SERVER_URL,overwrite"`
	RealtimeAddress string `yaml:"realtime_address" env:"REALTIME_ADDRESS,overwrite"`

	HTTPListen       string        `yaml:"http_listen" env:"HTTP_LISTEN,overwrite"`
	RealtimeListen   string        `yaml:"realtime_listen" env:"REALTIME_LISTEN,overwrite"`
	DatabaseFile     string        `yaml:"database_file" env:"DATABASE_FILE,overwrite"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL,overwrite"`
	DisableDiscovery bool          `yaml:"disable_discovery" env:"DISABLE_DISCOVERY,overwrite"`

	AckTimeout          time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT,overwrite"`
	RetryAttempts       int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS,overwrite"`
	RetryBackoff        time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF,overwrite"`
	DefaultSelfDestruct time.Duration `yaml:"default_self_destruct" env:"DEFAULT_SELF_DESTRUCT,overwrite"`
}

// ResolveDataDir picks the data directory: SECURECHAT_DATA_DIR when set,
// otherwise a securechat folder under the user's config directory
// (%AppData% on Windows, ~/Library/Application Support on macOS,
// $XDG_CONFIG_HOME or ~/.config elsewhere).
func ResolveDataDir() (string, error) {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath is where config.yaml lives inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

func keysDir(dataDir string) string {
	return filepath.Join(dataDir, "keys")
}

// EnsureDataDirectories creates dataDir and its keys folder, owner-only.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(keysDir(dataDir), 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", keysDir(dataDir), err)
	}
	// MkdirAll leaves an existing dataDir alone; tighten it anyway.
	if err := os.Chmod(dataDir, 0o700); err != nil {
		return fmt.Errorf("config: chmod %s: %w", dataDir, err)
	}
	return nil
}

// Load parses the YAML file at path without applying defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg := new(Config)
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path through a temporary file so a crash never leaves
// a half-written config behind.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("config: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: replace %s: %w", path, err)
	}
	return nil
}

// LoadOrCreate is LoadOrCreateIn for the resolved data directory and the
// process environment.
func LoadOrCreate(ctx context.Context) (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(ctx, dataDir, envconfig.OsLookuper())
}

// LoadOrCreateIn loads dataDir/config.yaml, creating it on first run. Missing
// defaults are filled in and written back before environment overrides from
// lookuper are layered on top, so overrides never reach the file.
func LoadOrCreateIn(ctx context.Context, dataDir string, lookuper envconfig.Lookuper) (*Config, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := ConfigPath(dataDir)
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, "", err
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(path, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := ApplyEnv(ctx, cfg, lookuper); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, dataDir, nil
}

// ApplyEnv overrides cfg with SECURECHAT_* values found by lookuper.
func ApplyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	if lookuper == nil {
		return nil
	}
	if err := envconfig.ProcessWith(ctx, cfg, envconfig.PrefixLookuper(EnvPrefix, lookuper)); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	return nil
}

// Validate rejects values the rest of the program cannot use.
func (c *Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalid)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack_timeout must be positive", ErrInvalid)
	}
	if c.RetryAttempts < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("%w: retry settings must not be negative", ErrInvalid)
	}
	if c.DefaultSelfDestruct < 0 {
		return fmt.Errorf("%w: default_self_destruct must not be negative", ErrInvalid)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalid)
	}
	return nil
}

// DatabasePath returns the relay database location inside dataDir.
func (c *Config) DatabasePath(dataDir string) string {
	if filepath.IsAbs(c.DatabaseFile) {
		return c.DatabaseFile
	}
	return filepath.Join(dataDir, c.DatabaseFile)
}

func defaultDisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return AppDirectoryName
	}
	return host
}

// normalizeDefaults fills zero fields and clamps negative ones, reporting
// whether anything changed.
func normalizeDefaults(cfg *Config, dataDir string) bool {
	var changed bool
	fill := func(field *string, value func() string) {
		if *field == "" {
			*field, changed = value(), true
		}
	}
	positive := func(field *time.Duration, value time.Duration) {
		if *field <= 0 {
			*field, changed = value, true
		}
	}
	clamp := func(field *time.Duration) {
		if *field < 0 {
			*field, changed = 0, true
		}
	}

	fill(&cfg.Identity, uuid.NewString)
	fill(&cfg.DisplayName, defaultDisplayName)
	fill(&cfg.KeyPath, func() string { return filepath.Join(keysDir(dataDir), keyFileName) })
	fill(&cfg.HTTPListen, func() string { return DefaultHTTPListen })
	fill(&cfg.RealtimeListen, func() string { return DefaultRealtimeListen })
	fill(&cfg.DatabaseFile, func() string { return DefaultDatabaseFile })
	positive(&cfg.AckTimeout, DefaultAckTimeout)
	positive(&cfg.SweepInterval, DefaultSweepInterval)
	clamp(&cfg.RetryBackoff)
	clamp(&cfg.DefaultSelfDestruct)
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts, changed = 0, true
	}
	return changed
}
