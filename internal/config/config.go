package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Netflix/go-env"
)

// Config is ~/.chatsync/config.toml. Every field can be overridden by the
// CHATSYNC_* environment variable named in its env tag.
type Config struct {
	DefaultProfile string `toml:"default_profile" env:"CHATSYNC_PROFILE"`
	LogLevel       string `toml:"log_level" env:"CHATSYNC_LOG_LEVEL"`

	Store StoreConfig `toml:"store"`
	Redis RedisConfig `toml:"redis"`
	HTTP  HTTPConfig  `toml:"http"`
	Auth  AuthConfig  `toml:"auth"`
	Push  PushConfig  `toml:"push"`
	Sync  SyncConfig  `toml:"sync"`
}

// StoreConfig selects the authoritative store. An empty DSN for sqlite means
// the profile's local store file.
type StoreConfig struct {
	Driver string `toml:"driver" env:"CHATSYNC_STORE_DRIVER"`
	DSN    string `toml:"dsn" env:"CHATSYNC_STORE_DSN"`
}

// RedisConfig enables shared typing presence and the event relay when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr" env:"CHATSYNC_REDIS_ADDR"`
	Password string `toml:"password" env:"CHATSYNC_REDIS_PASSWORD"`
	DB       int    `toml:"db" env:"CHATSYNC_REDIS_DB"`
	Channel  string `toml:"channel" env:"CHATSYNC_REDIS_CHANNEL"`
}

// HTTPConfig enables the HTTP and WebSocket gateway when Addr is set.
type HTTPConfig struct {
	Addr string `toml:"addr" env:"CHATSYNC_HTTP_ADDR"`
}

// AuthConfig holds the shared secret used to verify bearer tokens.
type AuthConfig struct {
	JWTSecret string        `toml:"jwt_secret" env:"CHATSYNC_JWT_SECRET"`
	TokenTTL  time.Duration `toml:"token_ttl" env:"CHATSYNC_TOKEN_TTL"`
}

// PushConfig points at the push dispatch endpoint. Push is disabled when URL
// is empty.
type PushConfig struct {
	URL     string        `toml:"url" env:"CHATSYNC_PUSH_URL"`
	Timeout time.Duration `toml:"timeout" env:"CHATSYNC_PUSH_TIMEOUT"`
}

// SyncConfig tunes the engine and the offline queue.
type SyncConfig struct {
	FlushInterval time.Duration `toml:"flush_interval" env:"CHATSYNC_FLUSH_INTERVAL"`
	MaxRetries    int           `toml:"max_retries" env:"CHATSYNC_MAX_RETRIES"`
	SendTimeout   time.Duration `toml:"send_timeout" env:"CHATSYNC_SEND_TIMEOUT"`
	TypingTTL     time.Duration `toml:"typing_ttl" env:"CHATSYNC_TYPING_TTL"`
	ProbeInterval time.Duration `toml:"probe_interval" env:"CHATSYNC_PROBE_INTERVAL"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		LogLevel:       "info",
		Store:          StoreConfig{Driver: "sqlite3"},
		Redis:          RedisConfig{Channel: "chatsync:events"},
		Auth:           AuthConfig{TokenTTL: 24 * time.Hour},
		Push:           PushConfig{Timeout: 10 * time.Second},
		Sync: SyncConfig{
			FlushInterval: 5 * time.Second,
			MaxRetries:    3,
			SendTimeout:   10 * time.Second,
			TypingTTL:     3 * time.Second,
			ProbeInterval: 15 * time.Second,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path if it exists, then applies environment overrides.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any CHATSYNC_* variables that are set.
func ApplyEnv(cfg *Config) error {
	es := env.EnvironToEnvSet(os.Environ())
	for _, target := range []any{cfg, &cfg.Store, &cfg.Redis, &cfg.HTTP, &cfg.Auth, &cfg.Push, &cfg.Sync} {
		if err := env.Unmarshal(es, target); err != nil {
			return err
		}
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
