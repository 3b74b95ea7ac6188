package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.tarp/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Backend        Backend  `toml:"backend"`
	Sync           Sync     `toml:"sync"`
	Queue          Queue    `toml:"queue"`
	Cache          Cache    `toml:"cache"`
	Store          Store    `toml:"store"`
	Push           Push     `toml:"push"`
	Identity       Identity `toml:"identity"`
}

// Backend configures the REST client.
type Backend struct {
	BaseURL             string   `toml:"base_url"`
	Token               string   `toml:"token"`
	Timeout             Duration `toml:"timeout"`
	RatePerSecond       float64  `toml:"rate_per_second"`
	BreakerFailures     uint32   `toml:"breaker_failures"`
	BreakerTimeout      Duration `toml:"breaker_timeout"`
	ReadRetryMaxElapsed Duration `toml:"read_retry_max_elapsed"`
}

// Sync configures reconciliation and connectivity.
type Sync struct {
	SkewBuffer    Duration `toml:"skew_buffer"`
	BatchSize     int      `toml:"batch_size"`
	DrainInterval Duration `toml:"drain_interval"`
	ProbeInterval Duration `toml:"probe_interval"`
	ProbePath     string   `toml:"probe_path"`
	StaleAfter    Duration `toml:"stale_after"`
}

// Queue configures the action queue.
type Queue struct {
	MaxRetries int `toml:"max_retries"`
}

// Cache configures the image cache.
type Cache struct {
	TTL        Duration `toml:"ttl"`
	MaxEntries int      `toml:"max_entries"`
	Thumbnails bool     `toml:"thumbnails"`
	ThumbWidth int      `toml:"thumb_width"`
}

// Store selects the persistent store backing.
type Store struct {
	Backend     string `toml:"backend"`    // sqlite, kv
	KVBackend   string `toml:"kv_backend"` // file, redis
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
}

// Push configures the realtime feed. An empty URL disables it.
type Push struct {
	URL        string   `toml:"url"`
	MaxBackoff Duration `toml:"max_backoff"`
}

// Identity is the local user stamped on optimistic records.
type Identity struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.withDefaults()
	return cfg
}

func setDuration(d *Duration, v time.Duration) {
	if d.Duration <= 0 {
		d.Duration = v
	}
}

func setInt(n *int, v int) {
	if *n <= 0 {
		*n = v
	}
}

func setString(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

// withDefaults fills zero values.
func (c *Config) withDefaults() {
	setDuration(&c.Backend.Timeout, 30*time.Second)
	if c.Backend.RatePerSecond <= 0 {
		c.Backend.RatePerSecond = 10
	}
	if c.Backend.BreakerFailures == 0 {
		c.Backend.BreakerFailures = 5
	}
	setDuration(&c.Backend.BreakerTimeout, 30*time.Second)
	setDuration(&c.Backend.ReadRetryMaxElapsed, 10*time.Second)

	setDuration(&c.Sync.SkewBuffer, time.Second)
	setInt(&c.Sync.BatchSize, 3)
	setDuration(&c.Sync.DrainInterval, 30*time.Second)
	setDuration(&c.Sync.ProbeInterval, 10*time.Second)
	setString(&c.Sync.ProbePath, "/health")
	setDuration(&c.Sync.StaleAfter, 5*time.Minute)

	setInt(&c.Queue.MaxRetries, 3)

	setDuration(&c.Cache.TTL, 7*24*time.Hour)
	setInt(&c.Cache.MaxEntries, 100)
	setInt(&c.Cache.ThumbWidth, 320)

	setString(&c.Store.Backend, "sqlite")
	setString(&c.Store.KVBackend, "file")
	setString(&c.Store.RedisPrefix, "tarp")

	setDuration(&c.Push.MaxBackoff, time.Minute)

	setString(&c.Identity.UserID, "me")
	setString(&c.Identity.DisplayName, "Me")
}

// Load reads config from the given path and applies defaults. Returns an
// error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.withDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
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
