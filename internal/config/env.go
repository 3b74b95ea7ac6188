package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvAPIURL       = "TARP_API_URL"
	EnvAPIToken     = "TARP_API_TOKEN"
	EnvPushURL      = "TARP_PUSH_URL"
	EnvStoreBackend = "TARP_STORE_BACKEND"
	EnvRedisAddr    = "TARP_REDIS_ADDR"
)

// ApplyEnv loads dotenv files (missing ones are skipped) into the process
// environment without overriding variables that are already set, then
// applies TARP_* overrides to cfg.
func ApplyEnv(cfg *Config, dotenvFiles ...string) error {
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}

	overrides := []struct {
		env string
		dst *string
	}{
		{EnvAPIURL, &cfg.Backend.BaseURL},
		{EnvAPIToken, &cfg.Backend.Token},
		{EnvPushURL, &cfg.Push.URL},
		{EnvStoreBackend, &cfg.Store.Backend},
		{EnvRedisAddr, &cfg.Store.RedisAddr},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.dst = v
		}
	}
	if cfg.Store.RedisAddr != "" && os.Getenv(EnvRedisAddr) != "" {
		cfg.Store.KVBackend = "redis"
	}
	return nil
}
