package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration wraps time.Duration so YAML values like "30s" parse
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// config is quiltd's runtime configuration. Every field can come from the
// YAML file named by QUILTD_CONFIG; environment variables override file
// values, which override the defaults.
type config struct {
	Addr             string   `yaml:"addr"`
	RedisAddr        string   `yaml:"redis_addr"`
	RedisScope       string   `yaml:"redis_scope"`
	PostgresURL      string   `yaml:"postgres_url"`
	IdleTimeout      duration `yaml:"idle_timeout"`
	AwarenessTimeout duration `yaml:"awareness_timeout"`
}

func defaultConfig() config {
	return config{
		Addr:       ":8844",
		RedisScope: "quilt",
	}
}

// loadConfig layers file values over the defaults and env values over both.
// An empty path skips the file entirely.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Addr = getenv("QUILTD_ADDR", cfg.Addr)
	cfg.RedisAddr = getenv("QUILTD_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisScope = getenv("QUILTD_REDIS_SCOPE", cfg.RedisScope)
	cfg.PostgresURL = getenv("QUILTD_POSTGRES_URL", cfg.PostgresURL)
	if err := envDuration("QUILTD_IDLE_TIMEOUT", &cfg.IdleTimeout); err != nil {
		return cfg, err
	}
	if err := envDuration("QUILTD_AWARENESS_TIMEOUT", &cfg.AwarenessTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envDuration(key string, dst *duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = duration(d)
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
