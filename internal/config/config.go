// Package config loads settings shared by the server and the chat client.
// Later sources win: built-in defaults, an optional YAML file, a .env file,
// then the process environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	LiveKit LiveKit `yaml:"livekit"`
	Backend Backend `yaml:"backend"`
	Storage Storage `yaml:"storage"`

	// TokenRPS is the per-client rate for the token endpoint; zero disables it.
	TokenRPS   float64 `yaml:"token_rps"`
	TokenBurst int     `yaml:"token_burst"`
}

type LiveKit struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Host      string `yaml:"host"`
}

type Backend struct {
	URL       string        `yaml:"url"`
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	AITimeout time.Duration `yaml:"ai_timeout"`
}

type Storage struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		LiveKit: LiveKit{
			Host: "ws://localhost:8080",
		},
		Backend: Backend{
			URL:       "http://localhost:8080",
			Provider:  "openrouter",
			Model:     "openrouter/auto",
			AITimeout: 30 * time.Second,
		},
		Storage: Storage{
			Driver: "memory",
		},
		TokenRPS:   5,
		TokenBurst: 10,
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Addr, "ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LiveKit.APIKey, "LIVEKIT_API_KEY")
	setString(&cfg.LiveKit.APISecret, "LIVEKIT_API_SECRET")
	setString(&cfg.LiveKit.Host, "LIVEKIT_HOST")
	setString(&cfg.Backend.URL, "NEXT_PUBLIC_BACKEND_URL")
	setString(&cfg.Backend.URL, "BACKEND_URL")
	setString(&cfg.Backend.Provider, "CHAT_PROVIDER")
	setString(&cfg.Backend.Model, "CHAT_MODEL")
	setString(&cfg.Storage.Driver, "STORAGE_DRIVER")
	setString(&cfg.Storage.DSN, "STORAGE_DSN")

	if v := os.Getenv("TOKEN_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(err, "TOKEN_RPS=%q", v)
		}
		cfg.TokenRPS = rps
	}
	if v := os.Getenv("TOKEN_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "TOKEN_BURST=%q", v)
		}
		cfg.TokenBurst = burst
	}
	if v := os.Getenv("AI_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "AI_TIMEOUT=%q", v)
		}
		cfg.Backend.AITimeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
