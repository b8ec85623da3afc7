package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the relay and the terminal client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" toml:"basic_config" yaml:"basic_config"`
	Upstream    UpstreamConfig            `json:"upstream" toml:"upstream" yaml:"upstream"`
	Storage     StorageConfig             `json:"storage" toml:"storage" yaml:"storage"`
	Databases   map[string]DatabaseConfig `json:"databases" toml:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" toml:"redis" yaml:"redis"`
	Client      ClientConfig              `json:"client" toml:"client" yaml:"client"`
}

type BasicConfig struct {
	ServerAddress        string  `json:"server_address" toml:"server_address" yaml:"server_address" env:"CHATRELAY_ADDR"`
	MaxConcurrentStreams int64   `json:"max_concurrent_streams" toml:"max_concurrent_streams" yaml:"max_concurrent_streams"`
	MaxRequestBytes      int64   `json:"max_request_bytes" toml:"max_request_bytes" yaml:"max_request_bytes"`
	RateLimitRPS         float64 `json:"rate_limit_rps" toml:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst       int     `json:"rate_limit_burst" toml:"rate_limit_burst" yaml:"rate_limit_burst"`
	CacheBackend         string  `json:"cache_backend" toml:"cache_backend" yaml:"cache_backend" env:"CHATRELAY_CACHE"`
	ProbeCacheTTL        int     `json:"probe_cache_ttl" toml:"probe_cache_ttl" yaml:"probe_cache_ttl"` // seconds
}

// UpstreamConfig carries the provider settings. Credentials normally come
// from the environment using the same variable names as the web app did.
type UpstreamConfig struct {
	Client           string  `json:"client" toml:"client" yaml:"client" env:"CHATRELAY_UPSTREAM_CLIENT"`
	Provider         string  `json:"provider" toml:"provider" yaml:"provider" env:"CHATRELAY_PROVIDER"`
	Endpoint         string  `json:"endpoint" toml:"endpoint" yaml:"endpoint" env:"AZURE_OPENAI_ENDPOINT"`
	APIKey           string  `json:"api_key" toml:"api_key" yaml:"api_key" env:"AZURE_OPENAI_API_KEY"`
	Deployment       string  `json:"deployment" toml:"deployment" yaml:"deployment" env:"AZURE_OPENAI_DEPLOYMENT_NAME"`
	APIVersion       string  `json:"api_version" toml:"api_version" yaml:"api_version" env:"AZURE_OPENAI_API_VERSION"`
	Temperature      float32 `json:"temperature" toml:"temperature" yaml:"temperature"`
	MaxTokens        int     `json:"max_tokens" toml:"max_tokens" yaml:"max_tokens"`
	Timeout          int     `json:"timeout" toml:"timeout" yaml:"timeout"` // seconds, 0 disables
	MaxResponseBytes int64   `json:"max_response_bytes" toml:"max_response_bytes" yaml:"max_response_bytes"`
}

type StorageConfig struct {
	Driver string `json:"driver" toml:"driver" yaml:"driver" env:"CHATRELAY_STORAGE"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" toml:"dsn" yaml:"dsn"`
	Host     string `json:"host" toml:"host" yaml:"host"`
	Port     int    `json:"port" toml:"port" yaml:"port"`
	Username string `json:"username" toml:"username" yaml:"username"`
	Password string `json:"password" toml:"password" yaml:"password"`
	DBName   string `json:"db_name" toml:"db_name" yaml:"db_name"`
	Params   string `json:"params" toml:"params" yaml:"params"`
}

type RedisConfig struct {
	Host      string `json:"host" toml:"host" yaml:"host" env:"CHATRELAY_REDIS_HOST"`
	Port      int    `json:"port" toml:"port" yaml:"port" env:"CHATRELAY_REDIS_PORT"`
	Username  string `json:"username" toml:"username" yaml:"username"`
	Password  string `json:"password" toml:"password" yaml:"password" env:"CHATRELAY_REDIS_PASSWORD"`
	DB        int    `json:"db" toml:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" toml:"key_prefix" yaml:"key_prefix"`
}

// ClientConfig is used by the terminal client.
type ClientConfig struct {
	RelayURL string `json:"relay_url" toml:"relay_url" yaml:"relay_url" env:"CHATRELAY_URL"`
	Markdown bool   `json:"markdown" toml:"markdown" yaml:"markdown"`
	WordWrap int    `json:"word_wrap" toml:"word_wrap" yaml:"word_wrap"`
}

const (
	DefaultAPIVersion  = "2023-05-15"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error; settings then come from defaults,
// a .env file and the environment.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve config path")
	}

	var cfg Config
	if err := decodeFile(absPath, &cfg); err != nil {
		if explicit || !os.IsNotExist(errors.Cause(err)) {
			return nil, err
		}
	}

	// .env is optional, existing environment variables win.
	_ = godotenv.Load()
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	cfg.applyDefaults()

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && !isMemoryDSN(db.DSN) && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open config %s", path)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(file).Decode(cfg); err != nil {
			return errors.Wrap(err, "decode toml config")
		}
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return errors.Wrap(err, "decode yaml config")
		}
	default:
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return errors.Wrap(err, "decode config")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.MaxRequestBytes <= 0 {
		c.BasicConfig.MaxRequestBytes = 1 << 20
	}
	if c.BasicConfig.CacheBackend == "" {
		c.BasicConfig.CacheBackend = "memory"
	}
	if c.BasicConfig.ProbeCacheTTL <= 0 {
		c.BasicConfig.ProbeCacheTTL = 300
	}
	if c.Upstream.Client == "" {
		c.Upstream.Client = "go-openai"
	}
	if c.Upstream.Provider == "" {
		c.Upstream.Provider = "azure"
	}
	if c.Upstream.APIVersion == "" {
		c.Upstream.APIVersion = DefaultAPIVersion
	}
	if c.Upstream.Temperature == 0 {
		c.Upstream.Temperature = DefaultTemperature
	}
	if c.Upstream.MaxTokens <= 0 {
		c.Upstream.MaxTokens = DefaultMaxTokens
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if db := c.Databases["sqlite3"]; db.DSN == "" {
		db.DSN = "chatrelay.db"
		c.Databases["sqlite3"] = db
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "chatrelay:"
	}
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = "http://127.0.0.1:8090/api/chat"
	}
	if c.Client.WordWrap <= 0 {
		c.Client.WordWrap = 100
	}
}

// UpstreamTimeout returns the configured upstream deadline, zero when unset.
func (c *Config) UpstreamTimeout() time.Duration {
	if c.Upstream.Timeout <= 0 {
		return 0
	}
	return time.Duration(c.Upstream.Timeout) * time.Second
}

// ProbeTTL returns how long an upstream probe result stays cached.
func (c *Config) ProbeTTL() time.Duration {
	return time.Duration(c.BasicConfig.ProbeCacheTTL) * time.Second
}

// Validate reports missing upstream settings. It runs before any upstream
// contact so a misconfigured relay fails fast.
func (u UpstreamConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(u.APIKey) == "" {
		missing = append(missing, "api key")
	}
	if strings.TrimSpace(u.Deployment) == "" {
		missing = append(missing, "deployment")
	}
	if strings.EqualFold(u.Provider, "azure") && strings.TrimSpace(u.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if len(missing) > 0 {
		return errors.Errorf("upstream configuration is missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:")
}
