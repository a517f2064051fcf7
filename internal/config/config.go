package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" mapstructure:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" mapstructure:"databases"`
	Redis       RedisConfig               `json:"redis" mapstructure:"redis"`
	LLM         LLMConfig                 `json:"llm" mapstructure:"llm"`
	Auth        AuthConfig                `json:"auth" mapstructure:"auth"`
	Log         LogConfig                 `json:"log" mapstructure:"log"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" mapstructure:"server_address"`
	HistoryLimit      int    `json:"history_limit" mapstructure:"history_limit"`
	MaxQueryLength    int    `json:"max_query_length" mapstructure:"max_query_length"`
	MinWorkers        int    `json:"min_workers" mapstructure:"min_workers"`
	MaxWorkers        int    `json:"max_workers" mapstructure:"max_workers"`
	QueueSize         int    `json:"queue_size" mapstructure:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" mapstructure:"worker_idle_timeout"` // minutes
	JanitorInterval   int    `json:"janitor_interval" mapstructure:"janitor_interval"`       // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" mapstructure:"dsn"`
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	DBName   string `json:"db_name" mapstructure:"db_name"`
	Params   string `json:"params" mapstructure:"params"`
}

// RedisConfig is optional; an empty host disables the token cache and rate limiting.
type RedisConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

type LLMConfig struct {
	Model             string `json:"model" mapstructure:"model"`
	APIKey            string `json:"api_key" mapstructure:"api_key"`
	TimeoutSeconds    int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries        int    `json:"max_retries" mapstructure:"max_retries"`
	GeminiBaseURL     string `json:"gemini_base_url" mapstructure:"gemini_base_url"`
	OpenAIURL         string `json:"openai_url" mapstructure:"openai_url"`
	RetryClientErrors *bool  `json:"retry_client_errors" mapstructure:"retry_client_errors"`
}

type AuthConfig struct {
	SecretKey          string `json:"secret_key" mapstructure:"secret_key"`
	TokenExpireMinutes int    `json:"token_expire_minutes" mapstructure:"token_expire_minutes"`
}

type LogConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Format    string `json:"format" mapstructure:"format"`
	Output    string `json:"output" mapstructure:"output"`
	FilePath  string `json:"file_path" mapstructure:"file_path"`
	AddSource bool   `json:"add_source" mapstructure:"add_source"`
}

const (
	defaultModel          = "gemini-pro"
	defaultHistoryLimit   = 10
	defaultMaxQueryLength = 1000
	defaultTokenExpiry    = 30
)

// Load reads configuration from the provided path (defaults to config.json), then applies
// values from a .env file and the process environment. Any file key can also be set through
// a KATALYST_ prefixed variable, e.g. KATALYST_LLM_MODEL.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env failed", "error", err)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("KATALYST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		slog.Info("config file not found, relying on environment variables", "path", absPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if sqliteCfg, ok := cfg.Databases["sqlite3"]; ok && sqliteCfg.DSN != "" && sqliteCfg.DSN != ":memory:" && !filepath.IsAbs(sqliteCfg.DSN) {
		sqliteCfg.DSN = filepath.Join(filepath.Dir(absPath), sqliteCfg.DSN)
		cfg.Databases["sqlite3"] = sqliteCfg
	}

	if cfg.Auth.SecretKey == "" {
		return nil, errors.New("auth secret_key (SECRET_KEY) must be configured")
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		c.Auth.SecretKey = v
	}
	if v := os.Getenv("ACCESS_TOKEN_EXPIRE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Auth.TokenExpireMinutes = n
		}
	}
	if v := os.Getenv("SQLITE_DSN"); v != "" {
		if c.Databases == nil {
			c.Databases = make(map[string]DatabaseConfig)
		}
		db := c.Databases["sqlite3"]
		db.DSN = v
		c.Databases["sqlite3"] = db
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

func (c *Config) applyDefaults() {
	if c.LLM.Model == "" {
		c.LLM.Model = defaultModel
	}
	if c.BasicConfig.HistoryLimit <= 0 {
		c.BasicConfig.HistoryLimit = defaultHistoryLimit
	}
	if c.BasicConfig.MaxQueryLength <= 0 {
		c.BasicConfig.MaxQueryLength = defaultMaxQueryLength
	}
	if c.Auth.TokenExpireMinutes <= 0 {
		c.Auth.TokenExpireMinutes = defaultTokenExpiry
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "katalyst.db"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
}

// ShouldRetryClientErrors reports whether 4xx provider responses are retried. Defaults to true.
func (l LLMConfig) ShouldRetryClientErrors() bool {
	if l.RetryClientErrors == nil {
		return true
	}
	return *l.RetryClientErrors
}
