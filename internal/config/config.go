// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port            string                `yaml:"port"`
	FrontendURL     string                `yaml:"frontend_url"`
	LogLevel        string                `yaml:"log_level"`
	Store           StoreConfig           `yaml:"store"`
	Redis           RedisConfig           `yaml:"redis"`
	Agent           AgentConfig           `yaml:"agent"`
	Auth            AuthConfig            `yaml:"auth"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	Moderation      ModerationConfig      `yaml:"moderation"`
	SSE             SSEConfig             `yaml:"sse"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
}

// StoreConfig selects and tunes the conversation store.
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	DBPath        string        `yaml:"db_path"`
	TTL           time.Duration `yaml:"ttl"`
	MaxTurns      int           `yaml:"max_turns"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RedisConfig is shared by the Redis store and the Redis rate limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AgentConfig locates the external agent. An empty Address runs the local
// echo agent.
type AgentConfig struct {
	Address        string        `yaml:"address"`
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BoundaryMarker string        `yaml:"boundary_marker"`
	SearchTools    []string      `yaml:"search_tools"`
	Language       string        `yaml:"language"`
}

// AuthConfig controls bearer authentication.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Secret        string `yaml:"secret"`
	PublicKeyFile string `yaml:"public_key_file"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	RequiredScope string `yaml:"required_scope"`
}

// RateLimitConfig controls request admission.
type RateLimitConfig struct {
	Backend  string        `yaml:"backend"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ModerationConfig controls post-answer moderation.
type ModerationConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// SSEConfig tunes the request/stream endpoint.
type SSEConfig struct {
	RetryDelay         time.Duration `yaml:"retry_delay"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	GlobalEnabled bool   `yaml:"global_enabled"`
	GlobalPath    string `yaml:"global_path"`
	QueueSize     int    `yaml:"queue_size"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "info",
		Store: StoreConfig{
			Backend:       BackendMemory,
			DBPath:        "./data/ava.db",
			TTL:           12 * time.Hour,
			MaxTurns:      10,
			SweepInterval: 5 * time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Agent: AgentConfig{
			Timeout:        120 * time.Second,
			ConnectTimeout: 5 * time.Second,
			BoundaryMarker: "AI:",
			SearchTools:    []string{"Search", "Intermediate Answer"},
			Language:       "en",
		},
		Auth: AuthConfig{
			Audience:      "api://ava-chat",
			RequiredScope: "read:messages",
		},
		RateLimit: RateLimitConfig{
			Backend:  BackendMemory,
			Requests: 10,
			Window:   time.Minute,
		},
		SSE: SSEConfig{
			RetryDelay:         15 * time.Second,
			KeepaliveInterval:  10 * time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:    false,
			Dir:        "./data/logs/conversations",
			GlobalPath: "./data/logs/conversations/all.ndjson",
			QueueSize:  1000,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE, then environment variables, each overriding the previous.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Store.Backend = strings.ToLower(getEnv("CONVERSATION_STORE", c.Store.Backend))
	c.Store.DBPath = getEnv("DB_PATH", c.Store.DBPath)
	c.Store.TTL = getEnvDuration("CONVERSATION_TTL", c.Store.TTL)
	c.Store.MaxTurns = getEnvInt("CONVERSATION_MAX_TURNS", c.Store.MaxTurns)
	c.Store.SweepInterval = getEnvDuration("CONVERSATION_SWEEP_INTERVAL", c.Store.SweepInterval)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Agent.Address = getEnv("AGENT_ADDR", c.Agent.Address)
	c.Agent.Timeout = getEnvDuration("AGENT_TIMEOUT", c.Agent.Timeout)
	c.Agent.ConnectTimeout = getEnvDuration("AGENT_CONNECT_TIMEOUT", c.Agent.ConnectTimeout)
	c.Agent.BoundaryMarker = getEnv("AGENT_BOUNDARY_MARKER", c.Agent.BoundaryMarker)
	c.Agent.SearchTools = getEnvList("AGENT_SEARCH_TOOLS", c.Agent.SearchTools)
	c.Agent.Language = getEnv("AGENT_LANGUAGE", c.Agent.Language)

	c.Auth.Enabled = getEnvBool("AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.Secret = getEnv("AUTH_SECRET", c.Auth.Secret)
	c.Auth.PublicKeyFile = getEnv("AUTH_PUBLIC_KEY_FILE", c.Auth.PublicKeyFile)
	c.Auth.Issuer = getEnv("AUTH_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getEnv("AUTH_AUDIENCE", c.Auth.Audience)
	c.Auth.RequiredScope = getEnv("AUTH_REQUIRED_SCOPE", c.Auth.RequiredScope)

	c.RateLimit.Backend = strings.ToLower(getEnv("RATE_LIMIT_BACKEND", c.RateLimit.Backend))
	c.RateLimit.Requests = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimit.Requests)
	c.RateLimit.Window = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Moderation.Enabled = getEnvBool("MODERATION_ENABLED", c.Moderation.Enabled)
	c.Moderation.APIKey = getEnv("OPENAI_API_KEY", c.Moderation.APIKey)
	c.Moderation.BaseURL = getEnv("OPENAI_BASE_URL", c.Moderation.BaseURL)
	c.Moderation.Model = getEnv("MODERATION_MODEL", c.Moderation.Model)

	c.SSE.RetryDelay = getEnvDuration("SSE_RETRY_DELAY", c.SSE.RetryDelay)
	c.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE_INTERVAL", c.SSE.KeepaliveInterval)
	c.SSE.MaxRequestBodySize = int64(getEnvInt("SSE_MAX_REQUEST_BODY_SIZE", int(c.SSE.MaxRequestBodySize)))

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", c.ConversationLog.GlobalEnabled)
	c.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", c.ConversationLog.GlobalPath)
	if n := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize); n > 0 {
		c.ConversationLog.QueueSize = n
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("CONVERSATION_STORE must be memory, redis or sqlite, got %q", c.Store.Backend)
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("CONVERSATION_TTL must be > 0")
	}
	if c.Store.MaxTurns <= 0 {
		return fmt.Errorf("CONVERSATION_MAX_TURNS must be > 0")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be > 0")
	}
	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR cannot be empty when a redis backend is selected")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" && c.Auth.PublicKeyFile == "" {
		return fmt.Errorf("AUTH_SECRET or AUTH_PUBLIC_KEY_FILE is required when AUTH_ENABLED")
	}
	if c.Moderation.Enabled && c.Moderation.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when MODERATION_ENABLED")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == BackendRedis || c.RateLimit.Backend == BackendRedis
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
