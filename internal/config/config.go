package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/0xReLogic/Cigano/internal/utils"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config represents the main configuration structure for Cigano
type Config struct {
	Environment    string               `yaml:"environment"`
	Server         ServerConfig         `yaml:"server"`
	Gemini         GeminiConfig         `yaml:"gemini"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CORS           CORSConfig           `yaml:"cors"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds the listener and request handling settings
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	FallbackPorts  []int         `yaml:"fallback_ports"`
	RequestDelayMs int           `yaml:"request_delay_ms"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	Timeouts       TimeoutConfig `yaml:"timeouts"`
}

// TimeoutConfig holds server timeouts in seconds
type TimeoutConfig struct {
	Read     int `yaml:"read"`
	Write    int `yaml:"write"`
	Idle     int `yaml:"idle"`
	Shutdown int `yaml:"shutdown"`
}

// GeminiConfig holds the generative-language API settings
type GeminiConfig struct {
	APIKey               string  `yaml:"api_key"`
	// APIKeyParameter names an SSM SecureString read when APIKey is empty.
	APIKeyParameter      string  `yaml:"api_key_parameter"`
	Endpoint             string  `yaml:"endpoint"`
	Model                string  `yaml:"model"`
	MaxTokens            int     `yaml:"max_tokens"`
	Temperature          float64 `yaml:"temperature"`
	TopK                 int     `yaml:"top_k"`
	TopP                 float64 `yaml:"top_p"`
	TimeoutSeconds       int     `yaml:"timeout_seconds"`
	MaxRequestsPerMinute int     `yaml:"max_requests_per_minute"`
}

// RateLimitConfig holds the per-client limit for the interpretation endpoint
type RateLimitConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	WindowSeconds     int  `yaml:"window_seconds"`
	TrustProxy        bool `yaml:"trust_proxy"`
}

// CORSConfig holds the allowed origins per environment
type CORSConfig struct {
	ProductionOrigin   string   `yaml:"production_origin"`
	DevelopmentOrigins []string `yaml:"development_origins"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level         string          `yaml:"level"`
	Format        string          `yaml:"format"`
	IncludeCaller bool            `yaml:"include_caller"`
	RequestID     RequestIDConfig `yaml:"request_id"`
}

// RequestIDConfig configures the correlation id header
type RequestIDConfig struct {
	Header string `yaml:"header"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// AllowList restricts scrapers by address or CIDR; empty allows everyone.
	AllowList []string `yaml:"allow_list"`
	DenyList  []string `yaml:"deny_list"`
}

// CircuitBreakerConfig controls the breaker in front of the Gemini API
type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	TimeoutSeconds   int  `yaml:"timeout_seconds"`
}

// LoadOptions selects the optional sources merged over the defaults.
type LoadOptions struct {
	// File is a YAML config file. Empty means none.
	File string
	// EnvFile is a dotenv file. Empty means ".env" when it exists.
	EnvFile string
	// Lookup reads environment variables; nil means os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Port:           3000,
			FallbackPorts:  []int{3000, 3001, 3002, 3003, 3004, 3005},
			RequestDelayMs: 1000,
			MaxBodyBytes:   10 * 1024,
			Timeouts: TimeoutConfig{
				Read:     15,
				Write:    60,
				Idle:     60,
				Shutdown: 10,
			},
		},
		Gemini: GeminiConfig{
			Endpoint:             "https://generativelanguage.googleapis.com/v1beta",
			Model:                "gemini-1.5-flash",
			MaxTokens:            1000,
			Temperature:          0.7,
			TopK:                 40,
			TopP:                 0.95,
			TimeoutSeconds:       30,
			MaxRequestsPerMinute: 15,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 1,
			WindowSeconds:     60,
		},
		CORS: CORSConfig{
			ProductionOrigin:   "https://baralhocigano.app",
			DevelopmentOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			RequestID: RequestIDConfig{
				Header: "X-Request-ID",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			TimeoutSeconds:   30,
		},
	}
}

// Load resolves the configuration once: defaults, then the YAML file, then
// the dotenv file, then the process environment.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		if err := cfg.mergeFile(opts.File); err != nil {
			return nil, err
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("error loading env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("NODE_ENV"); ok {
		c.Environment = v
	}
	if v, ok := get("APP_ENV"); ok {
		c.Environment = v
	}
	if v, ok := get("GEMINI_API_KEY"); ok {
		c.Gemini.APIKey = v
	}
	if v, ok := get("GEMINI_API_KEY_PARAMETER"); ok {
		c.Gemini.APIKeyParameter = v
	}
	if v, ok := get("GEMINI_MODEL"); ok {
		c.Gemini.Model = v
	}
	if v, ok := get("GEMINI_ENDPOINT"); ok {
		c.Gemini.Endpoint = strings.TrimRight(v, "/")
	}
	if v, ok := get("CORS_PRODUCTION_ORIGIN"); ok {
		c.CORS.ProductionOrigin = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Logging.Format = v
	}
	if v, ok := get("METRICS_ALLOW_LIST"); ok {
		c.Metrics.AllowList = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Server.Port},
		{"MAX_REQUESTS_PER_MINUTE", &c.RateLimit.RequestsPerMinute},
		{"REQUEST_DELAY", &c.Server.RequestDelayMs},
		{"MAX_TOKENS", &c.Gemini.MaxTokens},
		{"GEMINI_MAX_RPM", &c.Gemini.MaxRequestsPerMinute},
	}
	for _, it := range ints {
		v, ok := get(it.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", it.key, v, err)
		}
		*it.dst = n
	}

	if v, ok := get("TEMPERATURE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TEMPERATURE %q: %w", v, err)
		}
		c.Gemini.Temperature = f
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	for _, p := range c.Server.FallbackPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("fallback port %d out of range", p)
		}
	}
	if c.Server.RequestDelayMs < 0 {
		return fmt.Errorf("request delay must not be negative, got %d", c.Server.RequestDelayMs)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %d", c.RateLimit.WindowSeconds)
	}
	if c.Gemini.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", c.Gemini.MaxTokens)
	}
	if c.Gemini.Temperature < 0 || c.Gemini.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %g", c.Gemini.Temperature)
	}
	if c.Gemini.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("gemini requests per minute must be positive, got %d", c.Gemini.MaxRequestsPerMinute)
	}
	if c.Gemini.Endpoint == "" || c.Gemini.Model == "" {
		return errors.New("gemini endpoint and model are required")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /, got %q", c.Metrics.Path)
	}
	if _, err := utils.ParsePrefixes(c.Metrics.AllowList); err != nil {
		return fmt.Errorf("metrics allow list: %w", err)
	}
	if _, err := utils.ParsePrefixes(c.Metrics.DenyList); err != nil {
		return fmt.Errorf("metrics deny list: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsProduction reports whether the server runs with production policies.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// RequestDelay is the fixed pause applied after a successful interpretation.
func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.Server.RequestDelayMs) * time.Millisecond
}

// RateLimitWindow is the sliding window of the per-client limiter.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// GeminiTimeout bounds a single outbound call.
func (c *Config) GeminiTimeout() time.Duration {
	if c.Gemini.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Gemini.TimeoutSeconds) * time.Second
}

// Knobs returns the tunables echoed by the status endpoint outside production.
// The API key is reported only as present or absent.
func (c *Config) Knobs() map[string]interface{} {
	return map[string]interface{}{
		"maxRequestsPerMinute": c.RateLimit.RequestsPerMinute,
		"requestDelay":         c.Server.RequestDelayMs,
		"maxTokens":            c.Gemini.MaxTokens,
		"temperature":          c.Gemini.Temperature,
		"model":                c.Gemini.Model,
		"apiKeyConfigured":     c.Gemini.APIKey != "",
	}
}
