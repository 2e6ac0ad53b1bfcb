package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	// TestingMode makes the OpenAI key optional; without one, advisories are the
	// canned fallback texts.
	TestingMode bool

	ServerPort     string
	RequestTimeout time.Duration
	CORSOrigins    []string

	KMAKey     string
	KMAURL     string
	KMATimeout time.Duration

	OpenAIKey     string
	OpenAIURL     string
	OpenAIModel   string
	OpenAITimeout time.Duration

	StoreBackend  string // mongo, redis, memcached or in_memory
	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	StationsFile string // optional replacement for the embedded station table

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool

	PrefetchOnStartup bool
	PrefetchTimeout   time.Duration

	ShutdownTimeout time.Duration

	HealthWindow        time.Duration
	HealthErrorRatioPct int

	TrackedStations []int
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port        string   `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	KMA struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"kma"`

	OpenAI struct {
		URL     string `yaml:"url"`
		Model   string `yaml:"model"`
		Timeout string `yaml:"timeout"`
	} `yaml:"openai"`

	Store struct {
		Backend string `yaml:"backend"`
		Mongo   struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Username string `yaml:"username"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"store"`

	Geo struct {
		StationsFile string `yaml:"stations_file"`
	} `yaml:"geo"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		Coalesce bool `yaml:"coalesce"`
	} `yaml:"reliability"`

	Prefetch struct {
		OnStartup bool   `yaml:"on_startup"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"prefetch"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		Window        string `yaml:"window"`
		ErrorRatioPct int    `yaml:"error_ratio_pct"`
	} `yaml:"health"`

	Metrics struct {
		TrackedStations []int `yaml:"tracked_stations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	KMAKey        string `yaml:"kma_key"`
	OpenAIKey     string `yaml:"openai_key"`
	RedisPassword string `yaml:"redis_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory, if present, is loaded into the environment
// first without overriding variables that are already set. KMA_KEY and OPENAI_KEY come
// from the environment or the secrets file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := readSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")
	cfg.CORSOrigins = fc.Server.CORSOrigins
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)

	cfg.KMAKey = firstNonEmpty(os.Getenv("KMA_KEY"), sec.KMAKey)
	if cfg.KMAKey == "" {
		return nil, fmt.Errorf("KMA_KEY required (set env, .env or config/secrets.yaml kma_key)")
	}
	cfg.KMAURL = firstNonEmpty(fc.KMA.URL, "https://apihub.kma.go.kr/api")
	cfg.KMATimeout = parseDurationOrZero(fc.KMA.Timeout, 5*time.Second)

	cfg.OpenAIKey = firstNonEmpty(os.Getenv("OPENAI_KEY"), sec.OpenAIKey)
	if cfg.OpenAIKey == "" && !cfg.TestingMode {
		return nil, fmt.Errorf("OPENAI_KEY required (set env, .env or config/secrets.yaml openai_key)")
	}
	cfg.OpenAIURL = strings.TrimSpace(fc.OpenAI.URL)
	cfg.OpenAIModel = firstNonEmpty(fc.OpenAI.Model, "gpt-4o-mini")
	cfg.OpenAITimeout = parseDuration(fc.OpenAI.Timeout, 20*time.Second)

	cfg.StoreBackend = strings.ToLower(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, "mongo"))
	cfg.MongoURI = firstNonEmpty(os.Getenv("MONGODB_URI"), fc.Store.Mongo.URI, "mongodb://localhost:27017")
	cfg.MongoDatabase = firstNonEmpty(fc.Store.Mongo.Database, "advisory")
	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Store.Redis.Addr, "localhost:6379")
	cfg.RedisUsername = strings.TrimSpace(fc.Store.Redis.Username)
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.RedisDB = fc.Store.Redis.DB
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB must be an integer, got %q", v)
		}
		cfg.RedisDB = db
	}
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Store.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Store.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Store.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.StationsFile = strings.TrimSpace(fc.Geo.StationsFile)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = true
	if cb.Enabled != nil {
		cfg.CircuitBreakerEnabled = *cb.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)
	cfg.CoalesceEnabled = fc.Reliability.Coalesce

	cfg.PrefetchOnStartup = fc.Prefetch.OnStartup
	cfg.PrefetchTimeout = parseDuration(fc.Prefetch.Timeout, 2*time.Minute)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.HealthErrorRatioPct = fc.Health.ErrorRatioPct
	if cfg.HealthErrorRatioPct <= 0 {
		cfg.HealthErrorRatioPct = 50
	}

	cfg.TrackedStations = fc.Metrics.TrackedStations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised to cover the slower
// of the KMA and OpenAI timeouts.
func validate(cfg *Config) error {
	if cfg.KMATimeout <= 0 {
		return fmt.Errorf("kma.timeout must be positive")
	}
	if floor := max(cfg.KMATimeout, cfg.OpenAITimeout) + time.Second; cfg.RequestTimeout < floor {
		cfg.RequestTimeout = floor
	}
	switch cfg.StoreBackend {
	case "mongo", "redis", "memcached", "in_memory":
	default:
		return fmt.Errorf("store.backend must be mongo, redis, memcached or in_memory, got %q", cfg.StoreBackend)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("reliability.retry_max_delay (%s) must not be below retry_base_delay (%s)", cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}
	if cfg.HealthErrorRatioPct > 100 {
		return fmt.Errorf("health.error_ratio_pct must be at most 100, got %d", cfg.HealthErrorRatioPct)
	}
	return nil
}
