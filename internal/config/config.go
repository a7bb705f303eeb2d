package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	Logger  Logger  `yaml:"logger"`
	Storage Storage `yaml:"storage"`
	Cache   Cache   `yaml:"cache"`
	Auth    Auth    `yaml:"auth"`
	Listen  string  `yaml:"listen"`
	CORS    CORS    `yaml:"cors"`
	Scraper Scraper `yaml:"scraper"`
	Sync    Sync    `yaml:"sync"`
	AI      AI      `yaml:"ai"`
}

type Logger struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Storage struct {
	// Driver is one of "sqlite", "postgres" or "mysql".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Cache selects the backing store for adapter and prompt caches.
// An empty Redis address keeps everything in process memory.
type Cache struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

type Auth struct {
	JWT   JWT   `yaml:"jwt"`
	Admin Admin `yaml:"admin"`
}

type JWT struct {
	Secret      string `yaml:"secret"`
	ExpireHours int    `yaml:"expire_hours"`
}

// Admin holds the single operator credential. PasswordHash is a bcrypt hash.
type Admin struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type Scraper struct {
	// RateLimit is the minimum interval in seconds between two requests to one platform.
	RateLimit     float64            `yaml:"rate_limit"`
	PlatformLimit map[string]float64 `yaml:"platform_limit"`
	Timeout       int                `yaml:"timeout"`
	MaxAttempts   int                `yaml:"max_attempts"`
	UserAgent     string             `yaml:"user_agent"`
	BaseURLs      map[string]string  `yaml:"base_urls"`
}

// MinInterval returns the configured throttle for a platform.
func (s Scraper) MinInterval(platform string) time.Duration {
	if v, ok := s.PlatformLimit[platform]; ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return time.Duration(s.RateLimit * float64(time.Second))
}

func (s Scraper) RequestTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

type Sync struct {
	FailureThreshold  int  `yaml:"failure_threshold"`
	StaleJobMinutes   int  `yaml:"stale_job_minutes"`
	AutoAnalyze       bool `yaml:"auto_analyze"`
	CodeFetchDisabled bool `yaml:"code_fetch_disabled"`
	// Parallelism bounds how many platforms a full sync works on at once.
	// Keep it at 1 on sqlite, which allows a single writer.
	Parallelism int `yaml:"parallelism"`
}

type Provider struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type AI struct {
	Provider      string              `yaml:"provider"`
	Providers     map[string]Provider `yaml:"providers"`
	ModelBasic    string              `yaml:"model_basic"`
	ModelAdvanced string              `yaml:"model_advanced"`
	MonthlyBudget float64             `yaml:"monthly_budget"`
	MaxTokens     int                 `yaml:"max_tokens"`
	Temperature   float64             `yaml:"temperature"`
	Backfill      Backfill            `yaml:"backfill"`
}

type Backfill struct {
	Concurrency          int `yaml:"concurrency"`
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
	MaxReviewsPerProblem int `yaml:"max_reviews_per_problem"`
	MaxRetries           int `yaml:"max_retries"`
}

func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OJTRACK_JWT_SECRET"); v != "" {
		c.Auth.JWT.Secret = v
	}
	if v := os.Getenv("OJTRACK_DATABASE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("OJTRACK_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	envKeys := map[string]string{
		"claude": "ANTHROPIC_API_KEY",
		"openai": "OPENAI_API_KEY",
		"zhipu":  "ZHIPU_API_KEY",
	}
	for name, env := range envKeys {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		if c.AI.Providers == nil {
			c.AI.Providers = make(map[string]Provider)
		}
		p := c.AI.Providers[name]
		p.APIKey = v
		c.AI.Providers[name] = p
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "data/ojtrack.db"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "ojtrack:"
	}
	if c.Auth.JWT.ExpireHours == 0 {
		c.Auth.JWT.ExpireHours = 24
	}
	if c.Scraper.RateLimit <= 0 {
		c.Scraper.RateLimit = 2.0
	}
	if c.Scraper.Timeout <= 0 {
		c.Scraper.Timeout = 30
	}
	if c.Scraper.MaxAttempts <= 0 {
		c.Scraper.MaxAttempts = 3
	}
	if c.Scraper.UserAgent == "" {
		c.Scraper.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.Sync.FailureThreshold <= 0 {
		c.Sync.FailureThreshold = 10
	}
	if c.Sync.StaleJobMinutes <= 0 {
		c.Sync.StaleJobMinutes = 60
	}
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = 1
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "zhipu"
	}
	if c.AI.MonthlyBudget <= 0 {
		c.AI.MonthlyBudget = 5.0
	}
	if c.AI.MaxTokens <= 0 {
		c.AI.MaxTokens = 8192
	}
	b := &c.AI.Backfill
	if b.Concurrency <= 0 {
		b.Concurrency = 3
	}
	if b.TimeoutSeconds <= 0 {
		b.TimeoutSeconds = 3600
	}
	if b.MaxConsecutiveErrors <= 0 {
		b.MaxConsecutiveErrors = 10
	}
	if b.MaxReviewsPerProblem <= 0 {
		b.MaxReviewsPerProblem = 3
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = 3
	}
}

// Default returns a configuration with every default applied and no file behind it.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
