// Package config holds the runtime configuration of catalog-mirror.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// JobFinishWindow bounds the bookkeeping a worker does after a job's
// timeout has passed.
const JobFinishWindow = 10 * time.Second

// Config is the complete configuration tree.
type Config struct {
	Site       SiteConfig       `mapstructure:"site"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Scrape     ScrapeConfig     `mapstructure:"scrape"`
	Freshness  FreshnessConfig  `mapstructure:"freshness"`
	API        APIConfig        `mapstructure:"api"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Selectors  SelectorConfig   `mapstructure:"selectors"`
}

// SiteConfig describes the external catalog.
type SiteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// ProductURLTemplate builds a product URL from a source id for products
	// never seen on a listing, e.g. "https://shop.example.com/p/%s".
	ProductURLTemplate string        `mapstructure:"product_url_template"`
	RequestDelay       time.Duration `mapstructure:"request_delay"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// BrowserConfig configures the headless browser sessions.
type BrowserConfig struct {
	Backend           string        `mapstructure:"backend"` // chromedp or rod
	MaxSessions       int           `mapstructure:"max_sessions"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
	ExecPath          string        `mapstructure:"exec_path"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	IgnoreCertErrors  bool          `mapstructure:"ignore_cert_errors"`
}

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	Workers              int           `mapstructure:"workers"`
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
	StructuralRetryLimit int           `mapstructure:"structural_retry_limit"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	StaleActiveTTL time.Duration `mapstructure:"stale_active_ttl"`
}

// ScrapeConfig bounds the work a single scrape may do.
type ScrapeConfig struct {
	MaxPages   int                     `mapstructure:"max_pages"`
	MaxRelated int                     `mapstructure:"max_related"`
	MaxReviews int                     `mapstructure:"max_reviews"`
	Pagination *types.PaginationConfig `mapstructure:"pagination"`
}

// FreshnessConfig configures the staleness policy and scheduler.
type FreshnessConfig struct {
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// APIConfig configures the HTTP trigger/read surface.
type APIConfig struct {
	Port          int           `mapstructure:"port"`
	Token         string        `mapstructure:"token"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
}

// RedisConfig enables the shared rate gate when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	GateKey  string `mapstructure:"gate_key"`
}

// DatabaseConfig points at the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SelectorConfig overrides individual named selectors per scraper.
type SelectorConfig struct {
	Navigation map[string]string `mapstructure:"navigation"`
	Category   map[string]string `mapstructure:"category"`
	Product    map[string]string `mapstructure:"product"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			BaseURL:      "https://www.worldofbooks.com/en-gb",
			RequestDelay: 1500 * time.Millisecond,
			UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Browser: BrowserConfig{
			Backend:           "chromedp",
			MaxSessions:       3,
			NavigationTimeout: 45 * time.Second,
			WaitTimeout:       15 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Workers:              3,
			JobTimeout:           3 * time.Minute,
			StructuralRetryLimit: 2,
		},
		Queue: QueueConfig{
			MaxAttempts:    3,
			PollInterval:   time.Second,
			BackoffBase:    2 * time.Second,
			BackoffMax:     time.Minute,
			BackoffFactor:  2,
			StaleActiveTTL: 10 * time.Minute,
		},
		Scrape: ScrapeConfig{
			MaxPages:   50,
			MaxRelated: 12,
			MaxReviews: 100,
			Pagination: types.GetDefaultPaginationConfig(),
		},
		Freshness: FreshnessConfig{
			StaleAfter: 24 * time.Hour,
		},
		API: APIConfig{
			Port:          8080,
			EnableMetrics: true,
			MaxWait:       2 * time.Minute,
		},
		Redis: RedisConfig{
			GateKey: "catalog-mirror:gate",
		},
		Database: DatabaseConfig{
			Path: "catalog.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the optional file at path, then from
// CATALOG_* environment variables, on top of Default().
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Default())

	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("catalog-mirror")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every leaf key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("site.base_url", d.Site.BaseURL)
	v.SetDefault("site.product_url_template", d.Site.ProductURLTemplate)
	v.SetDefault("site.request_delay", d.Site.RequestDelay)
	v.SetDefault("site.user_agent", d.Site.UserAgent)

	v.SetDefault("browser.backend", d.Browser.Backend)
	v.SetDefault("browser.max_sessions", d.Browser.MaxSessions)
	v.SetDefault("browser.navigation_timeout", d.Browser.NavigationTimeout)
	v.SetDefault("browser.wait_timeout", d.Browser.WaitTimeout)
	v.SetDefault("browser.exec_path", d.Browser.ExecPath)
	v.SetDefault("browser.no_sandbox", d.Browser.NoSandbox)
	v.SetDefault("browser.ignore_cert_errors", d.Browser.IgnoreCertErrors)

	v.SetDefault("dispatcher.workers", d.Dispatcher.Workers)
	v.SetDefault("dispatcher.job_timeout", d.Dispatcher.JobTimeout)
	v.SetDefault("dispatcher.structural_retry_limit", d.Dispatcher.StructuralRetryLimit)

	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.backoff_base", d.Queue.BackoffBase)
	v.SetDefault("queue.backoff_max", d.Queue.BackoffMax)
	v.SetDefault("queue.backoff_factor", d.Queue.BackoffFactor)
	v.SetDefault("queue.stale_active_ttl", d.Queue.StaleActiveTTL)

	v.SetDefault("scrape.max_pages", d.Scrape.MaxPages)
	v.SetDefault("scrape.max_related", d.Scrape.MaxRelated)
	v.SetDefault("scrape.max_reviews", d.Scrape.MaxReviews)

	v.SetDefault("freshness.stale_after", d.Freshness.StaleAfter)
	v.SetDefault("freshness.refresh_interval", d.Freshness.RefreshInterval)

	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("api.enable_metrics", d.API.EnableMetrics)
	v.SetDefault("api.max_wait", d.API.MaxWait)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.gate_key", d.Redis.GateKey)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Site.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL, got %q", c.Site.BaseURL)
	}
	if c.Site.RequestDelay < 0 {
		return errors.New("site.request_delay must not be negative")
	}
	if c.Dispatcher.Workers < 1 {
		return errors.New("dispatcher.workers must be at least 1")
	}
	if c.Dispatcher.JobTimeout <= 0 {
		return errors.New("dispatcher.job_timeout must be positive")
	}
	// Recovery runs next to live workers, so it must never reach a job a
	// worker can still hold.
	if held := c.Dispatcher.JobTimeout + JobFinishWindow; c.Queue.StaleActiveTTL <= held {
		return fmt.Errorf("queue.stale_active_ttl (%v) must exceed dispatcher.job_timeout plus %v (%v)",
			c.Queue.StaleActiveTTL, JobFinishWindow, held)
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	if c.Scrape.MaxPages < 1 {
		return errors.New("scrape.max_pages must be at least 1")
	}
	if c.Freshness.StaleAfter <= 0 {
		return errors.New("freshness.stale_after must be positive")
	}
	switch c.Browser.Backend {
	case "chromedp", "rod":
	default:
		return fmt.Errorf("browser.backend must be chromedp or rod, got %q", c.Browser.Backend)
	}
	if c.Browser.MaxSessions < 1 {
		c.Browser.MaxSessions = c.Dispatcher.Workers
	}
	if c.Scrape.Pagination == nil {
		c.Scrape.Pagination = types.GetDefaultPaginationConfig()
	}
	return nil
}
