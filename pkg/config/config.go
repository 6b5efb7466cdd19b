// Package config loads harvester settings from defaults, an optional YAML
// file, HARVEST_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/price-harvester/pkg/logging"
)

// EnvPrefix is prepended to every environment variable, e.g. HARVEST_CAP.
const EnvPrefix = "HARVEST"

// Fetcher sources.
const (
	SourceAPI        = "api"
	SourceStorefront = "storefront"
)

// Config is the complete harvester configuration.
type Config struct {
	Source     string            `mapstructure:"source"`
	BaseURL    string            `mapstructure:"base_url"`
	Path       string            `mapstructure:"path"`
	MinParam   string            `mapstructure:"min_param"`
	MaxParam   string            `mapstructure:"max_param"`
	TotalField string            `mapstructure:"total_field"`
	ItemsField string            `mapstructure:"items_field"`
	Filters    map[string]string `mapstructure:"filters"`
	UserAgent  string            `mapstructure:"user_agent"`

	MinPrice int64 `mapstructure:"min_price"`
	MaxPrice int64 `mapstructure:"max_price"`

	Cap         int `mapstructure:"cap"`
	Concurrency int `mapstructure:"concurrency"`
	MaxDepth    int `mapstructure:"max_depth"`

	// RequestTimeout bounds one HTTP round trip.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// FetchTimeout bounds one range fetch including retries and rate
	// limit waits. Zero derives it from the fetcher's retry policy; a
	// value below that is raised to it.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`

	Retry        RetryConfig   `mapstructure:"retry"`
	MaxBlockWait time.Duration `mapstructure:"max_block_wait"`

	Redis RedisConfig `mapstructure:"redis"`
	Cache bool        `mapstructure:"cache"`

	Selectors SelectorConfig `mapstructure:"selectors"`

	Output      string `mapstructure:"output"`
	ReportPath  string `mapstructure:"report"`
	LogLevel    string `mapstructure:"log_level"`
	LogPretty   bool   `mapstructure:"log_pretty"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// RetryConfig controls API request retries.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// RedisConfig locates the optional Redis used for caching and shared
// rate limit state. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SelectorConfig holds CSS selectors for the storefront source.
type SelectorConfig struct {
	Total  string `mapstructure:"total"`
	Item   string `mapstructure:"item"`
	IDAttr string `mapstructure:"id_attr"`
	Name   string `mapstructure:"name"`
	Price  string `mapstructure:"price"`
	Link   string `mapstructure:"link"`
}

// flagBindings maps flag names to config keys.
var flagBindings = map[string]string{
	"source":            "source",
	"base-url":          "base_url",
	"path":              "path",
	"min-param":         "min_param",
	"max-param":         "max_param",
	"user-agent":        "user_agent",
	"min":               "min_price",
	"max":               "max_price",
	"cap":               "cap",
	"concurrency":       "concurrency",
	"max-depth":         "max_depth",
	"request-timeout":   "request_timeout",
	"fetch-timeout":     "fetch_timeout",
	"run-timeout":       "run_timeout",
	"retries":           "retry.max_attempts",
	"retry-backoff":     "retry.initial_backoff",
	"retry-max-backoff": "retry.max_backoff",
	"max-block-wait":    "max_block_wait",
	"redis-addr":        "redis.addr",
	"redis-db":          "redis.db",
	"cache":             "cache",
	"output":            "output",
	"report":            "report",
	"log-level":         "log_level",
	"log-pretty":        "log_pretty",
	"metrics-addr":      "metrics_addr",
	"item-selector":     "selectors.item",
	"total-selector":    "selectors.total",
	"price-selector":    "selectors.price",
	"name-selector":     "selectors.name",
}

// SetDefaults registers the default of every key. The domain and cap
// match the reference shop: prices 0 to 100000, 1000 items per page.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source", SourceAPI)
	v.SetDefault("base_url", "")
	v.SetDefault("path", "")
	v.SetDefault("min_param", "minPrice")
	v.SetDefault("max_param", "maxPrice")
	v.SetDefault("total_field", "total")
	v.SetDefault("items_field", "products")
	v.SetDefault("filters", map[string]string{})
	v.SetDefault("user_agent", "price-harvester/1.0")

	v.SetDefault("min_price", 0)
	v.SetDefault("max_price", 100000)

	v.SetDefault("cap", 1000)
	v.SetDefault("concurrency", 4)
	v.SetDefault("max_depth", 64)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("fetch_timeout", time.Duration(0))
	v.SetDefault("run_timeout", time.Duration(0))

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)
	v.SetDefault("max_block_wait", time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache", false)

	v.SetDefault("selectors.total", ".result-count")
	v.SetDefault("selectors.item", ".product")
	v.SetDefault("selectors.id_attr", "data-id")
	v.SetDefault("selectors.name", ".name")
	v.SetDefault("selectors.price", ".price")
	v.SetDefault("selectors.link", "a")

	v.SetDefault("output", "-")
	v.SetDefault("report", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("metrics_addr", "")
}

// Flags returns the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("harvester", pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.String("source", SourceAPI, "fetcher: api (JSON) or storefront (HTML)")
	fs.String("base-url", "", "listing service base URL")
	fs.String("path", "", "listing endpoint path (default /products, /shop for storefront)")
	fs.String("min-param", "minPrice", "query parameter for the lower price bound")
	fs.String("max-param", "maxPrice", "query parameter for the upper price bound")
	fs.String("user-agent", "price-harvester/1.0", "User-Agent header")
	fs.Int64("min", 0, "lowest price of the domain")
	fs.Int64("max", 100000, "highest price of the domain")
	fs.Int("cap", 1000, "maximum items the service returns per request")
	fs.Int("concurrency", 4, "maximum fetches in flight")
	fs.Int("max-depth", 64, "maximum bisection depth")
	fs.Duration("request-timeout", 30*time.Second, "timeout per HTTP request")
	fs.Duration("fetch-timeout", 0, "timeout per range fetch including retries (0 = derived from the retry policy)")
	fs.Duration("run-timeout", 0, "timeout for the whole run (0 = none)")
	fs.Int("retries", 3, "attempts per request including the first")
	fs.Duration("retry-backoff", time.Second, "wait before the first retry")
	fs.Duration("retry-max-backoff", 30*time.Second, "longest wait between retries")
	fs.Duration("max-block-wait", time.Minute, "longest wait for an exhausted rate limit window")
	fs.String("redis-addr", "", "Redis address for caching and shared rate limit state")
	fs.Int("redis-db", 0, "Redis database")
	fs.Bool("cache", false, "cache pages in Redis")
	fs.StringP("output", "o", "-", "items output file, - for stdout")
	fs.String("report", "", "write the coverage report as JSON to this file")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.Bool("log-pretty", false, "human-readable log output")
	fs.String("metrics-addr", "", "serve /metrics, /health and /ready on this address")
	fs.String("item-selector", ".product", "storefront: CSS selector of one product")
	fs.String("total-selector", ".result-count", "storefront: CSS selector of the result count")
	fs.String("price-selector", ".price", "storefront: CSS selector of the price within a product")
	fs.String("name-selector", ".name", "storefront: CSS selector of the name within a product")
	return fs
}

// Load parses args with fs and merges flags, environment, config file
// and defaults into a validated Config.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for name, key := range flagBindings {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. The price domain is left to the
// partitioner, which reports an inverted domain itself.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source {
	case SourceAPI, SourceStorefront:
	default:
		errs = append(errs, fmt.Errorf("source must be %q or %q (got %q)", SourceAPI, SourceStorefront, c.Source))
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if c.Cap < 1 {
		errs = append(errs, fmt.Errorf("cap must be >= 1 (got %d)", c.Cap))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max_depth must be >= 1 (got %d)", c.MaxDepth))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be >= 0 (got %s)", c.RequestTimeout))
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("fetch_timeout must be >= 0 (got %s)", c.FetchTimeout))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be >= 1 (got %d)", c.Retry.MaxAttempts))
	}
	if c.Cache && c.Redis.Addr == "" {
		errs = append(errs, errors.New("cache requires redis.addr"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
