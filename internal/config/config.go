// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

// Render modes.
const (
	RenderBrowser = "browser"
	RenderService = "service"
)

// Sink kinds.
const (
	SinkWebhook  = "webhook"
	SinkPubSub   = "pubsub"
	SinkPostgres = "postgres"
	SinkMemory   = "memory"
)

// Artifact and run store backends.
const (
	StoreNone     = "none"
	StoreLocal    = "local"
	StoreGCS      = "gcs"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Render    RenderConfig    `mapstructure:"render"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlConfig selects what to crawl and overrides descriptor limits.
type CrawlConfig struct {
	// Source is a source ID or "All".
	Source string `mapstructure:"source"`
	// ShardIndex is 0-based.
	ShardIndex  int    `mapstructure:"shard_index"`
	ShardTotal  int    `mapstructure:"shard_total"`
	LocalShards int    `mapstructure:"local_shards"`
	Parallelism int    `mapstructure:"parallelism"`
	StartPage   int    `mapstructure:"start_page"`
	CatalogFile string `mapstructure:"catalog_file"`
	DryRun      bool   `mapstructure:"dry_run"`
	DebugPages  int    `mapstructure:"debug_pages"`
	DetailCap   int    `mapstructure:"detail_cap"`

	HardPageCeiling  *int  `mapstructure:"hard_page_ceiling"`
	LowItemThreshold *int  `mapstructure:"low_item_threshold"`
	StopStreakLength *int  `mapstructure:"stop_streak_length"`
	ShortTailFloor   *int  `mapstructure:"short_tail_floor"`
	FetchDetails     *bool `mapstructure:"fetch_details"`
}

// GovernorConfig caps in-flight renders per role.
type GovernorConfig struct {
	Listing int `mapstructure:"listing"`
	Detail  int `mapstructure:"detail"`
}

// RateLimitConfig controls per-host request pacing.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// ProxyConfig holds the outbound proxy. The URL may carry credentials and
// must only be logged through MaskProxy.
type ProxyConfig struct {
	URL string `mapstructure:"url"`
}

// RenderConfig configures the page renderer.
type RenderConfig struct {
	Mode           string        `mapstructure:"mode"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	DetailTimeout  time.Duration `mapstructure:"detail_timeout"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	ChromePath     string        `mapstructure:"chrome_path"`
	ServiceURL     string        `mapstructure:"service_url"`
	APIKey         string        `mapstructure:"api_key"`
	CountryCode    string        `mapstructure:"country_code"`
	// ChallengeThreshold is the detector's minimum body text size.
	ChallengeThreshold int `mapstructure:"challenge_threshold"`
}

// DeliveryConfig bounds delivery attempts.
type DeliveryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SinkConfig selects where records are delivered.
type SinkConfig struct {
	Kind      string `mapstructure:"kind"`
	Endpoint  string `mapstructure:"endpoint"`
	Token     string `mapstructure:"token"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	Table     string `mapstructure:"table"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArtifactsConfig selects the debug artifact store.
type ArtifactsConfig struct {
	Store  string `mapstructure:"store"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// RunsConfig selects where run records are kept.
type RunsConfig struct {
	Store string `mapstructure:"store"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	MaxBatch      int           `mapstructure:"max_batch"`
	MaxBatchWait  time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
	LogEnabled    bool          `mapstructure:"log_enabled"`
	MetricEnabled bool          `mapstructure:"metric_enabled"`
}

// ServerConfig controls the optional status server. An empty ListenAddr
// disables it.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// Linger keeps the server up after the crawl finishes.
	Linger bool `mapstructure:"linger"`
	// APIKey, when set, is required in X-API-Key on /v1 routes.
	APIKey string `mapstructure:"api_key"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// legacyEnv maps config keys to the bare environment names older deployment
// workflows still export. The CRAWLER_ form always wins.
var legacyEnv = map[string]string{
	"crawl.source":   "BRAND",
	"proxy.url":      "PROXY_URL",
	"sink.endpoint":  "APPS_SCRIPT_WEBHOOK",
	"sink.token":     "JOB_TOKEN",
	"render.api_key": "SCRAPERAPI_KEY",
}

// optionalKeys have no default but must still be visible to Unmarshal when
// only set through the environment.
var optionalKeys = []string{
	"crawl.hard_page_ceiling",
	"crawl.low_item_threshold",
	"crawl.stop_streak_length",
	"crawl.short_tail_floor",
	"crawl.fetch_details",
	"crawl.catalog_file",
	"render.chrome_path",
	"render.service_url",
	"sink.project_id",
	"sink.topic",
	"database.dsn",
	"artifacts.bucket",
	"server.listen_addr",
	"server.api_key",
}

const envPrefix = "CRAWLER"

// New returns a Viper instance with defaults and environment bindings. Cobra
// flags are bound onto it before Load reads it.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	for _, key := range optionalKeys {
		_ = v.BindEnv(key)
	}
	for key, legacy := range legacyEnv {
		_ = v.BindEnv(key, envName(key), legacy)
	}
	// SHARD is 1-based.
	_ = v.BindEnv("legacy.shard", "SHARD")
	return v
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom reads the optional file into v and decodes it.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if !v.IsSet("crawl.shard_index") && v.IsSet("legacy.shard") {
		if cfg.Crawl.ShardTotal > 1 {
			cfg.Crawl.ShardIndex = v.GetInt("legacy.shard") - 1
		} else {
			zap.L().Warn("ignoring SHARD without a shard total above 1",
				zap.String("shard", v.GetString("legacy.shard")),
				zap.String("hint", "set "+envName("crawl.shard_total")),
			)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.source", catalog.All)
	v.SetDefault("crawl.shard_total", 1)
	v.SetDefault("crawl.local_shards", 0)
	v.SetDefault("crawl.parallelism", 1)
	v.SetDefault("crawl.start_page", 1)
	v.SetDefault("crawl.dry_run", false)
	v.SetDefault("crawl.debug_pages", 3)
	v.SetDefault("crawl.detail_cap", 40)
	v.SetDefault("governor.listing", 1)
	v.SetDefault("governor.detail", 4)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 0.5)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("proxy.url", "")
	v.SetDefault("render.mode", RenderBrowser)
	v.SetDefault("render.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("render.timeout", 90*time.Second)
	v.SetDefault("render.detail_timeout", 120*time.Second)
	v.SetDefault("render.viewport_width", 1280)
	v.SetDefault("render.viewport_height", 900)
	v.SetDefault("render.api_key", "")
	v.SetDefault("render.country_code", "gb")
	v.SetDefault("render.challenge_threshold", 512)
	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("sink.kind", SinkWebhook)
	v.SetDefault("sink.endpoint", "")
	v.SetDefault("sink.token", "")
	v.SetDefault("sink.table", "venues")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("artifacts.store", StoreNone)
	v.SetDefault("artifacts.dir", "debug")
	v.SetDefault("artifacts.prefix", "debug")
	v.SetDefault("runs.store", StoreMemory)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch", 256)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metric_enabled", true)
	v.SetDefault("server.linger", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. Problems are
// reported as configuration errors naming the offending key.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		field  string
		reason string
	}{
		{strings.TrimSpace(c.Crawl.Source) == "", "crawl.source", "must be set"},
		{c.Crawl.ShardTotal < 1, "crawl.shard_total", "must be > 0"},
		{c.Crawl.ShardIndex < 0 || c.Crawl.ShardIndex >= max(1, c.Crawl.ShardTotal), "crawl.shard_index",
			fmt.Sprintf("must be in [0,%d)", max(1, c.Crawl.ShardTotal))},
		{c.Crawl.LocalShards < 0, "crawl.local_shards", "must be >= 0"},
		{c.Crawl.Parallelism < 1, "crawl.parallelism", "must be > 0"},
		{c.Crawl.StartPage < 1, "crawl.start_page", "must be >= 1"},
		{c.Crawl.DebugPages < 0, "crawl.debug_pages", "must be >= 0"},
		{c.Crawl.DetailCap < 1, "crawl.detail_cap", "must be > 0"},
		{c.Crawl.HardPageCeiling != nil && *c.Crawl.HardPageCeiling < 1, "crawl.hard_page_ceiling", "must be >= 1"},
		{c.Crawl.LowItemThreshold != nil && *c.Crawl.LowItemThreshold < 0, "crawl.low_item_threshold", "must be >= 0"},
		{c.Crawl.StopStreakLength != nil && *c.Crawl.StopStreakLength < 1, "crawl.stop_streak_length", "must be >= 1"},
		{c.Crawl.ShortTailFloor != nil && *c.Crawl.ShortTailFloor < 0, "crawl.short_tail_floor", "must be >= 0"},
		{c.Governor.Listing < 1, "governor.listing", "must be > 0"},
		{c.Governor.Detail < 1, "governor.detail", "must be > 0"},
		{c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0, "rate_limit.default_rps", "must be > 0 when rate limiting is enabled"},
		{!slices.Contains([]string{RenderBrowser, RenderService}, c.Render.Mode), "render.mode", "must be browser|service"},
		{c.Render.Mode == RenderService && c.Render.APIKey == "", "render.api_key", "required for render service mode"},
		{c.Render.Timeout <= 0, "render.timeout", "must be > 0"},
		{c.Render.DetailTimeout <= 0, "render.detail_timeout", "must be > 0"},
		{c.Delivery.Timeout <= 0, "delivery.timeout", "must be > 0"},
		{!slices.Contains([]string{SinkWebhook, SinkPubSub, SinkPostgres, SinkMemory}, c.Sink.Kind), "sink.kind",
			"must be webhook|pubsub|postgres|memory"},
		{c.Sink.Kind == SinkWebhook && c.Sink.Endpoint == "" && !c.Crawl.DryRun, "sink.endpoint", "required for webhook delivery"},
		{c.Sink.Kind == SinkPubSub && (c.Sink.ProjectID == "" || c.Sink.Topic == ""), "sink.topic",
			"project_id and topic required for pubsub delivery"},
		{c.Sink.Kind == SinkPostgres && c.Database.DSN == "", "database.dsn", "required for postgres delivery"},
		{!slices.Contains([]string{StoreNone, StoreLocal, StoreGCS, StoreMemory}, c.Artifacts.Store), "artifacts.store",
			"must be none|local|gcs|memory"},
		{c.Artifacts.Store == StoreLocal && c.Artifacts.Dir == "", "artifacts.dir", "required for local artifacts"},
		{c.Artifacts.Store == StoreGCS && c.Artifacts.Bucket == "", "artifacts.bucket", "required for gcs artifacts"},
		{!slices.Contains([]string{StoreMemory, StorePostgres}, c.Runs.Store), "runs.store", "must be memory|postgres"},
		{c.Runs.Store == StorePostgres && c.Database.DSN == "", "database.dsn", "required for the postgres run store"},
	}
	for _, chk := range checks {
		if chk.bad {
			return &crawler.ConfigurationError{Field: chk.field, Reason: chk.reason}
		}
	}
	if c.Proxy.URL != "" {
		if u, err := url.Parse(c.Proxy.URL); err != nil || u.Host == "" {
			return &crawler.ConfigurationError{Field: "proxy.url", Reason: "must be scheme://[user:pass@]host:port"}
		}
	}
	return nil
}

// Shard returns this process's shard.
func (c Config) Shard() crawler.ShardSpec {
	return crawler.ShardSpec{Index: c.Crawl.ShardIndex, Total: c.Crawl.ShardTotal}
}

// Overrides returns the descriptor limits supplied by the operator.
func (c Config) Overrides() catalog.Overrides {
	return catalog.Overrides{
		HardPageCeiling:  c.Crawl.HardPageCeiling,
		LowItemThreshold: c.Crawl.LowItemThreshold,
		StopStreakLength: c.Crawl.StopStreakLength,
		ShortTailFloor:   c.Crawl.ShortTailFloor,
		FetchDetails:     c.Crawl.FetchDetails,
	}
}

// ControllerOptions maps the config onto crawler options.
func (c Config) ControllerOptions() crawler.Options {
	opts := crawler.DefaultOptions()
	opts.StartPage = c.Crawl.StartPage
	opts.RenderTimeout = c.Render.Timeout
	opts.DetailTimeout = c.Render.DetailTimeout
	opts.DeliveryTimeout = c.Delivery.Timeout
	opts.DetailCap = c.Crawl.DetailCap
	opts.DebugPages = c.Crawl.DebugPages
	if c.Artifacts.Prefix != "" {
		opts.ArtifactPrefix = c.Artifacts.Prefix
	}
	return opts
}

// MaskProxy hides proxy credentials for logging. Unparseable values are
// masked entirely.
func MaskProxy(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	u.User = nil
	return strings.Replace(u.String(), "://", "://***:***@", 1)
}
