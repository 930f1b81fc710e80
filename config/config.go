package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Polyscalp Polyscalp       `yaml:"polyscalp"`
	Engine    EngineConfig    `yaml:"engine"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Venue     VenueConfig     `yaml:"venue"`
	Spot      SpotConfig      `yaml:"spot"`
	Execution ExecutionConfig `yaml:"execution"`
	Journal   JournalConfig   `yaml:"journal"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type Polyscalp struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type EngineConfig struct {
	TradingEnabled       bool     `yaml:"trading_enabled"`
	MaxConcurrentMarkets int      `yaml:"max_concurrent_markets"`
	DailyLossLimit       float64  `yaml:"daily_loss_limit"`
	TickInterval         Duration `yaml:"tick_interval"`
	MarketGrace          Duration `yaml:"market_grace"`
	ReaddCooldown        Duration `yaml:"readd_cooldown"`
	BroadcastMinInterval Duration `yaml:"broadcast_min_interval"`
	ShutdownBudget       Duration `yaml:"shutdown_budget"`
}

// StrategyConfig holds every tunable of the multi-level DCA strategy.
// Prices are plain floats in yaml; the strategy package converts them to
// decimals once, when its parameters are built.
type StrategyConfig struct {
	EntryTrigger        float64  `yaml:"entry_trigger"`
	DCADrop1            float64  `yaml:"dca_drop_1"`
	DCADrop2            float64  `yaml:"dca_drop_2"`
	ClipSize            float64  `yaml:"clip_size"`
	UnwindTrigger       float64  `yaml:"unwind_trigger"`
	TPPrice             float64  `yaml:"tp_price"`
	HighScalpEntry      float64  `yaml:"high_scalp_entry"`
	MaxCompletedCycles  int      `yaml:"max_completed_cycles"`
	MaxHighScalps       int      `yaml:"max_high_scalps"`
	MinEntryTimeLeft    Duration `yaml:"min_entry_time_left"`
	ForceUnwindTimeLeft Duration `yaml:"force_unwind_time_left"`
	ForceExitTimeLeft   Duration `yaml:"force_exit_time_left"`
}

type ChannelsConfig struct {
	RawBuffer   int `yaml:"raw_buffer"`
	SpotBuffer  int `yaml:"spot_buffer"`
	EventBuffer int `yaml:"event_buffer"`
}

type VenueConfig struct {
	RESTURL        string            `yaml:"rest_url"`
	WSURL          string            `yaml:"ws_url"`
	UserWSURL      string            `yaml:"user_ws_url"`
	APIKey         string            `yaml:"api_key"`
	APISecret      string            `yaml:"api_secret"`
	APIPassphrase  string            `yaml:"api_passphrase"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	RateLimit      VenueRateLimit    `yaml:"rate_limit"`
	Reconnect      ReconnectConfig   `yaml:"reconnect"`
	Health         StreamHealthCheck `yaml:"health"`
}

type VenueRateLimit struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ReconnectConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

type StreamHealthCheck struct {
	CheckInterval Duration `yaml:"check_interval"`
	StaleAfter    Duration `yaml:"stale_after"`
}

type SpotConfig struct {
	Symbol    string          `yaml:"symbol"`
	Retention Duration        `yaml:"retention"`
	Freshness Duration        `yaml:"freshness"`
	StaleFeed Duration        `yaml:"stale_feed"`
	Binance   SpotFeedConfig  `yaml:"binance"`
	Coinbase  SpotFeedConfig  `yaml:"coinbase"`
	Bybit     SpotFeedConfig  `yaml:"bybit"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

type SpotFeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Symbol  string `yaml:"symbol"`
}

type ExecutionConfig struct {
	OrderTimeout  Duration `yaml:"order_timeout"`
	CancelRetries int      `yaml:"cancel_retries"`
	CancelBackoff Duration `yaml:"cancel_backoff"`
}

type JournalConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Directory     string   `yaml:"directory"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAge     int    `yaml:"max_age"`
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
}

// Dec converts a float strategy parameter to decimal once, at the edge.
func Dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// Duration decodes yaml values like "200ms" or "5m" (plain integers are
// taken as nanoseconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func defaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			MaxConcurrentMarkets: 2,
			DailyLossLimit:       50,
			TickInterval:         Duration(200 * time.Millisecond),
			MarketGrace:          Duration(600 * time.Second),
			ReaddCooldown:        Duration(60 * time.Second),
			BroadcastMinInterval: Duration(300 * time.Millisecond),
			ShutdownBudget:       Duration(10 * time.Second),
		},
		Strategy: StrategyConfig{
			EntryTrigger:        0.34,
			DCADrop1:            0.24,
			DCADrop2:            0.38,
			ClipSize:            10,
			UnwindTrigger:       0.60,
			TPPrice:             0.88,
			HighScalpEntry:      0.90,
			MaxCompletedCycles:  3,
			MaxHighScalps:       4,
			MinEntryTimeLeft:    Duration(420 * time.Second),
			ForceUnwindTimeLeft: Duration(300 * time.Second),
			ForceExitTimeLeft:   Duration(180 * time.Second),
		},
		Channels: ChannelsConfig{
			RawBuffer:   1000,
			SpotBuffer:  100,
			EventBuffer: 256,
		},
		Venue: VenueConfig{
			RequestTimeout: Duration(5 * time.Second),
			RateLimit:      VenueRateLimit{RequestsPerSecond: 10, BurstSize: 20},
			Reconnect:      ReconnectConfig{BaseDelay: Duration(time.Second), MaxDelay: Duration(60 * time.Second)},
			Health:         StreamHealthCheck{CheckInterval: Duration(20 * time.Second), StaleAfter: Duration(120 * time.Second)},
		},
		Spot: SpotConfig{
			Symbol:    "BTCUSDT",
			Retention: Duration(10 * time.Minute),
			Freshness: Duration(5 * time.Second),
			StaleFeed: Duration(10 * time.Second),
			Reconnect: ReconnectConfig{BaseDelay: Duration(time.Second), MaxDelay: Duration(60 * time.Second)},
		},
		Execution: ExecutionConfig{
			OrderTimeout:  Duration(5 * time.Second),
			CancelRetries: 3,
			CancelBackoff: Duration(100 * time.Millisecond),
		},
		Journal: JournalConfig{
			Directory:     "journal",
			BatchSize:     200,
			FlushInterval: Duration(30 * time.Second),
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TRADING_ENABLED")); v != "" {
		cfg.Engine.TradingEnabled = isTruthy(v)
	}
	if v := strings.TrimSpace(os.Getenv("MAX_CONCURRENT_MARKETS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxConcurrentMarkets = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DAILY_LOSS_LIMIT")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Engine.DailyLossLimit = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_API_KEY")); v != "" {
		cfg.Venue.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_API_SECRET")); v != "" {
		cfg.Venue.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_API_PASSPHRASE")); v != "" {
		cfg.Venue.APIPassphrase = v
	}
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func isTruthy(v string) bool {
	return strings.EqualFold(v, "1") || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}

func validateConfig(cfg *Config) error {
	if cfg.Polyscalp.Name == "" {
		return fmt.Errorf("polyscalp.name is required")
	}
	if cfg.Polyscalp.Version == "" {
		return fmt.Errorf("polyscalp.version is required")
	}

	if cfg.Engine.MaxConcurrentMarkets <= 0 {
		return fmt.Errorf("engine.max_concurrent_markets must be greater than 0")
	}
	if cfg.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be greater than 0")
	}

	s := cfg.Strategy
	if s.ClipSize <= 0 {
		return fmt.Errorf("strategy.clip_size must be greater than 0")
	}
	if s.EntryTrigger <= 0 || s.EntryTrigger >= 1 {
		return fmt.Errorf("strategy.entry_trigger must be in (0,1)")
	}
	if s.TPPrice <= 0 || s.TPPrice >= 1 {
		return fmt.Errorf("strategy.tp_price must be in (0,1)")
	}
	if s.HighScalpEntry <= s.EntryTrigger {
		return fmt.Errorf("strategy.high_scalp_entry must be greater than entry_trigger")
	}
	if s.DCADrop1 <= 0 || s.DCADrop2 <= s.DCADrop1 {
		return fmt.Errorf("strategy.dca_drop_2 must be greater than dca_drop_1 which must be greater than 0")
	}
	if s.MaxCompletedCycles <= 0 {
		return fmt.Errorf("strategy.max_completed_cycles must be greater than 0")
	}
	if s.ForceExitTimeLeft >= s.ForceUnwindTimeLeft {
		return fmt.Errorf("strategy.force_exit_time_left must be less than force_unwind_time_left")
	}
	if s.ForceUnwindTimeLeft >= s.MinEntryTimeLeft {
		return fmt.Errorf("strategy.force_unwind_time_left must be less than min_entry_time_left")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Venue.RESTURL == "" {
		return fmt.Errorf("venue.rest_url is required")
	}
	if cfg.Venue.WSURL == "" {
		return fmt.Errorf("venue.ws_url is required")
	}
	if cfg.Venue.RequestTimeout <= 0 {
		return fmt.Errorf("venue.request_timeout must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	return nil
}
