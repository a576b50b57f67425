package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Cache     CacheConfig     `yaml:"cache"`
	Stream    StreamConfig    `yaml:"stream"`
	Safety    SafetyConfig    `yaml:"safety"`
	ClockSync ClockSyncConfig `yaml:"clock_sync"`
	Positions PositionsConfig `yaml:"positions"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Journal   JournalConfig   `yaml:"journal"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	Name            string        `yaml:"name"`
	RestURL         string        `yaml:"rest_url"`
	APIKey          string        `yaml:"api_key"`
	APISecret       string        `yaml:"api_secret"`
	APIPassphrase   string        `yaml:"api_passphrase"`
	MarginMode      string        `yaml:"margin_mode"`
	DefaultLeverage int           `yaml:"default_leverage"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// RateLimitConfig bounds outgoing REST traffic. RequestsPerSecond overrides
// the exchange's advertised interval when set.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type SchedulerConfig struct {
	MaxWait time.Duration `yaml:"max_wait"`
}

type RetryConfig struct {
	MaxAttempts        int                  `yaml:"max_attempts"`
	CriticalMultiplier int                  `yaml:"critical_multiplier"`
	BaseDelay          time.Duration        `yaml:"base_delay"`
	MaxDelay           time.Duration        `yaml:"max_delay"`
	CallTimeout        time.Duration        `yaml:"call_timeout"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type CacheConfig struct {
	MetadataTTL             time.Duration `yaml:"metadata_ttl"`
	CandleMaxLength         int           `yaml:"candle_max_length"`
	CandleIncrementalWindow int           `yaml:"candle_incremental_window"`
	CandleRefreshTTL        time.Duration `yaml:"candle_refresh_ttl"`
}

type StreamConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	ReconnectBase      time.Duration `yaml:"reconnect_base"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	MaxSubscriptions   int           `yaml:"max_subscriptions"`
	TickerFreshness    time.Duration `yaml:"ticker_freshness"`
	CandleFreshness    time.Duration `yaml:"candle_freshness"`
	OrderBookFreshness time.Duration `yaml:"orderbook_freshness"`
	ErrorDedupWindow   time.Duration `yaml:"error_dedup_window"`
	ReadBufferBytes    int           `yaml:"read_buffer_bytes"`
}

type SafetyConfig struct {
	LargeOrderThreshold float64 `yaml:"large_order_threshold"`
	MinLiquidityRatio   float64 `yaml:"min_liquidity_ratio"`
	MaxSlippage         float64 `yaml:"max_slippage"`
	MarginBuffer        float64 `yaml:"margin_buffer"`
	AdjustmentReserve   float64 `yaml:"adjustment_reserve"`
	MinPositionValue    float64 `yaml:"min_position_value"`
	MinRequiredMargin   float64 `yaml:"min_required_margin"`
}

type ClockSyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxDrift time.Duration `yaml:"max_drift"`
}

type PositionsConfig struct {
	CloseAttempts int           `yaml:"close_attempts"`
	CloseBackoff  time.Duration `yaml:"close_backoff"`
}

type ScannerConfig struct {
	MaxWorkers    int           `yaml:"max_workers"`
	Interval      time.Duration `yaml:"interval"`
	WatchlistPath string        `yaml:"watchlist_path"`
}

type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	Prefix        string        `yaml:"prefix"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
	CloudWatch     bool          `yaml:"cloudwatch"`
	Namespace      string        `yaml:"namespace"`
	DashboardName  string        `yaml:"dashboard_name"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:            "kucoin",
			RestURL:         "https://api-futures.kucoin.com",
			MarginMode:      "ISOLATED",
			DefaultLeverage: 3,
			RequestTimeout:  30 * time.Second,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
		Scheduler: SchedulerConfig{MaxWait: 5 * time.Second},
		Retry: RetryConfig{
			MaxAttempts:        3,
			CriticalMultiplier: 3,
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
			CallTimeout:        30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
			},
		},
		Cache: CacheConfig{
			MetadataTTL:             time.Hour,
			CandleMaxLength:         500,
			CandleIncrementalWindow: 20,
			CandleRefreshTTL:        15 * time.Minute,
		},
		Stream: StreamConfig{
			Enabled:            true,
			Heartbeat:          20 * time.Second,
			ReconnectBase:      5 * time.Second,
			ReconnectMax:       300 * time.Second,
			MaxSubscriptions:   100,
			TickerFreshness:    10 * time.Second,
			CandleFreshness:    2 * time.Minute,
			OrderBookFreshness: 5 * time.Second,
			ErrorDedupWindow:   60 * time.Second,
		},
		Safety: SafetyConfig{
			LargeOrderThreshold: 10000,
			MinLiquidityRatio:   0.7,
			MaxSlippage:         0.005,
			MarginBuffer:        0.05,
			AdjustmentReserve:   0.10,
			MinPositionValue:    1.0,
			MinRequiredMargin:   0.10,
		},
		ClockSync: ClockSyncConfig{Interval: time.Hour, MaxDrift: 5 * time.Second},
		Positions: PositionsConfig{CloseAttempts: 5, CloseBackoff: 2 * time.Second},
		Scanner:   ScannerConfig{MaxWorkers: 4, Interval: time.Minute},
		Journal: JournalConfig{
			BufferSize:    1024,
			BatchSize:     200,
			FlushInterval: 5 * time.Minute,
			Compression:   "snappy",
			Prefix:        "orders",
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
			Namespace:      "TradeGate",
			DashboardName:  "TradeGate",
		},
		Metrics: MetricsConfig{Addr: ":2112"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&config.Exchange.APIKey, "KUCOIN_API_KEY")
	override(&config.Exchange.APISecret, "KUCOIN_API_SECRET")
	override(&config.Exchange.APIPassphrase, "KUCOIN_API_PASSPHRASE")

	if config.Storage.S3.Enabled {
		override(&config.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		override(&config.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		override(&config.Storage.S3.Region, "AWS_REGION")
		override(&config.Storage.S3.Bucket, "JOURNAL_BUCKET")
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Exchange.MarginMode = strings.ToUpper(strings.TrimSpace(config.Exchange.MarginMode))
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.Exchange.RestURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}
	if cfg.Exchange.MarginMode != "ISOLATED" && cfg.Exchange.MarginMode != "CROSS" {
		return fmt.Errorf("exchange.margin_mode must be ISOLATED or CROSS")
	}
	if cfg.Exchange.DefaultLeverage <= 0 {
		return fmt.Errorf("exchange.default_leverage must be greater than 0")
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be greater than 0")
	}

	if cfg.Scheduler.MaxWait <= 0 {
		return fmt.Errorf("scheduler.max_wait must be greater than 0")
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if cfg.Retry.CriticalMultiplier < 1 {
		return fmt.Errorf("retry.critical_multiplier must be at least 1")
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be greater than 0 and not exceed retry.max_delay")
	}
	if cfg.Retry.CallTimeout <= 0 {
		return fmt.Errorf("retry.call_timeout must be greater than 0")
	}
	if cb := cfg.Retry.CircuitBreaker; cb.Enabled && (cb.FailureThreshold <= 0 || cb.RecoveryTimeout <= 0) {
		return fmt.Errorf("retry.circuit_breaker thresholds must be greater than 0 when enabled")
	}

	if cfg.Cache.MetadataTTL <= 0 {
		return fmt.Errorf("cache.metadata_ttl must be greater than 0")
	}
	if cfg.Cache.CandleMaxLength <= 0 {
		return fmt.Errorf("cache.candle_max_length must be greater than 0")
	}
	if cfg.Cache.CandleIncrementalWindow <= 0 || cfg.Cache.CandleIncrementalWindow > cfg.Cache.CandleMaxLength {
		return fmt.Errorf("cache.candle_incremental_window must be between 1 and cache.candle_max_length")
	}

	if cfg.Stream.Enabled {
		if cfg.Stream.Heartbeat <= 0 {
			return fmt.Errorf("stream.heartbeat must be greater than 0")
		}
		if cfg.Stream.ReconnectBase <= 0 || cfg.Stream.ReconnectMax < cfg.Stream.ReconnectBase {
			return fmt.Errorf("stream.reconnect_base must be greater than 0 and not exceed stream.reconnect_max")
		}
		if cfg.Stream.MaxSubscriptions < 0 {
			return fmt.Errorf("stream.max_subscriptions must not be negative")
		}
	}

	if cfg.Safety.MinLiquidityRatio <= 0 || cfg.Safety.MinLiquidityRatio > 1 {
		return fmt.Errorf("safety.min_liquidity_ratio must be in (0, 1]")
	}
	if cfg.Safety.AdjustmentReserve < 0 || cfg.Safety.AdjustmentReserve >= 1 {
		return fmt.Errorf("safety.adjustment_reserve must be in [0, 1)")
	}

	if cfg.ClockSync.MaxDrift <= 0 {
		return fmt.Errorf("clock_sync.max_drift must be greater than 0")
	}
	if cfg.Positions.CloseAttempts <= 0 {
		return fmt.Errorf("positions.close_attempts must be greater than 0")
	}
	if cfg.Scanner.MaxWorkers <= 0 {
		return fmt.Errorf("scanner.max_workers must be greater than 0")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.BufferSize <= 0 || cfg.Journal.BatchSize <= 0 {
			return fmt.Errorf("journal.buffer_size and journal.batch_size must be greater than 0")
		}
		if cfg.Journal.FlushInterval <= 0 {
			return fmt.Errorf("journal.flush_interval must be greater than 0")
		}
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("journal requires storage.s3.enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
