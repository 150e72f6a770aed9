package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/camuig/quant-trader/internal/market"
	"github.com/camuig/quant-trader/internal/storage"
)

type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DatabaseConfig   `yaml:"database"`
	DeepSeek   DeepSeekConfig   `yaml:"deepseek"`
	Market     MarketConfig     `yaml:"market"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Web        WebConfig        `yaml:"web"`
	Logging    LoggingConfig    `yaml:"logging"`
	Profiling  ProfilingConfig  `yaml:"profiling"`
}

const (
	BrokerPaper   = "paper"
	BrokerTinkoff = "tinkoff"
)

type BrokerConfig struct {
	Mode         string  `yaml:"mode"`
	Token        string  `yaml:"token"`
	Sandbox      bool    `yaml:"sandbox"`
	AccountID    string  `yaml:"account_id"`
	Endpoint     string  `yaml:"endpoint"`
	CallTimeout  string  `yaml:"call_timeout"`
	Retries      int     `yaml:"retries"`
	RetryBackoff string  `yaml:"retry_backoff"`
	MinSpacing   string  `yaml:"min_spacing"`
	HourlyCap    int     `yaml:"hourly_cap"`
	PaperCash    float64 `yaml:"paper_cash"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	DSN      string `yaml:"dsn"`
}

type DeepSeekConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MinConfidence  int    `yaml:"min_confidence"`
}

type MarketConfig struct {
	Timezone         string   `yaml:"timezone"`
	Open             string   `yaml:"open"`
	Close            string   `yaml:"close"`
	EntryDelay       string   `yaml:"entry_delay"`
	EntryCutoff      string   `yaml:"entry_cutoff"`
	ForceCloseLead   string   `yaml:"force_close_lead"`
	ExpiryWatchStart string   `yaml:"expiry_watch_start"`
	Holidays         []string `yaml:"holidays"`
}

type SchedulerConfig struct {
	Interval            string `yaml:"interval"`
	SymbolConcurrency   int    `yaml:"symbol_concurrency"`
	DuplicateWindow     string `yaml:"duplicate_window"`
	RebuyGuardWindow    string `yaml:"rebuy_guard_window"`
	PendingOrderTimeout string `yaml:"pending_order_timeout"`
	CleanupCron         string `yaml:"cleanup_cron"`
}

type LedgerConfig struct {
	EquityTTL        string `yaml:"equity_ttl"`
	EquityMinSpacing string `yaml:"equity_min_spacing"`
}

type ReconcilerConfig struct {
	Cron              string  `yaml:"cron"`
	BasePct           float64 `yaml:"base_pct"`
	BaseAbs           float64 `yaml:"base_abs"`
	ErrorPct          float64 `yaml:"error_pct"`
	ErrorAbs          float64 `yaml:"error_abs"`
	AutoFlattenShorts *bool   `yaml:"auto_flatten_shorts"`
	SubmitGrace       string  `yaml:"submit_grace"`
}

type WatchdogConfig struct {
	Interval   string `yaml:"interval"`
	Attempts   int    `yaml:"attempts"`
	RetryDelay string `yaml:"retry_delay"`
}

type BackfillConfig struct {
	Cron             string `yaml:"cron"`
	WindowMinutes    int    `yaml:"window_minutes"`
	AmbiguitySeconds int    `yaml:"ambiguity_seconds"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ProfilingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ServerAddress string `yaml:"server_address"`
	AppName       string `yaml:"app_name"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// applyEnv lets secrets stay out of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("QT_BROKER_TOKEN"); v != "" {
		cfg.Broker.Token = v
	}
	if v := os.Getenv("QT_DEEPSEEK_API_KEY"); v != "" {
		cfg.DeepSeek.APIKey = v
	}
	if v := os.Getenv("QT_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("QT_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Broker.Mode == "" {
		cfg.Broker.Mode = BrokerPaper
	}
	if cfg.Broker.CallTimeout == "" {
		cfg.Broker.CallTimeout = "10s"
	}
	if cfg.Broker.Retries == 0 {
		cfg.Broker.Retries = 3
	}
	if cfg.Broker.RetryBackoff == "" {
		cfg.Broker.RetryBackoff = "500ms"
	}
	if cfg.Broker.MinSpacing == "" {
		cfg.Broker.MinSpacing = "500ms"
	}
	if cfg.Broker.HourlyCap == 0 {
		cfg.Broker.HourlyCap = 3600
	}
	if cfg.Broker.PaperCash == 0 {
		cfg.Broker.PaperCash = 100000
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = storage.DriverSQLite
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "trader.db"
	}
	if cfg.DeepSeek.Model == "" {
		cfg.DeepSeek.Model = "deepseek-reasoner"
	}
	if cfg.DeepSeek.BaseURL == "" {
		cfg.DeepSeek.BaseURL = "https://api.deepseek.com/v1"
	}
	if cfg.DeepSeek.TimeoutSeconds == 0 {
		cfg.DeepSeek.TimeoutSeconds = 120
	}
	if cfg.DeepSeek.MinConfidence == 0 {
		cfg.DeepSeek.MinConfidence = 70
	}
	if cfg.Market.Timezone == "" {
		cfg.Market.Timezone = "America/New_York"
	}
	if cfg.Market.Open == "" {
		cfg.Market.Open = "09:30"
	}
	if cfg.Market.Close == "" {
		cfg.Market.Close = "16:00"
	}
	if cfg.Market.EntryDelay == "" {
		cfg.Market.EntryDelay = "0s"
	}
	if cfg.Market.EntryCutoff == "" {
		cfg.Market.EntryCutoff = "30m"
	}
	if cfg.Market.ForceCloseLead == "" {
		cfg.Market.ForceCloseLead = "10m"
	}
	if cfg.Market.ExpiryWatchStart == "" {
		cfg.Market.ExpiryWatchStart = "15:00"
	}
	if cfg.Scheduler.Interval == "" {
		cfg.Scheduler.Interval = "1m"
	}
	if cfg.Scheduler.SymbolConcurrency == 0 {
		cfg.Scheduler.SymbolConcurrency = 4
	}
	if cfg.Scheduler.DuplicateWindow == "" {
		cfg.Scheduler.DuplicateWindow = "60s"
	}
	if cfg.Scheduler.RebuyGuardWindow == "" {
		cfg.Scheduler.RebuyGuardWindow = "24h"
	}
	if cfg.Scheduler.PendingOrderTimeout == "" {
		cfg.Scheduler.PendingOrderTimeout = "5m"
	}
	if cfg.Scheduler.CleanupCron == "" {
		cfg.Scheduler.CleanupCron = "0 0 3 * * *"
	}
	if cfg.Ledger.EquityTTL == "" {
		cfg.Ledger.EquityTTL = "10s"
	}
	if cfg.Ledger.EquityMinSpacing == "" {
		cfg.Ledger.EquityMinSpacing = "2s"
	}
	if cfg.Reconciler.Cron == "" {
		cfg.Reconciler.Cron = "0 */5 * * * *"
	}
	if cfg.Reconciler.BasePct == 0 {
		cfg.Reconciler.BasePct = 0.01
	}
	if cfg.Reconciler.BaseAbs == 0 {
		cfg.Reconciler.BaseAbs = 10
	}
	if cfg.Reconciler.ErrorPct == 0 {
		cfg.Reconciler.ErrorPct = 0.05
	}
	if cfg.Reconciler.ErrorAbs == 0 {
		cfg.Reconciler.ErrorAbs = 100
	}
	if cfg.Reconciler.SubmitGrace == "" {
		cfg.Reconciler.SubmitGrace = "2m"
	}
	if cfg.Reconciler.AutoFlattenShorts == nil {
		on := true
		cfg.Reconciler.AutoFlattenShorts = &on
	}
	if cfg.Watchdog.Interval == "" {
		cfg.Watchdog.Interval = "60s"
	}
	if cfg.Watchdog.Attempts == 0 {
		cfg.Watchdog.Attempts = 3
	}
	if cfg.Watchdog.RetryDelay == "" {
		cfg.Watchdog.RetryDelay = "10s"
	}
	if cfg.Backfill.Cron == "" {
		cfg.Backfill.Cron = "0 30 2 * * *"
	}
	if cfg.Backfill.WindowMinutes == 0 {
		cfg.Backfill.WindowMinutes = 5
	}
	if cfg.Backfill.AmbiguitySeconds == 0 {
		cfg.Backfill.AmbiguitySeconds = 15
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Profiling.AppName == "" {
		cfg.Profiling.AppName = "quant-trader"
	}
}

func (c *Config) Validate() error {
	switch c.Broker.Mode {
	case BrokerPaper:
	case BrokerTinkoff:
		if c.Broker.Token == "" {
			return fmt.Errorf("broker.token is required in tinkoff mode")
		}
	default:
		return fmt.Errorf("unknown broker.mode %q", c.Broker.Mode)
	}

	switch c.Database.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	durations := map[string]string{
		"broker.call_timeout":             c.Broker.CallTimeout,
		"broker.retry_backoff":            c.Broker.RetryBackoff,
		"broker.min_spacing":              c.Broker.MinSpacing,
		"market.entry_delay":              c.Market.EntryDelay,
		"market.entry_cutoff":             c.Market.EntryCutoff,
		"market.force_close_lead":         c.Market.ForceCloseLead,
		"scheduler.interval":              c.Scheduler.Interval,
		"scheduler.duplicate_window":      c.Scheduler.DuplicateWindow,
		"scheduler.rebuy_guard_window":    c.Scheduler.RebuyGuardWindow,
		"scheduler.pending_order_timeout": c.Scheduler.PendingOrderTimeout,
		"ledger.equity_ttl":               c.Ledger.EquityTTL,
		"ledger.equity_min_spacing":       c.Ledger.EquityMinSpacing,
		"watchdog.interval":               c.Watchdog.Interval,
		"watchdog.retry_delay":            c.Watchdog.RetryDelay,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}

	if _, err := market.New(c.CalendarOptions()); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	if c.Reconciler.ErrorPct < c.Reconciler.BasePct || c.Reconciler.ErrorAbs < c.Reconciler.BaseAbs {
		return fmt.Errorf("reconciler error thresholds must not be below base thresholds")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		return fmt.Errorf("profiling.server_address is required when profiling is enabled")
	}
	return nil
}

func (c *Config) IsSandbox() bool {
	return c.Broker.Sandbox
}

// Duration parses a value already checked by Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) CalendarOptions() market.Options {
	return market.Options{
		Timezone:         c.Market.Timezone,
		Open:             c.Market.Open,
		Close:            c.Market.Close,
		EntryDelay:       Duration(c.Market.EntryDelay),
		EntryCutoff:      Duration(c.Market.EntryCutoff),
		ForceCloseLead:   Duration(c.Market.ForceCloseLead),
		ExpiryWatchStart: c.Market.ExpiryWatchStart,
		Holidays:         c.Market.Holidays,
	}
}

func (c *Config) DatabaseOptions() storage.Options {
	return storage.Options{
		Driver:   c.Database.Driver,
		Path:     c.Database.Path,
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.Name,
		SSLMode:  c.Database.SSLMode,
		DSN:      c.Database.DSN,
	}
}

func (c *Config) SchedulerInterval() time.Duration {
	return Duration(c.Scheduler.Interval)
}

func (c *Config) DeepSeekTimeout() time.Duration {
	return time.Duration(c.DeepSeek.TimeoutSeconds) * time.Second
}

func (c *Config) BackfillWindow() time.Duration {
	return time.Duration(c.Backfill.WindowMinutes) * time.Minute
}

func (c *Config) BackfillAmbiguity() time.Duration {
	return time.Duration(c.Backfill.AmbiguitySeconds) * time.Second
}
