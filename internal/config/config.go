// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields supplied via environment variables — broker credentials
// never live in YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	UsePaper bool           `mapstructure:"use_paper"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	AI       AIConfig       `mapstructure:"ai"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	API      APIConfig      `mapstructure:"api"`
}

// BrokerConfig holds broker endpoints, credentials, and client limits.
// Live and paper credentials are separate pairs; UsePaper selects which
// pair is active and switches every TR identifier with it.
type BrokerConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	PaperBaseURL string `mapstructure:"paper_base_url"`
	WSURL        string `mapstructure:"ws_url"`
	PaperWSURL   string `mapstructure:"paper_ws_url"`

	AppKey      string `mapstructure:"app_key"`
	AppSecret   string `mapstructure:"app_secret"`
	AccountNo   string `mapstructure:"account_no"`
	ProductCode string `mapstructure:"product_code"`

	PaperAppKey      string `mapstructure:"paper_app_key"`
	PaperAppSecret   string `mapstructure:"paper_app_secret"`
	PaperAccountNo   string `mapstructure:"paper_account_no"`
	PaperProductCode string `mapstructure:"paper_product_code"`

	RatePerSec     float64       `mapstructure:"rate_per_sec"`     // token bucket refill, broker allows 20/s
	BucketSize     float64       `mapstructure:"bucket_size"`      // token bucket capacity
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`  // rate-limit acquire bound
	RequestTimeout time.Duration `mapstructure:"request_timeout"`  // REST wall timeout
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`   // pooled keep-alive connections
	TokenMargin    time.Duration `mapstructure:"token_margin"`     // refresh when this close to expiry
	WSReconnects   int           `mapstructure:"ws_reconnects"`    // attempts before giving up
	WSReconnectGap time.Duration `mapstructure:"ws_reconnect_gap"` // delay between attempts
}

// Credentials is the active app-key/secret/account tuple.
type Credentials struct {
	AppKey      string
	AppSecret   string
	AccountNo   string
	ProductCode string
}

// Active returns the credential pair selected by UsePaper.
func (b BrokerConfig) Active(usePaper bool) Credentials {
	if usePaper {
		return Credentials{b.PaperAppKey, b.PaperAppSecret, b.PaperAccountNo, b.PaperProductCode}
	}
	return Credentials{b.AppKey, b.AppSecret, b.AccountNo, b.ProductCode}
}

// ActiveBaseURL returns the REST base URL for the selected mode.
func (b BrokerConfig) ActiveBaseURL(usePaper bool) string {
	if usePaper {
		return b.PaperBaseURL
	}
	return b.BaseURL
}

// ActiveWSURL returns the websocket URL for the selected mode.
func (b BrokerConfig) ActiveWSURL(usePaper bool) string {
	if usePaper {
		return b.PaperWSURL
	}
	return b.WSURL
}

// StrategyConfig tunes entry sizing and the position lifecycle.
//
//   - BaseFraction: starting equity fraction per entry before multipliers.
//   - MinFraction: entries sized below this are skipped.
//   - MaxPositions: concurrent-position cap (expands by one under macro boost).
//   - TakeProfitPct / TrailingStopPct / Track2TrailingPct: exit thresholds.
//   - InitialStopATRMult: stop distance in entry-ATR multiples.
//   - PyramidTriggerATRMult / PyramidAddRatio / PyramidStopPct: add-on rules.
//   - TimeStopDays: business days before a time-stop exit.
//   - IntensityEntryMin / IntensityTrack2Min: trade-intensity gates.
//   - QuoteStaleAfter: quotes older than this cannot justify a new entry.
//   - DailyLossLimitPct: realized day loss that trips the circuit.
type StrategyConfig struct {
	BaseFraction          float64       `mapstructure:"base_fraction"`
	MinFraction           float64       `mapstructure:"min_fraction"`
	MaxPositions          int           `mapstructure:"max_positions"`
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	TakeProfitPct         float64       `mapstructure:"take_profit_pct"`
	TrailingStopPct       float64       `mapstructure:"trailing_stop_pct"`
	Track2TrailingPct     float64       `mapstructure:"track2_trailing_pct"`
	InitialStopATRMult    float64       `mapstructure:"initial_stop_atr_mult"`
	PyramidTriggerATRMult float64       `mapstructure:"pyramid_trigger_atr_mult"`
	PyramidAddRatio       float64       `mapstructure:"pyramid_add_ratio"`
	PyramidStopPct        float64       `mapstructure:"pyramid_stop_pct"`
	TimeStopDays          int           `mapstructure:"time_stop_days"`
	IntensityEntryMin     float64       `mapstructure:"intensity_entry_min"`
	IntensityTrack2Min    float64       `mapstructure:"intensity_track2_min"`
	Track2MaxPopulation   int           `mapstructure:"track2_max_population"`
	QuoteStaleAfter       time.Duration `mapstructure:"quote_stale_after"`
	DailyLossLimitPct     float64       `mapstructure:"daily_loss_limit_pct"`
}

// ExecutorConfig tunes the three-stage fallback chain and TWAP splitting.
type ExecutorConfig struct {
	Stage1Ticks       int           `mapstructure:"stage1_ticks"`
	Stage2Ticks       int           `mapstructure:"stage2_ticks"`
	Stage1Wait        time.Duration `mapstructure:"stage1_wait"`  // fill-check delay after placement
	Stage2Sleep       time.Duration `mapstructure:"stage2_sleep"` // pause before the re-quote
	TwapADVRatio      float64       `mapstructure:"twap_adv_ratio"`
	TwapMaxSlices     int           `mapstructure:"twap_max_slices"`
	TwapInterval      time.Duration `mapstructure:"twap_interval"`
	TwapVelocityFloor float64       `mapstructure:"twap_velocity_floor"` // ticks/s below which slices abort
	OrderLogQueueSize int           `mapstructure:"order_log_queue_size"`
}

// WatcherConfig tunes the market shock watcher and recovery machine.
type WatcherConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	ConfirmWait     time.Duration `mapstructure:"confirm_wait"` // pause before re-checking triggers
	VIXSurgePct     float64       `mapstructure:"vix_surge_pct"`
	KospiDropPct    float64       `mapstructure:"kospi_drop_pct"`
	FXMoveWon       float64       `mapstructure:"fx_move_won"`
	LargeCapDownMin float64       `mapstructure:"large_cap_down_min"` // top-10 extrapolated count
	RecoveryAfter   time.Duration `mapstructure:"recovery_after"`     // min elapsed before WATCHING
	MaxReentries    int           `mapstructure:"max_reentries"`      // per-day recovery cap
}

// AIConfig points at an OpenAI-compatible chat-completions endpoint used
// for shock adjudication. The key comes from OPENAI_API_KEY.
type AIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	APIKey  string        `mapstructure:"-"`
}

// NotifyConfig configures the Telegram notifier. Empty token disables it.
type NotifyConfig struct {
	TelegramToken  string `mapstructure:"-"`
	TelegramChatID string `mapstructure:"-"`
	QueueSize      int    `mapstructure:"queue_size"`
}

// StoreConfig sets where state, order logs, and reports are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the read-only status HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides. Credentials
// use env vars only: KIS_APP_KEY, KIS_APP_SECRET, KIS_ACCOUNT_NO,
// KIS_PRODUCT_CODE (and KIS_PAPER_* pairs), USE_PAPER, OPENAI_API_KEY,
// TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KRX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials and mode switches come from the environment.
	cfg.Broker.AppKey = os.Getenv("KIS_APP_KEY")
	cfg.Broker.AppSecret = os.Getenv("KIS_APP_SECRET")
	cfg.Broker.AccountNo = os.Getenv("KIS_ACCOUNT_NO")
	cfg.Broker.ProductCode = getenvDefault("KIS_PRODUCT_CODE", "01")
	cfg.Broker.PaperAppKey = os.Getenv("KIS_PAPER_APP_KEY")
	cfg.Broker.PaperAppSecret = os.Getenv("KIS_PAPER_APP_SECRET")
	cfg.Broker.PaperAccountNo = os.Getenv("KIS_PAPER_ACCOUNT_NO")
	cfg.Broker.PaperProductCode = getenvDefault("KIS_PAPER_PRODUCT_CODE", "01")
	cfg.AI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Notify.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Notify.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")

	switch os.Getenv("USE_PAPER") {
	case "true", "1":
		cfg.UsePaper = true
	case "false", "0":
		cfg.UsePaper = false
	}
	if os.Getenv("KRX_DRY_RUN") == "true" || os.Getenv("KRX_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_paper", true)

	v.SetDefault("broker.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("broker.paper_base_url", "https://openapivts.koreainvestment.com:29443")
	v.SetDefault("broker.ws_url", "ws://ops.koreainvestment.com:21000")
	v.SetDefault("broker.paper_ws_url", "ws://ops.koreainvestment.com:31000")
	v.SetDefault("broker.rate_per_sec", 18.0)
	v.SetDefault("broker.bucket_size", 18.0)
	v.SetDefault("broker.acquire_timeout", "5s")
	v.SetDefault("broker.request_timeout", "10s")
	v.SetDefault("broker.max_idle_conns", 20)
	v.SetDefault("broker.token_margin", "30m")
	v.SetDefault("broker.ws_reconnects", 3)
	v.SetDefault("broker.ws_reconnect_gap", "1s")

	v.SetDefault("strategy.base_fraction", 0.20)
	v.SetDefault("strategy.min_fraction", 0.02)
	v.SetDefault("strategy.max_positions", 5)
	v.SetDefault("strategy.tick_interval", "1500ms")
	v.SetDefault("strategy.take_profit_pct", 0.07)
	v.SetDefault("strategy.trailing_stop_pct", 0.02)
	v.SetDefault("strategy.track2_trailing_pct", 0.05)
	v.SetDefault("strategy.initial_stop_atr_mult", 2.0)
	v.SetDefault("strategy.pyramid_trigger_atr_mult", 1.5)
	v.SetDefault("strategy.pyramid_add_ratio", 0.30)
	v.SetDefault("strategy.pyramid_stop_pct", 0.03)
	v.SetDefault("strategy.time_stop_days", 3)
	v.SetDefault("strategy.intensity_entry_min", 0.70)
	v.SetDefault("strategy.intensity_track2_min", 0.60)
	v.SetDefault("strategy.track2_max_population", 2)
	v.SetDefault("strategy.quote_stale_after", "30s")
	v.SetDefault("strategy.daily_loss_limit_pct", 0.03)

	v.SetDefault("executor.stage1_ticks", 3)
	v.SetDefault("executor.stage2_ticks", 5)
	v.SetDefault("executor.stage1_wait", "150ms")
	v.SetDefault("executor.stage2_sleep", "200ms")
	v.SetDefault("executor.twap_adv_ratio", 0.005)
	v.SetDefault("executor.twap_max_slices", 4)
	v.SetDefault("executor.twap_interval", "45s")
	v.SetDefault("executor.twap_velocity_floor", 2.0)
	v.SetDefault("executor.order_log_queue_size", 256)

	v.SetDefault("watcher.interval", "60s")
	v.SetDefault("watcher.confirm_wait", "60s")
	v.SetDefault("watcher.vix_surge_pct", 20.0)
	v.SetDefault("watcher.kospi_drop_pct", 2.0)
	v.SetDefault("watcher.fx_move_won", 15.0)
	v.SetDefault("watcher.large_cap_down_min", 7.0)
	v.SetDefault("watcher.recovery_after", "30m")
	v.SetDefault("watcher.max_reentries", 3)

	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.timeout", "20s")

	v.SetDefault("notify.queue_size", 64)

	v.SetDefault("store.data_dir", "outputs")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8090)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Validate checks required fields and value ranges. A failure here means
// the process must refuse to run (exit code 1).
func (c *Config) Validate() error {
	creds := c.Broker.Active(c.UsePaper)
	mode := "live"
	envPrefix := "KIS"
	if c.UsePaper {
		mode = "paper"
		envPrefix = "KIS_PAPER"
	}
	if !c.DryRun {
		if creds.AppKey == "" || creds.AppSecret == "" {
			return fmt.Errorf("%s mode needs %s_APP_KEY and %s_APP_SECRET", mode, envPrefix, envPrefix)
		}
		if creds.AccountNo == "" {
			return fmt.Errorf("%s mode needs %s_ACCOUNT_NO", mode, envPrefix)
		}
	}
	if c.Broker.ActiveBaseURL(c.UsePaper) == "" {
		return fmt.Errorf("broker base_url is required for %s mode", mode)
	}
	if c.Broker.RatePerSec <= 0 || c.Broker.BucketSize <= 0 {
		return fmt.Errorf("broker.rate_per_sec and broker.bucket_size must be > 0")
	}
	if c.Strategy.BaseFraction <= 0 || c.Strategy.BaseFraction > 1 {
		return fmt.Errorf("strategy.base_fraction must be in (0, 1]")
	}
	if c.Strategy.MinFraction < 0 || c.Strategy.MinFraction >= c.Strategy.BaseFraction {
		return fmt.Errorf("strategy.min_fraction must be in [0, base_fraction)")
	}
	if c.Strategy.MaxPositions <= 0 {
		return fmt.Errorf("strategy.max_positions must be > 0")
	}
	if c.Strategy.TakeProfitPct <= 0 || c.Strategy.TrailingStopPct <= 0 {
		return fmt.Errorf("strategy.take_profit_pct and trailing_stop_pct must be > 0")
	}
	if c.Strategy.TimeStopDays <= 0 {
		return fmt.Errorf("strategy.time_stop_days must be > 0")
	}
	if c.Executor.Stage1Ticks <= 0 || c.Executor.Stage2Ticks <= c.Executor.Stage1Ticks {
		return fmt.Errorf("executor stage ticks must satisfy 0 < stage1 < stage2")
	}
	if c.Executor.TwapMaxSlices <= 0 {
		return fmt.Errorf("executor.twap_max_slices must be > 0")
	}
	if c.Watcher.MaxReentries < 0 {
		return fmt.Errorf("watcher.max_reentries must be ≥ 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}
