package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration
type Config struct {
	Mode       TradingModeConfig `envconfig:""`
	Database   DatabaseConfig    `envconfig:"DATABASE"`
	Redis      RedisConfig       `envconfig:"REDIS"`
	ClickHouse ClickHouseConfig  `envconfig:"CLICKHOUSE"`
	S3         S3Config          `envconfig:"S3"`
	Broker     BrokerConfig      `envconfig:"BROKER"`
	LLM        LLMConfig         `envconfig:"LLM"`
	News       NewsConfig        `envconfig:"NEWS"`
	Telegram   TelegramConfig    `envconfig:"TELEGRAM"`
	Alerts     AlertsConfig      `envconfig:"ALERTS"`
	Trading    TradingConfig     `envconfig:"TRADING"`
	Risk       RiskConfig        `envconfig:"RISK"`
	Swarm      SwarmConfig       `envconfig:"SWARM"`
	Approval   ApprovalConfig    `envconfig:"APPROVAL"`
	Logging    LoggingConfig     `envconfig:"LOGGING"`
	Health     HealthConfig      `envconfig:"HEALTH"`
}

// TradingModeConfig represents trading mode
type TradingModeConfig struct {
	Mode string `envconfig:"MODE" default:"paper"` // paper or live
}

// BrokerConfig represents broker connection parameters
type BrokerConfig struct {
	Provider   string `envconfig:"BROKER_PROVIDER" default:"paper"`
	APIKey     string `envconfig:"BROKER_API_KEY" required:"false"`
	APISecret  string `envconfig:"BROKER_API_SECRET" required:"false"`
	BaseURL    string `envconfig:"BROKER_BASE_URL" required:"false"`
	AssetClass string `envconfig:"BROKER_ASSET_CLASS" default:"us_equity"`
}

// LLMConfig represents LLM provider configuration
type LLMConfig struct {
	APIKey           string        `envconfig:"LLM_API_KEY" required:"false"`
	Model            string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	BaseURL          string        `envconfig:"LLM_BASE_URL" required:"false"`
	Enabled          bool          `envconfig:"LLM_ENABLED" default:"true"`
	CallTimeout      time.Duration `envconfig:"LLM_CALL_TIMEOUT" default:"18s"`
	FailureThreshold int           `envconfig:"LLM_FAILURE_THRESHOLD" default:"3"`
}

// NewsConfig represents news/social ingestion configuration
type NewsConfig struct {
	Enabled        bool     `envconfig:"NEWS_ENABLED" default:"true"`
	RedditEnabled  bool     `envconfig:"REDDIT_ENABLED" default:"true"`
	RedditClientID string   `envconfig:"REDDIT_CLIENT_ID" required:"false"`
	RedditSecret   string   `envconfig:"REDDIT_SECRET" required:"false"`
	StocktwitsOn   bool     `envconfig:"STOCKTWITS_ENABLED" default:"true"`
	Keywords       []string `envconfig:"NEWS_KEYWORDS" default:"stocks,earnings,upgrade,downgrade"`
	PollRatePerSec float64  `envconfig:"NEWS_POLL_RATE" default:"1"`
}

// TelegramConfig represents the optional Telegram alert channel
type TelegramConfig struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" default:"0"`
}

// AlertsConfig represents alert evaluation and delivery parameters
type AlertsConfig struct {
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL" required:"false"`
	WebhookURL        string        `envconfig:"WEBHOOK_URL" required:"false"`
	ConsoleEnabled    bool          `envconfig:"CONSOLE_ENABLED" default:"true"`
	DedupeWindow      time.Duration `envconfig:"DEDUPE_WINDOW" default:"10m"`
	RateWindow        time.Duration `envconfig:"RATE_WINDOW" default:"5m"`
	MaxPerWindow      int           `envconfig:"MAX_PER_WINDOW" default:"10"`
	DrawdownWarnRatio float64       `envconfig:"DRAWDOWN_WARN_RATIO" default:"0.7"`
	DLQWarnThreshold  int           `envconfig:"DLQ_WARN_THRESHOLD" default:"5"`
	DLQCritThreshold  int           `envconfig:"DLQ_CRIT_THRESHOLD" default:"25"`
	LLMAuthWindow     time.Duration `envconfig:"LLM_AUTH_WINDOW" default:"15m"`
}

// TradingConfig represents trading parameters
type TradingConfig struct {
	PositionSizePercent float64 `envconfig:"TRADING_POSITION_SIZE_PERCENT" default:"10.0"`
	MaxPositionNotional float64 `envconfig:"TRADING_MAX_POSITION_NOTIONAL" default:"5000.0"`
	MinConfidenceBuy    float64 `envconfig:"TRADING_MIN_CONFIDENCE_BUY" default:"0.7"`
}

// RiskConfig represents risk management parameters
type RiskConfig struct {
	MaxDailyLossUSD      float64       `envconfig:"RISK_MAX_DAILY_LOSS_USD" default:"500.0"`
	MaxDrawdownPercent   float64       `envconfig:"RISK_MAX_DRAWDOWN_PERCENT" default:"15.0"`
	MaxOpenPositions     int           `envconfig:"RISK_MAX_OPEN_POSITIONS" default:"10"`
	MaxPositionValueUSD  float64       `envconfig:"RISK_MAX_POSITION_VALUE_USD" default:"10000.0"`
	CooldownMinutes      int           `envconfig:"RISK_COOLDOWN_MINUTES" default:"60"`
	DailyResetHourLocal  int           `envconfig:"RISK_DAILY_RESET_HOUR" default:"5"`
	HourlyRefreshTimeout time.Duration `envconfig:"RISK_HOURLY_REFRESH_TIMEOUT" default:"30s"`
}

// SwarmConfig represents the coordination core parameters
type SwarmConfig struct {
	AlarmInterval    time.Duration `envconfig:"SWARM_ALARM_INTERVAL" default:"60s"`
	DispatchLimit    int           `envconfig:"SWARM_DISPATCH_LIMIT" default:"200"`
	InboxDrainLimit  int           `envconfig:"SWARM_INBOX_DRAIN_LIMIT" default:"50"`
	StaleHeartbeat   time.Duration `envconfig:"SWARM_STALE_HEARTBEAT" default:"5m"`
	DefaultAttempts  int           `envconfig:"SWARM_DEFAULT_MAX_ATTEMPTS" default:"3"`
	DispatchLockTTL  time.Duration `envconfig:"SWARM_DISPATCH_LOCK_TTL" default:"30s"`
	DispatchLockName string        `envconfig:"SWARM_DISPATCH_LOCK_NAME" default:"swarm:dispatch"`
}

// ApprovalConfig represents approval token parameters
type ApprovalConfig struct {
	Secret     string        `envconfig:"APPROVAL_SECRET" required:"false" default:"dev-approval-secret"`
	DefaultTTL time.Duration `envconfig:"APPROVAL_DEFAULT_TTL" default:"5m"`
}

// DatabaseConfig represents database connection parameters
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Name     string `envconfig:"DB_NAME" default:"tradeswarm"`
	User     string `envconfig:"DB_USER" required:"false" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" required:"false" default:""`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
}

// ClickHouseConfig represents ClickHouse connection parameters
type ClickHouseConfig struct {
	Host     string `envconfig:"CH_HOST" default:"localhost"`
	Database string `envconfig:"CH_DATABASE" default:"tradeswarm"`
	User     string `envconfig:"CH_USER" default:"default"`
	Password string `envconfig:"CH_PASSWORD" default:""`
	Port     int    `envconfig:"CH_PORT" default:"9000"`
	Enabled  bool   `envconfig:"CH_ENABLED" default:"false"`
}

// RedisConfig represents Redis connection parameters
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false" default:""`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// S3Config represents artifact storage parameters
type S3Config struct {
	Bucket    string `envconfig:"S3_BUCKET" required:"false"`
	Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	Endpoint  string `envconfig:"S3_ENDPOINT" required:"false"`
	AccessKey string `envconfig:"S3_ACCESS_KEY" required:"false"`
	SecretKey string `envconfig:"S3_SECRET_KEY" required:"false"`
	Enabled   bool   `envconfig:"S3_ENABLED" default:"false"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:"logs/swarm.log"`
}

// HealthConfig represents health check server configuration
type HealthConfig struct {
	Port string `envconfig:"HEALTH_PORT" default:"8080"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Mode.Mode != "paper" && c.Mode.Mode != "live" {
		return fmt.Errorf("mode must be paper or live")
	}

	if c.Trading.PositionSizePercent <= 0 || c.Trading.PositionSizePercent > 100 {
		return fmt.Errorf("position_size_percent must be between 0 and 100")
	}
	if c.Trading.MaxPositionNotional <= 0 {
		return fmt.Errorf("max_position_notional must be positive")
	}
	if c.Trading.MinConfidenceBuy < 0 || c.Trading.MinConfidenceBuy > 1 {
		return fmt.Errorf("min_confidence_buy must be within [0,1]")
	}

	if c.Risk.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("max_daily_loss_usd must be positive")
	}
	if c.Risk.MaxOpenPositions < 1 {
		return fmt.Errorf("max_open_positions must be at least 1")
	}

	if c.Swarm.DispatchLimit < 1 || c.Swarm.DispatchLimit > 200 {
		return fmt.Errorf("dispatch_limit must be within [1,200]")
	}
	if c.Swarm.DefaultAttempts < 1 {
		return fmt.Errorf("default_max_attempts must be at least 1")
	}

	// Live mode requires a real broker and a real approval secret
	if c.Mode.Mode == "live" {
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("live mode requires broker credentials")
		}
		if c.Approval.Secret == "" || c.Approval.Secret == "dev-approval-secret" {
			return fmt.Errorf("live mode requires a dedicated approval secret")
		}
	}

	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the host:port pair for the Redis client
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsPaperTrading returns true if the system is in paper trading mode
func (c *Config) IsPaperTrading() bool {
	return c.Mode.Mode == "paper"
}
