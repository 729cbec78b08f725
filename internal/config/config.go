// Package config loads the YAML configuration, layers the environment
// variables the deployment scripts set on top, and validates the result
// before any process starts.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

const (
	defaultSandboxWSURL    = "wss://uat-stream.3ona.co/v2/user"
	defaultProductionWSURL = "wss://stream.crypto.com/v2/user"
)

type Config struct {
	Environment   Environment         `yaml:"environment"`
	LogLevel      string              `yaml:"log_level"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Trading       TradingConfig       `yaml:"trading"`
	Redis         RedisConfig         `yaml:"redis"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey            string `yaml:"api_key"`
	APISecret         string `yaml:"api_secret"`
	SandboxWSURL      string `yaml:"sandbox_ws_url"`
	ProductionWSURL   string `yaml:"production_ws_url"`
	CallTimeoutSec    int64  `yaml:"call_timeout_sec"`
	ReadTimeoutSec    int64  `yaml:"read_timeout_sec"`
	AuthAttempts      int    `yaml:"auth_attempts"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
	ReconnectMaxSec   int64  `yaml:"reconnect_max_sec"`
}

type TradingConfig struct {
	TradePercentage     Decimal `yaml:"trade_percentage"`
	QuoteCurrency       string  `yaml:"quote_currency"`
	DefaultOrderType    string  `yaml:"default_order_type"`
	TimeInForce         string  `yaml:"time_in_force"`
	BalanceStalenessSec int64   `yaml:"balance_staleness_sec"`
	BalanceRefreshSec   int64   `yaml:"balance_refresh_sec"`
	SubmitAttempts      int     `yaml:"submit_attempts"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type WebhookConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

type ObservabilityConfig struct {
	MetricsAddr string         `yaml:"metrics_addr"`
	Telegram    TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

// Load reads the YAML file at path, then applies environment overrides.
// A .env file next to the process is honored first, matching how the
// deployment has always carried its secrets.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			if err == nil {
				return Config{}, fmt.Errorf("config must contain a single YAML document")
			}
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers the long-standing deployment variables over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = Environment(v)
	}
	if v := os.Getenv("CRYPTO_COM_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("CRYPTO_COM_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("SANDBOX_USER_API_WEBSOCKET"); v != "" {
		c.Exchange.SandboxWSURL = v
	}
	if v := os.Getenv("PRODUCTION_USER_API_WEBSOCKET"); v != "" {
		c.Exchange.ProductionWSURL = v
	}
	if v := os.Getenv("TRADE_PERCENTAGE"); v != "" {
		if pct, err := decimal.NewFromString(v); err == nil {
			c.Trading.TradePercentage = Decimal{pct}
		}
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TRADINGVIEW_IPS"); v != "" {
		c.Webhook.AllowedIPs = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) normalize() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.SandboxWSURL = strings.TrimSpace(c.Exchange.SandboxWSURL)
	c.Exchange.ProductionWSURL = strings.TrimSpace(c.Exchange.ProductionWSURL)
	c.Trading.QuoteCurrency = strings.ToUpper(strings.TrimSpace(c.Trading.QuoteCurrency))
	c.Trading.DefaultOrderType = strings.ToUpper(strings.TrimSpace(c.Trading.DefaultOrderType))
	c.Trading.TimeInForce = strings.ToUpper(strings.TrimSpace(c.Trading.TimeInForce))
	c.Redis.Host = strings.TrimSpace(c.Redis.Host)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	for i, ip := range c.Webhook.AllowedIPs {
		c.Webhook.AllowedIPs[i] = strings.TrimSpace(ip)
	}
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvSandbox
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Exchange.SandboxWSURL == "" {
		c.Exchange.SandboxWSURL = defaultSandboxWSURL
	}
	if c.Exchange.ProductionWSURL == "" {
		c.Exchange.ProductionWSURL = defaultProductionWSURL
	}
	if c.Exchange.CallTimeoutSec == 0 {
		c.Exchange.CallTimeoutSec = 10
	}
	if c.Exchange.ReadTimeoutSec == 0 {
		c.Exchange.ReadTimeoutSec = 90
	}
	if c.Exchange.AuthAttempts == 0 {
		c.Exchange.AuthAttempts = 3
	}
	if c.Exchange.ReconnectAttempts == 0 {
		c.Exchange.ReconnectAttempts = 10
	}
	if c.Exchange.ReconnectMaxSec == 0 {
		c.Exchange.ReconnectMaxSec = 30
	}
	if c.Trading.TradePercentage.Cmp(decimal.Zero) == 0 {
		c.Trading.TradePercentage = Decimal{decimal.NewFromInt(10)}
	}
	if c.Trading.QuoteCurrency == "" {
		c.Trading.QuoteCurrency = "USD"
	}
	if c.Trading.DefaultOrderType == "" {
		c.Trading.DefaultOrderType = "LIMIT"
	}
	if c.Trading.BalanceStalenessSec == 0 {
		c.Trading.BalanceStalenessSec = 30
	}
	if c.Trading.BalanceRefreshSec == 0 {
		c.Trading.BalanceRefreshSec = 60
	}
	if c.Trading.SubmitAttempts == 0 {
		c.Trading.SubmitAttempts = 3
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8080"
	}
	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = ":9100"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	switch c.Environment {
	case EnvSandbox, EnvProduction:
	default:
		return fmt.Errorf("environment must be sandbox or production")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required")
	}
	if err := validateURL(c.Exchange.SandboxWSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange sandbox_ws_url %v", err)
	}
	if err := validateURL(c.Exchange.ProductionWSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange production_ws_url %v", err)
	}
	if c.Exchange.CallTimeoutSec < 1 || c.Exchange.CallTimeoutSec > 120 {
		return fmt.Errorf("exchange call_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.AuthAttempts < 1 || c.Exchange.AuthAttempts > 10 {
		return fmt.Errorf("exchange auth_attempts must be between 1 and 10")
	}
	if c.Exchange.ReconnectAttempts < 1 || c.Exchange.ReconnectAttempts > 100 {
		return fmt.Errorf("exchange reconnect_attempts must be between 1 and 100")
	}
	pct := c.Trading.TradePercentage.Decimal
	if pct.Cmp(decimal.Zero) < 0 || pct.Cmp(decimal.NewFromInt(100)) > 0 {
		return fmt.Errorf("trading trade_percentage must be between 0 and 100")
	}
	switch c.Trading.DefaultOrderType {
	case "LIMIT", "MARKET":
	default:
		return fmt.Errorf("trading default_order_type must be LIMIT or MARKET")
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return fmt.Errorf("redis port must be between 1 and 65535")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// WSURL selects the exchange endpoint for the configured environment.
func (c Config) WSURL() string {
	if c.Environment == EnvProduction {
		return c.Exchange.ProductionWSURL
	}
	return c.Exchange.SandboxWSURL
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
