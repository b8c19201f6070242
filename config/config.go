package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DebugMode enables verbose tracing of subscription and book lifecycle.
var DebugMode = false

type Config struct {
	App         AppConfig                 `yaml:"app"`
	Logging     LoggingConfig             `yaml:"logging"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	RPC         RPCConfig                 `yaml:"rpc"`
	Engine      EngineConfig              `yaml:"engine"`
	Reconnect   ReconnectConfig           `yaml:"reconnect"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Markets     []MarketConfig            `yaml:"markets"`
	Watch       []WatchConfig             `yaml:"watch"`
	Credentials CredentialsConfig         `yaml:"-"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Debug   bool   `yaml:"debug"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type EngineConfig struct {
	IdleGrace        time.Duration `yaml:"idle_grace"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DiffBufferSize   int           `yaml:"diff_buffer_size"`
	DeliveryBuffer   int           `yaml:"delivery_buffer"`
	SnapshotAttempts int           `yaml:"snapshot_attempts"`
	ResyncAttempts   int           `yaml:"resync_attempts"`
	DefaultDepth     int           `yaml:"default_depth"`
}

type ReconnectConfig struct {
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	Factor             float64       `yaml:"factor"`
	Jitter             bool          `yaml:"jitter"`
	StabilityThreshold time.Duration `yaml:"stability_threshold"`
	MaxAttempts        int           `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ExchangeConfig struct {
	Enabled       bool              `yaml:"enabled"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	DialRateLimit RateLimitConfig   `yaml:"dial_rate_limit"`
	Endpoints     map[string]string `yaml:"endpoints"`
}

// MarketConfig overrides the derived wire id or precision of a market.
type MarketConfig struct {
	Exchange       string `yaml:"exchange"`
	Symbol         string `yaml:"symbol"`
	ID             string `yaml:"id"`
	PricePrecision int32  `yaml:"price_precision"`
	SizePrecision  int32  `yaml:"size_precision"`
}

// WatchConfig is a subscription opened at startup.
type WatchConfig struct {
	Exchange string `yaml:"exchange"`
	Channel  string `yaml:"channel"`
	Symbol   string `yaml:"symbol"`
	Depth    int    `yaml:"depth"`
	Interval string `yaml:"interval"`
}

type CredentialsConfig struct {
	KucoinAPIKey     string
	KucoinSecretKey  string
	KucoinPassphrase string
}

func Default() Config {
	return Config{
		App: AppConfig{Name: "cryptostream", Version: "dev"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":8080"},
		RPC:     RPCConfig{Enabled: true, Addr: ":50051"},
		Engine: EngineConfig{
			IdleGrace:        5 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			RequestTimeout:   10 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			DiffBufferSize:   1000,
			DeliveryBuffer:   64,
			SnapshotAttempts: 3,
			ResyncAttempts:   5,
			DefaultDepth:     100,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:          500 * time.Millisecond,
			MaxDelay:           30 * time.Second,
			Factor:             2,
			Jitter:             true,
			StabilityThreshold: time.Minute,
			MaxAttempts:        10,
		},
		Exchanges: map[string]ExchangeConfig{},
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

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	DebugMode = config.App.Debug
	return &config, nil
}

// applyEnv overrides credentials, the log level and endpoint urls. Endpoint
// variables follow <EXCHANGE>_<ENDPOINT>_URL, e.g. OKX_BUSINESS_URL.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		cfg.App.Debug = true
	}

	cfg.Credentials.KucoinAPIKey = strings.TrimSpace(os.Getenv("KUCOIN_API_KEY"))
	cfg.Credentials.KucoinSecretKey = strings.TrimSpace(os.Getenv("KUCOIN_SECRET_KEY"))
	cfg.Credentials.KucoinPassphrase = strings.TrimSpace(os.Getenv("KUCOIN_PASSPHRASE"))

	for name, ex := range cfg.Exchanges {
		prefix := strings.ToUpper(name) + "_"
		for _, kv := range os.Environ() {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "_URL") {
				continue
			}
			endpoint := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "_URL")
			if endpoint == "" {
				continue
			}
			if ex.Endpoints == nil {
				ex.Endpoints = map[string]string{}
			}
			ex.Endpoints[strings.ToLower(endpoint)] = strings.TrimSpace(value)
		}
		cfg.Exchanges[name] = ex
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Engine.IdleGrace < 0 {
		return fmt.Errorf("engine.idle_grace must not be negative")
	}
	if cfg.Engine.HeartbeatTimeout <= 0 {
		return fmt.Errorf("engine.heartbeat_timeout must be greater than 0")
	}
	if cfg.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be greater than 0")
	}
	if cfg.Engine.DiffBufferSize <= 0 {
		return fmt.Errorf("engine.diff_buffer_size must be greater than 0")
	}
	if cfg.Engine.DeliveryBuffer <= 0 {
		return fmt.Errorf("engine.delivery_buffer must be greater than 0")
	}
	if cfg.Engine.SnapshotAttempts <= 0 {
		return fmt.Errorf("engine.snapshot_attempts must be greater than 0")
	}
	if cfg.Engine.ResyncAttempts <= 0 {
		return fmt.Errorf("engine.resync_attempts must be greater than 0")
	}

	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be greater than 0")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be less than reconnect.base_delay")
	}
	if cfg.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be at least 1")
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be greater than 0")
	}

	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		if ex.RateLimit.RequestsPerSecond < 0 || ex.RateLimit.BurstSize < 0 {
			return fmt.Errorf("exchanges.%s.rate_limit must not be negative", name)
		}
	}

	for i, w := range cfg.Watch {
		if w.Exchange == "" || w.Symbol == "" || w.Channel == "" {
			return fmt.Errorf("watch[%d] requires exchange, channel and symbol", i)
		}
		ex, ok := cfg.Exchanges[w.Exchange]
		if !ok || !ex.Enabled {
			return fmt.Errorf("watch[%d] refers to disabled exchange %s", i, w.Exchange)
		}
	}

	return nil
}

// EnabledExchanges returns the names of the exchanges switched on.
func (c *Config) EnabledExchanges() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			names = append(names, name)
		}
	}
	return names
}
