package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig holds the complete configuration for every command.
type AppConfig struct {
	Environment string        `mapstructure:"environment"`
	LogLevel    string        `mapstructure:"log_level"`
	ServiceName string        `mapstructure:"service_name"`
	HTTP        HTTPConfig    `mapstructure:"http"`
	Ledger      LedgerConfig  `mapstructure:"ledger"`
	Store       StoreConfig   `mapstructure:"store"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Watcher     WatcherConfig `mapstructure:"watcher"`
	Audit       AuditConfig   `mapstructure:"audit"`
}

type HTTPConfig struct {
	Addr                 string  `mapstructure:"addr"`
	StaticDir            string  `mapstructure:"static_dir"`
	AirdropRatePerMinute float64 `mapstructure:"airdrop_rate_per_minute"`
	AirdropBurst         int     `mapstructure:"airdrop_burst"`
}

type LedgerConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	TokenAddress   string        `mapstructure:"token_address"`
	Decimals       int           `mapstructure:"decimals"`
	Symbol         string        `mapstructure:"symbol"`
	CustodialKey   string        `mapstructure:"custodial_key"`
	FaucetKey      string        `mapstructure:"faucet_key"`
	AirdropWei     string        `mapstructure:"airdrop_wei"`
	MinGasWei      string        `mapstructure:"min_gas_wei"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Confirmations  uint64        `mapstructure:"confirmations"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend"` // file | redis
	RecordsDir string `mapstructure:"records_dir"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type WatcherConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type AuditConfig struct {
	Path         string   `mapstructure:"path"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// LoadDotEnv loads ./.env into the process environment. A missing file is not
// an error.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads .env, then an optional config file, then environment variables.
// Environment variables win.
func Load(path string) (*AppConfig, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("service_name", "crumbz")
	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.static_dir", "")
	v.SetDefault("http.airdrop_rate_per_minute", 6.0)
	v.SetDefault("http.airdrop_burst", 2)
	v.SetDefault("ledger.decimals", 6)
	v.SetDefault("ledger.symbol", "CRUMBZ")
	v.SetDefault("ledger.airdrop_wei", "1000000000000000000")
	v.SetDefault("ledger.min_gas_wei", "10000000000000000")
	v.SetDefault("ledger.confirm_timeout", 2*time.Minute)
	v.SetDefault("ledger.poll_interval", 2*time.Second)
	v.SetDefault("ledger.confirmations", 1)
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.records_dir", "user_records")
	v.SetDefault("redis.key_prefix", "crumbz:user:")
	v.SetDefault("watcher.max_retries", 5)
	v.SetDefault("watcher.retry_delay", 5*time.Second)
	v.SetDefault("audit.path", "./out/reconcile.jsonl")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Nested keys need explicit bindings for Unmarshal to see them. The
	// RPC_WS_URL/RPC_URL and PRIVATE_KEY aliases keep older .env files working.
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("service_name", "SERVICE_NAME")
	_ = v.BindEnv("http.addr", "HTTP_ADDR", "PORT_ADDR")
	_ = v.BindEnv("http.static_dir", "HTTP_STATIC_DIR")
	_ = v.BindEnv("http.airdrop_rate_per_minute", "HTTP_AIRDROP_RATE_PER_MINUTE")
	_ = v.BindEnv("http.airdrop_burst", "HTTP_AIRDROP_BURST")
	_ = v.BindEnv("ledger.rpc_url", "LEDGER_RPC_URL", "RPC_WS_URL", "RPC_URL")
	_ = v.BindEnv("ledger.token_address", "LEDGER_TOKEN_ADDRESS", "TOKEN_ADDRESS")
	_ = v.BindEnv("ledger.decimals", "LEDGER_DECIMALS")
	_ = v.BindEnv("ledger.symbol", "LEDGER_SYMBOL")
	_ = v.BindEnv("ledger.custodial_key", "LEDGER_CUSTODIAL_KEY", "PRIVATE_KEY")
	_ = v.BindEnv("ledger.faucet_key", "LEDGER_FAUCET_KEY")
	_ = v.BindEnv("ledger.airdrop_wei", "LEDGER_AIRDROP_WEI")
	_ = v.BindEnv("ledger.min_gas_wei", "LEDGER_MIN_GAS_WEI")
	_ = v.BindEnv("ledger.confirm_timeout", "LEDGER_CONFIRM_TIMEOUT")
	_ = v.BindEnv("ledger.poll_interval", "LEDGER_POLL_INTERVAL")
	_ = v.BindEnv("ledger.confirmations", "LEDGER_CONFIRMATIONS")
	_ = v.BindEnv("store.backend", "STORE_BACKEND")
	_ = v.BindEnv("store.records_dir", "STORE_RECORDS_DIR")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("redis.key_prefix", "REDIS_KEY_PREFIX")
	_ = v.BindEnv("watcher.max_retries", "WATCHER_MAX_RETRIES")
	_ = v.BindEnv("watcher.retry_delay", "WATCHER_RETRY_DELAY")
	_ = v.BindEnv("audit.path", "AUDIT_PATH")
	_ = v.BindEnv("audit.kafka_brokers", "AUDIT_KAFKA_BROKERS")
	_ = v.BindEnv("audit.kafka_topic", "AUDIT_KAFKA_TOPIC")

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Brokers arrive as one comma separated string from the environment.
	if raw := v.GetString("audit.kafka_brokers"); raw != "" && len(cfg.Audit.KafkaBrokers) <= 1 {
		cfg.Audit.KafkaBrokers = splitList(raw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or malformed setting.
func (c *AppConfig) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "file":
		if strings.TrimSpace(c.Store.RecordsDir) == "" {
			return errors.New("store.records_dir is required for the file backend")
		}
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be file or redis, got %q", c.Store.Backend)
	}
	if c.Watcher.MaxRetries < 1 {
		return errors.New("watcher.max_retries must be at least 1")
	}
	if c.Watcher.RetryDelay < 0 {
		return errors.New("watcher.retry_delay must not be negative")
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		return errors.New("audit.kafka_topic is required when audit.kafka_brokers is set")
	}
	return nil
}

func (c LedgerConfig) Validate() error {
	rpcURL := strings.TrimSpace(c.RPCURL)
	if rpcURL == "" {
		return errors.New("ledger.rpc_url is required (set LEDGER_RPC_URL or RPC_WS_URL)")
	}
	if !strings.HasPrefix(rpcURL, "ws") && !strings.HasPrefix(rpcURL, "http") {
		return fmt.Errorf("ledger.rpc_url must be ws(s):// or http(s)://, got %q", rpcURL)
	}
	if strings.Contains(rpcURL, "YOUR_KEY") {
		return errors.New("ledger.rpc_url still contains placeholder YOUR_KEY")
	}
	if !common.IsHexAddress(strings.TrimSpace(c.TokenAddress)) {
		return fmt.Errorf("ledger.token_address must be a hex address, got %q", c.TokenAddress)
	}
	if c.Decimals < 0 || c.Decimals > 36 {
		return fmt.Errorf("ledger.decimals out of range: %d", c.Decimals)
	}
	if strings.TrimSpace(c.CustodialKey) == "" {
		return errors.New("ledger.custodial_key is required")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("ledger.confirm_timeout must be positive")
	}
	return nil
}

// SubscriptionsSupported reports whether the RPC endpoint can push
// notifications. Plain HTTP endpoints cannot.
func (c LedgerConfig) SubscriptionsSupported() bool {
	return strings.HasPrefix(strings.TrimSpace(c.RPCURL), "ws")
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
