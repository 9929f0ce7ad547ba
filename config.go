package derby

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/retry"
	"github.com/hedeqiang/derby/session"
	"github.com/hedeqiang/derby/settlement"
	"github.com/hedeqiang/derby/watcher"
)

// NetworkConfig describes one deployment of the race contract.
type NetworkConfig struct {
	Name          string `yaml:"name" toml:"name"`
	RPCURL        string `yaml:"rpc_url" toml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id" toml:"chain_id"`
	RaceContract  string `yaml:"race_contract" toml:"race_contract"`
	TokenContract string `yaml:"token_contract" toml:"token_contract"`

	// HorseBase is the on-chain id of the first horse, 0 or 1.
	HorseBase int `yaml:"horse_base" toml:"horse_base"`

	// RaceEvent overrides the RaceExecuted declaration used for decoding,
	// e.g. for a deployment that indexes different parameters.
	RaceEvent string `yaml:"race_event" toml:"race_event"`

	// StartBlock is where the race feed starts without a saved cursor.
	StartBlock uint64 `yaml:"start_block" toml:"start_block"`

	// RateLimit caps HTTP requests per second. Zero disables the limit.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`

	// Headers are sent with every HTTP request, e.g. an API key.
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

// SettlementConfig bounds receipt and log polling after a race is submitted.
type SettlementConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	LogLagAttempts int           `yaml:"log_lag_attempts" toml:"log_lag_attempts"`
	LogLagInterval time.Duration `yaml:"log_lag_interval" toml:"log_lag_interval"`
	VerifyPlayer   bool          `yaml:"verify_player" toml:"verify_player"`
}

func (s SettlementConfig) reconciler() settlement.Config {
	return settlement.Config{
		PollInterval:   s.PollInterval,
		MaxAttempts:    s.MaxAttempts,
		LogLagAttempts: s.LogLagAttempts,
		LogLagInterval: s.LogLagInterval,
		VerifyPlayer:   s.VerifyPlayer,
	}
}

// SessionConfig holds the betting flow timings.
type SessionConfig struct {
	DisplayDelay          time.Duration `yaml:"display_delay" toml:"display_delay"`
	AllowancePollInterval time.Duration `yaml:"allowance_poll_interval" toml:"allowance_poll_interval"`
	AllowancePollAttempts int           `yaml:"allowance_poll_attempts" toml:"allowance_poll_attempts"`
}

func (s SessionConfig) machine() session.Config {
	return session.Config{
		DisplayDelay:          s.DisplayDelay,
		AllowancePollInterval: s.AllowancePollInterval,
		AllowancePollAttempts: s.AllowancePollAttempts,
	}
}

// FeedConfig configures the race feed poller.
type FeedConfig struct {
	Interval      time.Duration `yaml:"interval" toml:"interval"`
	BatchSize     uint64        `yaml:"batch_size" toml:"batch_size"`
	Confirmations uint64        `yaml:"confirmations" toml:"confirmations"`
	RetryAttempts int           `yaml:"retry_attempts" toml:"retry_attempts"`
}

func (f FeedConfig) poller(start uint64) watcher.PollerConfig {
	return watcher.PollerConfig{
		Interval:      f.Interval,
		BatchSize:     f.BatchSize,
		Confirmations: f.Confirmations,
		StartBlock:    start,
	}
}

func (f FeedConfig) backoff() retry.Strategy {
	return retry.Exponential(f.RetryAttempts)
}

// BreakerConfig configures the RPC circuit breaker.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold" toml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout" toml:"reset_timeout"`
}

// Config holds the global configuration of a derby client.
type Config struct {
	// Network selects the entry of Networks to use.
	Network  string          `yaml:"network" toml:"network"`
	Networks []NetworkConfig `yaml:"networks" toml:"networks"`

	// Keystore is the path of an encrypted key file. Empty means read-only.
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`

	// Store is a store DSN: memory://, file://, sqlite:// or postgres://.
	Store string `yaml:"store" toml:"store"`

	// LogLevel controls log verbosity ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level" toml:"log_level"`
	Env      string `yaml:"env" toml:"env"`

	// MetricsAddr enables the /metrics and /healthz server when set.
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`

	// RaceHourUTC is the hour of the daily race.
	RaceHourUTC int `yaml:"race_hour_utc" toml:"race_hour_utc"`

	// GasMultiplier scales gas estimates of race and approve transactions.
	GasMultiplier float64 `yaml:"gas_multiplier" toml:"gas_multiplier"`

	Settlement SettlementConfig `yaml:"settlement" toml:"settlement"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Feed       FeedConfig       `yaml:"feed" toml:"feed"`
	Breaker    BreakerConfig    `yaml:"breaker" toml:"breaker"`
}

// DefaultConfig returns a Config for a local development node.
func DefaultConfig() Config {
	sc := settlement.DefaultConfig()
	mc := session.DefaultConfig()
	pc := watcher.DefaultPollerConfig()
	return Config{
		Network:       "local",
		Networks:      []NetworkConfig{localNetwork()},
		PassphraseEnv: "DERBY_PASSPHRASE",
		LogLevel:      "info",
		Env:           "local",
		RaceHourUTC:   0,
		GasMultiplier: 1.2,
		Settlement: SettlementConfig{
			PollInterval:   sc.PollInterval,
			MaxAttempts:    sc.MaxAttempts,
			LogLagAttempts: sc.LogLagAttempts,
			LogLagInterval: sc.LogLagInterval,
			VerifyPlayer:   sc.VerifyPlayer,
		},
		Session: SessionConfig{
			DisplayDelay:          mc.DisplayDelay,
			AllowancePollInterval: mc.AllowancePollInterval,
			AllowancePollAttempts: mc.AllowancePollAttempts,
		},
		Feed: FeedConfig{
			Interval:      pc.Interval,
			BatchSize:     pc.BatchSize,
			Confirmations: pc.Confirmations,
			RetryAttempts: 3,
		},
		Breaker: BreakerConfig{
			Threshold:    5,
			ResetTimeout: 30 * time.Second,
		},
	}
}

func localNetwork() NetworkConfig {
	return NetworkConfig{
		Name:    "local",
		RPCURL:  "http://127.0.0.1:8545",
		ChainID: 31337,
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file over the defaults,
// applies DERBY_* environment overrides and validates the result.
// An empty path uses the defaults and the environment only.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		// networks come from the file only
		cfg.Networks = nil
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
		if len(cfg.Networks) == 0 {
			cfg.Networks = []NetworkConfig{localNetwork()}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("derby: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("derby: parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("derby: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrConfigFormat, path)
	}
	return nil
}

// applyEnv overrides file values with DERBY_* variables.
func (c *Config) applyEnv() error {
	c.Network = getEnv("DERBY_NETWORK", c.Network)
	c.Keystore = getEnv("DERBY_KEYSTORE", c.Keystore)
	c.Store = getEnv("DERBY_STORE", c.Store)
	c.LogLevel = getEnv("DERBY_LOG_LEVEL", c.LogLevel)
	c.Env = getEnv("DERBY_ENV", c.Env)
	c.MetricsAddr = getEnv("DERBY_METRICS_ADDR", c.MetricsAddr)

	if v, ok := os.LookupEnv("DERBY_RACE_HOUR_UTC"); ok {
		h, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DERBY_RACE_HOUR_UTC=%q", ErrInvalidConfig, v)
		}
		c.RaceHourUTC = h
	}
	for i := range c.Networks {
		n := &c.Networks[i]
		if n.Name != c.Network {
			continue
		}
		n.RPCURL = getEnv("DERBY_RPC_URL", n.RPCURL)
		n.RaceContract = getEnv("DERBY_RACE_CONTRACT", n.RaceContract)
		n.TokenContract = getEnv("DERBY_TOKEN_CONTRACT", n.TokenContract)
	}
	return nil
}

// getEnv returns the environment value of key or def.
func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Selected returns the network named by c.Network.
func (c Config) Selected() (NetworkConfig, error) {
	for _, n := range c.Networks {
		if n.Name == c.Network {
			return n, nil
		}
	}
	return NetworkConfig{}, fmt.Errorf("%w: %q", ErrNetworkNotConfigured, c.Network)
}

// Validate checks the selected network and the numeric settings.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if seen[n.Name] {
			return fmt.Errorf("%w: duplicate network %q", ErrInvalidConfig, n.Name)
		}
		seen[n.Name] = true
	}

	n, err := c.Selected()
	if err != nil {
		return err
	}
	if n.RPCURL == "" {
		return fmt.Errorf("%w: network %q has no rpc_url", ErrInvalidConfig, n.Name)
	}
	for field, addr := range map[string]string{"race_contract": n.RaceContract, "token_contract": n.TokenContract} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: %s %q", ErrInvalidAddress, field, addr)
		}
	}
	if n.HorseBase != 0 && n.HorseBase != 1 {
		return fmt.Errorf("%w: horse_base must be 0 or 1, got %d", ErrInvalidConfig, n.HorseBase)
	}
	if n.RaceEvent != "" {
		if err := contract.CheckRaceEvent(n.RaceEvent); err != nil {
			return fmt.Errorf("%w: race_event: %v", ErrInvalidConfig, err)
		}
	}

	switch {
	case c.RaceHourUTC < 0 || c.RaceHourUTC > 23:
		return fmt.Errorf("%w: race_hour_utc %d", ErrInvalidConfig, c.RaceHourUTC)
	case c.GasMultiplier < 1:
		return fmt.Errorf("%w: gas_multiplier %.2f is below 1", ErrInvalidConfig, c.GasMultiplier)
	case c.Settlement.MaxAttempts <= 0:
		return fmt.Errorf("%w: settlement.max_attempts must be positive", ErrInvalidConfig)
	case c.Session.AllowancePollAttempts <= 0:
		return fmt.Errorf("%w: session.allowance_poll_attempts must be positive", ErrInvalidConfig)
	case c.Feed.BatchSize == 0:
		return fmt.Errorf("%w: feed.batch_size must be positive", ErrInvalidConfig)
	}
	return nil
}
