package derby

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	raceHex  = "0x00000000000000000000000000000000000000c0"
	tokenHex = "0x00000000000000000000000000000000000000d0"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "derby.yaml", `
network: sepolia
store: sqlite:///tmp/derby.db
race_hour_utc: 18
networks:
  - name: local
    rpc_url: http://127.0.0.1:8545
    race_contract: `+raceHex+`
    token_contract: `+tokenHex+`
  - name: sepolia
    rpc_url: wss://sepolia.example.org
    chain_id: 11155111
    race_contract: `+raceHex+`
    token_contract: `+tokenHex+`
    horse_base: 1
    race_event: "RaceExecuted(uint256 indexed raceId, address player, uint256 horseId, uint256[3] winners, uint256 payout, bool won)"
    start_block: 5000
session:
  display_delay: 2s
  allowance_poll_attempts: 10
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	n, err := cfg.Selected()
	require.NoError(t, err)
	require.Equal(t, "wss://sepolia.example.org", n.RPCURL)
	require.Equal(t, int64(11155111), n.ChainID)
	require.Equal(t, 1, n.HorseBase)
	require.Contains(t, n.RaceEvent, "address player,")
	require.Equal(t, uint64(5000), n.StartBlock)

	require.Equal(t, 18, cfg.RaceHourUTC)
	require.Equal(t, 2*time.Second, cfg.Session.DisplayDelay)
	require.Equal(t, 10, cfg.Session.AllowancePollAttempts)
	// untouched sections keep their defaults
	def := DefaultConfig()
	require.Equal(t, def.Session.AllowancePollInterval, cfg.Session.AllowancePollInterval)
	require.Equal(t, def.Settlement, cfg.Settlement)
	require.Equal(t, def.Feed, cfg.Feed)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeFile(t, "derby.toml", `
network = "base"
gas_multiplier = 1.5

[feed]
batch_size = 500
confirmations = 4

[[networks]]
name = "base"
rpc_url = "https://base.example.org"
chain_id = 8453
race_contract = "`+raceHex+`"
token_contract = "`+tokenHex+`"
rate_limit = 10.0

[networks.headers]
X-Api-Key = "secret"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Networks, 1)

	n, err := cfg.Selected()
	require.NoError(t, err)
	require.Equal(t, 0, n.HorseBase)
	require.Empty(t, n.RaceEvent)
	require.Equal(t, 10.0, n.RateLimit)
	require.Equal(t, map[string]string{"X-Api-Key": "secret"}, n.Headers)
	require.Equal(t, 1.5, cfg.GasMultiplier)
	require.Equal(t, uint64(500), cfg.Feed.BatchSize)
	require.Equal(t, uint64(4), cfg.Feed.Confirmations)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeFile(t, "derby.yml", `
networks:
  - name: local
    rpc_url: http://127.0.0.1:8545
  - name: other
    rpc_url: http://other:8545
    race_contract: `+raceHex+`
    token_contract: `+tokenHex+`
`)
	t.Setenv("DERBY_NETWORK", "local")
	t.Setenv("DERBY_RPC_URL", "http://node:8545")
	t.Setenv("DERBY_RACE_CONTRACT", raceHex)
	t.Setenv("DERBY_TOKEN_CONTRACT", tokenHex)
	t.Setenv("DERBY_STORE", "memory://")
	t.Setenv("DERBY_RACE_HOUR_UTC", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	n, err := cfg.Selected()
	require.NoError(t, err)
	require.Equal(t, "http://node:8545", n.RPCURL)
	require.Equal(t, raceHex, n.RaceContract)
	require.Equal(t, "memory://", cfg.Store)
	require.Equal(t, 7, cfg.RaceHourUTC)
	// only the selected network is overridden
	require.Equal(t, "http://other:8545", cfg.Networks[1].RPCURL)

	t.Setenv("DERBY_RACE_HOUR_UTC", "noon")
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeFile(t, "derby.json", `{}`))
	require.ErrorIs(t, err, ErrConfigFormat)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadConfig(writeFile(t, "broken.toml", `network = [`))
	require.Error(t, err)

	// the default local network has no contracts
	_, err = LoadConfig("")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Networks[0].RaceContract = raceHex
	cfg.Networks[0].TokenContract = tokenHex
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	for name, tc := range map[string]struct {
		mutate func(c *Config)
		want   error
	}{
		"unknown network": {func(c *Config) { c.Network = "mainnet" }, ErrNetworkNotConfigured},
		"duplicate":       {func(c *Config) { c.Networks = append(c.Networks, c.Networks[0]) }, ErrInvalidConfig},
		"no rpc url":      {func(c *Config) { c.Networks[0].RPCURL = "" }, ErrInvalidConfig},
		"bad contract":    {func(c *Config) { c.Networks[0].RaceContract = "0x123" }, ErrInvalidAddress},
		"horse base":      {func(c *Config) { c.Networks[0].HorseBase = 2 }, ErrInvalidConfig},
		"race event":      {func(c *Config) { c.Networks[0].RaceEvent = "Transfer(address,address,uint256)" }, ErrInvalidConfig},
		"race hour":       {func(c *Config) { c.RaceHourUTC = 24 }, ErrInvalidConfig},
		"gas multiplier":  {func(c *Config) { c.GasMultiplier = 0.5 }, ErrInvalidConfig},
		"max attempts":    {func(c *Config) { c.Settlement.MaxAttempts = 0 }, ErrInvalidConfig},
		"poll attempts":   {func(c *Config) { c.Session.AllowancePollAttempts = 0 }, ErrInvalidConfig},
		"batch size":      {func(c *Config) { c.Feed.BatchSize = 0 }, ErrInvalidConfig},
	} {
		cfg := validConfig()
		tc.mutate(&cfg)
		require.ErrorIs(t, cfg.Validate(), tc.want, name)
	}
}
