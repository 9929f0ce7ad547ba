// Command derby places bets on the on-chain horse race and follows race results.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/hedeqiang/derby"
	"github.com/hedeqiang/derby/internal/logging"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/schedule"
	"github.com/hedeqiang/derby/wallet"
)

const defaultConfig = "derby.yaml"

var commands = map[string]func(ctx context.Context, args []string) error{
	"status":     runStatus,
	"approve":    runApprove,
	"race":       runRace,
	"watch":      runWatch,
	"history":    runHistory,
	"recent":     runRecent,
	"next-race":  runNextRace,
	"import-key": runImportKey,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: derby <command> [flags]

commands:
  status                       show balance, allowance, fee and game stats
  approve -horse N -bet WEI    approve the token spend for a bet
  race -horse N -bet WEI       approve if needed, race and wait for the result
  watch                        follow race results as they are confirmed
  history -from B -to B        replay race results of a block range
  recent [-limit N]            list your stored race results
  next-race                    time left until the daily race
  import-key                   encrypt a hex private key into a keystore

every command accepts -config and -network`)
}

// client is the state shared by the commands.
type client struct {
	cfg    derby.Config
	logger *zap.Logger
	derby  *derby.Derby
}

type commonFlags struct {
	config  *string
	network *string
	yes     *bool
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:  fs.String("config", defaultConfig, "Path to a YAML or TOML config file"),
		network: fs.String("network", "", "Network to use instead of the configured one"),
		yes:     fs.Bool("yes", false, "Sign transactions without asking"),
	}
}

func loadConfig(f commonFlags) (derby.Config, error) {
	path := *f.config
	if path == defaultConfig {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	if *f.network != "" {
		os.Setenv("DERBY_NETWORK", *f.network)
	}
	return derby.LoadConfig(path)
}

// open builds the client. Commands that send transactions pass needSigner.
func open(f commonFlags, needSigner bool) (*client, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}

	opts := []derby.Option{derby.WithLogger(logger)}
	if cfg.Keystore != "" {
		passphrase, err := wallet.NewPassphrase(cfg.PassphraseEnv).Get()
		if err != nil {
			return nil, err
		}
		signer, err := wallet.LoadKeystore(cfg.Keystore, passphrase)
		if err != nil {
			return nil, err
		}
		var s wallet.Signer = signer
		if !*f.yes {
			s = wallet.WithConfirmation(signer, confirm)
		}
		opts = append(opts, derby.WithSigner(s))
	} else if needSigner {
		return nil, errors.New("no keystore configured")
	}

	d, err := derby.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &client{cfg: cfg, logger: logger, derby: d}, nil
}

func (c *client) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.derby.Shutdown(ctx); err != nil {
		c.logger.Warn("shutdown", zap.Error(err))
	}
	_ = c.logger.Sync()
}

// confirm asks on the terminal before a transaction is signed.
func confirm(_ context.Context, tx *types.Transaction) (bool, error) {
	fmt.Fprintf(os.Stderr, "Sign transaction to %s (value %s wei, gas %d)? [y/N] ", tx.To().Hex(), tx.Value(), tx.Gas())
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	f := addCommon(fs)
	fs.Parse(args)

	c, err := open(f, false)
	if err != nil {
		return err
	}
	defer c.close()

	m := c.derby.Session()
	if err := m.Refresh(ctx); err != nil {
		c.logger.Warn("refresh incomplete", zap.Error(err))
	}
	s := m.Snapshot()
	fmt.Printf("network:   %s\n", c.derby.Network().Name)
	fmt.Printf("contract:  %s\n", c.derby.Adapter().ContractAddress().Hex())
	if player := c.derby.Adapter().Player(); player != (common.Address{}) {
		fmt.Printf("player:    %s\n", player.Hex())
		fmt.Printf("balance:   %s\n", dec(s.Balance))
		fmt.Printf("allowance: %s\n", dec(s.Allowance))
	}
	if s.BaseFee != nil {
		fmt.Printf("base fee:  %s wei\n", s.BaseFee)
	}
	if s.Stats != nil {
		fmt.Printf("races:     %s\n", s.Stats.TotalRaces)
		fmt.Printf("tickets:   %s\n", s.Stats.TotalTickets)
		fmt.Printf("jackpot:   %s\n", s.Stats.JackpotAmount)
	}
	return nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "-"
	}
	return v.Dec()
}

type betFlags struct {
	horse *int
	bet   *string
}

func addBet(fs *flag.FlagSet) betFlags {
	return betFlags{
		horse: fs.Int("horse", 0, fmt.Sprintf("Horse number, 1 to %d", race.Horses)),
		bet:   fs.String("bet", "", "Bet amount in token base units"),
	}
}

// selectBet applies the horse and bet flags to the session.
func (c *client) selectBet(b betFlags) error {
	amount, err := uint256.FromDecimal(*b.bet)
	if err != nil {
		return fmt.Errorf("invalid bet %q: %w", *b.bet, err)
	}
	m := c.derby.Session()
	if err := m.SelectHorse(*b.horse - 1); err != nil {
		return err
	}
	return m.SelectBet(amount)
}

func runApprove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	f := addCommon(fs)
	b := addBet(fs)
	fs.Parse(args)

	c, err := open(f, true)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.selectBet(b); err != nil {
		return err
	}
	m := c.derby.Session()
	if err := m.Approve(ctx); err != nil {
		return err
	}
	fmt.Println(m.Snapshot().Status)
	return nil
}

func runRace(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("race", flag.ExitOnError)
	f := addCommon(fs)
	b := addBet(fs)
	fs.Parse(args)

	c, err := open(f, true)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.selectBet(b); err != nil {
		return err
	}
	m := c.derby.Session()
	updates, cancel := m.Subscribe(16)
	defer cancel()
	go func() {
		for s := range updates {
			fmt.Fprintln(os.Stderr, s.Status)
		}
	}()

	if err := m.Refresh(ctx); err != nil {
		c.logger.Warn("refresh incomplete", zap.Error(err))
	}
	if err := m.Approve(ctx); err != nil {
		return err
	}
	outcome, err := m.Race(ctx)
	if err != nil {
		return err
	}
	fmt.Println(outcome)
	return nil
}

func printOutcome(o race.Outcome) {
	fmt.Printf("block %d tx %s player %s: %s\n", o.BlockNumber, o.TxHash.Hex(), o.Player.Hex(), o.String())
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	f := addCommon(fs)
	fs.Parse(args)

	c, err := open(f, false)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.derby.Watch(printOutcome); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	f := addCommon(fs)
	from := fs.Uint64("from", 0, "First block")
	to := fs.Uint64("to", 0, "Last block, defaults to the latest block")
	fs.Parse(args)

	c, err := open(f, false)
	if err != nil {
		return err
	}
	defer c.close()

	last := *to
	if last == 0 {
		if last, err = c.derby.Chain().LatestBlock(ctx); err != nil {
			return err
		}
	}
	return c.derby.History(ctx, *from, last, printOutcome)
}

func runRecent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	f := addCommon(fs)
	limit := fs.Int("limit", 10, "Number of results")
	fs.Parse(args)

	c, err := open(f, true)
	if err != nil {
		return err
	}
	defer c.close()

	outcomes, err := c.derby.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		printOutcome(*o)
	}
	return nil
}

func runNextRace(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("next-race", flag.ExitOnError)
	f := addCommon(fs)
	fs.Parse(args)

	c, err := open(f, false)
	if err != nil {
		return err
	}
	defer c.close()

	left, err := c.derby.Countdown().Remaining(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("next race in %s\n", schedule.Format(left))
	return nil
}

func runImportKey(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("import-key", flag.ExitOnError)
	out := fs.String("keystore", "derby.keystore", "Output keystore path")
	keyEnv := fs.String("key-env", "DERBY_PRIVATE_KEY", "Environment variable holding the hex private key")
	passEnv := fs.String("pass-env", "DERBY_PASSPHRASE", "Environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	fs.Parse(args)

	hexKey, ok := os.LookupEnv(*keyEnv)
	if !ok {
		return fmt.Errorf("environment variable %s is not set", *keyEnv)
	}
	if !*force {
		if _, err := os.Stat(*out); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *out)
		}
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	passphrase, err := wallet.NewPassphrase(*passEnv).Get()
	if err != nil {
		return err
	}
	if err := wallet.SaveKeystore(*out, key, passphrase, keystore.StandardScryptN, keystore.StandardScryptP); err != nil {
		return err
	}
	fmt.Printf("wrote %s for %s\n", *out, crypto.PubkeyToAddress(key.PublicKey).Hex())
	return nil
}
