// Package main places one bet through the derby client.
//
// Usage:
//
//	DERBY_RPC_URL=https://sepolia.example.org \
//	DERBY_RACE_CONTRACT=0x... DERBY_TOKEN_CONTRACT=0x... \
//	DERBY_PRIVATE_KEY=... go run ./example
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/hedeqiang/derby"
	"github.com/hedeqiang/derby/wallet"
)

func main() {
	cfg, err := derby.LoadConfig("")
	if err != nil {
		log.Fatal(err)
	}
	signer, err := wallet.FromHex(os.Getenv("DERBY_PRIVATE_KEY"))
	if err != nil {
		log.Fatal(err)
	}
	logger, _ := zap.NewDevelopment()

	d, err := derby.New(cfg, derby.WithSigner(signer), derby.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	defer d.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := d.Session()
	updates, cancel := m.Subscribe(16)
	defer cancel()
	go func() {
		for s := range updates {
			fmt.Printf("[%s] %s\n", s.State, s.Status)
		}
	}()

	if err := m.Refresh(ctx); err != nil {
		logger.Warn("refresh incomplete", zap.Error(err))
	}

	// horse 4 on the race card, 10 tokens of 9 decimals
	if err := m.SelectHorse(3); err != nil {
		log.Fatal(err)
	}
	if err := m.SelectBet(uint256.NewInt(10_000_000_000)); err != nil {
		log.Fatal(err)
	}
	if err := m.Approve(ctx); err != nil {
		log.Fatal(err)
	}

	outcome, err := m.Race(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(outcome)

	left, err := d.Countdown().Remaining(ctx)
	if err == nil {
		fmt.Printf("next daily race in %s\n", left.Round(time.Second))
	}
}
