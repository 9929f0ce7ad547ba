// Example: subscriber - fan live race results out to a channel and a callback.
//
// Usage:
//
//	DERBY_RPC_URL=https://sepolia.example.org DERBY_RACE_CONTRACT=0x... go run ./example/subscriber
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/chain/ethereum"
	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/retry"
	"github.com/hedeqiang/derby/store"
	"github.com/hedeqiang/derby/subscriber"
	"github.com/hedeqiang/derby/watcher"
)

func main() {
	rpcURL := os.Getenv("DERBY_RPC_URL")
	if rpcURL == "" {
		log.Fatal("DERBY_RPC_URL environment variable is required")
	}

	eth := ethereum.New("sepolia", rpcURL)
	defer eth.Close()
	adapter := contract.New(eth, nil, common.HexToAddress(os.Getenv("DERBY_RACE_CONTRACT")), common.Address{})

	st := store.NewFile("./derby_progress.json")
	poller := watcher.NewPoller(eth, adapter.RaceQuery(), st, watcher.PollerConfig{
		Interval:      5 * time.Second,
		BatchSize:     500,
		Confirmations: 2,
	}, watcher.WithRetry(retry.Exponential(3)))
	feed := watcher.NewFeed(poller, adapter, watcher.WithStore(st))

	// --- Subscriber 1: Channel-based ---
	ch := subscriber.NewChannel[race.Outcome](256)
	feed.Subscribe(ch)
	go func() {
		for {
			select {
			case o := <-ch.C():
				fmt.Printf("[Channel]  block=%d winners=%v\n", o.BlockNumber, o.Winners)
			case <-ch.Done():
				return
			}
		}
	}()

	// --- Subscriber 2: Callback-based ---
	var cbCount atomic.Int64
	feed.Subscribe(subscriber.NewCallback(func(o race.Outcome) {
		n := cbCount.Add(1)
		fmt.Printf("[Callback] #%d player=%s won=%t\n", n, o.Player.Hex(), o.Won)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Listening for races... Press Ctrl+C to stop.")
	if err := feed.Run(ctx); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Stopped after %d races.\n", cbCount.Load())
}
