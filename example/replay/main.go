// Example: replay - decode the race results of a block range without the derby facade.
//
// Usage:
//
//	DERBY_RPC_URL=https://sepolia.example.org DERBY_RACE_CONTRACT=0x... go run ./example/replay
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/chain/ethereum"
	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/race"
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

	latest, err := eth.LatestBlock(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	from := uint64(0)
	if latest > 5000 {
		from = latest - 5000
	}
	q := adapter.RaceQuery()
	q.FromBlock, q.ToBlock = &from, &latest

	// batches of 500 blocks
	feed := watcher.NewFeed(watcher.NewReplay(eth, q, 500), adapter)

	var count atomic.Int64
	feed.Subscribe(subscriber.NewCallback(func(o race.Outcome) {
		n := count.Add(1)
		fmt.Printf("#%d [block %d] %s\n", n, o.BlockNumber, o.String())
	}))

	fmt.Printf("Replaying races from block %d to %d...\n", from, latest)
	if err := feed.Run(context.Background()); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Done. Total races: %d\n", count.Load())
}
