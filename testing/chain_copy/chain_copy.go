package main

import (
	"context"
	"eth-indexer/logger"
	indexer_testing "eth-indexer/testing"
	"flag"
)

// Copies a block range of a running node into a fixture file that the mock
// chain can replay.
func main() {
	url := flag.String("url", "http://localhost:8545", "node JSON-RPC endpoint")
	from := flag.Uint64("from", 0, "first block")
	to := flag.Uint64("to", 100, "last block")
	out := flag.String("out", "fixture.json", "output file")
	flag.Parse()

	fixture, err := indexer_testing.RecordFixture(context.Background(), *url, *from, *to)
	if err != nil {
		logger.Fatal("Recording blocks %d to %d failed: %s", *from, *to, err)
	}
	if err := fixture.Save(*out); err != nil {
		logger.Fatal("Cannot write fixture: %s", err)
	}
	logger.Info("Recorded %d blocks to %s", len(fixture.Blocks), *out)
}
