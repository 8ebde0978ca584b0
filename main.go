package main

import (
	"context"
	"eth-indexer/blockscout"
	"eth-indexer/chain"
	"eth-indexer/config"
	"eth-indexer/database"
	"eth-indexer/indexer"
	"eth-indexer/logger"
	"eth-indexer/metrics"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitUsage   = 2
)

const usage = `Usage: eth-indexer [--config file] [--env file] <mode>

Modes:
  index_live      follow the chain head and index new blocks
  index_last <N>  index the N most recent blocks
  index_all       index the configured block range, resuming from the last checkpoint
  verify          check stored blocks against the chain and repair gaps and reorgs

Flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	mode, lastN, err := parseArgs(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(exitUsage)
	}

	os.Exit(run(mode, lastN))
}

// parseArgs reads the mode and, for index_last, the block count.
func parseArgs(args []string) (indexer.Mode, uint64, error) {
	if len(args) == 0 {
		return "", 0, errors.New("missing mode")
	}

	mode, err := indexer.ParseMode(args[0])
	if err != nil {
		return "", 0, err
	}

	if mode != indexer.ModeLast {
		if len(args) > 1 {
			return "", 0, errors.Errorf("unexpected arguments after %s: %s", mode, strings.Join(args[1:], " "))
		}
		return mode, 0, nil
	}

	if len(args) != 2 {
		return "", 0, errors.Errorf("%s takes exactly one block count", mode)
	}
	lastN, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return "", 0, errors.Errorf("invalid block count %q", args[1])
	}
	return mode, lastN, nil
}

func run(mode indexer.Mode, lastN uint64) int {
	cfg, err := config.BuildConfig()
	if err != nil {
		fmt.Println("Config error: ", err)
		return exitStartup
	}
	config.GlobalConfigCallback.Call(cfg)
	defer logger.SyncFileLogger()

	logger.Info("Running %s with configuration: chain: http=%s ws=%s, database: %s@%s:%d/%s",
		mode, cfg.Chain.HTTPURL, cfg.Chain.WSURL, cfg.DB.Username, cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, order, err := database.ConnectAndInitialize(ctx, &cfg.DB)
	if err != nil {
		logger.Error("Database connect and initialize error: %s", err)
		return exitStartup
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	client, err := chain.Dial(ctx, cfg.Chain)
	if err != nil {
		logger.Error("Chain client error: %s", err)
		return exitStartup
	}
	defer client.Close()

	m := metrics.New()
	if cfg.Metrics.Address != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Address); err != nil {
				logger.Error("Metrics server error: %s", err)
			}
		}()
	}

	var enricher indexer.Enricher
	if cfg.Blockscout.Enabled() {
		enricher = blockscout.NewClient(cfg.Blockscout)
	}

	cIndexer := indexer.CreateBlockIndexer(cfg, client, database.NewStore(db, order), enricher, m)
	defer cIndexer.Close()

	err = cIndexer.Run(ctx, mode, lastN)
	if err != nil && ctx.Err() == nil {
		logger.Error("%s run error: %s", mode, err)
		return exitStartup
	}
	if ctx.Err() != nil {
		logger.Info("Shutting down")
	}
	return exitOK
}
