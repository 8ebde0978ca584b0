package indexer

import (
	"context"
	"eth-indexer/config"
	"eth-indexer/logger"
	"eth-indexer/metrics"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type BlockIndexer struct {
	params      config.IndexerConfig
	planner     *Planner
	pipeline    *Pipeline
	coordinator *Coordinator
	reconciler  *Reconciler
	follower    *Follower
}

// CreateBlockIndexer wires the indexing components. The enricher may be nil.
// Close must be called once the indexer is no longer used.
func CreateBlockIndexer(cfg *config.Config, source Source, store Store, enricher Enricher, m *metrics.Metrics) *BlockIndexer {
	if m == nil {
		m = metrics.New()
	}

	pipeline := NewPipeline(source, enricher, PipelineParams{
		MaxConcurrency: cfg.Indexer.MaxConcurrency,
		MaxRetries:     cfg.Indexer.FetchMaxRetries,
		IndexAddresses: cfg.Indexer.IndexAddresses,
	}, m)

	coordinator := NewCoordinator(store, CoordinatorParams{
		Writers:    cfg.DB.NbOfConnections,
		Capacity:   cfg.QueueCapacity(),
		BatchSize:  cfg.Indexer.BatchSize,
		MaxRetries: cfg.Indexer.WriteMaxRetries,
		LogEvery:   cfg.Indexer.LogEvery,
	}, m)

	return &BlockIndexer{
		params:      cfg.Indexer,
		planner:     NewPlanner(source, store, cfg.Indexer),
		pipeline:    pipeline,
		coordinator: coordinator,
		reconciler:  NewReconciler(source, store, pipeline, coordinator, m, cfg.Indexer.MaxConcurrency, cfg.Indexer.FetchMaxRetries),
		follower:    NewFollower(source, store, pipeline, coordinator, m, cfg.Indexer.MaxReorgDepth),
	}
}

// Close waits for pending writes and stops the database writers.
func (ci *BlockIndexer) Close() {
	ci.coordinator.Close()
}

// Run executes mode until it is done or ctx is cancelled. lastN is the
// argument of index_last.
func (ci *BlockIndexer) Run(ctx context.Context, mode Mode, lastN uint64) error {
	switch mode {
	case ModeLive:
		return ci.IndexContinuous(ctx)
	case ModeAll, ModeLast:
		_, err := ci.IndexHistory(ctx, mode, lastN)
		return err
	case ModeVerify:
		_, err := ci.Verify(ctx)
		return err
	default:
		return errors.Errorf("unknown mode %q", mode)
	}
}

// IndexHistory indexes the range planned for index_all or index_last.
func (ci *BlockIndexer) IndexHistory(ctx context.Context, mode Mode, lastN uint64) (*Summary, error) {
	plan, err := ci.planner.Plan(ctx, mode, lastN)
	if err != nil {
		return nil, fmt.Errorf("IndexHistory: %w", err)
	}
	if plan.Resumed {
		logger.Info("Resuming from the stored checkpoint")
	}
	logger.Info("Planned %s", plan)

	run := ci.coordinator.NewRun(string(mode), plan.Checkpoint)
	start := time.Now()
	ci.pipeline.Run(ctx, run, plan.Numbers())
	summary := run.Wait()
	summary.Log()

	if plan.Len() > 0 && summary.Processed > 0 {
		logger.Info("Indexed %d blocks in %d milliseconds", summary.Processed, time.Since(start).Milliseconds())
	}
	return summary, ctx.Err()
}

// IndexContinuous follows the chain head. With BackfillOnLive it also runs
// index_all in parallel.
func (ci *BlockIndexer) IndexContinuous(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if ci.params.BackfillOnLive {
		g.Go(func() error {
			_, err := ci.IndexHistory(gctx, ModeAll, 0)
			if err != nil && gctx.Err() == nil {
				return errors.Wrap(err, "backfill")
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Following new blocks")
		summary := ci.follower.Follow(gctx)
		summary.Log()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("IndexContinuous: %w", err)
	}
	return nil
}

// Verify reconciles the configured range with the chain.
func (ci *BlockIndexer) Verify(ctx context.Context) (*Report, error) {
	plan, err := ci.planner.Plan(ctx, ModeVerify, 0)
	if err != nil {
		return nil, fmt.Errorf("Verify: %w", err)
	}
	logger.Info("Planned %s", plan)
	if plan.Empty {
		return &Report{Summary: &Summary{Run: "verify"}}, nil
	}

	report, err := ci.reconciler.Verify(ctx, plan.From, plan.To)
	if err != nil {
		return nil, fmt.Errorf("Verify: %w", err)
	}

	logger.Info("Verified %d stored blocks from %d to %d: %d missing, %d superseded, %d repaired",
		report.Checked, report.From, report.To, len(report.Gaps), len(report.Mismatches), len(report.Repaired()))
	if report.Summary != nil && report.Summary.Processed+len(report.Summary.Failed) > 0 {
		report.Summary.Log()
	}
	return report, nil
}
