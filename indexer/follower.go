package indexer

import (
	"context"
	"eth-indexer/boff"
	"eth-indexer/database"
	"eth-indexer/logger"
	"eth-indexer/metrics"
	"time"

	"github.com/pkg/errors"
)

// Follower indexes new heads as the chain announces them.
type Follower struct {
	source        Source
	store         Store
	pipeline      *Pipeline
	coordinator   *Coordinator
	metrics       *metrics.Metrics
	maxReorgDepth int
	retryDelay    time.Duration

	// hashes of recently submitted blocks, which may not be committed yet
	recent map[uint64]string
}

func NewFollower(source Source, store Store, pipeline *Pipeline, coordinator *Coordinator, m *metrics.Metrics, maxReorgDepth int) *Follower {
	return &Follower{
		source:        source,
		store:         store,
		pipeline:      pipeline,
		coordinator:   coordinator,
		metrics:       m,
		maxReorgDepth: max(maxReorgDepth, 1),
		retryDelay:    time.Second,
		recent:        make(map[uint64]string),
	}
}

// Follow consumes head notifications until ctx is cancelled. Heads are
// processed one at a time, in the order they arrive. Blocks announced while
// no follower was running are indexed before the first new head.
func (f *Follower) Follow(ctx context.Context) *Summary {
	run := f.coordinator.NewRun("live", CheckpointLive)
	next, resumed := f.resumePoint(ctx)

	for ctx.Err() == nil {
		heads, err := boff.Retry(ctx, func() (<-chan uint64, error) {
			return f.source.SubscribeNewHeads(ctx)
		}, "SubscribeNewHeads", boff.Policy{InitialInterval: f.retryDelay})
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Cannot subscribe to new heads: %s", err)
			}
			break
		}

		for number := range heads {
			if resumed {
				f.catchUp(ctx, run, next, number)
				resumed = false
			}
			if err := f.process(ctx, run, number); err != nil && ctx.Err() == nil {
				logger.Error("Live block %d: %s", number, err)
			}
		}

		if ctx.Err() == nil {
			f.metrics.Reconnects.Inc()
			logger.Warn("Head subscription ended, subscribing again")
		}
	}

	return run.Wait()
}

// resumePoint returns the block after the last one a live run checkpointed.
func (f *Follower) resumePoint(ctx context.Context) (uint64, bool) {
	state, err := f.store.State(ctx, CheckpointLive)
	if err != nil {
		logger.Warn("Cannot read the %s checkpoint, following from the next head: %s", CheckpointLive, err)
		return 0, false
	}
	if state == nil {
		return 0, false
	}
	return state.Index + 1, true
}

func (f *Follower) catchUp(ctx context.Context, run *Run, from, head uint64) {
	if from >= head {
		return
	}
	logger.Info("Indexing blocks %d to %d announced since the last live run", from, head-1)
	plan := &Plan{Mode: ModeLive, From: from, To: head - 1, Checkpoint: CheckpointLive, Resumed: true}
	f.pipeline.Run(ctx, run, plan.Numbers())
}

func (f *Follower) process(ctx context.Context, run *Run, number uint64) error {
	bundle, err := f.pipeline.Fetch(ctx, number)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return run.Skip(ctx, number, err)
	}

	branch, err := f.repairBranch(ctx, bundle)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		logger.Warn("Block %d: %s", number, err)
		// The block is written anyway; the next head repairs what is left.
	}

	// Ancestors first, so the run writes the branch bottom up.
	for i := len(branch) - 1; i >= 0; i-- {
		if err := run.Submit(ctx, branch[i]); err != nil {
			return err
		}
		f.remember(branch[i])
	}
	return nil
}

// repairBranch walks back from bundle while its parent differs from the
// stored block at the parent's height, refetching each replaced ancestor.
// The result starts with bundle and continues with its new ancestors.
func (f *Follower) repairBranch(ctx context.Context, bundle *database.Bundle) ([]*database.Bundle, error) {
	branch := []*database.Bundle{bundle}
	current := bundle

	for depth := 0; current.Number() > 0; depth++ {
		parent := current.Number() - 1
		stored, ok, err := f.storedHash(ctx, parent)
		if err != nil {
			return branch, err
		}
		if !ok || stored == current.Block.ParentHash {
			return branch, nil
		}

		reorg := &ReorgDetected{Number: parent, StoredHash: stored, ChainHash: current.Block.ParentHash}
		if depth == f.maxReorgDepth {
			return branch, errors.Wrapf(reorg, "reorg deeper than %d blocks", f.maxReorgDepth)
		}
		logger.Warn("%s, refetching", reorg)
		f.metrics.Reorgs.WithLabelValues("live").Inc()

		replacement, err := f.pipeline.Fetch(ctx, parent)
		if err != nil {
			return branch, errors.Wrapf(err, "refetch block %d", parent)
		}
		if replacement.Block.Hash != current.Block.ParentHash {
			// The chain moved again while we were walking; the new head will
			// come through the subscription.
			return branch, errors.Wrapf(reorg, "block %d changed during refetch", parent)
		}

		branch = append(branch, replacement)
		current = replacement
	}
	return branch, nil
}

func (f *Follower) storedHash(ctx context.Context, number uint64) (string, bool, error) {
	if hash, ok := f.recent[number]; ok {
		return hash, true, nil
	}
	return f.store.BlockHash(ctx, number)
}

func (f *Follower) remember(bundle *database.Bundle) {
	number := bundle.Number()
	f.recent[number] = bundle.Block.Hash
	if number >= uint64(f.maxReorgDepth) {
		for n := range f.recent {
			if n+uint64(f.maxReorgDepth) < number {
				delete(f.recent, n)
			}
		}
	}
}
