package indexer

import (
	"context"
	"eth-indexer/boff"
	"eth-indexer/chain"
	"eth-indexer/logger"
	"eth-indexer/metrics"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// hashCheckChunk is how many stored hashes are loaded per query.
const hashCheckChunk = 1000

// Report is the outcome of a verification.
type Report struct {
	From, To   uint64
	Checked    int
	Gaps       []uint64
	Mismatches []uint64
	States     map[uint64][]BlockState
	Summary    *Summary
}

// Repaired lists numbers that were refetched and now match the chain.
func (r *Report) Repaired() []uint64 {
	var out []uint64
	for n, history := range r.States {
		if history[len(history)-1] == Verified && len(history) > 2 {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// Reconciler finds stored blocks that are missing or no longer canonical and
// refetches them.
type Reconciler struct {
	source      Source
	store       Store
	pipeline    *Pipeline
	coordinator *Coordinator
	metrics     *metrics.Metrics
	concurrency int
	retries     int
}

func NewReconciler(source Source, store Store, pipeline *Pipeline, coordinator *Coordinator, m *metrics.Metrics, concurrency, retries int) *Reconciler {
	return &Reconciler{
		source:      source,
		store:       store,
		pipeline:    pipeline,
		coordinator: coordinator,
		metrics:     m,
		concurrency: max(concurrency, 1),
		retries:     max(retries, 1),
	}
}

// Verify checks [from, to] against the chain and repairs what differs.
func (r *Reconciler) Verify(ctx context.Context, from, to uint64) (*Report, error) {
	report := &Report{From: from, To: to}
	states := newBlockStates()

	gaps, err := r.store.MissingBlockNumbers(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "missing blocks")
	}
	report.Gaps = gaps

	mismatches, checked, err := r.checkHashes(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report.Checked = checked

	if len(mismatches) > 0 {
		// Everything above the lowest divergence is suspect, whatever an
		// earlier check said about it.
		head, err := boff.Retry(ctx, func() (uint64, error) {
			return r.source.BlockNumber(ctx)
		}, "BlockNumber", boff.Policy{MaxTries: uint(r.retries)})
		if err != nil {
			return nil, errors.Wrap(err, "chain head")
		}
		if head > to {
			more, n, err := r.checkHashes(ctx, to+1, head)
			if err != nil {
				return nil, err
			}
			report.Checked += n
			mismatches = append(mismatches, more...)
		}
		r.metrics.Reorgs.WithLabelValues("verify").Add(float64(len(mismatches)))
		logger.Warn("Blocks from %d differ from the chain: %v", mismatches[0], mismatches)
	}
	report.Mismatches = mismatches

	for _, n := range mismatches {
		if err := states.move(n, Superseded); err != nil {
			return nil, err
		}
	}

	if len(mismatches) > 0 {
		if err := r.store.DeleteBlocks(ctx, mismatches); err != nil {
			return nil, errors.Wrap(err, "delete superseded blocks")
		}
		for _, n := range mismatches {
			if err := states.move(n, Refetching); err != nil {
				return nil, err
			}
		}
	}

	resubmit := sortedNumbers(gaps, mismatches)
	if len(resubmit) == 0 {
		report.Summary = &Summary{Run: "verify"}
		report.States = states.history
		return report, nil
	}

	logger.Info("Refetching %d blocks (%d gaps, %d mismatches)", len(resubmit), len(gaps), len(mismatches))
	run := r.coordinator.NewRun("verify", "")
	r.pipeline.Run(ctx, run, slices.Values(resubmit))
	report.Summary = run.Wait()

	failed := make(map[uint64]bool, len(report.Summary.Failed))
	for _, f := range report.Summary.Failed {
		failed[f.Number] = true
	}

	var refetched []uint64
	for _, n := range mismatches {
		if failed[n] || ctx.Err() != nil {
			continue
		}
		if err := states.move(n, Unverified); err != nil {
			return nil, err
		}
		refetched = append(refetched, n)
	}

	// The refetched blocks are checked once more; a block that changed again
	// stays unverified for the next pass.
	for _, n := range refetched {
		ok, err := r.matches(ctx, n)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := states.move(n, Verified); err != nil {
				return nil, err
			}
		}
	}

	report.States = states.history
	return report, nil
}

// checkHashes compares the stored hashes in [from, to] with the chain and
// returns the numbers that differ, ascending.
func (r *Reconciler) checkHashes(ctx context.Context, from, to uint64) ([]uint64, int, error) {
	var (
		mu         sync.Mutex
		mismatches []uint64
		checked    int
	)

	for start := from; start <= to; start += hashCheckChunk {
		end := min(start+hashCheckChunk-1, to)

		stored, err := r.store.BlockHashes(ctx, start, end)
		if err != nil {
			return nil, 0, errors.Wrap(err, "stored hashes")
		}
		checked += len(stored)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for number, hash := range stored {
			g.Go(func() error {
				chainHash, err := r.chainHash(gctx, number)
				if err != nil {
					return err
				}
				if chainHash != hash {
					mu.Lock()
					mismatches = append(mismatches, number)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, 0, err
		}

		if end == to {
			break
		}
	}

	slices.Sort(mismatches)
	return mismatches, checked, nil
}

func (r *Reconciler) matches(ctx context.Context, number uint64) (bool, error) {
	stored, ok, err := r.store.BlockHash(ctx, number)
	if err != nil || !ok {
		return false, err
	}
	chainHash, err := r.chainHash(ctx, number)
	if err != nil {
		return false, err
	}
	return stored == chainHash, nil
}

// chainHash is the canonical hash at number, or "" when the chain is shorter.
// Header requests share the pipeline's fetch slots.
func (r *Reconciler) chainHash(ctx context.Context, number uint64) (string, error) {
	if err := r.pipeline.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.pipeline.slots.Release(1)

	hash, err := boff.Retry(ctx, func() (string, error) {
		h, err := r.source.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if chain.IsNotFound(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return h.Hash().Hex(), nil
	}, fmt.Sprintf("header %d", number), boff.Policy{MaxTries: uint(r.retries)})
	if err != nil {
		return "", errors.Wrapf(err, "header of block %d", number)
	}
	return hash, nil
}
