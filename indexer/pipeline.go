package indexer

import (
	"context"
	"eth-indexer/boff"
	"eth-indexer/chain"
	"eth-indexer/database"
	"eth-indexer/logger"
	"eth-indexer/metrics"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// accountFetchConcurrency bounds the state requests of one block.
const accountFetchConcurrency = 8

// PipelineParams configures fetching.
type PipelineParams struct {
	MaxConcurrency int
	MaxRetries     int
	IndexAddresses bool
	RetryDelay     time.Duration
}

// Pipeline fetches and decodes blocks. At most MaxConcurrency blocks are in
// flight at any time, over all callers.
type Pipeline struct {
	source   Source
	enricher Enricher
	params   PipelineParams
	metrics  *metrics.Metrics
	slots    *semaphore.Weighted
}

// NewPipeline creates a pipeline. The enricher may be nil.
func NewPipeline(source Source, enricher Enricher, params PipelineParams, m *metrics.Metrics) *Pipeline {
	params.MaxConcurrency = max(params.MaxConcurrency, 1)
	params.MaxRetries = max(params.MaxRetries, 1)

	return &Pipeline{
		source:   source,
		enricher: enricher,
		params:   params,
		metrics:  m,
		slots:    semaphore.NewWeighted(int64(params.MaxConcurrency)),
	}
}

// Run admits numbers to run in order and fetches them concurrently. It
// returns when every admitted number has been handed to the run, or early
// when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, run *Run, numbers iter.Seq[uint64]) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for number := range numbers {
		ticket, err := run.Admit(ctx, number)
		if err != nil {
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			bundle, err := p.Fetch(ctx, number)
			if err != nil {
				ticket.Fail(err)
				return
			}
			ticket.Complete(bundle)
		}()
	}
}

// Fetch downloads and decodes one block, retrying failures up to the
// configured number of attempts.
func (p *Pipeline) Fetch(ctx context.Context, number uint64) (*database.Bundle, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.slots.Release(1)

	p.metrics.FetchesInFlight.Inc()
	defer p.metrics.FetchesInFlight.Dec()

	policy := boff.Policy{MaxTries: uint(p.params.MaxRetries), InitialInterval: p.params.RetryDelay}
	return boff.Retry(ctx, func() (*database.Bundle, error) {
		return p.fetchOnce(ctx, number)
	}, fmt.Sprintf("fetch block %d", number), policy)
}

func (p *Pipeline) fetchOnce(ctx context.Context, number uint64) (*database.Bundle, error) {
	block, err := p.source.BlockByNumber(ctx, number)
	if err != nil {
		return nil, asDecodeError("block", fmt.Sprintf("%d", number), err)
	}
	hash := block.Hash()

	var (
		receipts []*types.Receipt
		logs     []types.Log
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		receipts, err = p.source.BlockReceipts(gctx, hash)
		return err
	})
	g.Go(func() error {
		var err error
		logs, err = p.source.BlockLogs(gctx, hash)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, asDecodeError("block", hash.Hex(), err)
	}

	data, err := newBlockData(block, receipts, logs)
	if err != nil {
		return nil, err
	}

	if p.params.IndexAddresses {
		if err := p.fetchAccounts(ctx, data); err != nil {
			return nil, err
		}
	}

	for _, address := range data.createdContracts() {
		details, err := p.fetchContract(ctx, data, address)
		if err != nil {
			return nil, err
		}
		data.contracts[address] = details
	}

	return decodeBundle(data)
}

func (p *Pipeline) fetchAccounts(ctx context.Context, data *blockData) error {
	addresses := data.touchedAddresses()
	states := make([]*chain.AccountState, len(addresses))
	number := data.block.NumberU64()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(accountFetchConcurrency)
	for i, address := range addresses {
		g.Go(func() error {
			state, err := p.source.AccountState(gctx, address, number)
			if err != nil {
				return errors.Wrapf(err, "account %s", address.Hex())
			}
			states[i] = state
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, address := range addresses {
		data.accounts[address] = states[i]
	}
	return nil
}

func (p *Pipeline) fetchContract(ctx context.Context, data *blockData, address common.Address) (*contractDetails, error) {
	number := data.block.NumberU64()
	details := &contractDetails{}

	if state, ok := data.accounts[address]; ok {
		details.code = state.Code
	} else {
		code, err := p.source.CodeAt(ctx, address, number)
		if err != nil {
			return nil, errors.Wrapf(err, "code of contract %s", address.Hex())
		}
		details.code = code
	}

	if p.enricher != nil {
		info, err := p.enricher.Enrich(ctx, address)
		if err != nil {
			// Enrichment is best effort; the contract is stored without it.
			logger.Warn("Cannot enrich contract %s: %s", address.Hex(), err)
		}
		details.info = info
	}

	details.kind = contractType(details.info, details.code)
	if details.kind.IsToken() {
		details.token = readTokenMetadata(ctx, p.source, address, number, details.kind)
	}
	return details, nil
}
