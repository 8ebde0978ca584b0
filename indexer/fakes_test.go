package indexer

import (
	"context"
	"eth-indexer/chain"
	"eth-indexer/config"
	"eth-indexer/database"
	indexer_testing "eth-indexer/testing"
	"math/big"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var testRecipient = indexer_testing.Recipient

// fakeChain serves a generated chain from memory, with failure injection.
type fakeChain struct {
	mu sync.Mutex

	builder *indexer_testing.ChainBuilder
	sender  common.Address
	token   common.Address
	calls   map[common.Address]map[string][]byte

	heads chan uint64

	blockFailures map[uint64]int
	malformed     map[uint64]bool
	blockDelay    time.Duration
	inFlight      int
	maxInFlight   int
	blockRequests map[uint64]int
}

func newFakeChain(t *testing.T, length uint64) *fakeChain {
	builder := indexer_testing.NewChainBuilder()
	require.NoError(t, builder.Build(0, length, 0))

	tokenCalls, err := builder.TokenCalls()
	require.NoError(t, err)

	return &fakeChain{
		builder:       builder,
		sender:        builder.Sender,
		token:         builder.Token,
		calls:         map[common.Address]map[string][]byte{builder.Token: tokenCalls},
		heads:         make(chan uint64, 16),
		blockFailures: make(map[uint64]int),
		malformed:     make(map[uint64]bool),
		blockRequests: make(map[uint64]int),
	}
}

func packOutput(t *testing.T, method string, value interface{}) []byte {
	out, err := tokenMetadata.Methods[method].Outputs.Pack(value)
	require.NoError(t, err)
	return out
}

func selectorHex(method string) string {
	return hexutil.Encode(tokenMetadata.Methods[method].ID)
}

// build replaces blocks from..to. A non-zero salt gives another branch.
func (f *fakeChain) build(t *testing.T, from, to uint64, salt byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(t, f.builder.Build(from, to, salt))
}

func (f *fakeChain) block(number uint64) *types.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builder.Blocks[number]
}

func (f *fakeChain) hash(number uint64) string {
	return f.block(number).Hash().Hex()
}

func (f *fakeChain) failBlock(number uint64, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockFailures[number] = times
}

func (f *fakeChain) requests(number uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockRequests[number]
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builder.Head, nil
}

func (f *fakeChain) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	f.mu.Lock()
	f.blockRequests[number]++
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	delay := f.blockDelay
	failures := f.blockFailures[number]
	if failures > 0 {
		f.blockFailures[number]--
	}
	block, ok := f.builder.Blocks[number]
	malformed := f.malformed[number]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failures > 0 {
		return nil, &chain.TransportError{Op: "BlockByNumber", Err: errors.New("connection reset")}
	}
	if malformed {
		return nil, &chain.MalformedError{Op: "BlockByNumber", Ref: "block", Err: types.ErrTxTypeNotSupported}
	}
	if !ok {
		return nil, &chain.NotFoundError{Op: "BlockByNumber", Ref: "block"}
	}
	return block, nil
}

// HeaderByNumber counts towards the same in-flight gauge as BlockByNumber.
func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	delay := f.blockDelay
	n := f.builder.Head
	if number != nil {
		n = number.Uint64()
	}
	block, ok := f.builder.Blocks[n]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, &chain.NotFoundError{Op: "HeaderByNumber", Ref: "block"}
	}
	return block.Header(), nil
}

func (f *fakeChain) BlockReceipts(_ context.Context, hash common.Hash) ([]*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipts, ok := f.builder.Receipts[hash]
	if !ok {
		return nil, &chain.NotFoundError{Op: "BlockReceipts", Ref: hash.Hex()}
	}
	return receipts, nil
}

func (f *fakeChain) BlockLogs(_ context.Context, hash common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.builder.Logs[hash]), nil
}

func (f *fakeChain) AccountState(_ context.Context, address common.Address, number uint64) (*chain.AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := &chain.AccountState{Balance: big.NewInt(params.Ether), Code: f.builder.Code(address, number)}
	if address == f.sender {
		state.Nonce = number
	}
	return state, nil
}

func (f *fakeChain) CodeAt(_ context.Context, address common.Address, number uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builder.Code(address, number), nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("execution reverted")
	}
	out, ok := f.calls[*msg.To][hexutil.Encode(msg.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (f *fakeChain) SubscribeNewHeads(ctx context.Context) (<-chan uint64, error) {
	out := make(chan uint64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-f.heads:
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// fakeStore keeps bundles in memory and writes each SaveBundles call
// atomically.
type fakeStore struct {
	mu sync.Mutex

	bundles map[uint64]*database.Bundle
	states  map[string]*database.State
	writes  [][]uint64

	saveFailures map[uint64]int
	saveDelay    time.Duration
	inFlight     int
	maxInFlight  int
	superseded   []uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bundles:      make(map[uint64]*database.Bundle),
		states:       make(map[string]*database.State),
		saveFailures: make(map[uint64]int),
	}
}

func (s *fakeStore) SaveBundles(_ context.Context, bundles []*database.Bundle, checkpoint *database.Checkpoint) error {
	s.mu.Lock()
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	delay := s.saveDelay
	s.mu.Unlock()

	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--

	for _, b := range bundles {
		if s.saveFailures[b.Number()] > 0 {
			s.saveFailures[b.Number()]--
			return errors.Errorf("cannot write block %d", b.Number())
		}
	}

	numbers := make([]uint64, len(bundles))
	for i, b := range bundles {
		if old, ok := s.bundles[b.Number()]; ok && old.Block.Hash != b.Block.Hash {
			s.superseded = append(s.superseded, b.Number())
		}
		s.bundles[b.Number()] = b
		numbers[i] = b.Number()
	}
	s.writes = append(s.writes, numbers)

	if checkpoint != nil {
		s.states[checkpoint.Name] = &database.State{
			Name:           checkpoint.Name,
			Index:          checkpoint.Index,
			BlockHash:      checkpoint.BlockHash,
			BlockTimestamp: checkpoint.BlockTimestamp,
		}
	}
	return nil
}

func (s *fakeStore) DeleteBlocks(_ context.Context, numbers []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range numbers {
		delete(s.bundles, n)
	}
	return nil
}

func (s *fakeStore) BlockHash(_ context.Context, number uint64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[number]
	if !ok {
		return "", false, nil
	}
	return b.Block.Hash, true, nil
}

func (s *fakeStore) BlockHashes(_ context.Context, from, to uint64) (map[uint64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]string)
	for n, b := range s.bundles {
		if n >= from && n <= to {
			out[n] = b.Block.Hash
		}
	}
	return out, nil
}

func (s *fakeStore) MissingBlockNumbers(_ context.Context, from, to uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for n := from; n <= to; n++ {
		if _, ok := s.bundles[n]; !ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeStore) State(_ context.Context, name string) (*database.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (s *fakeStore) hash(number uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bundles[number]; ok {
		return b.Block.Hash
	}
	return ""
}

func (s *fakeStore) numbers() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for n := range s.bundles {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// writeOrder flattens the successful writes.
func (s *fakeStore) writeOrder() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, w := range s.writes {
		out = append(out, w...)
	}
	return out
}

func (s *fakeStore) checkpoint(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	if !ok {
		return 0, false
	}
	return state.Index, true
}

func testConfig() *config.Config {
	return &config.Config{
		DB: config.DBConfig{NbOfConnections: 2},
		Indexer: config.IndexerConfig{
			StartBlock:        0,
			EndBlock:          config.EndBlockHead,
			MaxConcurrency:    4,
			BatchSize:         3,
			QueueBufferFactor: 8,
			FetchMaxRetries:   3,
			WriteMaxRetries:   2,
			MaxReorgDepth:     8,
			IndexAddresses:    true,
		},
	}
}

func numbersRange(from, to uint64) []uint64 {
	var out []uint64
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}
