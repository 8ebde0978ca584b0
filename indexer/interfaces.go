package indexer

import (
	"context"
	"eth-indexer/blockscout"
	"eth-indexer/chain"
	"eth-indexer/database"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Source is the view of the chain node the indexer needs.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockReceipts(ctx context.Context, blockHash common.Hash) ([]*types.Receipt, error)
	BlockLogs(ctx context.Context, blockHash common.Hash) ([]types.Log, error)
	AccountState(ctx context.Context, address common.Address, number uint64) (*chain.AccountState, error)
	CodeAt(ctx context.Context, address common.Address, number uint64) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, number uint64) ([]byte, error)
	SubscribeNewHeads(ctx context.Context) (<-chan uint64, error)
}

// Store is the persistent side of the indexer.
type Store interface {
	SaveBundles(ctx context.Context, bundles []*database.Bundle, checkpoint *database.Checkpoint) error
	DeleteBlocks(ctx context.Context, numbers []uint64) error
	BlockHash(ctx context.Context, number uint64) (string, bool, error)
	BlockHashes(ctx context.Context, from, to uint64) (map[uint64]string, error)
	MissingBlockNumbers(ctx context.Context, from, to uint64) ([]uint64, error)
	State(ctx context.Context, name string) (*database.State, error)
}

// Enricher looks up verified metadata of a contract. A nil result means
// nothing is known about it.
type Enricher interface {
	Enrich(ctx context.Context, address common.Address) (*blockscout.ContractInfo, error)
}

var (
	_ Source   = (*chain.Client)(nil)
	_ Store    = (*database.Store)(nil)
	_ Enricher = (*blockscout.Client)(nil)
)
