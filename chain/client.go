package chain

import (
	"context"
	"eth-indexer/config"
	"eth-indexer/logger"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Client talks to an Ethereum compatible node. Request/response calls go to
// the HTTP endpoint when one is configured and are spread over the websocket
// pool otherwise. Every call is admitted by a shared limiter.
type Client struct {
	http *ethclient.Client
	ws   []*ethclient.Client

	next     atomic.Uint64
	limiter  *semaphore.Weighted
	subSlots *semaphore.Weighted
	timeout  time.Duration

	pollInterval time.Duration
}

// AccountState is the state of an address at a given block.
type AccountState struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte
}

func Dial(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	c := &Client{
		limiter:      semaphore.NewWeighted(int64(cfg.RPCConcurrency)),
		subSlots:     semaphore.NewWeighted(int64(cfg.NbOfWSConnections)),
		timeout:      cfg.Timeout(),
		pollInterval: cfg.NewBlockCheckInterval(),
	}

	if cfg.HTTPURL != "" {
		httpClient, err := ethclient.DialContext(ctx, cfg.HTTPURL)
		if err != nil {
			return nil, errors.Wrap(err, "ethclient.DialContext")
		}
		c.http = httpClient
	}

	if cfg.WSURL != "" {
		for i := 0; i < cfg.NbOfWSConnections; i++ {
			rpcClient, err := rpc.DialWebsocket(ctx, cfg.WSURL, "")
			if err != nil {
				c.Close()
				return nil, errors.Wrapf(err, "rpc.DialWebsocket connection %d", i)
			}
			c.ws = append(c.ws, ethclient.NewClient(rpcClient))
		}
	}

	if c.http == nil && len(c.ws) == 0 {
		return nil, errors.New("no chain endpoint configured")
	}

	logger.Info("Connected to chain node: http=%t, websocket connections=%d", c.http != nil, len(c.ws))

	return c, nil
}

// NewClient wraps already dialled clients, mostly for tests.
func NewClient(httpClient *ethclient.Client, ws []*ethclient.Client, rpcConcurrency int, timeout time.Duration) *Client {
	return &Client{
		http:         httpClient,
		ws:           ws,
		limiter:      semaphore.NewWeighted(int64(rpcConcurrency)),
		subSlots:     semaphore.NewWeighted(int64(max(len(ws), 1))),
		timeout:      timeout,
		pollInterval: time.Second,
	}
}

func (c *Client) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

func (c *Client) Close() {
	if c.http != nil {
		c.http.Close()
	}
	for _, ws := range c.ws {
		ws.Close()
	}
}

func (c *Client) rpcClient() *ethclient.Client {
	if c.http != nil {
		return c.http
	}
	return c.wsClient()
}

func (c *Client) wsClient() *ethclient.Client {
	i := c.next.Add(1)
	return c.ws[i%uint64(len(c.ws))]
}

func call[T any](ctx context.Context, c *Client, op, ref string, f func(context.Context, *ethclient.Client) (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer c.limiter.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := f(ctx, c.rpcClient())
	if err != nil {
		return zero, classify(op, ref, err)
	}
	return res, nil
}

func blockRef(number *big.Int) string {
	if number == nil {
		return "latest block"
	}
	return fmt.Sprintf("block %s", number)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, "BlockNumber", "head", func(ctx context.Context, ec *ethclient.Client) (uint64, error) {
		return ec.BlockNumber(ctx)
	})
}

// BlockByNumber returns the block with its full transactions.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	n := new(big.Int).SetUint64(number)
	return call(ctx, c, "BlockByNumber", blockRef(n), func(ctx context.Context, ec *ethclient.Client) (*types.Block, error) {
		return ec.BlockByNumber(ctx, n)
	})
}

// HeaderByNumber returns the header only; a nil number means the head.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return call(ctx, c, "HeaderByNumber", blockRef(number), func(ctx context.Context, ec *ethclient.Client) (*types.Header, error) {
		return ec.HeaderByNumber(ctx, number)
	})
}

func (c *Client) BlockReceipts(ctx context.Context, blockHash common.Hash) ([]*types.Receipt, error) {
	ref := rpc.BlockNumberOrHashWithHash(blockHash, false)
	return call(ctx, c, "BlockReceipts", "block "+blockHash.Hex(), func(ctx context.Context, ec *ethclient.Client) ([]*types.Receipt, error) {
		return ec.BlockReceipts(ctx, ref)
	})
}

func (c *Client) BlockLogs(ctx context.Context, blockHash common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{BlockHash: &blockHash}
	return call(ctx, c, "FilterLogs", "block "+blockHash.Hex(), func(ctx context.Context, ec *ethclient.Client) ([]types.Log, error) {
		return ec.FilterLogs(ctx, query)
	})
}

func (c *Client) AccountState(ctx context.Context, address common.Address, number uint64) (*AccountState, error) {
	n := new(big.Int).SetUint64(number)
	ref := address.Hex()

	balance, err := call(ctx, c, "BalanceAt", ref, func(ctx context.Context, ec *ethclient.Client) (*big.Int, error) {
		return ec.BalanceAt(ctx, address, n)
	})
	if err != nil {
		return nil, err
	}
	nonce, err := call(ctx, c, "NonceAt", ref, func(ctx context.Context, ec *ethclient.Client) (uint64, error) {
		return ec.NonceAt(ctx, address, n)
	})
	if err != nil {
		return nil, err
	}
	code, err := call(ctx, c, "CodeAt", ref, func(ctx context.Context, ec *ethclient.Client) ([]byte, error) {
		return ec.CodeAt(ctx, address, n)
	})
	if err != nil {
		return nil, err
	}

	return &AccountState{Balance: balance, Nonce: nonce, Code: code}, nil
}

func (c *Client) CodeAt(ctx context.Context, address common.Address, number uint64) ([]byte, error) {
	n := new(big.Int).SetUint64(number)
	return call(ctx, c, "CodeAt", address.Hex(), func(ctx context.Context, ec *ethclient.Client) ([]byte, error) {
		return ec.CodeAt(ctx, address, n)
	})
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, number uint64) ([]byte, error) {
	n := new(big.Int).SetUint64(number)
	ref := "call"
	if msg.To != nil {
		ref = msg.To.Hex()
	}
	return call(ctx, c, "CallContract", ref, func(ctx context.Context, ec *ethclient.Client) ([]byte, error) {
		return ec.CallContract(ctx, msg, n)
	})
}
