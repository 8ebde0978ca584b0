package chain

import (
	"context"
	"encoding/json"
	indexer_testing "eth-indexer/testing"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, length uint64) (*Client, *indexer_testing.ChainBuilder, *indexer_testing.MockChain) {
	builder := indexer_testing.NewChainBuilder()
	require.NoError(t, builder.Build(0, length, 0))
	fixture, err := indexer_testing.FixtureFromBuilder(builder)
	require.NoError(t, err)

	mock := indexer_testing.NewMockChain(fixture)
	server := httptest.NewServer(mock.Handler())
	t.Cleanup(server.Close)

	ec, err := ethclient.Dial(server.URL)
	require.NoError(t, err)

	client := NewClient(ec, nil, 4, 5*time.Second)
	t.Cleanup(client.Close)
	return client, builder, mock
}

func TestClientFetchesBlockData(t *testing.T) {
	client, builder, _ := newTestClient(t, 5)
	ctx := context.Background()

	head, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), head)

	block, err := client.BlockByNumber(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, builder.Blocks[4].Hash(), block.Hash())

	header, err := client.HeaderByNumber(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, builder.Blocks[5].Hash(), header.Hash())

	receipts, err := client.BlockReceipts(ctx, block.Hash())
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, block.Transactions()[0].Hash(), receipts[0].TxHash)

	logs, err := client.BlockLogs(ctx, block.Hash())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, builder.Token, logs[0].Address)
	assert.Equal(t, block.Hash(), logs[0].BlockHash)

	sender, err := client.AccountState(ctx, builder.Sender, 4)
	require.NoError(t, err)
	assert.Zero(t, sender.Balance.Cmp(big.NewInt(params.Ether)))
	assert.Equal(t, uint64(5), sender.Nonce)
	assert.Empty(t, sender.Code)

	token, err := client.AccountState(ctx, builder.Token, 4)
	require.NoError(t, err)
	assert.Equal(t, builder.Code(builder.Token, 4), token.Code)
	assert.Zero(t, token.Balance.Sign())

	calls, err := builder.TokenCalls()
	require.NoError(t, err)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &builder.Token, Data: common.FromHex("0x313ce567")}, 4)
	require.NoError(t, err)
	assert.Equal(t, calls["0x313ce567"], out)
}

func TestClientClassifiesErrors(t *testing.T) {
	client, builder, _ := newTestClient(t, 2)
	ctx := context.Background()

	_, err := client.BlockByNumber(ctx, 3)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransport(err))
	assert.True(t, errors.Is(err, ethereum.NotFound))

	_, err = client.HeaderByNumber(ctx, big.NewInt(10))
	assert.True(t, IsNotFound(err))

	_, err = client.CallContract(ctx, ethereum.CallMsg{To: &builder.Token, Data: []byte{1, 2, 3, 4}}, 2)
	assert.True(t, IsTransport(err))

	server := httptest.NewServer(nil)
	server.Close()
	ec, err := ethclient.Dial(server.URL)
	require.NoError(t, err)
	offline := NewClient(ec, nil, 1, time.Second)
	defer offline.Close()

	_, err = offline.BlockNumber(ctx)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Contains(t, err.Error(), "BlockNumber")
}

func serveFixture(t *testing.T, fixture *indexer_testing.Fixture) *Client {
	server := httptest.NewServer(indexer_testing.NewMockChain(fixture).Handler())
	t.Cleanup(server.Close)

	ec, err := ethclient.Dial(server.URL)
	require.NoError(t, err)

	client := NewClient(ec, nil, 4, 5*time.Second)
	t.Cleanup(client.Close)
	return client
}

// pragueBlock holds one EIP-7702 transaction under a header with every
// field up to requestsHash set.
func pragueBlock(t *testing.T, requestsHash common.Hash) *types.Block {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(1337)

	auth, err := types.SignSetCode(key, types.SetCodeAuthorization{
		ChainID: *uint256.MustFromBig(chainID),
		Address: common.HexToAddress("0x00000000000000000000000000000000000000d0"),
		Nonce:   1,
	})
	require.NoError(t, err)

	tx := types.MustSignNewTx(key, types.LatestSignerForChainID(chainID), &types.SetCodeTx{
		ChainID:   uint256.MustFromBig(chainID),
		Nonce:     0,
		GasTipCap: uint256.NewInt(params.GWei),
		GasFeeCap: uint256.NewInt(2 * params.GWei),
		Gas:       100_000,
		To:        crypto.PubkeyToAddress(key.PublicKey),
		Value:     uint256.NewInt(0),
		AuthList:  []types.SetCodeAuthorization{auth},
	})

	blobGasUsed, excessBlobGas := uint64(0), uint64(0)
	beaconRoot := common.HexToHash("0x01")
	header := &types.Header{
		Number:           big.NewInt(1),
		Difficulty:       common.Big0,
		GasLimit:         36_000_000,
		Time:             1_746_612_311,
		BaseFee:          big.NewInt(params.GWei),
		BlobGasUsed:      &blobGasUsed,
		ExcessBlobGas:    &excessBlobGas,
		ParentBeaconRoot: &beaconRoot,
		RequestsHash:     &requestsHash,
	}
	body := &types.Body{Transactions: []*types.Transaction{tx}, Withdrawals: []*types.Withdrawal{}}
	return types.NewBlock(header, body, nil, trie.NewStackTrie(nil))
}

func TestClientDecodesPragueBlocks(t *testing.T) {
	ctx := context.Background()

	for _, requestsHash := range []common.Hash{
		common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
	} {
		block := pragueBlock(t, requestsHash)
		fixture := indexer_testing.NewFixture()
		fixture.ChainID = "0x539"
		require.NoError(t, fixture.AddBlock(block, nil, nil))

		var served struct {
			Hash common.Hash `json:"hash"`
		}
		require.NoError(t, json.Unmarshal(fixture.Blocks[1], &served))

		client := serveFixture(t, fixture)
		got, err := client.BlockByNumber(ctx, 1)
		require.NoError(t, err)

		assert.Equal(t, served.Hash, got.Hash())
		require.NotNil(t, got.Header().RequestsHash)
		assert.Equal(t, requestsHash, *got.Header().RequestsHash)

		require.Len(t, got.Transactions(), 1)
		tx := got.Transactions()[0]
		assert.Equal(t, uint8(types.SetCodeTxType), tx.Type())
		assert.Len(t, tx.SetCodeAuthorizations(), 1)
		assert.Equal(t, block.Transactions()[0].Hash(), tx.Hash())
	}
}

func TestClientClassifiesUndecodablePayloads(t *testing.T) {
	builder := indexer_testing.NewChainBuilder()
	require.NoError(t, builder.Build(0, 2, 0))
	fixture, err := indexer_testing.FixtureFromBuilder(builder)
	require.NoError(t, err)

	var block map[string]interface{}
	require.NoError(t, json.Unmarshal(fixture.Blocks[2], &block))
	block["transactions"].([]interface{})[0].(map[string]interface{})["type"] = "0x7f"
	fixture.Blocks[2], err = json.Marshal(block)
	require.NoError(t, err)

	client := serveFixture(t, fixture)
	_, err = client.BlockByNumber(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.False(t, IsTransport(err))
	assert.ErrorIs(t, err, types.ErrTxTypeNotSupported)

	_, err = client.BlockByNumber(context.Background(), 1)
	assert.NoError(t, err)
}

func TestClientRespectsCancellation(t *testing.T) {
	client, _, _ := newTestClient(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.BlockByNumber(ctx, 1)
	require.Error(t, err)
}

func receive(t *testing.T, heads <-chan uint64) uint64 {
	select {
	case n, ok := <-heads:
		require.True(t, ok, "subscription closed")
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no head received")
	}
	return 0
}

func TestSubscribeNewHeadsPolls(t *testing.T) {
	client, _, mock := newTestClient(t, 6)
	client.SetPollInterval(10 * time.Millisecond)
	mock.SetHead(2)

	ctx, cancel := context.WithCancel(context.Background())
	heads, err := client.SubscribeNewHeads(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), receive(t, heads))

	mock.SetHead(5)
	assert.Equal(t, uint64(3), receive(t, heads))
	assert.Equal(t, uint64(4), receive(t, heads))
	assert.Equal(t, uint64(5), receive(t, heads))

	cancel()
	for range heads {
	}
}

func TestHeadTracker(t *testing.T) {
	ctx := context.Background()
	out := make(chan uint64, 16)
	tracker := &headTracker{out: out}

	drain := func() []uint64 {
		var got []uint64
		for len(out) > 0 {
			got = append(got, <-out)
		}
		return got
	}

	assert.True(t, tracker.replay(ctx))
	assert.Empty(t, drain())

	require.True(t, tracker.advance(ctx, 10))
	assert.Equal(t, []uint64{10}, drain())

	require.True(t, tracker.advance(ctx, 13))
	assert.Equal(t, []uint64{11, 12, 13}, drain())

	// A shorter branch is delivered as is.
	require.True(t, tracker.advance(ctx, 12))
	assert.Equal(t, []uint64{12}, drain())

	require.True(t, tracker.replay(ctx))
	assert.Equal(t, []uint64{12}, drain())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	blocked := &headTracker{out: make(chan uint64)}
	assert.False(t, blocked.advance(cancelled, 1))
}
