package testing

import (
	"context"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMockChain(t *testing.T, length uint64) (*ChainBuilder, *MockChain, string) {
	builder := NewChainBuilder()
	require.NoError(t, builder.Build(0, length, 0))
	fixture, err := FixtureFromBuilder(builder)
	require.NoError(t, err)

	mock := NewMockChain(fixture)
	server := httptest.NewServer(mock.Handler())
	t.Cleanup(server.Close)
	return builder, mock, server.URL
}

func rpcHash(hash common.Hash) rpc.BlockNumberOrHash {
	return rpc.BlockNumberOrHashWithHash(hash, false)
}

func ptrHash(hash common.Hash) *common.Hash {
	return &hash
}

func lowerHex(address common.Address) string {
	return strings.ToLower(address.Hex())
}

func TestMockChain(t *testing.T) {
	builder, mock, url := startMockChain(t, 5)
	ctx := context.Background()

	client, err := ethclient.Dial(url)
	require.NoError(t, err)
	defer client.Close()

	head, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), head)

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, builder.ChainID, chainID)

	block, err := client.BlockByNumber(ctx, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, builder.Blocks[3].Hash(), block.Hash())
	require.Len(t, block.Transactions(), 1)

	receipts, err := client.BlockReceipts(ctx, rpcHash(block.Hash()))
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, block.Transactions()[0].Hash(), receipts[0].TxHash)

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: ptrHash(block.Hash())})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, TransferTopic, logs[0].Topics[0])

	code, err := client.CodeAt(ctx, builder.Token, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, builder.Code(builder.Token, 3), code)

	_, err = client.BlockByNumber(ctx, big.NewInt(6))
	assert.ErrorIs(t, err, ethereum.NotFound)

	mock.SetHead(2)
	_, err = client.BlockByNumber(ctx, big.NewInt(3))
	assert.ErrorIs(t, err, ethereum.NotFound)
	assert.Equal(t, 3, mock.Requests("eth_getBlockByNumber"))
}

func TestMockChainCalls(t *testing.T) {
	builder, _, url := startMockChain(t, 1)
	ctx := context.Background()

	client, err := ethclient.Dial(url)
	require.NoError(t, err)
	defer client.Close()

	calls, err := builder.TokenCalls()
	require.NoError(t, err)

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &builder.Token, Data: common.FromHex("0x95d89b41")}, nil)
	require.NoError(t, err)
	assert.Equal(t, calls["0x95d89b41"], out)

	_, err = client.CallContract(ctx, ethereum.CallMsg{To: &builder.Token, Data: common.FromHex("0x70a08231")}, nil)
	assert.ErrorContains(t, err, "execution reverted")
}

func TestRecordFixture(t *testing.T) {
	builder, _, url := startMockChain(t, 4)

	recorded, err := RecordFixture(context.Background(), url, 0, 4)
	require.NoError(t, err)

	expected, err := FixtureFromBuilder(builder)
	require.NoError(t, err)

	assert.Equal(t, expected.ChainID, recorded.ChainID)
	require.Len(t, recorded.Blocks, 5)
	for n, raw := range expected.Blocks {
		assert.JSONEq(t, string(raw), string(recorded.Blocks[n]))
	}
	for hash, raw := range expected.Logs {
		assert.JSONEq(t, string(raw), string(recorded.Logs[hash]))
	}
	assert.Equal(t, expected.Calls, recorded.Calls)
	assert.Equal(t, expected.Code[lowerHex(builder.Token)], recorded.Code[lowerHex(builder.Token)])
}
