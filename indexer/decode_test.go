package indexer

import (
	"context"
	"eth-indexer/blockscout"
	"strings"
	"testing"

	"github.com/bradleyjkemp/cupaloy/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var snapshotter = cupaloy.New(cupaloy.FailOnUpdate(false))

func fetchedData(t *testing.T, f *fakeChain, number uint64) *blockData {
	ctx := context.Background()
	block := f.block(number)
	receipts, err := f.BlockReceipts(ctx, block.Hash())
	require.NoError(t, err)
	logs, err := f.BlockLogs(ctx, block.Hash())
	require.NoError(t, err)

	data, err := newBlockData(block, receipts, logs)
	require.NoError(t, err)
	return data
}

func TestDecodeBundle(t *testing.T) {
	f := newFakeChain(t, 3)
	data := fetchedData(t, f, 2)

	bundle, err := decodeBundle(data)
	require.NoError(t, err)

	block := f.block(2)
	assert.Equal(t, uint64(2), bundle.Number())
	assert.Equal(t, block.Hash().Hex(), bundle.Block.Hash)
	assert.Equal(t, f.hash(1), bundle.Block.ParentHash)
	assert.Equal(t, 1, bundle.Block.TransactionsCount)

	require.Len(t, bundle.Transactions, 1)
	tx := bundle.Transactions[0]
	assert.Equal(t, hexAddress(f.sender), tx.From)
	require.NotNil(t, tx.To)
	assert.Equal(t, hexAddress(f.token), *tx.To)
	assert.Nil(t, tx.GasPrice)
	require.NotNil(t, tx.MaxFeePerGas)

	require.Len(t, bundle.Receipts, 1)
	assert.Equal(t, tx.Hash, bundle.Receipts[0].TransactionHash)
	assert.Equal(t, 1, bundle.Receipts[0].LogsCount)

	require.Len(t, bundle.Logs, 1)
	assert.Equal(t, TransferEventSignature.Hex(), bundle.Logs[0].Topic0)

	require.Len(t, bundle.TokenTransfers, 1)
	transfer := bundle.TokenTransfers[0]
	assert.Equal(t, StandardERC20, transfer.Standard)
	assert.Equal(t, int64(200), transfer.Amount.IntPart())
	assert.Equal(t, hexAddress(testRecipient), transfer.To)
	assert.Equal(t, uint64(2), transfer.BlockNumber)

	// Without account states no address rows are produced.
	assert.Empty(t, bundle.Addresses)
	assert.Empty(t, bundle.Contracts)

	snapshotter.SnapshotT(t, bundle)
}

func TestDecodeBundleContractCreation(t *testing.T) {
	f := newFakeChain(t, 1)
	data := fetchedData(t, f, 1)

	assert.Equal(t, []common.Address{f.token}, data.createdContracts())
	assert.Equal(t, []common.Address{f.sender, f.token}, data.touchedAddresses())

	for _, a := range data.touchedAddresses() {
		state, err := f.AccountState(context.Background(), a, 1)
		require.NoError(t, err)
		data.accounts[a] = state
	}
	data.contracts[f.token] = &contractDetails{
		code:  f.builder.Code(f.token, 1),
		kind:  blockscout.ContractTypeERC20,
		token: readTokenMetadata(context.Background(), f, f.token, 1, blockscout.ContractTypeERC20),
		info:  &blockscout.ContractInfo{Name: "TestToken", CompilerVersion: "v0.8.24"},
	}

	bundle, err := decodeBundle(data)
	require.NoError(t, err)

	require.Len(t, bundle.Addresses, 2)
	assert.False(t, bundle.Addresses[0].IsContract)
	assert.True(t, bundle.Addresses[1].IsContract)

	require.Len(t, bundle.Contracts, 1)
	contract := bundle.Contracts[0]
	assert.Equal(t, hexAddress(f.token), contract.Address)
	assert.Equal(t, hexAddress(f.sender), contract.CreatorAddress)
	assert.Equal(t, "ERC20", contract.ContractType)
	assert.Equal(t, "TestToken", contract.ContractName)
	assert.Equal(t, bundle.Transactions[0].Hash, contract.TransactionHash)

	require.NotNil(t, bundle.Receipts[0].ContractAddress)
	assert.Equal(t, hexAddress(f.token), *bundle.Receipts[0].ContractAddress)

	require.Len(t, bundle.Tokens, 1)
	token := bundle.Tokens[0]
	assert.Equal(t, "Test Token", token.Name)
	assert.Equal(t, "TST", token.Symbol)
	require.NotNil(t, token.Decimals)
	assert.Equal(t, uint8(18), *token.Decimals)
	require.NotNil(t, token.TotalSupply)
	assert.Equal(t, int64(1_000_000), token.TotalSupply.IntPart())
}

func TestDecodeRejectsInconsistentBlocks(t *testing.T) {
	f := newFakeChain(t, 3)
	ctx := context.Background()
	block := f.block(2)
	receipts, _ := f.BlockReceipts(ctx, block.Hash())
	logs, _ := f.BlockLogs(ctx, block.Hash())

	var de *DecodeError

	_, err := newBlockData(block, nil, logs)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "block", de.Entity)

	foreign := *receipts[0]
	foreign.TxHash = common.HexToHash("0x01")
	_, err = newBlockData(block, []*types.Receipt{&foreign}, logs)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "receipt", de.Entity)

	data, err := newBlockData(block, receipts, nil)
	require.NoError(t, err)
	_, err = decodeBundle(data)
	require.ErrorAs(t, err, &de)

	moved := append([]types.Log(nil), logs...)
	moved[0].BlockHash = common.HexToHash("0x02")
	data, err = newBlockData(block, receipts, moved)
	require.NoError(t, err)
	_, err = decodeBundle(data)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "log", de.Entity)
}

func TestDecodeKeepsLogOfMalformedTransfer(t *testing.T) {
	f := newFakeChain(t, 3)
	data := fetchedData(t, f, 3)
	data.logs[0].Data = []byte{1}

	bundle, err := decodeBundle(data)
	require.NoError(t, err)
	assert.Len(t, bundle.Logs, 1)
	assert.Empty(t, bundle.TokenTransfers)
}

func TestDecodeContractStripsNulBytes(t *testing.T) {
	source := strings.Repeat("contract Token {}\n", 500) + "\x00// trailer"
	details := &contractDetails{
		kind: blockscout.ContractTypeERC20,
		info: &blockscout.ContractInfo{
			Name:                 "Tok\x00en",
			ABI:                  `[{"type":"function","name":"a\u0000b"}]` + "\x00",
			SourceCode:           source,
			ConstructorArguments: "0x00\x00ff",
			CompilerVersion:      "v0.8.24\x00",
			FileName:             "Token.sol\xff",
		},
	}

	row := decodeContract(common.HexToAddress("0xc0"), details, common.HexToHash("0x70"), common.HexToAddress("0xa0"), 7)

	for field, value := range map[string]string{
		"ABI":                  row.ABI,
		"SourceCode":           row.SourceCode,
		"ConstructorArguments": row.ConstructorArguments,
		"CompilerVersion":      row.CompilerVersion,
		"ContractName":         row.ContractName,
	} {
		assert.NotContains(t, value, "\x00", field)
	}
	assert.Equal(t, "Token", row.ContractName)
	assert.Equal(t, len(source)-1, len(row.SourceCode))
	assert.True(t, strings.HasSuffix(row.SourceCode, "// trailer"))
	assert.Equal(t, "0x00ff", row.ConstructorArguments)
	assert.Equal(t, "v0.8.24", row.CompilerVersion)
	assert.Equal(t, "Token.sol", row.FileName)
}
