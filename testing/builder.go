package testing

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/pkg/errors"
)

const builderKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

const tokenABI = `[
	{"type":"function","name":"name","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"totalSupply","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	Recipient     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	Miner         = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

// ChainBuilder generates a deterministic chain. Block 1 deploys an ERC-20
// token and every later block holds one token transfer to Recipient.
type ChainBuilder struct {
	ChainID *big.Int
	Sender  common.Address
	Token   common.Address

	Blocks   map[uint64]*types.Block
	Receipts map[common.Hash][]*types.Receipt
	Logs     map[common.Hash][]types.Log
	Head     uint64

	key  *ecdsa.PrivateKey
	code []byte
}

func NewChainBuilder() *ChainBuilder {
	key, err := crypto.HexToECDSA(builderKey)
	if err != nil {
		panic(err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)

	return &ChainBuilder{
		ChainID:  big.NewInt(1337),
		Sender:   sender,
		Token:    crypto.CreateAddress(sender, 0),
		Blocks:   make(map[uint64]*types.Block),
		Receipts: make(map[common.Hash][]*types.Receipt),
		Logs:     make(map[common.Hash][]types.Log),
		key:      key,
		code:     tokenCode(),
	}
}

// tokenCode is the dispatch fragment of the ERC-20 functions. It is enough
// for selector based contract detection.
func tokenCode() []byte {
	code := []byte{byte(vm.PUSH1), 0x80, byte(vm.PUSH1), 0x40, byte(vm.MSTORE)}
	for _, sig := range []string{"totalSupply()", "balanceOf(address)", "transfer(address,uint256)"} {
		code = append(code, byte(vm.DUP1), byte(vm.PUSH4))
		code = append(code, crypto.Keccak256([]byte(sig))[:4]...)
		code = append(code, byte(vm.EQ))
	}
	return code
}

// Code is the deployed code of the token, valid from block 1.
func (b *ChainBuilder) Code(address common.Address, number uint64) []byte {
	if address == b.Token && number >= 1 {
		return b.code
	}
	return nil
}

// TokenCalls maps the hex encoded call data of the token getters to their
// results.
func (b *ChainBuilder) TokenCalls() (map[string][]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, err
	}

	values := map[string]interface{}{
		"name":        "Test Token",
		"symbol":      "TST",
		"decimals":    uint8(18),
		"totalSupply": big.NewInt(1_000_000),
	}
	calls := make(map[string][]byte, len(values))
	for name, value := range values {
		out, err := parsed.Methods[name].Outputs.Pack(value)
		if err != nil {
			return nil, errors.Wrapf(err, "pack %s", name)
		}
		calls[hexutil.Encode(parsed.Methods[name].ID)] = out
	}
	return calls, nil
}

// Build (re)creates blocks from..to on top of block from-1. A non-zero salt
// produces a different branch.
func (b *ChainBuilder) Build(from, to uint64, salt byte) error {
	signer := types.LatestSignerForChainID(b.ChainID)

	for n := from; n <= to; n++ {
		header := &types.Header{
			Number:     new(big.Int).SetUint64(n),
			Difficulty: big.NewInt(1),
			GasLimit:   30_000_000,
			Time:       1_700_000_000 + n*2,
			Extra:      []byte{salt},
			BaseFee:    big.NewInt(params.GWei),
			Coinbase:   Miner,
		}
		if n > 0 {
			parent, ok := b.Blocks[n-1]
			if !ok {
				return errors.Errorf("block %d has no parent", n)
			}
			header.ParentHash = parent.Hash()
		}

		var (
			txs      []*types.Transaction
			receipts []*types.Receipt
		)
		if n > 0 {
			tx, receipt, err := b.transaction(signer, n)
			if err != nil {
				return err
			}
			txs = append(txs, tx)
			receipts = append(receipts, receipt)
			header.GasUsed = receipt.CumulativeGasUsed
		}

		block := types.NewBlock(header, &types.Body{Transactions: txs}, receipts, trie.NewStackTrie(nil))
		hash := block.Hash()

		logs := []types.Log{}
		for i, receipt := range receipts {
			receipt.BlockHash = hash
			receipt.BlockNumber = block.Number()
			receipt.TransactionIndex = uint(i)
			for _, log := range receipt.Logs {
				log.BlockHash = hash
				log.BlockNumber = n
				log.TxHash = receipt.TxHash
				log.TxIndex = uint(i)
				log.Index = uint(len(logs))
				logs = append(logs, *log)
			}
		}

		b.Blocks[n] = block
		b.Receipts[hash] = receipts
		b.Logs[hash] = logs
		b.Head = max(b.Head, n)
	}
	return nil
}

func (b *ChainBuilder) transaction(signer types.Signer, n uint64) (*types.Transaction, *types.Receipt, error) {
	inner := &types.DynamicFeeTx{
		ChainID:   b.ChainID,
		Nonce:     n - 1,
		GasTipCap: big.NewInt(params.GWei),
		GasFeeCap: big.NewInt(2 * params.GWei),
		Gas:       60_000,
	}
	receipt := &types.Receipt{
		Type:              types.DynamicFeeTxType,
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           51_000,
		CumulativeGasUsed: 51_000,
		EffectiveGasPrice: big.NewInt(2 * params.GWei),
		Logs:              []*types.Log{},
	}

	if n == 1 {
		inner.Gas = 500_000
		inner.Data = b.code
		receipt.GasUsed = 400_000
		receipt.CumulativeGasUsed = 400_000
		receipt.ContractAddress = b.Token
	} else {
		to := b.Token
		inner.To = &to
		inner.Data = transferCall(Recipient, n*100)
		receipt.Logs = append(receipt.Logs, &types.Log{
			Address: b.Token,
			Topics: []common.Hash{
				TransferTopic,
				common.BytesToHash(b.Sender.Bytes()),
				common.BytesToHash(Recipient.Bytes()),
			},
			Data: common.LeftPadBytes(new(big.Int).SetUint64(n*100).Bytes(), 32),
		})
	}

	tx, err := types.SignTx(types.NewTx(inner), signer, b.key)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "sign transaction of block %d", n)
	}
	receipt.TxHash = tx.Hash()
	return tx, receipt, nil
}

func transferCall(to common.Address, amount uint64) []byte {
	data := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	return append(data, common.LeftPadBytes(new(big.Int).SetUint64(amount).Bytes(), 32)...)
}
