package testing

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// Fixture is a recorded chain: the raw JSON-RPC results the indexer asks for.
type Fixture struct {
	ChainID  string                     `json:"chainId"`
	Blocks   map[uint64]json.RawMessage `json:"blocks"`
	Receipts map[string]json.RawMessage `json:"receipts"` // by block hash
	Logs     map[string]json.RawMessage `json:"logs"`     // by block hash
	Balances map[string]string          `json:"balances"` // by address
	Nonces   map[string]string          `json:"nonces"`
	Code     map[string]string          `json:"code"`
	Calls    map[string]string          `json:"calls"` // by address + ":" + call data
}

func NewFixture() *Fixture {
	return &Fixture{
		ChainID:  "0x1",
		Blocks:   make(map[uint64]json.RawMessage),
		Receipts: make(map[string]json.RawMessage),
		Logs:     make(map[string]json.RawMessage),
		Balances: make(map[string]string),
		Nonces:   make(map[string]string),
		Code:     make(map[string]string),
		Calls:    make(map[string]string),
	}
}

func LoadFixture(fileName string) (*Fixture, error) {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrap(err, "read fixture")
	}
	fixture := NewFixture()
	if err := json.Unmarshal(content, fixture); err != nil {
		return nil, errors.Wrap(err, "parse fixture")
	}
	return fixture, nil
}

func (f *Fixture) Save(fileName string) error {
	content, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, content, 0644)
}

func (f *Fixture) Head() uint64 {
	var head uint64
	for n := range f.Blocks {
		head = max(head, n)
	}
	return head
}

func callKey(to, data string) string {
	return strings.ToLower(to) + ":" + strings.ToLower(data)
}

// FixtureFromBuilder encodes a generated chain the way a node would return it.
func FixtureFromBuilder(b *ChainBuilder) (*Fixture, error) {
	f := NewFixture()
	f.ChainID = hexutil.EncodeBig(b.ChainID)

	for n := uint64(0); n <= b.Head; n++ {
		block, ok := b.Blocks[n]
		if !ok {
			continue
		}
		if err := f.AddBlock(block, b.Receipts[block.Hash()], b.Logs[block.Hash()]); err != nil {
			return nil, err
		}
	}

	code := hexutil.Encode(b.Code(b.Token, b.Head))
	f.Code[strings.ToLower(b.Token.Hex())] = code
	f.Nonces[strings.ToLower(b.Sender.Hex())] = hexutil.EncodeUint64(b.Head)
	f.Balances[strings.ToLower(b.Sender.Hex())] = "0xde0b6b3a7640000"

	calls, err := b.TokenCalls()
	if err != nil {
		return nil, err
	}
	for data, out := range calls {
		f.Calls[callKey(b.Token.Hex(), data)] = hexutil.Encode(out)
	}
	return f, nil
}

// AddBlock stores the block with full transactions, its receipts and logs.
func (f *Fixture) AddBlock(block *types.Block, receipts []*types.Receipt, logs []types.Log) error {
	hash := block.Hash()
	number := hexutil.EncodeUint64(block.NumberU64())

	raw, err := json.Marshal(block.Header())
	if err != nil {
		return err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	txs := make([]map[string]interface{}, 0, len(block.Transactions()))
	for i, tx := range block.Transactions() {
		txFields, err := toFields(tx)
		if err != nil {
			return err
		}
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil {
			return errors.Wrapf(err, "sender of %s", tx.Hash().Hex())
		}
		txFields["from"] = from
		txFields["blockHash"] = hash
		txFields["blockNumber"] = number
		txFields["transactionIndex"] = hexutil.EncodeUint64(uint64(i))
		txs = append(txs, txFields)
	}

	fields["hash"] = hash
	fields["transactions"] = txs
	fields["uncles"] = []common.Hash{}
	fields["size"] = hexutil.EncodeUint64(block.Size())

	if f.Blocks[block.NumberU64()], err = json.Marshal(fields); err != nil {
		return err
	}
	if receipts == nil {
		receipts = []*types.Receipt{}
	}
	if f.Receipts[hash.Hex()], err = json.Marshal(receipts); err != nil {
		return err
	}
	if logs == nil {
		logs = []types.Log{}
	}
	if f.Logs[hash.Hex()], err = json.Marshal(logs); err != nil {
		return err
	}
	return nil
}

func toFields(v json.Marshaler) (map[string]interface{}, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	err = json.Unmarshal(raw, &fields)
	return fields, err
}
