package testing

import (
	"context"
	"encoding/json"
	"eth-indexer/logger"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// getters are the token metadata calls recorded for every created contract:
// name(), symbol(), decimals() and totalSupply().
var getters = []string{"0x06fdde03", "0x95d89b41", "0x313ce567", "0x18160ddd"}

type recordedBlock struct {
	Hash         common.Hash `json:"hash"`
	Transactions []struct {
		From common.Address  `json:"from"`
		To   *common.Address `json:"to"`
	} `json:"transactions"`
}

type recordedReceipt struct {
	ContractAddress *common.Address `json:"contractAddress"`
}

// RecordFixture copies blocks from..to of a live node, with receipts, logs and
// the state of every address they touch, into a Fixture.
func RecordFixture(ctx context.Context, url string, from, to uint64) (*Fixture, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "rpc.DialContext")
	}
	defer client.Close()

	f := NewFixture()
	var chainID string
	if err := client.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
		return nil, errors.Wrap(err, "eth_chainId")
	}
	f.ChainID = chainID

	addresses := make(map[common.Address]bool)
	var contracts []common.Address

	for n := from; n <= to; n++ {
		var raw json.RawMessage
		if err := client.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(n), true); err != nil {
			return nil, errors.Wrapf(err, "block %d", n)
		}
		var block *recordedBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, errors.Wrapf(err, "block %d", n)
		}
		if block == nil {
			return nil, errors.Errorf("block %d not found", n)
		}
		f.Blocks[n] = raw
		hash := strings.ToLower(block.Hash.Hex())

		for _, tx := range block.Transactions {
			addresses[tx.From] = true
			if tx.To != nil {
				addresses[*tx.To] = true
			}
		}

		var receipts json.RawMessage
		if err := client.CallContext(ctx, &receipts, "eth_getBlockReceipts", hash); err != nil {
			return nil, errors.Wrapf(err, "receipts of block %d", n)
		}
		f.Receipts[hash] = receipts

		var parsed []recordedReceipt
		if err := json.Unmarshal(receipts, &parsed); err != nil {
			return nil, errors.Wrapf(err, "receipts of block %d", n)
		}
		for _, r := range parsed {
			if r.ContractAddress != nil && *r.ContractAddress != (common.Address{}) {
				addresses[*r.ContractAddress] = true
				contracts = append(contracts, *r.ContractAddress)
			}
		}

		var logs json.RawMessage
		if err := client.CallContext(ctx, &logs, "eth_getLogs", map[string]interface{}{"blockHash": hash}); err != nil {
			return nil, errors.Wrapf(err, "logs of block %d", n)
		}
		f.Logs[hash] = logs
	}

	at := hexutil.EncodeUint64(to)
	for address := range addresses {
		key := strings.ToLower(address.Hex())
		var balance, nonce, code string
		if err := client.CallContext(ctx, &balance, "eth_getBalance", address, at); err != nil {
			return nil, errors.Wrapf(err, "balance of %s", address.Hex())
		}
		if err := client.CallContext(ctx, &nonce, "eth_getTransactionCount", address, at); err != nil {
			return nil, errors.Wrapf(err, "nonce of %s", address.Hex())
		}
		if err := client.CallContext(ctx, &code, "eth_getCode", address, at); err != nil {
			return nil, errors.Wrapf(err, "code of %s", address.Hex())
		}
		f.Balances[key], f.Nonces[key], f.Code[key] = balance, nonce, code
	}

	for _, contract := range contracts {
		for _, data := range getters {
			var out string
			call := map[string]interface{}{"to": contract, "input": data}
			if err := client.CallContext(ctx, &out, "eth_call", call, at); err != nil {
				logger.Debug("Getter %s of %s not recorded: %s", data, contract.Hex(), err)
				continue
			}
			f.Calls[callKey(contract.Hex(), data)] = out
		}
	}

	logger.Info("Recorded blocks %d-%d with %d addresses", from, to, len(addresses))
	return f, nil
}
