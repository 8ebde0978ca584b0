package indexer

import (
	"eth-indexer/blockscout"
	"eth-indexer/chain"
	"eth-indexer/database"
	"eth-indexer/logger"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// blockData is everything fetched for one block, before decoding.
type blockData struct {
	block     *types.Block
	senders   []common.Address
	receipts  []*types.Receipt
	logs      []types.Log
	accounts  map[common.Address]*chain.AccountState
	contracts map[common.Address]*contractDetails
}

type contractDetails struct {
	code  []byte
	info  *blockscout.ContractInfo
	kind  blockscout.ContractType
	token *database.Token
}

func newBlockData(block *types.Block, receipts []*types.Receipt, logs []types.Log) (*blockData, error) {
	ref := block.Hash().Hex()
	txs := block.Transactions()

	if len(receipts) != len(txs) {
		return nil, decodeErrorf("block", ref, "%d receipts for %d transactions", len(receipts), len(txs))
	}

	senders := make([]common.Address, len(txs))
	for i, tx := range txs {
		if receipts[i] == nil || receipts[i].TxHash != tx.Hash() {
			return nil, decodeErrorf("receipt", tx.Hash().Hex(), "receipt %d does not belong to the transaction", i)
		}
		sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil {
			return nil, decodeErrorf("transaction", tx.Hash().Hex(), "recover sender: %v", err)
		}
		senders[i] = sender
	}

	return &blockData{
		block:     block,
		senders:   senders,
		receipts:  receipts,
		logs:      logs,
		accounts:  make(map[common.Address]*chain.AccountState),
		contracts: make(map[common.Address]*contractDetails),
	}, nil
}

// touchedAddresses lists senders, recipients and created contracts of the
// block, each once, in order of first appearance.
func (d *blockData) touchedAddresses() []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	add := func(a common.Address) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}

	for i, tx := range d.block.Transactions() {
		add(d.senders[i])
		if tx.To() != nil {
			add(*tx.To())
		}
		if created, ok := d.createdContract(i); ok {
			add(created)
		}
	}
	return out
}

// createdContract returns the address deployed by transaction i, if any.
func (d *blockData) createdContract(i int) (common.Address, bool) {
	tx := d.block.Transactions()[i]
	receipt := d.receipts[i]
	if tx.To() != nil || receipt.Status != types.ReceiptStatusSuccessful || receipt.ContractAddress == (common.Address{}) {
		return common.Address{}, false
	}
	return receipt.ContractAddress, true
}

func (d *blockData) createdContracts() []common.Address {
	var out []common.Address
	for i := range d.block.Transactions() {
		if a, ok := d.createdContract(i); ok {
			out = append(out, a)
		}
	}
	return out
}

// decodeBundle turns the raw block into table rows. It does no I/O.
func decodeBundle(d *blockData) (*database.Bundle, error) {
	block := d.block
	blockHash := block.Hash()
	number := block.NumberU64()
	txs := block.Transactions()

	bundle := &database.Bundle{Block: decodeBlock(block)}

	txIndex := make(map[common.Hash]int, len(txs))
	expectedLogs := 0
	for i, tx := range txs {
		txIndex[tx.Hash()] = i
		bundle.Transactions = append(bundle.Transactions, decodeTransaction(tx, d.senders[i], blockHash, number, uint64(i)))
		bundle.Receipts = append(bundle.Receipts, decodeReceipt(d.receipts[i], tx, d.senders[i], blockHash, number, uint64(i)))
		expectedLogs += len(d.receipts[i].Logs)
	}

	if len(d.logs) != expectedLogs {
		return nil, decodeErrorf("block", blockHash.Hex(), "%d logs, receipts list %d", len(d.logs), expectedLogs)
	}

	for i := range d.logs {
		log := &d.logs[i]
		if log.BlockHash != blockHash {
			return nil, decodeErrorf("log", logRef(log), "block hash %s, expected %s", log.BlockHash.Hex(), blockHash.Hex())
		}
		if _, ok := txIndex[log.TxHash]; !ok {
			return nil, decodeErrorf("log", logRef(log), "transaction is not in block %d", number)
		}
		bundle.Logs = append(bundle.Logs, decodeLog(log, number))

		transfer, err := decodeTokenTransfer(log)
		if err != nil {
			// Only the transfer is dropped, the log itself is kept.
			logger.Debug("Skipping token transfer: %s", err)
			continue
		}
		if transfer != nil {
			transfer.BlockNumber = number
			bundle.TokenTransfers = append(bundle.TokenTransfers, transfer)
		}
	}

	for _, address := range d.touchedAddresses() {
		state, ok := d.accounts[address]
		if !ok {
			continue
		}
		bundle.Addresses = append(bundle.Addresses, decodeAddress(address, state, number))
	}

	for i, tx := range txs {
		address, ok := d.createdContract(i)
		if !ok {
			continue
		}
		details := d.contracts[address]
		if details == nil {
			details = &contractDetails{}
		}
		bundle.Contracts = append(bundle.Contracts, decodeContract(address, details, tx.Hash(), d.senders[i], number))
		if details.token != nil {
			bundle.Tokens = append(bundle.Tokens, details.token)
		}
	}

	return bundle, nil
}

func decodeBlock(block *types.Block) *database.Block {
	h := block.Header()
	return &database.Block{
		Number:            block.NumberU64(),
		Hash:              block.Hash().Hex(),
		ParentHash:        h.ParentHash.Hex(),
		Nonce:             hexutil.Encode(h.Nonce[:]),
		Sha3Uncles:        h.UncleHash.Hex(),
		LogsBloom:         hexutil.Encode(h.Bloom[:]),
		TransactionsRoot:  h.TxHash.Hex(),
		StateRoot:         h.Root.Hex(),
		ReceiptsRoot:      h.ReceiptHash.Hex(),
		Miner:             hexAddress(h.Coinbase),
		Difficulty:        toDecimal(h.Difficulty),
		Size:              block.Size(),
		ExtraData:         hexutil.Encode(h.Extra),
		GasLimit:          decimal.NewFromBigInt(new(big.Int).SetUint64(h.GasLimit), 0),
		GasUsed:           decimal.NewFromBigInt(new(big.Int).SetUint64(h.GasUsed), 0),
		BaseFeePerGas:     toDecimalPtr(h.BaseFee),
		Timestamp:         h.Time,
		TransactionsCount: len(block.Transactions()),
		UnclesCount:       len(block.Uncles()),
	}
}

func decodeTransaction(tx *types.Transaction, from common.Address, blockHash common.Hash, number, index uint64) *database.Transaction {
	v, r, s := tx.RawSignatureValues()
	row := &database.Transaction{
		Hash:             tx.Hash().Hex(),
		BlockNumber:      number,
		BlockHash:        blockHash.Hex(),
		TransactionIndex: index,
		From:             hexAddress(from),
		To:               optAddress(tx.To()),
		Value:            toDecimal(tx.Value()),
		Gas:              decimal.NewFromBigInt(new(big.Int).SetUint64(tx.Gas()), 0),
		Nonce:            tx.Nonce(),
		Input:            hexutil.Encode(tx.Data()),
		Type:             tx.Type(),
		ChainID:          toDecimalPtr(tx.ChainId()),
		V:                hexutil.EncodeBig(v),
		R:                hexutil.EncodeBig(r),
		S:                hexutil.EncodeBig(s),
	}

	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		row.GasPrice = toDecimalPtr(tx.GasPrice())
	default:
		row.MaxFeePerGas = toDecimalPtr(tx.GasFeeCap())
		row.MaxPriorityFeePerGas = toDecimalPtr(tx.GasTipCap())
	}

	return row
}

func decodeReceipt(receipt *types.Receipt, tx *types.Transaction, from common.Address, blockHash common.Hash, number, index uint64) *database.TransactionReceipt {
	row := &database.TransactionReceipt{
		TransactionHash:   receipt.TxHash.Hex(),
		BlockNumber:       number,
		BlockHash:         blockHash.Hex(),
		TransactionIndex:  index,
		From:              hexAddress(from),
		To:                optAddress(tx.To()),
		CumulativeGasUsed: decimal.NewFromBigInt(new(big.Int).SetUint64(receipt.CumulativeGasUsed), 0),
		GasUsed:           decimal.NewFromBigInt(new(big.Int).SetUint64(receipt.GasUsed), 0),
		EffectiveGasPrice: toDecimalPtr(receipt.EffectiveGasPrice),
		LogsBloom:         hexutil.Encode(receipt.Bloom[:]),
		LogsCount:         len(receipt.Logs),
		Status:            receipt.Status,
		Type:              receipt.Type,
	}
	if tx.To() == nil && receipt.ContractAddress != (common.Address{}) {
		row.ContractAddress = optAddress(&receipt.ContractAddress)
	}
	return row
}

func decodeLog(log *types.Log, number uint64) *database.Log {
	row := &database.Log{
		TransactionHash: log.TxHash.Hex(),
		BlockHash:       log.BlockHash.Hex(),
		LogIndex:        uint64(log.Index),
		BlockNumber:     number,
		Address:         hexAddress(log.Address),
		Data:            hexutil.Encode(log.Data),
		Removed:         log.Removed,
	}

	topics := []*string{&row.Topic0, &row.Topic1, &row.Topic2, &row.Topic3}
	for i, topic := range log.Topics {
		if i == len(topics) {
			break
		}
		*topics[i] = topic.Hex()
	}
	return row
}

func decodeAddress(address common.Address, state *chain.AccountState, number uint64) *database.Address {
	row := &database.Address{
		Address:          hexAddress(address),
		Balance:          toDecimal(state.Balance),
		Nonce:            state.Nonce,
		TransactionCount: state.Nonce,
		IsContract:       len(state.Code) > 0,
		BlockNumber:      number,
	}
	if row.IsContract {
		row.ContractCode = hexutil.Encode(state.Code)
	}
	return row
}

func decodeContract(address common.Address, details *contractDetails, txHash common.Hash, creator common.Address, number uint64) *database.Contract {
	row := &database.Contract{
		Address:         hexAddress(address),
		BlockNumber:     number,
		TransactionHash: txHash.Hex(),
		CreatorAddress:  hexAddress(creator),
		ContractType:    string(details.kind),
	}
	if len(details.code) > 0 {
		row.Bytecode = hexutil.Encode(details.code)
	}
	if info := details.info; info != nil {
		row.ContractName = sanitizeString(info.Name, 256)
		row.ABI = sanitizeText(info.ABI)
		row.SourceCode = sanitizeText(info.SourceCode)
		row.CompilerVersion = sanitizeText(info.CompilerVersion)
		row.EVMVersion = sanitizeText(info.EVMVersion)
		row.OptimizationUsed = info.OptimizationUsed
		row.IsProxy = info.IsProxy
		row.ConstructorArguments = sanitizeText(info.ConstructorArguments)
		row.FileName = sanitizeText(info.FileName)
	}
	return row
}

func toDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func toDecimalPtr(v *big.Int) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromBigInt(v, 0)
	return &d
}

func optAddress(a *common.Address) *string {
	if a == nil {
		return nil
	}
	s := hexAddress(*a)
	return &s
}

// sortedNumbers returns the distinct numbers in ascending order.
func sortedNumbers(numbers ...[]uint64) []uint64 {
	var out []uint64
	for _, n := range numbers {
		out = append(out, n...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
