package indexer

import (
	"eth-indexer/database"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	StandardERC20   = "ERC20"
	StandardERC721  = "ERC721"
	StandardERC1155 = "ERC1155"
)

var (
	TransferEventSignature       = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TransferSingleEventSignature = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))

	uint256Type, _ = abi.NewType("uint256", "", nil)
	amountArgs     = abi.Arguments{{Type: uint256Type}}
	idValueArgs    = abi.Arguments{{Type: uint256Type}, {Type: uint256Type}}
)

// decodeTokenTransfer derives a token transfer from a log. It returns nil
// and no error for logs that are not transfers at all, and a DecodeError for
// transfer logs whose shape matches no supported standard.
func decodeTokenTransfer(log *types.Log) (*database.TokenTransfer, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	var (
		from, to common.Address
		amount   *big.Int
		tokenID  *big.Int
		standard string
	)

	switch log.Topics[0] {
	case TransferEventSignature:
		switch {
		case len(log.Topics) == 3 && len(log.Data) == 32:
			values, err := amountArgs.Unpack(log.Data)
			if err != nil {
				return nil, transferDecodeError(log, "unpack amount: %v", err)
			}
			amount = values[0].(*big.Int)
			standard = StandardERC20
		case len(log.Topics) == 4 && len(log.Data) == 0:
			tokenID = log.Topics[3].Big()
			amount = big.NewInt(1)
			standard = StandardERC721
		default:
			return nil, transferDecodeError(log, "unsupported shape: %d topics, %d data bytes", len(log.Topics), len(log.Data))
		}
		from = common.BytesToAddress(log.Topics[1].Bytes())
		to = common.BytesToAddress(log.Topics[2].Bytes())

	case TransferSingleEventSignature:
		if len(log.Topics) != 4 || len(log.Data) != 64 {
			return nil, transferDecodeError(log, "unsupported shape: %d topics, %d data bytes", len(log.Topics), len(log.Data))
		}
		values, err := idValueArgs.Unpack(log.Data)
		if err != nil {
			return nil, transferDecodeError(log, "unpack id and value: %v", err)
		}
		tokenID = values[0].(*big.Int)
		amount = values[1].(*big.Int)
		from = common.BytesToAddress(log.Topics[2].Bytes())
		to = common.BytesToAddress(log.Topics[3].Bytes())
		standard = StandardERC1155

	default:
		return nil, nil
	}

	transfer := &database.TokenTransfer{
		TransactionHash: log.TxHash.Hex(),
		BlockHash:       log.BlockHash.Hex(),
		LogIndex:        uint64(log.Index),
		BlockNumber:     log.BlockNumber,
		ContractAddress: hexAddress(log.Address),
		From:            hexAddress(from),
		To:              hexAddress(to),
		Amount:          decimal.NewFromBigInt(amount, 0),
		Standard:        standard,
	}
	if tokenID != nil {
		id := decimal.NewFromBigInt(tokenID, 0)
		transfer.TokenID = &id
	}

	return transfer, nil
}

func transferDecodeError(log *types.Log, format string, args ...interface{}) *DecodeError {
	return decodeErrorf("token transfer", logRef(log), format, args...)
}

func logRef(log *types.Log) string {
	return fmt.Sprintf("%s#%d", log.TxHash.Hex(), log.Index)
}

func hexAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}
