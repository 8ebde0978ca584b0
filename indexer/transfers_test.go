package indexer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	transferToken = common.HexToAddress("0x1111111111111111111111111111111111111111")
	transferFrom  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	transferTo    = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func word(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func transferLog(topics []common.Hash, data []byte) *types.Log {
	return &types.Log{
		Address:     transferToken,
		Topics:      topics,
		Data:        data,
		BlockNumber: 7,
		TxHash:      common.HexToHash("0xabc"),
		BlockHash:   common.HexToHash("0xdef"),
		Index:       4,
	}
}

func TestDecodeTokenTransfer(t *testing.T) {
	from := common.BytesToHash(transferFrom.Bytes())
	to := common.BytesToHash(transferTo.Bytes())
	operator := common.BytesToHash(common.HexToAddress("0x4444444444444444444444444444444444444444").Bytes())

	tests := []struct {
		name     string
		log      *types.Log
		standard string
		amount   int64
		tokenID  *int64
	}{
		{
			name:     "erc20",
			log:      transferLog([]common.Hash{TransferEventSignature, from, to}, word(1500)),
			standard: StandardERC20,
			amount:   1500,
		},
		{
			name:     "erc721",
			log:      transferLog([]common.Hash{TransferEventSignature, from, to, common.BigToHash(big.NewInt(42))}, nil),
			standard: StandardERC721,
			amount:   1,
			tokenID:  ptr(int64(42)),
		},
		{
			name:     "erc1155 single",
			log:      transferLog([]common.Hash{TransferSingleEventSignature, operator, from, to}, append(word(9), word(250)...)),
			standard: StandardERC1155,
			amount:   250,
			tokenID:  ptr(int64(9)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transfer, err := decodeTokenTransfer(tt.log)
			require.NoError(t, err)
			require.NotNil(t, transfer)

			assert.Equal(t, tt.standard, transfer.Standard)
			assert.Equal(t, hexAddress(transferToken), transfer.ContractAddress)
			assert.Equal(t, hexAddress(transferFrom), transfer.From)
			assert.Equal(t, hexAddress(transferTo), transfer.To)
			assert.Equal(t, tt.amount, transfer.Amount.IntPart())
			assert.Equal(t, uint64(4), transfer.LogIndex)
			if tt.tokenID == nil {
				assert.Nil(t, transfer.TokenID)
			} else {
				require.NotNil(t, transfer.TokenID)
				assert.Equal(t, *tt.tokenID, transfer.TokenID.IntPart())
			}
		})
	}
}

func TestDecodeTokenTransferRejectsUnknownShapes(t *testing.T) {
	from := common.BytesToHash(transferFrom.Bytes())
	to := common.BytesToHash(transferTo.Bytes())

	logs := map[string]*types.Log{
		"transfer without recipient":  transferLog([]common.Hash{TransferEventSignature, from}, word(1)),
		"erc20 with short data":       transferLog([]common.Hash{TransferEventSignature, from, to}, []byte{1, 2}),
		"erc721 with data":            transferLog([]common.Hash{TransferEventSignature, from, to, from}, word(1)),
		"erc1155 with missing values": transferLog([]common.Hash{TransferSingleEventSignature, from, from, to}, word(1)),
	}

	for name, log := range logs {
		t.Run(name, func(t *testing.T) {
			transfer, err := decodeTokenTransfer(log)
			assert.Nil(t, transfer)

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "token transfer", de.Entity)
		})
	}
}

func TestDecodeTokenTransferIgnoresOtherEvents(t *testing.T) {
	for _, log := range []*types.Log{
		transferLog(nil, nil),
		transferLog([]common.Hash{common.HexToHash("0x1234")}, word(1)),
	} {
		transfer, err := decodeTokenTransfer(log)
		assert.NoError(t, err)
		assert.Nil(t, transfer)
	}
}

func ptr[T any](v T) *T {
	return &v
}
