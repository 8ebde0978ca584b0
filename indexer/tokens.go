package indexer

import (
	"bytes"
	"context"
	"eth-indexer/blockscout"
	"eth-indexer/database"
	"eth-indexer/logger"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const tokenMetadataABI = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	tokenMetadata = mustParseABI(tokenMetadataABI)

	erc20Selectors   = selectors("totalSupply()", "balanceOf(address)", "transfer(address,uint256)")
	erc721Selectors  = selectors("ownerOf(uint256)", "safeTransferFrom(address,address,uint256)")
	erc1155Selectors = selectors("balanceOfBatch(address[],uint256[])", "safeBatchTransferFrom(address,address,uint256[],uint256[],bytes)")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

func selectors(signatures ...string) [][]byte {
	out := make([][]byte, len(signatures))
	for i, sig := range signatures {
		out[i] = crypto.Keccak256([]byte(sig))[:4]
	}
	return out
}

// detectFromBytecode looks for the function dispatch of each standard in the
// deployed code. Solidity compares the call selector against a PUSH4 constant
// for every external function.
func detectFromBytecode(code []byte) blockscout.ContractType {
	if len(code) == 0 {
		return blockscout.ContractTypeUnknown
	}

	switch {
	case pushesAll(code, erc1155Selectors):
		return blockscout.ContractTypeERC1155
	case pushesAll(code, erc721Selectors):
		return blockscout.ContractTypeERC721
	case pushesAll(code, erc20Selectors):
		return blockscout.ContractTypeERC20
	default:
		return blockscout.ContractTypeUnknown
	}
}

func pushesAll(code []byte, sels [][]byte) bool {
	for _, sel := range sels {
		if !bytes.Contains(code, append([]byte{byte(vm.PUSH4)}, sel...)) {
			return false
		}
	}
	return true
}

// contractType prefers the verified ABI over the bytecode heuristic.
func contractType(info *blockscout.ContractInfo, code []byte) blockscout.ContractType {
	if info != nil {
		if t := blockscout.DetectContractType(info.ABI); t.IsToken() {
			return t
		}
		if info.ContractType.IsToken() {
			return info.ContractType
		}
	}
	return detectFromBytecode(code)
}

// readTokenMetadata calls the optional metadata getters of a token at the
// given block. Getters that revert or are missing are left empty.
func readTokenMetadata(ctx context.Context, source Source, address common.Address, number uint64, kind blockscout.ContractType) *database.Token {
	token := &database.Token{
		Address:                   hexAddress(address),
		Type:                      string(kind),
		TotalSupplyUpdatedAtBlock: number,
	}

	if v, ok := callGetter(ctx, source, address, number, "name"); ok {
		token.Name = sanitizeString(v.(string), 256)
	}
	if v, ok := callGetter(ctx, source, address, number, "symbol"); ok {
		token.Symbol = sanitizeString(v.(string), 64)
	}
	if kind == blockscout.ContractTypeERC20 {
		if v, ok := callGetter(ctx, source, address, number, "decimals"); ok {
			d := v.(uint8)
			token.Decimals = &d
		}
	}
	if v, ok := callGetter(ctx, source, address, number, "totalSupply"); ok {
		supply := decimal.NewFromBigInt(v.(*big.Int), 0)
		token.TotalSupply = &supply
	}

	return token
}

func callGetter(ctx context.Context, source Source, address common.Address, number uint64, method string) (interface{}, bool) {
	data, err := tokenMetadata.Pack(method)
	if err != nil {
		return nil, false
	}

	out, err := source.CallContract(ctx, ethereum.CallMsg{To: &address, Data: data}, number)
	if err != nil {
		logger.Debug("Token %s: %s() failed: %s", address.Hex(), method, err)
		return nil, false
	}
	if len(out) == 0 {
		return nil, false
	}

	values, err := tokenMetadata.Unpack(method, out)
	if err != nil || len(values) != 1 {
		logger.Debug("Token %s: cannot unpack %s(): %v", address.Hex(), method, err)
		return nil, false
	}
	return values[0], true
}

// sanitizeText drops NUL bytes, which postgres text columns reject, and
// invalid UTF-8.
func sanitizeText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "")
}

// sanitizeString is sanitizeText truncated to the column size.
func sanitizeString(s string, limit int) string {
	s = sanitizeText(s)
	if len(s) > limit {
		s = strings.ToValidUTF8(s[:limit], "")
	}
	return s
}
