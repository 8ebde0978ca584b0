package blockscout

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type ContractType string

const (
	ContractTypeUnknown ContractType = ""
	ContractTypeERC20   ContractType = "ERC20"
	ContractTypeERC721  ContractType = "ERC721"
	ContractTypeERC1155 ContractType = "ERC1155"
)

func (t ContractType) IsToken() bool {
	return t != ContractTypeUnknown
}

var (
	erc20Methods   = []string{"totalSupply", "balanceOf", "transfer"}
	erc721Methods  = []string{"ownerOf", "balanceOf", "safeTransferFrom"}
	erc1155Methods = []string{"balanceOfBatch", "safeBatchTransferFrom"}
)

// DetectContractType classifies a contract by the functions and events its
// ABI declares. ERC-1155 and ERC-721 are checked first since both also carry
// a balanceOf function.
func DetectContractType(abiJSON string) ContractType {
	if abiJSON == "" {
		return ContractTypeUnknown
	}

	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return ContractTypeUnknown
	}

	switch {
	case hasMethods(parsed, erc1155Methods):
		return ContractTypeERC1155
	case hasMethods(parsed, erc721Methods) || hasERC721Transfer(parsed):
		return ContractTypeERC721
	case hasMethods(parsed, erc20Methods):
		return ContractTypeERC20
	default:
		return ContractTypeUnknown
	}
}

func hasMethods(parsed abi.ABI, names []string) bool {
	for _, name := range names {
		if _, ok := parsed.Methods[name]; !ok {
			return false
		}
	}
	return true
}

// hasERC721Transfer reports a Transfer event whose third argument, the token
// id, is indexed. The ERC-20 event keeps the amount in the data.
func hasERC721Transfer(parsed abi.ABI) bool {
	event, ok := parsed.Events["Transfer"]
	if !ok || len(event.Inputs) != 3 {
		return false
	}
	return event.Inputs[2].Indexed
}
