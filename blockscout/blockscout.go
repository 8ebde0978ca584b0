// Package blockscout enriches contracts with verified metadata from a
// Blockscout explorer.
package blockscout

import (
	"context"
	"encoding/json"
	"eth-indexer/config"
	"eth-indexer/logger"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

const maxErrorBody = 512

// ContractInfo is the verified metadata of a contract.
type ContractInfo struct {
	Name                 string
	ABI                  string
	SourceCode           string
	CompilerVersion      string
	EVMVersion           string
	FileName             string
	ConstructorArguments string
	OptimizationUsed     bool
	IsProxy              bool
	ContractType         ContractType
}

type smartContractResponse struct {
	Name                string          `json:"name"`
	ABI                 json.RawMessage `json:"abi"`
	SourceCode          string          `json:"source_code"`
	CompilerVersion     string          `json:"compiler_version"`
	EVMVersion          string          `json:"evm_version"`
	FilePath            string          `json:"file_path"`
	ConstructorArgs     string          `json:"constructor_args"`
	OptimizationEnabled bool            `json:"optimization_enabled"`
	ProxyType           string          `json:"proxy_type"`
	Implementations     json.RawMessage `json:"implementations"`
}

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewClient(cfg config.BlockscoutConfig) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.Timeout()},
	}
}

// Enrich returns the verified metadata of the contract at address, or nil
// when the explorer does not know a verified contract there.
func (c *Client) Enrich(ctx context.Context, address common.Address) (*ContractInfo, error) {
	u, err := url.Parse(fmt.Sprintf("%s/api/v2/smart-contracts/%s", c.endpoint, strings.ToLower(address.Hex())))
	if err != nil {
		return nil, errors.Wrap(err, "blockscout url")
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("apikey", c.apiKey)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "blockscout request")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "blockscout request")
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			logger.Debug("Error closing blockscout response body: %s", err)
		}
	}()

	switch {
	case res.StatusCode == http.StatusNotFound:
		logger.Debug("No verified source code found for %s", address.Hex())
		return nil, nil
	case res.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, errors.Errorf("blockscout returned %s: %s", res.Status, strings.TrimSpace(string(body)))
	}

	var sc smartContractResponse
	if err := json.NewDecoder(res.Body).Decode(&sc); err != nil {
		return nil, errors.Wrap(err, "decode blockscout response")
	}

	return sc.contractInfo(), nil
}

func (sc *smartContractResponse) contractInfo() *ContractInfo {
	abiJSON := normalizeABI(sc.ABI)

	return &ContractInfo{
		Name:                 sc.Name,
		ABI:                  abiJSON,
		SourceCode:           sc.SourceCode,
		CompilerVersion:      sc.CompilerVersion,
		EVMVersion:           sc.EVMVersion,
		FileName:             sc.FilePath,
		ConstructorArguments: sc.ConstructorArgs,
		OptimizationUsed:     sc.OptimizationEnabled,
		IsProxy:              sc.ProxyType != "" || hasImplementations(sc.Implementations),
		ContractType:         DetectContractType(abiJSON),
	}
}

// normalizeABI accepts the ABI either as a JSON array or as a JSON string
// holding the array.
func normalizeABI(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func hasImplementations(raw json.RawMessage) bool {
	var implementations []json.RawMessage
	if err := json.Unmarshal(raw, &implementations); err != nil {
		return false
	}
	return len(implementations) > 0
}
