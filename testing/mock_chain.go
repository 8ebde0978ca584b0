package testing

import (
	"encoding/json"
	"eth-indexer/logger"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

var null = json.RawMessage("null")

// MockChain answers the JSON-RPC calls of the indexer from a Fixture. Blocks
// above the current head are reported as missing.
type MockChain struct {
	mu       sync.RWMutex
	fixture  *Fixture
	head     uint64
	requests map[string]int
}

func NewMockChain(fixture *Fixture) *MockChain {
	return &MockChain{
		fixture:  fixture,
		head:     fixture.Head(),
		requests: make(map[string]int),
	}
}

func (m *MockChain) SetHead(head uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = head
}

func (m *MockChain) Requests(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[method]
}

func (m *MockChain) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", m.serve).Methods(http.MethodPost)
	return r
}

// MockChainServer replays a recorded fixture file on the given port.
func MockChainServer(port int, fixtureFile string) error {
	fixture, err := LoadFixture(fixtureFile)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      NewMockChain(fixture).Handler(),
	}

	logger.Info("Mock chain serving %d blocks on port %d", len(fixture.Blocks), port)
	return server.ListenAndServe()
}

func (m *MockChain) serve(writer http.ResponseWriter, request *http.Request) {
	body, err := io.ReadAll(request.Body)
	if err != nil {
		http.Error(writer, "Invalid request body", http.StatusBadRequest)
		return
	}
	body = []byte(strings.TrimSpace(string(body)))

	var response interface{}
	if len(body) > 0 && body[0] == '[' {
		var batch []rpcRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(writer, "Invalid json", http.StatusBadRequest)
			return
		}
		responses := make([]rpcResponse, len(batch))
		for i := range batch {
			responses[i] = m.handle(&batch[i])
		}
		response = responses
	} else {
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(writer, "Invalid json", http.StatusBadRequest)
			return
		}
		response = m.handle(&req)
	}

	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(response); err != nil {
		logger.Error("Mock chain response error: %s", err)
	}
}

func (m *MockChain) handle(req *rpcRequest) rpcResponse {
	m.mu.Lock()
	m.requests[req.Method]++
	m.mu.Unlock()

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := m.result(req)
	if err != nil {
		resp.Error = err
		return resp
	}
	if result == nil {
		result = null
	}
	resp.Result = result
	return resp
}

func (m *MockChain) result(req *rpcRequest) (json.RawMessage, *rpcError) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := m.fixture

	switch req.Method {
	case "eth_chainId":
		return quote(f.ChainID), nil

	case "eth_blockNumber":
		return quote(hexutil.EncodeUint64(m.head)), nil

	case "eth_getBlockByNumber":
		number, err := m.blockNumber(req, 0)
		if err != nil {
			return nil, err
		}
		if number > m.head {
			return nil, nil
		}
		return f.Blocks[number], nil

	case "eth_getBlockReceipts":
		hash, err := blockHashParam(req)
		if err != nil {
			return nil, err
		}
		return f.Receipts[strings.ToLower(hash)], nil

	case "eth_getLogs":
		var filter struct {
			BlockHash string `json:"blockHash"`
		}
		if err := param(req, 0, &filter); err != nil {
			return nil, err
		}
		if logs, ok := f.Logs[strings.ToLower(filter.BlockHash)]; ok {
			return logs, nil
		}
		return nil, &rpcError{Code: -32000, Message: "unknown block"}

	case "eth_getBalance":
		return m.accountValue(req, f.Balances, "0x0")

	case "eth_getTransactionCount":
		return m.accountValue(req, f.Nonces, "0x0")

	case "eth_getCode":
		return m.accountValue(req, f.Code, "0x")

	case "eth_call":
		var call struct {
			To    string `json:"to"`
			Input string `json:"input"`
			Data  string `json:"data"`
		}
		if err := param(req, 0, &call); err != nil {
			return nil, err
		}
		data := call.Input
		if data == "" {
			data = call.Data
		}
		out, ok := f.Calls[callKey(call.To, data)]
		if !ok {
			return nil, &rpcError{Code: 3, Message: "execution reverted"}
		}
		return quote(out), nil
	}

	return nil, &rpcError{Code: -32601, Message: "the method " + req.Method + " does not exist/is not available"}
}

func (m *MockChain) blockNumber(req *rpcRequest, i int) (uint64, *rpcError) {
	var tag string
	if err := param(req, i, &tag); err != nil {
		return 0, err
	}
	switch tag {
	case "latest", "pending", "safe", "finalized":
		return m.head, nil
	case "earliest":
		return 0, nil
	}
	number, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return 0, &rpcError{Code: -32602, Message: "invalid block number " + tag}
	}
	return number, nil
}

func (m *MockChain) accountValue(req *rpcRequest, values map[string]string, empty string) (json.RawMessage, *rpcError) {
	var address string
	if err := param(req, 0, &address); err != nil {
		return nil, err
	}
	value, ok := values[strings.ToLower(address)]
	if !ok {
		value = empty
	}
	return quote(value), nil
}

// blockHashParam accepts both a bare hash and the {"blockHash": ...} form.
func blockHashParam(req *rpcRequest) (string, *rpcError) {
	var hash string
	if err := param(req, 0, &hash); err == nil {
		return hash, nil
	}
	var ref struct {
		BlockHash string `json:"blockHash"`
	}
	if err := param(req, 0, &ref); err != nil {
		return "", err
	}
	return ref.BlockHash, nil
}

func param(req *rpcRequest, i int, v interface{}) *rpcError {
	if i >= len(req.Params) {
		return &rpcError{Code: -32602, Message: "missing value for required argument " + strconv.Itoa(i)}
	}
	if err := json.Unmarshal(req.Params[i], v); err != nil {
		return &rpcError{Code: -32602, Message: errors.Wrapf(err, "invalid argument %d", i).Error()}
	}
	return nil
}

func quote(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
