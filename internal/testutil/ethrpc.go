package testutil

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/archon-research/stl/stl-trade/internal/pkg/blockchain/abis"
)

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// SentTx is a transaction received through eth_sendRawTransaction.
type SentTx struct {
	Tx   *types.Transaction
	From common.Address
}

// MockChain is a minimal Ethereum node for venue tests. It answers the calls
// ethclient issues for quoting, allowance checks and EIP-1559 submission, and
// mines every accepted transaction immediately.
//
// An approve() transaction updates the stored allowance, so a second pass
// sees the raised allowance the way a real chain would.
type MockChain struct {
	Server *httptest.Server

	mu        sync.Mutex
	chainID   int64
	baseFee   *big.Int
	tip       *big.Int
	decimals  map[common.Address]uint8
	allowance map[common.Address]*big.Int // keyed by token
	quoteOut  func(amountIn *big.Int) *big.Int
	quoteIn   func(amountOut *big.Int) *big.Int
	nonces    map[common.Address]uint64
	sent      []SentTx
	receipts  map[common.Hash]*big.Int // hash → status
	revert    map[[4]byte]bool         // selectors whose txs revert
	pending   int                      // receipt polls that return null first
	failing   map[string]string        // method → error message
	calls     map[string]int
}

// StartMockChain starts a mock node with chain id and a 1:1 default quote.
func StartMockChain(t *testing.T, chainID int64) *MockChain {
	t.Helper()

	m := &MockChain{
		chainID:   chainID,
		baseFee:   big.NewInt(1_000_000_000),
		tip:       big.NewInt(1_000_000),
		decimals:  make(map[common.Address]uint8),
		allowance: make(map[common.Address]*big.Int),
		quoteOut:  func(in *big.Int) *big.Int { return new(big.Int).Set(in) },
		quoteIn:   func(out *big.Int) *big.Int { return new(big.Int).Set(out) },
		nonces:    make(map[common.Address]uint64),
		receipts:  make(map[common.Hash]*big.Int),
		revert:    make(map[[4]byte]bool),
		failing:   make(map[string]string),
		calls:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Server.Close)
	return m
}

// URL returns the node endpoint.
func (m *MockChain) URL() string { return m.Server.URL }

// SetDecimals registers decimals() for a token contract.
func (m *MockChain) SetDecimals(token common.Address, decimals uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decimals[token] = decimals
}

// SetAllowance sets allowance() for a token contract.
func (m *MockChain) SetAllowance(token common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowance[token] = new(big.Int).Set(amount)
}

// Allowance returns the current stored allowance for token.
func (m *MockChain) Allowance(token common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.allowance[token]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// SetQuotes overrides the Quoter responses.
func (m *MockChain) SetQuotes(out func(amountIn *big.Int) *big.Int, in func(amountOut *big.Int) *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out != nil {
		m.quoteOut = out
	}
	if in != nil {
		m.quoteIn = in
	}
}

// RevertSelector makes mined transactions whose calldata starts with
// selector produce a failed receipt.
func (m *MockChain) RevertSelector(selector []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var key [4]byte
	copy(key[:], selector)
	m.revert[key] = true
}

// DelayReceipts makes the next n receipt lookups return null.
func (m *MockChain) DelayReceipts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = n
}

// FailMethod makes every call to method return a JSON-RPC error.
func (m *MockChain) FailMethod(method, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[method] = message
}

// Sent returns the transactions received so far.
func (m *MockChain) Sent() []SentTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentTx(nil), m.sent...)
}

// Calls returns how many times method was invoked.
func (m *MockChain) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockChain) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteRPCError(w, json.RawMessage(`1`), -32700, "parse error")
		return
	}

	m.mu.Lock()
	m.calls[req.Method]++
	failMsg, fail := m.failing[req.Method]
	m.mu.Unlock()
	if fail {
		WriteRPCError(w, req.ID, -32000, failMsg)
		return
	}

	var params []json.RawMessage
	_ = json.Unmarshal(req.Params, &params)

	switch req.Method {
	case "eth_chainId":
		writeHex(w, req.ID, big.NewInt(m.chainID))
	case "eth_getTransactionCount":
		var addr common.Address
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &addr)
		}
		m.mu.Lock()
		n := m.nonces[addr]
		m.mu.Unlock()
		writeHex(w, req.ID, new(big.Int).SetUint64(n))
	case "eth_estimateGas":
		writeHex(w, req.ID, big.NewInt(150_000))
	case "eth_maxPriorityFeePerGas":
		writeHex(w, req.ID, m.tip)
	case "eth_gasPrice":
		writeHex(w, req.ID, new(big.Int).Add(m.baseFee, m.tip))
	case "eth_getBlockByNumber":
		writeBlockHeaderResponse(w, req.ID, 100, m.baseFee)
	case "eth_call":
		m.handleCall(w, req.ID, params)
	case "eth_sendRawTransaction":
		m.handleSend(w, req.ID, params)
	case "eth_getTransactionReceipt":
		m.handleReceipt(w, req.ID, params)
	default:
		WriteRPCError(w, req.ID, -32601, "method not found: "+req.Method)
	}
}

func (m *MockChain) handleCall(w http.ResponseWriter, id json.RawMessage, params []json.RawMessage) {
	var call struct {
		To    *common.Address `json:"to"`
		Data  hexutil.Bytes   `json:"data"`
		Input hexutil.Bytes   `json:"input"`
	}
	if len(params) == 0 || json.Unmarshal(params[0], &call) != nil || call.To == nil {
		WriteRPCError(w, id, -32602, "invalid call")
		return
	}
	data := call.Input
	if len(data) == 0 {
		data = call.Data
	}
	if len(data) < 4 {
		WriteRPCError(w, id, -32602, "missing calldata")
		return
	}

	erc20, _ := abis.GetERC20ABI()
	quoter, _ := abis.GetQuoterABI()

	method, err := erc20.MethodById(data[:4])
	if err != nil {
		method, err = quoter.MethodById(data[:4])
	}
	if err != nil {
		WriteRPCError(w, id, 3, "execution reverted: unknown selector 0x"+hex.EncodeToString(data[:4]))
		return
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		WriteRPCError(w, id, -32602, "bad arguments: "+err.Error())
		return
	}

	m.mu.Lock()
	var out []byte
	switch method.Name {
	case "allowance":
		a, ok := m.allowance[*call.To]
		if !ok {
			a = new(big.Int)
		}
		out, err = method.Outputs.Pack(a)
	case "decimals":
		d, ok := m.decimals[*call.To]
		if !ok {
			d = 18
		}
		out, err = method.Outputs.Pack(d)
	case "quoteExactInputSingle":
		out, err = method.Outputs.Pack(m.quoteOut(args[3].(*big.Int)))
	case "quoteExactOutputSingle":
		out, err = method.Outputs.Pack(m.quoteIn(args[3].(*big.Int)))
	default:
		err = fmt.Errorf("unsupported call %s", method.Name)
	}
	m.mu.Unlock()

	if err != nil {
		WriteRPCError(w, id, 3, "execution reverted: "+err.Error())
		return
	}
	result, _ := json.Marshal(hexutil.Bytes(out))
	WriteRPCResult(w, id, result)
}

func (m *MockChain) handleSend(w http.ResponseWriter, id json.RawMessage, params []json.RawMessage) {
	var raw hexutil.Bytes
	if len(params) == 0 || json.Unmarshal(params[0], &raw) != nil {
		WriteRPCError(w, id, -32602, "invalid raw transaction")
		return
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		WriteRPCError(w, id, -32602, "decode transaction: "+err.Error())
		return
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(m.chainID)), tx)
	if err != nil {
		WriteRPCError(w, id, -32000, "invalid sender: "+err.Error())
		return
	}

	m.mu.Lock()
	if tx.Nonce() != m.nonces[from] {
		m.mu.Unlock()
		WriteRPCError(w, id, -32000, fmt.Sprintf("nonce too low: have %d want %d", tx.Nonce(), m.nonces[from]))
		return
	}
	m.nonces[from]++
	m.sent = append(m.sent, SentTx{Tx: tx, From: from})

	status := big.NewInt(int64(types.ReceiptStatusSuccessful))
	if len(tx.Data()) >= 4 {
		var sel [4]byte
		copy(sel[:], tx.Data()[:4])
		if m.revert[sel] {
			status = big.NewInt(int64(types.ReceiptStatusFailed))
		} else if tx.To() != nil {
			m.applyApproval(*tx.To(), tx.Data())
		}
	}
	m.receipts[tx.Hash()] = status
	m.mu.Unlock()

	result, _ := json.Marshal(tx.Hash())
	WriteRPCResult(w, id, result)
}

// applyApproval must be called with m.mu held.
func (m *MockChain) applyApproval(token common.Address, data []byte) {
	erc20, _ := abis.GetERC20ABI()
	method, err := erc20.MethodById(data[:4])
	if err != nil || method.Name != "approve" {
		return
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return
	}
	m.allowance[token] = args[1].(*big.Int)
}

func (m *MockChain) handleReceipt(w http.ResponseWriter, id json.RawMessage, params []json.RawMessage) {
	var hash common.Hash
	if len(params) == 0 || json.Unmarshal(params[0], &hash) != nil {
		WriteRPCError(w, id, -32602, "invalid hash")
		return
	}

	m.mu.Lock()
	status, ok := m.receipts[hash]
	if ok && m.pending > 0 {
		m.pending--
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		WriteRPCResult(w, id, json.RawMessage(`null`))
		return
	}

	receipt := map[string]any{
		"type":              "0x2",
		"status":            hexutil.EncodeBig(status),
		"cumulativeGasUsed": "0x249f0",
		"gasUsed":           "0x249f0",
		"effectiveGasPrice": hexutil.EncodeBig(new(big.Int).Add(m.baseFee, m.tip)),
		"logsBloom":         "0x" + strings.Repeat("0", 512),
		"logs":              []any{},
		"transactionHash":   hash.Hex(),
		"transactionIndex":  "0x0",
		"blockHash":         fmt.Sprintf("0x%064x", 101),
		"blockNumber":       "0x65",
		"contractAddress":   nil,
	}
	result, _ := json.Marshal(receipt)
	WriteRPCResult(w, id, result)
}

func writeHex(w http.ResponseWriter, id json.RawMessage, v *big.Int) {
	result, _ := json.Marshal(hexutil.EncodeBig(v))
	WriteRPCResult(w, id, result)
}

// WriteRPCResult writes a JSON-RPC success response.
func WriteRPCResult(w http.ResponseWriter, id, result json.RawMessage) {
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"result":  result,
	})
}

// WriteRPCError writes a JSON-RPC error response.
func WriteRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	errJSON, _ := json.Marshal(map[string]any{"code": code, "message": message})
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"error":   json.RawMessage(errJSON),
	})
}

func writeBlockHeaderResponse(w http.ResponseWriter, id json.RawMessage, blockNum int64, baseFee *big.Int) {
	timestamp := 1700000000 + blockNum*12
	header := map[string]string{
		"parentHash":       fmt.Sprintf("0x%064x", blockNum-1),
		"sha3Uncles":       "0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347",
		"miner":            "0x0000000000000000000000000000000000000000",
		"stateRoot":        "0x0000000000000000000000000000000000000000000000000000000000000000",
		"transactionsRoot": "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"receiptsRoot":     "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"logsBloom":        "0x" + strings.Repeat("0", 512),
		"difficulty":       "0x0",
		"number":           fmt.Sprintf("0x%x", blockNum),
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"timestamp":        fmt.Sprintf("0x%x", timestamp),
		"extraData":        "0x",
		"mixHash":          "0x0000000000000000000000000000000000000000000000000000000000000000",
		"nonce":            "0x0000000000000000",
		"baseFeePerGas":    hexutil.EncodeBig(baseFee),
	}
	headerJSON, _ := json.Marshal(header)
	WriteRPCResult(w, id, json.RawMessage(headerJSON))
}
