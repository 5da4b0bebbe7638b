// Copyright 2024 The crypto-acquiring Authors
// This file is part of crypto-acquiring.
//
// crypto-acquiring is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// crypto-acquiring is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with crypto-acquiring. If not, see <http://www.gnu.org/licenses/>.

package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CryDevOk/crypto-acquiring/provider"
)

// fastWaits keeps the lifecycle tests under a second.
var fastWaits = WaitConfig{
	Mempool: 100 * time.Millisecond,
	Mined:   100 * time.Millisecond,
	Receipt: 100 * time.Millisecond,
	Poll:    5 * time.Millisecond,
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcStub is a scriptable single-node JSON-RPC server. Handlers may change
// their answer between calls via the per-method call counter.
type rpcStub struct {
	mu       sync.Mutex
	handlers map[string]func(calls int, params []json.RawMessage) (interface{}, *rpcError)
	calls    map[string]int
	failHTTP map[string]int // method -> HTTP status to answer with
	server   *httptest.Server
}

func newRPCStub(t *testing.T) *rpcStub {
	t.Helper()
	s := &rpcStub{
		handlers: make(map[string]func(int, []json.RawMessage) (interface{}, *rpcError)),
		calls:    make(map[string]int),
		failHTTP: make(map[string]int),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

func (s *rpcStub) handle(method string, fn func(calls int, params []json.RawMessage) (interface{}, *rpcError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *rpcStub) result(method string, result interface{}) {
	s.handle(method, func(int, []json.RawMessage) (interface{}, *rpcError) {
		return result, nil
	})
}

func (s *rpcStub) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *rpcStub) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if status, ok := s.failHTTP[req.Method]; ok {
		s.mu.Unlock()
		http.Error(w, "unavailable", status)
		return
	}
	s.calls[req.Method]++
	calls := s.calls[req.Method]
	fn := s.handlers[req.Method]
	s.mu.Unlock()

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if fn == nil {
		resp["error"] = &rpcError{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := fn(calls, req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func testClient(t *testing.T, s *rpcStub) (*EVM, *provider.Pool) {
	t.Helper()
	pool, err := provider.NewPool([]provider.Cred{{URL: s.server.URL}})
	require.NoError(t, err)
	prov, err := pool.Get()
	require.NoError(t, err)
	client, err := NewEVM(prov, 1, WithWaits(fastWaits))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, pool
}

func TestLatestBlockNumber(t *testing.T) {
	stub := newRPCStub(t)
	stub.result("eth_blockNumber", "0x12d687")
	client, pool := testClient(t, stub)

	n, err := client.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567), n)

	// The request shows up in telemetry with its HTTP status.
	breakdown := pool.Telemetry().StatusBreakdown(time.Minute)
	require.Len(t, breakdown, 1)
	for _, byStatus := range breakdown {
		assert.Equal(t, map[int]int{200: 1}, byStatus)
	}
}

func TestBlockByNumberDecodesTransactions(t *testing.T) {
	stub := newRPCStub(t)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stub.result("eth_getBlockByNumber", map[string]interface{}{
		"number": "0x10",
		"hash":   common.HexToHash("0xbeef").Hex(),
		"transactions": []map[string]interface{}{
			{
				"hash":  common.HexToHash("0x01").Hex(),
				"from":  common.HexToAddress("0xbb").Hex(),
				"to":    to.Hex(),
				"value": "0xde0b6b3a7640000",
				"input": "0x",
			},
			{
				// Contract creation, to is null.
				"hash":  common.HexToHash("0x02").Hex(),
				"from":  common.HexToAddress("0xcc").Hex(),
				"to":    nil,
				"value": "0x0",
				"input": "0x6001",
			},
		},
	})
	client, _ := testClient(t, stub)

	block, err := client.BlockByNumber(context.Background(), 16)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 2)
	assert.Equal(t, to, *block.Transactions[0].To)
	assert.Equal(t, "1000000000000000000", block.Transactions[0].Value.ToInt().String())
	assert.Nil(t, block.Transactions[1].To)
}

func TestBlockByNumberMissingBlock(t *testing.T) {
	stub := newRPCStub(t)
	stub.result("eth_getBlockByNumber", nil)
	client, _ := testClient(t, stub)

	_, err := client.BlockByNumber(context.Background(), 99)
	require.Error(t, err)
}

func sendScript(stub *rpcStub, nonce string) {
	stub.result("eth_getTransactionCount", nonce)
	stub.result("eth_sendRawTransaction", common.HexToHash("0x01").Hex())
}

func minedLookup() map[string]interface{} {
	return map[string]interface{}{
		"hash":             common.HexToHash("0x01").Hex(),
		"nonce":            "0x0",
		"blockNumber":      "0x10",
		"transactionIndex": "0x2",
	}
}

func mempoolLookup() map[string]interface{} {
	return map[string]interface{}{
		"hash":             common.HexToHash("0x01").Hex(),
		"nonce":            "0x0",
		"blockNumber":      nil,
		"transactionIndex": nil,
	}
}

func TestSendNativeSuccess(t *testing.T) {
	stub := newRPCStub(t)
	sendScript(stub, "0x0")
	stub.handle("eth_getTransactionByHash", func(calls int, _ []json.RawMessage) (interface{}, *rpcError) {
		if calls == 1 {
			return mempoolLookup(), nil
		}
		return minedLookup(), nil
	})
	stub.result("eth_getTransactionReceipt", map[string]interface{}{
		"transactionHash": common.HexToHash("0x01").Hex(),
		"status":          "0x1",
		"blockNumber":     "0x10",
	})
	client, _ := testClient(t, stub)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash, err := client.SendNative(context.Background(), key,
		common.HexToAddress("0xaa"), big.NewInt(1_000_000), big.NewInt(2_000_000_000))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.Equal(t, 1, stub.callCount("eth_sendRawTransaction"))
}

func TestSendNativeFailedReceipt(t *testing.T) {
	stub := newRPCStub(t)
	sendScript(stub, "0x0")
	stub.result("eth_getTransactionByHash", minedLookup())
	stub.result("eth_getTransactionReceipt", map[string]interface{}{
		"transactionHash": common.HexToHash("0x01").Hex(),
		"status":          "0x0",
		"blockNumber":     "0x10",
	})
	client, _ := testClient(t, stub)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = client.SendNative(context.Background(), key,
		common.HexToAddress("0xaa"), big.NewInt(1), big.NewInt(1))
	var failed *TransactionFailed
	require.ErrorAs(t, err, &failed)
}

func TestSendNativeStuckInMempool(t *testing.T) {
	stub := newRPCStub(t)
	sendScript(stub, "0x7")
	stub.handle("eth_getTransactionByHash", func(int, []json.RawMessage) (interface{}, *rpcError) {
		lookup := mempoolLookup()
		lookup["nonce"] = "0x7"
		return lookup, nil
	})
	client, _ := testClient(t, stub)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = client.SendNative(context.Background(), key,
		common.HexToAddress("0xaa"), big.NewInt(1), big.NewInt(1))
	var stuck *StuckTransaction
	require.ErrorAs(t, err, &stuck)
	assert.Equal(t, uint64(7), stuck.Nonce)
}

func TestSendNativeNeverAppears(t *testing.T) {
	stub := newRPCStub(t)
	sendScript(stub, "0x0")
	stub.result("eth_getTransactionByHash", nil)
	client, _ := testClient(t, stub)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = client.SendNative(context.Background(), key,
		common.HexToAddress("0xaa"), big.NewInt(1), big.NewInt(1))
	var notFound *TransactionNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestSubmitProtocolErrors(t *testing.T) {
	cases := []struct {
		message string
		check   func(t *testing.T, err error)
	}{
		{
			message: "already known",
			check: func(t *testing.T, err error) {
				var known *AlreadyKnown
				require.ErrorAs(t, err, &known)
			},
		},
		{
			message: "replacement transaction underpriced",
			check: func(t *testing.T, err error) {
				var underpriced *UnderpricedTransaction
				require.ErrorAs(t, err, &underpriced)
			},
		},
		{
			message: "insufficient funds for gas * price + value",
			check: func(t *testing.T, err error) {
				var funds *InsufficientFundsForTx
				require.ErrorAs(t, err, &funds)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			stub := newRPCStub(t)
			stub.result("eth_getTransactionCount", "0x0")
			stub.handle("eth_sendRawTransaction", func(int, []json.RawMessage) (interface{}, *rpcError) {
				return nil, &rpcError{Code: -32000, Message: tc.message}
			})
			client, _ := testClient(t, stub)

			key, err := crypto.GenerateKey()
			require.NoError(t, err)
			_, err = client.SendNative(context.Background(), key,
				common.HexToAddress("0xaa"), big.NewInt(1), big.NewInt(1))
			tc.check(t, err)
		})
	}
}

func TestSubmitConnectionErrorFallsBackToPolling(t *testing.T) {
	stub := newRPCStub(t)
	stub.result("eth_getTransactionCount", "0x0")
	stub.failHTTP["eth_sendRawTransaction"] = http.StatusBadGateway
	// The transaction actually landed despite the failed submit.
	stub.result("eth_getTransactionByHash", minedLookup())
	stub.result("eth_getTransactionReceipt", map[string]interface{}{
		"transactionHash": common.HexToHash("0x01").Hex(),
		"status":          "0x1",
		"blockNumber":     "0x10",
	})
	client, _ := testClient(t, stub)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash, err := client.SendNative(context.Background(), key,
		common.HexToAddress("0xaa"), big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
}

func TestSubmitConnectionErrorUnconfirmed(t *testing.T) {
	stub := newRPCStub(t)
	stub.result("eth_getTransactionCount", "0x0")
	stub.failHTTP["eth_sendRawTransaction"] = http.StatusServiceUnavailable
	stub.result("eth_getTransactionByHash", nil)
	client, _ := testClient(t, stub)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = client.SendNative(context.Background(), key,
		common.HexToAddress("0xaa"), big.NewInt(1), big.NewInt(1))
	var connErr *ProviderConnectionErrorOnTx
	require.ErrorAs(t, err, &connErr)
	assert.NotEqual(t, common.Hash{}, connErr.Hash)
}

func TestERC20AllowanceAndBalance(t *testing.T) {
	stub := newRPCStub(t)
	stub.result("eth_call", "0x00000000000000000000000000000000000000000000000000000000000f4240")
	client, _ := testClient(t, stub)

	token := client.ERC20(common.HexToAddress("0xdd"))
	owner := common.HexToAddress("0x01")
	spender := common.HexToAddress("0x02")

	allowance, err := token.Allowance(context.Background(), owner, spender)
	require.NoError(t, err)
	assert.Equal(t, "1000000", allowance.String())

	balance, err := token.BalanceOf(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, "1000000", balance.String())
}

func TestDecodeTransferLog(t *testing.T) {
	from := common.HexToAddress("0x0000000000000000000000000000000000000011")
	to := common.HexToAddress("0x0000000000000000000000000000000000000022")
	amount := big.NewInt(123456789)

	topics := []common.Hash{
		transferTopic,
		common.BytesToHash(from.Bytes()),
		common.BytesToHash(to.Bytes()),
	}
	data := common.BigToHash(amount).Bytes()

	gotFrom, gotTo, gotAmount, err := DecodeTransferLog(topics, data)
	require.NoError(t, err)
	assert.Equal(t, from, gotFrom)
	assert.Equal(t, to, gotTo)
	assert.Equal(t, amount, gotAmount)

	_, _, _, err = DecodeTransferLog(topics[:2], data)
	require.Error(t, err)

	_, _, _, err = DecodeTransferLog(topics, data[:10])
	require.Error(t, err)
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(&ConnectionError{Err: context.DeadlineExceeded}))
	assert.True(t, IsConnectionError(&HTTPError{Status: 502}))
	assert.True(t, IsConnectionError(&HTTPError{Status: 429}))
	assert.False(t, IsConnectionError(&HTTPError{Status: 401}))
	assert.False(t, IsConnectionError(&TransactionNotFound{}))
}
