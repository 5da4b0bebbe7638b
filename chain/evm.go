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
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/CryDevOk/crypto-acquiring/provider"
)

// NativeGasLimit is the gas for a plain value transfer.
const NativeGasLimit = 21_000

// tokenGasLimit covers approve, transfer and transferFrom on ordinary ERC20
// contracts.
const tokenGasLimit = 100_000

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// WaitConfig bounds the broadcast lifecycle. The zero value is replaced by
// DefaultWaits.
type WaitConfig struct {
	Mempool time.Duration // hash appears on the node
	Mined   time.Duration // transaction index assigned
	Receipt time.Duration // receipt available
	Poll    time.Duration // spacing between polls
}

// DefaultWaits matches the production budgets.
var DefaultWaits = WaitConfig{
	Mempool: 120 * time.Second,
	Mined:   60 * time.Second,
	Receipt: 30 * time.Second,
	Poll:    3 * time.Second,
}

// EVM implements Backend over a geth rpc.Client pointed at one provider.
type EVM struct {
	prov    *provider.Provider
	chainID *big.Int
	signer  types.Signer
	waits   WaitConfig

	client *rpc.Client
}

// Option tweaks a client at construction.
type Option func(*EVM)

// WithWaits overrides the lifecycle budgets, mostly for tests.
func WithWaits(w WaitConfig) Option {
	return func(c *EVM) { c.waits = w }
}

// NewEVM dials the provider. Dialing an HTTP endpoint does not touch the
// network, so construction never blocks.
func NewEVM(prov *provider.Provider, networkID int64, opts ...Option) (*EVM, error) {
	c := &EVM{
		prov:    prov,
		chainID: big.NewInt(networkID),
		signer:  types.NewEIP155Signer(big.NewInt(networkID)),
		waits:   DefaultWaits,
	}
	for _, opt := range opts {
		opt(c)
	}
	dialOpts := []rpc.ClientOption{
		rpc.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if prov.APIKey != "" {
		dialOpts = append(dialOpts, rpc.WithHeader("X-API-Key", prov.APIKey))
	}
	client, err := rpc.DialOptions(context.Background(), prov.URL, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", prov.Name, err)
	}
	c.client = client
	return c, nil
}

// Close releases the underlying connection.
func (c *EVM) Close() { c.client.Close() }

// call runs one request and records its outcome into the pool telemetry.
func (c *EVM) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	err := c.client.CallContext(ctx, result, method, args...)
	c.prov.Record(httpStatusOf(err))
	return mapRPCError(err, 0, common.Address{})
}

func (c *EVM) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (c *EVM) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var block *Block
	if err := c.call(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %d not available yet", number)
	}
	return block, nil
}

func (c *EVM) TransferLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	var logs []types.Log
	filter := map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
		"topics":    [][]common.Hash{{transferTopic}},
	}
	if err := c.call(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *EVM) TransactionByHash(ctx context.Context, hash common.Hash) (*TxLookup, error) {
	var tx *TxLookup
	if err := c.call(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *EVM) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r *Receipt
	if err := c.call(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *EVM) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var b hexutil.Big
	if err := c.call(ctx, &b, "eth_getBalance", addr, "latest"); err != nil {
		return nil, err
	}
	return (*big.Int)(&b), nil
}

func (c *EVM) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "eth_getTransactionCount", addr, "pending"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (c *EVM) GasPrice(ctx context.Context) (*big.Int, error) {
	var p hexutil.Big
	if err := c.call(ctx, &p, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return (*big.Int)(&p), nil
}

func (c *EVM) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	return c.submitTx(ctx, key, &to, amount, gasPrice, NativeGasLimit, nil)
}

func (c *EVM) ERC20(contract common.Address) Token {
	return &erc20{client: c, contract: contract}
}

// submitTx builds, signs and broadcasts a legacy transaction, then follows
// it to its outcome.
func (c *EVM) submitTx(ctx context.Context, key *ecdsa.PrivateKey, to *common.Address, value, gasPrice *big.Int, gas uint64, data []byte) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.Nonce(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := types.SignNewTx(key, c.signer, &types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	return c.broadcastAndWait(ctx, tx, from)
}

// broadcastAndWait submits exactly once. A connection failure on the submit
// is tolerated, the transaction may still have landed, so the waiter runs
// either way; when it cannot confirm the hash the caller gets
// ProviderConnectionErrorOnTx with the hash to persist.
func (c *EVM) broadcastAndWait(ctx context.Context, tx *types.Transaction, from common.Address) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode tx: %w", err)
	}
	hash := tx.Hash()

	rpcErr := c.client.CallContext(ctx, nil, "eth_sendRawTransaction", hexutil.Encode(raw))
	c.prov.Record(httpStatusOf(rpcErr))
	if submitErr := mapRPCError(rpcErr, tx.Nonce(), from); submitErr != nil && !IsConnectionError(submitErr) {
		return hash, submitErr
	} else if submitErr != nil {
		if _, resErr := c.Result(ctx, hash); resErr != nil {
			var notFound *TransactionNotFound
			if errors.As(resErr, &notFound) || IsConnectionError(resErr) {
				return hash, &ProviderConnectionErrorOnTx{Hash: hash, Err: submitErr}
			}
			return hash, resErr
		}
		return hash, nil
	}
	return c.Result(ctx, hash)
}

// Result waits for the hash to show up, get mined and produce a successful
// receipt, within the configured budgets.
func (c *EVM) Result(ctx context.Context, hash common.Hash) (common.Hash, error) {
	lookup, err := c.waitForMempool(ctx, hash)
	if err != nil {
		return hash, err
	}
	if err := c.waitForMined(ctx, hash, uint64(lookup.Nonce)); err != nil {
		return hash, err
	}
	if err := c.waitForReceipt(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

func (c *EVM) waitForMempool(ctx context.Context, hash common.Hash) (*TxLookup, error) {
	deadline := time.Now().Add(c.waits.Mempool)
	for {
		lookup, err := c.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if lookup != nil {
			return lookup, nil
		}
		if time.Now().After(deadline) {
			return nil, &TransactionNotFound{Hash: hash}
		}
		if err := sleep(ctx, c.waits.Poll); err != nil {
			return nil, err
		}
	}
}

func (c *EVM) waitForMined(ctx context.Context, hash common.Hash, nonce uint64) error {
	deadline := time.Now().Add(c.waits.Mined)
	for {
		lookup, err := c.TransactionByHash(ctx, hash)
		if err != nil {
			return err
		}
		if lookup != nil && lookup.TransactionIndex != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return &StuckTransaction{Hash: hash, Nonce: nonce}
		}
		if err := sleep(ctx, c.waits.Poll); err != nil {
			return err
		}
	}
}

func (c *EVM) waitForReceipt(ctx context.Context, hash common.Hash) error {
	deadline := time.Now().Add(c.waits.Receipt)
	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		if receipt != nil {
			if receipt.Status != 1 {
				return &TransactionFailed{Hash: hash}
			}
			return nil
		}
		if time.Now().After(deadline) {
			return &TransactionNotFound{Hash: hash}
		}
		if err := sleep(ctx, c.waits.Poll); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
