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

// Package chain talks JSON-RPC to one provider at a time. Clients are cheap
// and disposable: a job takes a provider from the pool, builds a client for
// the duration of its tick and lets it go.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is the subset of a block the scanner reads.
type Block struct {
	Number       *hexutil.Big `json:"number"`
	Hash         common.Hash  `json:"hash"`
	Transactions []BlockTx    `json:"transactions"`
}

// BlockTx is one transaction inside a fetched block.
type BlockTx struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Input hexutil.Bytes   `json:"input"`
}

// TxLookup is the mempool/mined view of a transaction. TransactionIndex is
// nil while the transaction still sits in the mempool.
type TxLookup struct {
	Hash             common.Hash     `json:"hash"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	BlockNumber      *hexutil.Big    `json:"blockNumber"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
}

// Receipt is the subset of a transaction receipt the waiter reads.
type Receipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
}

// Backend is one network seen through one provider. Every blocking call
// takes a context; every call may fail with the taxonomy in errors.go.
type Backend interface {
	// LatestBlockNumber is the tip as the provider sees it.
	LatestBlockNumber(ctx context.Context) (uint64, error)

	// BlockByNumber fetches a full block including transaction bodies.
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)

	// TransferLogs fetches ERC20 Transfer logs over an inclusive range.
	TransferLogs(ctx context.Context, from, to uint64) ([]types.Log, error)

	// TransactionByHash returns nil without error when the node does not
	// know the hash.
	TransactionByHash(ctx context.Context, hash common.Hash) (*TxLookup, error)

	// TransactionReceipt returns nil without error when no receipt exists
	// yet.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)

	// Balance is the native balance at the latest block.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)

	// Nonce is the pending transaction count of addr.
	Nonce(ctx context.Context, addr common.Address) (uint64, error)

	// GasPrice is the node's current legacy gas price suggestion.
	GasPrice(ctx context.Context) (*big.Int, error)

	// SendNative moves value through a plain transfer and waits for the
	// outcome.
	SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int) (common.Hash, error)

	// Result follows a previously submitted transaction to its outcome
	// without resubmitting it.
	Result(ctx context.Context, hash common.Hash) (common.Hash, error)

	// ERC20 scopes the token calls to one contract.
	ERC20(contract common.Address) Token
}

// Token is the ERC20 surface of one contract. Mutating calls submit a
// transaction and wait for the outcome.
type Token interface {
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount, gasPrice *big.Int) (common.Hash, error)
	Transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int) (common.Hash, error)
	TransferFrom(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, amount, gasPrice *big.Int) (common.Hash, error)
}
