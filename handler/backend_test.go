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

package handler

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CryDevOk/crypto-acquiring/chain"
)

// fakeToken scripts the ERC20 surface for one contract.
type fakeToken struct {
	allowance    *big.Int
	allowanceErr error
	balance      *big.Int

	approveHash common.Hash
	approveErr  error

	transferHash common.Hash
	transferErr  error

	transferFromHash common.Hash
	transferFromErr  error

	approveCalls      int
	transferCalls     int
	transferFromCalls int

	lastTransferTo     common.Address
	lastTransferAmount *big.Int
	lastFrom, lastTo   common.Address
}

func (t *fakeToken) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	if t.allowanceErr != nil {
		return nil, t.allowanceErr
	}
	if t.allowance == nil {
		return new(big.Int), nil
	}
	return t.allowance, nil
}

func (t *fakeToken) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	if t.balance == nil {
		return new(big.Int), nil
	}
	return t.balance, nil
}

func (t *fakeToken) Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	t.approveCalls++
	return t.approveHash, t.approveErr
}

func (t *fakeToken) Transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	t.transferCalls++
	t.lastTransferTo = to
	t.lastTransferAmount = new(big.Int).Set(amount)
	return t.transferHash, t.transferErr
}

func (t *fakeToken) TransferFrom(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	t.transferFromCalls++
	t.lastFrom, t.lastTo = from, to
	t.lastTransferAmount = new(big.Int).Set(amount)
	return t.transferFromHash, t.transferFromErr
}

// fakeBackend scripts one provider's view of the chain.
type fakeBackend struct {
	latest    uint64
	latestErr error

	block    *chain.Block
	blockErr error

	logs    []types.Log
	logsErr error

	receipts   map[common.Hash]*chain.Receipt
	receiptErr error

	balances map[common.Address]*big.Int
	gasPrice *big.Int

	sendHash       common.Hash
	sendErr        error
	sendCalls      int
	lastSendTo     common.Address
	lastSendAmount *big.Int

	resultHash  common.Hash
	resultErr   error
	resultCalls int

	token *fakeToken
}

func (b *fakeBackend) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return b.latest, b.latestErr
}

func (b *fakeBackend) BlockByNumber(ctx context.Context, number uint64) (*chain.Block, error) {
	if b.blockErr != nil {
		return nil, b.blockErr
	}
	if b.block != nil {
		return b.block, nil
	}
	return &chain.Block{}, nil
}

func (b *fakeBackend) TransferLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	return b.logs, b.logsErr
}

func (b *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*chain.TxLookup, error) {
	return nil, nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	if b.receiptErr != nil {
		return nil, b.receiptErr
	}
	return b.receipts[hash], nil
}

func (b *fakeBackend) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if bal, ok := b.balances[addr]; ok {
		return bal, nil
	}
	return new(big.Int), nil
}

func (b *fakeBackend) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}

func (b *fakeBackend) GasPrice(ctx context.Context) (*big.Int, error) {
	if b.gasPrice == nil {
		return big.NewInt(1), nil
	}
	return b.gasPrice, nil
}

func (b *fakeBackend) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	b.sendCalls++
	b.lastSendTo = to
	b.lastSendAmount = new(big.Int).Set(amount)
	return b.sendHash, b.sendErr
}

func (b *fakeBackend) Result(ctx context.Context, hash common.Hash) (common.Hash, error) {
	b.resultCalls++
	if b.resultErr != nil {
		return common.Hash{}, b.resultErr
	}
	if b.resultHash != (common.Hash{}) {
		return b.resultHash, nil
	}
	return hash, nil
}

func (b *fakeBackend) ERC20(contract common.Address) chain.Token {
	if b.token == nil {
		b.token = &fakeToken{}
	}
	return b.token
}

func backendOf(b *fakeBackend) backendFn {
	return func() (chain.Backend, error) { return b, nil }
}

// testKey is a throwaway secp256k1 key in the hex format the store hands out.
func testKey() string {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return common.Bytes2Hex(crypto.FromECDSA(key))
}
