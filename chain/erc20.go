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
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// erc20 binds the Token interface to one contract address.
type erc20 struct {
	client   *EVM
	contract common.Address
}

func (t *erc20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.view(ctx, "allowance", owner, spender)
}

func (t *erc20) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return t.view(ctx, "balanceOf", addr)
}

func (t *erc20) Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	return t.send(ctx, key, gasPrice, "approve", spender, amount)
}

func (t *erc20) Transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	return t.send(ctx, key, gasPrice, "transfer", to, amount)
}

func (t *erc20) TransferFrom(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	return t.send(ctx, key, gasPrice, "transferFrom", from, to, amount)
}

// view runs an eth_call against the contract and decodes a single uint256.
func (t *erc20) view(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var out hexutil.Bytes
	msg := map[string]interface{}{
		"to":   t.contract,
		"data": hexutil.Encode(data),
	}
	if err := t.client.call(ctx, &out, "eth_call", msg, "latest"); err != nil {
		return nil, err
	}
	results, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result %T", method, results[0])
	}
	return value, nil
}

// send submits a state changing call and waits for its outcome.
func (t *erc20) send(ctx context.Context, key *ecdsa.PrivateKey, gasPrice *big.Int, method string, args ...interface{}) (common.Hash, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return t.client.submitTx(ctx, key, &t.contract, new(big.Int), gasPrice, tokenGasLimit, data)
}

// DecodeTransferLog pulls sender, recipient and amount out of an ERC20
// Transfer event log. Topics carry the indexed addresses, data the amount.
func DecodeTransferLog(topics []common.Hash, data []byte) (from, to common.Address, amount *big.Int, err error) {
	if len(topics) != 3 || topics[0] != transferTopic {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("not a transfer log")
	}
	if len(data) != 32 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("malformed transfer data, %d bytes", len(data))
	}
	from = common.BytesToAddress(topics[1].Bytes())
	to = common.BytesToAddress(topics[2].Bytes())
	amount = new(big.Int).SetBytes(data)
	return from, to, amount, nil
}
