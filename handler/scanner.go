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
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/CryDevOk/crypto-acquiring/chain"
	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/quote"
	"github.com/CryDevOk/crypto-acquiring/store"
)

// backendFn hands a job a disposable chain backend for the duration of one
// tick.
type backendFn func() (chain.Backend, error)

// ScannerStore is the slice of the store the scanner uses.
type ScannerStore interface {
	ActiveCoins(ctx context.Context) ([]store.Coin, error)
	AddDepositsAndAdvance(ctx context.Context, block int64, deposits []store.NewDeposit, withdrawals int) (int, error)
}

// Scanner advances the handled-block cursor one block per tick, turning
// matching native transfers and token Transfer logs into deposit rows.
type Scanner struct {
	state   *State
	store   ScannerStore
	backend backendFn
	logger  log.Logger

	blockOffset     int64
	allowedSlippage int64
}

func NewScanner(state *State, st ScannerStore, backend backendFn, logger log.Logger) *Scanner {
	return &Scanner{
		state:           state,
		store:           st,
		backend:         backend,
		logger:          logger,
		blockOffset:     config.BlockOffset,
		allowedSlippage: config.AllowedSlippage,
	}
}

// Tick processes exactly one block, or nothing when the confirmation cushion
// has not moved past it yet.
func (sc *Scanner) Tick(ctx context.Context) error {
	current := sc.state.LastHandledBlock() + 1

	be, err := sc.backend()
	if err != nil {
		return err
	}

	trusted := sc.state.TrustedBlock()
	if trusted-current >= sc.blockOffset*sc.allowedSlippage {
		latest, err := be.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("refresh trusted block: %w", err)
		}
		trusted = int64(latest) - sc.blockOffset
		sc.state.SetTrustedBlock(trusted)
	}
	if trusted <= current {
		return nil
	}

	accounts, err := sc.state.Accounts(ctx)
	if err != nil {
		return err
	}

	var logs []chainLog
	var block *chain.Block
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := be.TransferLogs(gctx, uint64(current), uint64(current))
		if err != nil {
			return fmt.Errorf("fetch logs %d: %w", current, err)
		}
		for _, l := range raw {
			logs = append(logs, chainLog{
				Address: l.Address,
				Topics:  l.Topics,
				Data:    l.Data,
				TxHash:  l.TxHash,
				Removed: l.Removed,
			})
		}
		return nil
	})
	g.Go(func() error {
		var err error
		block, err = be.BlockByNumber(gctx, uint64(current))
		if err != nil {
			return fmt.Errorf("fetch block %d: %w", current, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		// The cursor stays put: the same block is retried next tick
		// rather than silently skipped.
		return err
	}

	coins, err := sc.store.ActiveCoins(ctx)
	if err != nil {
		return err
	}
	byContract := make(map[string]store.Coin, len(coins))
	var native *store.Coin
	for i, c := range coins {
		if c.Native() {
			native = &coins[i]
			continue
		}
		byContract[strings.ToLower(c.ContractAddress)] = c
	}

	var deposits []store.NewDeposit
	deposits = append(deposits, sc.tokenDeposits(logs, byContract, accounts)...)

	if native != nil {
		nd, err := sc.nativeDeposits(ctx, be, block, native, accounts)
		if err != nil {
			return err
		}
		deposits = append(deposits, nd...)
	}

	withdrawals := sc.outboundTransfers(block, logs, byContract, accounts)

	inserted, err := sc.store.AddDepositsAndAdvance(ctx, current, deposits, withdrawals)
	if err != nil {
		return err
	}
	sc.state.SetLastHandledBlock(current)
	metrics.GetOrRegisterCounter("scanner/blocks", nil).Inc(1)
	if inserted > 0 {
		metrics.GetOrRegisterCounter("scanner/deposits", nil).Inc(int64(inserted))
		sc.logger.Info("deposits recorded", "block", current, "count", inserted)
	}
	if withdrawals > 0 {
		metrics.GetOrRegisterCounter("scanner/withdrawals", nil).Inc(int64(withdrawals))
	}
	return nil
}

// chainLog narrows types.Log to what the scanner needs; tests build these
// directly.
type chainLog struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
	TxHash  common.Hash
	Removed bool
}

func (sc *Scanner) tokenDeposits(logs []chainLog, coins map[string]store.Coin, accounts *AccountsSnapshot) []store.NewDeposit {
	var out []store.NewDeposit
	for _, l := range logs {
		if l.Removed {
			continue
		}
		coin, ok := coins[strings.ToLower(l.Address.Hex())]
		if !ok {
			continue
		}
		_, recipient, amount, err := chain.DecodeTransferLog(l.Topics, l.Data)
		if err != nil {
			sc.logger.Warn("undecodable transfer log", "tx", l.TxHash, "err", err)
			continue
		}
		addrID, ok := accounts.Users[recipient]
		if !ok {
			continue
		}
		if amount.Cmp(coin.MinAmount) < 0 {
			sc.logger.Info("deposit below minimum dropped",
				"coin", coin.Name, "tx", l.TxHash, "amount", amount, "min", coin.MinAmount)
			continue
		}
		out = append(out, store.NewDeposit{
			AddressID:       addrID,
			ContractAddress: coin.ContractAddress,
			TxHashIn:        l.TxHash.Hex(),
			Amount:          amount.String(),
			QuoteAmount:     quote.AmountToQuote(amount, coin.CurrentRate, coin.Decimals),
		})
	}
	return out
}

// outboundTransfers counts transfers leaving our hot wallets in the block:
// native sends and token Transfer logs from a handler-owned address to an
// external destination. Gas top-ups to user addresses and shuffles between
// our own accounts are not withdrawals.
func (sc *Scanner) outboundTransfers(block *chain.Block, logs []chainLog, coins map[string]store.Coin, accounts *AccountsSnapshot) int {
	count := 0
	for _, tx := range block.Transactions {
		if tx.To == nil || len(tx.Input) != 0 || tx.Value == nil {
			continue
		}
		if _, ours := accounts.Handlers[tx.From]; !ours {
			continue
		}
		if _, user := accounts.Users[*tx.To]; user {
			continue
		}
		if _, internal := accounts.Handlers[*tx.To]; internal {
			continue
		}
		count++
	}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if _, ok := coins[strings.ToLower(l.Address.Hex())]; !ok {
			continue
		}
		from, recipient, _, err := chain.DecodeTransferLog(l.Topics, l.Data)
		if err != nil {
			continue
		}
		if _, ours := accounts.Handlers[from]; !ours {
			continue
		}
		if _, user := accounts.Users[recipient]; user {
			continue
		}
		count++
	}
	return count
}

func (sc *Scanner) nativeDeposits(ctx context.Context, be chain.Backend, block *chain.Block, native *store.Coin, accounts *AccountsSnapshot) ([]store.NewDeposit, error) {
	var out []store.NewDeposit
	for _, tx := range block.Transactions {
		if tx.To == nil || len(tx.Input) != 0 || tx.Value == nil {
			continue
		}
		addrID, ok := accounts.Users[*tx.To]
		if !ok {
			continue
		}
		if _, internal := accounts.Handlers[tx.From]; internal {
			continue
		}
		amount := tx.Value.ToInt()
		if amount.Cmp(native.MinAmount) < 0 {
			sc.logger.Info("deposit below minimum dropped",
				"coin", native.Name, "tx", tx.Hash, "amount", amount, "min", native.MinAmount)
			continue
		}
		receipt, err := be.TransactionReceipt(ctx, tx.Hash)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", tx.Hash.Hex(), err)
		}
		if receipt == nil || receipt.Status != 1 {
			continue
		}
		out = append(out, store.NewDeposit{
			AddressID:       addrID,
			ContractAddress: config.Native,
			TxHashIn:        tx.Hash.Hex(),
			Amount:          amount.String(),
			QuoteAmount:     quote.AmountToQuote(amount, native.CurrentRate, native.Decimals),
		})
	}
	return out, nil
}
