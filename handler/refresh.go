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
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/provider"
	"github.com/CryDevOk/crypto-acquiring/sched"
	"github.com/CryDevOk/crypto-acquiring/store"
)

// scannerInterval is the normal block-parser pace; catch-up mode drops it to
// zero until the slippage recovers.
const scannerInterval = 2 * time.Second

// explorerWindow is the telemetry report span.
const explorerWindow = 120 * time.Second

// RefreshStore is the slice of the store the refresh jobs use.
type RefreshStore interface {
	ActiveCoins(ctx context.Context) ([]store.Coin, error)
	UpdateCoinRates(ctx context.Context, rates map[string]decimal.Decimal) error
	AccountsByRole(ctx context.Context, roles ...config.Role) ([]store.Account, error)
	AllAccounts(ctx context.Context) ([]store.Account, error)
	UpsertBalance(ctx context.Context, addressID int64, contract string, balance *big.Int) error
}

// RatesSource fetches spot prices for the configured coins.
type RatesSource interface {
	Rates(ctx context.Context, bases []string, quoteCoin string) (map[string]decimal.Decimal, map[string]error)
}

// Refresher hosts the periodic cache and balance refresh jobs.
type Refresher struct {
	state   *State
	store   RefreshStore
	backend backendFn
	rates   RatesSource
	pool    *provider.Pool
	logger  log.Logger

	// scannerJob gets its interval flipped by the explorer when the
	// scanner falls too far behind.
	scannerJob *sched.Job
}

func NewRefresher(state *State, st RefreshStore, backend backendFn, rates RatesSource, pool *provider.Pool, logger log.Logger) *Refresher {
	return &Refresher{state: state, store: st, backend: backend, rates: rates, pool: pool, logger: logger}
}

// BindScannerJob hands the explorer the handle it tunes.
func (r *Refresher) BindScannerJob(job *sched.Job) { r.scannerJob = job }

// UpdateCoinRates refreshes current_rate for every active coin. The quote
// coin itself is pinned to 1; coins whose tickers failed keep their previous
// rate.
func (r *Refresher) UpdateCoinRates(ctx context.Context) error {
	coins, err := r.store.ActiveCoins(ctx)
	if err != nil {
		return err
	}
	var bases []string
	byName := make(map[string][]string) // coin name -> contract addresses
	for _, c := range coins {
		byName[c.Name] = append(byName[c.Name], c.ContractAddress)
		if c.Name != config.QuoteCoin {
			bases = append(bases, c.Name)
		}
	}

	fetched, failed := r.rates.Rates(ctx, bases, config.QuoteCoin)
	for name, err := range failed {
		r.logger.Warn("rate fetch failed, keeping previous", "coin", name, "err", err)
	}

	update := make(map[string]decimal.Decimal)
	for name, rate := range fetched {
		for _, contract := range byName[name] {
			update[contract] = rate
		}
	}
	for _, contract := range byName[config.QuoteCoin] {
		update[contract] = decimal.NewFromInt(1)
	}
	if len(update) == 0 {
		return nil
	}
	return r.store.UpdateCoinRates(ctx, update)
}

// UpdateGasPrice publishes the provider's suggestion padded by 1.5 and opens
// the readiness gate on the first run.
func (r *Refresher) UpdateGasPrice(ctx context.Context) error {
	be, err := r.backend()
	if err != nil {
		return err
	}
	price, err := be.GasPrice(ctx)
	if err != nil {
		return err
	}
	padded := new(big.Int).Mul(price, big.NewInt(3))
	padded.Div(padded, big.NewInt(2))
	r.state.SetGasPrice(padded)
	return nil
}

// UpdateTrustedBlock keeps the confirmation cushion moving so the scanner
// never stalls at the tip.
func (r *Refresher) UpdateTrustedBlock(ctx context.Context) error {
	be, err := r.backend()
	if err != nil {
		return err
	}
	latest, err := be.LatestBlockNumber(ctx)
	if err != nil {
		return err
	}
	r.state.SetTrustedBlock(int64(latest) - config.BlockOffset)
	return nil
}

// RefreshAccounts rebuilds the in-memory address book and publishes it as a
// fresh snapshot.
func (r *Refresher) RefreshAccounts(ctx context.Context) error {
	accounts, err := r.store.AllAccounts(ctx)
	if err != nil {
		return err
	}
	snap := &AccountsSnapshot{
		Users:    make(map[common.Address]int64),
		Handlers: make(map[common.Address]int64),
	}
	for _, a := range accounts {
		addr := common.HexToAddress(a.Public)
		switch a.Role {
		case config.RoleUser:
			snap.Users[addr] = a.AddressID
		case config.RoleAdmin, config.RoleApprove:
			snap.Handlers[addr] = a.AddressID
		}
	}
	r.state.PublishAccounts(snap)
	return nil
}

// AdminCoinsBalance refreshes every admin's balance for every active coin.
func (r *Refresher) AdminCoinsBalance(ctx context.Context) error {
	be, err := r.backend()
	if err != nil {
		return err
	}
	coins, err := r.store.ActiveCoins(ctx)
	if err != nil {
		return err
	}
	admins, err := r.store.AccountsByRole(ctx, config.RoleAdmin)
	if err != nil {
		return err
	}
	for _, admin := range admins {
		addr := common.HexToAddress(admin.Public)
		for _, coin := range coins {
			var balance *big.Int
			if coin.Native() {
				balance, err = be.Balance(ctx, addr)
			} else {
				balance, err = be.ERC20(common.HexToAddress(coin.ContractAddress)).BalanceOf(ctx, addr)
			}
			if err != nil {
				return fmt.Errorf("balance of %s for %s: %w", admin.Public, coin.Name, err)
			}
			if coin.Native() {
				r.warnLowNative(ctx, admin.Public, balance)
			}
			if err := r.store.UpsertBalance(ctx, admin.AddressID, coin.ContractAddress, balance); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApproveNativeBalance refreshes the native balance of every approve
// account, the gas purse of the token sweeps.
func (r *Refresher) ApproveNativeBalance(ctx context.Context) error {
	be, err := r.backend()
	if err != nil {
		return err
	}
	approves, err := r.store.AccountsByRole(ctx, config.RoleApprove)
	if err != nil {
		return err
	}
	for _, acc := range approves {
		balance, err := be.Balance(ctx, common.HexToAddress(acc.Public))
		if err != nil {
			return fmt.Errorf("native balance of %s: %w", acc.Public, err)
		}
		r.warnLowNative(ctx, acc.Public, balance)
		if err := r.store.UpsertBalance(ctx, acc.AddressID, config.Native, balance); err != nil {
			return err
		}
	}
	return nil
}

func (r *Refresher) warnLowNative(ctx context.Context, public string, balance *big.Int) {
	gasPrice, err := r.state.GasPrice(ctx)
	if err != nil {
		return
	}
	threshold := new(big.Int).Mul(gasPrice, big.NewInt(approveFundGas))
	threshold.Mul(threshold, big.NewInt(config.NativeWarningThreshold))
	if balance.Cmp(threshold) <= 0 {
		r.logger.Warn("hot wallet native balance low",
			"address", public, "balance", balance, "threshold", threshold)
	}
}

// Explorer reports provider telemetry and manages catch-up mode.
func (r *Refresher) Explorer(ctx context.Context) error {
	rps := r.pool.Telemetry().RPS(explorerWindow)
	breakdown := r.pool.Telemetry().StatusBreakdown(explorerWindow)
	r.logger.Info("provider telemetry", "rps", fmt.Sprintf("%.2f", rps))
	for name, byStatus := range breakdown {
		r.logger.Info("provider requests", "provider", name, "statuses", fmt.Sprintf("%v", byStatus))
	}

	if r.scannerJob == nil {
		return nil
	}
	slippage := r.state.Slippage()
	if slippage > config.BlockOffset*config.AllowedSlippage {
		r.logger.Warn("scanner behind trusted block, catch-up mode",
			"slippage", slippage, "threshold", config.BlockOffset*config.AllowedSlippage)
		r.scannerJob.SetInterval(0)
	} else if r.scannerJob.Interval() != scannerInterval {
		r.logger.Info("scanner caught up, restoring pace", "slippage", slippage)
		r.scannerJob.SetInterval(scannerInterval)
	}
	return nil
}
