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

// Package handler hosts the per-network daemon: the shared state, the block
// scanner, the sweep and withdrawal conductors, the notifier, the refresh
// jobs and the authenticated REST surface, all driven by one scheduler over
// one store.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/CryDevOk/crypto-acquiring/chain"
	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/procclient"
	"github.com/CryDevOk/crypto-acquiring/provider"
	"github.com/CryDevOk/crypto-acquiring/rates"
	"github.com/CryDevOk/crypto-acquiring/sched"
	"github.com/CryDevOk/crypto-acquiring/store"
	"github.com/CryDevOk/crypto-acquiring/wallet"
)

// Handler owns the whole per-network process.
type Handler struct {
	cfg    *config.Config
	store  *store.Store
	state  *State
	pool   *provider.Pool
	logger log.Logger
}

func New(cfg *config.Config, st *store.Store, pool *provider.Pool, logger log.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		store:  st,
		state:  NewState(),
		pool:   pool,
		logger: logger,
	}
}

// backend hands out a disposable chain client bound to a random live
// provider.
func (h *Handler) backend() (chain.Backend, error) {
	prov, err := h.pool.Get()
	if err != nil {
		return nil, err
	}
	return chain.NewEVM(prov, h.cfg.NetworkID)
}

// Bootstrap prepares the store for the run: schema, stale lock sweep,
// configured coins, seed accounts derived from the admin mnemonic, and the
// starting block. Idempotent across restarts.
func (h *Handler) Bootstrap(ctx context.Context) error {
	if err := h.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := h.store.StartupSweep(ctx); err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	if err := h.store.UpsertCoins(ctx, h.cfg.Coins); err != nil {
		return fmt.Errorf("upsert coins: %w", err)
	}
	if err := h.seedAccounts(ctx); err != nil {
		return fmt.Errorf("seed accounts: %w", err)
	}
	if err := h.seedStartBlock(ctx); err != nil {
		return fmt.Errorf("seed start block: %w", err)
	}
	return nil
}

// seedAccounts derives the SADMIN and APPROVE wallets from the mnemonic on
// first start. The derivation is deterministic, so a re-run against a
// populated store is a no-op.
func (h *Handler) seedAccounts(ctx context.Context) error {
	admins, err := h.store.CountByRole(ctx, config.RoleAdmin)
	if err != nil {
		return err
	}
	if admins >= config.AdminAccounts {
		return nil
	}

	pairs, err := wallet.KeysFromMnemonic(h.cfg.AdminSeed, config.AdminAccounts+config.ApproveAccounts, 0)
	if err != nil {
		return fmt.Errorf("derive seed accounts: %w", err)
	}
	for i, pair := range pairs {
		role := config.RoleAdmin
		name := fmt.Sprintf("%s_admin_%d", h.cfg.HandlerName, i)
		if i >= config.AdminAccounts {
			role = config.RoleApprove
			name = fmt.Sprintf("%s_approve_%d", h.cfg.HandlerName, i-config.AdminAccounts)
		}
		_, err := h.store.AddAccount(ctx, name, role, pair.Address, pair.Private)
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
		h.logger.Info("seed account ready", "user", name, "address", pair.Address, "role", int(role))
	}
	return nil
}

// seedStartBlock records where scanning begins. "latest" resolves against
// the chain minus the confirmation cushion.
func (h *Handler) seedStartBlock(ctx context.Context) error {
	last, err := h.store.GetLastHandledBlock(ctx)
	if err == nil {
		h.state.SetLastHandledBlock(last)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	start := h.cfg.StartBlock
	if start == config.StartBlockLatest {
		be, err := h.backend()
		if err != nil {
			return err
		}
		latest, err := be.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("resolve latest block: %w", err)
		}
		start = int64(latest) - config.BlockOffset
		if start < 0 {
			start = 0
		}
	}
	if err := h.store.InsertLastHandledBlock(ctx, start); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	h.state.SetLastHandledBlock(start)
	h.logger.Info("scanning starts", "block", start)
	return nil
}

// Run bootstraps, registers every periodic job, serves the REST surface and
// blocks until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) error {
	if err := h.Bootstrap(ctx); err != nil {
		return err
	}

	sender := procclient.New(h.cfg.ProcURL, h.cfg.ProcAPIKey)
	refresher := NewRefresher(h.state, h.store, h.backend, rates.NewDefault(), h.pool, h.logger.New("job", "refresh"))
	scanner := NewScanner(h.state, h.store, h.backend, h.logger.New("job", "block_parser"))
	native := NewNativeConductor(h.state, h.store, h.backend, h.logger.New("job", "native_conductor"))
	token := NewTokenConductor(h.state, h.store, h.backend, h.logger.New("job", "coin_conductor"))
	withdraw := NewWithdrawalConductor(h.state, h.store, h.backend, h.logger.New("job", "withdrawal_conductor"))
	notifier := NewNotifier(h.store, sender, h.cfg.ScannerURL, h.logger.New("job", "notifier"))

	s := sched.New(h.logger)
	scannerJob := s.Add("block_parser", scannerInterval, scanner.Tick)
	refresher.BindScannerJob(scannerJob)

	s.Add("native_conductor", 5*time.Second, native.Tick)
	s.Add("coin_conductor", 5*time.Second, token.Tick)
	s.Add("withdrawal_conductor", 5*time.Second, withdraw.Tick)
	s.Add("deposit_callback_handler", 10*time.Second, notifier.TickDeposits)
	s.Add("withdrawal_callback_handler", 10*time.Second, notifier.TickWithdrawals)
	s.Add("update_coin_rates", 10*time.Second, refresher.UpdateCoinRates)
	s.Add("update_gas_price", 60*time.Second, refresher.UpdateGasPrice)
	s.Add("update_trusted_block", 10*time.Second, refresher.UpdateTrustedBlock)
	s.Add("update_in_memory_accounts", 10*time.Second, refresher.RefreshAccounts)
	s.Add("admin_coins_bal", 30*time.Second, refresher.AdminCoinsBalance)
	s.Add("admin_approve_native_bal", 30*time.Second, refresher.ApproveNativeBalance)
	s.Add("explorer", explorerWindow, refresher.Explorer)

	s.Start(ctx)

	api := NewAPI(h.store, h.cfg, h.logger.New("job", "api"))
	server := &http.Server{
		Addr:              h.cfg.HandlerListen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		h.logger.Info("handler api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		h.logger.Error("api shutdown failed", "err", err)
	}
	s.Wait()
	return nil
}
