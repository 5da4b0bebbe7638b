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
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// AccountsSnapshot is the immutable address book projection. Writers build
// a fresh one and publish it whole; readers work from whatever snapshot they
// took, so a refresh never stalls a scanner mid-block.
type AccountsSnapshot struct {
	// Users maps USER deposit addresses to their address id.
	Users map[common.Address]int64
	// Handlers holds SADMIN and APPROVE addresses, used to drop
	// internal-to-internal movement.
	Handlers map[common.Address]int64
}

// State is the process-wide cache refreshed by the timed jobs. Readers that
// need a value before its first refresh block on a readiness gate.
type State struct {
	mu       sync.RWMutex
	accounts *AccountsSnapshot
	gasPrice *big.Int

	accountsReady chan struct{}
	accountsOnce  sync.Once
	gasReady      chan struct{}
	gasOnce       sync.Once

	lastHandledBlock atomic.Int64
	trustedBlock     atomic.Int64
}

func NewState() *State {
	return &State{
		accountsReady: make(chan struct{}),
		gasReady:      make(chan struct{}),
	}
}

// PublishAccounts swaps in a fresh snapshot and opens the readiness gate on
// the first call.
func (s *State) PublishAccounts(snap *AccountsSnapshot) {
	s.mu.Lock()
	s.accounts = snap
	s.mu.Unlock()
	s.accountsOnce.Do(func() { close(s.accountsReady) })
}

// Accounts blocks until the first snapshot exists, then returns the current
// one.
func (s *State) Accounts(ctx context.Context) (*AccountsSnapshot, error) {
	select {
	case <-s.accountsReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts, nil
}

// SetGasPrice publishes the multiplied gas price and opens the gate so the
// very first sweep cannot race an unset value.
func (s *State) SetGasPrice(p *big.Int) {
	s.mu.Lock()
	s.gasPrice = new(big.Int).Set(p)
	s.mu.Unlock()
	s.gasOnce.Do(func() { close(s.gasReady) })
}

// GasPrice blocks until the price refresher has run at least once.
func (s *State) GasPrice(ctx context.Context) (*big.Int, error) {
	select {
	case <-s.gasReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.gasPrice), nil
}

func (s *State) SetLastHandledBlock(n int64) { s.lastHandledBlock.Store(n) }
func (s *State) LastHandledBlock() int64     { return s.lastHandledBlock.Load() }

func (s *State) SetTrustedBlock(n int64) { s.trustedBlock.Store(n) }
func (s *State) TrustedBlock() int64     { return s.trustedBlock.Load() }

// Slippage is how far the scanner trails the trusted block.
func (s *State) Slippage() int64 {
	return s.TrustedBlock() - s.LastHandledBlock()
}
