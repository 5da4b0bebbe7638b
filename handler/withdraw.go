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
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CryDevOk/crypto-acquiring/chain"
	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/store"
	"github.com/CryDevOk/crypto-acquiring/wallet"
)

// WithdrawalStore is the slice of the store the withdrawal conductor uses.
type WithdrawalStore interface {
	GetAndLockPendingWithdrawals(ctx context.Context) ([]store.WithdrawalJob, error)
	WithdrawalSucceeded(ctx context.Context, id uuid.UUID, txHash string, adminAddrID int64) error
	WithdrawalFailed(ctx context.Context, id uuid.UUID, period int, adminAddrID int64) error
	WithdrawalConnError(ctx context.Context, id uuid.UUID, txHash string, period int) error
	WithdrawalStuck(ctx context.Context, id uuid.UUID, txHash string, adminAddrID int64) error
}

// WithdrawalConductor executes claimed withdrawals from admin hot wallets.
type WithdrawalConductor struct {
	state   *State
	store   WithdrawalStore
	backend backendFn
	logger  log.Logger
}

func NewWithdrawalConductor(state *State, st WithdrawalStore, backend backendFn, logger log.Logger) *WithdrawalConductor {
	return &WithdrawalConductor{state: state, store: st, backend: backend, logger: logger}
}

func (c *WithdrawalConductor) Tick(ctx context.Context) error {
	jobs, err := c.store.GetAndLockPendingWithdrawals(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	gasPrice, err := c.state.GasPrice(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			c.execute(gctx, job, gasPrice)
			return nil
		})
	}
	return g.Wait()
}

func (c *WithdrawalConductor) execute(ctx context.Context, job store.WithdrawalJob, gasPrice *big.Int) {
	be, err := c.backend()
	if err != nil {
		c.logger.Error("no backend for withdrawal", "withdrawal", job.ID, "err", err)
		c.settle(ctx, job, "", err)
		return
	}

	if job.PollOnly {
		hash, err := be.Result(ctx, common.HexToHash(job.TxHashOut))
		c.settle(ctx, job, hash.Hex(), err)
		return
	}

	adminKey, err := wallet.ParsePrivate(job.AdminPrivate)
	if err != nil {
		// Park the row and free the admin; no retry will fix a key that
		// does not parse.
		c.logger.Error("corrupt admin key", "withdrawal", job.ID, "err", err, "critical", true)
		if err := c.store.WithdrawalStuck(ctx, job.ID, "", job.AdminAddrID); err != nil {
			c.logger.Error("persisting withdrawal outcome failed", "withdrawal", job.ID, "err", err)
		}
		return
	}
	to := common.HexToAddress(job.Address)

	var hash common.Hash
	if job.ContractAddress == config.Native {
		hash, err = be.SendNative(ctx, adminKey, to, job.Amount, gasPrice)
	} else {
		token := be.ERC20(common.HexToAddress(job.ContractAddress))
		hash, err = token.Transfer(ctx, adminKey, to, job.Amount, gasPrice)
	}
	c.settle(ctx, job, hash.Hex(), err)
}

func (c *WithdrawalConductor) settle(ctx context.Context, job store.WithdrawalJob, txHash string, err error) {
	outcome := classify(err)
	if job.PollOnly {
		outcome = classifyPoll(err)
	} else {
		// A fresh broadcast that never surfaced gets no automatic second
		// attempt: funds are leaving custody, an operator decides. Only a
		// poll-only confirmation keeps waiting for the hash.
		var notFound *chain.TransactionNotFound
		if errors.As(err, &notFound) {
			outcome = outcomeStuck
		}
	}

	var storeErr error
	switch outcome {
	case outcomeSuccess:
		c.logger.Info("withdrawal sent", "withdrawal", job.ID, "tx", txHash)
		storeErr = c.store.WithdrawalSucceeded(ctx, job.ID, txHash, job.AdminAddrID)
	case outcomePoll:
		c.logger.Warn("withdrawal outcome unknown, will poll", "withdrawal", job.ID, "tx", txHash, "err", err)
		storeErr = c.store.WithdrawalConnError(ctx, job.ID, txHash, job.Period)
	case outcomeRetry:
		c.logger.Error("withdrawal failed, admin released", "withdrawal", job.ID, "err", err)
		storeErr = c.store.WithdrawalFailed(ctx, job.ID, job.Period, job.AdminAddrID)
	case outcomeStuck:
		c.logger.Error("withdrawal stuck, operator needed", "withdrawal", job.ID, "tx", txHash, "err", err, "critical", true)
		storeErr = c.store.WithdrawalStuck(ctx, job.ID, txHash, job.AdminAddrID)
	}
	if storeErr != nil {
		c.logger.Error("persisting withdrawal outcome failed", "withdrawal", job.ID, "err", storeErr)
	}
}
