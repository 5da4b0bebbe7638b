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
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CryDevOk/crypto-acquiring/chain"
	"github.com/CryDevOk/crypto-acquiring/store"
	"github.com/CryDevOk/crypto-acquiring/wallet"
)

// depositBatch bounds how many deposits one conductor tick works on.
const depositBatch = 10

// tokenApproveAllowance is the allowance granted to the approve account.
// Large enough to cover any realistic deposit stream, deliberately not
// MaxUint256.
var tokenApproveAllowance = big.NewInt(9_999_999_999_999_999)

// approveFundGas is the gas budget the approve account pre-funds a user
// address with before the approve transaction, padded by 1.3.
const approveFundGas = 100_000

// PreparingTransactionError marks a failure in the funding/approval phase of
// a token sweep, before the transferFrom itself.
type PreparingTransactionError struct {
	Err error
}

func (e *PreparingTransactionError) Error() string {
	return fmt.Sprintf("preparing transaction: %v", e.Err)
}

func (e *PreparingTransactionError) Unwrap() error { return e.Err }

// DepositStore is the slice of the store the sweep conductors use.
type DepositStore interface {
	GetAndLockPendingDepositsNative(ctx context.Context, limit int) ([]store.DepositJob, error)
	GetAndLockPendingDepositsCoin(ctx context.Context, limit int) ([]store.DepositJob, error)
	DepositSweepSucceeded(ctx context.Context, id uuid.UUID, txHash string, addrIDs ...int64) error
	DepositSweepConnError(ctx context.Context, id uuid.UUID, txHash string, period int, releaseAddrIDs ...int64) error
	DepositSweepFailed(ctx context.Context, id uuid.UUID, period int, addrIDs ...int64) error
	DepositSweepStuck(ctx context.Context, id uuid.UUID, txHash string, releaseAddrIDs ...int64) error
}

// NativeConductor sweeps native deposits from user addresses to their admin
// wallet, net of the transfer fee.
type NativeConductor struct {
	state   *State
	store   DepositStore
	backend backendFn
	logger  log.Logger
}

func NewNativeConductor(state *State, st DepositStore, backend backendFn, logger log.Logger) *NativeConductor {
	return &NativeConductor{state: state, store: st, backend: backend, logger: logger}
}

func (c *NativeConductor) Tick(ctx context.Context) error {
	jobs, err := c.store.GetAndLockPendingDepositsNative(ctx, depositBatch)
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
			c.sweepNative(gctx, job, gasPrice)
			return nil
		})
	}
	return g.Wait()
}

func (c *NativeConductor) sweepNative(ctx context.Context, job store.DepositJob, gasPrice *big.Int) {
	be, err := c.backend()
	if err != nil {
		c.logger.Error("no backend for sweep", "deposit", job.ID, "err", err)
		c.settle(ctx, job, "", err)
		return
	}

	if job.PollOnly {
		hash, err := be.Result(ctx, common.HexToHash(job.TxHashOut))
		c.settle(ctx, job, hash.Hex(), err)
		return
	}

	fee := new(big.Int).Mul(gasPrice, big.NewInt(chain.NativeGasLimit))
	send := new(big.Int).Sub(job.Amount, fee)
	if send.Sign() <= 0 {
		c.logger.Warn("deposit does not cover sweep fee, postponed",
			"deposit", job.ID, "amount", job.Amount, "fee", fee)
		if err := c.store.DepositSweepFailed(ctx, job.ID, job.Period, job.AddressID); err != nil {
			c.logger.Error("postpone failed", "deposit", job.ID, "err", err)
		}
		return
	}

	key, err := wallet.ParsePrivate(job.UserPrivate)
	if err != nil {
		// No retry will fix a key that does not parse; park the row for an
		// operator instead of leaving it claimed until the lock expires.
		c.logger.Error("corrupt user key", "deposit", job.ID, "err", err, "critical", true)
		if err := c.store.DepositSweepStuck(ctx, job.ID, ""); err != nil {
			c.logger.Error("persisting sweep outcome failed", "deposit", job.ID, "err", err)
		}
		return
	}
	hash, err := be.SendNative(ctx, key, common.HexToAddress(job.AdminPublic), send, gasPrice)
	c.settle(ctx, job, hash.Hex(), err)
}

// settle persists the outcome of one native sweep attempt.
func (c *NativeConductor) settle(ctx context.Context, job store.DepositJob, txHash string, err error) {
	outcome := classify(err)
	if job.PollOnly {
		outcome = classifyPoll(err)
	}
	var storeErr error
	switch outcome {
	case outcomeSuccess:
		c.logger.Info("deposit swept", "deposit", job.ID, "tx", txHash)
		storeErr = c.store.DepositSweepSucceeded(ctx, job.ID, txHash, job.AddressID)
	case outcomePoll:
		c.logger.Warn("sweep outcome unknown, will poll", "deposit", job.ID, "tx", txHash, "err", err)
		storeErr = c.store.DepositSweepConnError(ctx, job.ID, txHash, job.Period)
	case outcomeRetry:
		c.logger.Error("sweep failed, will rebuild", "deposit", job.ID, "err", err)
		storeErr = c.store.DepositSweepFailed(ctx, job.ID, job.Period, job.AddressID)
	case outcomeStuck:
		c.logger.Error("sweep stuck, operator needed", "deposit", job.ID, "tx", txHash, "err", err, "critical", true)
		storeErr = c.store.DepositSweepStuck(ctx, job.ID, txHash)
	}
	if storeErr != nil {
		c.logger.Error("persisting sweep outcome failed", "deposit", job.ID, "err", storeErr)
	}
}

// TokenConductor sweeps token deposits with the approve+transferFrom
// pattern, funding the user address with gas money when needed.
type TokenConductor struct {
	state   *State
	store   DepositStore
	backend backendFn
	logger  log.Logger
}

func NewTokenConductor(state *State, st DepositStore, backend backendFn, logger log.Logger) *TokenConductor {
	return &TokenConductor{state: state, store: st, backend: backend, logger: logger}
}

func (c *TokenConductor) Tick(ctx context.Context) error {
	jobs, err := c.store.GetAndLockPendingDepositsCoin(ctx, depositBatch)
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
			c.sweepToken(gctx, job, gasPrice)
			return nil
		})
	}
	return g.Wait()
}

func (c *TokenConductor) sweepToken(ctx context.Context, job store.DepositJob, gasPrice *big.Int) {
	be, err := c.backend()
	if err != nil {
		c.logger.Error("no backend for sweep", "deposit", job.ID, "err", err)
		c.settle(ctx, job, "", err)
		return
	}

	if job.PollOnly {
		hash, err := be.Result(ctx, common.HexToHash(job.TxHashOut))
		c.settle(ctx, job, hash.Hex(), err)
		return
	}

	token := be.ERC20(common.HexToAddress(job.ContractAddress))
	user := common.HexToAddress(job.UserPublic)
	admin := common.HexToAddress(job.AdminPublic)

	approveKey, err := wallet.ParsePrivate(job.ApprovePrivate)
	if err != nil {
		// Park the row and give the shared approve account back to the pool.
		c.logger.Error("corrupt approve key", "deposit", job.ID, "err", err, "critical", true)
		if err := c.store.DepositSweepStuck(ctx, job.ID, "", job.ApproveAddrID); err != nil {
			c.logger.Error("persisting sweep outcome failed", "deposit", job.ID, "err", err)
		}
		return
	}

	if err := c.prepare(ctx, be, token, job, gasPrice); err != nil {
		c.settle(ctx, job, "", &PreparingTransactionError{Err: err})
		return
	}

	hash, err := token.TransferFrom(ctx, approveKey, user, admin, job.Amount, gasPrice)
	c.settle(ctx, job, hash.Hex(), err)
}

// prepare makes sure the approve account can move the user's tokens: checks
// the standing allowance, tops the user up with gas money from the approve
// account, and submits the approval signed by the user.
func (c *TokenConductor) prepare(ctx context.Context, be chain.Backend, token chain.Token, job store.DepositJob, gasPrice *big.Int) error {
	user := common.HexToAddress(job.UserPublic)
	approve := common.HexToAddress(job.ApprovePublic)

	allowance, err := token.Allowance(ctx, user, approve)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(job.Amount) >= 0 {
		return nil
	}

	// Fund budget for the approve tx: 100000 gas at current price, x1.3.
	need := new(big.Int).Mul(gasPrice, big.NewInt(approveFundGas))
	need.Mul(need, big.NewInt(13))
	need.Div(need, big.NewInt(10))

	balance, err := be.Balance(ctx, user)
	if err != nil {
		return fmt.Errorf("user native balance: %w", err)
	}
	if balance.Cmp(need) < 0 {
		approveKey, err := wallet.ParsePrivate(job.ApprovePrivate)
		if err != nil {
			return fmt.Errorf("approve key: %w", err)
		}
		if _, err := be.SendNative(ctx, approveKey, user, need, gasPrice); err != nil {
			return fmt.Errorf("fund user for approval: %w", err)
		}
	}

	userKey, err := wallet.ParsePrivate(job.UserPrivate)
	if err != nil {
		return fmt.Errorf("user key: %w", err)
	}
	if _, err := token.Approve(ctx, userKey, approve, tokenApproveAllowance, gasPrice); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return nil
}

// settle persists the outcome of one token sweep attempt. The approve
// account returns to the pool on every outcome; the user address is released
// only on success or rebuild.
func (c *TokenConductor) settle(ctx context.Context, job store.DepositJob, txHash string, err error) {
	outcome := classify(err)
	if job.PollOnly {
		outcome = classifyPoll(err)
	}
	var storeErr error
	switch outcome {
	case outcomeSuccess:
		c.logger.Info("token deposit swept", "deposit", job.ID, "coin", job.ContractAddress, "tx", txHash)
		storeErr = c.store.DepositSweepSucceeded(ctx, job.ID, txHash, job.AddressID, job.ApproveAddrID)
	case outcomePoll:
		c.logger.Warn("token sweep outcome unknown, will poll", "deposit", job.ID, "tx", txHash, "err", err)
		storeErr = c.store.DepositSweepConnError(ctx, job.ID, txHash, job.Period, job.ApproveAddrID)
	case outcomeRetry:
		c.logger.Error("token sweep failed, will rebuild", "deposit", job.ID, "err", err)
		storeErr = c.store.DepositSweepFailed(ctx, job.ID, job.Period, job.AddressID, job.ApproveAddrID)
	case outcomeStuck:
		c.logger.Error("token sweep stuck, operator needed", "deposit", job.ID, "tx", txHash, "err", err, "critical", true)
		storeErr = c.store.DepositSweepStuck(ctx, job.ID, txHash, job.ApproveAddrID)
	}
	if storeErr != nil {
		c.logger.Error("persisting sweep outcome failed", "deposit", job.ID, "err", storeErr)
	}
}

// sweepOutcome buckets the error taxonomy into the four persistence paths.
type sweepOutcome int

const (
	outcomeSuccess sweepOutcome = iota
	outcomePoll                 // hash may be on chain, confirm without rebuilding
	outcomeRetry                // rebuild after the retry window
	outcomeStuck                // operator intervention, no automatic retry
)

func classify(err error) sweepOutcome {
	if err == nil {
		return outcomeSuccess
	}
	var connOnTx *chain.ProviderConnectionErrorOnTx
	if errors.As(err, &connOnTx) {
		return outcomePoll
	}
	var stuck *chain.StuckTransaction
	if errors.As(err, &stuck) {
		return outcomeStuck
	}
	var notFound *chain.TransactionNotFound
	if errors.As(err, &notFound) {
		// Known hash that never surfaced: keep polling it rather than
		// risking a second broadcast.
		return outcomePoll
	}
	return outcomeRetry
}

// classifyPoll buckets errors for a poll-only attempt. The transaction is
// already broadcast, so anything short of a mined revert keeps polling: a
// transport hiccup here must never clear the hash and trigger a rebuild
// while the first transaction can still confirm.
func classifyPoll(err error) sweepOutcome {
	if err == nil {
		return outcomeSuccess
	}
	var failed *chain.TransactionFailed
	if errors.As(err, &failed) {
		// Reverted on chain, the nonce is spent: rebuilding is safe.
		return outcomeRetry
	}
	var stuck *chain.StuckTransaction
	if errors.As(err, &stuck) {
		return outcomeStuck
	}
	return outcomePoll
}
