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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/CryDevOk/crypto-acquiring/chain"
	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/store"
)

type fakeWithdrawalStore struct {
	jobs     []store.WithdrawalJob
	claimErr error

	calls         []string
	lastID        uuid.UUID
	lastHash      string
	lastAdminAddr int64
}

func (f *fakeWithdrawalStore) GetAndLockPendingWithdrawals(ctx context.Context) ([]store.WithdrawalJob, error) {
	return f.jobs, f.claimErr
}

func (f *fakeWithdrawalStore) WithdrawalSucceeded(ctx context.Context, id uuid.UUID, txHash string, adminAddrID int64) error {
	f.calls = append(f.calls, "succeeded")
	f.lastID, f.lastHash, f.lastAdminAddr = id, txHash, adminAddrID
	return nil
}

func (f *fakeWithdrawalStore) WithdrawalFailed(ctx context.Context, id uuid.UUID, period int, adminAddrID int64) error {
	f.calls = append(f.calls, "failed")
	f.lastID, f.lastAdminAddr = id, adminAddrID
	return nil
}

func (f *fakeWithdrawalStore) WithdrawalConnError(ctx context.Context, id uuid.UUID, txHash string, period int) error {
	f.calls = append(f.calls, "connError")
	f.lastID, f.lastHash = id, txHash
	return nil
}

func (f *fakeWithdrawalStore) WithdrawalStuck(ctx context.Context, id uuid.UUID, txHash string, adminAddrID int64) error {
	f.calls = append(f.calls, "stuck")
	f.lastID, f.lastHash, f.lastAdminAddr = id, txHash, adminAddrID
	return nil
}

func withdrawalJob(contract string) store.WithdrawalJob {
	return store.WithdrawalJob{
		ID:              uuid.New(),
		ContractAddress: contract,
		Address:         strangerAddr.Hex(),
		Amount:          big.NewInt(5e17),
		Period:          60,
		AdminAddrID:     3,
		AdminPublic:     adminAddr.Hex(),
		AdminPrivate:    testKey(),
	}
}

func TestWithdrawalNativeSuccess(t *testing.T) {
	job := withdrawalJob(config.Native)
	be := &fakeBackend{sendHash: common.HexToHash("0xfeed")}
	st := &fakeWithdrawalStore{jobs: []store.WithdrawalJob{job}}
	c := NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

	require.NoError(t, c.Tick(context.Background()))
	require.Equal(t, []string{"succeeded"}, st.calls)
	require.Equal(t, job.ID, st.lastID)
	require.Equal(t, int64(3), st.lastAdminAddr)
	require.Equal(t, strangerAddr, be.lastSendTo)
	require.Equal(t, big.NewInt(5e17), be.lastSendAmount)
}

func TestWithdrawalTokenSuccess(t *testing.T) {
	job := withdrawalJob(tokenAddr.Hex())
	be := &fakeBackend{token: &fakeToken{transferHash: common.HexToHash("0xfeed")}}
	st := &fakeWithdrawalStore{jobs: []store.WithdrawalJob{job}}
	c := NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

	require.NoError(t, c.Tick(context.Background()))
	require.Zero(t, be.sendCalls)
	require.Equal(t, 1, be.token.transferCalls)
	require.Equal(t, strangerAddr, be.token.lastTransferTo)
	require.Equal(t, []string{"succeeded"}, st.calls)
}

func TestWithdrawalFailureReleasesAdmin(t *testing.T) {
	job := withdrawalJob(config.Native)
	be := &fakeBackend{sendErr: &chain.TransactionFailed{Hash: common.HexToHash("0x01")}}
	st := &fakeWithdrawalStore{jobs: []store.WithdrawalJob{job}}
	c := NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

	require.NoError(t, c.Tick(context.Background()))
	require.Equal(t, []string{"failed"}, st.calls)
	require.Equal(t, int64(3), st.lastAdminAddr)
}

func TestWithdrawalConnErrorKeepsBinding(t *testing.T) {
	job := withdrawalJob(config.Native)
	be := &fakeBackend{sendErr: &chain.ProviderConnectionErrorOnTx{Hash: common.HexToHash("0x02"), Err: errors.New("eof")}}
	st := &fakeWithdrawalStore{jobs: []store.WithdrawalJob{job}}
	c := NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

	require.NoError(t, c.Tick(context.Background()))
	require.Equal(t, []string{"connError"}, st.calls)
}

// A fresh broadcast whose hash never surfaces must not be rebuilt: a second
// send could double-pay the user. Only poll-only confirmations keep polling.
func TestWithdrawalNotFoundPolicy(t *testing.T) {
	fresh := withdrawalJob(config.Native)
	be := &fakeBackend{sendErr: &chain.TransactionNotFound{Hash: common.HexToHash("0x03")}}
	st := &fakeWithdrawalStore{jobs: []store.WithdrawalJob{fresh}}
	c := NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

	require.NoError(t, c.Tick(context.Background()))
	require.Equal(t, []string{"stuck"}, st.calls)

	poll := withdrawalJob(config.Native)
	poll.PollOnly = true
	poll.TxHashOut = common.HexToHash("0x04").Hex()
	be = &fakeBackend{resultErr: &chain.TransactionNotFound{Hash: common.HexToHash("0x04")}}
	st = &fakeWithdrawalStore{jobs: []store.WithdrawalJob{poll}}
	c = NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

	require.NoError(t, c.Tick(context.Background()))
	require.Equal(t, 1, be.resultCalls)
	require.Equal(t, []string{"connError"}, st.calls)
}

// A transport failure while confirming an already-broadcast withdrawal keeps
// polling: releasing the admin and rebuilding could pay the user twice.
func TestWithdrawalPollTransientErrorKeepsPolling(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"connection refused", &chain.ConnectionError{Err: errors.New("connection refused")}},
		{"gateway timeout", &chain.HTTPError{Status: 504, Body: "gateway timeout"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			job := withdrawalJob(config.Native)
			job.PollOnly = true
			job.TxHashOut = common.HexToHash("0x06").Hex()
			be := &fakeBackend{resultErr: tc.err}
			st := &fakeWithdrawalStore{jobs: []store.WithdrawalJob{job}}
			c := NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

			require.NoError(t, c.Tick(context.Background()))
			require.Equal(t, 1, be.resultCalls)
			require.Zero(t, be.sendCalls)
			require.Equal(t, []string{"connError"}, st.calls)
		})
	}
}

func TestWithdrawalCorruptKeyParks(t *testing.T) {
	job := withdrawalJob(config.Native)
	job.AdminPrivate = "not-a-key"
	be := &fakeBackend{}
	st := &fakeWithdrawalStore{jobs: []store.WithdrawalJob{job}}
	c := NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

	require.NoError(t, c.Tick(context.Background()))
	require.Zero(t, be.sendCalls)
	require.Equal(t, []string{"stuck"}, st.calls)
	require.Equal(t, job.ID, st.lastID)
	require.Empty(t, st.lastHash)
	// The admin hot wallet returns to the pool.
	require.Equal(t, int64(3), st.lastAdminAddr)
}

func TestWithdrawalPollOnlyConfirms(t *testing.T) {
	job := withdrawalJob(tokenAddr.Hex())
	job.PollOnly = true
	job.TxHashOut = common.HexToHash("0x05").Hex()
	be := &fakeBackend{}
	st := &fakeWithdrawalStore{jobs: []store.WithdrawalJob{job}}
	c := NewWithdrawalConductor(readyState(100), st, backendOf(be), log.Root())

	require.NoError(t, c.Tick(context.Background()))
	require.Equal(t, 1, be.resultCalls)
	require.Equal(t, []string{"succeeded"}, st.calls)
	require.Equal(t, job.TxHashOut, st.lastHash)
}
