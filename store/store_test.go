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

package store

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	n, err := parseAmount("5000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "5000000000000000000", n.String())

	_, err = parseAmount("not-a-number")
	require.Error(t, err)

	n, err = parseAmount("0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n.Int64())
}

func TestPickAdminPrefersSufficientBalance(t *testing.T) {
	admins := []lockedAdmin{
		{addrID: 1, public: "0xA"},
		{addrID: 2, public: "0xB"},
	}
	balances := map[int64]map[string]*big.Int{
		1: {"native": big.NewInt(100)},
		2: {"native": big.NewInt(10_000)},
	}
	used := map[int64]bool{}

	a := pickAdmin(admins, balances, used, "native", big.NewInt(5000))
	require.NotNil(t, a)
	assert.Equal(t, int64(2), a.addrID)

	// Exactly equal balance qualifies.
	a = pickAdmin(admins, balances, used, "native", big.NewInt(100))
	require.NotNil(t, a)
	assert.Equal(t, int64(1), a.addrID)
}

func TestPickAdminSkipsUsedAndUnknown(t *testing.T) {
	admins := []lockedAdmin{{addrID: 1}, {addrID: 2}}
	balances := map[int64]map[string]*big.Int{
		1: {"native": big.NewInt(1000)},
		2: {"native": big.NewInt(1000)},
	}
	used := map[int64]bool{1: true}

	a := pickAdmin(admins, balances, used, "native", big.NewInt(500))
	require.NotNil(t, a)
	assert.Equal(t, int64(2), a.addrID)

	// No balance row for the coin at all.
	assert.Nil(t, pickAdmin(admins, balances, used, "0xToken", big.NewInt(1)))

	used[2] = true
	assert.Nil(t, pickAdmin(admins, balances, used, "native", big.NewInt(1)))
}

// Deposits are announced to the dispatcher the moment the scanner records
// them, long before the funds move, so callback state must never gate the
// sweep: only the terminal swept marker takes a row out of the claim
// queries. The poll-only branch keys on the row's own persisted hash, not
// on the shared address lock.
func TestDepositClaimGatesOnSweptMarker(t *testing.T) {
	for _, q := range []string{claimNativeSQL, claimCoinSQL} {
		assert.NotContains(t, q, "is_notified")
		assert.Contains(t, q, "NOT d.swept")
		assert.NotContains(t, q, "tx_hash_out IS NOT NULL AND ua.locked_by_tx")
	}
	assert.Contains(t, depositSweptSQL, "swept = true")
}

// A failed attempt must land the row back in the fresh branch of the claim
// query: hash and admin binding cleared together. A row with a hash but no
// binding matches neither claim branch and would never be retried.
func TestWithdrawalFailedResetsClaimState(t *testing.T) {
	assert.Contains(t, withdrawalFailedSQL, "tx_hash_out = NULL")
	assert.Contains(t, withdrawalFailedSQL, "admin_addr_id = NULL")
	assert.Contains(t, pendingWithdrawalsSQL, "tx_hash_out IS NULL AND w.admin_addr_id IS NULL")
}

func TestMustCallbackTable(t *testing.T) {
	assert.Equal(t, "deposits", mustCallbackTable("deposits"))
	assert.Equal(t, "withdrawals", mustCallbackTable("withdrawals"))
	assert.Panics(t, func() { mustCallbackTable("users") })
}
