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

package wallet

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestKeysFromMnemonicIsDeterministic(t *testing.T) {
	a, err := KeysFromMnemonic(testMnemonic, 3, 0)
	require.NoError(t, err)
	b, err := KeysFromMnemonic(testMnemonic, 3, 0)
	require.NoError(t, err)
	require.Equal(t, a, b)

	// Adjacent derivations never collide.
	seen := make(map[string]bool)
	for _, p := range a {
		require.False(t, seen[p.Address])
		seen[p.Address] = true
	}
}

func TestKeysFromMnemonicOffset(t *testing.T) {
	full, err := KeysFromMnemonic(testMnemonic, 5, 0)
	require.NoError(t, err)
	tail, err := KeysFromMnemonic(testMnemonic, 4, 1)
	require.NoError(t, err)
	require.Equal(t, full[1:], tail)
}

func TestKeysFromMnemonicRejectsGarbage(t *testing.T) {
	_, err := KeysFromMnemonic("not a mnemonic at all", 1, 0)
	require.Error(t, err)
}

func TestPairPrivateMatchesAddress(t *testing.T) {
	pairs, err := KeysFromMnemonic(testMnemonic, 1, 0)
	require.NoError(t, err)

	key, err := ParsePrivate(pairs[0].Private)
	require.NoError(t, err)
	require.Equal(t, pairs[0].Address, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestCreatePair(t *testing.T) {
	p, err := CreatePair()
	require.NoError(t, err)
	require.True(t, IsValidAddress(p.Address))

	key, err := ParsePrivate(p.Private)
	require.NoError(t, err)
	require.Equal(t, p.Address, crypto.PubkeyToAddress(key.PublicKey).Hex())

	q, err := CreatePair()
	require.NoError(t, err)
	require.NotEqual(t, p.Address, q.Address)
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress("0x0f1a713859fB1d1afAc99Fe2D20CAf639560EC83"))
	assert.False(t, IsValidAddress("0x123"))
	assert.False(t, IsValidAddress("native"))
}
