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

// Package wallet generates user deposit keypairs and derives the admin and
// approve hot wallet keys from the BIP39 seed phrase.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Pair is a canonical address with its hex encoded secret key.
type Pair struct {
	Address string
	Private string
}

// CreatePair generates a fresh random keypair for a user deposit address.
func CreatePair() (Pair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Pair{}, err
	}
	return pairFromKey(key), nil
}

// KeysFromMnemonic derives count keypairs from the seed phrase along the
// standard ethereum path m/44'/60'/0'/0/{offset+i}.
func KeysFromMnemonic(mnemonic string, count, offset int) ([]Pair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("wallet: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, count)
	for i := 0; i < count; i++ {
		key, err := deriveKey(master, uint32(offset+i))
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pairFromKey(key))
	}
	return pairs, nil
}

func deriveKey(master *hdkeychain.ExtendedKey, index uint32) (*ecdsa.PrivateKey, error) {
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
		index,
	}
	node := master
	var err error
	for _, segment := range path {
		node, err = node.Derive(segment)
		if err != nil {
			return nil, err
		}
	}
	priv, err := node.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

func pairFromKey(key *ecdsa.PrivateKey) Pair {
	return Pair{
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Private: hexutil.Encode(crypto.FromECDSA(key)),
	}
}

// ParsePrivate decodes a hex encoded secret key, with or without 0x prefix.
func ParsePrivate(s string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
}

// IsValidAddress reports whether s is a well formed EVM address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}
