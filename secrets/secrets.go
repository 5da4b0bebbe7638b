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

// Package secrets implements the at-rest encryption of private keys and API
// credentials: AES-EAX with a 16 byte random nonce appended to the ciphertext.
package secrets

import (
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ProtonMail/go-crypto/eax"
)

const nonceSize = 16

var errCiphertextTooShort = errors.New("secrets: ciphertext too short")

// Cipher encrypts and decrypts column values under one process-wide key.
type Cipher struct {
	key []byte
}

// NewCipher wants a 32 byte key (AES-256).
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Cipher{key: k}, nil
}

// Encrypt seals data and appends the nonce, so a value is self contained.
func (c *Cipher) Encrypt(data string) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	aead, err := eax.NewEAX(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, []byte(data), nil)
	return append(sealed, nonce...), nil
}

// Decrypt splits the trailing nonce and opens the value.
func (c *Cipher) Decrypt(data []byte) (string, error) {
	if len(data) <= nonceSize {
		return "", errCiphertextTooShort
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	aead, err := eax.NewEAX(block)
	if err != nil {
		return "", err
	}
	nonce := data[len(data)-nonceSize:]
	plain, err := aead.Open(nil, nonce, data[:len(data)-nonceSize], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	return string(plain), nil
}
