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

package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// AlreadyKnown: the node has already seen this transaction.
type AlreadyKnown struct {
	Nonce uint64
}

func (e *AlreadyKnown) Error() string {
	return fmt.Sprintf("transaction already known, nonce %d", e.Nonce)
}

// UnderpricedTransaction: a replacement with the same nonce pays too little.
type UnderpricedTransaction struct {
	Nonce uint64
}

func (e *UnderpricedTransaction) Error() string {
	return fmt.Sprintf("replacement transaction underpriced, nonce %d", e.Nonce)
}

// InsufficientFundsForTx: the sender cannot cover value plus gas.
type InsufficientFundsForTx struct {
	Addr common.Address
}

func (e *InsufficientFundsForTx) Error() string {
	return fmt.Sprintf("insufficient funds for tx from %s", e.Addr.Hex())
}

// TransactionFailed: mined, receipt status not success.
type TransactionFailed struct {
	Hash common.Hash
}

func (e *TransactionFailed) Error() string {
	return fmt.Sprintf("transaction %s failed on chain", e.Hash.Hex())
}

// StuckTransaction: present on the node but unmined past the wait budget.
// No automatic retry; an operator has to look at it.
type StuckTransaction struct {
	Hash  common.Hash
	Nonce uint64
}

func (e *StuckTransaction) Error() string {
	return fmt.Sprintf("transaction %s stuck, nonce %d", e.Hash.Hex(), e.Nonce)
}

// TransactionNotFound: unknown to the node after the mempool wait budget.
type TransactionNotFound struct {
	Hash common.Hash
}

func (e *TransactionNotFound) Error() string {
	return fmt.Sprintf("transaction %s not found", e.Hash.Hex())
}

// ProviderConnectionErrorOnTx: the submit observed a network failure, so the
// hash is known but the outcome is not. The caller persists the hash and
// retries via the poll-only path.
type ProviderConnectionErrorOnTx struct {
	Hash common.Hash
	Err  error
}

func (e *ProviderConnectionErrorOnTx) Error() string {
	return fmt.Sprintf("connection error while submitting %s: %v", e.Hash.Hex(), e.Err)
}

func (e *ProviderConnectionErrorOnTx) Unwrap() error { return e.Err }

// HTTPError: the provider answered outside 2xx.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider http error, status %d", e.Status)
}

// ConnectionError: transport level failure, no HTTP status at all.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("provider connection error: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is a network failure or a 5xx, the
// always-recoverable kind.
func IsConnectionError(err error) bool {
	var conn *ConnectionError
	if errors.As(err, &conn) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == 429
	}
	return false
}

// mapRPCError translates a raw rpc.Client error into the taxonomy. The nonce
// and sender contextualize submit time protocol errors.
func mapRPCError(err error, nonce uint64, from common.Address) error {
	if err == nil {
		return nil
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return &HTTPError{Status: httpErr.StatusCode, Body: string(httpErr.Body)}
	}
	var jsonErr rpc.Error
	if errors.As(err, &jsonErr) {
		if jsonErr.ErrorCode() == -32000 {
			msg := jsonErr.Error()
			switch {
			case strings.HasPrefix(msg, "insufficient funds for gas"):
				return &InsufficientFundsForTx{Addr: from}
			case strings.HasPrefix(msg, "replacement transaction underpriced"):
				return &UnderpricedTransaction{Nonce: nonce}
			case strings.HasPrefix(msg, "already known"):
				return &AlreadyKnown{Nonce: nonce}
			}
		}
		return fmt.Errorf("provider rpc error: %w", err)
	}
	return &ConnectionError{Err: err}
}

// httpStatusOf extracts the status a finished request should be recorded
// under: the HTTP code when there was one, 200 for json level errors, 0 for
// transport failures.
func httpStatusOf(err error) int {
	if err == nil {
		return 200
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	var jsonErr rpc.Error
	if errors.As(err, &jsonErr) {
		return 200
	}
	return 0
}
