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
	"context"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/CryDevOk/crypto-acquiring/config"
)

// Retry pacing. Each failed attempt pushes the next one further out.
const (
	depositPeriodStep    = 30 // seconds added per deposit attempt
	withdrawalPeriodStep = 15
	callbackPeriodStep   = 60
)

// DepositJob is one claimed deposit with everything a conductor needs:
// decrypted user key, destination admin address, and for token sweeps the
// approve account. PollOnly means a hash from an earlier attempt is already
// on chain (maybe) and must be confirmed, never rebuilt.
type DepositJob struct {
	ID              uuid.UUID
	AddressID       int64
	ContractAddress string
	Amount          *big.Int
	TxHashOut       string
	Period          int
	PollOnly        bool

	UserPublic  string
	UserPrivate string
	AdminPublic string

	ApproveAddrID  int64
	ApprovePublic  string
	ApprovePrivate string
}

// claimNativeSQL picks workable native deposits. A row is workable until its
// swept marker is set, either fresh (no outbound hash, source address free)
// or poll-only (a hash persisted on the row itself by an earlier attempt).
// Callback state never gates the sweep: deposits are announced the moment
// they are observed, long before the funds move.
const claimNativeSQL = `
SELECT d.id, d.address_id, d.amount::text, COALESCE(d.tx_hash_out, ''), d.tx_handler_period,
       ua.public, ua.private, admin_ua.public
FROM deposits d
JOIN user_address ua ON ua.id = d.address_id
JOIN user_address admin_ua ON admin_ua.user_id = ua.admin_id
WHERE d.contract_address = $1
  AND NOT d.locked_by_tx_handler
  AND NOT d.swept
  AND d.time_to_tx_handler < now()
  AND ((d.tx_hash_out IS NULL AND NOT ua.locked_by_tx)
       OR d.tx_hash_out IS NOT NULL)
ORDER BY d.time_to_tx_handler
LIMIT $2
FOR UPDATE OF d, ua SKIP LOCKED`

// claimCoinSQL additionally joins the approve account, which must be free.
const claimCoinSQL = `
SELECT d.id, d.address_id, d.contract_address, d.amount::text, COALESCE(d.tx_hash_out, ''),
       d.tx_handler_period,
       ua.public, ua.private, admin_ua.public,
       approve_ua.id, approve_ua.public, approve_ua.private
FROM deposits d
JOIN user_address ua ON ua.id = d.address_id
JOIN user_address admin_ua ON admin_ua.user_id = ua.admin_id
JOIN user_address approve_ua ON approve_ua.user_id = ua.approve_id
WHERE d.contract_address <> $1
  AND NOT d.locked_by_tx_handler
  AND NOT d.swept
  AND d.time_to_tx_handler < now()
  AND NOT approve_ua.locked_by_tx
  AND ((d.tx_hash_out IS NULL AND NOT ua.locked_by_tx)
       OR d.tx_hash_out IS NOT NULL)
ORDER BY d.time_to_tx_handler
LIMIT $2
FOR UPDATE OF d, ua, approve_ua SKIP LOCKED`

// GetAndLockPendingDepositsNative claims up to limit native deposits, at
// most one per source address, marking deposit and address locked before
// commit.
func (s *Store) GetAndLockPendingDepositsNative(ctx context.Context, limit int) ([]DepositJob, error) {
	var jobs []DepositJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimNativeSQL, config.Native, limit*2)
		if err != nil {
			return err
		}
		defer rows.Close()

		seen := make(map[int64]bool)
		for rows.Next() {
			var j DepositJob
			var amount string
			var private []byte
			if err := rows.Scan(&j.ID, &j.AddressID, &amount, &j.TxHashOut, &j.Period,
				&j.UserPublic, &private, &j.AdminPublic); err != nil {
				return err
			}
			if seen[j.AddressID] || len(jobs) >= limit {
				continue
			}
			seen[j.AddressID] = true
			j.ContractAddress = config.Native
			if j.Amount, err = parseAmount(amount); err != nil {
				return err
			}
			if j.UserPrivate, err = s.decrypt(private); err != nil {
				return err
			}
			j.PollOnly = j.TxHashOut != ""
			jobs = append(jobs, j)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return markDepositsLocked(ctx, tx, jobs, false)
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetAndLockPendingDepositsCoin claims token deposits, locking the user and
// the approve account together.
func (s *Store) GetAndLockPendingDepositsCoin(ctx context.Context, limit int) ([]DepositJob, error) {
	var jobs []DepositJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimCoinSQL, config.Native, limit*2)
		if err != nil {
			return err
		}
		defer rows.Close()

		seen := make(map[int64]bool)
		for rows.Next() {
			var j DepositJob
			var amount string
			var private, approvePrivate []byte
			if err := rows.Scan(&j.ID, &j.AddressID, &j.ContractAddress, &amount, &j.TxHashOut,
				&j.Period, &j.UserPublic, &private, &j.AdminPublic,
				&j.ApproveAddrID, &j.ApprovePublic, &approvePrivate); err != nil {
				return err
			}
			if seen[j.AddressID] || seen[j.ApproveAddrID] || len(jobs) >= limit {
				continue
			}
			seen[j.AddressID] = true
			seen[j.ApproveAddrID] = true
			if j.Amount, err = parseAmount(amount); err != nil {
				return err
			}
			if j.UserPrivate, err = s.decrypt(private); err != nil {
				return err
			}
			if j.ApprovePrivate, err = s.decrypt(approvePrivate); err != nil {
				return err
			}
			j.PollOnly = j.TxHashOut != ""
			jobs = append(jobs, j)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return markDepositsLocked(ctx, tx, jobs, true)
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func markDepositsLocked(ctx context.Context, tx pgx.Tx, jobs []DepositJob, withApprove bool) error {
	if len(jobs) == 0 {
		return nil
	}
	depositIDs := make([]uuid.UUID, 0, len(jobs))
	addrIDs := make([]int64, 0, len(jobs)*2)
	for _, j := range jobs {
		depositIDs = append(depositIDs, j.ID)
		addrIDs = append(addrIDs, j.AddressID)
		if withApprove {
			addrIDs = append(addrIDs, j.ApproveAddrID)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE deposits SET locked_by_tx_handler = true WHERE id = ANY($1)`, depositIDs); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`UPDATE user_address SET locked_by_tx = true WHERE id = ANY($1)`, addrIDs)
	return err
}

// depositSweptSQL is the terminal state: once swept is set the row never
// comes back into the claim queries.
const depositSweptSQL = `
UPDATE deposits SET tx_hash_out = $2, swept = true, locked_by_tx_handler = false,
       time_to_callback = now()
WHERE id = $1`

// DepositSweepSucceeded finalizes a sweep: outbound hash recorded, swept
// marker set, handler lock dropped, every involved address released.
func (s *Store) DepositSweepSucceeded(ctx context.Context, id uuid.UUID, txHash string, addrIDs ...int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, depositSweptSQL, id, txHash); err != nil {
			return mapConstraint(err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE user_address SET locked_by_tx = false WHERE id = ANY($1)`, addrIDs)
		return err
	})
}

// DepositSweepConnError persists the known hash after a submit hit a network
// failure; the hash routes the next claim into the poll-only branch. The
// source address stays locked so nothing builds a second transaction from it
// meanwhile; released addresses (the approve account) are unlocked.
func (s *Store) DepositSweepConnError(ctx context.Context, id uuid.UUID, txHash string, period int, releaseAddrIDs ...int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE deposits SET tx_hash_out = COALESCE(tx_hash_out, NULLIF($2, '')),
			        locked_by_tx_handler = false,
			        time_to_tx_handler = now() + make_interval(secs => $3),
			        tx_handler_period = $3 + $4
			 WHERE id = $1`, id, txHash, period, depositPeriodStep); err != nil {
			return mapConstraint(err)
		}
		if len(releaseAddrIDs) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx,
			`UPDATE user_address SET locked_by_tx = false WHERE id = ANY($1)`, releaseAddrIDs)
		return err
	})
}

// DepositSweepFailed postpones a fresh rebuild: the outbound hash is
// cleared (a failed or superseded broadcast is not a sweep), locks are
// dropped and the retry window grows by 30s.
func (s *Store) DepositSweepFailed(ctx context.Context, id uuid.UUID, period int, addrIDs ...int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE deposits SET tx_hash_out = NULL, locked_by_tx_handler = false,
			        time_to_tx_handler = now() + make_interval(secs => $2),
			        tx_handler_period = $2 + $3
			 WHERE id = $1`, id, period, depositPeriodStep); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE user_address SET locked_by_tx = false WHERE id = ANY($1)`, addrIDs)
		return err
	})
}

// DepositSweepStuck records a stuck attempt: the handler lock is released
// but the retry window is pushed far out so the row waits for an operator
// instead of spinning. txHash may be empty when the attempt died before a
// transaction existed.
func (s *Store) DepositSweepStuck(ctx context.Context, id uuid.UUID, txHash string, releaseAddrIDs ...int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE deposits SET tx_hash_out = COALESCE(tx_hash_out, NULLIF($2, '')),
			        locked_by_tx_handler = false,
			        time_to_tx_handler = 'infinity'
			 WHERE id = $1`, id, txHash); err != nil {
			return mapConstraint(err)
		}
		if len(releaseAddrIDs) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx,
			`UPDATE user_address SET locked_by_tx = false WHERE id = ANY($1)`, releaseAddrIDs)
		return err
	})
}
