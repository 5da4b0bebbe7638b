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
	"github.com/shopspring/decimal"

	"github.com/CryDevOk/crypto-acquiring/config"
)

// NewWithdrawal is a withdrawal request from the dispatcher.
type NewWithdrawal struct {
	UserID          string
	ContractAddress string
	Address         string
	Amount          *big.Int
	QuoteAmount     decimal.Decimal
	UserCurrency    string
}

// WithdrawalJob is one claimed withdrawal bound to an admin hot wallet.
type WithdrawalJob struct {
	ID              uuid.UUID
	ContractAddress string
	Address         string
	Amount          *big.Int
	TxHashOut       string
	Period          int
	PollOnly        bool

	AdminAddrID  int64
	AdminPublic  string
	AdminPrivate string
}

// AddWithdrawal records a new request. The user must exist.
func (s *Store) AddWithdrawal(ctx context.Context, w NewWithdrawal) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.write.Exec(ctx,
		`INSERT INTO withdrawals (id, user_id, contract_address, withdrawal_address,
		        amount, quote_amount, user_currency)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)`,
		id, w.UserID, w.ContractAddress, w.Address,
		w.Amount.String(), w.QuoteAmount.String(), w.UserCurrency)
	if err != nil {
		return uuid.Nil, mapConstraint(err)
	}
	return id, nil
}

// freeAdminsSQL locks every currently free SADMIN address with its recorded
// balances, so claims in other processes skip them.
const freeAdminsSQL = `
SELECT ua.id, ua.public, ua.private
FROM user_address ua
JOIN users u ON u.id = ua.user_id
WHERE u.role = $1 AND NOT ua.locked_by_tx
FOR UPDATE OF ua SKIP LOCKED`

// pendingWithdrawalsSQL picks claimable rows: unclaimed fresh ones, plus
// poll-only rows whose hash was persisted after a submit-time network error
// (those keep their admin bound and locked).
const pendingWithdrawalsSQL = `
SELECT w.id, w.contract_address, w.withdrawal_address, w.amount::text,
       COALESCE(w.tx_hash_out, ''), w.tx_handler_period,
       COALESCE(w.admin_addr_id, 0), COALESCE(a.public, ''), a.private
FROM withdrawals w
LEFT JOIN user_address a ON a.id = w.admin_addr_id
WHERE NOT w.is_notified
  AND w.time_to_tx_handler < now()
  AND ((w.tx_hash_out IS NULL AND w.admin_addr_id IS NULL)
       OR (w.tx_hash_out IS NOT NULL AND w.admin_addr_id IS NOT NULL AND a.locked_by_tx))
ORDER BY w.created_at
LIMIT $1
FOR UPDATE OF w SKIP LOCKED`

type lockedAdmin struct {
	addrID  int64
	public  string
	private []byte
}

// GetAndLockPendingWithdrawals claims at most as many withdrawals as there
// are free admin addresses, binding each to an admin whose recorded balance
// of the requested coin covers the amount. The matched admins come out
// locked; unmatched withdrawals stay untouched.
func (s *Store) GetAndLockPendingWithdrawals(ctx context.Context) ([]WithdrawalJob, error) {
	var jobs []WithdrawalJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		admins, err := lockFreeAdmins(ctx, tx)
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, pendingWithdrawalsSQL, len(admins)+8)
		if err != nil {
			return err
		}
		var pending []WithdrawalJob
		for rows.Next() {
			var j WithdrawalJob
			var amount string
			var adminPrivate []byte
			if err := rows.Scan(&j.ID, &j.ContractAddress, &j.Address, &amount,
				&j.TxHashOut, &j.Period, &j.AdminAddrID, &j.AdminPublic, &adminPrivate); err != nil {
				rows.Close()
				return err
			}
			if j.Amount, err = parseAmount(amount); err != nil {
				rows.Close()
				return err
			}
			j.PollOnly = j.TxHashOut != ""
			if j.PollOnly {
				if j.AdminPrivate, err = s.decrypt(adminPrivate); err != nil {
					rows.Close()
					return err
				}
			}
			pending = append(pending, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		balances, err := adminBalancesTx(ctx, tx, admins)
		if err != nil {
			return err
		}

		used := make(map[int64]bool)
		for _, j := range pending {
			if j.PollOnly {
				jobs = append(jobs, j)
				continue
			}
			admin := pickAdmin(admins, balances, used, j.ContractAddress, j.Amount)
			if admin == nil {
				continue
			}
			used[admin.addrID] = true
			j.AdminAddrID = admin.addrID
			j.AdminPublic = admin.public
			if j.AdminPrivate, err = s.decrypt(admin.private); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE withdrawals SET admin_addr_id = $2 WHERE id = $1`,
				j.ID, admin.addrID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE user_address SET locked_by_tx = true WHERE id = $1`,
				admin.addrID); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func lockFreeAdmins(ctx context.Context, tx pgx.Tx) ([]lockedAdmin, error) {
	rows, err := tx.Query(ctx, freeAdminsSQL, int(config.RoleAdmin))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []lockedAdmin
	for rows.Next() {
		var a lockedAdmin
		if err := rows.Scan(&a.addrID, &a.public, &a.private); err != nil {
			return nil, err
		}
		admins = append(admins, a)
	}
	return admins, rows.Err()
}

func adminBalancesTx(ctx context.Context, tx pgx.Tx, admins []lockedAdmin) (map[int64]map[string]*big.Int, error) {
	out := make(map[int64]map[string]*big.Int, len(admins))
	if len(admins) == 0 {
		return out, nil
	}
	ids := make([]int64, len(admins))
	for i, a := range admins {
		ids[i] = a.addrID
	}
	rows, err := tx.Query(ctx,
		`SELECT address_id, contract_address, balance::text
		 FROM balances WHERE address_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var addrID int64
		var contract, balance string
		if err := rows.Scan(&addrID, &contract, &balance); err != nil {
			return nil, err
		}
		n, err := parseAmount(balance)
		if err != nil {
			return nil, err
		}
		if out[addrID] == nil {
			out[addrID] = make(map[string]*big.Int)
		}
		out[addrID][contract] = n
	}
	return out, rows.Err()
}

// pickAdmin finds an unused admin whose recorded balance covers the amount.
func pickAdmin(admins []lockedAdmin, balances map[int64]map[string]*big.Int, used map[int64]bool, contract string, amount *big.Int) *lockedAdmin {
	for i := range admins {
		a := &admins[i]
		if used[a.addrID] {
			continue
		}
		balance, ok := balances[a.addrID][contract]
		if !ok {
			continue
		}
		if balance.Cmp(amount) >= 0 {
			return a
		}
	}
	return nil
}

// WithdrawalSucceeded records the hash and frees the admin; the binding
// stays for the audit trail.
func (s *Store) WithdrawalSucceeded(ctx context.Context, id uuid.UUID, txHash string, adminAddrID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE withdrawals SET tx_hash_out = $2, time_to_callback = now()
			 WHERE id = $1`, id, txHash); err != nil {
			return mapConstraint(err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE user_address SET locked_by_tx = false WHERE id = $1`, adminAddrID)
		return err
	})
}

// withdrawalFailedSQL resets the row to the fresh claim state: hash and
// admin binding cleared together, so the next claim matches the fresh branch
// of pendingWithdrawalsSQL instead of falling between the two branches.
const withdrawalFailedSQL = `
UPDATE withdrawals SET tx_hash_out = NULL, admin_addr_id = NULL,
       time_to_tx_handler = now() + make_interval(secs => $2),
       tx_handler_period = $2 + $3
WHERE id = $1`

// WithdrawalFailed releases the claim entirely: the admin returns to the
// pool and the next attempt picks any admin again after the grown window.
func (s *Store) WithdrawalFailed(ctx context.Context, id uuid.UUID, period int, adminAddrID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, withdrawalFailedSQL, id, period, withdrawalPeriodStep); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE user_address SET locked_by_tx = false WHERE id = $1`, adminAddrID)
		return err
	})
}

// WithdrawalConnError keeps the admin bound and locked, persists the hash
// and schedules a poll-only retry.
func (s *Store) WithdrawalConnError(ctx context.Context, id uuid.UUID, txHash string, period int) error {
	_, err := s.write.Exec(ctx,
		`UPDATE withdrawals SET tx_hash_out = COALESCE(tx_hash_out, NULLIF($2, '')),
		        time_to_tx_handler = now() + make_interval(secs => $3),
		        tx_handler_period = $3 + $4
		 WHERE id = $1`, id, txHash, period, withdrawalPeriodStep)
	return mapConstraint(err)
}

// WithdrawalStuck parks the row for operator intervention and frees the
// admin. txHash may be empty when the attempt died before a transaction
// existed.
func (s *Store) WithdrawalStuck(ctx context.Context, id uuid.UUID, txHash string, adminAddrID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE withdrawals SET tx_hash_out = COALESCE(tx_hash_out, NULLIF($2, '')),
			        time_to_tx_handler = 'infinity'
			 WHERE id = $1`, id, txHash); err != nil {
			return mapConstraint(err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE user_address SET locked_by_tx = false WHERE id = $1`, adminAddrID)
		return err
	})
}
