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
)

// CallbackJob is one row claimed for notification, with the coin metadata
// needed to render display amounts.
type CallbackJob struct {
	ID              uuid.UUID
	UserID          string
	ContractAddress string
	CoinName        string
	Decimals        int
	Amount          *big.Int
	QuoteAmount     decimal.Decimal
	TxHashIn        string
	TxHashOut       string
	Address         string // withdrawal destination, empty for deposits
	UserCurrency    string
	Period          int
}

const unnotifiedDepositsSQL = `
SELECT d.id, ua.user_id, d.contract_address, c.name, c.decimals,
       d.amount::text, COALESCE(d.quote_amount::text, '0'),
       d.tx_hash_in, COALESCE(d.tx_hash_out, ''), d.callback_period
FROM deposits d
JOIN user_address ua ON ua.id = d.address_id
JOIN coins c ON c.contract_address = d.contract_address
WHERE NOT d.is_notified
  AND NOT d.locked_by_callback
  AND d.time_to_callback < now()
ORDER BY d.time_to_callback
LIMIT $1
FOR UPDATE OF d SKIP LOCKED`

const unnotifiedWithdrawalsSQL = `
SELECT w.id, w.user_id, w.contract_address, c.name, c.decimals,
       w.amount::text, COALESCE(w.quote_amount::text, '0'),
       COALESCE(w.tx_hash_out, ''), w.withdrawal_address,
       COALESCE(w.user_currency, ''), w.callback_period
FROM withdrawals w
JOIN coins c ON c.contract_address = w.contract_address
WHERE w.tx_hash_out IS NOT NULL
  AND NOT w.is_notified
  AND NOT w.locked_by_callback
  AND w.time_to_callback < now()
ORDER BY w.time_to_callback
LIMIT $1
FOR UPDATE OF w SKIP LOCKED`

// GetAndLockUnnotifiedDeposits claims rows for the deposit callback loop.
func (s *Store) GetAndLockUnnotifiedDeposits(ctx context.Context, limit int) ([]CallbackJob, error) {
	var jobs []CallbackJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, unnotifiedDepositsSQL, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var j CallbackJob
			var amount, quote string
			if err := rows.Scan(&j.ID, &j.UserID, &j.ContractAddress, &j.CoinName,
				&j.Decimals, &amount, &quote, &j.TxHashIn, &j.TxHashOut, &j.Period); err != nil {
				rows.Close()
				return err
			}
			if j.Amount, err = parseAmount(amount); err != nil {
				rows.Close()
				return err
			}
			if j.QuoteAmount, err = decimal.NewFromString(quote); err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		return markCallbacksLocked(ctx, tx, "deposits", jobs)
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetAndLockUnnotifiedWithdrawals claims rows for the withdrawal callback
// loop; only sent withdrawals qualify.
func (s *Store) GetAndLockUnnotifiedWithdrawals(ctx context.Context, limit int) ([]CallbackJob, error) {
	var jobs []CallbackJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, unnotifiedWithdrawalsSQL, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var j CallbackJob
			var amount, quote string
			if err := rows.Scan(&j.ID, &j.UserID, &j.ContractAddress, &j.CoinName,
				&j.Decimals, &amount, &quote, &j.TxHashOut, &j.Address,
				&j.UserCurrency, &j.Period); err != nil {
				rows.Close()
				return err
			}
			if j.Amount, err = parseAmount(amount); err != nil {
				rows.Close()
				return err
			}
			if j.QuoteAmount, err = decimal.NewFromString(quote); err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		return markCallbacksLocked(ctx, tx, "withdrawals", jobs)
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func markCallbacksLocked(ctx context.Context, tx pgx.Tx, table string, jobs []CallbackJob) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	_, err := tx.Exec(ctx,
		`UPDATE `+table+` SET locked_by_callback = true WHERE id = ANY($1)`, ids)
	return err
}

// MarkNotified finalizes a delivered (or 409-acknowledged) callback.
func (s *Store) MarkNotified(ctx context.Context, table string, id uuid.UUID) error {
	_, err := s.write.Exec(ctx,
		`UPDATE `+mustCallbackTable(table)+`
		 SET is_notified = true, locked_by_callback = false WHERE id = $1`, id)
	return err
}

// PostponeCallback releases the callback lock and grows the retry window by
// 60s.
func (s *Store) PostponeCallback(ctx context.Context, table string, id uuid.UUID, period int) error {
	_, err := s.write.Exec(ctx,
		`UPDATE `+mustCallbackTable(table)+`
		 SET locked_by_callback = false,
		     time_to_callback = now() + make_interval(secs => $2),
		     callback_period = $2 + $3
		 WHERE id = $1`, id, period, callbackPeriodStep)
	return err
}

// mustCallbackTable guards the identifier interpolation above.
func mustCallbackTable(table string) string {
	switch table {
	case "deposits", "withdrawals":
		return table
	}
	panic("store: unknown callback table " + table)
}
