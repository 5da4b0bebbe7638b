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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// NewDeposit is a scanner emission not yet persisted.
type NewDeposit struct {
	AddressID       int64
	ContractAddress string
	TxHashIn        string
	Amount          string // integer base units
	QuoteAmount     decimal.Decimal
}

// HandledBlock is one blocks row.
type HandledBlock struct {
	ID              int64 `json:"id"`
	DepositCount    int   `json:"deposit_count"`
	WithdrawalCount int   `json:"withdrawal_count"`
}

// InsertLastHandledBlock seeds the bookkeeping with the start block. Fails
// with ErrDuplicate if the block already exists, protecting monotonicity.
func (s *Store) InsertLastHandledBlock(ctx context.Context, n int64) error {
	_, err := s.write.Exec(ctx, `INSERT INTO blocks (id) VALUES ($1)`, n)
	return mapConstraint(err)
}

// GetLastHandledBlock returns the highest handled block, or ErrNotFound when
// the table is empty.
func (s *Store) GetLastHandledBlock(ctx context.Context) (int64, error) {
	var n *int64
	if err := s.read.QueryRow(ctx, `SELECT max(id) FROM blocks`).Scan(&n); err != nil {
		return 0, err
	}
	if n == nil {
		return 0, ErrNotFound
	}
	return *n, nil
}

// GetHandledBlocks pages the block history, newest first.
func (s *Store) GetHandledBlocks(ctx context.Context, limit, offset int) ([]HandledBlock, error) {
	rows, err := s.read.Query(ctx,
		`SELECT id, deposit_count, withdrawal_count FROM blocks
		 ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HandledBlock
	for rows.Next() {
		var b HandledBlock
		if err := rows.Scan(&b.ID, &b.DepositCount, &b.WithdrawalCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddDepositsAndAdvance persists the deposits found in one block and advances
// the handled-block bookkeeping in the same transaction: either both happen
// or neither. withdrawals is the number of outbound transfers the scanner saw
// in the block. Replays are idempotent: a known tx_hash_in is skipped, a
// known block id is left as it was.
func (s *Store) AddDepositsAndAdvance(ctx context.Context, block int64, deposits []NewDeposit, withdrawals int) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, d := range deposits {
			tag, err := tx.Exec(ctx,
				`INSERT INTO deposits (id, address_id, contract_address, tx_hash_in, amount, quote_amount)
				 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric)
				 ON CONFLICT (tx_hash_in) DO NOTHING`,
				uuid.New(), d.AddressID, d.ContractAddress, d.TxHashIn, d.Amount, d.QuoteAmount.String())
			if err != nil {
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO blocks (id, deposit_count, withdrawal_count) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO NOTHING`, block, inserted, withdrawals)
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
