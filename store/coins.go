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

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/CryDevOk/crypto-acquiring/config"
)

// Coin mirrors one coins row.
type Coin struct {
	ContractAddress string
	Name            string
	Decimals        int
	MinAmount       *big.Int
	FeeAmount       *big.Int
	CurrentRate     decimal.Decimal
	HasRate         bool
	IsActive        bool
}

// Native reports whether the coin is the chain's base asset.
func (c *Coin) Native() bool { return c.ContractAddress == config.Native }

// UpsertCoins writes the configured coin set, preserving current_rate on
// conflict. Run by the bootstrap.
func (s *Store) UpsertCoins(ctx context.Context, coins []config.CoinSpec) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, c := range coins {
			if _, err := tx.Exec(ctx,
				`INSERT INTO coins (contract_address, name, decimals, min_amount, fee_amount)
				 VALUES ($1, $2, $3, $4::numeric, $5::numeric)
				 ON CONFLICT (contract_address) DO UPDATE SET
				   name = EXCLUDED.name,
				   decimals = EXCLUDED.decimals,
				   min_amount = EXCLUDED.min_amount,
				   fee_amount = EXCLUDED.fee_amount,
				   is_active = true`,
				c.ContractAddress, c.Name, c.Decimals, c.MinAmount, c.FeeAmount); err != nil {
				return err
			}
		}
		return nil
	})
}

// ActiveCoins lists coins deposits are accepted for.
func (s *Store) ActiveCoins(ctx context.Context) ([]Coin, error) {
	rows, err := s.read.Query(ctx,
		`SELECT contract_address, name, decimals, min_amount::text, fee_amount::text,
		        current_rate::text, is_active
		 FROM coins WHERE is_active ORDER BY contract_address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Coin
	for rows.Next() {
		var c Coin
		var minAmount, feeAmount string
		var rate *string
		if err := rows.Scan(&c.ContractAddress, &c.Name, &c.Decimals,
			&minAmount, &feeAmount, &rate, &c.IsActive); err != nil {
			return nil, err
		}
		if c.MinAmount, err = parseAmount(minAmount); err != nil {
			return nil, err
		}
		if c.FeeAmount, err = parseAmount(feeAmount); err != nil {
			return nil, err
		}
		if rate != nil {
			c.CurrentRate, err = decimal.NewFromString(*rate)
			if err != nil {
				return nil, err
			}
			c.HasRate = true
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCoinRates writes the freshly fetched rates, keyed by contract
// address. Coins missing from the map keep their previous rate.
func (s *Store) UpdateCoinRates(ctx context.Context, rates map[string]decimal.Decimal) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for contract, rate := range rates {
			if _, err := tx.Exec(ctx,
				`UPDATE coins SET current_rate = $2::numeric WHERE contract_address = $1`,
				contract, rate.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertBalance records the latest observed balance of one address for one
// coin.
func (s *Store) UpsertBalance(ctx context.Context, addressID int64, contract string, balance *big.Int) error {
	_, err := s.write.Exec(ctx,
		`INSERT INTO balances (address_id, contract_address, balance)
		 VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (address_id, contract_address) DO UPDATE SET balance = EXCLUDED.balance`,
		addressID, contract, balance.String())
	return err
}

// AdminBalance is one admin address with its recorded balance for a coin.
type AdminBalance struct {
	AddressID int64
	Public    string
	Balance   *big.Int
}

// AdminBalances lists SADMIN balances for one coin, freshest snapshot only.
func (s *Store) AdminBalances(ctx context.Context, contract string) ([]AdminBalance, error) {
	rows, err := s.read.Query(ctx,
		`SELECT ua.id, ua.public, b.balance::text
		 FROM balances b
		 JOIN user_address ua ON ua.id = b.address_id
		 JOIN users u ON u.id = ua.user_id
		 WHERE u.role = $1 AND b.contract_address = $2`, int(config.RoleAdmin), contract)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AdminBalance
	for rows.Next() {
		var ab AdminBalance
		var balance string
		if err := rows.Scan(&ab.AddressID, &ab.Public, &balance); err != nil {
			return nil, err
		}
		if ab.Balance, err = parseAmount(balance); err != nil {
			return nil, err
		}
		out = append(out, ab)
	}
	return out, rows.Err()
}
