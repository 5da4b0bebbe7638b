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

import "context"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
    id      text PRIMARY KEY,
    role    integer NOT NULL
);

CREATE TABLE IF NOT EXISTS user_address (
    id            bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    user_id       text NOT NULL REFERENCES users(id),
    public        varchar(64) NOT NULL UNIQUE,
    private       bytea NOT NULL,
    admin_id      text REFERENCES users(id),
    approve_id    text REFERENCES users(id),
    locked_by_tx  boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS coins (
    contract_address varchar(64) PRIMARY KEY,
    name             varchar(32) NOT NULL,
    decimals         integer NOT NULL CHECK (decimals > 0),
    min_amount       numeric(78,0) NOT NULL CHECK (min_amount > 0),
    fee_amount       numeric(78,0) NOT NULL DEFAULT 0,
    current_rate     numeric(36,18),
    is_active        boolean NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS balances (
    address_id       bigint NOT NULL REFERENCES user_address(id),
    contract_address varchar(64) NOT NULL REFERENCES coins(contract_address),
    balance          numeric(78,0) NOT NULL DEFAULT 0,
    UNIQUE (address_id, contract_address)
);

CREATE TABLE IF NOT EXISTS deposits (
    id                   uuid PRIMARY KEY,
    address_id           bigint NOT NULL REFERENCES user_address(id),
    contract_address     varchar(64) NOT NULL REFERENCES coins(contract_address),
    tx_hash_in           varchar(70) NOT NULL UNIQUE,
    amount               numeric(78,0) NOT NULL,
    quote_amount         numeric(36,18),
    tx_hash_out          varchar(70) UNIQUE,
    swept                boolean NOT NULL DEFAULT false,
    locked_by_tx_handler boolean NOT NULL DEFAULT false,
    locked_by_callback   boolean NOT NULL DEFAULT false,
    is_notified          boolean NOT NULL DEFAULT false,
    time_to_tx_handler   timestamptz NOT NULL DEFAULT now(),
    tx_handler_period    integer NOT NULL DEFAULT 60,
    time_to_callback     timestamptz NOT NULL DEFAULT now(),
    callback_period      integer NOT NULL DEFAULT 60,
    created_at           timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS deposits_pending_idx
    ON deposits (contract_address, time_to_tx_handler)
    WHERE NOT locked_by_tx_handler AND NOT swept;

CREATE TABLE IF NOT EXISTS withdrawals (
    id                   uuid PRIMARY KEY,
    user_id              text NOT NULL REFERENCES users(id),
    contract_address     varchar(64) NOT NULL REFERENCES coins(contract_address),
    withdrawal_address   varchar(64) NOT NULL,
    amount               numeric(78,0) NOT NULL,
    quote_amount         numeric(36,18),
    user_currency        varchar(16),
    admin_addr_id        bigint REFERENCES user_address(id),
    tx_hash_out          varchar(70) UNIQUE,
    locked_by_callback   boolean NOT NULL DEFAULT false,
    is_notified          boolean NOT NULL DEFAULT false,
    time_to_tx_handler   timestamptz NOT NULL DEFAULT now(),
    tx_handler_period    integer NOT NULL DEFAULT 60,
    time_to_callback     timestamptz NOT NULL DEFAULT now(),
    callback_period      integer NOT NULL DEFAULT 60,
    created_at           timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS blocks (
    id               bigint PRIMARY KEY,
    deposit_count    integer NOT NULL DEFAULT 0,
    withdrawal_count integer NOT NULL DEFAULT 0,
    created_at       timestamptz NOT NULL DEFAULT now()
);
`

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.write.Exec(ctx, schemaDDL)
	return err
}

// StartupSweep releases handler and callback locks left behind by a crashed
// process once their retry window has passed. Address locks are released only
// when no in-flight poll (a persisted tx_hash_out awaiting confirmation)
// depends on them.
func (s *Store) StartupSweep(ctx context.Context) error {
	const sweep = `
UPDATE deposits SET locked_by_tx_handler = false
WHERE locked_by_tx_handler AND time_to_tx_handler < now();

UPDATE deposits SET locked_by_callback = false
WHERE locked_by_callback AND time_to_callback < now();

UPDATE withdrawals SET locked_by_callback = false
WHERE locked_by_callback AND time_to_callback < now();

UPDATE user_address ua SET locked_by_tx = false
WHERE ua.locked_by_tx
  AND NOT EXISTS (
    SELECT 1 FROM deposits d
    WHERE d.address_id = ua.id AND d.tx_hash_out IS NOT NULL AND NOT d.swept)
  AND NOT EXISTS (
    SELECT 1 FROM withdrawals w
    WHERE w.admin_addr_id = ua.id AND w.tx_hash_out IS NOT NULL AND NOT w.is_notified);
`
	_, err := s.write.Exec(ctx, sweep)
	return err
}
