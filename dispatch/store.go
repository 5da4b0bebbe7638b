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

// Package dispatch is the orchestration service in front of the per-network
// handlers: it owns customer and user identity, fans requests out to the
// handlers, and drains the callback queue to customer supplied URLs.
package dispatch

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/secrets"
)

// ErrDuplicate surfaces a unique constraint violation.
var ErrDuplicate = errors.New("dispatch: duplicate row")

// ErrNotFound means the requested row does not exist.
var ErrNotFound = errors.New("dispatch: not found")

const schemaDDL = `
CREATE TABLE IF NOT EXISTS customers (
	id               text PRIMARY KEY,
	callback_url     text NOT NULL UNIQUE,
	callback_api_key bytea NOT NULL,
	api_key          bytea NOT NULL,
	created_at       timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
	id          text PRIMARY KEY,
	role        integer NOT NULL,
	customer_id text REFERENCES customers (id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS network_handlers (
	name         text PRIMARY KEY,
	display_name text NOT NULL,
	server_url   text NOT NULL UNIQUE,
	api_key      bytea NOT NULL,
	is_active    boolean NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS callbacks (
	id                 bigserial PRIMARY KEY,
	callback_id        text NOT NULL UNIQUE,
	user_id            text NOT NULL REFERENCES users (id),
	path               text NOT NULL,
	json_data          jsonb NOT NULL,
	is_notified        boolean NOT NULL DEFAULT false,
	locked_by_callback boolean NOT NULL DEFAULT false,
	time_to_callback   timestamptz NOT NULL DEFAULT now(),
	callback_period    integer NOT NULL DEFAULT 60,
	created_at         timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS callbacks_pending_idx
	ON callbacks (time_to_callback) WHERE NOT is_notified;
`

// Store is the dispatcher's persistence layer: customers, their users, the
// handler registry and the callback queue.
type Store struct {
	write  *pgxpool.Pool
	read   *pgxpool.Pool
	cipher *secrets.Cipher
	logger log.Logger
}

// NewStore connects both pools. maxConns applies to each pool independently.
func NewStore(ctx context.Context, writeDSN, readDSN string, maxConns int32, cipher *secrets.Cipher, logger log.Logger) (*Store, error) {
	write, err := newPool(ctx, writeDSN, maxConns)
	if err != nil {
		return nil, fmt.Errorf("write pool: %w", err)
	}
	read, err := newPool(ctx, readDSN, maxConns)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("read pool: %w", err)
	}
	return &Store{write: write, read: read, cipher: cipher, logger: logger}, nil
}

func newPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *Store) Close() {
	s.write.Close()
	s.read.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.write.Exec(ctx, schemaDDL)
	return err
}

// StartupSweep releases callback locks orphaned by a crash.
func (s *Store) StartupSweep(ctx context.Context) error {
	_, err := s.write.Exec(ctx,
		`UPDATE callbacks SET locked_by_callback = false WHERE locked_by_callback`)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.write.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// AddCustomer registers a customer and mints its API key. Duplicate callback
// URLs surface as ErrDuplicate.
func (s *Store) AddCustomer(ctx context.Context, callbackURL, callbackAPIKey string) (customerID, apiKey string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	customerID = uuid.NewString()
	apiKey = hex.EncodeToString(raw)

	encCallbackKey, err := s.cipher.Encrypt(callbackAPIKey)
	if err != nil {
		return "", "", err
	}
	encAPIKey, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return "", "", err
	}
	_, err = s.write.Exec(ctx,
		`INSERT INTO customers (id, callback_url, callback_api_key, api_key)
		 VALUES ($1, $2, $3, $4)`,
		customerID, callbackURL, encCallbackKey, encAPIKey)
	if err != nil {
		return "", "", mapConstraint(err)
	}
	return customerID, apiKey, nil
}

// UpdateCustomerByCallbackURL rotates the customer's keys. Empty values keep
// the current ones.
func (s *Store) UpdateCustomerByCallbackURL(ctx context.Context, callbackURL, callbackAPIKey, apiKey string) (string, error) {
	var customerID string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id FROM customers WHERE callback_url = $1 FOR UPDATE`, callbackURL).Scan(&customerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if callbackAPIKey != "" {
			enc, err := s.cipher.Encrypt(callbackAPIKey)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE customers SET callback_api_key = $2 WHERE id = $1`, customerID, enc); err != nil {
				return err
			}
		}
		if apiKey != "" {
			enc, err := s.cipher.Encrypt(apiKey)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE customers SET api_key = $2 WHERE id = $1`, customerID, enc); err != nil {
				return err
			}
		}
		return nil
	})
	return customerID, err
}

// VerifyCustomer checks the customer's API key. The stored key is encrypted
// at rest, so the check decrypts and compares rather than matching ciphertext.
func (s *Store) VerifyCustomer(ctx context.Context, customerID, apiKey string) (bool, error) {
	var enc []byte
	err := s.read.QueryRow(ctx,
		`SELECT api_key FROM customers WHERE id = $1`, customerID).Scan(&enc)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stored, err := s.cipher.Decrypt(enc)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(apiKey)) == 1, nil
}

// VerifyCustomerAndUser additionally checks that the user belongs to the
// customer.
func (s *Store) VerifyCustomerAndUser(ctx context.Context, customerID, apiKey, userID string) (customerOK, userOK bool, err error) {
	customerOK, err = s.VerifyCustomer(ctx, customerID, apiKey)
	if err != nil || !customerOK {
		return customerOK, false, err
	}
	var one int
	err = s.read.QueryRow(ctx,
		`SELECT 1 FROM users WHERE id = $1 AND customer_id = $2`, userID, customerID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, false, nil
	}
	if err != nil {
		return true, false, err
	}
	return true, true, nil
}

// AddUser inserts the user and runs fanout inside the same transaction: if
// any handler rejects the account, the local row rolls back with it.
func (s *Store) AddUser(ctx context.Context, userID, customerID string, fanout func(ctx context.Context) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, role, customer_id) VALUES ($1, $2, $3)`,
			userID, int(config.RoleUser), customerID); err != nil {
			return mapConstraint(err)
		}
		return fanout(ctx)
	})
}

// HandlerInfo is one registered network handler.
type HandlerInfo struct {
	Name        string
	DisplayName string
	ServerURL   string
	APIKey      string
	IsActive    bool
}

// AddHandler registers a handler discovered at startup. Existing names
// surface as ErrDuplicate, which the bootstrap tolerates.
func (s *Store) AddHandler(ctx context.Context, h HandlerInfo) error {
	enc, err := s.cipher.Encrypt(h.APIKey)
	if err != nil {
		return err
	}
	_, err = s.write.Exec(ctx,
		`INSERT INTO network_handlers (name, display_name, server_url, api_key)
		 VALUES ($1, $2, $3, $4)`,
		h.Name, h.DisplayName, h.ServerURL, enc)
	return mapConstraint(err)
}

// Handlers lists the active handlers with decrypted API keys.
func (s *Store) Handlers(ctx context.Context) ([]HandlerInfo, error) {
	rows, err := s.read.Query(ctx,
		`SELECT name, display_name, server_url, api_key, is_active
		 FROM network_handlers WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HandlerInfo
	for rows.Next() {
		var h HandlerInfo
		var enc []byte
		if err := rows.Scan(&h.Name, &h.DisplayName, &h.ServerURL, &enc, &h.IsActive); err != nil {
			return nil, err
		}
		if h.APIKey, err = s.cipher.Decrypt(enc); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HandlerByName resolves one active handler.
func (s *Store) HandlerByName(ctx context.Context, name string) (*HandlerInfo, error) {
	var h HandlerInfo
	var enc []byte
	err := s.read.QueryRow(ctx,
		`SELECT name, display_name, server_url, api_key, is_active
		 FROM network_handlers WHERE name = $1 AND is_active`, name).
		Scan(&h.Name, &h.DisplayName, &h.ServerURL, &enc, &h.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if h.APIKey, err = s.cipher.Decrypt(enc); err != nil {
		return nil, err
	}
	return &h, nil
}

// AddCallback enqueues one callback. The handler side treats the resulting
// 409 on a duplicate callback_id as delivered.
func (s *Store) AddCallback(ctx context.Context, callbackID, userID, path string, jsonData []byte) error {
	_, err := s.write.Exec(ctx,
		`INSERT INTO callbacks (callback_id, user_id, path, json_data)
		 VALUES ($1, $2, $3, $4)`,
		callbackID, userID, path, jsonData)
	return mapConstraint(err)
}

// PendingCallback is one claimed callback joined with its customer's
// delivery credentials.
type PendingCallback struct {
	ID             int64
	CallbackID     string
	Path           string
	JSONData       []byte
	Period         int
	CallbackURL    string
	CallbackAPIKey string
}

// GetAndLockCallbacks claims due callbacks with SKIP LOCKED semantics so
// concurrent workers never double-deliver.
func (s *Store) GetAndLockCallbacks(ctx context.Context, limit int) ([]PendingCallback, error) {
	var out []PendingCallback
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT cb.id, cb.callback_id, cb.path, cb.json_data, cb.callback_period,
			        c.callback_url, c.callback_api_key
			 FROM callbacks cb
			 JOIN users u ON u.id = cb.user_id
			 JOIN customers c ON c.id = u.customer_id
			 WHERE NOT cb.is_notified
			   AND NOT cb.locked_by_callback
			   AND cb.time_to_callback < now()
			 ORDER BY cb.time_to_callback
			 FOR UPDATE OF cb SKIP LOCKED
			 LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var cb PendingCallback
			var encKey []byte
			if err := rows.Scan(&cb.ID, &cb.CallbackID, &cb.Path, &cb.JSONData, &cb.Period,
				&cb.CallbackURL, &encKey); err != nil {
				return err
			}
			if cb.CallbackAPIKey, err = s.cipher.Decrypt(encKey); err != nil {
				return err
			}
			out = append(out, cb)
			ids = append(ids, cb.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE callbacks SET locked_by_callback = true WHERE id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CallbackDelivered finalizes one callback.
func (s *Store) CallbackDelivered(ctx context.Context, id int64) error {
	_, err := s.write.Exec(ctx,
		`UPDATE callbacks SET is_notified = true, locked_by_callback = false WHERE id = $1`, id)
	return err
}

// PostponeCallback releases the lock and pushes the retry window out by the
// current period, growing the period linearly.
func (s *Store) PostponeCallback(ctx context.Context, id int64, period int) error {
	_, err := s.write.Exec(ctx,
		`UPDATE callbacks SET
			locked_by_callback = false,
			time_to_callback = now() + make_interval(secs => $2),
			callback_period = callback_period + 60
		 WHERE id = $1`, id, period)
	return err
}
