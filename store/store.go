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

// Package store is the transactional persistence layer. It is the single
// source of truth; everything in-memory is a regenerable projection of it.
// All claim queries use SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// conductors never work the same row twice.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CryDevOk/crypto-acquiring/secrets"
)

// ErrDuplicate surfaces a unique constraint violation. Expected on scanner
// replays and block re-inserts.
var ErrDuplicate = errors.New("store: duplicate row")

// ErrNotFound means the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store carries separate write and read pools plus the at-rest cipher for
// private keys.
type Store struct {
	write  *pgxpool.Pool
	read   *pgxpool.Pool
	cipher *secrets.Cipher
	logger log.Logger
}

// New connects both pools. maxConns applies to each pool independently.
func New(ctx context.Context, writeDSN, readDSN string, maxConns int32, cipher *secrets.Cipher, logger log.Logger) (*Store, error) {
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

// withTx runs fn inside one write transaction.
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

// isUniqueViolation checks for SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapConstraint(err error) error {
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// parseAmount scans a numeric(78,0) rendered as text.
func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("store: malformed amount %q", s)
	}
	return n, nil
}

func (s *Store) decrypt(data []byte) (string, error) {
	return s.cipher.Decrypt(data)
}

func (s *Store) encrypt(value string) ([]byte, error) {
	return s.cipher.Encrypt(value)
}
