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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/CryDevOk/crypto-acquiring/config"
)

// Account is one row of the address book used for in-memory projections.
type Account struct {
	AddressID int64
	UserID    string
	Public    string
	Role      config.Role
}

// AddAccount creates a user with its deposit address, assigning a random
// SADMIN and a random APPROVE in the same transaction. Duplicate user ids
// surface as ErrDuplicate.
func (s *Store) AddAccount(ctx context.Context, userID string, role config.Role, public, private string) (string, error) {
	encPrivate, err := s.encrypt(private)
	if err != nil {
		return "", err
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, role) VALUES ($1, $2)`, userID, int(role)); err != nil {
			return mapConstraint(err)
		}

		var adminID, approveID *string
		if role == config.RoleUser {
			id, err := randomUserByRole(ctx, tx, config.RoleAdmin)
			if err != nil {
				return fmt.Errorf("pick admin: %w", err)
			}
			adminID = &id
			id, err = randomUserByRole(ctx, tx, config.RoleApprove)
			if err != nil {
				return fmt.Errorf("pick approve: %w", err)
			}
			approveID = &id
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO user_address (user_id, public, private, admin_id, approve_id)
			 VALUES ($1, $2, $3, $4, $5)`,
			userID, public, encPrivate, adminID, approveID)
		return mapConstraint(err)
	})
	if err != nil {
		return "", err
	}
	return public, nil
}

func randomUserByRole(ctx context.Context, tx pgx.Tx, role config.Role) (string, error) {
	var id string
	err := tx.QueryRow(ctx,
		`SELECT u.id FROM users u
		 JOIN user_address ua ON ua.user_id = u.id
		 WHERE u.role = $1 ORDER BY random() LIMIT 1`, int(role)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("no account with role %d", role)
	}
	return id, err
}

// AccountsByRole lists accounts for the given roles, for the shared state
// projections.
func (s *Store) AccountsByRole(ctx context.Context, roles ...config.Role) ([]Account, error) {
	ids := make([]int, len(roles))
	for i, r := range roles {
		ids[i] = int(r)
	}
	rows, err := s.read.Query(ctx,
		`SELECT ua.id, ua.user_id, ua.public, u.role
		 FROM user_address ua JOIN users u ON u.id = ua.user_id
		 WHERE u.role = ANY($1) ORDER BY ua.id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var role int
		if err := rows.Scan(&a.AddressID, &a.UserID, &a.Public, &role); err != nil {
			return nil, err
		}
		a.Role = config.Role(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AllAccounts is AccountsByRole over every role.
func (s *Store) AllAccounts(ctx context.Context) ([]Account, error) {
	return s.AccountsByRole(ctx, config.RoleUser, config.RoleApprove, config.RoleAdmin)
}

// AccountByUserID resolves one user's deposit address.
func (s *Store) AccountByUserID(ctx context.Context, userID string) (*Account, error) {
	var a Account
	var role int
	err := s.read.QueryRow(ctx,
		`SELECT ua.id, ua.user_id, ua.public, u.role
		 FROM user_address ua JOIN users u ON u.id = ua.user_id
		 WHERE ua.user_id = $1`, userID).Scan(&a.AddressID, &a.UserID, &a.Public, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Role = config.Role(role)
	return &a, nil
}

// CountByRole reports how many accounts exist with the role. The bootstrap
// uses it to decide whether the seed accounts still need deriving.
func (s *Store) CountByRole(ctx context.Context, role config.Role) (int, error) {
	var n int
	err := s.read.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE role = $1`, int(role)).Scan(&n)
	return n, err
}
