package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spachat/internal/app/identity"
	"spachat/internal/app/user"
	"spachat/internal/pkg/randx"
)

const (
	findUserByNameSQL = `
SELECT id::text, display_name, client_id, attributes, is_online
FROM users
WHERE display_name = $1`

	createUserSQL = `
INSERT INTO users (id, display_name, client_id, attributes, is_online)
VALUES ($1, $2, $3, $4, $5)
RETURNING id::text, display_name, client_id, attributes, is_online`

	updateUserSQL = `
UPDATE users
SET client_id  = COALESCE($2, client_id),
    is_online  = COALESCE($3, is_online),
    attributes = COALESCE($4, attributes),
    updated_at = now()
WHERE id = $1`

	resetPresenceSQL = `UPDATE users SET is_online = FALSE, updated_at = now() WHERE is_online`
)

// UserStore implements identity.Store on top of a pgx pool.
type UserStore struct {
	pool *pgxpool.Pool
}

var _ identity.Store = (*UserStore)(nil)

// NewUserStore wraps an initialized pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) FindByName(ctx context.Context, name string) (user.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, findUserByNameSQL, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return user.User{}, identity.ErrNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("find user by name: %w", err)
	}
	return u, nil
}

func (s *UserStore) Create(ctx context.Context, u user.User) (user.User, error) {
	attrs := u.Attributes
	if attrs == nil {
		attrs = user.Attributes{}
	}

	created, err := scanUser(s.pool.QueryRow(ctx, createUserSQL,
		randx.UserID(), u.DisplayName, u.ClientID, attrs, u.IsOnline,
	))
	if err != nil {
		if mapped := storeError(err); mapped != nil {
			return user.User{}, mapped
		}
		return user.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

func (s *UserStore) Update(ctx context.Context, id string, patch user.Patch) error {
	// A nil map must reach the query as SQL NULL so COALESCE keeps the stored value.
	var attrs any
	if patch.Attributes != nil {
		attrs = patch.Attributes
	}

	tag, err := s.pool.Exec(ctx, updateUserSQL, id, patch.ClientID, patch.IsOnline, attrs)
	if err != nil {
		if mapped := storeError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("update user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// ResetPresence marks every stored user offline. Presence does not survive a restart.
func (s *UserStore) ResetPresence(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, resetPresenceSQL)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanUser(row pgx.Row) (user.User, error) {
	var u user.User
	var attrs map[string]string

	if err := row.Scan(&u.DurableID, &u.DisplayName, &u.ClientID, &attrs, &u.IsOnline); err != nil {
		return user.User{}, err
	}

	if len(attrs) > 0 {
		u.Attributes = attrs
	}
	return u, nil
}
