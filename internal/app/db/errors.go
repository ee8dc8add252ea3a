package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"spachat/internal/app/identity"
)

const (
	pgUniqueViolation       = "23505"
	pgInvalidTextRepr       = "22P02"
	displayNameUniqueConstr = "users_display_name_key"
)

// storeError maps PostgreSQL errors onto the identity store sentinels. It returns nil when
// err has no identity meaning and should be wrapped by the caller.
func storeError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}

	switch {
	case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == displayNameUniqueConstr:
		return identity.ErrDuplicateName
	case pgErr.Code == pgInvalidTextRepr:
		// A durable id that is not a UUID cannot name a stored user.
		return identity.ErrNotFound
	}
	return nil
}
