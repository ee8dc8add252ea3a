/*
Package identity defines the durable identity store consumed by the chat relay.

The relay relies on three individually atomic operations and on the store's uniqueness
guarantee for display names; it never needs cross-record transactions.
*/
package identity

import (
	"context"
	"errors"

	"spachat/internal/app/user"
)

var (
	// ErrNotFound is returned when no record matches the requested name or id.
	ErrNotFound = errors.New("identity not found")

	// ErrDuplicateName is returned by Create when the display name is already taken.
	ErrDuplicateName = errors.New("display name already exists")
)

// Store is the durable record of named users.
type Store interface {
	// FindByName returns the record for name or ErrNotFound.
	FindByName(ctx context.Context, name string) (user.User, error)

	// Create persists u and returns it with its assigned DurableID.
	// It fails with ErrDuplicateName if the display name is taken.
	Create(ctx context.Context, u user.User) (user.User, error)

	// Update writes the non-nil fields of patch to the record with the given id.
	Update(ctx context.Context, id string, patch user.Patch) error
}
