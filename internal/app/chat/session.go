package chat

import (
	"context"
	"errors"
	"fmt"

	"spachat/internal/app/identity"
	"spachat/internal/app/user"
)

// sessionState is the per-connection identity binding state.
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	// stateBinding means a claim is waiting for the identity store.
	stateBinding
	stateBound
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateBinding:
		return "binding"
	case stateBound:
		return "bound"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// session is the relay's view of one connection. Only the relay loop touches it.
type session struct {
	conn  Conn
	state sessionState

	// user is the bound identity; meaningful once the session was bound.
	user user.User

	// claim is the display name of the in-flight claim while binding.
	claim string

	// seq numbers the claims started on this session so a late store result for an
	// abandoned claim is recognised.
	seq uint64

	// evicted is set when a newer connection took over the identity.
	evicted bool
}

// canClaim reports whether a claim may start on this session. A session closed by an
// explicit leave keeps its socket and may bind again.
func (s *session) canClaim() error {
	switch {
	case s.evicted:
		return errSessionEvicted
	case s.state == stateBinding:
		return errClaimInFlight
	case s.state == stateBound:
		return errAlreadyBound
	}
	return nil
}

var (
	errClaimInFlight  = errors.New("claim already in flight")
	errAlreadyBound   = errors.New("connection already bound")
	errSessionEvicted = errors.New("session evicted")
	errStorePanic     = errors.New("identity store panicked")
)

// resolveIdentity performs the store side of a claim: adopt the record that owns the
// display name, or create one. It returns the resolved record marked online and
// whether it was newly created. Nothing is registered here; the caller does that only
// after a successful return. When adopting fails the existing record is still returned
// with the error, since the online write may have committed before the failure surfaced.
func resolveIdentity(ctx context.Context, store identity.Store, claim user.User) (user.User, bool, error) {
	existing, err := store.FindByName(ctx, claim.DisplayName)
	switch {
	case err == nil:
		adopted, err := adoptIdentity(ctx, store, existing, claim.ClientID)
		return adopted, false, err
	case !errors.Is(err, identity.ErrNotFound):
		return user.User{}, false, fmt.Errorf("find %q: %w", claim.DisplayName, err)
	}

	claim.IsOnline = true
	created, err := store.Create(ctx, claim)
	if errors.Is(err, identity.ErrDuplicateName) {
		// Another creator won the race for this name; the record now exists.
		existing, err = store.FindByName(ctx, claim.DisplayName)
		if err != nil {
			return user.User{}, false, fmt.Errorf("find %q after duplicate create: %w", claim.DisplayName, err)
		}
		adopted, err := adoptIdentity(ctx, store, existing, claim.ClientID)
		return adopted, false, err
	}
	if err != nil {
		return user.User{}, false, fmt.Errorf("create %q: %w", claim.DisplayName, err)
	}

	created.ClientID = claim.ClientID
	return created, true, nil
}

// adoptIdentity takes over an existing record with the claimed client id. Attributes
// sent with the claim are ignored; the stored ones win.
func adoptIdentity(ctx context.Context, store identity.Store, existing user.User, clientID string) (user.User, error) {
	online := true
	patch := user.Patch{ClientID: &clientID, IsOnline: &online}

	if err := store.Update(ctx, existing.DurableID, patch); err != nil {
		return existing, fmt.Errorf("adopt %s: %w", existing.DurableID, err)
	}
	return patch.Apply(existing), nil
}
