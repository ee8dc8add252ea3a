package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spachat/internal/app/identity"
	"spachat/internal/app/proto"
	"spachat/internal/app/user"
)

type fakeConn struct {
	id     string
	frames chan []byte

	mu      sync.Mutex
	closed  bool
	evicted bool
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 128)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.frames <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) Evict(string) {
	c.mu.Lock()
	c.closed = true
	c.evicted = true
	c.mu.Unlock()
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) isEvicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// hookStore wraps a MemoryStore with optional hooks that run before each call. A hook
// may block to hold a claim in flight, or return an error to simulate an outage.
type hookStore struct {
	*identity.MemoryStore

	onFind   func(ctx context.Context, name string) error
	onCreate func(ctx context.Context, u user.User) error
	onUpdate func(ctx context.Context, id string, patch user.Patch) error

	finds atomic.Int32
}

func newHookStore() *hookStore {
	return &hookStore{MemoryStore: identity.NewMemoryStore()}
}

func (s *hookStore) FindByName(ctx context.Context, name string) (user.User, error) {
	s.finds.Add(1)
	if s.onFind != nil {
		if err := s.onFind(ctx, name); err != nil {
			return user.User{}, err
		}
	}
	return s.MemoryStore.FindByName(ctx, name)
}

func (s *hookStore) Create(ctx context.Context, u user.User) (user.User, error) {
	if s.onCreate != nil {
		if err := s.onCreate(ctx, u); err != nil {
			return user.User{}, err
		}
	}
	return s.MemoryStore.Create(ctx, u)
}

func (s *hookStore) Update(ctx context.Context, id string, patch user.Patch) error {
	if s.onUpdate != nil {
		if err := s.onUpdate(ctx, id, patch); err != nil {
			return err
		}
	}
	return s.MemoryStore.Update(ctx, id, patch)
}

func startRelay(t *testing.T, store identity.Store, cfg Config) (*Relay, *Registry) {
	t.Helper()

	registry := NewRegistry()
	relay := NewRelay(registry, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-relay.Done()
	})

	return relay, registry
}

func connect(t *testing.T, r *Relay, id string) *fakeConn {
	t.Helper()

	c := newFakeConn(id)
	require.NoError(t, r.Connect(c))
	return c
}

func frame(t *testing.T, typ proto.EventType, payload any) []byte {
	t.Helper()

	f, err := proto.Encode(typ, payload)
	require.NoError(t, err)
	return f
}

func claim(t *testing.T, r *Relay, c *fakeConn, clientID, name string) {
	t.Helper()

	f := frame(t, proto.EventClaimIdentity, proto.ClaimIdentity{ClientID: clientID, DisplayName: name})
	require.NoError(t, r.Dispatch(c, f))
}

// bind claims name on c and waits for the identity-bound reply.
func bind(t *testing.T, r *Relay, c *fakeConn, clientID, name string) user.User {
	t.Helper()

	claim(t, r, c, clientID, name)

	var bound user.User
	decodeEvent(t, mustEvent(t, c, proto.EventIdentityBound), &bound)
	return bound
}

// mustEvent returns the next frame of the given type, discarding frames of other types.
func mustEvent(t *testing.T, c *fakeConn, typ proto.EventType) proto.Envelope {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.frames:
			env, err := proto.Decode(f)
			require.NoError(t, err)
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("%s: expected %q event not received", c.id, typ)
			return proto.Envelope{}
		}
	}
}

// noEvent fails if a frame of the given type arrives within wait.
func noEvent(t *testing.T, c *fakeConn, typ proto.EventType, wait time.Duration) {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case f := <-c.frames:
			env, err := proto.Decode(f)
			require.NoError(t, err)
			if env.Type == typ {
				t.Fatalf("%s: unexpected %q event: %s", c.id, typ, env.Payload)
			}
		case <-deadline:
			return
		}
	}
}

// drain discards every frame already queued on c.
func drain(c *fakeConn) {
	for {
		select {
		case <-c.frames:
		default:
			return
		}
	}
}

func decodeEvent(t *testing.T, env proto.Envelope, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Payload, dst))
}

func mustError(t *testing.T, c *fakeConn, code int) {
	t.Helper()

	var payload proto.Error
	decodeEvent(t, mustEvent(t, c, proto.EventError), &payload)
	require.Equal(t, code, payload.Code)
}

func rosterNames(roster []user.Presentable) []string {
	names := make([]string, 0, len(roster))
	for _, p := range roster {
		names = append(names, p.DisplayName)
	}
	return names
}

// settle waits until the loop has processed everything submitted before the call.
func settle(t *testing.T, r *Relay) []user.Presentable {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	roster, err := r.Roster(ctx)
	require.NoError(t, err)
	return roster
}

func isOnline(s *hookStore, id string) bool {
	u, ok := s.Get(id)
	return ok && u.IsOnline
}
