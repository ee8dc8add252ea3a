package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spachat/internal/app/proto"
	"spachat/internal/app/user"
	"spachat/internal/pkg/errs"
	"spachat/internal/pkg/metrics"
)

var errStoreDown = errors.New("store down")

func TestClaimCreatesIdentityOnEmptyStore(t *testing.T) {
	store := newHookStore()
	m := metrics.NewRelay(prometheus.NewRegistry())
	relay, registry := startRelay(t, store, Config{Metrics: m})

	alice := connect(t, relay, "alice")
	bound := bind(t, relay, alice, "c0", "Alice")

	assert.Equal(t, "u1", bound.DurableID)
	assert.Equal(t, "c0", bound.ClientID)
	assert.Equal(t, "Alice", bound.DisplayName)
	assert.True(t, bound.IsOnline)

	var roster []user.Presentable
	decodeEvent(t, mustEvent(t, alice, proto.EventRosterChanged), &roster)
	assert.Equal(t, []string{"Alice"}, rosterNames(roster))

	settle(t, relay)
	held, ok := registry.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, alice, held)
	assert.True(t, isOnline(store, "u1"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Claims.WithLabelValues(metrics.ClaimCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OnlineUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
}

func TestSecondClaimForNameEvictsFirstConnection(t *testing.T) {
	store := newHookStore()
	relay, registry := startRelay(t, store, Config{})

	first := connect(t, relay, "first")
	second := connect(t, relay, "second")

	bind(t, relay, first, "c0", "Alice")
	bound := bind(t, relay, second, "c7", "Alice")
	assert.Equal(t, "u1", bound.DurableID)
	assert.Equal(t, "c7", bound.ClientID)

	var evicted proto.Error
	decodeEvent(t, mustEvent(t, first, proto.EventEvicted), &evicted)
	assert.Equal(t, errs.ErrSessionEvicted, evicted.Code)
	assert.True(t, first.isEvicted())

	settle(t, relay)
	held, ok := registry.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, second, held)
	assert.Equal(t, 1, store.Len())

	// The evicted connection's own disconnect must not sign the new holder out.
	require.NoError(t, relay.Disconnect(first))
	roster := settle(t, relay)

	held, ok = registry.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, second, held)
	assert.Equal(t, []string{"Alice"}, rosterNames(roster))
	assert.Never(t, func() bool { return !isOnline(store, "u1") }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestEvictedConnectionCannotClaimAgain(t *testing.T) {
	store := newHookStore()
	m := metrics.NewRelay(prometheus.NewRegistry())
	relay, registry := startRelay(t, store, Config{Metrics: m})

	first := connect(t, relay, "first")
	second := connect(t, relay, "second")
	bind(t, relay, first, "c0", "Alice")
	bind(t, relay, second, "c1", "Alice")
	mustEvent(t, first, proto.EventEvicted)

	claim(t, relay, first, "c0", "Alice")
	settle(t, relay)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Claims.WithLabelValues(metrics.ClaimRejected)))
	held, ok := registry.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, second, held)
	assert.Equal(t, int32(2), store.finds.Load())
}

func TestRouteToOfflineRecipientNotifiesSenderOnly(t *testing.T) {
	store := newHookStore()
	relay, _ := startRelay(t, store, Config{})

	alice := connect(t, relay, "alice")
	observer := connect(t, relay, "observer")
	bind(t, relay, alice, "c0", "Alice")
	settle(t, relay)
	drain(alice)
	drain(observer)

	msg := proto.ChatMessage{SenderID: "u1", DestID: "u2", DestName: "Bob", MsgText: "hi Bob"}
	require.NoError(t, relay.Dispatch(alice, frame(t, proto.EventSendMessage, msg)))

	var notice proto.ChatMessage
	decodeEvent(t, mustEvent(t, alice, proto.EventMessage), &notice)
	assert.Equal(t, proto.ChatMessage{SenderID: "u1", MsgText: "Bob has gone offline."}, notice)

	noEvent(t, observer, proto.EventMessage, 50*time.Millisecond)
}

func TestRouteForwardsPayloadVerbatimWithoutBroadcast(t *testing.T) {
	relay, _ := startRelay(t, newHookStore(), Config{})

	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")
	carol := connect(t, relay, "carol")
	bind(t, relay, alice, "c0", "Alice")
	bind(t, relay, bob, "c1", "Bob")
	settle(t, relay)
	drain(alice)
	drain(bob)
	drain(carol)

	raw := `{"sender_id":"u1", "dest_id":"u2","dest_name":"Bob","msg_text":"hello","sent_at":1700000000}`
	require.NoError(t, relay.Dispatch(alice, []byte(`{"type":"send-message","payload":`+raw+`}`)))

	env := mustEvent(t, bob, proto.EventMessage)
	assert.Equal(t, raw, string(env.Payload))

	noEvent(t, alice, proto.EventMessage, 50*time.Millisecond)
	settle(t, relay)
	assert.Zero(t, len(carol.frames))
}

func TestRouteDegradesToOfflineNoticeOnUnicastFailure(t *testing.T) {
	m := metrics.NewRelay(prometheus.NewRegistry())
	relay, _ := startRelay(t, newHookStore(), Config{Metrics: m})

	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")
	bind(t, relay, alice, "c0", "Alice")
	bind(t, relay, bob, "c1", "Bob")
	settle(t, relay)
	bob.failSends(ErrSendQueueFull)

	msg := proto.ChatMessage{SenderID: "u1", DestID: "u2", DestName: "Bob", MsgText: "are you there"}
	require.NoError(t, relay.Dispatch(alice, frame(t, proto.EventSendMessage, msg)))

	var notice proto.ChatMessage
	decodeEvent(t, mustEvent(t, alice, proto.EventMessage), &notice)
	assert.Equal(t, "Bob has gone offline.", notice.MsgText)

	settle(t, relay)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues(metrics.RouteOffline)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues(metrics.RouteDelivered)))
}

func TestRouteRejectsUnboundAndOversizedMessages(t *testing.T) {
	relay, _ := startRelay(t, newHookStore(), Config{})

	anon := connect(t, relay, "anon")
	msg := proto.ChatMessage{SenderID: "u1", DestID: "u2", DestName: "Bob", MsgText: "hi"}
	require.NoError(t, relay.Dispatch(anon, frame(t, proto.EventSendMessage, msg)))
	mustError(t, anon, errs.ErrNotBound)

	alice := connect(t, relay, "alice")
	bind(t, relay, alice, "c0", "Alice")

	msg.MsgText = string(make([]byte, proto.MaxMessageBytes+1))
	require.NoError(t, relay.Dispatch(alice, frame(t, proto.EventSendMessage, msg)))
	mustError(t, alice, errs.ErrMessageTooLong)
}

func TestDisconnectSignsOutAndBroadcastsRoster(t *testing.T) {
	store := newHookStore()
	m := metrics.NewRelay(prometheus.NewRegistry())
	relay, registry := startRelay(t, store, Config{Metrics: m})

	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")
	bind(t, relay, alice, "c0", "Alice")
	bind(t, relay, bob, "c1", "Bob")
	settle(t, relay)
	drain(bob)

	require.NoError(t, relay.Disconnect(alice))

	var roster []user.Presentable
	decodeEvent(t, mustEvent(t, bob, proto.EventRosterChanged), &roster)
	assert.Equal(t, []string{"Bob"}, rosterNames(roster))

	settle(t, relay)
	_, ok := registry.Lookup("u1")
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return !isOnline(store, "u1") }, time.Second, 10*time.Millisecond)
	assert.True(t, isOnline(store, "u2"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OnlineUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
}

func TestLeaveIsIdempotent(t *testing.T) {
	store := newHookStore()
	relay, registry := startRelay(t, store, Config{})

	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")
	bind(t, relay, alice, "c0", "Alice")
	bind(t, relay, bob, "c1", "Bob")
	settle(t, relay)
	drain(bob)

	require.NoError(t, relay.Dispatch(alice, frame(t, proto.EventLeave, nil)))
	require.NoError(t, relay.Dispatch(alice, frame(t, proto.EventLeave, nil)))
	require.NoError(t, relay.Disconnect(alice))
	settle(t, relay)

	var roster []user.Presentable
	decodeEvent(t, mustEvent(t, bob, proto.EventRosterChanged), &roster)
	assert.Equal(t, []string{"Bob"}, rosterNames(roster))
	noEvent(t, bob, proto.EventRosterChanged, 50*time.Millisecond)

	assert.Equal(t, 1, registry.Len())
	assert.Eventually(t, func() bool { return !isOnline(store, "u1") }, time.Second, 10*time.Millisecond)
}

func TestLeaveWithoutBindIsNoop(t *testing.T) {
	relay, registry := startRelay(t, newHookStore(), Config{})

	anon := connect(t, relay, "anon")
	require.NoError(t, relay.Leave(anon))
	require.NoError(t, relay.Disconnect(anon))
	require.NoError(t, relay.Disconnect(anon))

	settle(t, relay)
	assert.Zero(t, registry.Len())
	assert.Zero(t, len(anon.frames))
}

func TestClaimAfterLeaveRebindsSameIdentity(t *testing.T) {
	store := newHookStore()
	relay, registry := startRelay(t, store, Config{})

	alice := connect(t, relay, "alice")
	first := bind(t, relay, alice, "c0", "Alice")
	require.NoError(t, relay.Leave(alice))

	again := bind(t, relay, alice, "c3", "Alice")
	assert.Equal(t, first.DurableID, again.DurableID)
	assert.Equal(t, "c3", again.ClientID)
	assert.Equal(t, 1, store.Len())

	settle(t, relay)
	held, ok := registry.Lookup(first.DurableID)
	require.True(t, ok)
	assert.Same(t, alice, held)
	assert.Eventually(t, func() bool { return isOnline(store, first.DurableID) }, time.Second, 10*time.Millisecond)
}

func TestExistingNameResolvesToSameDurableID(t *testing.T) {
	store := newHookStore()
	relay, _ := startRelay(t, store, Config{})

	first := connect(t, relay, "first")
	created := bind(t, relay, first, "c0", "Alice")
	require.NoError(t, relay.Disconnect(first))

	second := connect(t, relay, "second")
	adopted := bind(t, relay, second, "c9", "Alice")

	assert.Equal(t, created.DurableID, adopted.DurableID)
	assert.Equal(t, 1, store.Len())

	stored, ok := store.Get(created.DurableID)
	require.True(t, ok)
	assert.Equal(t, "c9", stored.ClientID)
}

func TestAdoptKeepsStoredAttributes(t *testing.T) {
	store := newHookStore()
	relay, _ := startRelay(t, store, Config{})

	first := connect(t, relay, "first")
	f := frame(t, proto.EventClaimIdentity, proto.ClaimIdentity{
		ClientID: "c0", DisplayName: "Alice", Attributes: user.Attributes{"color": "red"},
	})
	require.NoError(t, relay.Dispatch(first, f))
	mustEvent(t, first, proto.EventIdentityBound)
	require.NoError(t, relay.Disconnect(first))

	second := connect(t, relay, "second")
	f = frame(t, proto.EventClaimIdentity, proto.ClaimIdentity{
		ClientID: "c1", DisplayName: "Alice", Attributes: user.Attributes{"color": "blue"},
	})
	require.NoError(t, relay.Dispatch(second, f))

	var bound user.User
	decodeEvent(t, mustEvent(t, second, proto.EventIdentityBound), &bound)
	assert.Equal(t, user.Attributes{"color": "red"}, bound.Attributes)
}

func TestConcurrentDistinctClaimsProduceSortedRoster(t *testing.T) {
	relay, registry := startRelay(t, newHookStore(), Config{})

	names := []string{"Mallory", "alice", "Bob", "Zed", "Carol", "dave", "Eve", "Trent", "Peggy", "Oscar"}
	conns := make([]*fakeConn, len(names))
	for i := range names {
		conns[i] = connect(t, relay, fmt.Sprintf("conn-%d", i))
	}

	for _, i := range rand.Perm(len(names)) {
		i := i
		go func() {
			_ = relay.Claim(conns[i], proto.ClaimIdentity{ClientID: fmt.Sprintf("c%d", i), DisplayName: names[i]})
		}()
	}
	for _, c := range conns {
		mustEvent(t, c, proto.EventIdentityBound)
	}

	roster := settle(t, relay)
	require.Len(t, roster, len(names))
	assert.Equal(t, len(names), registry.Len())
	assert.IsNonDecreasing(t, rosterNames(roster))
	for _, p := range roster {
		assert.True(t, p.IsOnline)
		assert.NotEmpty(t, p.DurableID)
	}
}

func TestInvalidClaimNeverReachesStore(t *testing.T) {
	store := newHookStore()
	relay, registry := startRelay(t, store, Config{})

	c := connect(t, relay, "c")
	claim(t, relay, c, "c0", "   ")
	mustError(t, c, errs.ErrInvalidIdentity)

	claim(t, relay, c, "", "Alice")
	mustError(t, c, errs.ErrInvalidIdentity)

	settle(t, relay)
	assert.Zero(t, store.finds.Load())
	assert.Zero(t, registry.Len())
}

func TestStoreUnavailableLeavesConnectionUnauthenticated(t *testing.T) {
	store := newHookStore()
	var down atomic.Bool
	down.Store(true)
	store.onFind = func(context.Context, string) error {
		if down.Load() {
			return errStoreDown
		}
		return nil
	}

	m := metrics.NewRelay(prometheus.NewRegistry())
	relay, registry := startRelay(t, store, Config{Metrics: m})

	c := connect(t, relay, "c")
	claim(t, relay, c, "c0", "Alice")

	var payload proto.Error
	decodeEvent(t, mustEvent(t, c, proto.EventError), &payload)
	assert.Equal(t, errs.ErrIdentityStoreUnavailable, payload.Code)
	assert.NotContains(t, payload.Message, errStoreDown.Error())

	settle(t, relay)
	assert.Zero(t, registry.Len())
	assert.Zero(t, store.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Claims.WithLabelValues(metrics.ClaimFailed)))

	msg := proto.ChatMessage{SenderID: "u1", DestID: "u1", DestName: "Alice", MsgText: "hi"}
	require.NoError(t, relay.Dispatch(c, frame(t, proto.EventSendMessage, msg)))
	mustError(t, c, errs.ErrNotBound)

	down.Store(false)
	bound := bind(t, relay, c, "c0", "Alice")
	assert.Equal(t, "u1", bound.DurableID)
}

func TestClaimRejectedWhileBindingOrBound(t *testing.T) {
	store := newHookStore()
	gate := make(chan struct{})
	store.onFind = func(ctx context.Context, _ string) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	relay, _ := startRelay(t, store, Config{})

	c := connect(t, relay, "c")
	claim(t, relay, c, "c0", "Alice")
	claim(t, relay, c, "c0", "Alice")
	mustError(t, c, errs.ErrClaimInFlight)

	close(gate)
	mustEvent(t, c, proto.EventIdentityBound)

	claim(t, relay, c, "c0", "Alice")
	mustError(t, c, errs.ErrAlreadyBound)
}

func TestDisconnectDuringBindLeavesIdentityOffline(t *testing.T) {
	store := newHookStore()
	gate := make(chan struct{})
	store.onFind = func(ctx context.Context, _ string) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	relay, registry := startRelay(t, store, Config{})

	observer := connect(t, relay, "observer")
	c := connect(t, relay, "c")
	claim(t, relay, c, "c0", "Alice")
	require.NoError(t, relay.Disconnect(c))
	settle(t, relay)

	close(gate)

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !isOnline(store, "u1") }, time.Second, 10*time.Millisecond)

	settle(t, relay)
	assert.Zero(t, registry.Len())
	noEvent(t, observer, proto.EventRosterChanged, 50*time.Millisecond)
	noEvent(t, c, proto.EventIdentityBound, 0)
}

func TestCloseDuringReconnectKeepsNewHolderOnline(t *testing.T) {
	store := newHookStore()
	var hold atomic.Bool
	gate := make(chan struct{})
	store.onFind = func(ctx context.Context, _ string) error {
		if !hold.Load() {
			return nil
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	relay, registry := startRelay(t, store, Config{})

	old := connect(t, relay, "old")
	bind(t, relay, old, "c0", "Alice")

	hold.Store(true)
	fresh := connect(t, relay, "fresh")
	claim(t, relay, fresh, "c1", "Alice")
	require.NoError(t, relay.Disconnect(old))
	settle(t, relay)

	hold.Store(false)
	close(gate)
	mustEvent(t, fresh, proto.EventIdentityBound)

	settle(t, relay)
	held, ok := registry.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, fresh, held)
	assert.Never(t, func() bool { return !isOnline(store, "u1") }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestUpdateAvatarPersistsAndBroadcasts(t *testing.T) {
	store := newHookStore()
	relay, _ := startRelay(t, store, Config{})

	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")
	bind(t, relay, alice, "c0", "Alice")
	bind(t, relay, bob, "c1", "Bob")
	settle(t, relay)
	drain(bob)

	attrs := user.Attributes{"x": "12", "y": "40", "color": "teal"}
	upd := proto.AvatarUpdate{PersonID: "u1", Attributes: attrs}
	require.NoError(t, relay.Dispatch(alice, frame(t, proto.EventUpdateAvatar, upd)))

	var roster []user.Presentable
	decodeEvent(t, mustEvent(t, bob, proto.EventRosterChanged), &roster)
	require.Len(t, roster, 2)
	assert.Equal(t, "Alice", roster[0].DisplayName)
	assert.Equal(t, attrs, roster[0].Attributes)

	stored, ok := store.Get("u1")
	require.True(t, ok)
	assert.Equal(t, attrs, stored.Attributes)
}

func TestUpdateAvatarErrors(t *testing.T) {
	store := newHookStore()
	store.onUpdate = func(_ context.Context, _ string, patch user.Patch) error {
		if patch.Attributes != nil && patch.Attributes["fail"] == "yes" {
			return errStoreDown
		}
		return nil
	}
	relay, _ := startRelay(t, store, Config{})

	anon := connect(t, relay, "anon")
	upd := proto.AvatarUpdate{PersonID: "u1", Attributes: user.Attributes{"color": "red"}}
	require.NoError(t, relay.UpdateAvatar(anon, upd))
	mustError(t, anon, errs.ErrNotBound)

	alice := connect(t, relay, "alice")
	bind(t, relay, alice, "c0", "Alice")

	require.NoError(t, relay.UpdateAvatar(alice, proto.AvatarUpdate{PersonID: "u404"}))
	mustError(t, alice, errs.ErrInvalidParams)

	require.NoError(t, relay.UpdateAvatar(alice, proto.AvatarUpdate{PersonID: "u1", Attributes: user.Attributes{"fail": "yes"}}))
	mustError(t, alice, errs.ErrIdentityStoreUnavailable)
}

func TestDispatchRejectsMalformedFrames(t *testing.T) {
	relay, _ := startRelay(t, newHookStore(), Config{})
	c := connect(t, relay, "c")

	require.NoError(t, relay.Dispatch(c, []byte(`not json`)))
	mustError(t, c, errs.ErrInvalidJSONFormat)

	require.NoError(t, relay.Dispatch(c, []byte(`{"type":"claim-identity"}`)))
	mustError(t, c, errs.ErrInvalidJSONFormat)

	require.NoError(t, relay.Dispatch(c, []byte(`{"type":"dance","payload":{}}`)))
	mustError(t, c, errs.ErrUnsupportedEvent)
}

func TestRunClosesConnectionsOnShutdown(t *testing.T) {
	relay := NewRelay(NewRegistry(), newHookStore(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)

	c := newFakeConn("c")
	require.NoError(t, relay.Connect(c))
	bind(t, relay, c, "c0", "Alice")

	cancel()
	<-relay.Done()

	assert.True(t, c.isClosed())
	assert.ErrorIs(t, relay.Leave(c), ErrRelayStopped)

	_, err := relay.Roster(context.Background())
	assert.ErrorIs(t, err, ErrRelayStopped)
}

func TestPanickingStoreDuringClaimReleasesSession(t *testing.T) {
	store := newHookStore()
	var panicked atomic.Bool
	store.onFind = func(context.Context, string) error {
		if panicked.CompareAndSwap(false, true) {
			panic("driver exploded")
		}
		return nil
	}
	relay, registry := startRelay(t, store, Config{})

	c := connect(t, relay, "c")
	claim(t, relay, c, "c0", "Alice")
	mustError(t, c, errs.ErrIdentityStoreUnavailable)

	bound := bind(t, relay, c, "c0", "Alice")
	assert.Equal(t, "u1", bound.DurableID)
	assert.True(t, isOnline(store, "u1"))

	require.NoError(t, relay.Disconnect(c))
	settle(t, relay)
	assert.Zero(t, registry.Len())
	assert.Eventually(t, func() bool { return !isOnline(store, "u1") }, time.Second, 10*time.Millisecond)
}

func TestPanickingStoreDuringAvatarUpdateAnswersError(t *testing.T) {
	store := newHookStore()
	var panicked atomic.Bool
	store.onUpdate = func(_ context.Context, _ string, patch user.Patch) error {
		if patch.Attributes != nil && panicked.CompareAndSwap(false, true) {
			panic("driver exploded")
		}
		return nil
	}
	relay, _ := startRelay(t, store, Config{})

	alice := connect(t, relay, "alice")
	bind(t, relay, alice, "c0", "Alice")
	drain(alice)

	upd := proto.AvatarUpdate{PersonID: "u1", Attributes: user.Attributes{"color": "red"}}
	require.NoError(t, relay.UpdateAvatar(alice, upd))
	mustError(t, alice, errs.ErrIdentityStoreUnavailable)

	require.NoError(t, relay.UpdateAvatar(alice, upd))
	var roster []user.Presentable
	decodeEvent(t, mustEvent(t, alice, proto.EventRosterChanged), &roster)
	require.Len(t, roster, 1)
	assert.Equal(t, "red", roster[0].Attributes["color"])
}

func TestTimedOutAdoptIsSetBackOffline(t *testing.T) {
	store := newHookStore()
	relay, registry := startRelay(t, store, Config{})

	first := connect(t, relay, "first")
	bind(t, relay, first, "c0", "Alice")
	require.NoError(t, relay.Disconnect(first))
	require.Eventually(t, func() bool { return !isOnline(store, "u1") }, time.Second, 10*time.Millisecond)

	// The online write commits, then the call reports a deadline.
	var committed atomic.Bool
	store.onUpdate = func(ctx context.Context, id string, patch user.Patch) error {
		if patch.IsOnline != nil && *patch.IsOnline && committed.CompareAndSwap(false, true) {
			if err := store.MemoryStore.Update(ctx, id, patch); err != nil {
				return err
			}
			return context.DeadlineExceeded
		}
		return nil
	}

	second := connect(t, relay, "second")
	claim(t, relay, second, "c1", "Alice")
	mustError(t, second, errs.ErrIdentityStoreUnavailable)
	assert.True(t, committed.Load())

	settle(t, relay)
	assert.Zero(t, registry.Len())
	assert.Eventually(t, func() bool { return !isOnline(store, "u1") }, time.Second, 10*time.Millisecond)
}
