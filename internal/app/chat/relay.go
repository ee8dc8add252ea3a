/*
Package chat contains the presence-tracked chat relay.

A Relay runs one event loop that owns the presence registry and every connection's
session. Transport goroutines only enqueue events; identity store calls run on an ordered
store queue and report back to the loop, so two handlers may interleave around a store
call but never touch shared state concurrently.
*/
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spachat/internal/app/identity"
	"spachat/internal/app/proto"
	"spachat/internal/app/user"
	"spachat/internal/pkg/errs"
	"spachat/internal/pkg/logx"
	"spachat/internal/pkg/metrics"
)

// eventBuffer is the capacity of the relay's inbound event channel.
const eventBuffer = 256

// evictReason is the close reason sent to a connection whose identity was taken over.
const evictReason = "identity bound by a newer connection"

// Config tunes a Relay. The zero value is usable.
type Config struct {
	// Metrics receives relay measurements; nil disables them.
	Metrics *metrics.Relay

	// StoreTimeout bounds each identity store job; zero means no timeout.
	StoreTimeout time.Duration
}

type (
	connectEvent    struct{ conn Conn }
	disconnectEvent struct{ conn Conn }
	leaveEvent      struct{ conn Conn }

	claimEvent struct {
		conn Conn
		req  proto.ClaimIdentity
	}

	routeEvent struct {
		conn Conn
		raw  json.RawMessage
		msg  proto.ChatMessage
	}

	avatarEvent struct {
		conn Conn
		upd  proto.AvatarUpdate
	}

	rosterQuery struct {
		reply chan []user.Presentable
	}

	bindResult struct {
		conn    Conn
		seq     uint64
		name    string
		user    user.User
		created bool
		err     error
	}

	avatarResult struct {
		conn Conn
		upd  proto.AvatarUpdate
		err  error
	}
)

// Relay binds named identities to connections, tracks presence and routes direct messages.
type Relay struct {
	registry *Registry
	store    identity.Store
	cfg      Config

	events chan any
	done   chan struct{}
	queue  *storeQueue
	logger zerolog.Logger

	// Loop-owned state below.

	sessions map[Conn]*session

	// pending counts unresolved claims per display name.
	pending map[string]int

	// deferredOffline remembers the durable id whose offline write was held back
	// because a claim for the same name was still in flight.
	deferredOffline map[string]string
}

// NewRelay creates a relay around an injected registry and identity store.
// The registry must not be shared with another relay.
func NewRelay(registry *Registry, store identity.Store, cfg Config) *Relay {
	logger := logx.Component("relay")

	return &Relay{
		registry:        registry,
		store:           store,
		cfg:             cfg,
		events:          make(chan any, eventBuffer),
		done:            make(chan struct{}),
		queue:           newStoreQueue(logger.With().Str("worker", "store").Logger()),
		logger:          logger,
		sessions:        make(map[Conn]*session),
		pending:         make(map[string]int),
		deferredOffline: make(map[string]string),
	}
}

// Run processes events until ctx is cancelled, then closes every open connection.
// It must be called exactly once.
func (r *Relay) Run(ctx context.Context) {
	queueCtx, cancelQueue := context.WithCancel(ctx)
	queueDone := make(chan struct{})

	go func() {
		defer close(queueDone)
		r.queue.run(queueCtx)
	}()

	r.logger.Info().Msg("Relay event loop started.")

	defer func() {
		r.shutdown()
		close(r.done)
		cancelQueue()
		<-queueDone
		r.logger.Info().Msg("Relay event loop stopped.")
	}()

	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed once the event loop has stopped.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Connect announces a new transport connection.
func (r *Relay) Connect(conn Conn) error {
	return r.submit(connectEvent{conn: conn})
}

// Disconnect reports that the transport connection is gone. It implies leave.
func (r *Relay) Disconnect(conn Conn) error {
	return r.submit(disconnectEvent{conn: conn})
}

// Claim asks the relay to bind the named identity to conn.
func (r *Relay) Claim(conn Conn, req proto.ClaimIdentity) error {
	return r.submit(claimEvent{conn: conn, req: req})
}

// Leave unbinds conn's identity while keeping the connection open.
func (r *Relay) Leave(conn Conn) error {
	return r.submit(leaveEvent{conn: conn})
}

// Route delivers a send-message payload. raw is forwarded to the recipient byte for byte.
func (r *Relay) Route(conn Conn, raw json.RawMessage) error {
	var msg proto.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.sendError(conn, errs.ErrInvalidJSONFormat)
		return nil
	}
	return r.submit(routeEvent{conn: conn, raw: raw, msg: msg})
}

// UpdateAvatar replaces the presentation attributes of a person.
func (r *Relay) UpdateAvatar(conn Conn, upd proto.AvatarUpdate) error {
	return r.submit(avatarEvent{conn: conn, upd: upd})
}

// Roster returns the current roster snapshot as the event loop sees it.
func (r *Relay) Roster(ctx context.Context) ([]user.Presentable, error) {
	q := rosterQuery{reply: make(chan []user.Presentable, 1)}

	select {
	case r.events <- q:
	case <-r.done:
		return nil, ErrRelayStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case roster := <-q.reply:
		return roster, nil
	case <-r.done:
		return nil, ErrRelayStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch decodes one inbound frame and hands it to the matching entry point.
// Malformed frames are answered with an error event; only ErrRelayStopped is returned.
func (r *Relay) Dispatch(conn Conn, frame []byte) error {
	env, err := proto.Decode(frame)
	if err != nil {
		r.sendError(conn, errs.ErrInvalidJSONFormat)
		return nil
	}

	switch env.Type {
	case proto.EventClaimIdentity:
		var req proto.ClaimIdentity
		if err := proto.DecodePayload(env, &req); err != nil {
			r.sendError(conn, errs.ErrInvalidJSONFormat)
			return nil
		}
		return r.Claim(conn, req)

	case proto.EventSendMessage:
		if len(env.Payload) == 0 {
			r.sendError(conn, errs.ErrInvalidJSONFormat)
			return nil
		}
		return r.Route(conn, env.Payload)

	case proto.EventLeave:
		return r.Leave(conn)

	case proto.EventUpdateAvatar:
		var upd proto.AvatarUpdate
		if err := proto.DecodePayload(env, &upd); err != nil {
			r.sendError(conn, errs.ErrInvalidJSONFormat)
			return nil
		}
		return r.UpdateAvatar(conn, upd)

	default:
		r.logger.Warn().Str("conn_id", conn.ID()).Str("event", string(env.Type)).Msg("Unsupported event type.")
		r.sendError(conn, errs.ErrUnsupportedEvent)
		return nil
	}
}

func (r *Relay) submit(ev any) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrRelayStopped
	}
}

func (r *Relay) handle(ev any) {
	switch ev := ev.(type) {
	case connectEvent:
		r.handleConnect(ev.conn)
	case disconnectEvent:
		r.handleDisconnect(ev.conn)
	case leaveEvent:
		if s, ok := r.sessions[ev.conn]; ok {
			r.closeSession(s, "leave")
		}
	case claimEvent:
		r.handleClaim(ev)
	case bindResult:
		r.handleBind(ev)
	case routeEvent:
		r.handleRoute(ev)
	case avatarEvent:
		r.handleAvatar(ev)
	case avatarResult:
		r.handleAvatarResult(ev)
	case rosterQuery:
		ev.reply <- r.roster()
	default:
		r.logger.Error().Type("event", ev).Msg("Relay received unknown event.")
	}
}

func (r *Relay) handleConnect(conn Conn) {
	if _, ok := r.sessions[conn]; ok {
		return
	}
	r.sessions[conn] = &session{conn: conn, state: stateUnauthenticated}
	r.cfg.Metrics.SetConnections(len(r.sessions))

	r.logger.Debug().Str("conn_id", conn.ID()).Int("connections", len(r.sessions)).Msg("Connection opened.")
}

func (r *Relay) handleDisconnect(conn Conn) {
	s, ok := r.sessions[conn]
	if !ok {
		return
	}

	r.closeSession(s, "disconnect")
	delete(r.sessions, conn)
	r.cfg.Metrics.SetConnections(len(r.sessions))

	r.logger.Debug().Str("conn_id", conn.ID()).Int("connections", len(r.sessions)).Msg("Connection closed.")
}

// closeSession implements leave and disconnect. It is idempotent.
func (r *Relay) closeSession(s *session, cause string) {
	switch s.state {
	case stateBinding:
		// The bind result finds the session closed and is discarded.
		s.state = stateClosed

	case stateBound:
		s.state = stateClosed
		id := s.user.DurableID

		holder, ok := r.registry.Lookup(id)
		if !ok || holder != s.conn {
			// Stale close: a newer connection holds this identity now.
			return
		}

		r.registry.Unregister(id)
		r.cfg.Metrics.SetOnline(r.registry.Len())
		s.user.IsOnline = false

		r.logger.Info().
			Str("conn_id", s.conn.ID()).
			Str("durable_id", id).
			Str("cause", cause).
			Msg("Identity signed out.")

		r.persistOffline(s.user.DisplayName, id)
		r.broadcastRoster()
	}
}

func (r *Relay) handleClaim(ev claimEvent) {
	s, ok := r.sessions[ev.conn]
	if !ok {
		return
	}

	if err := s.canClaim(); err != nil {
		r.cfg.Metrics.Claim(metrics.ClaimRejected)
		r.sendError(ev.conn, claimErrorCode(err))
		return
	}

	claim, err := user.New(ev.req.ClientID, ev.req.DisplayName, ev.req.Attributes)
	if err != nil {
		r.cfg.Metrics.Claim(metrics.ClaimRejected)
		r.logger.Debug().Err(err).Str("conn_id", ev.conn.ID()).Msg("Invalid identity claim.")
		r.sendError(ev.conn, errs.ErrInvalidIdentity)
		return
	}

	s.seq++
	s.state = stateBinding
	s.claim = claim.DisplayName
	r.pending[claim.DisplayName]++

	res := bindResult{conn: ev.conn, seq: s.seq, name: claim.DisplayName}
	r.queue.push(func(ctx context.Context) {
		// The loop waits for exactly one result per claim, panic or not.
		defer func() {
			if rec := recover(); rec != nil {
				res.err = fmt.Errorf("%w: %v", errStorePanic, rec)
			}
			r.post(res)
		}()

		ctx, cancel := r.storeContext(ctx)
		defer cancel()

		res.user, res.created, res.err = resolveIdentity(ctx, r.store, claim)
	})
}

func (r *Relay) handleBind(res bindResult) {
	defer r.releaseClaim(res.name)

	s, ok := r.sessions[res.conn]
	current := ok && s.seq == res.seq && s.state == stateBinding

	if res.err != nil {
		r.cfg.Metrics.Claim(metrics.ClaimFailed)
		r.logger.Error().Err(res.err).Str("display_name", res.name).Msg("Identity store failed during claim.")

		if current {
			s.state = stateUnauthenticated
			s.claim = ""
			r.sendError(res.conn, errs.ErrIdentityStoreUnavailable)
		}

		// A timed out adopt may still have committed the online flag.
		if id := res.user.DurableID; id != "" {
			r.deferredOffline[res.name] = id
		}
		return
	}

	if !current {
		// The connection left while the store call was running. The record was already
		// marked online; undo that once no other claim for the name is pending.
		r.deferredOffline[res.name] = res.user.DurableID
		r.logger.Debug().Str("durable_id", res.user.DurableID).Msg("Discarding bind for closed connection.")
		return
	}

	s.state = stateBound
	s.claim = ""
	s.user = res.user

	id := res.user.DurableID
	if prev, replaced := r.registry.Register(id, res.conn); replaced && prev != res.conn {
		r.evict(prev, id)
	}
	r.cfg.Metrics.SetOnline(r.registry.Len())

	if res.created {
		r.cfg.Metrics.Claim(metrics.ClaimCreated)
	} else {
		r.cfg.Metrics.Claim(metrics.ClaimAdopted)
	}

	r.logger.Info().
		Str("conn_id", res.conn.ID()).
		Str("durable_id", id).
		Str("display_name", res.user.DisplayName).
		Bool("created", res.created).
		Msg("Identity bound.")

	r.unicast(res.conn, proto.EventIdentityBound, res.user)
	r.broadcastRoster()
}

// evict closes the previous holder of id after a newer bind took its slot.
func (r *Relay) evict(prev Conn, id string) {
	if s, ok := r.sessions[prev]; ok {
		s.state = stateClosed
		s.evicted = true
	}

	r.logger.Warn().Str("conn_id", prev.ID()).Str("durable_id", id).Msg("Evicting previous connection.")

	r.sendError(prev, errs.ErrSessionEvicted)
	prev.Evict(evictReason)
}

// releaseClaim ends one pending claim for name and flushes a held-back offline write
// when it was the last one and nobody holds the identity.
func (r *Relay) releaseClaim(name string) {
	r.pending[name]--
	if r.pending[name] > 0 {
		return
	}
	delete(r.pending, name)

	id, ok := r.deferredOffline[name]
	if !ok {
		return
	}
	delete(r.deferredOffline, name)

	if _, held := r.registry.Lookup(id); held {
		return
	}
	r.queueOffline(id)
}

func (r *Relay) persistOffline(name, id string) {
	if r.pending[name] > 0 {
		r.deferredOffline[name] = id
		return
	}
	r.queueOffline(id)
}

func (r *Relay) queueOffline(id string) {
	r.queue.push(func(ctx context.Context) {
		ctx, cancel := r.storeContext(ctx)
		defer cancel()

		if err := r.store.Update(ctx, id, user.Online(false)); err != nil {
			r.logger.Error().Err(err).Str("durable_id", id).Msg("Failed to persist offline state.")
		}
	})
}

func (r *Relay) handleRoute(ev routeEvent) {
	s, ok := r.sessions[ev.conn]
	if !ok {
		return
	}
	if s.state != stateBound {
		r.sendError(ev.conn, errs.ErrNotBound)
		return
	}
	if len(ev.msg.MsgText) > proto.MaxMessageBytes {
		r.sendError(ev.conn, errs.ErrMessageTooLong, proto.MaxMessageBytes)
		return
	}

	if dest, ok := r.registry.Lookup(ev.msg.DestID); ok {
		err := dest.Send(proto.Frame(proto.EventMessage, ev.raw))
		if err == nil {
			r.cfg.Metrics.Routed(metrics.RouteDelivered)
			return
		}
		r.logger.Warn().Err(err).Str("dest_id", ev.msg.DestID).Msg("Unicast failed, answering with offline notice.")
	}

	r.cfg.Metrics.Routed(metrics.RouteOffline)
	r.unicast(ev.conn, proto.EventMessage, proto.OfflineNotice(ev.msg))
}

func (r *Relay) handleAvatar(ev avatarEvent) {
	s, ok := r.sessions[ev.conn]
	if !ok {
		return
	}
	if s.state != stateBound {
		r.sendError(ev.conn, errs.ErrNotBound)
		return
	}
	if ev.upd.PersonID == "" {
		r.sendError(ev.conn, errs.ErrInvalidParams)
		return
	}

	upd := ev.upd
	if upd.Attributes == nil {
		upd.Attributes = user.Attributes{}
	}

	res := avatarResult{conn: ev.conn, upd: upd}
	r.queue.push(func(ctx context.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				res.err = fmt.Errorf("%w: %v", errStorePanic, rec)
			}
			r.post(res)
		}()

		ctx, cancel := r.storeContext(ctx)
		defer cancel()

		res.err = r.store.Update(ctx, upd.PersonID, user.Patch{Attributes: upd.Attributes})
	})
}

func (r *Relay) handleAvatarResult(res avatarResult) {
	if res.err != nil {
		code := errs.ErrIdentityStoreUnavailable
		if errors.Is(res.err, identity.ErrNotFound) {
			code = errs.ErrInvalidParams
		} else {
			r.logger.Error().Err(res.err).Str("person_id", res.upd.PersonID).Msg("Failed to persist avatar.")
		}

		if _, ok := r.sessions[res.conn]; ok {
			r.sendError(res.conn, code)
		}
		return
	}

	if holder, ok := r.registry.Lookup(res.upd.PersonID); ok {
		if s, ok := r.sessions[holder]; ok && s.state == stateBound {
			s.user.Attributes = res.upd.Attributes.Clone()
		}
	}

	r.broadcastRoster()
}

// roster rebuilds the snapshot from scratch; O(n) in the number of online identities.
func (r *Relay) roster() []user.Presentable {
	roster := make([]user.Presentable, 0, r.registry.Len())

	r.registry.Range(func(_ string, conn Conn) {
		s, ok := r.sessions[conn]
		if !ok || s.state != stateBound {
			return
		}
		roster = append(roster, s.user.Presentable())
	})

	user.SortByName(roster)
	return roster
}

func (r *Relay) broadcastRoster() {
	frame, err := proto.Encode(proto.EventRosterChanged, r.roster())
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode roster.")
		return
	}

	for conn, s := range r.sessions {
		if s.evicted {
			continue
		}
		if err := conn.Send(frame); err != nil {
			r.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Roster broadcast skipped connection.")
		}
	}

	r.cfg.Metrics.RosterBroadcast()
}

func (r *Relay) unicast(conn Conn, t proto.EventType, payload any) {
	frame, err := proto.Encode(t, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", string(t)).Msg("Failed to encode event.")
		return
	}

	if err := conn.Send(frame); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", conn.ID()).Str("event", string(t)).Msg("Failed to queue event.")
	}
}

// sendError may be called from any goroutine; Conn.Send is safe for concurrent use.
func (r *Relay) sendError(conn Conn, code int, details ...any) {
	customErr := errs.NewError(code, details...)

	t := proto.EventError
	if code == errs.ErrSessionEvicted {
		t = proto.EventEvicted
	}

	r.unicast(conn, t, proto.Error{Code: customErr.Code, Message: customErr.Message})
}

// post hands a store result back to the loop, dropping it once the loop has stopped.
func (r *Relay) post(ev any) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *Relay) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StoreTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Relay) shutdown() {
	for conn := range r.sessions {
		conn.Close()
	}
	clear(r.sessions)
	r.cfg.Metrics.SetConnections(0)
}

func claimErrorCode(err error) int {
	switch {
	case errors.Is(err, errClaimInFlight):
		return errs.ErrClaimInFlight
	case errors.Is(err, errAlreadyBound):
		return errs.ErrAlreadyBound
	case errors.Is(err, errSessionEvicted):
		return errs.ErrSessionEvicted
	default:
		return errs.ErrUnknown
	}
}
