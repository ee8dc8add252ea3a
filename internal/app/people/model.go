/*
Package people implements the client-side presence model: the local user's identity, the
roster of online people and the join/leave lifecycle against the chat relay.

The model is transport-agnostic. It talks to the relay through a Transport and reports
changes on a notification channel.
*/
package people

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"spachat/internal/app/proto"
	"spachat/internal/app/user"
	"spachat/internal/pkg/logx"
)

var (
	// ErrNotAnonymous is returned by Login when a user is already logged in.
	ErrNotAnonymous = errors.New("already logged in")

	// ErrNotJoined is returned by operations that need a joined, bound user.
	ErrNotJoined = errors.New("not joined to chat")

	// ErrUnknownPerson is returned when a message targets someone not on the roster.
	ErrUnknownPerson = errors.New("unknown person")
)

// defaultNoticeBuffer is the notification channel capacity used by New.
const defaultNoticeBuffer = 64

// Transport is the event channel to the relay.
type Transport interface {
	Emit(event proto.EventType, payload any) error
	On(event proto.EventType, fn func(json.RawMessage))
	Off(event proto.EventType)
}

// Person is one entry of the local roster.
type Person struct {
	// CID is always set. It differs from ID only while the person is not yet bound.
	CID string

	// ID is the durable id; empty until the relay confirms the identity.
	ID string

	Name       string
	Attributes user.Attributes
}

func (p *Person) clone() Person {
	c := *p
	c.Attributes = p.Attributes.Clone()
	return c
}

// Identity is either Anonymous or Authenticated.
type Identity interface {
	isIdentity()
}

// Anonymous is the identity before login and after logout.
type Anonymous struct{}

// Authenticated carries the logged-in person.
type Authenticated struct {
	Person Person
}

func (Anonymous) isIdentity()     {}
func (Authenticated) isIdentity() {}

// NoticeKind names a model notification.
type NoticeKind string

const (
	NoticeLogin         NoticeKind = "login"
	NoticeLogout        NoticeKind = "logout"
	NoticeRosterChanged NoticeKind = "roster-changed"
	NoticeMessage       NoticeKind = "message"
	NoticeError         NoticeKind = "error"
)

// Notice is a model notification. Only the fields matching Kind are set.
type Notice struct {
	Kind    NoticeKind
	Person  Person
	Roster  []Person
	Message proto.ChatMessage
	Err     proto.Error
}

// Model is the client presence model. It is safe for concurrent use; transport
// callbacks may arrive on any goroutine.
type Model struct {
	transport Transport
	notices   chan Notice
	logger    zerolog.Logger

	mu       sync.Mutex
	serial   int
	user     *Person
	joined   bool
	left     bool
	roster   []*Person
	cidIndex map[string]*Person
}

// New returns an anonymous model bound to t.
func New(t Transport) *Model {
	return NewWithBuffer(t, defaultNoticeBuffer)
}

// NewWithBuffer is New with an explicit notification channel capacity.
func NewWithBuffer(t Transport, buffer int) *Model {
	m := &Model{
		transport: t,
		notices:   make(chan Notice, buffer),
		logger:    logx.Component("people"),
		cidIndex:  make(map[string]*Person),
	}

	t.On(proto.EventError, m.onError)
	return m
}

// Notifications returns the channel on which the model reports changes.
func (m *Model) Notifications() <-chan Notice {
	return m.notices
}

// Login starts binding name as the local identity. The relay's identity-bound reply
// completes it and raises NoticeLogin.
func (m *Model) Login(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return user.ErrNameRequired
	}

	m.mu.Lock()
	if m.user != nil {
		m.mu.Unlock()
		return ErrNotAnonymous
	}

	person := &Person{CID: m.makeCID(), Name: name}
	m.user = person
	m.left = false
	m.addLocked(person)
	claim := claimFor(person)
	m.mu.Unlock()

	m.transport.On(proto.EventIdentityBound, m.completeLogin)

	if err := m.transport.Emit(proto.EventClaimIdentity, claim); err != nil {
		m.mu.Lock()
		if m.user == person {
			m.removeLocked(person)
			m.user = nil
		}
		m.mu.Unlock()
		return fmt.Errorf("login %q: %w", name, err)
	}

	return nil
}

// Logout leaves chat if joined and returns to Anonymous. It reports whether a person
// was removed.
func (m *Model) Logout() bool {
	m.mu.Lock()
	person := m.user
	if person == nil {
		m.mu.Unlock()
		return false
	}

	wasJoined := m.joined
	m.unsubscribeLocked()
	m.removeLocked(person)
	m.user = nil
	snapshot := person.clone()
	m.mu.Unlock()

	m.transport.Off(proto.EventIdentityBound)

	if wasJoined {
		if err := m.transport.Emit(proto.EventLeave, nil); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to send leave on logout.")
		}
	}

	m.notify(Notice{Kind: NoticeLogout, Person: snapshot})
	return true
}

// Join subscribes to roster and message broadcasts. It returns false when the user is
// anonymous or already joined.
func (m *Model) Join() bool {
	m.mu.Lock()
	if m.joined {
		m.mu.Unlock()
		return false
	}
	if m.user == nil {
		m.mu.Unlock()
		m.logger.Warn().Msg("User must log in before joining chat.")
		return false
	}

	m.joined = true
	rejoin := m.left
	m.left = false
	claim := claimFor(m.user)
	m.mu.Unlock()

	m.transport.On(proto.EventRosterChanged, m.updateRoster)
	m.transport.On(proto.EventMessage, m.onMessage)

	if rejoin {
		if err := m.transport.Emit(proto.EventClaimIdentity, claim); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to re-claim identity on join.")
		}
	}

	return true
}

// Leave unsubscribes from chat broadcasts and tells the relay to sign the user out.
func (m *Model) Leave() error {
	m.mu.Lock()
	m.unsubscribeLocked()
	m.left = true
	m.mu.Unlock()

	if err := m.transport.Emit(proto.EventLeave, nil); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	return nil
}

// SendMessage sends text to the roster member with durable id destID.
func (m *Model) SendMessage(destID, text string) error {
	m.mu.Lock()
	if !m.joined || m.user == nil || m.user.ID == "" {
		m.mu.Unlock()
		return ErrNotJoined
	}

	dest, ok := m.cidIndex[destID]
	if !ok || dest.ID == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPerson, destID)
	}

	msg := proto.ChatMessage{
		SenderID: m.user.ID,
		DestID:   dest.ID,
		DestName: dest.Name,
		MsgText:  text,
	}
	m.mu.Unlock()

	return m.transport.Emit(proto.EventSendMessage, msg)
}

// UpdateAvatar replaces the presentation attributes of personID.
func (m *Model) UpdateAvatar(personID string, attrs user.Attributes) error {
	m.mu.Lock()
	bound := m.joined && m.user != nil && m.user.ID != ""
	m.mu.Unlock()

	if !bound {
		return ErrNotJoined
	}

	return m.transport.Emit(proto.EventUpdateAvatar, proto.AvatarUpdate{
		PersonID:   personID,
		Attributes: attrs.Clone(),
	})
}

// Identity returns the current identity.
func (m *Model) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.user == nil {
		return Anonymous{}
	}
	return Authenticated{Person: m.user.clone()}
}

// User returns the local person, if logged in.
func (m *Model) User() (Person, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.user == nil {
		return Person{}, false
	}
	return m.user.clone(), true
}

// IsUser reports whether p is the local person.
func (m *Model) IsUser(p Person) bool {
	auth, ok := m.Identity().(Authenticated)
	return ok && auth.Person.CID == p.CID
}

// People returns the roster sorted by name, local person included.
func (m *Model) People() []Person {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ByCID looks a person up by client id.
func (m *Model) ByCID(cid string) (Person, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.cidIndex[cid]
	if !ok {
		return Person{}, false
	}
	return p.clone(), true
}

// IsJoined reports whether the model is subscribed to chat broadcasts.
func (m *Model) IsJoined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *Model) completeLogin(raw json.RawMessage) {
	var bound user.User
	if err := json.Unmarshal(raw, &bound); err != nil {
		m.logger.Warn().Err(err).Msg("Invalid identity-bound payload.")
		return
	}

	m.mu.Lock()
	person := m.user
	if person == nil || person.CID != bound.ClientID {
		m.mu.Unlock()
		m.logger.Debug().Str("client_id", bound.ClientID).Msg("Ignoring identity-bound for another login.")
		return
	}

	delete(m.cidIndex, person.CID)
	person.CID = bound.DurableID
	person.ID = bound.DurableID
	person.Attributes = bound.Attributes.Clone()
	m.cidIndex[person.CID] = person
	snapshot := person.clone()
	m.mu.Unlock()

	m.notify(Notice{Kind: NoticeLogin, Person: snapshot})
}

// updateRoster rebuilds the roster from scratch. The local person object is kept and
// only its attributes are refreshed.
func (m *Model) updateRoster(raw json.RawMessage) {
	var list []user.Presentable
	if err := json.Unmarshal(raw, &list); err != nil {
		m.logger.Warn().Err(err).Msg("Invalid roster payload.")
		return
	}

	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}

	m.roster = m.roster[:0]
	clear(m.cidIndex)
	if m.user != nil {
		m.addLocked(m.user)
	}

	for _, p := range list {
		if p.DisplayName == "" {
			continue
		}
		if m.user != nil && m.user.ID != "" && m.user.ID == p.DurableID {
			m.user.Attributes = p.Attributes.Clone()
			continue
		}
		m.addLocked(&Person{
			CID:        p.DurableID,
			ID:         p.DurableID,
			Name:       p.DisplayName,
			Attributes: p.Attributes.Clone(),
		})
	}

	sort.SliceStable(m.roster, func(i, j int) bool {
		return m.roster[i].Name < m.roster[j].Name
	})
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(Notice{Kind: NoticeRosterChanged, Roster: snapshot})
}

func (m *Model) onMessage(raw json.RawMessage) {
	var msg proto.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn().Err(err).Msg("Invalid message payload.")
		return
	}

	if m.IsJoined() {
		m.notify(Notice{Kind: NoticeMessage, Message: msg})
	}
}

func (m *Model) onError(raw json.RawMessage) {
	var e proto.Error
	if err := json.Unmarshal(raw, &e); err != nil {
		m.logger.Warn().Err(err).Msg("Invalid error payload.")
		return
	}
	m.notify(Notice{Kind: NoticeError, Err: e})
}

func (m *Model) notify(n Notice) {
	select {
	case m.notices <- n:
	default:
		m.logger.Warn().Str("kind", string(n.Kind)).Msg("Notification channel full, dropping notice.")
	}
}

func (m *Model) makeCID() string {
	cid := fmt.Sprintf("c%d", m.serial)
	m.serial++
	return cid
}

func (m *Model) addLocked(p *Person) {
	m.roster = append(m.roster, p)
	m.cidIndex[p.CID] = p
}

func (m *Model) removeLocked(p *Person) {
	delete(m.cidIndex, p.CID)
	for i, q := range m.roster {
		if q == p {
			m.roster = append(m.roster[:i], m.roster[i+1:]...)
			break
		}
	}
}

// unsubscribeLocked drops the chat subscriptions. Off is safe to call under the lock;
// only Emit may call back into the model.
func (m *Model) unsubscribeLocked() {
	if !m.joined {
		return
	}
	m.joined = false
	m.transport.Off(proto.EventRosterChanged)
	m.transport.Off(proto.EventMessage)
}

func (m *Model) snapshotLocked() []Person {
	out := make([]Person, 0, len(m.roster))
	for _, p := range m.roster {
		out = append(out, p.clone())
	}
	return out
}

func claimFor(p *Person) proto.ClaimIdentity {
	return proto.ClaimIdentity{
		ClientID:    p.CID,
		DisplayName: p.Name,
		Attributes:  p.Attributes.Clone(),
	}
}
