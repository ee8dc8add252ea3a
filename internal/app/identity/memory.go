package identity

import (
	"context"
	"strconv"
	"sync"

	"spachat/internal/app/user"
)

// MemoryStore is a process-local Store. Durable ids are "u1", "u2", ... in creation order.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    int
	byID   map[string]user.User
	byName map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]user.User),
		byName: make(map[string]string),
	}
}

func (s *MemoryStore) FindByName(ctx context.Context, name string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return user.User{}, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, u user.User) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byName[u.DisplayName]; taken {
		return user.User{}, ErrDuplicateName
	}

	s.seq++
	u = u.Clone()
	u.DurableID = "u" + strconv.Itoa(s.seq)

	s.byID[u.DurableID] = u
	s.byName[u.DisplayName] = u.DurableID

	return u.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch user.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.byID[id] = patch.Apply(u)
	return nil
}

// Get returns the record with the given id.
func (s *MemoryStore) Get(id string) (user.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	return u.Clone(), ok
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
