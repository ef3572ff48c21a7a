package rcchat

import (
	"context"
	"slices"
	"sync"
)

// Snapshot is the persisted client state.
type Snapshot struct {
	CurrentUser *User   `json:"currentUser"`
	Users       []User  `json:"users"`
	Groups      []Group `json:"groups"`
	Chats       []Chat  `json:"chats"`
}

// SnapshotStore persists each slice of a Snapshot independently. Every save
// overwrites that slice only.
type SnapshotStore interface {
	Load(ctx context.Context) (Snapshot, error)
	SaveCurrentUser(ctx context.Context, u *User) error
	SaveUsers(ctx context.Context, users []User) error
	SaveGroups(ctx context.Context, groups []Group) error
	SaveChats(ctx context.Context, chats []Chat) error
}

// Slice names, shared by every backend.
const (
	sliceCurrentUser = "current_user"
	sliceUsers       = "users"
	sliceGroups      = "groups"
	sliceChats       = "chats"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory SnapshotStore.
type MemoryStore struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Users:  slices.Clone(s.snap.Users),
		Groups: slices.Clone(s.snap.Groups),
		Chats:  slices.Clone(s.snap.Chats),
	}
	if s.snap.CurrentUser != nil {
		u := *s.snap.CurrentUser
		out.CurrentUser = &u
	}
	return out, nil
}

func (s *MemoryStore) SaveCurrentUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.snap.CurrentUser = nil
		return nil
	}
	cp := *u
	s.snap.CurrentUser = &cp
	return nil
}

func (s *MemoryStore) SaveUsers(ctx context.Context, users []User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Users = slices.Clone(users)
	return nil
}

func (s *MemoryStore) SaveGroups(ctx context.Context, groups []Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Groups = slices.Clone(groups)
	return nil
}

func (s *MemoryStore) SaveChats(ctx context.Context, chats []Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Chats = slices.Clone(chats)
	return nil
}
