package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/models"
)

// UserStore keeps accounts in memory, keyed by id with a case-insensitive username index.
type UserStore struct {
	mu         sync.RWMutex
	users      map[string]*models.User
	byUsername map[string]string
}

// NewUserStore creates an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{
		users:      make(map[string]*models.User),
		byUsername: make(map[string]string),
	}
}

func (s *UserStore) SaveUser(_ context.Context, user *models.User) error {
	if user.UserID == "" || user.Username == "" {
		return fmt.Errorf("user_id and username are required")
	}
	u := *user
	key := strings.ToLower(u.Username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byUsername[key]; ok && id != u.UserID {
		return fmt.Errorf("username '%s' already taken", u.Username)
	}
	if prev, ok := s.users[u.UserID]; ok {
		delete(s.byUsername, strings.ToLower(prev.Username))
	}
	s.users[u.UserID] = &u
	s.byUsername[key] = u.UserID
	return nil
}

func (s *UserStore) GetUser(_ context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user '%s': %w", userID, interfaces.ErrNotFound)
	}
	out := *u
	return &out, nil
}

func (s *UserStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, fmt.Errorf("user '%s': %w", username, interfaces.ErrNotFound)
	}
	out := *s.users[id]
	return &out, nil
}

var _ interfaces.UserStore = (*UserStore)(nil)
