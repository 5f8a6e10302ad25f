package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/models"
)

// OAuthStore keeps OAuth clients and authorization codes in memory.
type OAuthStore struct {
	mu      sync.Mutex
	clients map[string]*models.OAuthClient
	codes   map[string]*models.OAuthCode
}

// NewOAuthStore creates an empty OAuthStore.
func NewOAuthStore() *OAuthStore {
	return &OAuthStore{
		clients: make(map[string]*models.OAuthClient),
		codes:   make(map[string]*models.OAuthCode),
	}
}

// --- Clients ---

func (s *OAuthStore) SaveClient(_ context.Context, client *models.OAuthClient) error {
	if client.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	c := *client
	c.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = &c
	return nil
}

func (s *OAuthStore) GetClient(_ context.Context, clientID string) (*models.OAuthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client '%s': %w", clientID, interfaces.ErrNotFound)
	}
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &out, nil
}

// --- Authorization codes ---

func (s *OAuthStore) SaveCode(_ context.Context, code *models.OAuthCode) error {
	if code.Code == "" {
		return fmt.Errorf("code is required")
	}
	c := *code
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[c.Code]; exists {
		return fmt.Errorf("authorization code collision")
	}
	s.codes[c.Code] = &c
	return nil
}

func (s *OAuthStore) GetCode(_ context.Context, code string) (*models.OAuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("authorization code: %w", interfaces.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (s *OAuthStore) MarkCodeUsed(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return fmt.Errorf("authorization code: %w", interfaces.ErrNotFound)
	}
	if c.Used {
		return interfaces.ErrCodeUsed
	}
	c.Used = true
	return nil
}

func (s *OAuthStore) PurgeExpiredCodes(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.codes {
		if c.Expired(now) {
			delete(s.codes, k)
			n++
		}
	}
	return n, nil
}

var (
	_ interfaces.ClientStore = (*OAuthStore)(nil)
	_ interfaces.CodeStore   = (*OAuthStore)(nil)
)
