package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/models"
)

// NoteStore keeps notes in memory grouped by owner.
type NoteStore struct {
	mu    sync.RWMutex
	notes map[string][]*models.Note
}

// NewNoteStore creates an empty NoteStore.
func NewNoteStore() *NoteStore {
	return &NoteStore{notes: make(map[string][]*models.Note)}
}

func (s *NoteStore) AddNote(_ context.Context, owner, text string) (*models.Note, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	n := &models.Note{
		ID:        uuid.New().String(),
		Owner:     owner,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[owner] = append(s.notes[owner], n)
	out := *n
	return &out, nil
}

func (s *NoteStore) ListNotes(_ context.Context, owner string) ([]*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.Note, 0, len(s.notes[owner]))
	for _, n := range s.notes[owner] {
		c := *n
		result = append(result, &c)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var _ interfaces.NoteStore = (*NoteStore)(nil)
