package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/models"
)

type noteRow struct {
	NoteID    string    `json:"note_id"`
	Owner     string    `json:"owner"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NoteStore implements interfaces.NoteStore using SurrealDB.
type NoteStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewNoteStore(db *surrealdb.DB, logger *common.Logger) *NoteStore {
	return &NoteStore{db: db, logger: logger}
}

func (s *NoteStore) AddNote(ctx context.Context, owner, text string) (*models.Note, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	n := &models.Note{
		ID:        uuid.New().String(),
		Owner:     owner,
		Text:      text,
		CreatedAt: time.Now(),
	}
	sql := "CREATE $rid SET note_id = $note_id, owner = $owner, text = $text, created_at = $created_at"
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID(tableNote, n.ID),
		"note_id":    n.ID,
		"owner":      n.Owner,
		"text":       n.Text,
		"created_at": n.CreatedAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return nil, fmt.Errorf("failed to add note: %w", err)
	}
	return n, nil
}

func (s *NoteStore) ListNotes(ctx context.Context, owner string) ([]*models.Note, error) {
	sql := "SELECT note_id, owner, text, created_at FROM " + tableNote + " WHERE owner = $owner ORDER BY created_at ASC"
	vars := map[string]any{"owner": owner}

	results, err := surrealdb.Query[[]noteRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	rows := firstRows(results)
	notes := make([]*models.Note, 0, len(rows))
	for _, r := range rows {
		notes = append(notes, &models.Note{
			ID:        r.NoteID,
			Owner:     r.Owner,
			Text:      r.Text,
			CreatedAt: r.CreatedAt,
		})
	}
	return notes, nil
}

var _ interfaces.NoteStore = (*NoteStore)(nil)
