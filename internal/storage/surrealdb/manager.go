// Package surrealdb implements the storage interfaces on SurrealDB so that
// clients, codes, users and notes survive restarts and can be shared by
// several server processes.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
)

const (
	tableClient = "oauth_client"
	tableCode   = "oauth_code"
	tableUser   = "app_user"
	tableNote   = "note"
)

// Manager implements interfaces.StorageManager using SurrealDB.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	oauthStore *OAuthStore
	userStore  *UserStore
	noteStore  *NoteStore
}

// NewManager connects to SurrealDB and prepares the schema.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()
	cfg := config.Storage

	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": cfg.Username,
		"pass": cfg.Password,
	}); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	if err := defineSchema(ctx, db); err != nil {
		db.Close(ctx)
		return nil, err
	}

	m := newManager(db, logger)

	logger.Info().
		Str("address", cfg.Address).
		Str("namespace", cfg.Namespace).
		Str("database", cfg.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

func newManager(db *surrealdb.DB, logger *common.Logger) *Manager {
	return &Manager{
		db:         db,
		logger:     logger,
		oauthStore: NewOAuthStore(db, logger),
		userStore:  NewUserStore(db, logger),
		noteStore:  NewNoteStore(db, logger),
	}
}

// defineSchema creates the tables and the unique username index. Queries
// against tables that do not exist yet fail, so this runs before any store is used.
func defineSchema(ctx context.Context, db *surrealdb.DB) error {
	statements := []string{
		"DEFINE TABLE IF NOT EXISTS " + tableClient + " SCHEMALESS",
		"DEFINE TABLE IF NOT EXISTS " + tableCode + " SCHEMALESS",
		"DEFINE TABLE IF NOT EXISTS " + tableUser + " SCHEMALESS",
		"DEFINE TABLE IF NOT EXISTS " + tableNote + " SCHEMALESS",
		"DEFINE INDEX IF NOT EXISTS app_user_username ON " + tableUser + " FIELDS username_key UNIQUE",
		"DEFINE INDEX IF NOT EXISTS note_owner ON " + tableNote + " FIELDS owner",
	}
	for _, sql := range statements {
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return fmt.Errorf("failed to apply schema %q: %w", sql, err)
		}
	}
	return nil
}

func (m *Manager) ClientStore() interfaces.ClientStore { return m.oauthStore }
func (m *Manager) CodeStore() interfaces.CodeStore     { return m.oauthStore }
func (m *Manager) UserStore() interfaces.UserStore     { return m.userStore }
func (m *Manager) NoteStore() interfaces.NoteStore     { return m.noteStore }

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
