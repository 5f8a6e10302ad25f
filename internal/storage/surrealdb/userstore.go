package surrealdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/models"
)

// userRow is the DB-level representation of a user. UsernameKey carries the
// unique, case-folded username.
type userRow struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	UsernameKey  string `json:"username_key"`
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
}

const userFields = "user_id, username, username_key, name, password_hash"

func (r userRow) toModel() *models.User {
	return &models.User{
		UserID:       r.UserID,
		Username:     r.Username,
		Name:         r.Name,
		PasswordHash: r.PasswordHash,
	}
}

// UserStore implements interfaces.UserStore using SurrealDB.
type UserStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewUserStore(db *surrealdb.DB, logger *common.Logger) *UserStore {
	return &UserStore{
		db:     db,
		logger: logger,
	}
}

func (s *UserStore) SaveUser(ctx context.Context, user *models.User) error {
	if user.UserID == "" || user.Username == "" {
		return fmt.Errorf("user_id and username are required")
	}
	sql := `UPSERT $rid SET
		user_id = $user_id, username = $username, username_key = $username_key,
		name = $name, password_hash = $password_hash`
	vars := map[string]any{
		"rid":           surrealmodels.NewRecordID(tableUser, user.UserID),
		"user_id":       user.UserID,
		"username":      user.Username,
		"username_key":  strings.ToLower(user.Username),
		"name":          user.Name,
		"password_hash": user.PasswordHash,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already contains") {
			return fmt.Errorf("username '%s' already taken", user.Username)
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *UserStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	sql := "SELECT " + userFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID(tableUser, userID)}
	return s.selectOne(ctx, sql, vars, userID)
}

func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	sql := "SELECT " + userFields + " FROM " + tableUser + " WHERE username_key = $key LIMIT 1"
	vars := map[string]any{"key": strings.ToLower(username)}
	return s.selectOne(ctx, sql, vars, username)
}

func (s *UserStore) selectOne(ctx context.Context, sql string, vars map[string]any, label string) (*models.User, error) {
	results, err := surrealdb.Query[[]userRow](ctx, s.db, sql, vars)
	if err != nil && !isNotFoundError(err) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	rows := firstRows(results)
	if len(rows) == 0 {
		return nil, fmt.Errorf("user '%s': %w", label, interfaces.ErrNotFound)
	}
	return rows[0].toModel(), nil
}

var _ interfaces.UserStore = (*UserStore)(nil)
