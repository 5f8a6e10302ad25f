package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/models"
)

// oauthClientRow is the DB-level representation of an OAuth client.
type oauthClientRow struct {
	ClientID                string    `json:"client_id"`
	ClientName              string    `json:"client_name"`
	RedirectURIs            []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	MetadataDocument        bool      `json:"metadata_document"`
	CreatedAt               time.Time `json:"created_at"`
}

// oauthCodeRow is the DB-level representation of an OAuth authorization code.
type oauthCodeRow struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Resource            string    `json:"resource"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	UserID              string    `json:"user_id"`
	UserName            string    `json:"user_name"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
}

const codeFields = "code, client_id, redirect_uri, resource, scope, code_challenge, code_challenge_method, user_id, user_name, created_at, expires_at, used"

func (r oauthCodeRow) toModel() *models.OAuthCode {
	return &models.OAuthCode{
		Code:                r.Code,
		ClientID:            r.ClientID,
		RedirectURI:         r.RedirectURI,
		Resource:            r.Resource,
		Scope:               r.Scope,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		UserID:              r.UserID,
		UserName:            r.UserName,
		CreatedAt:           r.CreatedAt,
		ExpiresAt:           r.ExpiresAt,
		Used:                r.Used,
	}
}

// OAuthStore implements interfaces.ClientStore and interfaces.CodeStore using SurrealDB.
type OAuthStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewOAuthStore creates a new OAuthStore.
func NewOAuthStore(db *surrealdb.DB, logger *common.Logger) *OAuthStore {
	return &OAuthStore{db: db, logger: logger}
}

// --- Clients ---

func (s *OAuthStore) SaveClient(ctx context.Context, client *models.OAuthClient) error {
	if client.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	sql := `UPSERT $rid SET
		client_id = $client_id, client_name = $client_name,
		redirect_uris = $redirect_uris, token_endpoint_auth_method = $auth_method,
		metadata_document = $metadata_document, created_at = $created_at`
	vars := map[string]any{
		"rid":               surrealmodels.NewRecordID(tableClient, client.ClientID),
		"client_id":         client.ClientID,
		"client_name":       client.ClientName,
		"redirect_uris":     client.RedirectURIs,
		"auth_method":       client.TokenEndpointAuthMethod,
		"metadata_document": client.MetadataDocument,
		"created_at":        createdAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save oauth client: %w", err)
	}
	return nil
}

func (s *OAuthStore) GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	sql := "SELECT client_id, client_name, redirect_uris, token_endpoint_auth_method, metadata_document, created_at FROM $rid"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID(tableClient, clientID),
	}
	results, err := surrealdb.Query[[]oauthClientRow](ctx, s.db, sql, vars)
	if err != nil && !isNotFoundError(err) {
		return nil, fmt.Errorf("failed to get oauth client: %w", err)
	}
	rows := firstRows(results)
	if len(rows) == 0 {
		return nil, fmt.Errorf("client '%s': %w", clientID, interfaces.ErrNotFound)
	}
	row := rows[0]
	return &models.OAuthClient{
		ClientID:                row.ClientID,
		ClientName:              row.ClientName,
		RedirectURIs:            row.RedirectURIs,
		TokenEndpointAuthMethod: row.TokenEndpointAuthMethod,
		MetadataDocument:        row.MetadataDocument,
		CreatedAt:               row.CreatedAt,
	}, nil
}

// --- Authorization codes ---

// SaveCode uses CREATE so that an existing code is never overwritten.
func (s *OAuthStore) SaveCode(ctx context.Context, code *models.OAuthCode) error {
	if code.Code == "" {
		return fmt.Errorf("code is required")
	}
	sql := `CREATE $rid SET
		code = $code, client_id = $client_id, redirect_uri = $redirect_uri,
		resource = $resource, scope = $scope, code_challenge = $code_challenge,
		code_challenge_method = $code_challenge_method, user_id = $user_id,
		user_name = $user_name, created_at = $created_at, expires_at = $expires_at,
		used = false`
	vars := map[string]any{
		"rid":                   surrealmodels.NewRecordID(tableCode, code.Code),
		"code":                  code.Code,
		"client_id":             code.ClientID,
		"redirect_uri":          code.RedirectURI,
		"resource":              code.Resource,
		"scope":                 code.Scope,
		"code_challenge":        code.CodeChallenge,
		"code_challenge_method": code.CodeChallengeMethod,
		"user_id":               code.UserID,
		"user_name":             code.UserName,
		"created_at":            code.CreatedAt,
		"expires_at":            code.ExpiresAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save oauth code: %w", err)
	}
	return nil
}

func (s *OAuthStore) GetCode(ctx context.Context, code string) (*models.OAuthCode, error) {
	sql := "SELECT " + codeFields + " FROM $rid"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID(tableCode, code),
	}
	results, err := surrealdb.Query[[]oauthCodeRow](ctx, s.db, sql, vars)
	if err != nil && !isNotFoundError(err) {
		return nil, fmt.Errorf("failed to get oauth code: %w", err)
	}
	rows := firstRows(results)
	if len(rows) == 0 {
		return nil, fmt.Errorf("authorization code: %w", interfaces.ErrNotFound)
	}
	return rows[0].toModel(), nil
}

// MarkCodeUsed flips used only while it is still false, so concurrent
// redemptions of one code see exactly one updated row between them.
func (s *OAuthStore) MarkCodeUsed(ctx context.Context, code string) error {
	sql := "UPDATE $rid SET used = true WHERE used = false RETURN AFTER"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID(tableCode, code),
	}
	results, err := surrealdb.Query[[]oauthCodeRow](ctx, s.db, sql, vars)
	if err == nil && len(firstRows(results)) == 1 {
		return nil
	}

	// Nothing updated, or the update lost a write conflict to a concurrent
	// redemption. The stored record decides which.
	current, getErr := s.GetCode(ctx, code)
	if getErr != nil {
		return getErr
	}
	if current.Used {
		return interfaces.ErrCodeUsed
	}
	if err != nil {
		return fmt.Errorf("failed to mark oauth code used: %w", err)
	}
	return interfaces.ErrCodeUsed
}

func (s *OAuthStore) PurgeExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	sql := "DELETE " + tableCode + " WHERE expires_at <= $now RETURN BEFORE"
	vars := map[string]any{"now": now}
	results, err := surrealdb.Query[[]oauthCodeRow](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired codes: %w", err)
	}
	return len(firstRows(results)), nil
}

// Compile-time check
var (
	_ interfaces.ClientStore = (*OAuthStore)(nil)
	_ interfaces.CodeStore   = (*OAuthStore)(nil)
)
