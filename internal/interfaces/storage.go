package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/bobmcallan/mcpnotes/internal/models"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCodeUsed is returned by MarkCodeUsed when the code was already redeemed.
	ErrCodeUsed = errors.New("authorization code already used")
)

// StorageManager coordinates the process-lifetime stores.
type StorageManager interface {
	ClientStore() ClientStore
	CodeStore() CodeStore
	UserStore() UserStore
	NoteStore() NoteStore

	// Lifecycle
	Close() error
}

// ClientStore holds registered OAuth clients. Clients are never deleted.
type ClientStore interface {
	SaveClient(ctx context.Context, client *models.OAuthClient) error
	GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error)
}

// CodeStore holds single-use authorization codes.
type CodeStore interface {
	SaveCode(ctx context.Context, code *models.OAuthCode) error
	GetCode(ctx context.Context, code string) (*models.OAuthCode, error)

	// MarkCodeUsed flips Used to true. It is a compare-and-swap: when two
	// callers race on the same code exactly one gets nil and the other ErrCodeUsed.
	MarkCodeUsed(ctx context.Context, code string) error

	// PurgeExpiredCodes removes codes whose lifetime elapsed before now.
	PurgeExpiredCodes(ctx context.Context, now time.Time) (int, error)
}

// UserStore holds accounts accepted on the consent page.
type UserStore interface {
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// NoteStore holds per-user notes for the demo tools.
type NoteStore interface {
	AddNote(ctx context.Context, owner, text string) (*models.Note, error)
	ListNotes(ctx context.Context, owner string) ([]*models.Note, error)
}
