// Package memory implements the storage interfaces with process-lifetime maps.
// Nothing survives a restart.
package memory

import (
	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
)

// Manager implements interfaces.StorageManager.
type Manager struct {
	oauth *OAuthStore
	users *UserStore
	notes *NoteStore
}

// NewManager creates empty in-memory stores.
func NewManager(logger *common.Logger) *Manager {
	logger.Debug().Msg("In-memory storage initialised")
	return &Manager{
		oauth: NewOAuthStore(),
		users: NewUserStore(),
		notes: NewNoteStore(),
	}
}

func (m *Manager) ClientStore() interfaces.ClientStore { return m.oauth }
func (m *Manager) CodeStore() interfaces.CodeStore     { return m.oauth }
func (m *Manager) UserStore() interfaces.UserStore     { return m.users }
func (m *Manager) NoteStore() interfaces.NoteStore     { return m.notes }
func (m *Manager) Close() error                        { return nil }

var _ interfaces.StorageManager = (*Manager)(nil)
