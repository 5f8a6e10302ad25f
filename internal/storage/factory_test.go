package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/storage/memory"
)

func TestNewStorageManager_DefaultsToMemory(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Storage.Backend = ""

	m, err := NewStorageManager(common.NewSilentLogger(), cfg)
	require.NoError(t, err)
	defer m.Close()

	_, ok := m.(*memory.Manager)
	assert.True(t, ok)
	assert.NotNil(t, m.ClientStore())
	assert.NotNil(t, m.CodeStore())
	assert.NotNil(t, m.UserStore())
	assert.NotNil(t, m.NoteStore())
}

func TestNewStorageManager_UnknownBackend(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Storage.Backend = "badger"

	_, err := NewStorageManager(common.NewSilentLogger(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}

func TestNewStorageManager_SurrealDBUnreachable(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Storage.Backend = common.StorageSurrealDB
	cfg.Storage.Address = "ws://127.0.0.1:1/rpc"

	_, err := NewStorageManager(common.NewSilentLogger(), cfg)
	assert.Error(t, err)
}
