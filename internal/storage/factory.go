// Package storage selects the persistence backend for clients, codes,
// users and notes.
package storage

import (
	"fmt"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/storage/memory"
	"github.com/bobmcallan/mcpnotes/internal/storage/surrealdb"
)

// NewStorageManager creates a storage manager based on the configuration.
// Supported backends: "memory" (default), "surrealdb".
func NewStorageManager(logger *common.Logger, config *common.Config) (interfaces.StorageManager, error) {
	backend := config.Storage.Backend
	if backend == "" {
		backend = common.StorageMemory
	}

	switch backend {
	case common.StorageMemory:
		return memory.NewManager(logger), nil

	case common.StorageSurrealDB:
		return surrealdb.NewManager(logger, config)

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: memory, surrealdb)", backend)
	}
}
