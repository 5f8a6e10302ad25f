package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bobmcallan/mcpnotes/internal/common"
)

var (
	surrealOnce    sync.Once
	surrealAddress string
	surrealError   error
)

// startSurrealDB starts one SurrealDB container per test process.
func startSurrealDB(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping SurrealDB container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	surrealOnce.Do(func() {
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--user", "root", "--pass", "root"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("8000/tcp"),
				wait.ForLog("Started web server"),
			).WithDeadline(60 * time.Second),
		}

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			surrealError = fmt.Errorf("start SurrealDB container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			container.Terminate(ctx)
			surrealError = fmt.Errorf("get SurrealDB host: %w", err)
			return
		}
		mappedPort, err := container.MappedPort(ctx, "8000/tcp")
		if err != nil {
			container.Terminate(ctx)
			surrealError = fmt.Errorf("get SurrealDB port: %w", err)
			return
		}
		surrealAddress = fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port())
	})

	if surrealError != nil {
		t.Fatalf("SurrealDB container failed: %v", surrealError)
	}
	return surrealAddress
}

// newTestManager connects to a fresh database so tests do not see each other's rows.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	addr := startSurrealDB(t)

	cfg := common.NewDefaultConfig()
	cfg.Storage.Backend = common.StorageSurrealDB
	cfg.Storage.Address = addr
	cfg.Storage.Database = "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	m, err := NewManager(common.NewSilentLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}
