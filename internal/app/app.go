package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/crypto/bcrypt"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/guard"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/metrics"
	"github.com/bobmcallan/mcpnotes/internal/models"
	"github.com/bobmcallan/mcpnotes/internal/oauth"
	"github.com/bobmcallan/mcpnotes/internal/storage"
	"github.com/bobmcallan/mcpnotes/internal/tools"
)

// App holds the stores, the OAuth components, and the MCP server.
// It is the shared core behind cmd/mcpnotes-server.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Metrics     *metrics.Metrics
	Scopes      *oauth.ScopeRegistry
	Clients     *oauth.ClientRegistry
	Tokens      *oauth.TokenCodec
	Guard       *guard.Guard
	MCPServer   *server.MCPServer
	StartupTime time.Time

	// Now is the clock used for authorization code issue and expiry.
	Now func() time.Time

	purgeCancel context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp loads configuration and initializes the App.
// configPath may be empty, in which case MCPNOTES_CONFIG, then mcpnotes.toml
// next to the binary, then config/mcpnotes.toml are tried.
func NewApp(configPath string) (*App, error) {
	if configPath == "" {
		configPath = os.Getenv("MCPNOTES_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "mcpnotes.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/mcpnotes.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLoggerFromConfig(config.Logging)
	return New(config, logger)
}

// New initializes the App from an already loaded config.
func New(config *common.Config, logger *common.Logger) (*App, error) {
	startupStart := time.Now()
	ctx := context.Background()

	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	m := metrics.New()

	resolver := oauth.NewMetadataResolver(oauth.MetadataResolverConfig{
		AllowedHosts: config.Auth.MetadataAllowedHosts,
		Timeout:      config.Auth.GetMetadataFetchTimeout(),
		FallbackTTL:  config.Auth.GetMetadataCacheTTL(),
		Metrics:      m,
	}, logger)

	clients := oauth.NewClientRegistry(storageManager.ClientStore(), oauth.ClientRegistryConfig{
		AllowedRedirectURIs: config.Auth.AllowedRedirectURIs,
		Production:          config.IsProduction(),
		Resolver:            resolver,
		Metrics:             m,
	}, logger)

	for _, c := range config.Auth.Clients {
		client := &models.OAuthClient{
			ClientID:     c.ClientID,
			ClientName:   c.ClientName,
			RedirectURIs: c.RedirectURIs,
		}
		if err := clients.PreRegister(ctx, client); err != nil {
			storageManager.Close()
			return nil, fmt.Errorf("failed to register static client: %w", err)
		}
	}

	if err := seedUsers(ctx, storageManager.UserStore(), config.Auth.Users); err != nil {
		storageManager.Close()
		return nil, err
	}
	if config.IsProduction() {
		for _, u := range config.Auth.Users {
			if u.Password == u.Username {
				logger.Warn().Str("username", u.Username).Msg("Demo user password equals username in production")
			}
		}
	}

	tokens := oauth.NewTokenCodec(
		config.Auth.JWTSecret,
		config.Auth.Issuer,
		config.Auth.Resource,
		config.Auth.GetAccessTokenExpiry(),
	)

	g := guard.New(guard.Config{
		Verifier:            tokens,
		Policies:            tools.Policies(),
		ResourceMetadataURL: config.ResourceMetadataURL(),
		Metrics:             m,
	}, logger)

	mcpServer := server.NewMCPServer(
		"mcpnotes",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)
	tools.New(storageManager.NoteStore(), logger).Register(mcpServer)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		Metrics:     m,
		Scopes:      oauth.DefaultScopes(),
		Clients:     clients,
		Tokens:      tokens,
		Guard:       g,
		MCPServer:   mcpServer,
		StartupTime: startupStart,
		Now:         time.Now,
	}

	logger.Info().
		Int("static_clients", len(config.Auth.Clients)).
		Int("users", len(config.Auth.Users)).
		Dur("startup", time.Since(startupStart)).
		Msg("App initialized")

	return a, nil
}

// seedUsers stores the configured demo accounts with bcrypt password hashes.
// An account already present in a persistent store keeps its user id.
func seedUsers(ctx context.Context, store interfaces.UserStore, users []common.UserConfig) error {
	for _, u := range users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("auth.users: username and password are required")
		}
		hash, err := bcrypt.GenerateFromPassword(TruncatePassword(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password for %s: %w", u.Username, err)
		}
		name := u.Name
		if name == "" {
			name = u.Username
		}
		userID := uuid.New().String()
		if existing, err := store.GetUserByUsername(ctx, u.Username); err == nil {
			userID = existing.UserID
		} else if !errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("failed to look up user %s: %w", u.Username, err)
		}
		user := &models.User{
			UserID:       userID,
			Username:     u.Username,
			Name:         name,
			PasswordHash: string(hash),
		}
		if err := store.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.Username, err)
		}
	}
	return nil
}

// TruncatePassword returns the bytes bcrypt actually considers.
func TruncatePassword(password string) []byte {
	b := []byte(password)
	if len(b) > 72 {
		b = b[:72]
	}
	return b
}

// Close releases all resources held by the App.
func (a *App) Close() {
	if a.purgeCancel != nil {
		a.purgeCancel()
		a.purgeCancel = nil
	}
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
}

// StartCodePurger launches the background removal of expired authorization codes.
func (a *App) StartCodePurger(interval time.Duration) {
	purgeCtx, purgeCancel := context.WithCancel(context.Background())
	a.purgeCancel = purgeCancel
	go startCodePurger(purgeCtx, a.Storage.CodeStore(), a.Now, a.Logger, interval)
}
