// Package app wires the components into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ticketrelay/internal/api"
	"ticketrelay/internal/config"
	"ticketrelay/internal/database"
	"ticketrelay/internal/dispatcher"
	"ticketrelay/internal/message"
	"ticketrelay/internal/ratelimit"
	"ticketrelay/internal/session"
	"ticketrelay/internal/websocket"
	dbconfig "ticketrelay/pkg/database"
)

// Application owns every long-lived component.
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	dbManager  *database.Manager
	sessions   *session.Manager
	registry   *websocket.Registry
	limiter    *ratelimit.Limiter
	gateway    *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewApplication builds the component graph in dependency order:
// database, migrations, limiter, rooms, sessions, dispatcher, gateway, API.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbManager, err := database.NewManager(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	applied, err := dbconfig.NewMigrationManagerFromConfig(dbManager.GetDB(), &cfg.Database).ApplyMigrations(context.Background())
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info().Strs("applied", applied).Msg("database migrations applied")

	limiter := ratelimit.New(cfg.RateLimit.MaxMessages, cfg.RateLimit.Window)
	registry := websocket.NewRegistry()
	sessions := session.NewManager(time.Now)
	auth := session.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, logger)

	messages := message.NewService(dbManager, logger)
	d := dispatcher.New(dbManager, messages, limiter, registry, logger,
		dispatcher.WithTimeout(cfg.WebSocket.EventTimeout),
	)

	gateway := websocket.NewHandler(registry, sessions, auth, d, gatewayConfig(cfg.WebSocket), logger)

	apiServer := api.NewServer(api.Deps{
		Store:       dbManager,
		Registry:    registry,
		Sessions:    sessions,
		Auth:        auth,
		Messages:    d,
		Limiter:     limiter,
		Gateway:     gateway,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.With().Str("component", "app").Logger(),
		dbManager:  dbManager,
		sessions:   sessions,
		registry:   registry,
		limiter:    limiter,
		gateway:    gateway,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func gatewayConfig(ws config.WebSocketConfig) websocket.Config {
	c := websocket.DefaultConfig()
	c.SendQueueSize = ws.BufferSize
	c.WriteTimeout = ws.WriteTimeout
	c.PongWait = ws.ReadTimeout
	c.PingInterval = ws.PingInterval
	c.ReadLimit = ws.MaxMessageBytes
	c.AllowedOrigins = ws.AllowedOrigins
	c.UpgradesPerSecond = ws.UpgradesPerSecond
	c.UpgradeBurst = ws.UpgradeBurst
	return c
}

// Start binds the listener, starts background maintenance and serves in
// the background. Bind errors are returned synchronously.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	bg, cancel := context.WithCancel(ctx)
	app.mu.Lock()
	app.listener = ln
	app.cancel = cancel
	app.mu.Unlock()

	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		app.gateway.Throttle().Run(bg)
	}()
	go func() {
		defer app.wg.Done()
		app.sweepRateLimits(bg)
	}()
	if idle := app.config.WebSocket.IdleTimeout; idle > 0 {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.sweepIdleConnections(bg, idle)
		}()
	}

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	app.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("env", app.config.Env).
		Msg("ticketrelay started")
	return nil
}

func (app *Application) sweepRateLimits(ctx context.Context) {
	interval := app.config.RateLimit.CleanupInterval
	if interval <= 0 {
		interval = app.config.RateLimit.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := app.limiter.Cleanup(); n > 0 {
				app.logger.Debug().Int("removed", n).Msg("expired rate limit windows swept")
			}
		case <-ctx.Done():
			return
		}
	}
}

// sweepIdleConnections checks at half the idle timeout, so a silent
// connection is closed at most 1.5x the timeout after its last event.
func (app *Application) sweepIdleConnections(ctx context.Context, maxIdle time.Duration) {
	interval := maxIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := app.gateway.CloseIdle(maxIdle); n > 0 {
				app.logger.Info().Int("closed", n).Msg("idle connections closed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP, background loops,
// database. Open WebSocket connections are hijacked and not tracked by
// http.Server, so they are closed through the registry.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.registry.CloseAll()

	app.mu.Lock()
	cancel := app.cancel
	app.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	app.wg.Wait()

	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound address once started, the configured one before.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// RunMigrations applies pending migrations and verifies the schema without
// starting the service.
func RunMigrations(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	db, err := dbconfig.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	mm := dbconfig.NewMigrationManagerFromConfig(db, &cfg.Database)
	applied, err := mm.ApplyMigrations(ctx)
	if err != nil {
		return nil, err
	}
	if err := mm.ValidateSchema(); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	logger.Info().
		Str("path", cfg.Database.DatabasePath).
		Int("applied", len(applied)).
		Msg("migrations complete")
	return applied, nil
}
