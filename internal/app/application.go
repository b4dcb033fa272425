package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"livepoll/internal/api"
	"livepoll/internal/config"
	"livepoll/internal/database"
	"livepoll/internal/hub"
	"livepoll/internal/poll"
	"livepoll/internal/presence"
	"livepoll/internal/router"
	"livepoll/internal/session"
	"livepoll/internal/vote"
	"livepoll/internal/websocket"
	pkgdatabase "livepoll/pkg/database"
)

// Application owns every component and their start/stop order.
type Application struct {
	config      *config.Config
	dbManager   *database.Manager
	ledger      *vote.Ledger
	polls       *poll.Manager
	presence    *presence.Registry
	coordinator *session.Coordinator
	registry    *websocket.Registry
	eventRouter *router.Router
	hub         *hub.Hub
	apiServer   *api.Server
	httpServer  *http.Server
	cancel      context.CancelFunc
}

// NewApplication wires the components in dependency order:
// Database → Ledger → Polls → Presence → Hub → Coordinator → Router → Handler → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbManager, err := database.NewManager(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrations := pkgdatabase.NewMigrationManager(dbManager.GetDB(), dbManager.Dialect(), nil)
	if err := migrations.ApplyMigrations(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	slog.Info("Database ready", "driver", cfg.Database.Driver)

	ledger := vote.NewLedger(dbManager)
	polls := poll.NewManager(dbManager, ledger)
	participants := presence.NewRegistry(dbManager,
		presence.WithMaxNameLength(cfg.Session.MaxNameLength),
		presence.WithStartupReconcile(cfg.Session.ReconcileOnStart),
	)

	registry := websocket.NewRegistry()
	deliveryHub := hub.NewHub(registry, 0)

	coordinator := session.NewCoordinator(polls, ledger, participants, dbManager, deliveryHub, session.Config{
		ChatHistoryLimit: cfg.Session.ChatHistoryLimit,
		MaxChatLength:    cfg.Session.MaxChatLength,
	})

	eventRouter := router.NewRouter(coordinator, deliveryHub, cfg.Session.EventsPerMinute)

	handlerConfig := websocket.DefaultHandlerConfig()
	handlerConfig.Connection.SendBuffer = cfg.WebSocket.BufferSize
	handlerConfig.Connection.WriteTimeout = cfg.WebSocket.WriteTimeout
	handlerConfig.PingInterval = cfg.WebSocket.PingInterval
	handlerConfig.ReadTimeout = cfg.WebSocket.ReadTimeout
	handlerConfig.AllowedOrigin = cfg.HTTP.AllowedOrigin
	wsHandler := websocket.NewHandler(registry, eventRouter, handlerConfig)

	apiServer := api.NewServer(api.Dependencies{
		Session:      coordinator,
		Polls:        polls,
		Votes:        ledger,
		Participants: participants,
		Health:       dbManager,
		Registry:     registry,
	}, cfg.HTTP.AllowedOrigin)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		dbManager:   dbManager,
		ledger:      ledger,
		polls:       polls,
		presence:    participants,
		coordinator: coordinator,
		registry:    registry,
		eventRouter: eventRouter,
		hub:         deliveryHub,
		apiServer:   apiServer,
		httpServer:  httpServer,
	}, nil
}

// StartServices starts delivery, restores presence and the active poll, and
// begins rate limiter housekeeping. It does not listen.
func (app *Application) StartServices(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start delivery hub: %w", err)
	}
	if err := app.presence.Restore(ctx); err != nil {
		app.hub.Stop()
		cancel()
		return fmt.Errorf("failed to restore participants: %w", err)
	}
	if err := app.polls.Recover(ctx); err != nil {
		app.hub.Stop()
		cancel()
		return fmt.Errorf("failed to recover active poll: %w", err)
	}

	go app.eventRouter.RunCleanup(runCtx, time.Minute)
	return nil
}

// Start runs the services and then serves HTTP in the background.
func (app *Application) Start(ctx context.Context) error {
	slog.Info("Starting livepoll", "addr", app.httpServer.Addr)

	if err := app.StartServices(ctx); err != nil {
		return err
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.stopServices()
		return err
	case <-time.After(100 * time.Millisecond):
		slog.Info("Livepoll started", "addr", app.httpServer.Addr)
		return nil
	case <-ctx.Done():
		app.stopServices()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP → connections → timers → Hub → Database.
func (app *Application) Stop(ctx context.Context) error {
	slog.Info("Shutting down livepoll")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	// Shutdown does not track hijacked websocket connections.
	for _, conn := range app.registry.All() {
		conn.CloseAfterFlush()
	}

	app.stopServices()

	if err := app.dbManager.Close(); err != nil {
		slog.Warn("Database shutdown error", "error", err)
	}

	slog.Info("Livepoll shutdown complete")
	return nil
}

func (app *Application) stopServices() {
	app.polls.Stop()
	if err := app.hub.Stop(); err != nil && err != hub.ErrHubNotRunning {
		slog.Warn("Delivery hub shutdown error", "error", err)
	}
	if app.cancel != nil {
		app.cancel()
	}
}

// Handler returns the HTTP handler serving the REST API and /ws.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}

// GetAddr returns the listen address.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
