// Package app wires the gateway components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"presencehub/internal/api"
	"presencehub/internal/auth"
	"presencehub/internal/config"
	"presencehub/internal/database"
	"presencehub/internal/hub"
	"presencehub/internal/presence"
	"presencehub/internal/router"
	"presencehub/internal/telemetry"
	"presencehub/internal/websocket"
	"presencehub/pkg/interfaces"
	pkgdatabase "presencehub/pkg/database"
)

const limiterCleanupInterval = 5 * time.Minute

// ErrAlreadyStarted is returned by a second Start or Serve
var ErrAlreadyStarted = errors.New("application already started")

// Application coordinates all system components.
// Initialization order: telemetry → database → redis → presence → registry →
// hub → router → verifier → websocket → API → HTTP
type Application struct {
	config *config.Config
	logger *zap.Logger

	shutdownTelemetry telemetry.Shutdown
	metrics           *telemetry.Metrics
	dbManager         *database.Manager
	redis             redis.UniversalClient
	presence          *presence.Store
	registry          *websocket.Registry
	messageHub        *hub.Hub
	messageRouter     *router.Router
	verifier          interfaces.IdentityVerifier
	closeVerifier     func()
	wsHandler         *websocket.Handler
	apiServer         *api.Server
	httpServer        *http.Server

	mu       sync.Mutex
	started  bool
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewApplication creates a new application instance with all components initialized
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Application, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	app := &Application{config: cfg, logger: logger.Named("app")}
	defer func() {
		if err != nil {
			app.closeResources(context.Background())
		}
	}()

	app.shutdownTelemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if app.metrics, err = telemetry.NewMetrics(); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteQueueSize = cfg.Database.WriteQueueSize
	dbConfig.WriteTimeout = cfg.Database.WriteTimeout
	if app.dbManager, err = database.NewManager(dbConfig, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	app.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if pingErr := app.redis.Ping(pingCtx).Err(); pingErr != nil {
		// Presence degrades gracefully; content commands keep working.
		app.logger.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(pingErr))
	}
	cancel()

	app.presence, err = presence.NewStore(app.redis, &presence.Options{
		KeyPrefix: cfg.Presence.KeyPrefix,
		TTL:       cfg.Presence.TTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence store: %w", err)
	}

	app.registry = websocket.NewRegistry()
	if err = app.metrics.RegisterGauges(func() (int64, int64, int64) {
		stats := app.registry.Stats()
		return int64(stats.Connections), int64(stats.Users), int64(stats.Rooms)
	}); err != nil {
		return nil, fmt.Errorf("failed to register gauges: %w", err)
	}

	hubOpts := hub.Options{QueueSize: cfg.Limits.BroadcastQueue, Metrics: app.metrics}
	if cfg.Redis.Relay {
		nodeID := cfg.Redis.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		hubOpts.Relay = hub.NewRelay(app.redis, cfg.Presence.KeyPrefix, nodeID, logger)
	}
	app.messageHub = hub.NewHub(app.registry, hubOpts, logger)

	app.messageRouter, err = router.NewRouter(app.dbManager, app.presence, app.registry, app.messageHub, router.Options{
		CommandsPerMinute: cfg.Limits.CommandsPerMinute,
		Metrics:           app.metrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	app.presence.OnExpired(app.messageRouter.AnnounceExpired)

	if err = app.buildVerifier(ctx); err != nil {
		return nil, err
	}

	app.wsHandler = websocket.NewHandler(app.registry, app.verifier, app.messageRouter, websocket.HandlerConfig{
		PingInterval:      cfg.WebSocket.PingInterval,
		PongWait:          cfg.WebSocket.PongWait,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		SendBuffer:        cfg.WebSocket.SendBuffer,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
		AllowedOrigins:    cfg.WebSocket.AllowedOrigins,
		DisconnectTimeout: 5 * time.Second,
	}, logger)

	app.apiServer = api.NewServer(api.Dependencies{
		Presence: app.presence,
		Verifier: app.verifier,
		Registry: app.registry,
		Activity: app.dbManager,
		Checks: map[string]api.Checker{
			"database": app.dbManager.HealthCheck,
			"redis":    func(ctx context.Context) error { return app.redis.Ping(ctx).Err() },
		},
		WebSocket: app.wsHandler.HandleWebSocket,
	}, logger)

	app.httpServer = &http.Server{
		Addr:              cfg.HTTP.Address(),
		Handler:           app.apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

func (app *Application) buildVerifier(ctx context.Context) error {
	authCfg := app.config.Auth
	switch authCfg.Mode {
	case config.AuthModeJWKS:
		v, err := auth.NewJWKSVerifier(ctx, authCfg.JWKSURL, authCfg.Issuer, authCfg.Audience, app.logger)
		if err != nil {
			return fmt.Errorf("failed to load JWKS: %w", err)
		}
		app.verifier = v
		app.closeVerifier = v.Close
	default:
		v, err := auth.NewHMACVerifier([]byte(authCfg.Secret), authCfg.Issuer, authCfg.Audience)
		if err != nil {
			return fmt.Errorf("failed to create verifier: %w", err)
		}
		app.verifier = v
	}
	return nil
}

// Start listens on the configured address and serves in the background
func (app *Application) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	if err := app.Serve(ctx, ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve starts the hub, the background maintenance loops and the HTTP server
// on ln. It returns once everything is running; Wait reports later failures.
// The loops run until Stop, independent of ctx.
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.started {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := app.messageHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return app.presence.RunSweeper(groupCtx, app.config.Presence.SweepInterval)
	})
	group.Go(func() error {
		ticker := time.NewTicker(limiterCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				app.messageRouter.RateLimiter().Cleanup()
			}
		}
	})
	group.Go(func() error {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	app.started = true
	app.listener = ln
	app.cancel = cancel
	app.group = group
	app.logger.Info("presencehub started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Wait blocks until the background loops exit and returns the first failure
func (app *Application) Wait() error {
	app.mu.Lock()
	group := app.group
	app.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Addr returns the bound listener address, or the configured one before Start
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP routes
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Stop gracefully shuts down the application.
// Reverse order: HTTP → websocket connections → background loops → hub → stores
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down presencehub")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Disconnect handling broadcasts offline events, so the hub must still run.
	if err := app.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}

	app.mu.Lock()
	cancel, group, started := app.cancel, app.group, app.started
	app.mu.Unlock()
	if started {
		if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("hub stop: %w", err))
		}
		cancel()
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := app.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	app.logger.Info("presencehub shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeResources(ctx context.Context) error {
	var errs []error
	if app.presence != nil {
		if err := app.presence.Close(); err != nil {
			errs = append(errs, fmt.Errorf("presence close: %w", err))
		}
	}
	if app.closeVerifier != nil {
		app.closeVerifier()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if app.shutdownTelemetry != nil {
		if err := app.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
