// ABOUTME: Gateway orchestrator that wires the store, broker bridge and router behind HTTP and gRPC servers
// ABOUTME: Owns startup ordering (broker first) and graceful shutdown of every component

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/support-relay/internal/auth"
	"github.com/2389/support-relay/internal/bot"
	"github.com/2389/support-relay/internal/broker"
	"github.com/2389/support-relay/internal/config"
	"github.com/2389/support-relay/internal/dedupe"
	"github.com/2389/support-relay/internal/envelope"
	"github.com/2389/support-relay/internal/registry"
	"github.com/2389/support-relay/internal/relay"
	"github.com/2389/support-relay/internal/store"
)

// Gateway runs one support-relay instance.
type Gateway struct {
	config   *config.Config
	store    store.Store
	registry *registry.Registry
	bridge   *broker.Bridge
	router   *relay.Router
	resolver auth.Resolver
	dedupe   *dedupe.Cache

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// readinessInterval is how often the broker connection is polled for health.
	readinessInterval time.Duration

	// connCtx ends every live websocket on shutdown; hijacked
	// connections are not closed by http.Server.Shutdown.
	connCtx    context.Context
	connCancel context.CancelFunc

	logger *slog.Logger
}

// initStore creates the SQLite store, letting RELAY_DB_PATH override the config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// openTransport connects to the configured broker. An unreachable broker
// fails here, before any listener is opened.
func openTransport(cfg config.BrokerConfig, logger *slog.Logger) (broker.Transport, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory broker; messages do not leave this instance")
		return broker.NewMemoryTransport(0), nil
	default:
		t, err := broker.DialAMQP(cfg.URL, cfg.Prefetch, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// createResolver picks JWT identity resolution, or the development resolver
// when no secret is configured.
func createResolver(cfg config.AuthConfig, logger *slog.Logger) (auth.Resolver, error) {
	if cfg.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured, trusting ?id= on connect")
		return auth.DevResolver{}, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("JWT identity resolution enabled")
	return auth.NewJWTResolver(verifier), nil
}

func brokerQueues(q config.QueuesConfig) broker.Queues {
	return broker.Queues{
		ClientToOperator: q.ClientToOperator,
		OperatorToClient: q.OperatorToClient,
		Notify:           q.Notify,
		Advertising:      q.Advertising,
	}
}

// New creates a new Gateway instance with the given configuration. It opens
// the store and connects to the broker; an unreachable broker returns an
// error wrapping broker.ErrUnavailable.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	resolver, err := createResolver(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	transport, err := openTransport(cfg.Broker, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	dedupeCache := dedupe.New(cfg.Broker.DedupeTTL, dedupe.DefaultMaxSize)
	queues := brokerQueues(cfg.Broker.Queues)
	bridge := broker.NewBridge(broker.Config{
		Transport: transport,
		Exchange:  cfg.Broker.Exchange,
		Queues:    queues,
		Dedupe:    dedupeCache,
		Logger:    logger,
	})

	reg := registry.New(logger)
	router, err := relay.New(relay.Config{
		Registry:      reg,
		Bot:           bot.New(bot.DefaultRules(sqlStore), logger),
		Broker:        bridge,
		Queues:        queues,
		Notifications: sqlStore,
		Connections:   sqlStore,
		Eligibility: relay.AdvertisingPolicy{
			Log:            sqlStore,
			Window:         cfg.Advertising.Window,
			MinConnections: cfg.Advertising.MinConnections,
		},
		Media:  envelope.NewMediaPolicy(cfg.Media.AllowedTypes),
		Logger: logger,
	})
	if err != nil {
		_ = bridge.Stop()
		_ = sqlStore.Close()
		dedupeCache.Close()
		return nil, err
	}
	router.RegisterHandlers()

	connCtx, connCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:     cfg,
		store:      sqlStore,
		registry:   reg,
		bridge:     bridge,
		router:     router,
		resolver:   resolver,
		dedupe:     dedupeCache,
		connCtx:    connCtx,
		connCancel: connCancel,
		logger:     logger.With("component", "gateway"),

		readinessInterval: 2 * time.Second,
	}

	gw.grpcServer, gw.health = createHealthServer()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Start declares the broker topology and starts the queue consumers. The
// instance reports ready only after it succeeds, and stops reporting ready
// while the broker connection is down.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting broker bridge: %w", err)
	}
	g.setServing(true)
	go g.watchReadiness()
	return nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupListeners creates TCP listeners for HTTP and, when configured, gRPC health.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.config.Server.GRPCAddr == "" {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the broker bridge, then the servers, and blocks until ctx is
// canceled. A broker that cannot be reached aborts before any listener opens.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	g.logger.Info("support relay started",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"broker", g.config.Broker.Driver,
	)

	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes live websockets, stops the
// broker consumers and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.connCancel()

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "broker stop", g.bridge.Stop())
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
