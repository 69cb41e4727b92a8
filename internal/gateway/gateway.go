// ABOUTME: Gateway orchestrator that coordinates the HTTP, WebSocket and gRPC health servers
// ABOUTME: Owns the store, change hub, relay, notification trigger and event export lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tradepost/internal/auth"
	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/chat"
	"github.com/2389/tradepost/internal/config"
	"github.com/2389/tradepost/internal/dedupe"
	"github.com/2389/tradepost/internal/eventsink"
	"github.com/2389/tradepost/internal/inquiry"
	"github.com/2389/tradepost/internal/notify"
	"github.com/2389/tradepost/internal/store"
)

// readinessInterval is how often the gRPC health status is refreshed from a store ping
const readinessInterval = 10 * time.Second

// Gateway orchestrates the tradepost server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	hub    *changefeed.Hub
	logger *slog.Logger

	directory *chat.Directory
	stream    *chat.Stream
	feed      *notify.Feed
	trigger   *notify.Trigger
	inquiries *inquiry.Service
	sent      *dedupe.Cache[*store.Message]
	verifier  *auth.JWTVerifier

	// optional components
	relay *changefeed.RedisRelay
	sink  *eventsink.KafkaSink

	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// background holds the trigger, relay, sink and readiness loops
	background sync.WaitGroup
	stopBg     context.CancelFunc

	// requests is the base context of every HTTP request; canceling it ends
	// SSE streams and WebSocket sessions so Shutdown does not wait on them
	requests     context.Context
	stopRequests context.CancelFunc
}

// OpenStore opens the configured store backend. The caller owns Close.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		dsn := cfg.Database.DSN
		if env := os.Getenv("TRADEPOST_DATABASE_URL"); env != "" && dsn == "" {
			dsn = env
		}
		s, err := store.NewPostgresStore(ctx, dsn, store.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("TRADEPOST_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath, store.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// storeWithPublisher is implemented by every backend
type storeWithPublisher interface {
	store.Store
	SetPublisher(store.ChangePublisher)
}

// New creates a gateway from configuration, opening the store and the
// optional Redis relay and Kafka producer.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	if cfg.Realtime.RedisURL != "" {
		relay, err := changefeed.NewRedisRelay(ctx, cfg.Realtime.RedisURL, cfg.Realtime.Channel, gw.hub, logger)
		if err != nil {
			gw.closeComponents()
			return nil, fmt.Errorf("creating redis relay: %w", err)
		}
		gw.relay = relay
	}

	if cfg.Kafka.Enabled {
		producer, err := eventsink.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			gw.closeComponents()
			return nil, err
		}
		gw.sink = eventsink.NewKafkaSink(producer, gw.hub, cfg.Kafka.Topic, logger)
	}

	return gw, nil
}

// newGateway wires the domain services around an open store.
func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	hub := changefeed.NewHub(logger)
	if sp, ok := s.(storeWithPublisher); ok {
		sp.SetPublisher(hub)
	} else {
		logger.Warn("store does not publish changes; live updates disabled")
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		hub:    hub,
		logger: logger.With("component", "gateway"),
		health: health.NewServer(),
	}
	gw.requests, gw.stopRequests = context.WithCancel(context.Background())

	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating jwt verifier: %w", err)
		}
		gw.verifier = v
	} else {
		gw.logger.Warn("auth.jwt_secret not set: trusting X-User-ID header (development mode)")
	}

	gw.sent = dedupe.New[*store.Message](cfg.Messaging.IdempotencyTTL, cfg.Messaging.IdempotencyMaxEntries)
	gw.directory = chat.NewDirectory(s, hub, logger)
	gw.stream = chat.NewStream(s, hub, gw.sent, logger)
	gw.feed = notify.NewFeed(s, hub, logger)
	gw.trigger = notify.NewTrigger(hub, gw.feed, s, logger)
	gw.inquiries = inquiry.NewService(s, gw.directory, gw.stream, logger)

	gw.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gw.requests },
	}

	return gw, nil
}

// Handler returns the HTTP handler with every route registered.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.registerRoutes(mux)
	return mux
}

// startBackground launches the notification trigger and the optional relay,
// sink and readiness loops. They stop when Shutdown runs.
func (g *Gateway) startBackground(ctx context.Context) {
	ctx, g.stopBg = context.WithCancel(ctx)

	run := func(name string, fn func(context.Context) error) {
		g.background.Add(1)
		go func() {
			defer g.background.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("background component stopped", "name", name, "error", err)
			}
		}()
	}

	run("trigger", g.trigger.Run)
	if g.relay != nil {
		run("relay", g.relay.Run)
	}
	if g.sink != nil {
		run("eventsink", g.sink.Run)
	}
	run("readiness", g.watchReadiness)
}

// watchReadiness mirrors store reachability into the gRPC health service.
func (g *Gateway) watchReadiness(ctx context.Context) error {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		g.updateHealth(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *Gateway) updateHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := g.store.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("store ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus("tradepost", status)
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC. grpcLn is nil when server.grpc_addr is empty.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health service listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		g.closeComponents()
		return err
	}

	g.startBackground(ctx)
	errCh := g.startServers(grpcListener, httpListener)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The original context is already canceled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tradepost", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :80 for HTTP and :50051 for gRPC.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()
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

// closeComponents releases everything New opened besides the servers.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.relay != nil {
		errs = appendCloseError(errs, "redis relay close", g.relay.Close())
	}
	if g.sink != nil {
		errs = appendCloseError(errs, "kafka producer close", g.sink.Close())
	}
	g.hub.Close()
	g.sent.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.stopRequests()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.stopBg != nil {
		g.stopBg()
		g.background.Wait()
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
