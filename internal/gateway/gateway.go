// ABOUTME: Gateway wires the store, bot registry, and HTTP/gRPC servers together
// ABOUTME: Handles listener setup (TCP or tsnet), the idle reaper, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
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
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/sigbot/internal/auth"
	"github.com/2389/sigbot/internal/bot"
	"github.com/2389/sigbot/internal/config"
	"github.com/2389/sigbot/internal/dedupe"
	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/protocol/relay"
	"github.com/2389/sigbot/internal/registry"
	"github.com/2389/sigbot/internal/store"
	"github.com/2389/sigbot/internal/telemetry"
)

const (
	// tailscaleGRPCPort is where the health service listens on the tailnet.
	tailscaleGRPCPort = ":50051"

	// Redelivered envelopes are recognized for this long.
	seenTTL  = 10 * time.Minute
	seenSize = 100_000
)

// Gateway is the sigbot server.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	seen       *dedupe.Cache
	auth       *auth.Authenticator
	verifier   *auth.JWTVerifier
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	tsnet      *tsnet.Server
	logger     *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

type options struct {
	store     store.Store
	library   protocol.Library
	telemetry *telemetry.Provider
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLibrary uses lib instead of dialing the configured relay.
func WithLibrary(lib protocol.Library) Option {
	return func(o *options) { o.library = lib }
}

// WithTelemetry records spans and metrics through p.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(o *options) { o.telemetry = p }
}

// OpenStore opens the configured SQLite database, sealing protocol stores
// when a store key is set.
func OpenStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	opts := []store.Option{
		store.WithDriver(cfg.Database.Driver),
		store.WithLogger(logger.With("component", "store")),
	}
	if cfg.Database.StoreKey != "" {
		sealer, err := store.NewSealer(cfg.Database.StoreKey)
		if err != nil {
			return nil, fmt.Errorf("loading store key: %w", err)
		}
		opts = append(opts, store.WithSealer(sealer))
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tel := o.telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	s := o.store
	if s == nil {
		if s, err = OpenStore(cfg, logger); err != nil {
			return nil, err
		}
	}

	lib := o.library
	if lib == nil {
		lib, err = relay.New(cfg.Relay.URL, relay.WithLogger(logger.With("component", "relay")))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating relay client: %w", err)
		}
	}

	var persister *bot.AttachmentPersister
	if cfg.Bots.FilesRoot != "" {
		persister = bot.NewAttachmentPersister(cfg.Bots.FilesRoot, logger)
	}

	seen := dedupe.New(seenTTL, seenSize)
	reg := registry.New(registry.Config{
		Store: s,
		Session: bot.Config{
			Library:      lib,
			Repo:         s,
			Attachments:  persister,
			Seen:         seen,
			ReceiveGrace: cfg.Bots.ReceiveGrace,
			Tracer:       tel.Tracer,
			Metrics:      metrics,
			Logger:       logger,
		},
		IdleTimeout: cfg.Bots.IdleTimeout,
		Logger:      logger,
	})

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		seen:     seen,
		auth:     auth.NewAuthenticator(s, verifier, cfg.Auth.TokenTTL),
		verifier: verifier,
		logger:   logger.With("component", "gateway"),
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = newHealthServer()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Registry returns the gateway's bot registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

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

// Run starts the servers and the idle reaper, then blocks until ctx is
// canceled or a server fails. Either way it shuts the gateway down.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if err := g.registry.StartReaper(ctx, g.config.Bots.ReapSchedule); err != nil {
		_ = httpListener.Close()
		if grpcListener != nil {
			_ = grpcListener.Close()
		}
		return fmt.Errorf("starting reaper: %w", err)
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Runs on context.Background() because the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "sigbot", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet node and returns listeners for gRPC and HTTP.
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

	g.tsnet = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnet.Up(ctx)
	if err != nil {
		_ = g.tsnet.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnet.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnet.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
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

// createTailscaleHTTPListener listens on :443 with tailnet certs when HTTPS
// is enabled, otherwise on :80.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	if tsCfg.HTTPS {
		return g.createTailscaleTLSListener(grpcLn)
	}
	ln, err := g.tsnet.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnet.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnet.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnet.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnet.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnet.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, stops every live bot session, and closes the
// store. Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)
		errs = appendCloseError(errs, "registry close", g.registry.Close())
		if g.tsnet != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnet.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.seen.Close()

		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a query.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := g.store.CountUsers(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live bots)", g.registry.Len())
}
