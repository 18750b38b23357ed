// ABOUTME: Relay orchestrator that wires the agent manager and runs the HTTP and gRPC servers
// ABOUTME: Manages store, listeners (TCP or tsnet), gRPC health, and graceful shutdown

package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/auth"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/foundry"
	"github.com/2389/agent-relay/internal/store"
	"github.com/2389/agent-relay/internal/tools"
)

// ServiceName is the gRPC health service name reported by the relay.
const ServiceName = "agent-relay"

// tailscaleGRPCPort is the tailnet port of the gRPC health service.
const tailscaleGRPCPort = ":50051"

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Relay orchestrates the agent-relay server components.
type Relay struct {
	config      *config.Config
	manager     *agent.Manager
	store       store.Store
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// StorePath is the SQLite path the relay will open, with AGENT_RELAY_DB_PATH
// taking precedence over the config file. An empty result means the
// in-memory store.
func StorePath(cfg *config.Config) string {
	db := cfg.Database
	if envPath := os.Getenv("AGENT_RELAY_DB_PATH"); envPath != "" {
		db.Path = envPath
	}
	if db.InMemory() {
		return ""
	}
	return db.Path
}

// initStore creates the session and usage store described by cfg.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := StorePath(cfg)
	if dbPath == "" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newExecutor builds the remote agent executor with the local tools.
func newExecutor(cfg *config.Config, logger *slog.Logger) (*agent.FoundryExecutor, error) {
	client, err := foundry.NewClient(foundry.Config{
		Endpoint:       cfg.Foundry.Endpoint,
		APIKey:         cfg.Foundry.APIKey,
		APIVersion:     cfg.Foundry.APIVersion,
		RequestTimeout: cfg.Foundry.RequestTimeout,
		Logger:         logger.With("component", "foundry"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent endpoint client: %w", err)
	}

	registry, err := tools.NewRegistry(tools.NewDailyTasks())
	if err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	formats := make(map[string]json.RawMessage)
	if cfg.Agents.BuilderAgentID != "" {
		formats[cfg.Agents.BuilderAgentID] = tools.CalendarResponseFormat()
	}

	return agent.NewFoundryExecutor(client, agent.ExecutorConfig{
		Tools:           registry,
		ResponseFormats: formats,
		MaxToolRounds:   cfg.Agents.MaxToolRounds,
	}, logger), nil
}

// newGRPCServer creates the gRPC server carrying the health service.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a Relay from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	mgr := agent.NewManager(agent.ManagerConfig{
		ChatAgentID:    cfg.Agents.ChatAgentID,
		BuilderAgentID: cfg.Agents.BuilderAgentID,
		BuilderKeyword: cfg.Agents.BuilderKeyword,
	}, exec, s, logger)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	handler := NewHandler(HandlerConfig{
		Streamer:          mgr,
		Usage:             s,
		Sessions:          s,
		Verifier:          verifier,
		ClearCacheCommand: cfg.Agents.ClearCacheCommand,
		Logger:            logger,
	})

	r := &Relay{
		config:  cfg,
		manager: mgr,
		store:   s,
		logger:  logger.With("component", "server"),
	}
	r.grpcServer, r.health = newGRPCServer()
	r.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return r, nil
}

// Manager returns the relay's agent manager.
func (r *Relay) Manager() *agent.Manager {
	return r.manager
}

// setupTCPListeners creates TCP listeners. The gRPC listener is nil when no
// gRPC address is configured.
func (r *Relay) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	r.logger.Info("starting relay",
		"http_addr", r.config.Server.HTTPAddr,
		"grpc_addr", r.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", r.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if r.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", r.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (r *Relay) warnIgnoredAddresses() {
	if r.config.Server.GRPCAddr != "" || r.config.Server.HTTPAddr != "" {
		r.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled",
			"http_addr", r.config.Server.HTTPAddr,
			"grpc_addr", r.config.Server.GRPCAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (r *Relay) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if r.config.Tailscale.Enabled {
		r.warnIgnoredAddresses()
		return r.setupTailscaleListeners(ctx)
	}
	return r.setupTCPListeners()
}

// startServers starts the HTTP server and, when grpcLn is set, the gRPC
// server in goroutines.
func (r *Relay) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			r.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := r.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		r.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := r.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// warmup resolves agent definitions in the background so the first request
// does not pay for the fetch.
func (r *Relay) warmup(ctx context.Context) {
	go func() {
		if err := r.manager.Warmup(ctx); err != nil {
			r.logger.Warn("agent warmup failed, will retry on first request", "error", err)
			return
		}
		r.logger.Info("agent definitions resolved")
	}()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (r *Relay) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		r.logger.Error("server error", "error", err)
		r.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (r *Relay) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		r.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the relay servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (r *Relay) Run(ctx context.Context) error {
	grpcListener, httpListener, err := r.setupListeners(ctx)
	if err != nil {
		return err
	}

	r.warmup(ctx)
	errCh := r.startServers(grpcListener, httpListener)
	r.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	r.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	serverErr := r.waitForShutdownSignal(ctx, errCh)

	shutdownErr := r.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "agent-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners starts a tsnet node and returns its gRPC and HTTP listeners.
func (r *Relay) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := r.config.Tailscale

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

	r.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		UserLogf: func(format string, args ...any) {
			r.logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}

	r.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := r.tsnetServer.Up(ctx)
	if err != nil {
		_ = r.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	r.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = r.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = r.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = r.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = r.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (r *Relay) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		r.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	r.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (r *Relay) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		r.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := r.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return r.createTailscaleTLSListener()
	default:
		ln, err := r.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (r *Relay) createTailscaleTLSListener() (net.Listener, error) {
	r.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := r.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := r.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (r *Relay) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		r.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		r.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all relay servers and releases resources.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")
	r.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", r.httpServer.Shutdown(ctx))

	r.shutdownGRPCServer(ctx)

	if r.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", r.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", r.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
