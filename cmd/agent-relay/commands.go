// ABOUTME: Subcommands of the agent-relay CLI
// ABOUTME: serve runs the relay; health, token and clear-cache talk to a running instance

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/agent-relay/internal/auth"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/relay"
)

// cliTokenTTL bounds tokens minted for one-off admin calls.
const cliTokenTTL = 5 * time.Minute

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func runServe(ctx context.Context, out io.Writer, opts *rootOptions) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s (%s)\n\n", version, commit)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, out)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}
	line("Config", getConfigPath(opts.configPath))
	line("Foundry", cfg.Foundry.Endpoint)
	line("Chat", cfg.Agents.ChatAgentID)
	if cfg.Agents.BuilderAgentID != "" {
		line("Builder", fmt.Sprintf("%s (keyword %q)", cfg.Agents.BuilderAgentID, cfg.Agents.BuilderKeyword))
	}
	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s ", "Tailscale:")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Fprint(out, " [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	} else {
		line("HTTP", cfg.Server.HTTPAddr)
		if cfg.Server.GRPCAddr != "" {
			line("gRPC", cfg.Server.GRPCAddr)
		}
	}
	if dbPath := relay.StorePath(cfg); dbPath == "" {
		line("Sessions", "memory")
	} else {
		line("Sessions", dbPath)
	}
	fmt.Fprintln(out)

	r, err := relay.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	return r.Run(ctx)
}

// baseURL turns the configured listen address into a URL reachable from this host.
func baseURL(cfg *config.Config, override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.HTTPS {
			scheme = "https"
		}
		return scheme + "://" + cfg.Tailscale.Hostname
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that a running relay is healthy and ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), cfg, baseURL(cfg, url))
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "relay base URL (default derived from server.http_addr)")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer, cfg *config.Config, base string) error {
	for _, path := range []string{"/health", "/health/ready"} {
		if err := getOK(ctx, base+path); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s ok\n", path)
	}

	if cfg.Server.GRPCAddr != "" && !cfg.Tailscale.Enabled {
		status, err := checkGRPCHealth(ctx, cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "grpc %s\n", status)
		if status != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("grpc health: %s", status)
		}
	}

	color.New(color.FgGreen).Fprintln(out, "healthy")
	return nil
}

func getOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}

func checkGRPCHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dialing grpc: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("grpc health check: %w", err)
	}
	return resp.GetStatus(), nil
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		expires time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			token, err := mintToken(cfg, subject, expires)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the front-end adapter name")
	cmd.Flags().DurationVar(&expires, "expires", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func mintToken(cfg *config.Config, subject string, expires time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not configured")
	}
	if expires <= 0 {
		return "", fmt.Errorf("token lifetime must be positive, got %s", expires)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", err
	}
	return verifier.Generate(subject, expires)
}

func newClearCacheCommand(opts *rootOptions) *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop the agent definition cache of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if token == "" && cfg.Auth.JWTSecret != "" {
				if token, err = mintToken(cfg, relay.ServiceName+"-cli", cliTokenTTL); err != nil {
					return err
				}
			}
			if err := clearCache(cmd.Context(), baseURL(cfg, url), token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "agent cache cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "relay base URL (default derived from server.http_addr)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default minted from auth.jwt_secret)")
	return cmd
}

func clearCache(ctx context.Context, base, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/admin/cache/clear", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("clearing cache: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", relay.ServiceName, version, commit)
		},
	}
}
