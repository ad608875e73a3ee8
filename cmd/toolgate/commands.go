// ABOUTME: Cobra command definitions for serve, health, servers, export, import and token
// ABOUTME: One-shot commands open the gateway without the HTTP listener or scheduler

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/store"
)

// cliPrincipal is the identity used by one-shot commands run on the host.
var cliPrincipal = &auth.Principal{ID: "toolgate-cli", Type: "service", Roles: []string{auth.RoleAdmin}}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the control plane",
		Long: `Start the control plane.

Built-in servers are registered, servers marked auto_start are started and
the health, auto-update and cleanup loops run until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	path := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Scheduler.Disabled {
		yellow := color.New(color.FgYellow)
		yellow.Print("    ▶ ")
		fmt.Println("Scheduler: disabled")
	}
	fmt.Println()

	logger.Info("starting toolgate",
		"config", path,
		"driver", cfg.Database.Driver,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func buildHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running control plane is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), cfg.Server.HTTPAddr)
		},
	}
}

func runHealth(ctx context.Context, out io.Writer, addr string) error {
	url := fmt.Sprintf("http://%s/health/ready", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}

// openGateway builds a gateway for a one-shot command. The caller must Stop it.
func openGateway() (*gateway.Gateway, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.Server.HTTPAddr = ""
	cfg.Scheduler.Disabled = true
	cfg.Logging.Level = "error"

	gw, err := gateway.New(cfg, setupLogger(cfg.Logging, os.Stderr), gateway.WithVersion(version))
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}
	return gw, nil
}

func closeGateway(gw *gateway.Gateway, err *error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := gw.Stop(ctx); stopErr != nil && *err == nil {
		*err = stopErr
	}
}

func buildServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect registered tool servers",
	}
	cmd.AddCommand(buildServersListCmd(), buildServersCheckCmd())
	return cmd
}

func buildServersListCmd() *cobra.Command {
	var (
		status         string
		includeBuiltin bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			gw, err := openGateway()
			if err != nil {
				return err
			}
			defer closeGateway(gw, &err)

			var filter *store.ServerStatus
			if status != "" {
				s := store.ServerStatus(status)
				filter = &s
			}
			servers, err := gw.ListServers(cmd.Context(), cliPrincipal, filter, includeBuiltin)
			if err != nil {
				return err
			}
			printServers(cmd.OutOrStdout(), servers)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list servers in this status (disabled, starting, enabled, stopping, error)")
	cmd.Flags().BoolVar(&includeBuiltin, "builtin", true, "Include built-in servers")
	return cmd
}

func printServers(out io.Writer, servers []*store.ToolServer) {
	if len(servers) == 0 {
		fmt.Fprintln(out, "  No servers registered")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tTRANSPORT\tSTATUS\tHEALTH\tFAILURES")
	fmt.Fprintln(w, "  --\t----\t---------\t------\t------\t--------")
	for _, s := range servers {
		health := s.HealthStatus
		if health == "" {
			health = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%d/%d\n",
			s.ID, s.Name, s.Transport, s.Status, health, s.ConsecutiveFailures, s.MaxFailures)
	}
	w.Flush()
}

func buildServersCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <server-id>",
		Short: "Run a health check against one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			gw, err := openGateway()
			if err != nil {
				return err
			}
			defer closeGateway(gw, &err)

			h, err := gw.HealthCheckServer(cmd.Context(), cliPrincipal, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if h.Healthy {
				fmt.Fprintf(out, "%s %s (%d tools)\n", color.GreenString("healthy"), h.Name, h.ToolCount)
				return nil
			}
			fmt.Fprintf(out, "%s %s: %s\n", color.RedString("unhealthy"), h.Name, h.Error)
			return fmt.Errorf("server %s is unhealthy", h.Name)
		},
	}
}

func buildExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <server-id>",
		Short: "Write a server registration as YAML",
		Long:  "Write a server registration as YAML. Credentials are never exported.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			gw, err := openGateway()
			if err != nil {
				return err
			}
			defer closeGateway(gw, &err)

			data, err := gw.ExportServer(cmd.Context(), cliPrincipal, args[0])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %s to %s\n", args[0], output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write (default stdout)")
	return cmd
}

func buildImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Register a server from an exported YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var data []byte
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading import: %w", err)
			}

			gw, err := openGateway()
			if err != nil {
				return err
			}
			defer closeGateway(gw, &err)

			server, err := gw.ImportServer(cmd.Context(), cliPrincipal, data)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Imported %s (%s)\n", server.Name, server.ID)
			return nil
		},
	}
}

func buildTokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ptype   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.token_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := mintToken(cfg.Auth.TokenSecret, &auth.Principal{ID: subject, Type: ptype, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Principal id (required)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to include; repeatable")
	cmd.Flags().StringVar(&ptype, "type", "user", "Principal type (user or service)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func mintToken(secret string, p *auth.Principal, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("auth.token_secret is not configured")
	}
	if strings.TrimSpace(p.ID) == "" {
		return "", fmt.Errorf("subject cannot be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(p, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}
