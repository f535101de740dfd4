// Qlikmcp is a read-only Model Context Protocol server for Qlik Cloud.
//
// It exposes four tools over MCP (list apps, list sheets, list the
// charts on a sheet, extract chart data) and answers them through the
// tenant REST API and the Engine WebSocket API. Configuration comes from
// an optional YAML file (see [config.DefaultSearchPaths]) plus the
// QLIK_* and MCP_* environment variables.
//
// Usage:
//
//	qlikmcp serve              Start the MCP server
//	qlikmcp check              Verify the tenant URL and token
//	qlikmcp tools              Print the tool schemas as JSON
//	qlikmcp version            Print version and build information
//	qlikmcp -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nugget/qlik-mcp/internal/auth"
	"github.com/nugget/qlik-mcp/internal/buildinfo"
	"github.com/nugget/qlik-mcp/internal/config"
	"github.com/nugget/qlik-mcp/internal/connwatch"
	"github.com/nugget/qlik-mcp/internal/mcp"
	"github.com/nugget/qlik-mcp/internal/qlik"
	"github.com/nugget/qlik-mcp/internal/tools"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	outputFmt  string
}

// run is the real entry point. ctx controls the process lifetime,
// stdout receives output and structured logs, stderr receives fatal
// messages, and args is os.Args[1:]. The command tree is built per call
// so no flag state is shared between invocations.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout io.Writer, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "qlikmcp",
		Short: "Read-only MCP server for Qlik Cloud",
		Long: `qlikmcp exposes Qlik Cloud apps, sheets and chart data to MCP clients.

Config search order:
  --config, ./config.yaml, ~/.config/qlikmcp/config.yaml, /etc/qlikmcp/config.yaml
Without a config file, defaults and QLIK_TENANT / QLIK_TOKEN are used.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.outputFmt != "text" && opts.outputFmt != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&opts.outputFmt, "output", "o", "text", "Output format: text or json")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the MCP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), stdout, opts.configPath)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Verify the tenant URL and token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCheck(cmd.Context(), stdout, opts)
			},
		},
		&cobra.Command{
			Use:   "tools",
			Short: "Print the tool schemas as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runTools(stdout)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVersion(stdout, opts.outputFmt)
			},
		},
	)
	return root
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runTools prints the tools/list payload without touching the network.
func runTools(w io.Writer) error {
	reg := tools.NewRegistry(tools.Backend{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	defs := make([]mcp.ToolDefinition, 0)
	for _, t := range reg.List() {
		defs = append(defs, mcp.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"tools": defs})
}

// checkResult is the JSON rendering of qlikmcp check.
type checkResult struct {
	Tenant  string `json:"tenant"`
	OK      bool   `json:"ok"`
	Kind    string `json:"error_kind,omitempty"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// runCheck pings the tenant with the configured token and reports the
// outcome. A failed check returns an error so the exit status is
// non-zero.
func runCheck(ctx context.Context, w io.Writer, opts *globalOptions) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	client := qlik.NewRESTClient(qlik.RESTConfig{
		BaseURL:    cfg.Qlik.TenantURL,
		Token:      qlik.StaticToken(cfg.Qlik.Token),
		Timeout:    cfg.Qlik.RESTTimeout,
		Retries:    qlik.RetryCount(0),
		RetryDelay: cfg.Qlik.RetryDelay,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	start := time.Now()
	pingErr := client.Ping(ctx)
	res := checkResult{
		Tenant:  cfg.Qlik.TenantURL,
		OK:      pingErr == nil,
		Elapsed: time.Since(start).Round(time.Millisecond).String(),
	}
	if pingErr != nil {
		res.Kind = qlik.KindOf(pingErr).String()
		res.Error = pingErr.Error()
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		tenant := res.Tenant
		if tenant == "" {
			tenant = "(no tenant configured)"
		}
		fmt.Fprintf(w, "tenant %s ... ", tenant)
		if res.OK {
			color.New(color.FgGreen).Fprintf(w, "OK")
			fmt.Fprintf(w, " (%s)\n", res.Elapsed)
		} else {
			color.New(color.FgRed).Fprintf(w, "FAIL")
			fmt.Fprintf(w, " [%s] %s\n", res.Kind, res.Error)
		}
	}

	if pingErr != nil {
		return fmt.Errorf("tenant check failed: %w", pingErr)
	}
	return nil
}

// runServe starts the MCP server and blocks until ctx is cancelled or a
// termination signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting qlik-mcp", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ParseLogLevel is already validated by config.Validate().
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"tenant", cfg.Qlik.TenantURL,
		"default_token", cfg.Qlik.Token != "",
		"gateway_auth", cfg.Auth.JWTSecret != "",
	)
	if cfg.Qlik.TenantURL == "" {
		logger.Warn("no tenant URL configured; tool calls will fail until qlik.tenant_url or QLIK_TENANT is set")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := tools.NewRegistry(tools.Backend{
		BaseURL:        cfg.Qlik.TenantURL,
		RESTTimeout:    cfg.Qlik.RESTTimeout,
		RESTRetries:    cfg.Qlik.RESTRetries,
		RetryDelay:     cfg.Qlik.RetryDelay,
		ConnectTimeout: cfg.Qlik.EngineConnectTimeout,
		CallTimeout:    cfg.Qlik.CallTimeout,
		Logger:         logger,
	})

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// The watcher needs a credential of its own; per-request tokens are
	// unknown until a client calls.
	if cfg.Qlik.TenantURL != "" && cfg.Qlik.Token != "" {
		pinger := qlik.NewRESTClient(qlik.RESTConfig{
			BaseURL:    cfg.Qlik.TenantURL,
			Token:      qlik.StaticToken(cfg.Qlik.Token),
			Timeout:    cfg.Qlik.RESTTimeout,
			Retries:    qlik.RetryCount(0), // the watcher has its own backoff
			RetryDelay: cfg.Qlik.RetryDelay,
			Logger:     logger,
		})
		connMgr.Watch(ctx, connwatch.TenantWatcherConfig(pinger, cfg.Health.PollInterval, logger))
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	server := mcp.NewServer(mcp.ServerConfig{
		Address:    cfg.Listen.Address,
		Port:       cfg.Listen.Port,
		Handler:    mcp.NewHandler(registry, cfg.Qlik.Token, logger),
		Health:     connMgr,
		Verifier:   verifier,
		AuthHeader: cfg.Auth.Header,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mcp server: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// newLogger creates a structured logger writing to w at level. Format
// "json" selects the JSON handler; anything else uses text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration. A missing file on the
// default search path is not an error: defaults and environment apply
// and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if cfgPath == "" {
			return nil, "", fmt.Errorf("load config: %w", err)
		}
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
