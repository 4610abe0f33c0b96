package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/moolen/faultline/internal/apiserver"
	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/engine"
	"github.com/moolen/faultline/internal/lifecycle"
	"github.com/moolen/faultline/internal/logging"
	"github.com/moolen/faultline/internal/mcp"
	"github.com/moolen/faultline/internal/tracing"
)

var (
	serveStdio           bool
	serveMCPPath         string
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the diagnosis engine as a service",
	Long: `Run the engine with the MCP server as its approval channel.

Investigations started over MCP suspend at the approval gate; the plan is
decided with the decide_change_plan tool or "faultline approvals". With
the redis approval store, decisions recorded by other processes are picked
up from the store's event feed and run here. The adapters file is watched and hot-reloaded. Metrics, health and the MCP
streamable HTTP endpoint are served on metrics_addr.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Also serve MCP on stdin/stdout")
	serveCmd.Flags().StringVar(&serveMCPPath, "mcp-endpoint", getEnv("MCP_ENDPOINT", "/mcp"), "HTTP endpoint path for MCP requests")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for a graceful shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.GetLogger("serve")
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := openEngine(ctx, engine.Options{Channel: approval.DeferredChannel{}, Registerer: reg})
	if err != nil {
		return err
	}
	defer e.Close()
	cfg := e.Config()

	manager := lifecycle.NewManager()
	manager.SetShutdownTimeout(serveShutdownTimeout)

	tracer, err := tracing.NewProvider(cfg.Tracing, Version)
	if err != nil {
		return err
	}
	if err := manager.Register(tracer); err != nil {
		return err
	}

	var watcher lifecycle.Component
	if cfg.AdaptersPath != "" {
		w, err := e.NewAdaptersWatcher()
		if err != nil {
			return err
		}
		watcher = w
		if err := manager.Register(w, tracer); err != nil {
			return err
		}
	}

	mcpServer := mcp.NewServer(e.Supervisor(), e.Gate(), Version)
	httpServer := apiserver.New(apiserver.Config{
		Addr:      cfg.MetricsAddr,
		Gatherer:  reg,
		MCP:       mcpServer.HTTPHandler(serveMCPPath),
		MCPPath:   serveMCPPath,
		Approvals: e.Gate(),
		Readiness: apiserver.ReadyFunc(func() bool {
			return watcher == nil || manager.IsRunning(watcher.Name())
		}),
	})
	if err := manager.Register(httpServer, tracer); err != nil {
		return err
	}

	// With a shared store, run plans other processes decide with --record-only.
	if feed, ok := e.NewApprovalFeed(); ok {
		if err := manager.Register(feed, tracer); err != nil {
			return err
		}
	}

	if serveStdio {
		if err := manager.Register(stdioComponent(mcpServer, stop), tracer); err != nil {
			return err
		}
	}

	// Finish rounds whose plan was decided while we were down.
	recovered, err := e.Supervisor().RecoverDecided(ctx)
	if err != nil {
		logger.Warn("Failed to recover decided plans: %v", err)
	}
	if len(recovered) > 0 {
		logger.Info("Recovered %d decided runs", len(recovered))
	}

	logger.Info("Starting faultline v%s (metrics on %s)", Version, cfg.MetricsAddr)
	return manager.Run(ctx)
}

// stdioComponent serves MCP on stdin/stdout. Closing stdin shuts the
// whole server down.
func stdioComponent(s *mcp.Server, shutdown context.CancelFunc) lifecycle.Component {
	var cancel context.CancelFunc
	done := make(chan struct{})
	return &lifecycle.Func{
		ComponentName: "mcp-stdio",
		StartFn: func(ctx context.Context) error {
			var sctx context.Context
			sctx, cancel = context.WithCancel(context.WithoutCancel(ctx))
			go func() {
				defer close(done)
				err := s.ServeStdio(sctx, os.Stdin, os.Stdout)
				if err != nil && !errors.Is(err, context.Canceled) {
					logging.GetLogger("serve").Error("MCP stdio server stopped: %v", err)
				}
				shutdown()
			}()
			return nil
		},
		StopFn: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}
