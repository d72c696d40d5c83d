// Command tracevault serves and manages versioned requirements traceability
// projects: artifacts and trace links recorded per project version.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/config"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/logging"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/server"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/session"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/storage"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *slog.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tracevault",
		Short:        "Versioned requirements traceability store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			// stdout carries the stdio transport and command output.
			logger, err = logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "tracevault.yaml", "Path to the YAML config file (missing file is ignored)")
	pf.String("data-dir", "", "Directory for project stores (overrides config)")
	pf.String("backend", "", "Storage backend for new projects: sqlite or badger (overrides config)")
	pf.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		serveCmd(),
		projectCmd(),
		versionCmd(),
		importCmd(),
		checkoutCmd(),
		deltaCmd(),
		errorsCmd(),
	)
	return root
}

// applyFlagOverrides copies explicitly set flags over the loaded config.
func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if f := flags.Lookup("transport"); f != nil && f.Changed {
		cfg.Server.Transport = f.Value.String()
	}
	if f := flags.Lookup("port"); f != nil && f.Changed {
		if port, err := strconv.Atoi(f.Value.String()); err == nil {
			cfg.Server.Port = port
		}
	}
}

func openMeta() (*storage.MetaStore, error) {
	meta, err := storage.OpenMeta(cfg.DataDir,
		storage.WithBackend(cfg.Backend),
		storage.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	return meta, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio or streamable HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			meta, err := openMeta()
			if err != nil {
				return err
			}
			defer meta.Close()

			sess := session.New(logger)
			defer sess.Close()

			srv := server.New(meta, sess, logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			switch cfg.Server.Transport {
			case "stdio":
				logger.Info("tracevault MCP server starting", "transport", "stdio", "data_dir", cfg.DataDir)
				return srv.Run(ctx, &mcp.StdioTransport{})
			case "http":
				return serveHTTP(ctx, srv)
			default:
				return fmt.Errorf("unknown transport: %s (use stdio or http)", cfg.Server.Transport)
			}
		},
	}
	cmd.Flags().String("transport", "", "Transport mode: stdio or http (overrides config)")
	cmd.Flags().Int("port", 0, "HTTP port, only used with --transport http (overrides config)")
	return cmd
}

func serveHTTP(ctx context.Context, srv *mcp.Server) error {
	mux := http.NewServeMux()
	mux.Handle("/", mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return srv
	}, nil))
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tracevault MCP server listening", "addr", httpSrv.Addr, "metrics", cfg.Metrics.Enabled)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down http server")
		return httpSrv.Shutdown(shutdownCtx)
	}
}
