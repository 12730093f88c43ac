package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/history"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "chat-sync",
		Short:         "Real-time chat synchronization client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd(), hashKeyCmd(), versionCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// hashKeyCmd prints the bcrypt hash to put in HTTP_API_KEYS. With
// --generate it also creates the key.
func hashKeyCmd() *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an API key for HTTP_API_KEYS",
		Long: `Reads an API key from stdin and prints its bcrypt hash.
With --generate, creates a new key, prints it once, then prints its hash.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var key string

			if generate {
				key = auth.GenerateKey()
				fmt.Fprintf(cmd.OutOrStdout(), "key:  %s\n", key)
			} else {
				fmt.Fprint(cmd.ErrOrStderr(), "Enter API key: ")

				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					return errors.New("no input")
				}

				key = strings.TrimSpace(scanner.Text())
			}

			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}

			if generate {
				fmt.Fprintf(cmd.OutOrStdout(), "hash: %s\n", hash)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), hash)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&generate, "generate", false, "generate a new key")

	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the chat server and keep conversations in sync",
		Long: `Connects to the chat server's live channel and keeps the local
conversation state in sync until interrupted.

Required configuration:
  - CHAT_WS_URL, CHAT_API_URL, CHAT_TOKEN

Optional:
  - ENABLE_HTTP with HTTP_API_KEYS serves /mcp, /metrics and /healthz`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.Device),
		slog.String("codec", cfg.WireCodec),
		slog.Bool("http", cfg.EnableHTTP),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	codec, err := transport.CodecByName(cfg.WireCodec)
	if err != nil {
		return err
	}

	conn := transport.New(transport.Config{
		URL:          cfg.WSURL,
		Token:        cfg.Token,
		Device:       cfg.Device,
		Codec:        codec,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Metrics:      m,
	}, logger.With(slog.String("service", "transport")))

	hist := history.NewClient(cfg.APIURL, cfg.Token, nil)

	core := chatsync.New(chatsync.Config{
		RoomPageSize:    cfg.RoomPageSize,
		HistoryPageSize: cfg.HistoryPageSize,
		EchoTolerance:   cfg.EchoTolerance,
		Location:        cfg.Location(),
		Metrics:         m,
	}, conn, hist, logger.With(slog.String("service", "core")))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return core.Run(gctx)
	})

	g.Go(func() error {
		return conn.Run(gctx)
	})

	g.Go(func() error {
		if _, err := core.LoadSummaries(gctx); err != nil && gctx.Err() == nil {
			// The list is refetched on every reconnect once loaded;
			// until then the operator can list through the MCP tool.
			logger.Warn("initial conversation list failed", slog.String("error", err.Error()))
		}

		return nil
	})

	if cfg.EnableHTTP {
		g.Go(func() error {
			return runHTTP(gctx, cfg, core, reg, logger)
		})
	}

	return g.Wait()
}

// runHTTP serves the operator surface until ctx is cancelled.
func runHTTP(ctx context.Context, cfg *config.Config, core *chatsync.Core, reg *prometheus.Registry, logger *slog.Logger) error {
	entries, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing API keys: %w", err)
	}

	keys := make([]auth.Key, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, auth.Key{Name: e.Name, Hash: e.Hash})
	}

	httpLogger := logger.With(slog.String("service", "http"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, core)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyStore(keys),
		MCPHandler: mcpHandler,
		Gatherer:   reg,
		Status:     core,
		Logger:     httpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	httpLogger.Info("starting HTTP server",
		slog.String("listen", cfg.HTTPListenAddr),
		slog.Int("keys", len(keys)),
	)

	go func() {
		<-ctx.Done()
		httpLogger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
