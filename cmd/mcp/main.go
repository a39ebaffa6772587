// chadgate MCP server: exposes the gateway's tools to LLM agents over stdio
// or streamable HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mbd888/chadgate/internal/config"
	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/mcpserver"
	chadserver "github.com/mbd888/chadgate/internal/server"
)

var version = "dev"

type flags struct {
	http       bool
	port       int
	gatewayURL string
	apiKey     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "chadgate-mcp",
		Short: "Serve chadgate tools over the Model Context Protocol",
		Long: "Serves every catalog tool plus list_services and get_job_status.\n" +
			"Without --gateway-url the gateway runs in-process with the server's\n" +
			"configuration; calls are billed to MCP_API_KEY.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVar(&f.http, "http", false, "serve streamable HTTP instead of stdio")
	cmd.Flags().IntVar(&f.port, "port", 8103, "HTTP port")
	cmd.Flags().StringVar(&f.gatewayURL, "gateway-url", os.Getenv("CHADGATE_URL"), "remote gateway base URL")
	cmd.Flags().StringVar(&f.apiKey, "api-key", os.Getenv("MCP_API_KEY"), "API key billed for tool calls")
	return cmd
}

func run(ctx context.Context, f flags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdout carries the stdio transport.
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if f.apiKey == "" {
		logger.Warn("MCP_API_KEY not set, paid tools will answer with payment challenges")
	}

	gw, closeGW, err := gateway(ctx, f, logger)
	if err != nil {
		return err
	}
	defer closeGW()

	s, err := mcpserver.NewMCPServer(ctx, gw,
		mcpserver.WithVersion(version),
		mcpserver.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if !f.http {
		return server.ServeStdio(s)
	}

	addr := fmt.Sprintf(":%d", f.port)
	httpSrv := server.NewStreamableHTTPServer(s)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving MCP over streamable HTTP", "addr", addr)
		errCh <- httpSrv.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// gateway picks the remote client or an in-process core.
func gateway(ctx context.Context, f flags, logger *slog.Logger) (mcpserver.Gateway, func(), error) {
	if f.gatewayURL != "" {
		logger.Info("using remote gateway", "url", f.gatewayURL)
		return mcpserver.NewClient(mcpserver.Config{APIURL: f.gatewayURL, APIKey: f.apiKey}), func() {}, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	core, err := chadserver.NewCore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	sweeper := jobs.NewTimer(core.Jobs, cfg.JobSweepInterval, logger)
	go core.Hub.Run(ctx)
	go sweeper.Start(ctx)

	closeCore := func() {
		sweeper.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := core.Close(shutdownCtx); err != nil {
			logger.Error("core shutdown failed", "error", err)
		}
	}
	return mcpserver.NewLocal(core.Dispatcher, core.Jobs, f.apiKey), closeCore, nil
}
