// Package mcpserver exposes the gateway's tools over the Model Context
// Protocol.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

const instructions = "Payment-gated agent services: real-time crypto prices, " +
	"prediction market data, web research and JS-rendered web scraping. " +
	"Calls are billed to the configured API key; list_services shows prices in SOL " +
	"and the x402 payment details for paying per call on Solana."

// Option configures the MCP server.
type Option func(*options)

type options struct {
	version      string
	logger       *slog.Logger
	pollInterval time.Duration
	maxWait      time.Duration
}

// WithVersion sets the version reported to clients.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithJobPolling sets how often and how long tools wait for background jobs.
func WithJobPolling(interval, maxWait time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
		o.maxWait = maxWait
	}
}

// NewMCPServer creates an MCP server with one tool per catalog entry plus
// list_services and get_job_status.
func NewMCPServer(ctx context.Context, gw Gateway, opts ...Option) (*server.MCPServer, error) {
	o := options{version: "dev", pollInterval: DefaultPollInterval, maxWait: DefaultMaxWait}
	for _, opt := range opts {
		opt(&o)
	}

	listing, err := gw.Services(ctx)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}

	h := NewHandlers(gw, o.logger)
	h.pollInterval = o.pollInterval
	h.maxWait = o.maxWait

	s := server.NewMCPServer("chadgate", o.version,
		server.WithInstructions(instructions),
		server.WithToolCapabilities(false),
	)
	for _, t := range listing.Tools {
		s.AddTool(catalogTool(t), h.HandleTool(t.Name))
	}
	s.AddTool(ToolListServices, h.HandleListServices)
	s.AddTool(ToolGetJobStatus, h.HandleGetJobStatus)
	return s, nil
}
