// Package mcp exposes the performance toolbox over the Model Context
// Protocol, on stdio for editor-embedded use or streamable HTTP for
// shared deployments.
package mcp

import (
	"fmt"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/pgscope/pgscope/pkg/config"
	"github.com/pgscope/pgscope/pkg/logger"
)

const serverVersion = "1.0.0"

// Server wires the tool handlers to an MCP transport.
type Server struct {
	cfg  *config.Config
	deps *ToolDeps
	log  logger.Logger
}

// NewServer creates an MCP server around the shared tool dependencies.
func NewServer(cfg *config.Config, deps *ToolDeps, log logger.Logger) *Server {
	if log == nil {
		log = logger.NoOp{}
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Start serves the configured transport. Blocks until the transport
// shuts down.
func (s *Server) Start() error {
	mcpSrv := mcpserver.NewMCPServer(
		"pgscope",
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	registerTools(mcpSrv, s.deps)

	switch s.cfg.Server.Transport {
	case "stdio":
		s.log.Info("serving mcp over stdio")
		return mcpserver.ServeStdio(mcpSrv)
	case "http":
		addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
		httpSrv := mcpserver.NewStreamableHTTPServer(
			mcpSrv,
			mcpserver.WithEndpointPath(s.cfg.Server.EndpointPath),
		)
		s.log.Info("serving mcp over http", "addr", addr, "path", s.cfg.Server.EndpointPath)
		return httpSrv.Start(addr)
	default:
		return fmt.Errorf("unknown transport %q", s.cfg.Server.Transport)
	}
}
