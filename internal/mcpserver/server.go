// Package mcpserver exposes upgradeops state as read-only MCP tools over
// stdio JSON-RPC: scored memory lookups, the static rule set and project
// detection. Nothing reachable from here mutates memory or sources.
package mcpserver

import (
	"context"
	"io"
	"log"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/config"
	"github.com/joestump/upgrade-ops/internal/logging"
	"github.com/joestump/upgrade-ops/internal/memory"
	"github.com/joestump/upgrade-ops/internal/scan"
)

// Memory is the read side of scored memory.
type Memory interface {
	Query(ctx context.Context, substr string, limit int, decayWeight float64) []memory.Candidate
}

// Server holds the state the tools read from.
type Server struct {
	memory      Memory
	rulesFile   string
	decayWeight float64
	scanner     *scan.Scanner
	log         *zap.Logger
}

// NewServer returns a Server over mem and the static rules at rulesFile.
func NewServer(mem Memory, rulesFile string, decayWeight float64, log *zap.Logger) *Server {
	log = logging.OrNop(log)
	return &Server{
		memory:      mem,
		rulesFile:   rulesFile,
		decayWeight: decayWeight,
		scanner:     scan.NewScanner(log),
		log:         log,
	}
}

// MCPServer registers the read-only tools on a new MCP server.
func (s *Server) MCPServer() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"upgradeops",
		config.Version,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(
		server.ServerTool{Tool: queryMemoryTool(), Handler: s.handleQueryMemory},
		server.ServerTool{Tool: listStaticRulesTool(), Handler: s.handleListStaticRules},
		server.ServerTool{Tool: detectProjectTool(), Handler: s.handleDetectProject},
	)
	return mcpServer
}

// Serve speaks MCP over in and out until ctx is cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer, errLog io.Writer) error {
	stdio := server.NewStdioServer(s.MCPServer())
	stdio.SetErrorLogger(log.New(errLog, "[mcp] ", log.LstdFlags))
	s.log.Info("mcp server listening on stdio")
	return stdio.Listen(ctx, in, out)
}
