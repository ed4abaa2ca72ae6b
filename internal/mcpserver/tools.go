package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/memory"
	"github.com/joestump/upgrade-ops/internal/project"
	"github.com/joestump/upgrade-ops/internal/rules"
)

const (
	defaultQueryLimit = 5
	maxQueryLimit     = 50
)

// --- Tool Definitions ---

func queryMemoryTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"query_memory",
		"Return the scored remedies recorded for patterns containing a substring, best first. Scores combine historical build success, rule confidence and recency.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {
					"type": "string",
					"description": "Literal, case-sensitive substring of the rule pattern (for example SqlConnection or CS0246)"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of candidates (default 5, max 50)"
				}
			},
			"required": ["pattern"]
		}`),
	)
}

func listStaticRulesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_static_rules",
		"List the curated static upgrade rules, optionally only those matching a package name.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"package": {
					"type": "string",
					"description": "Package name to match rule patterns against (optional)"
				}
			}
		}`),
	)
}

func detectProjectTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"detect_project",
		"Parse the .NET projects under a directory or .csproj path and report their type, target framework, packages and build order.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {
					"type": "string",
					"description": "Directory or .csproj file to inspect"
				},
				"include_patterns": {
					"type": "boolean",
					"description": "Also scan C# sources for API usage patterns (default false)"
				}
			},
			"required": ["path"]
		}`),
	)
}

// --- Tool Handlers ---

type queryMemoryArgs struct {
	Pattern string `json:"pattern"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleQueryMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args queryMemoryArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Pattern == "" {
		return mcp.NewToolResultError("pattern is required"), nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	candidates := s.memory.Query(ctx, args.Pattern, limit, s.decayWeight)
	if candidates == nil {
		candidates = []memory.Candidate{}
	}
	return jsonResult(candidates)
}

type listStaticRulesArgs struct {
	Package string `json:"package"`
}

func (s *Server) handleListStaticRules(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listStaticRulesArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if s.rulesFile == "" {
		return mcp.NewToolResultError("no static rules file configured"), nil
	}

	all := rules.LoadFile(s.rulesFile, s.log)
	if args.Package == "" {
		if all == nil {
			all = []rules.Rule{}
		}
		return jsonResult(all)
	}
	matches := rules.MatchPackages([]project.PackageRef{{Name: args.Package}}, all)
	if matches == nil {
		matches = []rules.Match{}
	}
	return jsonResult(matches)
}

type detectProjectArgs struct {
	Path            string `json:"path"`
	IncludePatterns bool   `json:"include_patterns"`
}

type projectInfo struct {
	*project.Manifest
	Type     string   `json:"type"`
	Patterns []string `json:"patterns,omitempty"`
}

type detectProjectResult struct {
	Projects []projectInfo `json:"projects"`
	Order    []string      `json:"order"`
	Cyclic   []string      `json:"cyclic,omitempty"`
}

func (s *Server) handleDetectProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args detectProjectArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(args.Path) == "" {
		return mcp.NewToolResultError("path is required"), nil
	}

	paths, err := project.Discover(args.Path)
	if errors.Is(err, project.ErrNoManifest) {
		return mcp.NewToolResultError(fmt.Sprintf("no .csproj found under %s", args.Path)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("discover projects: %v", err)), nil
	}

	result := detectProjectResult{Projects: []projectInfo{}}
	refs := make(map[string][]string, len(paths))
	for _, p := range paths {
		m, err := project.ParseManifest(p)
		if err != nil {
			s.log.Warn("manifest unreadable", zap.String("path", p), zap.Error(err))
			continue
		}
		refs[p] = m.ProjectRefs
		info := projectInfo{Manifest: m, Type: project.DetectType(m)}
		if args.IncludePatterns {
			if info.Patterns, err = s.scanner.ScanDir(ctx, filepath.Dir(p)); err != nil {
				s.log.Warn("pattern scan failed", zap.String("path", p), zap.Error(err))
			}
		}
		result.Projects = append(result.Projects, info)
	}
	result.Order, result.Cyclic = project.Order(paths, refs)
	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
