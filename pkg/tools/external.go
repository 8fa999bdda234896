package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loomworks/loom/pkg/models"
)

// mcpInitTimeout bounds one connect+initialize handshake.
const mcpInitTimeout = 30 * time.Second

// mcpSession is the slice of *mcpsdk.ClientSession the source uses; tests
// substitute a fake.
type mcpSession interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// ExternalSource connects a router to an out-of-process MCP tool server.
// The connection is lazy: the first use connects and registers the server's
// catalog; a transport failure drops the session and the next call
// reconnects and re-syncs the catalog, so tools added or removed server-side
// show up in Router.List after recovery.
type ExternalSource struct {
	endpoint string
	router   *Router
	connect  func(ctx context.Context) (mcpSession, error)

	mu         sync.Mutex
	session    mcpSession
	registered map[string]bool // tool names this source owns on the router

	logger *slog.Logger
}

// NewExternalSource creates a source for an MCP server reachable over
// streamable HTTP at endpoint.
func NewExternalSource(router *Router, endpoint string) *ExternalSource {
	s := &ExternalSource{
		endpoint:   endpoint,
		router:     router,
		registered: make(map[string]bool),
		logger:     slog.With("component", "mcp_source", "endpoint", endpoint),
	}
	s.connect = s.dial
	return s
}

func (s *ExternalSource) dial(ctx context.Context) (mcpSession, error) {
	initCtx, cancel := context.WithTimeout(ctx, mcpInitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "loom", Version: "1"}, nil)
	transport := &mcpsdk.StreamableClientTransport{Endpoint: s.endpoint}
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP server %s: %w", s.endpoint, err)
	}
	return session, nil
}

// Sync ensures a live session and reconciles the server catalog into the
// router: new tools registered, vanished tools unregistered.
func (s *ExternalSource) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

func (s *ExternalSource) syncLocked(ctx context.Context) error {
	if s.session == nil {
		session, err := s.connect(ctx)
		if err != nil {
			return err
		}
		s.session = session
		s.logger.Info("MCP server connected")
	}

	listed, err := s.session.ListTools(ctx, nil)
	if err != nil {
		s.dropSessionLocked()
		return fmt.Errorf("list tools: %w", err)
	}

	current := make(map[string]bool, len(listed.Tools))
	for _, tool := range listed.Tools {
		current[tool.Name] = true
		def := models.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
			Metadata: models.ToolMetadata{
				RiskLevel: externalRiskLevel(tool.Name),
				Mutating:  true, // external effects are opaque; schedule serially
				Source:    models.ToolSourceExternal,
			},
		}
		if err := s.router.Register(def, s.handler(tool.Name)); err != nil {
			s.logger.Warn("skipping external tool with bad schema", "tool", tool.Name, "error", err)
			continue
		}
		s.registered[tool.Name] = true
	}

	for name := range s.registered {
		if !current[name] {
			s.router.Unregister(name)
			delete(s.registered, name)
		}
	}
	return nil
}

// handler proxies one external tool through the session, reconnecting once on
// transport failure.
func (s *ExternalSource) handler(toolName string) Handler {
	return func(ctx context.Context, params map[string]any, _ CallContext) (*Result, error) {
		result, err := s.call(ctx, toolName, params)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		// Transport failure: reconnect, refresh catalog, retry once.
		s.logger.Warn("external tool call failed, reconnecting", "tool", toolName, "error", err)
		s.mu.Lock()
		s.dropSessionLocked()
		syncErr := s.syncLocked(ctx)
		s.mu.Unlock()
		if syncErr != nil {
			return nil, fmt.Errorf("reconnect failed: %w", syncErr)
		}
		return s.call(ctx, toolName, params)
	}
}

func (s *ExternalSource) call(ctx context.Context, toolName string, params map[string]any) (*Result, error) {
	s.mu.Lock()
	if s.session == nil {
		if err := s.syncLocked(ctx); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	session := s.session
	s.mu.Unlock()

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: params})
	if err != nil {
		return nil, err
	}

	// isError from the server is a tool-level failure, not a transport one;
	// keep any structured content for the LLM.
	out := &Result{Success: !res.IsError}
	text := extractText(res)
	if res.IsError {
		out.Error = text
		if out.Error == "" {
			out.Error = fmt.Sprintf("external tool %s reported an error", toolName)
		}
	}
	if res.StructuredContent != nil {
		out.Result = res.StructuredContent
	} else if text != "" && !res.IsError {
		out.Result = text
	}
	return out, nil
}

// Close shuts the session down and removes this source's tools.
func (s *ExternalSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.registered {
		s.router.Unregister(name)
		delete(s.registered, name)
	}
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func (s *ExternalSource) dropSessionLocked() {
	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
}

// extractText concatenates TextContent items; other content kinds are
// represented by StructuredContent.
func extractText(res *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts the SDK's schema value to the plain parameters object
// the router compiles.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// externalRiskLevel tags obviously destructive names as high risk so policy
// blocks them without an explicit allow.
func externalRiskLevel(name string) models.RiskLevel {
	lower := strings.ToLower(name)
	for _, marker := range []string{"delete", "remove", "destroy", "drop", "terminate"} {
		if strings.Contains(lower, marker) {
			return models.RiskHigh
		}
	}
	return models.RiskMedium
}
