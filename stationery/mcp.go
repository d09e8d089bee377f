package stationery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/mailkit/kit"
)

// RegisterMCP registers the mailkit tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSaveTool(srv)
	s.registerGetTool(srv)
	s.registerSnapshotURLTool(srv)
}

// logCalls records one line per tool call with its transport and owner.
func (s *Service) logCalls(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"tool", tool,
				"transport", kit.GetTransport(ctx),
				"owner", kit.GetOwnerID(ctx),
				"duration", time.Since(start),
			}
			if err != nil {
				s.logger.Warn("stationery: tool call failed", append(attrs, "error", err)...)
			} else {
				s.logger.Debug("stationery: tool call", attrs...)
			}
			return resp, err
		}
	}
}

func (s *Service) addTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint) {
	kit.RegisterMCPTool(srv, tool, kit.Chain(s.logCalls(tool.Name))(endpoint), decodeTarget)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

var (
	ownerProp = map[string]any{"type": "string", "description": "Owner id"}
	slotProp  = map[string]any{"type": "string", "description": "Template slot: header, footer or signature"}
)

type targetReq struct {
	Owner  string `json:"owner"`
	Slot   string `json:"slot"`
	Markup string `json:"markup,omitempty"`
}

func decodeTarget(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r targetReq
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{
		Request: &r,
		EnrichCtx: func(ctx context.Context) context.Context {
			return kit.WithOwnerID(ctx, r.Owner)
		},
	}, nil
}

// --- save ---

func (s *Service) registerSaveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "mailkit_save_template",
		Description: "Save an email template (HTML). Foreign images are copied to owned storage and a PNG " +
			"snapshot is published at a stable URL. Returns the saved template, the snapshot id and warnings.",
		InputSchema: inputSchema(map[string]any{
			"owner":  ownerProp,
			"slot":   slotProp,
			"markup": map[string]any{"type": "string", "description": "Template HTML"},
		}, []string{"owner", "slot", "markup"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*targetReq)
		return s.SaveTemplate(ctx, r.Owner, r.Slot, r.Markup)
	}
	s.addTool(srv, tool, endpoint)
}

// --- get ---

func (s *Service) registerGetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mailkit_get_template",
		Description: "Return the stored template for an owner and slot.",
		InputSchema: inputSchema(map[string]any{
			"owner": ownerProp,
			"slot":  slotProp,
		}, []string{"owner", "slot"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*targetReq)
		return s.GetTemplate(ctx, r.Owner, r.Slot)
	}
	s.addTool(srv, tool, endpoint)
}

// --- snapshot url ---

func (s *Service) registerSnapshotURLTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mailkit_snapshot_url",
		Description: "Return the permanent snapshot image URL for an owner and slot, for embedding in emails.",
		InputSchema: inputSchema(map[string]any{
			"owner": ownerProp,
			"slot":  slotProp,
		}, []string{"owner", "slot"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*targetReq)
		u, err := s.SnapshotURL(r.Owner, r.Slot)
		if err != nil {
			return nil, err
		}
		return map[string]string{"url": u}, nil
	}
	s.addTool(srv, tool, endpoint)
}
