package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/finder"
)

// findArgs is the decoded input of the find tool. Pointer fields distinguish
// an absent argument (defaulted) from an explicit zero (validated and
// rejected where out of range).
type findArgs struct {
	Description         string   `json:"description,omitempty"`
	Page                *int     `json:"page,omitempty"`
	Limit               *int     `json:"limit,omitempty"`
	Depth               *int     `json:"depth,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
}

// runArgs is the decoded input of the run tool.
type runArgs struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	DryRun     bool           `json:"dry_run,omitempty"`
	Approve    string         `json:"approve,omitempty"`
}

// findInputSchema describes the find tool to the upstream client.
var findInputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"description": {
			Type:        "string",
			Description: "Natural-language description of the capability you need. Separate multiple intents with |. Empty lists everything.",
		},
		"page": {
			Type:        "integer",
			Description: "1-based result page (default 1).",
		},
		"limit": {
			Type:        "integer",
			Description: "Results per page (default 20, max 100).",
		},
		"depth": {
			Type:        "integer",
			Description: "1 returns name/description/score; 2 adds the full input schema.",
		},
		"confidence_threshold": {
			Type:        "number",
			Description: "Minimum similarity in [0,1]. Omit for the engine default.",
		},
	},
}

// runInputSchema describes the run tool to the upstream client.
var runInputSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"tool", "parameters"},
	Properties: map[string]*jsonschema.Schema{
		"tool": {
			Type:        "string",
			Description: "Tool to invoke, as <downstream>:<tool> exactly as returned by find.",
		},
		"parameters": {
			Type:        "object",
			Description: "Arguments for the downstream tool, passed through verbatim.",
		},
		"dry_run": {
			Type:        "boolean",
			Description: "Resolve routing and the confirmation verdict without calling the downstream.",
		},
		"approve": {
			Type:        "string",
			Description: "Approve a confirmation-gated tool: \"session\" or \"always\".",
			Enum:        []any{"session", "always"},
		},
	},
}

// Server is the upstream-facing MCP server exposing exactly find and run.
type Server struct {
	orc     *Orchestrator
	profile *config.Profile
	mcp     *mcp.Server

	// runCtx outlives individual requests; background reconciliation hangs
	// off it so the initialize reply never waits on indexing.
	runCtx context.Context
}

// NewServer builds the protocol server for an orchestrator.
func NewServer(orc *Orchestrator, profile *config.Profile, version string) *Server {
	s := &Server{orc: orc, profile: profile}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "toolmux",
		Version: version,
	}, &mcp.ServerOptions{
		Instructions: "Aggregating MCP proxy. Use find to discover tools across all configured downstream servers, then run to invoke one.",
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			s.handleInitialized(req)
		},
	})

	server.AddTool(&mcp.Tool{
		Name:        "find",
		Description: "Search the aggregated tool catalog by natural-language intent and return ranked matches.",
		InputSchema: findInputSchema,
	}, s.handleFind)

	server.AddTool(&mcp.Tool{
		Name:        "run",
		Description: "Invoke a tool discovered via find on its downstream server and return the result verbatim.",
		InputSchema: runInputSchema,
	}, s.handleRun)

	server.AddPrompt(&mcp.Prompt{
		Name:        "inventory",
		Description: "Summarize the configured downstream servers and how to discover their tools.",
	}, s.handleInventoryPrompt)

	s.mcp = server
	return s
}

// Run serves the upstream session over stdio until ctx is cancelled or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// handleInitialized captures the upstream clientInfo and kicks off background
// work. The initialize reply itself was already sent by the SDK.
func (s *Server) handleInitialized(req *mcp.InitializedRequest) {
	if params := req.Session.InitializeParams(); params != nil && params.ClientInfo != nil {
		common.LogInfo("Upstream client: %s %s", params.ClientInfo.Name, params.ClientInfo.Version)
		s.orc.SetClientInfo(params.ClientInfo)
	}
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.orc.Start(ctx)
}

func (s *Server) handleFind(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args findArgs
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return faultResult(common.InvalidArgumentf("malformed find arguments: %v", err)), nil
		}
	}

	findReq := finder.Request{
		Query:     args.Description,
		Page:      1,
		Limit:     finder.DefaultLimit,
		Depth:     1,
		Threshold: -1,
	}
	if args.Page != nil {
		findReq.Page = *args.Page
	}
	if args.Limit != nil {
		findReq.Limit = *args.Limit
	}
	if args.Depth != nil {
		findReq.Depth = *args.Depth
	}
	if args.ConfidenceThreshold != nil {
		findReq.Threshold = *args.ConfidenceThreshold
	}

	page, err := s.orc.Find(ctx, findReq)
	if err != nil {
		return faultResult(err), nil
	}
	return jsonResult(page), nil
}

func (s *Server) handleRun(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runArgs
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return faultResult(common.InvalidArgumentf("malformed run arguments: %v", err)), nil
	}

	result, err := s.orc.Run(ctx, RunArgs{
		Tool:       args.Tool,
		Parameters: args.Parameters,
		DryRun:     args.DryRun,
		Approve:    args.Approve,
	}, req.Params.Meta)
	if err != nil {
		return faultResult(err), nil
	}
	return result, nil
}

func (s *Server) handleInventoryPrompt(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "This server aggregates %d downstream MCP servers under profile %q:\n", s.profile.Downstreams.Len(), s.profile.Name)
	for _, name := range s.profile.Downstreams.Names() {
		spec := s.profile.Downstreams.Get(name)
		if spec.IsProcess() {
			fmt.Fprintf(&b, "- %s (stdio: %s)\n", name, spec.Command)
		} else {
			fmt.Fprintf(&b, "- %s (%s: %s)\n", name, spec.EffectiveTransport(), spec.URL)
		}
	}
	b.WriteString("\nUse the find tool to discover capabilities by intent and the run tool to invoke them as <downstream>:<tool>.")

	return &mcp.GetPromptResult{
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: b.String()},
			},
		},
	}, nil
}

// faultError is the structured error body returned to upstream.
type faultError struct {
	Kind              common.Kind     `json:"kind"`
	Message           string          `json:"message"`
	RetryAfterSeconds int             `json:"retry_after_seconds,omitempty"`
	Details           json.RawMessage `json:"details,omitempty"`
}

// faultResult maps an aggregator error to an isError tool result with a
// machine-readable body. Protocol-level errors are reserved for transport
// failures; tool failures always come back as results.
func faultResult(err error) *mcp.CallToolResult {
	body := faultError{
		Kind:    common.KindOf(err),
		Message: err.Error(),
	}
	if fault := common.AsFault(err); fault != nil {
		body.Message = fault.Message
		body.RetryAfterSeconds = common.RetryAfterSeconds(err)
		body.Details = fault.Payload
	}
	payload, marshalErr := json.Marshal(map[string]faultError{"error": body})
	if marshalErr != nil {
		payload = []byte(fmt.Sprintf(`{"error":{"kind":"fatal","message":%q}}`, err.Error()))
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	payload, err := json.Marshal(v)
	if err != nil {
		return faultResult(common.Fatalf("failed to encode result: %v", err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}
}
