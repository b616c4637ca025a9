package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/index"
	"github.com/toolmux/toolmux/internal/logging"
)

// transportFunc builds the wire transport for a downstream. The default is
// createTransport; tests substitute in-memory transports here.
type transportFunc func(*config.DownstreamSpec, *logging.RotatingWriter) (mcp.Transport, error)

// DownstreamConnection wraps one live MCP client session to a downstream
// server. Connect is lazy; the wrapper starts disconnected.
type DownstreamConnection struct {
	name string
	spec *config.DownstreamSpec
	dial transportFunc

	// clientInfo is the upstream client's identity, forwarded verbatim in the
	// downstream initialize for protocol transparency.
	clientInfo *mcp.Implementation

	client  *mcp.Client
	session *mcp.ClientSession
	stderr  *logging.RotatingWriter

	connected bool
	mu        sync.RWMutex
}

// NewDownstreamConnection creates an unconnected downstream wrapper. A nil
// dial falls back to the real transports.
func NewDownstreamConnection(name string, spec *config.DownstreamSpec, clientInfo *mcp.Implementation, dial transportFunc) *DownstreamConnection {
	if dial == nil {
		dial = createTransport
	}
	return &DownstreamConnection{
		name:       name,
		spec:       spec,
		dial:       dial,
		clientInfo: clientInfo,
		connected:  false,
	}
}

// Connect establishes the session. The downstream initialize carries the
// upstream clientInfo when one was captured, otherwise our own identity.
func (dc *DownstreamConnection) Connect(ctx context.Context) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.connected {
		return nil
	}

	info := dc.clientInfo
	if info == nil {
		info = &mcp.Implementation{Name: "toolmux", Version: "dev"}
	}
	dc.client = mcp.NewClient(info, nil)

	if dc.spec.IsProcess() && dc.stderr == nil {
		stderr, err := logging.NewRotatingWriter(dc.name)
		if err != nil {
			common.LogWarn("Could not open stderr capture for %s: %v", dc.name, err)
		} else {
			dc.stderr = stderr
		}
	}

	transport, err := dc.dial(dc.spec, dc.stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	session, err := dc.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	dc.session = session
	dc.connected = true
	return nil
}

// ListTools queries the downstream's tool catalog and converts it into index
// listings, deriving tags from the tool annotations.
func (dc *DownstreamConnection) ListTools(ctx context.Context) ([]index.ListedTool, error) {
	dc.mu.RLock()
	session := dc.session
	connected := dc.connected
	dc.mu.RUnlock()

	if !connected || session == nil {
		return nil, fmt.Errorf("not connected to %s", dc.name)
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}

	listed := make([]index.ListedTool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		var schema []byte
		if tool.InputSchema != nil {
			schema, err = json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: failed to encode schema: %w", tool.Name, err)
			}
		}
		listed = append(listed, index.ListedTool{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      schema,
			Tags:        annotationTags(tool.Annotations),
		})
	}
	return listed, nil
}

// CallTool forwards a tools/call. Arguments and meta are passed through
// verbatim; the downstream's result is returned unmodified.
func (dc *DownstreamConnection) CallTool(ctx context.Context, toolName string, args map[string]any, meta mcp.Meta) (*mcp.CallToolResult, error) {
	dc.mu.RLock()
	session := dc.session
	connected := dc.connected
	dc.mu.RUnlock()

	if !connected || session == nil {
		return nil, fmt.Errorf("not connected to %s", dc.name)
	}

	params := &mcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	}
	params.Meta = meta
	return session.CallTool(ctx, params)
}

// Ping checks liveness with a lightweight tools/list. For SSE downstreams a
// dead stream surfaces here as a failed probe.
func (dc *DownstreamConnection) Ping(ctx context.Context) error {
	dc.mu.RLock()
	session := dc.session
	connected := dc.connected
	dc.mu.RUnlock()

	if !connected || session == nil {
		return fmt.Errorf("not connected to %s", dc.name)
	}
	_, err := session.ListTools(ctx, nil)
	return err
}

// Close terminates the downstream connection and its stderr capture.
func (dc *DownstreamConnection) Close() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.session != nil {
		dc.session.Close()
		dc.session = nil
	}
	if dc.stderr != nil {
		dc.stderr.Close()
		dc.stderr = nil
	}
	dc.connected = false
	return nil
}

// IsConnected reports whether the session is live.
func (dc *DownstreamConnection) IsConnected() bool {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.connected
}

// annotationTags lowers MCP tool annotations into index tags.
func annotationTags(a *mcp.ToolAnnotations) []string {
	if a == nil {
		return nil
	}
	var tags []string
	if a.ReadOnlyHint {
		tags = append(tags, "readonly")
	}
	if a.DestructiveHint != nil && *a.DestructiveHint {
		tags = append(tags, "destructive")
	}
	if a.IdempotentHint {
		tags = append(tags, "idempotent")
	}
	if a.OpenWorldHint != nil && *a.OpenWorldHint {
		tags = append(tags, "open-world")
	}
	return tags
}
