package proxy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gotest.tools/assert"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/embeddings/hashembed"
	"github.com/toolmux/toolmux/internal/finder"
	"github.com/toolmux/toolmux/internal/index"
	"github.com/toolmux/toolmux/internal/logging"
)

func loadTestProfile(t *testing.T, content string) *config.Profile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p.json")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	profile, err := config.LoadProfileFile("p", path)
	assert.NilError(t, err)
	return profile
}

func TestSplitToolName(t *testing.T) {
	downstream, local, err := splitToolName("files:read_file")
	assert.NilError(t, err)
	assert.Equal(t, downstream, "files")
	assert.Equal(t, local, "read_file")

	// Local names may themselves contain separators.
	_, local, err = splitToolName("files:ns:read")
	assert.NilError(t, err)
	assert.Equal(t, local, "ns:read")

	for _, bad := range []string{"", "files", ":read", "files:", "bad name:tool"} {
		_, _, err := splitToolName(bad)
		assert.Assert(t, err != nil)
		assert.Equal(t, common.KindOf(err), common.KindInvalidArgument)
	}
}

func TestAuthHeaders(t *testing.T) {
	t.Setenv("TOOLMUX_TEST_TOKEN", "tok-1")

	bearer := &config.DownstreamSpec{
		Name: "a", URL: "https://a",
		Auth: &config.AuthSpec{Kind: config.AuthBearer, Token: "${TOOLMUX_TEST_TOKEN}"},
	}
	assert.Equal(t, authHeaders(bearer)["Authorization"], "Bearer tok-1")

	custom := &config.DownstreamSpec{
		Name: "b", URL: "https://b",
		Auth: &config.AuthSpec{Kind: config.AuthCustom, Header: "X-API-Key", Token: "k"},
	}
	assert.Equal(t, authHeaders(custom)["X-API-Key"], "k")

	none := &config.DownstreamSpec{Name: "c", URL: "https://c"}
	assert.Equal(t, len(authHeaders(none)), 0)
}

func TestGate_ApprovalAndDisable(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())
	ctx := context.Background()

	profile := loadTestProfile(t, `{
		"gate": {"threshold": 0.01},
		"downstreams": {"files": {"command": "npx"}}
	}`)

	gate, err := NewGate(ctx, hashembed.New(), profile)
	assert.NilError(t, err)

	vec, err := hashembed.New().Embed(ctx, "delete-files: delete files from disk and modify resources")
	assert.NilError(t, err)
	rec := &index.ToolRecord{DisplayName: "files:delete", Downstream: "files", Embedding: vec}

	// Given the near-zero threshold, an overlapping description is gated.
	verdict := gate.Check(rec)
	assert.Assert(t, verdict.RequiresConfirmation)
	assert.Assert(t, verdict.Similarity > 0)

	// Session approval clears it.
	assert.NilError(t, gate.Approve("files:delete", false))
	assert.Assert(t, !gate.Check(rec).RequiresConfirmation)

	// An unindexed tool cannot be classified and passes through.
	assert.Assert(t, !gate.Check(nil).RequiresConfirmation)

	// A disabled gate never intercepts.
	disabledProfile := loadTestProfile(t, `{
		"gate": {"disabled": true},
		"downstreams": {"files": {"command": "npx"}}
	}`)
	disabled, err := NewGate(ctx, hashembed.New(), disabledProfile)
	assert.NilError(t, err)
	assert.Assert(t, !disabled.Check(rec).RequiresConfirmation)
}

func TestGate_PersistentApprovalSurvivesRestart(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())
	ctx := context.Background()

	profile := loadTestProfile(t, `{"downstreams": {"files": {"command": "npx"}}}`)

	gate, err := NewGate(ctx, hashembed.New(), profile)
	assert.NilError(t, err)
	assert.NilError(t, gate.Approve("files:delete", true))

	// A fresh gate for the same profile loads the persisted set.
	reloaded, err := NewGate(ctx, hashembed.New(), profile)
	assert.NilError(t, err)
	assert.Assert(t, reloaded.IsApproved("files:delete"))
	assert.Assert(t, !reloaded.IsApproved("files:other"))
}

func TestManager_SpawnFailureEntersCooldown(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())

	profile := loadTestProfile(t, `{"downstreams": {
		"broken": {"command": "/nonexistent/toolmux-test-binary"}
	}}`)
	m := NewManager(profile)

	_, err := m.Acquire(context.Background(), "broken")
	assert.Assert(t, err != nil)
	assert.Equal(t, common.KindOf(err), common.KindUnavailable)
	assert.Assert(t, common.RetryAfterSeconds(err) >= 10) // first cooldown step, jitter only extends

	// While cooling down, acquires fail fast with the remaining hint.
	start := time.Now()
	_, err = m.Acquire(context.Background(), "broken")
	assert.Equal(t, common.KindOf(err), common.KindUnavailable)
	assert.Assert(t, time.Since(start) < time.Second)

	// Unknown downstreams are NotFound, not Unavailable.
	_, err = m.Acquire(context.Background(), "ghost")
	assert.Equal(t, common.KindOf(err), common.KindNotFound)
}

func TestManager_ForwardsMetaAndClientInfoVerbatim(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())
	ctx := context.Background()

	profile := loadTestProfile(t, `{"downstreams": {
		"stub": {"url": "https://stub.example.com/mcp"}
	}}`)

	var (
		mu         sync.Mutex
		gotMeta    mcp.Meta
		clientInfo *mcp.Implementation
	)
	stub := mcp.NewServer(&mcp.Implementation{Name: "stub", Version: "1.0"}, nil)
	stub.AddTool(&mcp.Tool{
		Name:        "echo",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mu.Lock()
		defer mu.Unlock()
		gotMeta = req.Params.Meta
		clientInfo = req.Session.InitializeParams().ClientInfo
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "ok"}},
		}, nil
	})

	m := NewManager(profile)
	m.dial = func(*config.DownstreamSpec, *logging.RotatingWriter) (mcp.Transport, error) {
		clientTransport, serverTransport := mcp.NewInMemoryTransports()
		if _, err := stub.Connect(ctx, serverTransport, nil); err != nil {
			return nil, err
		}
		return clientTransport, nil
	}
	m.SetClientInfo(&mcp.Implementation{Name: "upstream-ide", Version: "9.9.9"})
	defer m.Shutdown()

	meta := mcp.Meta{"trace_id": "abc-123", "labels": map[string]any{"env": "dev"}}
	result, err := m.Call(ctx, "stub", "echo", map[string]any{"x": "1"}, meta)
	assert.NilError(t, err)
	assert.Assert(t, !result.IsError)

	mu.Lock()
	defer mu.Unlock()
	// _meta reaches the downstream key for key, value for value.
	assert.Equal(t, gotMeta["trace_id"], "abc-123")
	assert.DeepEqual(t, gotMeta["labels"], map[string]any{"env": "dev"})
	// The downstream initialize carried the upstream client's identity.
	assert.Equal(t, clientInfo.Name, "upstream-ide")
	assert.Equal(t, clientInfo.Version, "9.9.9")
}

func newTestOrchestrator(t *testing.T, profileContent string) *Orchestrator {
	t.Helper()
	t.Setenv(common.EnvDataDir, t.TempDir())
	profile := loadTestProfile(t, profileContent)
	orc, err := NewOrchestrator(context.Background(), profile, hashembed.New(), nil)
	assert.NilError(t, err)
	return orc
}

func TestOrchestratorRun_ArgumentValidation(t *testing.T) {
	orc := newTestOrchestrator(t, `{"downstreams": {"files": {"command": "npx"}}}`)
	ctx := context.Background()

	_, err := orc.Run(ctx, RunArgs{Tool: "no-separator"}, nil)
	assert.Equal(t, common.KindOf(err), common.KindInvalidArgument)

	_, err = orc.Run(ctx, RunArgs{Tool: "ghost:tool"}, nil)
	assert.Equal(t, common.KindOf(err), common.KindNotFound)

	_, err = orc.Run(ctx, RunArgs{Tool: "files:x", Approve: "forever"}, nil)
	assert.Equal(t, common.KindOf(err), common.KindInvalidArgument)
}

func TestOrchestratorRun_DryRunSkipsDownstream(t *testing.T) {
	// The configured command does not exist; a dry run must still succeed
	// because it never touches the downstream.
	orc := newTestOrchestrator(t, `{"downstreams": {
		"files": {"command": "/nonexistent/toolmux-test-binary"}
	}}`)

	result, err := orc.Run(context.Background(), RunArgs{Tool: "files:read_file", DryRun: true}, nil)
	assert.NilError(t, err)
	assert.Assert(t, !result.IsError)

	var body map[string]any
	text := resultText(t, result)
	assert.NilError(t, json.Unmarshal([]byte(text), &body))
	assert.Equal(t, body["dry_run"], true)
	assert.Equal(t, body["downstream"], "files")
	assert.Equal(t, body["requires_confirmation"], false)
}

func TestOrchestratorReconcile_FailedDownstreamSurfacesInFind(t *testing.T) {
	orc := newTestOrchestrator(t, `{"downstreams": {
		"broken": {"command": "/nonexistent/toolmux-test-binary"}
	}}`)
	ctx := context.Background()

	assert.NilError(t, orc.Reconcile(ctx))
	assert.Equal(t, orc.State("broken"), StateFailed)

	page, err := orc.Find(ctx, finder.Request{Query: "anything", Page: 1, Limit: 20, Depth: 1, Threshold: -1})
	assert.NilError(t, err)
	assert.Equal(t, page.Total, 0)
	assert.Equal(t, len(page.Unavailable), 1)
	assert.Equal(t, page.Unavailable[0].Downstream, "broken")
	assert.Assert(t, page.Unavailable[0].RetryAfterSeconds >= 10)

	// A run against the failed downstream reports Unavailable with a hint.
	_, err = orc.Run(ctx, RunArgs{Tool: "broken:whatever"}, nil)
	assert.Equal(t, common.KindOf(err), common.KindUnavailable)
	assert.Assert(t, common.RetryAfterSeconds(err) >= 1)
}

func TestValidateParameters(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	rec := &index.ToolRecord{DisplayName: "files:read_file", Schema: schema}

	// Missing required field fails locally with the field named.
	err := validateParameters(rec, map[string]any{})
	assert.Assert(t, err != nil)
	assert.Equal(t, common.KindOf(err), common.KindInvalidArgument)
	fault := common.AsFault(err)
	var hint map[string][]string
	assert.NilError(t, json.Unmarshal(fault.Payload, &hint))
	assert.DeepEqual(t, hint["required_parameters"], []string{"path"})

	// Valid arguments pass.
	assert.NilError(t, validateParameters(rec, map[string]any{"path": "/tmp/x"}))

	// Unindexed tools and schema-less records pass through.
	assert.NilError(t, validateParameters(nil, nil))
	assert.NilError(t, validateParameters(&index.ToolRecord{DisplayName: "a:b"}, nil))
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			return text.Text
		}
	}
	t.Fatal("result carries no text content")
	return ""
}
