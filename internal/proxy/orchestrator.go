// Copyright 2025 Toolmux Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy contains the aggregator core: the connection manager, the
// confirmation gate, the orchestrator and the upstream protocol server.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/embeddings"
	"github.com/toolmux/toolmux/internal/finder"
	"github.com/toolmux/toolmux/internal/index"
	"github.com/toolmux/toolmux/internal/logging"
)

// reconcileParallelism bounds how many downstreams are listed at once during
// a reconcile pass, to avoid a thundering herd of child spawns at startup.
const reconcileParallelism = 4

// DownstreamState is one downstream's position in the indexing lifecycle.
type DownstreamState string

const (
	StateUnknown DownstreamState = "unknown"
	StateProbing DownstreamState = "probing"
	StateReady   DownstreamState = "ready"
	StateFailed  DownstreamState = "failed"
)

// RunArgs are the arguments of one run invocation.
type RunArgs struct {
	// Tool is "<downstream>:<local_name>".
	Tool string

	// Parameters are forwarded verbatim as the downstream tool's arguments.
	Parameters map[string]any

	// DryRun resolves routing and the gate verdict without calling anything.
	DryRun bool

	// Approve adds the tool to the approved-set before the gate check:
	// "session" for this session, "always" to persist across sessions.
	Approve string
}

// Orchestrator wires the index, finder, gate and connection manager behind
// the find and run operations.
type Orchestrator struct {
	profile  *config.Profile
	provider embeddings.Provider
	store    *index.Store
	manager  *Manager
	gate     *Gate
	finder   *finder.Finder
	events   *logging.EventLogger

	sessionID string

	mu       sync.Mutex
	states   map[string]DownstreamState
	progress *progressState

	startOnce sync.Once
}

type progressState struct {
	total     int
	indexed   int
	current   string
	startedAt time.Time
}

// NewOrchestrator assembles the aggregator core for a loaded profile.
// events may be nil (no event log).
func NewOrchestrator(ctx context.Context, profile *config.Profile, provider embeddings.Provider, events *logging.EventLogger) (*Orchestrator, error) {
	gate, err := NewGate(ctx, provider, profile)
	if err != nil {
		return nil, err
	}
	if gate.Disabled() {
		common.LogWarn("Confirmation gate is disabled for profile %s", profile.Name)
	}
	o := &Orchestrator{
		profile:   profile,
		provider:  provider,
		store:     index.NewStore(profile.Name),
		manager:   NewManager(profile),
		gate:      gate,
		events:    events,
		sessionID: common.NewRequestID(),
		states:    make(map[string]DownstreamState),
	}
	for _, name := range profile.Downstreams.Names() {
		o.states[name] = StateUnknown
	}
	o.finder = finder.New(provider, o.store.Current, o.Progress)
	return o, nil
}

// SessionID identifies this serve session in the event log.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// SetClientInfo captures the upstream client identity for downstream
// initialize transparency.
func (o *Orchestrator) SetClientInfo(info *mcp.Implementation) {
	o.manager.SetClientInfo(info)
}

// Start launches background reconciliation and health probing. Idempotent;
// called once the upstream session is initialized so the initialize reply is
// never held up by indexing.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		go func() {
			if err := o.Reconcile(ctx); err != nil {
				common.LogError("Reconciliation failed: %v", err)
			}
		}()
		go o.manager.Run(ctx)
	})
}

// Reconcile brings the capability index up to date with the profile: load the
// cache, diff, list changed downstreams with bounded parallelism, embed, and
// atomically install + persist the new snapshot.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	snap, err := o.store.Load(o.provider.ModelID(), o.profile.Downstreams.Names())
	if err != nil {
		return err
	}

	plan := index.BuildPlan(o.profile, snap)
	if plan.Empty() {
		o.markAllReady()
		// Load pruned any downstreams removed from the profile; persist that.
		// Save skips the write when the bytes are unchanged.
		if err := o.store.Save(); err != nil {
			common.LogWarn("Could not persist index cache: %v", err)
		}
		common.LogInfo("Index is warm: %d tools across %d downstreams", snap.Len(), o.profile.Downstreams.Len())
		return nil
	}
	common.LogInfo("Reconciling index: %d downstreams to list, %d removed", len(plan.ToList), len(plan.Removed))

	// Downstreams the plan leaves alone are warm from the cache.
	toList := make(map[string]bool, len(plan.ToList))
	for _, name := range plan.ToList {
		toList[name] = true
	}
	for _, name := range o.profile.Downstreams.Names() {
		if !toList[name] {
			o.setState(name, StateReady)
		}
	}

	o.mu.Lock()
	o.progress = &progressState{total: len(plan.ToList), startedAt: time.Now()}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.progress = nil
		o.mu.Unlock()
	}()

	patch := index.NewPatch(o.profile, snap)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(reconcileParallelism)

	for _, name := range plan.ToList {
		group.Go(func() error {
			o.setState(name, StateProbing)
			o.setCurrent(name)

			tools, err := o.manager.ListDownstreamTools(groupCtx, name)
			if err == nil {
				err = patch.SetListing(groupCtx, o.provider, name, tools)
			}
			if err != nil {
				retryAfter := common.GetSecondsFromInt(common.RetryAfterSeconds(err))
				patch.SetFailed(name, err, retryAfter)
				o.setState(name, StateFailed)
				o.logReconcile(name, "listing failed", false, err.Error())
			} else {
				o.setState(name, StateReady)
				o.logReconcile(name, fmt.Sprintf("indexed %d tools", len(tools)), true, "")
			}
			o.bumpIndexed()
			return nil
		})
	}
	group.Wait()

	next, drifts := patch.Build(o.provider.ModelID())
	o.store.Swap(next)
	for _, drift := range drifts {
		common.LogWarn("Schema drift on %s, replacing indexed schema", drift.Tool)
		if o.events != nil {
			o.events.LogSchemaDrift(drift.Downstream, drift.Tool)
		}
	}
	if err := o.store.Save(); err != nil {
		return fmt.Errorf("failed to persist index: %w", err)
	}
	common.LogInfo("Reconcile complete: %d tools indexed, %d downstreams failed", next.Len(), len(next.Failed))
	return nil
}

func (o *Orchestrator) markAllReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for name := range o.states {
		o.states[name] = StateReady
	}
}

func (o *Orchestrator) setState(name string, state DownstreamState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[name] = state
}

// State returns a downstream's lifecycle state.
func (o *Orchestrator) State(name string) DownstreamState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[name]; ok {
		return s
	}
	return StateUnknown
}

func (o *Orchestrator) setCurrent(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progress != nil {
		o.progress.current = name
	}
}

func (o *Orchestrator) bumpIndexed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progress != nil {
		o.progress.indexed++
	}
}

// Progress returns the in-flight reconcile progress, or nil when idle.
func (o *Orchestrator) Progress() *finder.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progress == nil {
		return nil
	}
	p := &finder.Progress{
		TotalDownstreams:   o.progress.total,
		IndexedDownstreams: o.progress.indexed,
		Current:            o.progress.current,
		StartedAt:          o.progress.startedAt,
	}
	if p.IndexedDownstreams > 0 && p.IndexedDownstreams < p.TotalDownstreams {
		perDownstream := time.Since(p.StartedAt) / time.Duration(p.IndexedDownstreams)
		p.EtaSeconds = int(perDownstream * time.Duration(p.TotalDownstreams-p.IndexedDownstreams) / time.Second)
	}
	return p
}

func (o *Orchestrator) logReconcile(name, message string, success bool, errMsg string) {
	if o.events != nil {
		o.events.LogReconcile(name, message, success, errMsg)
	}
}

// Find serves one find request.
func (o *Orchestrator) Find(ctx context.Context, req finder.Request) (*finder.Page, error) {
	requestID := common.NewRequestID()
	if o.events != nil {
		o.events.LogRequest(requestID, o.sessionID, "find", req.Query)
	}
	page, err := o.finder.Find(ctx, req)
	if o.events != nil {
		if err != nil {
			o.events.LogResponse(requestID, o.sessionID, "find", "", "", "", false, err.Error())
		} else {
			o.events.LogResponse(requestID, o.sessionID, "find", "", "", fmt.Sprintf("%d of %d tools", len(page.Tools), page.Total), true, "")
		}
	}
	return page, err
}

// Run serves one run request. meta is the upstream _meta, forwarded verbatim.
func (o *Orchestrator) Run(ctx context.Context, args RunArgs, meta mcp.Meta) (*mcp.CallToolResult, error) {
	downstream, local, err := splitToolName(args.Tool)
	if err != nil {
		return nil, err
	}
	if o.profile.Downstreams.Get(downstream) == nil {
		return nil, common.NotFoundf("downstream %q is not configured in profile %s", downstream, o.profile.Name)
	}

	switch args.Approve {
	case "":
	case "session":
		o.gate.Approve(args.Tool, false)
	case "always":
		if err := o.gate.Approve(args.Tool, true); err != nil {
			common.LogWarn("Could not persist approval for %s: %v", args.Tool, err)
		}
	default:
		return nil, common.InvalidArgumentf("approve must be \"session\" or \"always\", got %q", args.Approve)
	}

	record := o.store.Current().Lookup(args.Tool)
	if err := validateParameters(record, args.Parameters); err != nil {
		return nil, err
	}
	verdict := o.gate.Check(record)

	if args.DryRun {
		return dryRunResult(downstream, local, verdict), nil
	}

	requestID := common.NewRequestID()
	if o.events != nil {
		o.events.LogRequest(requestID, o.sessionID, "run", args.Tool)
	}

	if verdict.RequiresConfirmation {
		if o.events != nil {
			o.events.LogGateIntercept(requestID, o.sessionID, downstream, args.Tool, verdict.Similarity)
		}
		fault := common.Faultf(common.KindNeedsConfirmation,
			"%s looks like a mutating tool (similarity %.2f); re-invoke with approve=\"session\" or approve=\"always\" to proceed",
			args.Tool, verdict.Similarity)
		fault.Payload, _ = json.Marshal(map[string]any{
			"tool":       args.Tool,
			"similarity": verdict.Similarity,
			"approve":    []string{"session", "always"},
		})
		return nil, fault
	}

	result, err := o.manager.Call(ctx, downstream, local, args.Parameters, meta)
	if o.events != nil {
		if err != nil {
			o.events.LogResponse(requestID, o.sessionID, "run", downstream, args.Tool, "", false, err.Error())
		} else {
			o.events.LogResponse(requestID, o.sessionID, "run", downstream, args.Tool, "ok", !result.IsError, resultError(result))
		}
	}
	return result, err
}

// Shutdown drains the manager and closes connections within the budget.
func (o *Orchestrator) Shutdown() error {
	return o.manager.Shutdown()
}

// validateParameters checks run arguments against the tool's indexed input
// schema, so obviously malformed calls fail locally with a machine-readable
// hint instead of a downstream round trip. Unindexed tools and unresolvable
// schemas pass through: the downstream stays the authority.
func validateParameters(rec *index.ToolRecord, params map[string]any) error {
	if rec == nil || len(rec.Schema) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(rec.Schema, &schema); err != nil {
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil
	}
	instance := params
	if instance == nil {
		instance = map[string]any{}
	}
	if err := resolved.Validate(instance); err == nil {
		return nil
	}

	var missing []string
	for _, required := range schema.Required {
		if _, ok := instance[required]; !ok {
			missing = append(missing, required)
		}
	}
	fault := common.InvalidArgumentf("parameters for %s do not match its input schema", rec.DisplayName)
	if len(missing) > 0 {
		fault.Message = fmt.Sprintf("parameters for %s are missing required fields: %s", rec.DisplayName, strings.Join(missing, ", "))
		fault.Payload, _ = json.Marshal(map[string]any{"required_parameters": missing})
	}
	return fault
}

// splitToolName parses "<downstream>:<local>".
func splitToolName(tool string) (downstream, local string, err error) {
	downstream, local, ok := strings.Cut(tool, ":")
	if !ok || downstream == "" || local == "" {
		return "", "", common.InvalidArgumentf("tool must be \"<downstream>:<tool>\", got %q", tool)
	}
	if !common.IsValidName(downstream) {
		return "", "", common.InvalidArgumentf("invalid downstream name %q", downstream)
	}
	return downstream, local, nil
}

func dryRunResult(downstream, local string, verdict Verdict) *mcp.CallToolResult {
	payload, _ := json.Marshal(map[string]any{
		"dry_run":               true,
		"downstream":            downstream,
		"tool":                  local,
		"requires_confirmation": verdict.RequiresConfirmation,
		"gate_similarity":       verdict.Similarity,
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}
}

func resultError(result *mcp.CallToolResult) string {
	if result == nil || !result.IsError {
		return ""
	}
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			return text.Text
		}
	}
	return "downstream reported an error"
}
