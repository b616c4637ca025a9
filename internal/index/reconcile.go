package index

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/embeddings"
)

// ListedTool is one tool as reported by a downstream's tools/list, before it
// is embedded into the index.
type ListedTool struct {
	Name        string
	Description string
	Schema      []byte
	Tags        []string
}

// Plan names the downstreams a reconcile pass must touch.
type Plan struct {
	// ToList are downstreams that must be listed: new ones, ones whose
	// definition hash changed, and ones that failed last time.
	ToList []string

	// Removed are downstreams present in the snapshot but no longer in the
	// profile. Their entries are dropped without contacting anything.
	Removed []string
}

// Empty reports whether the plan requires no work.
func (p Plan) Empty() bool {
	return len(p.ToList) == 0 && len(p.Removed) == 0
}

// BuildPlan diffs a profile against a snapshot. Downstreams whose definition
// hash is unchanged and that listed successfully last time are skipped, which
// is what makes warm starts cheap.
func BuildPlan(profile *config.Profile, snap *Snapshot) Plan {
	var plan Plan
	inProfile := make(map[string]bool, profile.Downstreams.Len())
	for _, name := range profile.Downstreams.Names() {
		inProfile[name] = true
		_, failedLast := snap.Failed[name]
		if snap.DownstreamHashes[name] != profile.DownstreamHash(name) || failedLast {
			plan.ToList = append(plan.ToList, name)
		}
	}
	for name := range snap.DownstreamHashes {
		if !inProfile[name] {
			plan.Removed = append(plan.Removed, name)
		}
	}
	for name := range snap.Failed {
		if !inProfile[name] {
			plan.Removed = append(plan.Removed, name)
		}
	}
	return plan
}

// Drift records a tool whose input schema changed between snapshots.
type Drift struct {
	Downstream string
	Tool       string
}

// Patch accumulates per-downstream reconcile results and builds the successor
// snapshot. Safe for concurrent SetListing/SetFailed calls from parallel
// listing workers; Build is called once by the reconciler after all workers
// finish.
type Patch struct {
	profile *config.Profile
	base    *Snapshot

	mu     sync.Mutex
	listed map[string][]ToolRecord
	failed map[string]FailedDownstream
}

// NewPatch starts a patch of base toward the given profile.
func NewPatch(profile *config.Profile, base *Snapshot) *Patch {
	return &Patch{
		profile: profile,
		base:    base,
		listed:  make(map[string][]ToolRecord),
		failed:  make(map[string]FailedDownstream),
	}
}

// SetListing records a successful listing for one downstream. Tools are
// embedded in one batch call.
func (p *Patch) SetListing(ctx context.Context, provider embeddings.Provider, downstream string, tools []ListedTool) error {
	records := make([]ToolRecord, 0, len(tools))
	texts := make([]string, 0, len(tools))
	reusable := make([]int, 0, len(tools)) // indexes with a reusable cached vector

	for i, tool := range tools {
		displayName := downstream + ":" + tool.Name
		rec := ToolRecord{
			DisplayName: displayName,
			Downstream:  downstream,
			LocalName:   tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
			Tags:        tool.Tags,
		}
		// A tool whose description is unchanged keeps its cached vector even
		// when the downstream as a whole needed re-listing.
		if prev := p.base.Lookup(displayName); prev != nil && prev.Description == tool.Description && len(prev.Embedding) > 0 {
			rec.Embedding = prev.Embedding
			reusable = append(reusable, i)
		} else {
			texts = append(texts, embedText(tool.Name, tool.Description))
		}
		records = append(records, rec)
	}

	if len(texts) > 0 {
		vectors, err := provider.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed tools of %s: %w", downstream, err)
		}
		reuse := make(map[int]bool, len(reusable))
		for _, i := range reusable {
			reuse[i] = true
		}
		next := 0
		for i := range records {
			if reuse[i] {
				continue
			}
			records[i].Embedding = vectors[next]
			next++
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.listed[downstream] = records
	return nil
}

// SetFailed records a listing failure for one downstream.
func (p *Patch) SetFailed(downstream string, err error, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[downstream] = FailedDownstream{Error: err.Error(), RetryAfter: retryAfter}
}

// Build assembles the successor snapshot and reports schema drifts against the
// base. Downstreams that were neither listed nor removed keep their base
// entries; failed downstreams keep their base entries too, plus a Failed mark.
func (p *Patch) Build(modelID string) (*Snapshot, []Drift) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var records []ToolRecord
	var drifts []Drift
	hashes := make(map[string]string)
	failed := make(map[string]FailedDownstream)

	for _, name := range p.profile.Downstreams.Names() {
		switch {
		case p.listed[name] != nil:
			for _, rec := range p.listed[name] {
				if prev := p.base.Lookup(rec.DisplayName); prev != nil && !bytes.Equal(prev.Schema, rec.Schema) {
					drifts = append(drifts, Drift{Downstream: name, Tool: rec.DisplayName})
				}
				records = append(records, rec)
			}
			hashes[name] = p.profile.DownstreamHash(name)
		default:
			// Kept or failed: carry the base entries forward.
			for i := range p.base.Records {
				if p.base.Records[i].Downstream == name {
					records = append(records, p.base.Records[i])
				}
			}
			if h, ok := p.base.DownstreamHashes[name]; ok {
				hashes[name] = h
			}
			if f, ok := p.failed[name]; ok {
				failed[name] = f
			} else if f, ok := p.base.Failed[name]; ok {
				failed[name] = f
			}
		}
	}
	// An explicitly failed listing overrides a stale base failure entry.
	for name, f := range p.failed {
		if p.profile.Downstreams.Get(name) != nil {
			failed[name] = f
		}
	}

	sortRecords(records, p.profile.Downstreams.Names())
	return NewSnapshot(p.profile.Hash(), modelID, records, hashes, failed), drifts
}

// embedText is the canonical text embedded for a tool: local name plus
// description, which is also what find queries are matched against.
func embedText(name, description string) string {
	if description == "" {
		return name
	}
	return name + ": " + description
}
