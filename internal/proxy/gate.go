package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/embeddings"
	"github.com/toolmux/toolmux/internal/index"
)

// DefaultMutatingTags is the pattern the gate embeds once at startup. Tools
// whose description vector lands close to this pattern are treated as
// mutating and require confirmation before their first call.
const DefaultMutatingTags = "write-to-disk delete-files modify-files execute-shell-commands " +
	"http-post-requests send-messages create-resources update-resources delete-resources"

// DefaultGateThreshold is the similarity at which a tool counts as mutating.
const DefaultGateThreshold = 0.40

// Verdict is the gate's classification of one run invocation.
type Verdict struct {
	RequiresConfirmation bool    `json:"requires_confirmation"`
	Similarity           float64 `json:"similarity"`
}

// Gate is the advisory confirmation layer in front of run. It never mutates
// arguments and never blocks tools below the threshold.
type Gate struct {
	disabled  bool
	threshold float64
	pattern   []float32

	profile string

	mu        sync.Mutex
	approved  map[string]bool // session approvals
	persisted map[string]bool // approvals stored on disk
}

// NewGate builds the gate for a profile, embedding the mutating pattern once
// and loading any persisted approvals.
func NewGate(ctx context.Context, provider embeddings.Provider, profile *config.Profile) (*Gate, error) {
	g := &Gate{
		disabled:  profile.Gate.Disabled,
		threshold: profile.Gate.Threshold,
		profile:   profile.Name,
		approved:  make(map[string]bool),
		persisted: make(map[string]bool),
	}
	if g.threshold <= 0 {
		g.threshold = DefaultGateThreshold
	}
	if !g.disabled {
		pattern, err := provider.Embed(ctx, DefaultMutatingTags)
		if err != nil {
			return nil, fmt.Errorf("failed to embed gate pattern: %w", err)
		}
		g.pattern = pattern
	}
	if err := g.loadApproved(); err != nil {
		common.LogWarn("Could not load approved-set for profile %s: %v", profile.Name, err)
	}
	return g, nil
}

// Check classifies a tool. A nil record (tool not yet indexed) cannot be
// classified and passes through unconfirmed.
func (g *Gate) Check(rec *index.ToolRecord) Verdict {
	if g.disabled || rec == nil || len(rec.Embedding) == 0 {
		return Verdict{}
	}
	similarity := embeddings.Cosine(rec.Embedding, g.pattern)
	if similarity < g.threshold {
		return Verdict{Similarity: similarity}
	}
	return Verdict{
		RequiresConfirmation: !g.IsApproved(rec.DisplayName),
		Similarity:           similarity,
	}
}

// IsApproved reports whether a display name is in the approved-set.
func (g *Gate) IsApproved(displayName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approved[displayName] || g.persisted[displayName]
}

// Approve adds a display name to the approved-set, for this session or
// persistently across sessions.
func (g *Gate) Approve(displayName string, persist bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if persist {
		g.persisted[displayName] = true
		return g.saveApprovedLocked()
	}
	g.approved[displayName] = true
	return nil
}

// Disabled reports whether the gate is globally off.
func (g *Gate) Disabled() bool {
	return g.disabled
}

func (g *Gate) approvedPath() (string, error) {
	dir, err := config.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, g.profile+".approved.json"), nil
}

func (g *Gate) loadApproved() error {
	path, err := g.approvedPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	for _, name := range names {
		g.persisted[name] = true
	}
	return nil
}

// saveApprovedLocked writes the persistent approvals sorted, via temp+rename.
// Caller holds g.mu.
func (g *Gate) saveApprovedLocked() error {
	path, err := g.approvedPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	names := make([]string, 0, len(g.persisted))
	for name := range g.persisted {
		names = append(names, name)
	}
	sort.Strings(names)
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
