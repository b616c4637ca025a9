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

// Package finder ranks indexed tools against natural-language intents.
package finder

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/embeddings"
	"github.com/toolmux/toolmux/internal/index"
)

// DefaultLimit is the page size when the caller does not specify one.
const DefaultLimit = 20

// MaxLimit caps the page size.
const MaxLimit = 100

// DefaultThreshold is the engine-default minimum similarity for a hit.
// Tuned against the bundled hash model; callers can override per request.
const DefaultThreshold = 0.15

// Dampening applied to the 4th and later hits of the same downstream, so one
// downstream with many near-duplicate tools cannot monopolize the top of the
// ranking.
const (
	dominanceFreeSlots = 3
	dominanceFactor    = 0.6
)

// Request is one find invocation after defaulting.
type Request struct {
	// Query is the natural-language intent. `|` separates multiple intents.
	// Empty enumerates the whole index.
	Query string

	Page  int // 1-based
	Limit int
	Depth int // 1 = name/description/score, 2 adds the input schema

	// Threshold overrides DefaultThreshold when non-negative.
	Threshold float64
}

// Hit is one ranked result.
type Hit struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Score       float64         `json:"score"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Progress describes a reconciliation still in flight.
type Progress struct {
	TotalDownstreams   int       `json:"total_downstreams"`
	IndexedDownstreams int       `json:"indexed_downstreams"`
	Current            string    `json:"current,omitempty"`
	StartedAt          time.Time `json:"started_at"`

	// EtaSeconds estimates the remaining time from the pace so far. Zero until
	// at least one downstream has finished.
	EtaSeconds int `json:"eta_seconds,omitempty"`
}

// UnavailableDownstream surfaces a downstream that could not be indexed.
// Its tools may be missing or stale; the downstream is not hidden.
type UnavailableDownstream struct {
	Downstream        string `json:"downstream"`
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Page is one result page. It is always well formed, even over an empty index.
type Page struct {
	Tools       []Hit                   `json:"tools"`
	Page        int                     `json:"page"`
	Limit       int                     `json:"limit"`
	Total       int                     `json:"total"`
	Progress    *Progress               `json:"indexing_progress,omitempty"`
	Unavailable []UnavailableDownstream `json:"unavailable,omitempty"`
}

// SnapshotFunc returns the current index snapshot.
type SnapshotFunc func() *index.Snapshot

// ProgressFunc returns the in-flight reconcile progress, or nil when idle.
type ProgressFunc func() *Progress

// Finder executes find requests against the live snapshot.
type Finder struct {
	provider embeddings.Provider
	snapshot SnapshotFunc
	progress ProgressFunc
}

// New builds a finder. progress may be nil.
func New(provider embeddings.Provider, snapshot SnapshotFunc, progress ProgressFunc) *Finder {
	return &Finder{provider: provider, snapshot: snapshot, progress: progress}
}

// Find validates, ranks, dampens and paginates.
func (f *Finder) Find(ctx context.Context, req Request) (*Page, error) {
	if req.Page < 1 {
		return nil, common.InvalidArgumentf("page must be >= 1, got %d", req.Page)
	}
	if req.Limit < 1 || req.Limit > MaxLimit {
		return nil, common.InvalidArgumentf("limit must be in [1,%d], got %d", MaxLimit, req.Limit)
	}
	if req.Depth != 1 && req.Depth != 2 {
		return nil, common.InvalidArgumentf("depth must be 1 or 2, got %d", req.Depth)
	}
	threshold := req.Threshold
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	if threshold > 1 {
		return nil, common.InvalidArgumentf("confidence_threshold must be in [0,1], got %g", threshold)
	}

	snap := f.snapshot()
	ranked, err := f.rank(ctx, snap, req.Query, threshold)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Page:  req.Page,
		Limit: req.Limit,
		Total: len(ranked),
	}
	start := (req.Page - 1) * req.Limit
	if start < len(ranked) {
		end := start + req.Limit
		if end > len(ranked) {
			end = len(ranked)
		}
		ranked = ranked[start:end]
	} else {
		ranked = nil
	}
	for _, m := range ranked {
		hit := Hit{
			Name:        m.Record.DisplayName,
			Description: firstLine(m.Record.Description),
			Score:       m.Similarity,
		}
		if req.Depth == 2 {
			hit.InputSchema = m.Record.Schema
		}
		page.Tools = append(page.Tools, hit)
	}

	if f.progress != nil {
		page.Progress = f.progress()
	}
	for name, failure := range snap.Failed {
		page.Unavailable = append(page.Unavailable, UnavailableDownstream{
			Downstream:        name,
			Error:             failure.Error,
			RetryAfterSeconds: int(failure.RetryAfter / time.Second),
		})
	}
	sort.Slice(page.Unavailable, func(i, j int) bool {
		return page.Unavailable[i].Downstream < page.Unavailable[j].Downstream
	})
	return page, nil
}

// rank produces the full dampened ranking for a query.
func (f *Finder) rank(ctx context.Context, snap *index.Snapshot, query string, threshold float64) ([]index.Match, error) {
	intents := splitIntents(query)
	if len(intents) == 0 {
		// Enumerate-all: index order, no scores.
		all := make([]index.Match, 0, snap.Len())
		for i := range snap.Records {
			all = append(all, index.Match{Record: &snap.Records[i]})
		}
		return all, nil
	}

	vectors, err := f.provider.EmbedBatch(ctx, intents)
	if err != nil {
		return nil, common.Upstreamf(err, "failed to embed query")
	}

	// Union across intents, score = max.
	best := make(map[string]index.Match)
	for _, vec := range vectors {
		for _, m := range snap.Search(vec, snap.Len()) {
			if m.Similarity < threshold {
				continue
			}
			if prev, ok := best[m.Record.DisplayName]; !ok || m.Similarity > prev.Similarity {
				best[m.Record.DisplayName] = m
			}
		}
	}

	merged := make([]index.Match, 0, len(best))
	for _, m := range best {
		merged = append(merged, m)
	}
	sortMatches(merged)
	dampenDominance(merged)
	sortMatches(merged)
	return merged, nil
}

// dampenDominance multiplies the score of the 4th and later results sharing a
// downstream by dominanceFactor. Positions are taken from the current ranking,
// so callers sort before and re-sort after.
func dampenDominance(matches []index.Match) {
	seen := make(map[string]int)
	for i := range matches {
		downstream := matches[i].Record.Downstream
		seen[downstream]++
		if seen[downstream] > dominanceFreeSlots {
			matches[i].Similarity *= dominanceFactor
		}
	}
}

func sortMatches(matches []index.Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.DisplayName < matches[j].Record.DisplayName
	})
}

func splitIntents(query string) []string {
	var intents []string
	for _, part := range strings.Split(query, "|") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			intents = append(intents, trimmed)
		}
	}
	return intents
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}
