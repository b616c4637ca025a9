// Package index maintains the capability index: the persisted, embedded
// catalog of every tool exposed by a profile's downstreams.
//
// The index is rebuilt incrementally: per-downstream content hashes decide
// which downstreams need re-listing, and the embedding model ID decides
// whether cached vectors are still usable. Readers always see an immutable
// Snapshot that is swapped atomically by the single reconciling writer.
package index

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/toolmux/toolmux/internal/embeddings"
)

// ToolRecord is one indexed tool.
type ToolRecord struct {
	// DisplayName is "<downstream>:<local_name>", the name callers pass to run.
	DisplayName string

	// Downstream is the owning downstream's profile name.
	Downstream string

	// LocalName is the tool's name as the downstream declares it.
	LocalName string

	// Description is the downstream-declared tool description.
	Description string

	// Schema is the tool's input schema, passed through verbatim.
	Schema json.RawMessage

	// Embedding is the description vector in the snapshot's model space.
	Embedding []float32

	// Tags are lowercase annotation hints derived from the tool declaration
	// (e.g. "readonly", "destructive").
	Tags []string
}

// FailedDownstream records a downstream that could not be listed during the
// last reconcile. Its previously indexed tools, if any, stay in the snapshot.
type FailedDownstream struct {
	Error      string
	RetryAfter time.Duration
}

// Snapshot is an immutable view of the capability index. All fields are
// read-only after construction; the Store swaps whole snapshots atomically.
type Snapshot struct {
	// ProfileHash is the content hash of the profile the snapshot was built for.
	ProfileHash string

	// ModelID identifies the embedding space of all vectors in the snapshot.
	ModelID string

	// Records lists all indexed tools in profile downstream order, then by
	// local tool name within a downstream.
	Records []ToolRecord

	// DownstreamHashes maps each indexed downstream to the definition hash its
	// entries were built from.
	DownstreamHashes map[string]string

	// Failed maps downstream names to their last listing failure.
	Failed map[string]FailedDownstream

	// BuiltAt is when this snapshot was constructed in this process. It is
	// deliberately not persisted: the cache files must stay byte-identical
	// across rebuilds that change nothing.
	BuiltAt time.Time

	byName map[string]*ToolRecord
}

// NewSnapshot builds a snapshot and its lookup table. The records slice is
// taken over by the snapshot and must not be mutated afterwards.
func NewSnapshot(profileHash, modelID string, records []ToolRecord, downstreamHashes map[string]string, failed map[string]FailedDownstream) *Snapshot {
	s := &Snapshot{
		ProfileHash:      profileHash,
		ModelID:          modelID,
		Records:          records,
		DownstreamHashes: downstreamHashes,
		Failed:           failed,
		BuiltAt:          time.Now(),
		byName:           make(map[string]*ToolRecord, len(records)),
	}
	if s.DownstreamHashes == nil {
		s.DownstreamHashes = map[string]string{}
	}
	if s.Failed == nil {
		s.Failed = map[string]FailedDownstream{}
	}
	for i := range s.Records {
		s.byName[s.Records[i].DisplayName] = &s.Records[i]
	}
	return s
}

// EmptySnapshot returns a snapshot with no entries for the given profile hash
// and model.
func EmptySnapshot(profileHash, modelID string) *Snapshot {
	return NewSnapshot(profileHash, modelID, nil, nil, nil)
}

// Lookup returns the record for a display name, or nil.
func (s *Snapshot) Lookup(displayName string) *ToolRecord {
	return s.byName[displayName]
}

// Len returns the number of indexed tools.
func (s *Snapshot) Len() int {
	return len(s.Records)
}

// Match is one search result.
type Match struct {
	Record     *ToolRecord
	Similarity float64
}

// Search ranks all records against a query vector and returns the top k by
// cosine similarity. Ties break by display name so results are stable across
// runs. Records with zero or mismatched vectors score 0.
func (s *Snapshot) Search(query []float32, k int) []Match {
	if k <= 0 || len(s.Records) == 0 {
		return nil
	}
	matches := make([]Match, 0, len(s.Records))
	for i := range s.Records {
		rec := &s.Records[i]
		matches = append(matches, Match{
			Record:     rec,
			Similarity: embeddings.Cosine(query, rec.Embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.DisplayName < matches[j].Record.DisplayName
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
