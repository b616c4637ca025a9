package index

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
)

// Store owns the current snapshot and its on-disk cache.
//
// Exactly one goroutine (the reconciler) calls Swap and Save; any number of
// goroutines may call Current concurrently.
type Store struct {
	profile string
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store for a profile with an empty current snapshot.
func NewStore(profile string) *Store {
	s := &Store{profile: profile}
	s.current.Store(EmptySnapshot("", ""))
	return s
}

// Current returns the current snapshot. Never nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Swap installs a new snapshot.
func (s *Store) Swap(snap *Snapshot) {
	s.current.Store(snap)
}

// csvPath and metaPath locate the two cache files for this profile.
func (s *Store) csvPath() (string, error) {
	dir, err := config.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, s.profile+".tools.csv"), nil
}

func (s *Store) metaPath() (string, error) {
	dir, err := config.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, s.profile+".meta.json"), nil
}

// metaVersion is bumped when the cache layout changes incompatibly.
const metaVersion = 1

// metaFile is the JSON side of the cache: everything the human-readable CSV
// does not carry.
type metaFile struct {
	Version          int                   `json:"version"`
	ProfileHash      string                `json:"profile_hash"`
	ModelID          string                `json:"model_id"`
	DownstreamHashes map[string]string     `json:"downstream_hashes"`
	Tools            map[string]metaTool   `json:"tools"`
	Failed           map[string]metaFailed `json:"failed,omitempty"`
}

type metaTool struct {
	Schema    json.RawMessage `json:"schema,omitempty"`
	Embedding string          `json:"embedding"` // base64 little-endian float32
	Tags      []string        `json:"tags,omitempty"`
}

type metaFailed struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Load reads the cached snapshot from disk and installs it as current.
// downstreams is the profile's current downstream set: cached entries of
// downstreams no longer configured are pruned immediately, so searches never
// surface removed tools while reconciliation is still running.
//
// A missing cache, a parse failure, or an embedding model mismatch all yield
// an empty snapshot: the cache is disposable and will be rebuilt by the next
// reconcile. A profile hash mismatch is NOT discarded here; the reconciler
// uses the per-downstream hashes to patch only what changed.
func (s *Store) Load(modelID string, downstreams []string) (*Snapshot, error) {
	metaPath, err := s.metaPath()
	if err != nil {
		return nil, err
	}
	csvPath, err := s.csvPath()
	if err != nil {
		return nil, err
	}

	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			snap := EmptySnapshot("", modelID)
			s.Swap(snap)
			return snap, nil
		}
		return nil, fmt.Errorf("failed to read index meta: %w", err)
	}

	var meta metaFile
	if err := json.Unmarshal(metaData, &meta); err != nil {
		common.LogWarn("Discarding unreadable index cache for profile %s: %v", s.profile, err)
		snap := EmptySnapshot("", modelID)
		s.Swap(snap)
		return snap, nil
	}
	if meta.Version != metaVersion {
		common.LogInfo("Index cache version changed (%d -> %d), discarding cached index", meta.Version, metaVersion)
		snap := EmptySnapshot("", modelID)
		s.Swap(snap)
		return snap, nil
	}
	if meta.ModelID != modelID {
		common.LogInfo("Embedding model changed (%s -> %s), discarding cached index", meta.ModelID, modelID)
		snap := EmptySnapshot("", modelID)
		s.Swap(snap)
		return snap, nil
	}

	records, err := readToolsCSV(csvPath, meta.Tools)
	if err != nil {
		common.LogWarn("Discarding unreadable index cache for profile %s: %v", s.profile, err)
		snap := EmptySnapshot("", modelID)
		s.Swap(snap)
		return snap, nil
	}

	keep := make(map[string]bool, len(downstreams))
	for _, name := range downstreams {
		keep[name] = true
	}

	kept := records[:0]
	for _, rec := range records {
		if keep[rec.Downstream] {
			kept = append(kept, rec)
		}
	}
	hashes := make(map[string]string, len(meta.DownstreamHashes))
	for name, h := range meta.DownstreamHashes {
		if keep[name] {
			hashes[name] = h
		}
	}
	failed := make(map[string]FailedDownstream, len(meta.Failed))
	for name, f := range meta.Failed {
		if keep[name] {
			failed[name] = FailedDownstream{
				Error:      f.Error,
				RetryAfter: common.GetSecondsFromInt(f.RetryAfterSeconds),
			}
		}
	}

	snap := NewSnapshot(meta.ProfileHash, meta.ModelID, kept, hashes, failed)
	s.Swap(snap)
	return snap, nil
}

// readToolsCSV joins the CSV rows with their meta entries. Rows without a meta
// entry and meta entries without a row are both dropped.
func readToolsCSV(path string, tools map[string]metaTool) ([]ToolRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = 4
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	var records []ToolRecord
	for i, row := range rows {
		if i == 0 && row[0] == "display_name" {
			continue // header
		}
		meta, ok := tools[row[0]]
		if !ok {
			continue
		}
		embedding, err := decodeEmbedding(meta.Embedding)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", row[0], err)
		}
		records = append(records, ToolRecord{
			DisplayName: row[0],
			Downstream:  row[1],
			LocalName:   row[2],
			Description: row[3],
			Schema:      meta.Schema,
			Embedding:   embedding,
			Tags:        meta.Tags,
		})
	}
	return records, nil
}

// Save persists the current snapshot. The write is atomic (temp file plus
// rename) and skipped entirely when the bytes are unchanged, so an untouched
// index never dirties mtimes.
func (s *Store) Save() error {
	snap := s.Current()

	csvPath, err := s.csvPath()
	if err != nil {
		return err
	}
	metaPath, err := s.metaPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(csvPath), 0o750); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	csvData, err := encodeToolsCSV(snap)
	if err != nil {
		return err
	}
	metaData, err := encodeMeta(snap)
	if err != nil {
		return err
	}

	if err := writeFileIfChanged(csvPath, csvData); err != nil {
		return err
	}
	return writeFileIfChanged(metaPath, metaData)
}

func encodeToolsCSV(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write([]string{"display_name", "downstream", "local_name", "description"}); err != nil {
		return nil, err
	}
	for i := range snap.Records {
		rec := &snap.Records[i]
		if err := writer.Write([]string{rec.DisplayName, rec.Downstream, rec.LocalName, rec.Description}); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeMeta(snap *Snapshot) ([]byte, error) {
	meta := metaFile{
		Version:          metaVersion,
		ProfileHash:      snap.ProfileHash,
		ModelID:          snap.ModelID,
		DownstreamHashes: snap.DownstreamHashes,
		Tools:            make(map[string]metaTool, len(snap.Records)),
	}
	for i := range snap.Records {
		rec := &snap.Records[i]
		meta.Tools[rec.DisplayName] = metaTool{
			Schema:    rec.Schema,
			Embedding: encodeEmbedding(rec.Embedding),
			Tags:      rec.Tags,
		}
	}
	if len(snap.Failed) > 0 {
		meta.Failed = make(map[string]metaFailed, len(snap.Failed))
		for name, f := range snap.Failed {
			meta.Failed[name] = metaFailed{
				Error:             f.Error,
				RetryAfterSeconds: int(f.RetryAfter / time.Second),
			}
		}
	}
	return json.MarshalIndent(meta, "", "  ")
}

// writeFileIfChanged writes data via temp file and rename, skipping the write
// when the target already holds identical bytes.
func writeFileIfChanged(path string, data []byte) error {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// encodeEmbedding packs a vector as base64 over little-endian float32 bits.
func encodeEmbedding(vec []float32) string {
	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		bits := math.Float32bits(v)
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeEmbedding(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid embedding encoding: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding length %d", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

// sortRecords orders records by downstream profile order, then local name.
func sortRecords(records []ToolRecord, downstreamOrder []string) {
	pos := make(map[string]int, len(downstreamOrder))
	for i, name := range downstreamOrder {
		pos[name] = i
	}
	sort.SliceStable(records, func(i, j int) bool {
		pi, iOK := pos[records[i].Downstream]
		pj, jOK := pos[records[j].Downstream]
		if iOK != jOK {
			return iOK // known downstreams first
		}
		if pi != pj {
			return pi < pj
		}
		return records[i].LocalName < records[j].LocalName
	})
}
