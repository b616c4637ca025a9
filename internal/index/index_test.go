package index

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/embeddings/hashembed"
)

func testProfile(t *testing.T, content string) *config.Profile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p.json")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	profile, err := config.LoadProfileFile("p", path)
	assert.NilError(t, err)
	return profile
}

func listTools(t *testing.T, patch *Patch, downstream string, tools []ListedTool) {
	t.Helper()
	err := patch.SetListing(context.Background(), hashembed.New(), downstream, tools)
	assert.NilError(t, err)
}

func TestBuildPlan_WarmStartSkipsUnchanged(t *testing.T) {
	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"},
		"web": {"url": "https://web.example.com/mcp"}
	}}`)

	// Given: a snapshot already built for exactly this profile
	patch := NewPatch(profile, EmptySnapshot("", hashembed.ModelID))
	listTools(t, patch, "files", []ListedTool{{Name: "read_file", Description: "read a file"}})
	listTools(t, patch, "web", []ListedTool{{Name: "fetch", Description: "fetch a url"}})
	snap, _ := patch.Build(hashembed.ModelID)

	// When/Then: the next plan is empty
	plan := BuildPlan(profile, snap)
	assert.Assert(t, plan.Empty())
}

func TestBuildPlan_ChangedRemovedAndFailed(t *testing.T) {
	before := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"},
		"web": {"url": "https://web.example.com/mcp"},
		"flaky": {"command": "uvx"}
	}}`)

	patch := NewPatch(before, EmptySnapshot("", hashembed.ModelID))
	listTools(t, patch, "files", []ListedTool{{Name: "read_file", Description: "read a file"}})
	listTools(t, patch, "web", []ListedTool{{Name: "fetch", Description: "fetch a url"}})
	patch.SetFailed("flaky", context.DeadlineExceeded, 10*time.Second)
	snap, _ := patch.Build(hashembed.ModelID)

	// files changed its args, web is gone, "new" appeared, flaky failed before.
	after := testProfile(t, `{"downstreams": {
		"files": {"command": "npx", "args": ["-y", "x"]},
		"new": {"command": "bunx"},
		"flaky": {"command": "uvx"}
	}}`)

	plan := BuildPlan(after, snap)
	assert.DeepEqual(t, plan.ToList, []string{"files", "new", "flaky"})
	assert.DeepEqual(t, plan.Removed, []string{"web"})
}

func TestPatchBuild_KeepsFailedDownstreamEntries(t *testing.T) {
	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"}
	}}`)

	patch := NewPatch(profile, EmptySnapshot("", hashembed.ModelID))
	listTools(t, patch, "files", []ListedTool{{Name: "read_file", Description: "read a file"}})
	first, _ := patch.Build(hashembed.ModelID)
	assert.Equal(t, first.Len(), 1)

	// Second reconcile: files fails to list. Its tools must survive.
	patch = NewPatch(profile, first)
	patch.SetFailed("files", context.DeadlineExceeded, 30*time.Second)
	second, _ := patch.Build(hashembed.ModelID)

	assert.Equal(t, second.Len(), 1)
	assert.Assert(t, second.Lookup("files:read_file") != nil)
	failure, ok := second.Failed["files"]
	assert.Assert(t, ok)
	assert.Equal(t, failure.RetryAfter, 30*time.Second)
}

func TestPatchBuild_ReportsSchemaDrift(t *testing.T) {
	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"}
	}}`)

	oldSchema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
	newSchema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"encoding":{"type":"string"}}}`)

	patch := NewPatch(profile, EmptySnapshot("", hashembed.ModelID))
	listTools(t, patch, "files", []ListedTool{{Name: "read_file", Description: "read a file", Schema: oldSchema}})
	first, drifts := patch.Build(hashembed.ModelID)
	assert.Equal(t, len(drifts), 0)

	patch = NewPatch(profile, first)
	listTools(t, patch, "files", []ListedTool{{Name: "read_file", Description: "read a file", Schema: newSchema}})
	second, drifts := patch.Build(hashembed.ModelID)

	assert.Equal(t, len(drifts), 1)
	assert.Equal(t, drifts[0].Tool, "files:read_file")
	// The new schema replaces the old one.
	assert.DeepEqual(t, second.Lookup("files:read_file").Schema, newSchema)
}

func TestPatchBuild_ReusesVectorsForUnchangedDescriptions(t *testing.T) {
	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"}
	}}`)

	patch := NewPatch(profile, EmptySnapshot("", hashembed.ModelID))
	listTools(t, patch, "files", []ListedTool{
		{Name: "read_file", Description: "read a file"},
		{Name: "write_file", Description: "write a file"},
	})
	first, _ := patch.Build(hashembed.ModelID)

	patch = NewPatch(profile, first)
	listTools(t, patch, "files", []ListedTool{
		{Name: "read_file", Description: "read a file"}, // unchanged
		{Name: "write_file", Description: "write or create a file"},
	})
	second, _ := patch.Build(hashembed.ModelID)

	assert.DeepEqual(t, second.Lookup("files:read_file").Embedding, first.Lookup("files:read_file").Embedding)
	assert.Assert(t, second.Lookup("files:write_file") != nil)
}

func TestSnapshotSearch_RanksAndBreaksTies(t *testing.T) {
	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"},
		"tickets": {"command": "uvx"}
	}}`)

	patch := NewPatch(profile, EmptySnapshot("", hashembed.ModelID))
	listTools(t, patch, "files", []ListedTool{
		{Name: "read_file", Description: "read the contents of a file from disk"},
		{Name: "delete_file", Description: "delete a file from disk"},
	})
	listTools(t, patch, "tickets", []ListedTool{
		{Name: "create_issue", Description: "create a new issue in the tracker"},
	})
	snap, _ := patch.Build(hashembed.ModelID)

	query, err := hashembed.New().Embed(context.Background(), "read a file")
	assert.NilError(t, err)

	matches := snap.Search(query, 2)
	assert.Equal(t, len(matches), 2)
	assert.Equal(t, matches[0].Record.DisplayName, "files:read_file")
	assert.Assert(t, matches[0].Similarity >= matches[1].Similarity)

	// A zero query vector ranks nothing above zero, ties break by name.
	zero := make([]float32, len(query))
	matches = snap.Search(zero, 3)
	assert.Equal(t, len(matches), 3)
	assert.Equal(t, matches[0].Similarity, 0.0)
	assert.Equal(t, matches[0].Record.DisplayName, "files:delete_file")
}

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())

	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"}
	}}`)

	store := NewStore("p")
	patch := NewPatch(profile, store.Current())
	listTools(t, patch, "files", []ListedTool{
		{Name: "read_file", Description: "read a file", Schema: json.RawMessage(`{"type":"object"}`), Tags: []string{"readonly"}},
	})
	snap, _ := patch.Build(hashembed.ModelID)
	store.Swap(snap)
	assert.NilError(t, store.Save())

	// A fresh store loads the same content.
	reloaded := NewStore("p")
	loaded, err := reloaded.Load(hashembed.ModelID, profile.Downstreams.Names())
	assert.NilError(t, err)
	assert.Equal(t, loaded.ProfileHash, snap.ProfileHash)
	rec := loaded.Lookup("files:read_file")
	assert.Assert(t, rec != nil)
	assert.Equal(t, rec.Description, "read a file")
	assert.DeepEqual(t, rec.Embedding, snap.Lookup("files:read_file").Embedding)
	assert.DeepEqual(t, rec.Tags, []string{"readonly"})

	// And the plan against the unchanged profile is empty.
	assert.Assert(t, BuildPlan(profile, loaded).Empty())
}

func TestStore_LoadDiscardsOnModelChange(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())

	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"}
	}}`)

	store := NewStore("p")
	patch := NewPatch(profile, store.Current())
	listTools(t, patch, "files", []ListedTool{{Name: "read_file", Description: "read a file"}})
	snap, _ := patch.Build(hashembed.ModelID)
	store.Swap(snap)
	assert.NilError(t, store.Save())

	reloaded := NewStore("p")
	loaded, err := reloaded.Load("text-embedding-3-small", profile.Downstreams.Names())
	assert.NilError(t, err)
	assert.Equal(t, loaded.Len(), 0)
}

func TestStore_LoadPrunesRemovedDownstreams(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())

	before := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"},
		"web": {"url": "https://web.example.com/mcp"}
	}}`)

	store := NewStore("p")
	patch := NewPatch(before, store.Current())
	listTools(t, patch, "files", []ListedTool{{Name: "read_file", Description: "read a file"}})
	listTools(t, patch, "web", []ListedTool{{Name: "fetch", Description: "fetch a url"}})
	snap, _ := patch.Build(hashembed.ModelID)
	store.Swap(snap)
	assert.NilError(t, store.Save())

	// web was dropped from the profile. Its cached tools must not be visible,
	// even before any reconcile has run.
	after := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"}
	}}`)
	reloaded := NewStore("p")
	loaded, err := reloaded.Load(hashembed.ModelID, after.Downstreams.Names())
	assert.NilError(t, err)
	assert.Equal(t, loaded.Len(), 1)
	assert.Assert(t, loaded.Lookup("web:fetch") == nil)
	assert.Assert(t, loaded.Lookup("files:read_file") != nil)
	_, hasWeb := loaded.DownstreamHashes["web"]
	assert.Assert(t, !hasWeb)
}

func TestStore_RepatchingIdenticalListingIsNoOpOnDisk(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())

	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"}
	}}`)
	tools := []ListedTool{
		{Name: "read_file", Description: "read a file", Schema: json.RawMessage(`{"type":"object"}`)},
	}

	store := NewStore("p")
	patch := NewPatch(profile, store.Current())
	listTools(t, patch, "files", tools)
	snap, _ := patch.Build(hashembed.ModelID)
	store.Swap(snap)
	assert.NilError(t, store.Save())

	dir, err := config.CacheDir()
	assert.NilError(t, err)
	old := time.Now().Add(-time.Hour)
	for _, name := range []string{"p.tools.csv", "p.meta.json"} {
		assert.NilError(t, os.Chtimes(filepath.Join(dir, name), old, old))
	}

	// A fresh load and an identical re-listing build a new snapshot, but the
	// serialized bytes are unchanged, so neither file is rewritten.
	rebuilt := NewStore("p")
	base, err := rebuilt.Load(hashembed.ModelID, profile.Downstreams.Names())
	assert.NilError(t, err)
	patch = NewPatch(profile, base)
	listTools(t, patch, "files", tools)
	next, _ := patch.Build(hashembed.ModelID)
	rebuilt.Swap(next)
	assert.NilError(t, rebuilt.Save())

	for _, name := range []string{"p.tools.csv", "p.meta.json"} {
		info, err := os.Stat(filepath.Join(dir, name))
		assert.NilError(t, err)
		assert.Assert(t, info.ModTime().Before(time.Now().Add(-30*time.Minute)))
	}
}

func TestStore_SaveSkipsIdenticalBytes(t *testing.T) {
	t.Setenv(common.EnvDataDir, t.TempDir())

	profile := testProfile(t, `{"downstreams": {
		"files": {"command": "npx"}
	}}`)

	store := NewStore("p")
	patch := NewPatch(profile, store.Current())
	listTools(t, patch, "files", []ListedTool{{Name: "read_file", Description: "read a file"}})
	snap, _ := patch.Build(hashembed.ModelID)
	store.Swap(snap)
	assert.NilError(t, store.Save())

	dir, err := config.CacheDir()
	assert.NilError(t, err)
	csvPath := filepath.Join(dir, "p.tools.csv")
	before, err := os.Stat(csvPath)
	assert.NilError(t, err)

	// Backdate the file, save again unchanged, mtime must not move.
	old := time.Now().Add(-time.Hour)
	assert.NilError(t, os.Chtimes(csvPath, old, old))
	assert.NilError(t, store.Save())
	after, err := os.Stat(csvPath)
	assert.NilError(t, err)
	assert.Equal(t, before.Size(), after.Size())
	assert.Assert(t, after.ModTime().Before(time.Now().Add(-30*time.Minute)))
}
