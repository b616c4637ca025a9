package finder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/embeddings/hashembed"
	"github.com/toolmux/toolmux/internal/index"
)

func buildSnapshot(t *testing.T, listings map[string][]index.ListedTool, order []string) *index.Snapshot {
	t.Helper()

	downstreams := ""
	for i, name := range order {
		if i > 0 {
			downstreams += ","
		}
		downstreams += fmt.Sprintf("%q: {\"command\": \"npx\"}", name)
	}
	path := filepath.Join(t.TempDir(), "p.json")
	content := fmt.Sprintf(`{"downstreams": {%s}}`, downstreams)
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	profile, err := config.LoadProfileFile("p", path)
	assert.NilError(t, err)

	patch := index.NewPatch(profile, index.EmptySnapshot("", hashembed.ModelID))
	for name, tools := range listings {
		assert.NilError(t, patch.SetListing(context.Background(), hashembed.New(), name, tools))
	}
	snap, _ := patch.Build(hashembed.ModelID)
	return snap
}

func newTestFinder(snap *index.Snapshot, progress ProgressFunc) *Finder {
	return New(hashembed.New(), func() *index.Snapshot { return snap }, progress)
}

func defaultRequest(query string) Request {
	return Request{Query: query, Page: 1, Limit: DefaultLimit, Depth: 1, Threshold: -1}
}

func TestFind_RejectsInvalidArguments(t *testing.T) {
	f := newTestFinder(index.EmptySnapshot("", hashembed.ModelID), nil)

	cases := []Request{
		{Query: "x", Page: 0, Limit: 20, Depth: 1, Threshold: -1},
		{Query: "x", Page: 1, Limit: 0, Depth: 1, Threshold: -1},
		{Query: "x", Page: 1, Limit: 101, Depth: 1, Threshold: -1},
		{Query: "x", Page: 1, Limit: 20, Depth: 3, Threshold: -1},
		{Query: "x", Page: 1, Limit: 20, Depth: 1, Threshold: 1.5},
	}
	for _, req := range cases {
		_, err := f.Find(context.Background(), req)
		assert.Assert(t, err != nil)
	}
}

func TestFind_EmptyIndexReturnsValidPageWithProgress(t *testing.T) {
	started := time.Now()
	f := newTestFinder(index.EmptySnapshot("", hashembed.ModelID), func() *Progress {
		return &Progress{TotalDownstreams: 3, IndexedDownstreams: 1, Current: "web", StartedAt: started}
	})

	page, err := f.Find(context.Background(), defaultRequest("send email"))
	assert.NilError(t, err)
	assert.Equal(t, len(page.Tools), 0)
	assert.Equal(t, page.Total, 0)
	assert.Assert(t, page.Progress != nil)
	assert.Equal(t, page.Progress.IndexedDownstreams, 1)
	assert.Equal(t, page.Progress.Current, "web")
}

func TestFind_EmptyQueryEnumeratesAll(t *testing.T) {
	snap := buildSnapshot(t, map[string][]index.ListedTool{
		"files": {
			{Name: "read_file", Description: "read a file"},
			{Name: "write_file", Description: "write a file"},
		},
		"mail": {
			{Name: "send", Description: "send an email"},
		},
	}, []string{"files", "mail"})
	f := newTestFinder(snap, nil)

	page, err := f.Find(context.Background(), defaultRequest(""))
	assert.NilError(t, err)
	assert.Equal(t, page.Total, 3)
	// Enumerate-all keeps index order: profile downstream order, then name.
	assert.Equal(t, page.Tools[0].Name, "files:read_file")
	assert.Equal(t, page.Tools[1].Name, "files:write_file")
	assert.Equal(t, page.Tools[2].Name, "mail:send")
}

func TestFind_MultiIntentUnionMax(t *testing.T) {
	snap := buildSnapshot(t, map[string][]index.ListedTool{
		"files": {{Name: "read_file", Description: "read the contents of a file"}},
		"mail":  {{Name: "send", Description: "send an email message to a recipient"}},
	}, []string{"files", "mail"})
	f := newTestFinder(snap, nil)

	req := defaultRequest("read a file | send an email")
	req.Threshold = 0.05
	page, err := f.Find(context.Background(), req)
	assert.NilError(t, err)

	names := map[string]bool{}
	for _, hit := range page.Tools {
		names[hit.Name] = true
	}
	assert.Assert(t, names["files:read_file"])
	assert.Assert(t, names["mail:send"])
}

func TestFind_DominanceDampening(t *testing.T) {
	// 12 near-identical shell tools vs 2 email tools: at least one email tool
	// must appear in the top 3.
	shell := make([]index.ListedTool, 0, 12)
	for i := 0; i < 12; i++ {
		shell = append(shell, index.ListedTool{
			Name:        fmt.Sprintf("cmd_%02d", i),
			Description: fmt.Sprintf("send command %d to the shell and email the output", i),
		})
	}
	snap := buildSnapshot(t, map[string][]index.ListedTool{
		"shell": shell,
		"mail": {
			{Name: "send_email", Description: "send an email message"},
			{Name: "draft_email", Description: "draft an email"},
		},
	}, []string{"shell", "mail"})
	f := newTestFinder(snap, nil)

	req := defaultRequest("send email")
	req.Threshold = 0
	page, err := f.Find(context.Background(), req)
	assert.NilError(t, err)
	assert.Assert(t, len(page.Tools) >= 3)

	foundMail := false
	for _, hit := range page.Tools[:3] {
		if hit.Name == "mail:send_email" || hit.Name == "mail:draft_email" {
			foundMail = true
		}
	}
	assert.Assert(t, foundMail)
}

func TestFind_DepthAgreementAndSchemas(t *testing.T) {
	snap := buildSnapshot(t, map[string][]index.ListedTool{
		"files": {
			{Name: "read_file", Description: "read a file", Schema: []byte(`{"type":"object"}`)},
			{Name: "write_file", Description: "write a file", Schema: []byte(`{"type":"object"}`)},
		},
	}, []string{"files"})
	f := newTestFinder(snap, nil)

	req1 := defaultRequest("file")
	req1.Threshold = 0
	shallow, err := f.Find(context.Background(), req1)
	assert.NilError(t, err)

	req2 := req1
	req2.Depth = 2
	deep, err := f.Find(context.Background(), req2)
	assert.NilError(t, err)

	// Same ordering and set of names regardless of depth.
	assert.Equal(t, len(shallow.Tools), len(deep.Tools))
	for i := range shallow.Tools {
		assert.Equal(t, shallow.Tools[i].Name, deep.Tools[i].Name)
		assert.Assert(t, shallow.Tools[i].InputSchema == nil)
		assert.Assert(t, deep.Tools[i].InputSchema != nil)
	}
}

func TestFind_PaginationPastEnd(t *testing.T) {
	snap := buildSnapshot(t, map[string][]index.ListedTool{
		"files": {{Name: "read_file", Description: "read a file"}},
	}, []string{"files"})
	f := newTestFinder(snap, nil)

	req := defaultRequest("")
	req.Page = 5
	page, err := f.Find(context.Background(), req)
	assert.NilError(t, err)
	assert.Equal(t, page.Total, 1)
	assert.Equal(t, len(page.Tools), 0)
	assert.Equal(t, page.Page, 5)
}

func TestFind_SurfacesUnavailableDownstreams(t *testing.T) {
	snap := index.NewSnapshot("h", hashembed.ModelID, nil, nil, map[string]index.FailedDownstream{
		"linear": {Error: "spawn failed", RetryAfter: 30 * time.Second},
	})
	f := newTestFinder(snap, nil)

	page, err := f.Find(context.Background(), defaultRequest("anything"))
	assert.NilError(t, err)
	assert.Equal(t, len(page.Unavailable), 1)
	assert.Equal(t, page.Unavailable[0].Downstream, "linear")
	assert.Equal(t, page.Unavailable[0].RetryAfterSeconds, 30)
}
