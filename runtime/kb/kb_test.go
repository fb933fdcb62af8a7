package kb

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// fakeEmbedder produces deterministic vectors from a content hash so tests
// never need a provider.
type fakeEmbedder struct {
	model string
	dims  int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, f.dims)
		for j := range vec {
			vec[j] = float32(sum[j%len(sum)]) + 1
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Identity() (string, int) { return f.model, f.dims }

func testKBConfig(t *testing.T) config.KnowledgeBase {
	t.Helper()
	dir := t.TempDir()
	return config.KnowledgeBase{
		DBPath:         filepath.Join(dir, "kb.db"),
		Vector:         config.Vector{Provider: "bolt", Path: filepath.Join(dir, "vectors"), Dims: 4},
		Namespaces:     []string{"notes", "profile"},
		EmbedBatchSize: 8,
	}
}

func writeNote(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngest_UnchangedContentIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	path := writeNote(t, dir, "note.md", "# Title\n\nSome content here.\n")
	require.NoError(t, svc.IngestFile(ctx, path))

	doc, err := svc.store.documentByPath(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, doc)
	before, err := svc.store.blocksForDoc(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	require.NoError(t, svc.IngestFile(ctx, path))
	after, err := svc.store.blocksForDoc(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	for i := range before {
		require.Equal(t, before[i].ID, after[i].ID)
	}
}

func TestIngest_ChangedBlockKeepsUnchangedIDs(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	path := writeNote(t, dir, "note.md", "stable paragraph\n\nchanging paragraph\n")
	require.NoError(t, svc.IngestFile(ctx, path))
	doc, err := svc.store.documentByPath(ctx, path)
	require.NoError(t, err)
	before, err := svc.store.blocksForDoc(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	writeNote(t, dir, "note.md", "stable paragraph\n\nedited paragraph\n")
	require.NoError(t, svc.IngestFile(ctx, path))
	after, err := svc.store.blocksForDoc(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)

	// The unchanged block keeps its id, the edited one does not.
	require.Equal(t, before[0].ID, after[0].ID)
	require.NotEqual(t, before[1].ID, after[1].ID)
}

func TestQuery_GateSkipsSmallTalk(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	res, err := svc.Query(ctx, "thanks!", QueryOptions{})
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Empty(t, res.Contexts)

	res, err = svc.Query(ctx, "thanks!", QueryOptions{ForceRetrieval: true})
	require.NoError(t, err)
	require.False(t, res.Skipped)
}

func TestQuery_DegradedWithoutEmbedder(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	path := writeNote(t, dir, "note.md", "# Gardening\n\nTomatoes need full sun and regular watering.\n")
	require.NoError(t, svc.IngestFile(ctx, path))

	res, err := svc.Query(ctx, "how much sun do tomatoes need", QueryOptions{})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.NotEmpty(t, res.Contexts)
	require.Contains(t, res.Contexts[0].Block.Text, "Tomatoes")
	require.Equal(t, path, res.Contexts[0].Citation.Path)
}

func TestQuery_HybridAndTrace(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{model: "fake-embed", dims: 4}
	svc, err := New(testKBConfig(t), emb, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	path := writeNote(t, dir, "note.md", "The quarterly report is due on Friday.\n")
	require.NoError(t, svc.IngestFile(ctx, path))
	svc.worker.drain(ctx)

	res, err := svc.Query(ctx, "when is the quarterly report due", QueryOptions{})
	require.NoError(t, err)
	require.False(t, res.Degraded)
	require.NotEmpty(t, res.Contexts)
	require.NotEmpty(t, res.TraceID)

	tr, err := svc.Trace(ctx, res.TraceID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Equal(t, "when is the quarterly report due", tr.Query)
	require.NotEmpty(t, tr.FTSHits)
	require.NotEmpty(t, tr.Selected)
}

func TestBacklinks_ResolveAcrossIngestOrder(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	src := writeNote(t, dir, "source.md", "This mentions [[Target Note]] explicitly.\n")
	require.NoError(t, svc.IngestFile(ctx, src))

	// Target ingested after the link was written: the dangling reference
	// must resolve once the target appears.
	tgt := writeNote(t, dir, "target.md", "---\ntitle: Target Note\n---\nThe target body.\n")
	require.NoError(t, svc.IngestFile(ctx, tgt))

	tdoc, err := svc.store.documentByPath(ctx, tgt)
	require.NoError(t, err)
	links, err := svc.Backlinks(ctx, tdoc.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "Target Note", links[0].DstRef)
}

func TestBacklinks_ResolveAgainstAliases(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	src := writeNote(t, dir, "source.md", "Ask [[Ally]] about the budget.\n")
	require.NoError(t, svc.IngestFile(ctx, src))

	// The target's title does not match the reference; only its alias does.
	tgt := writeNote(t, dir, "target.md", "---\ntitle: Alexandra\naliases: [Ally]\n---\nContact notes.\n")
	require.NoError(t, svc.IngestFile(ctx, tgt))

	tdoc, err := svc.store.documentByPath(ctx, tgt)
	require.NoError(t, err)
	links, err := svc.Backlinks(ctx, tdoc.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "Ally", links[0].DstRef)
}

func TestExpand_CapsPerSelectedBlock(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	hubA := writeNote(t, dir, "alpha.md", "---\ntitle: Hub Alpha\n---\nAlpha body.\n")
	hubB := writeNote(t, dir, "beta.md", "---\ntitle: Hub Beta\n---\nBeta body.\n")
	require.NoError(t, svc.IngestFile(ctx, hubA))
	require.NoError(t, svc.IngestFile(ctx, hubB))
	for i := 0; i < 3; i++ {
		a := writeNote(t, dir, fmt.Sprintf("a%d.md", i), fmt.Sprintf("Note %d about [[Hub Alpha]] only.\n", i))
		b := writeNote(t, dir, fmt.Sprintf("b%d.md", i), fmt.Sprintf("Note %d about [[Hub Beta]] only.\n", i))
		require.NoError(t, svc.IngestFile(ctx, a))
		require.NoError(t, svc.IngestFile(ctx, b))
	}

	selected := hubContexts(t, ctx, svc, hubA, hubB)
	expanded, err := svc.expand(ctx, selected)
	require.NoError(t, err)

	// Every selected block gets its own neighbor budget; three backlinks per
	// hub means six expansion contexts, not a shared total.
	require.Len(t, expanded, 6)
	for _, c := range expanded {
		require.True(t, c.Expanded)
	}
}

// hubContexts builds selected contexts from the body blocks of the given
// notes.
func hubContexts(t *testing.T, ctx context.Context, svc *Service, paths ...string) []Context {
	t.Helper()
	var hits []ScoredBlock
	for _, path := range paths {
		doc, err := svc.store.documentByPath(ctx, path)
		require.NoError(t, err)
		require.NotNil(t, doc)
		blocks, err := svc.store.blocksForDoc(ctx, doc.ID)
		require.NoError(t, err)
		for _, b := range blocks {
			if b.Kind != BlockHeading {
				hits = append(hits, ScoredBlock{BlockID: b.ID, Score: 1})
			}
		}
	}
	contexts, err := svc.buildContexts(ctx, hits)
	require.NoError(t, err)
	return contexts
}

func TestUnlinkedMentions(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	tgt := writeNote(t, dir, "wooster.md", "---\ntitle: Wooster\n---\nAbout the assistant.\n")
	other := writeNote(t, dir, "journal.md", "Talked to Wooster about scheduling today.\n")
	require.NoError(t, svc.IngestFile(ctx, tgt))
	require.NoError(t, svc.IngestFile(ctx, other))

	tdoc, err := svc.store.documentByPath(ctx, tgt)
	require.NoError(t, err)
	mentions, err := svc.UnlinkedMentions(ctx, tdoc.ID)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	require.Contains(t, mentions[0].Excerpt, "Wooster")
}

func TestEmbedderMismatch_ForcesRebuild(t *testing.T) {
	cfg := testKBConfig(t)
	svc, err := New(cfg, &fakeEmbedder{model: "embed-a", dims: 4}, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	// A different identity must not reinterpret old vectors; the index is
	// rebuilt and the sidecar updated.
	svc, err = New(cfg, &fakeEmbedder{model: "embed-b", dims: 4}, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()
	require.NoError(t, svc.store.checkEmbeddingMeta(context.Background(), "embed-b", 4))
}

func TestRemoveFile_DropsDocumentAndBlocks(t *testing.T) {
	ctx := context.Background()
	svc, err := New(testKBConfig(t), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	path := writeNote(t, dir, "note.md", "to be removed\n")
	require.NoError(t, svc.IngestFile(ctx, path))
	require.NoError(t, svc.RemoveFile(ctx, path))

	doc, err := svc.store.documentByPath(ctx, path)
	require.NoError(t, err)
	require.Nil(t, doc)

	res, err := svc.Query(ctx, "to be removed", QueryOptions{ForceRetrieval: true})
	require.NoError(t, err)
	require.Empty(t, res.Contexts)
}

func TestExportNamespace_ExcludesPrivateTags(t *testing.T) {
	ctx := context.Background()
	cfg := testKBConfig(t)
	cfg.PrivacyExcludeTags = []string{"private"}
	svc, err := New(cfg, nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	defer svc.Close()

	dir := t.TempDir()
	pub := writeNote(t, dir, "pub.md", "---\ntitle: Public\n---\npublic fact\n")
	priv := writeNote(t, dir, "priv.md", "---\ntitle: Private\ntags: [private]\n---\nsecret fact\n")
	require.NoError(t, svc.IngestFile(ctx, pub))
	require.NoError(t, svc.IngestFile(ctx, priv))

	out, err := svc.ExportNamespace(ctx, "notes")
	require.NoError(t, err)
	require.Contains(t, out, "public fact")
	require.NotContains(t, out, "secret fact")
}
