package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ref2vec/internal/checkpoint"
	"ref2vec/internal/manifest"
	"ref2vec/internal/metrics"
	"ref2vec/internal/pipeline"
	"ref2vec/internal/provider"
	"ref2vec/internal/router"
)

// fakeLibrary serves a fixed set of items and writes attachment payloads on
// Fetch. Downloaded files get a fixed mtime so fingerprints are stable
// across runs against the same temp directory.
type fakeLibrary struct {
	items       []provider.ItemDescriptor
	attachments map[string][]provider.AttachmentDescriptor
	payloads    map[string]string // attachmentKey -> content
	mtime       time.Time

	mu      sync.Mutex
	fetched []string
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		attachments: make(map[string][]provider.AttachmentDescriptor),
		payloads:    make(map[string]string),
		mtime:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeLibrary) addItem(key, title string, tags ...string) {
	f.items = append(f.items, provider.ItemDescriptor{Key: key, Title: title, Tags: tags})
}

func (f *fakeLibrary) addAttachment(itemKey, attKey, filename, contentType, content string) {
	f.attachments[itemKey] = append(f.attachments[itemKey], provider.AttachmentDescriptor{
		Key:         attKey,
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(content)),
		Mtime:       f.mtime,
	})
	f.payloads[attKey] = content
}

func (f *fakeLibrary) ListCollections(ctx context.Context) ([]provider.Collection, error) {
	return []provider.Collection{{Key: "COLL", Name: "Test Collection"}}, nil
}

func (f *fakeLibrary) ListItems(ctx context.Context, collectionKey string, recursive bool) (<-chan provider.ItemDescriptor, <-chan error) {
	itemCh := make(chan provider.ItemDescriptor)
	errCh := make(chan error, 1)
	go func() {
		defer close(itemCh)
		defer close(errCh)
		for _, item := range f.items {
			select {
			case itemCh <- item:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return itemCh, errCh
}

func (f *fakeLibrary) ListAttachments(ctx context.Context, itemKey string) ([]provider.AttachmentDescriptor, error) {
	return f.attachments[itemKey], nil
}

func (f *fakeLibrary) Fetch(ctx context.Context, itemKey, attachmentKey, destDir string) (string, error) {
	content, ok := f.payloads[attachmentKey]
	if !ok {
		return "", fmt.Errorf("%w: attachment %s", provider.ErrNotFound, attachmentKey)
	}

	var filename string
	for _, att := range f.attachments[itemKey] {
		if att.Key == attachmentKey {
			filename = att.Filename
		}
	}

	dir := filepath.Join(destDir, attachmentKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	if err := os.Chtimes(path, f.mtime, f.mtime); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.fetched = append(f.fetched, attachmentKey)
	f.mu.Unlock()
	return path, nil
}

func (f *fakeLibrary) ItemMetadata(ctx context.Context, itemKey string) (map[string]string, error) {
	return map[string]string{"title_source": itemKey}, nil
}

func (f *fakeLibrary) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

// fakeConverter derives the doc id from the filename so re-runs are
// deterministic. Files containing "POISON" fail conversion.
type fakeConverter struct{}

func (fakeConverter) Convert(ctx context.Context, path string) (*pipeline.ConversionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrConversionFailed, err)
	}
	if strings.Contains(string(data), "POISON") {
		return nil, fmt.Errorf("%w: unreadable input", pipeline.ErrConversionFailed)
	}
	return &pipeline.ConversionResult{
		DocID: "doc-" + filepath.Base(path),
		Text:  string(data),
	}, nil
}

type fakeChunker struct{}

func (fakeChunker) Chunk(result *pipeline.ConversionResult, policy pipeline.ChunkPolicy) ([]pipeline.Chunk, error) {
	words := strings.Fields(result.Text)
	var chunks []pipeline.Chunk
	for i, w := range words {
		chunks = append(chunks, pipeline.Chunk{
			ID:    fmt.Sprintf("%s-%d-%s", result.DocID, i, policy.Version),
			DocID: result.DocID,
			Index: i,
			Text:  w,
		})
	}
	return chunks, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i]))}
	}
	return out, nil
}

type fakeVectorStore struct {
	mu      sync.Mutex
	chunks  map[string]pipeline.Chunk
	upserts int
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{chunks: make(map[string]pipeline.Chunk)}
}

func (s *fakeVectorStore) Upsert(ctx context.Context, chunks []pipeline.Chunk, projectID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *fakeVectorStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *fakeVectorStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

type testHarness struct {
	lib     *fakeLibrary
	store   *checkpoint.FileStore
	vectors *fakeVectorStore
	opts    Options
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	base := t.TempDir()

	store, err := checkpoint.NewFileStore(filepath.Join(base, "checkpoints"))
	require.NoError(t, err)

	return &testHarness{
		lib:     newFakeLibrary(),
		store:   store,
		vectors: newFakeVectorStore(),
		opts: Options{
			RunID:                  "run-1",
			ProjectID:              "proj",
			CollectionKey:          "COLL",
			Recursive:              true,
			DownloadDir:            filepath.Join(base, "downloads"),
			ManifestDir:            base,
			DownloadWorkers:        2,
			Retries:                1,
			EmbeddingModel:         "test-embed-v1",
			ChunkPolicy:            pipeline.DefaultChunkPolicy(),
			EmbeddingPolicyVersion: "embed-v1",
		},
	}
}

func (h *testHarness) newImporter(t *testing.T) *Importer {
	t.Helper()
	r := router.New(router.StrategyLocalFirst, h.lib, nil, zap.NewNop())
	imp, err := New(h.opts, r, h.store,
		fakeConverter{}, fakeChunker{}, &fakeEmbedder{}, h.vectors,
		nil, metrics.New(), zap.NewNop())
	require.NoError(t, err)
	return imp
}

func TestRunImportsAndFansOut(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Paper One", "ML")
	h.lib.addAttachment("ITEM1", "ATT1", "paper.pdf", "application/pdf", "alpha beta gamma")
	h.lib.addAttachment("ITEM1", "ATT2", "notes.md", "text/markdown", "delta epsilon")
	h.lib.addItem("ITEM2", "Paper Two", "Biology")
	h.lib.addAttachment("ITEM2", "ATT3", "other.pdf", "application/pdf", "zeta")
	h.lib.addAttachment("ITEM2", "ATT4", "photo.png", "image/png", "binary")

	summary, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)

	// Fan-out: two attachments of ITEM1 become two documents; the image
	// attachment never qualifies.
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 3, summary.DownloadsSucceeded)

	cp, err := h.store.Load("run-1")
	require.NoError(t, err)
	require.Len(t, cp.Documents, 3)

	var item1Docs []checkpoint.DocumentCheckpoint
	for _, doc := range cp.Documents {
		assert.Equal(t, checkpoint.StatusCompleted, doc.Status)
		if doc.SourceItemKey == "ITEM1" {
			item1Docs = append(item1Docs, doc)
		}
	}
	require.Len(t, item1Docs, 2)
	assert.NotEqual(t, item1Docs[0].SourceAttachmentKey, item1Docs[1].SourceAttachmentKey)

	// alpha beta gamma + delta epsilon + zeta
	assert.Equal(t, 6, h.vectors.size())

	// The manifest carries fingerprints for the next run's dedup.
	man, err := manifest.Load(filepath.Join(h.opts.ManifestDir, "manifest-COLL.json"))
	require.NoError(t, err)
	for _, dl := range man.SuccessfulDownloads() {
		require.NotNil(t, dl.Attachment.ContentFingerprint,
			"attachment %s should be fingerprinted", dl.Attachment.AttachmentKey)
		assert.False(t, dl.Attachment.ContentFingerprint.IsZero())
	}
}

func TestRerunSkipsUnchangedContent(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Paper One", "ML")
	h.lib.addAttachment("ITEM1", "ATT1", "paper.pdf", "application/pdf", "alpha beta gamma")

	first, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Completed)
	upsertsAfterFirst := h.vectors.upsertCount()

	// Second run, new run id, same manifest and download dirs.
	h.opts.RunID = "run-2"
	second, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, second.Completed)
	assert.Equal(t, 1, second.SkippedUnchanged)
	assert.Equal(t, 1, second.DownloadsSkipped)
	assert.Equal(t, 0, second.DownloadsSucceeded)
	assert.Equal(t, 1, h.lib.fetchCount(), "unchanged attachment must not be re-fetched")
	assert.Equal(t, upsertsAfterFirst, h.vectors.upsertCount(), "unchanged content must not hit the vector store")

	// The skipped document gets no checkpoint entry at all.
	cp, err := h.store.Load("run-2")
	require.NoError(t, err)
	assert.Empty(t, cp.Documents)
}

func TestRerunReprocessesOnPolicyChange(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Paper One")
	h.lib.addAttachment("ITEM1", "ATT1", "paper.pdf", "application/pdf", "alpha beta")

	_, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)

	h.opts.RunID = "run-2"
	h.opts.ChunkPolicy.Version = "fixed-v2"
	second, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, second.Completed)
	assert.Equal(t, 0, second.SkippedUnchanged)
}

func TestResumeSkipsTerminalAndRestartsInFlight(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Paper One")
	h.lib.addAttachment("ITEM1", "ATT1", "done.pdf", "application/pdf", "alpha")
	h.lib.addAttachment("ITEM1", "ATT2", "inflight.pdf", "application/pdf", "beta gamma")

	// Simulate an interrupted run: ATT1 finished, ATT2 was mid-embedding.
	cp := checkpoint.New("run-1", "proj", "COLL")
	done := cp.AddDocument("ignored", "ITEM1", "ATT1")
	cp.MarkCompleted(done, "doc-done.pdf", 1)
	inflight := cp.AddDocument("ignored", "ITEM1", "ATT2")
	require.NoError(t, cp.Advance(inflight, checkpoint.StatusEmbedding))
	require.NoError(t, h.store.Save(cp))

	h.opts.Resume = true
	summary, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)

	// Only the in-flight document runs again.
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 0, summary.Failed)

	resumed, err := h.store.Load("run-1")
	require.NoError(t, err)
	require.Len(t, resumed.Documents, 2)
	for _, doc := range resumed.Documents {
		assert.Equal(t, checkpoint.StatusCompleted, doc.Status)
	}

	// Only the in-flight document's chunks were stored: "beta gamma".
	assert.Equal(t, 2, h.vectors.size())
}

func TestTagFilterLooseMatching(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Spelled Out", "Machine-Learning-2024")
	h.lib.addAttachment("ITEM1", "ATT1", "a.pdf", "application/pdf", "one")
	h.lib.addItem("ITEM2", "Acronym", "ML")
	h.lib.addAttachment("ITEM2", "ATT2", "b.pdf", "application/pdf", "two")
	h.lib.addItem("ITEM3", "Unrelated", "History")
	h.lib.addAttachment("ITEM3", "ATT3", "c.pdf", "application/pdf", "three")
	h.lib.addItem("ITEM4", "Excluded", "ML", "Draft")
	h.lib.addAttachment("ITEM4", "ATT4", "d.pdf", "application/pdf", "four")

	h.opts.IncludeTags = []string{"ml"}
	h.opts.ExcludeTags = []string{"draft"}

	summary, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)

	// ITEM1 and ITEM2 match "ml"; ITEM3 does not; ITEM4 is excluded.
	assert.Equal(t, 2, summary.Completed)

	cp, err := h.store.Load("run-1")
	require.NoError(t, err)
	keys := make(map[string]bool)
	for _, doc := range cp.Documents {
		keys[doc.SourceItemKey] = true
	}
	assert.True(t, keys["ITEM1"])
	assert.True(t, keys["ITEM2"])
	assert.False(t, keys["ITEM3"])
	assert.False(t, keys["ITEM4"])
}

func TestConversionFailureIsContained(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Good")
	h.lib.addAttachment("ITEM1", "ATT1", "good.pdf", "application/pdf", "fine content")
	h.lib.addItem("ITEM2", "Bad")
	h.lib.addAttachment("ITEM2", "ATT2", "bad.pdf", "application/pdf", "POISON")

	summary, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err, "a per-document failure must not abort the run")

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Failed)

	cp, err := h.store.Load("run-1")
	require.NoError(t, err)
	var failed *checkpoint.DocumentCheckpoint
	for i := range cp.Documents {
		if cp.Documents[i].Status == checkpoint.StatusFailed {
			failed = &cp.Documents[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "ITEM2", failed.SourceItemKey)
	assert.Contains(t, failed.Error, "converting")
}

func TestExistingCheckpointWithoutResumeIsFatal(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Paper")
	h.lib.addAttachment("ITEM1", "ATT1", "a.pdf", "application/pdf", "alpha")

	require.NoError(t, h.store.Save(checkpoint.New("run-1", "proj", "COLL")))

	_, err := h.newImporter(t).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrConcurrentRun))
}

func TestDryRunTouchesNothing(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Paper")
	h.lib.addAttachment("ITEM1", "ATT1", "a.pdf", "application/pdf", "alpha")

	h.opts.DryRun = true
	summary, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Completed)
	assert.Equal(t, 0, summary.DownloadsSucceeded)
	assert.Equal(t, 0, h.lib.fetchCount())
	assert.Equal(t, 0, h.vectors.size())
	assert.False(t, h.store.Exists("run-1"))
}

func TestDownloadFailureIsContained(t *testing.T) {
	h := newHarness(t)
	h.lib.addItem("ITEM1", "Present")
	h.lib.addAttachment("ITEM1", "ATT1", "a.pdf", "application/pdf", "alpha")
	h.lib.addItem("ITEM2", "Missing")
	h.lib.attachments["ITEM2"] = append(h.lib.attachments["ITEM2"], provider.AttachmentDescriptor{
		Key: "GONE", Filename: "gone.pdf", ContentType: "application/pdf",
	})
	// No payload registered for GONE: every fetch fails.

	summary, err := h.newImporter(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.DownloadsSucceeded)
	assert.Equal(t, 1, summary.DownloadsFailed)

	man, err := manifest.Load(filepath.Join(h.opts.ManifestDir, "manifest-COLL.json"))
	require.NoError(t, err)
	att := man.FindAttachment("ITEM2", "GONE")
	require.NotNil(t, att)
	assert.Equal(t, manifest.StatusFailed, att.Status)
	assert.NotEmpty(t, att.Error)
}
