package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/goleak"

	"corpora/features/document"
	"corpora/internal/extract"
	"corpora/internal/ingest"
	"corpora/internal/text"
	"corpora/internal/vectorindex"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type MockDocs struct {
	mock.Mock
}

func (m *MockDocs) Get(ctx context.Context, id string) (*document.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *MockDocs) Transition(ctx context.Context, id string, from []document.State, to document.State, status document.IndexingStatus) error {
	return m.Called(ctx, id, from, to, status).Error(0)
}

func (m *MockDocs) SetStatus(ctx context.Context, id string, status document.IndexingStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockDocs) SetFailure(ctx context.Context, id, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *MockDocs) MarkLive(ctx context.Context, id string, chunkCount int) error {
	return m.Called(ctx, id, chunkCount).Error(0)
}

type MockChunks struct {
	mock.Mock
}

func (m *MockChunks) Replace(ctx context.Context, documentID string, chunks []document.Chunk) error {
	return m.Called(ctx, documentID, chunks).Error(0)
}

func (m *MockChunks) MarkVectorized(ctx context.Context, documentID string, chunkIDs []string) error {
	return m.Called(ctx, documentID, chunkIDs).Error(0)
}

type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Extract(locator string, kind document.SourceKind) (*extract.Result, error) {
	args := m.Called(locator, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

// stubEmbedder lets each test decide how a batch embeds without mock
// call-order bookkeeping across the worker pool.
type stubEmbedder struct {
	fn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return s.fn(ctx, texts)
}

// stubIndex records every upserted batch.
type stubIndex struct {
	mu        sync.Mutex
	records   []vectorindex.Record
	upsertErr error
}

func (s *stubIndex) Upsert(ctx context.Context, records []vectorindex.Record) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

func (s *stubIndex) Query(ctx context.Context, vector []float32, topK int) ([]vectorindex.Match, error) {
	return nil, nil
}

func (s *stubIndex) Delete(ctx context.Context, ids []string) (int, error) {
	return 0, nil
}

// textVector gives every chunk text a recognizable vector so reassembly
// across concurrent batches can be checked.
func textVector(t string) []float32 {
	var sum float32
	for _, b := range []byte(t) {
		sum += float32(b)
	}
	return []float32{float32(len(t)), sum}
}

func echoEmbedder() *stubEmbedder {
	return &stubEmbedder{fn: func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = textVector(t)
		}
		return out, nil
	}}
}

func testOptions() ingest.Options {
	return ingest.Options{
		EmbedBatchSize:  2,
		UpsertBatchSize: 2,
		EmbedWorkers:    4,
		RetryAttempts:   1,
		ChunkMaxSize:    1200,
		ChunkOverlap:    100,
		ProviderRPS:     10000,
	}
}

func chunkedDoc(id string) *document.Document {
	return &document.Document{
		ID:            id,
		Title:         "Handbook",
		SourceLocator: "/uploads/h.txt",
		SourceKind:    document.KindText,
		State:         document.StateChunked,
	}
}

func sections(n int) []text.Section {
	out := make([]text.Section, n)
	for i := range out {
		out[i] = text.Section{
			HeadingPath: fmt.Sprintf("Part %d", i),
			Content:     fmt.Sprintf("body of section number %d", i),
		}
	}
	return out
}

func TestPipeline_Run_HappyPath(t *testing.T) {
	docs := new(MockDocs)
	chunks := new(MockChunks)
	ex := new(MockExtractor)
	index := &stubIndex{}

	doc := chunkedDoc("doc-1")
	docs.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	docs.On("SetStatus", mock.Anything, "doc-1", document.StatusChunking).Return(nil)
	docs.On("SetStatus", mock.Anything, "doc-1", document.StatusUploading).Return(nil)
	docs.On("Transition", mock.Anything, "doc-1",
		[]document.State{document.StateChunked}, document.StateProcessing, document.StatusEmbedding).Return(nil)
	docs.On("MarkLive", mock.Anything, "doc-1", 1).Return(nil)

	ex.On("Extract", "/uploads/h.txt", document.KindText).
		Return(&extract.Result{Text: "A single short body of text."}, nil)

	var replaced []document.Chunk
	chunks.On("Replace", mock.Anything, "doc-1", mock.Anything).
		Run(func(args mock.Arguments) { replaced = args.Get(2).([]document.Chunk) }).
		Return(nil)
	chunks.On("MarkVectorized", mock.Anything, "doc-1", []string{"doc-1-chunk-0"}).Return(nil)

	p := ingest.NewPipeline(docs, chunks, ex, echoEmbedder(), index, testOptions())
	err := p.Run(context.Background(), "doc-1")

	assert.NoError(t, err)
	docs.AssertExpectations(t)
	chunks.AssertExpectations(t)

	assert.Len(t, replaced, 1)
	assert.Equal(t, "doc-1-chunk-0", replaced[0].ChunkID)
	assert.Equal(t, "A single short body of text.", replaced[0].Text)

	assert.Len(t, index.records, 1)
	assert.Equal(t, "doc-1-chunk-0", index.records[0].ID)
	assert.Equal(t, "doc-1", index.records[0].Metadata.DocumentID)
	assert.Equal(t, "Handbook", index.records[0].Metadata.Title)
}

func TestPipeline_Run_MultiBatchKeepsChunkOrder(t *testing.T) {
	docs := new(MockDocs)
	chunks := new(MockChunks)
	ex := new(MockExtractor)
	index := &stubIndex{}

	doc := chunkedDoc("doc-1")
	docs.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	docs.On("SetStatus", mock.Anything, "doc-1", mock.Anything).Return(nil)
	docs.On("Transition", mock.Anything, "doc-1", mock.Anything, document.StateProcessing, document.StatusEmbedding).Return(nil)
	docs.On("MarkLive", mock.Anything, "doc-1", 5).Return(nil)

	// 5 sections across a batch size of 2 exercises the worker pool
	ex.On("Extract", mock.Anything, mock.Anything).
		Return(&extract.Result{Sections: sections(5)}, nil)

	var replaced []document.Chunk
	chunks.On("Replace", mock.Anything, "doc-1", mock.Anything).
		Run(func(args mock.Arguments) { replaced = args.Get(2).([]document.Chunk) }).
		Return(nil)
	chunks.On("MarkVectorized", mock.Anything, "doc-1", mock.Anything).Return(nil)

	p := ingest.NewPipeline(docs, chunks, ex, echoEmbedder(), index, testOptions())
	err := p.Run(context.Background(), "doc-1")

	assert.NoError(t, err)
	assert.Len(t, replaced, 5)
	assert.Len(t, index.records, 5)

	// Each record must carry the vector of its own chunk's text,
	// regardless of which worker embedded the batch.
	byID := make(map[string]vectorindex.Record, len(index.records))
	for _, r := range index.records {
		byID[r.ID] = r
	}
	for _, c := range replaced {
		rec, ok := byID[c.ChunkID]
		assert.True(t, ok, "missing record for %s", c.ChunkID)
		assert.Equal(t, textVector(c.Text), rec.Vector)
		assert.Equal(t, c.HeadingPath, rec.Metadata.HeadingPath)
	}
}

func TestPipeline_Run_MetadataTextCutOnRuneBoundary(t *testing.T) {
	docs := new(MockDocs)
	chunks := new(MockChunks)
	ex := new(MockExtractor)
	index := &stubIndex{}

	doc := chunkedDoc("doc-1")
	docs.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	docs.On("SetStatus", mock.Anything, "doc-1", mock.Anything).Return(nil)
	docs.On("Transition", mock.Anything, "doc-1", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	docs.On("MarkLive", mock.Anything, "doc-1", 1).Return(nil)

	// A multi-byte rune straddles the 2000-byte metadata cap.
	body := strings.Repeat("a", 1999) + strings.Repeat("é", 40)
	ex.On("Extract", mock.Anything, mock.Anything).
		Return(&extract.Result{Text: body}, nil)
	chunks.On("Replace", mock.Anything, "doc-1", mock.Anything).Return(nil)
	chunks.On("MarkVectorized", mock.Anything, "doc-1", mock.Anything).Return(nil)

	opts := testOptions()
	opts.ChunkMaxSize = 4000

	p := ingest.NewPipeline(docs, chunks, ex, echoEmbedder(), index, opts)
	err := p.Run(context.Background(), "doc-1")

	assert.NoError(t, err)
	assert.Len(t, index.records, 1)

	got := index.records[0].Metadata.Text
	assert.True(t, utf8.ValidString(got), "metadata text must stay valid UTF-8")
	assert.LessOrEqual(t, len(got), 2000)
	assert.Equal(t, strings.Repeat("a", 1999), got)
}

func TestPipeline_Run_TransientEmbedFailureReleases(t *testing.T) {
	docs := new(MockDocs)
	chunks := new(MockChunks)
	ex := new(MockExtractor)

	doc := chunkedDoc("doc-1")
	docs.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	docs.On("SetStatus", mock.Anything, "doc-1", document.StatusChunking).Return(nil)
	docs.On("Transition", mock.Anything, "doc-1",
		[]document.State{document.StateChunked}, document.StateProcessing, document.StatusEmbedding).Return(nil)

	// The failed attempt is recorded and the claim is handed back
	docs.On("SetFailure", mock.Anything, "doc-1", mock.Anything).Return(nil)
	docs.On("SetStatus", mock.Anything, "doc-1", document.StatusFailed).Return(nil)
	docs.On("Transition", mock.Anything, "doc-1",
		[]document.State{document.StateProcessing}, document.StateChunked, document.StatusFailed).Return(nil)

	ex.On("Extract", mock.Anything, mock.Anything).
		Return(&extract.Result{Text: "Some body text."}, nil)
	chunks.On("Replace", mock.Anything, "doc-1", mock.Anything).Return(nil)

	embedder := &stubEmbedder{fn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("connection reset by peer")
	}}

	p := ingest.NewPipeline(docs, chunks, ex, embedder, &stubIndex{}, testOptions())
	err := p.Run(context.Background(), "doc-1")

	assert.Error(t, err)
	assert.True(t, ingest.IsTransient(err))
	docs.AssertExpectations(t)
	docs.AssertNotCalled(t, "MarkLive", mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_Run_PermanentEmbedFailure(t *testing.T) {
	docs := new(MockDocs)
	chunks := new(MockChunks)
	ex := new(MockExtractor)

	doc := chunkedDoc("doc-1")
	docs.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	docs.On("SetStatus", mock.Anything, "doc-1", mock.Anything).Return(nil)
	docs.On("Transition", mock.Anything, "doc-1", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	docs.On("SetFailure", mock.Anything, "doc-1", mock.Anything).Return(nil)

	ex.On("Extract", mock.Anything, mock.Anything).
		Return(&extract.Result{Text: "Some body text."}, nil)
	chunks.On("Replace", mock.Anything, "doc-1", mock.Anything).Return(nil)

	embedder := &stubEmbedder{fn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("invalid api key")
	}}

	p := ingest.NewPipeline(docs, chunks, ex, embedder, &stubIndex{}, testOptions())
	err := p.Run(context.Background(), "doc-1")

	assert.Error(t, err)
	assert.False(t, ingest.IsTransient(err))
}

func TestPipeline_Run_NotFound(t *testing.T) {
	docs := new(MockDocs)
	docs.On("Get", mock.Anything, "missing").Return(nil, document.ErrNotFound)

	p := ingest.NewPipeline(docs, new(MockChunks), new(MockExtractor), echoEmbedder(), &stubIndex{}, testOptions())
	err := p.Run(context.Background(), "missing")

	assert.True(t, ingest.IsPermanent(err))
}

func TestPipeline_Run_AlreadyLive(t *testing.T) {
	docs := new(MockDocs)
	doc := chunkedDoc("doc-1")
	doc.State = document.StateLive
	docs.On("Get", mock.Anything, "doc-1").Return(doc, nil)

	p := ingest.NewPipeline(docs, new(MockChunks), new(MockExtractor), echoEmbedder(), &stubIndex{}, testOptions())
	err := p.Run(context.Background(), "doc-1")

	assert.True(t, ingest.IsPermanent(err))
}

func TestPipeline_Run_LostClaim(t *testing.T) {
	docs := new(MockDocs)
	chunks := new(MockChunks)
	ex := new(MockExtractor)

	doc := chunkedDoc("doc-1")
	docs.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	docs.On("SetStatus", mock.Anything, "doc-1", document.StatusChunking).Return(nil)
	docs.On("Transition", mock.Anything, "doc-1",
		[]document.State{document.StateChunked}, document.StateProcessing, document.StatusEmbedding).
		Return(fmt.Errorf("%w: already claimed", document.ErrInvalidTransition))

	ex.On("Extract", mock.Anything, mock.Anything).
		Return(&extract.Result{Text: "Some body text."}, nil)
	chunks.On("Replace", mock.Anything, "doc-1", mock.Anything).Return(nil)

	p := ingest.NewPipeline(docs, chunks, ex, echoEmbedder(), &stubIndex{}, testOptions())
	err := p.Run(context.Background(), "doc-1")

	assert.True(t, ingest.IsPermanent(err), "a lost claim must not requeue")
}

// stateDocs mimics a sql-backed store: every call errors once the
// context it was given is dead, and the document row is tracked so a
// test can observe where a failed run leaves it.
type stateDocs struct {
	mu  sync.Mutex
	doc document.Document
}

func (s *stateDocs) Get(ctx context.Context, id string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.doc
	return &d, nil
}

func (s *stateDocs) Transition(ctx context.Context, id string, from []document.State, to document.State, status document.IndexingStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.doc.State == f {
			s.doc.State = to
			s.doc.Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", document.ErrInvalidTransition, s.doc.State, to)
}

func (s *stateDocs) SetStatus(ctx context.Context, id string, status document.IndexingStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Status = status
	return nil
}

func (s *stateDocs) SetFailure(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.FailureReason = reason
	return nil
}

func (s *stateDocs) MarkLive(ctx context.Context, id string, chunkCount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.State = document.StateLive
	s.doc.ChunkCount = chunkCount
	return nil
}

func (s *stateDocs) snapshot() document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func TestPipeline_Run_CancelledMidEmbedReleasesClaim(t *testing.T) {
	docs := &stateDocs{doc: document.Document{
		ID:            "doc-1",
		SourceLocator: "/uploads/h.txt",
		SourceKind:    document.KindText,
		State:         document.StateChunked,
	}}
	chunks := new(MockChunks)
	ex := new(MockExtractor)

	ex.On("Extract", mock.Anything, mock.Anything).
		Return(&extract.Result{Text: "Some body text."}, nil)
	chunks.On("Replace", mock.Anything, "doc-1", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation lands while the document is claimed as Processing.
	embedder := &stubEmbedder{fn: func(ctx context.Context, _ []string) ([][]float32, error) {
		cancel()
		return nil, ctx.Err()
	}}

	p := ingest.NewPipeline(docs, chunks, ex, embedder, &stubIndex{}, testOptions())
	err := p.Run(ctx, "doc-1")

	assert.Error(t, err)

	// The revert runs even though the run's context is dead. A document
	// left in Processing could never be claimed again.
	snap := docs.snapshot()
	assert.Equal(t, document.StateChunked, snap.State)
	assert.Equal(t, document.StatusFailed, snap.Status)
	assert.NotEmpty(t, snap.FailureReason)
}

func TestPipeline_Run_NoExtractableText(t *testing.T) {
	docs := new(MockDocs)
	ex := new(MockExtractor)

	doc := chunkedDoc("doc-1")
	docs.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	docs.On("SetStatus", mock.Anything, "doc-1", document.StatusChunking).Return(nil)
	docs.On("SetFailure", mock.Anything, "doc-1", mock.Anything).Return(nil)
	docs.On("SetStatus", mock.Anything, "doc-1", document.StatusFailed).Return(nil)

	ex.On("Extract", mock.Anything, mock.Anything).Return(&extract.Result{Text: "   "}, nil)

	p := ingest.NewPipeline(docs, new(MockChunks), ex, echoEmbedder(), &stubIndex{}, testOptions())
	err := p.Run(context.Background(), "doc-1")

	assert.True(t, ingest.IsPermanent(err))
	docs.AssertExpectations(t)
}
