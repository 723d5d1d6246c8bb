package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"corpora/features/document"
	"corpora/internal/extract"
	"corpora/internal/text"
	"corpora/internal/vectorindex"
)

// metadataTextCap bounds the text copy carried in index metadata. The
// durable chunk row keeps the full text.
const metadataTextCap = 2000

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type DocumentStore interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	Transition(ctx context.Context, id string, from []document.State, to document.State, status document.IndexingStatus) error
	SetStatus(ctx context.Context, id string, status document.IndexingStatus) error
	SetFailure(ctx context.Context, id, reason string) error
	MarkLive(ctx context.Context, id string, chunkCount int) error
}

type ChunkStore interface {
	Replace(ctx context.Context, documentID string, chunks []document.Chunk) error
	MarkVectorized(ctx context.Context, documentID string, chunkIDs []string) error
}

type Extractor interface {
	Extract(locator string, kind document.SourceKind) (*extract.Result, error)
}

type Options struct {
	EmbedBatchSize  int
	UpsertBatchSize int
	EmbedWorkers    int
	RetryAttempts   int
	ChunkMaxSize    int
	ChunkOverlap    int
	ProviderRPS     float64
}

func (o *Options) withDefaults() {
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = 100
	}
	if o.UpsertBatchSize <= 0 {
		o.UpsertBatchSize = 50
	}
	if o.EmbedWorkers <= 0 {
		o.EmbedWorkers = 4
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.ChunkMaxSize <= 0 {
		o.ChunkMaxSize = 1200
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkMaxSize {
		o.ChunkOverlap = 200
	}
	if o.ProviderRPS <= 0 {
		o.ProviderRPS = 10
	}
}

// Pipeline drives one document from raw source to live vectors:
// extract, chunk, embed, upsert, mark live. Every step leaves the
// document row describing where the attempt stands.
type Pipeline struct {
	docs      DocumentStore
	chunks    ChunkStore
	extractor Extractor
	embedder  Embedder
	index     vectorindex.Index
	limiter   *rate.Limiter
	opts      Options
}

func NewPipeline(docs DocumentStore, chunks ChunkStore, ex Extractor, em Embedder, idx vectorindex.Index, opts Options) *Pipeline {
	opts.withDefaults()
	return &Pipeline{
		docs:      docs,
		chunks:    chunks,
		extractor: ex,
		embedder:  em,
		index:     idx,
		limiter:   rate.NewLimiter(rate.Limit(opts.ProviderRPS), 1),
		opts:      opts,
	}
}

func (p *Pipeline) Run(ctx context.Context, documentID string) error {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return &PermanentError{Err: err}
		}
		return err
	}
	if doc.State == document.StateLive {
		return &PermanentError{Err: fmt.Errorf("document %s is already live", documentID)}
	}
	if doc.State == document.StateDeleted {
		return &PermanentError{Err: fmt.Errorf("document %s is deleted", documentID)}
	}

	// Extract and chunk. The row stays in its current state until the
	// chunk rows are swapped in, which also moves it to Chunked.
	if err := p.docs.SetStatus(ctx, documentID, document.StatusChunking); err != nil {
		return err
	}

	chunks, err := p.chunk(doc)
	if err != nil {
		p.recordFailure(ctx, documentID, err)
		return &PermanentError{Err: err}
	}

	if err := p.chunks.Replace(ctx, documentID, chunks); err != nil {
		return err
	}
	slog.InfoContext(ctx, "document chunked", "document_id", documentID, "chunks", len(chunks))

	// Claim the document. Exactly one worker wins the Chunked ->
	// Processing move; a concurrent attempt sees ErrInvalidTransition.
	err = p.docs.Transition(ctx, documentID,
		[]document.State{document.StateChunked}, document.StateProcessing, document.StatusEmbedding)
	if err != nil {
		if errors.Is(err, document.ErrInvalidTransition) {
			return &PermanentError{Err: err}
		}
		return err
	}

	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		p.release(ctx, documentID, err)
		return err
	}

	if err := p.docs.SetStatus(ctx, documentID, document.StatusUploading); err != nil {
		p.release(ctx, documentID, err)
		return err
	}

	if err := p.upsertAll(ctx, doc, chunks, vectors); err != nil {
		p.release(ctx, documentID, err)
		return err
	}

	if err := p.docs.MarkLive(ctx, documentID, len(chunks)); err != nil {
		return err
	}

	slog.InfoContext(ctx, "document live", "document_id", documentID, "chunks", len(chunks))
	return nil
}

func (p *Pipeline) chunk(doc *document.Document) ([]document.Chunk, error) {
	res, err := p.extractor.Extract(doc.SourceLocator, doc.SourceKind)
	if err != nil {
		return nil, err
	}

	var pieces []text.Section
	if len(res.Sections) > 0 {
		pieces = text.SplitSections(res.Sections, p.opts.ChunkMaxSize, p.opts.ChunkOverlap)
	} else {
		for _, part := range text.Split(res.Text, p.opts.ChunkMaxSize, p.opts.ChunkOverlap) {
			pieces = append(pieces, text.Section{Content: part})
		}
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("no extractable text in %s source", doc.SourceKind)
	}

	chunks := make([]document.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = document.Chunk{
			DocumentID:  doc.ID,
			ChunkIndex:  i,
			ChunkID:     document.ChunkID(doc.ID, i),
			Text:        piece.Content,
			TextLength:  len(piece.Content),
			HeadingPath: piece.HeadingPath,
		}
	}
	return chunks, nil
}

// embedAll embeds chunk texts in provider-sized batches spread over a
// bounded worker pool. Batches write into disjoint ranges of the result
// slice, so order survives the concurrency.
func (p *Pipeline) embedAll(ctx context.Context, chunks []document.Chunk) ([][]float32, error) {
	type batch struct {
		offset int
		texts  []string
	}

	var batches []batch
	for start := 0; start < len(chunks); start += p.opts.EmbedBatchSize {
		end := start + p.opts.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = chunks[i].Text
		}
		batches = append(batches, batch{offset: start, texts: texts})
	}

	vectors := make([][]float32, len(chunks))

	workers := p.opts.EmbedWorkers
	if workers > len(batches) {
		workers = len(batches)
	}

	jobs := make(chan batch)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				vecs, err := p.embedBatch(runCtx, b.texts)
				if err != nil {
					fail(err)
					return
				}
				copy(vectors[b.offset:], vecs)
			}
		}()
	}

	for _, b := range batches {
		select {
		case jobs <- b:
		case <-runCtx.Done():
		}
		if runCtx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (p *Pipeline) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < p.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !classifyTransient(err) {
			return nil, &EmbeddingError{Err: err, Transient: false}
		}
		slog.WarnContext(ctx, "embedding batch failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, &EmbeddingError{Err: lastErr, Transient: true}
}

// upsertAll pushes vectors to the index in batches, marking the durable
// rows vectorized batch by batch. Upserts use deterministic ids so a
// requeued attempt overwrites instead of duplicating.
func (p *Pipeline) upsertAll(ctx context.Context, doc *document.Document, chunks []document.Chunk, vectors [][]float32) error {
	sourceURL := ""
	if doc.SourceKind == document.KindURL {
		sourceURL = doc.SourceLocator
	}

	for start := 0; start < len(chunks); start += p.opts.UpsertBatchSize {
		end := start + p.opts.UpsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		records := make([]vectorindex.Record, 0, end-start)
		ids := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			c := chunks[i]
			records = append(records, vectorindex.Record{
				ID:     c.ChunkID,
				Vector: vectors[i],
				Metadata: vectorindex.Metadata{
					DocumentID:  doc.ID,
					Title:       doc.Title,
					SourceKind:  string(doc.SourceKind),
					ChunkIndex:  c.ChunkIndex,
					HeadingPath: c.HeadingPath,
					SourceURL:   sourceURL,
					Text:        truncate(c.Text, metadataTextCap),
				},
			})
			ids = append(ids, c.ChunkID)
		}

		if err := p.upsertBatch(ctx, records); err != nil {
			return err
		}
		if err := p.chunks.MarkVectorized(ctx, doc.ID, ids); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) upsertBatch(ctx context.Context, records []vectorindex.Record) error {
	var lastErr error
	for attempt := 0; attempt < p.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return err
			}
		}

		err := p.index.Upsert(ctx, records)
		if err == nil {
			return nil
		}
		lastErr = err
		if !classifyTransient(err) {
			return &IndexError{Err: err, Transient: false}
		}
		slog.WarnContext(ctx, "vector upsert failed, retrying", "attempt", attempt+1, "error", err)
	}
	return &IndexError{Err: lastErr, Transient: true}
}

// releaseTimeout bounds the state revert after a failed run. The revert
// runs on its own deadline because the run's context is often already
// cancelled by the time it happens.
const releaseTimeout = 10 * time.Second

// release hands a Processing document back to Chunked so a later
// attempt can claim it. The failure itself is recorded on the row.
// The revert must still reach the database when ctx is cancelled,
// otherwise the document stays claimed forever, so it runs detached
// from ctx with a fresh deadline.
func (p *Pipeline) release(ctx context.Context, documentID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	p.recordFailure(ctx, documentID, cause)
	err := p.docs.Transition(ctx, documentID,
		[]document.State{document.StateProcessing}, document.StateChunked, document.StatusFailed)
	if err != nil {
		slog.ErrorContext(ctx, "failed to release document after error", "document_id", documentID, "error", err)
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, documentID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := p.docs.SetFailure(ctx, documentID, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to record failure reason", "document_id", documentID, "error", err)
	}
	if err := p.docs.SetStatus(ctx, documentID, document.StatusFailed); err != nil {
		slog.ErrorContext(ctx, "failed to record failure status", "document_id", documentID, "error", err)
	}
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
