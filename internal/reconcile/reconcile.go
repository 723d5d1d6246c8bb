package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"corpora/features/document"
	"corpora/internal/vectorindex"
)

const deleteBatchSize = 100

// missCutoff stops the pattern sweep after this many consecutive
// all-miss batches: past vectors are contiguous from index zero, so a
// long run of misses means the tail has been reached.
const missCutoff = 10

// IncompleteError reports a removal that moved the document out of Live
// but could not confirm every vector is gone.
type IncompleteError struct {
	DocumentID string
	Deleted    int
	Err        error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("reconciliation incomplete for document %s after %d deletions: %v", e.DocumentID, e.Deleted, e.Err)
}

func (e *IncompleteError) Unwrap() error { return e.Err }

type DocumentStore interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	Transition(ctx context.Context, id string, from []document.State, to document.State, status document.IndexingStatus) error
}

type ChunkStore interface {
	VectorIDs(ctx context.Context, documentID string) ([]string, error)
	ClearVectorized(ctx context.Context, documentID string) error
}

type Deleter interface {
	Delete(ctx context.Context, ids []string) (notFound int, err error)
}

// Service withdraws documents from the vector index. The index has no
// filtered delete, so removal works from the exact set of ids the
// ingestion recorded, with a bounded id-pattern sweep as fallback for
// rows that predate vector id tracking.
type Service struct {
	docs          DocumentStore
	chunks        ChunkStore
	index         Deleter
	maxChunkBound int
}

func NewService(docs DocumentStore, chunks ChunkStore, index Deleter, maxChunkBound int) *Service {
	if maxChunkBound <= 0 {
		maxChunkBound = 1000
	}
	return &Service{docs: docs, chunks: chunks, index: index, maxChunkBound: maxChunkBound}
}

// RemoveFromIndex takes a Live document out of serving and deletes its
// vectors. The state moves first: even if deletion then stalls, the
// document is no longer advertised as live and the error says what is
// left to clean up.
func (s *Service) RemoveFromIndex(ctx context.Context, documentID string) error {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.State != document.StateLive {
		return fmt.Errorf("%w: document %s is %s, only live documents can be removed from the index",
			document.ErrInvalidTransition, documentID, doc.State)
	}

	err = s.docs.Transition(ctx, documentID,
		[]document.State{document.StateLive}, document.StateRemovedFromIndex, document.StatusNotStarted)
	if err != nil {
		return err
	}

	ids, err := s.chunks.VectorIDs(ctx, documentID)
	if err != nil {
		return &IncompleteError{DocumentID: documentID, Err: err}
	}

	var deleted int
	if len(ids) > 0 {
		deleted, err = s.deleteExact(ctx, ids)
	} else {
		deleted, err = s.deleteBySweep(ctx, documentID)
	}
	if err != nil {
		return &IncompleteError{DocumentID: documentID, Deleted: deleted, Err: err}
	}

	if err := s.chunks.ClearVectorized(ctx, documentID); err != nil {
		return &IncompleteError{DocumentID: documentID, Deleted: deleted, Err: err}
	}

	slog.InfoContext(ctx, "document removed from index", "document_id", documentID, "vectors_deleted", deleted)
	return nil
}

func (s *Service) deleteExact(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		notFound, err := s.index.Delete(ctx, batch)
		if err != nil && !errors.Is(err, vectorindex.ErrNotFound) {
			return deleted, err
		}
		deleted += len(batch) - notFound
	}
	return deleted, nil
}

// deleteBySweep guesses vector ids from the chunk id pattern, batch by
// batch up to the bound. Misses are expected near the tail; a run of
// fully-missed batches ends the sweep early.
func (s *Service) deleteBySweep(ctx context.Context, documentID string) (int, error) {
	deleted := 0
	consecutiveMisses := 0

	for start := 0; start < s.maxChunkBound; start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > s.maxChunkBound {
			end = s.maxChunkBound
		}

		batch := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, document.ChunkID(documentID, i))
		}

		notFound, err := s.index.Delete(ctx, batch)
		if err != nil && !errors.Is(err, vectorindex.ErrNotFound) {
			return deleted, err
		}
		deleted += len(batch) - notFound

		if notFound == len(batch) {
			consecutiveMisses++
			if consecutiveMisses >= missCutoff {
				break
			}
		} else {
			consecutiveMisses = 0
		}
	}
	return deleted, nil
}
