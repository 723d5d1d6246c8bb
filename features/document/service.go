package document

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"corpora/internal/config"
	"corpora/internal/middleware"
)

type Repository interface {
	Create(ctx context.Context, d *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context) ([]Document, error)
	SetStatus(ctx context.Context, id string, status IndexingStatus) error
	Delete(ctx context.Context, id string) error
}

type ChunkStore interface {
	GetByDocument(ctx context.Context, documentID string) ([]Chunk, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Remover withdraws a live document's vectors from the index.
type Remover interface {
	RemoveFromIndex(ctx context.Context, documentID string) error
}

type Service struct {
	repo    Repository
	chunks  ChunkStore
	pub     EventPublisher
	remover Remover
}

func NewService(repo Repository, chunks ChunkStore, pub EventPublisher, remover Remover) *Service {
	return &Service{repo: repo, chunks: chunks, pub: pub, remover: remover}
}

// Ingest registers a document and queues it for the pipeline. The
// document is created Uploaded; everything after that happens async.
func (s *Service) Ingest(ctx context.Context, doc *Document) error {
	if !doc.SourceKind.Valid() {
		return fmt.Errorf("unsupported source kind %q", doc.SourceKind)
	}

	if err := s.repo.Create(ctx, doc); err != nil {
		return err
	}

	s.publishTask(ctx, doc.ID)
	return nil
}

type Detail struct {
	Document
	Chunks      []Chunk `json:"chunks"`
	TotalChunks int     `json:"total_chunks"`
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	chunks, err := s.chunks.GetByDocument(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "failed to fetch chunks", "error", err, "document_id", id)
		chunks = []Chunk{}
	}
	if chunks == nil {
		chunks = []Chunk{}
	}

	return &Detail{
		Document:    *doc,
		Chunks:      chunks,
		TotalChunks: len(chunks),
	}, nil
}

func (s *Service) List(ctx context.Context) ([]Document, error) {
	return s.repo.List(ctx)
}

// Delete destroys a document. Live documents are refused: their vectors
// are still served, so RemoveFromIndex has to run first.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !doc.CanDelete() {
		return ErrDocumentLive
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.chunks.DeleteByDocument(ctx, id); err != nil {
		return err
	}

	// Uploaded files live under the upload dir; URLs have nothing local.
	if doc.SourceKind != KindURL {
		if err := os.Remove(doc.SourceLocator); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "failed to remove source file", "error", err, "path", doc.SourceLocator)
		}
	}
	return nil
}

func (s *Service) RemoveFromIndex(ctx context.Context, id string) error {
	return s.remover.RemoveFromIndex(ctx, id)
}

// Reingest queues another pipeline run. A live document has to leave
// the index first so old vectors are withdrawn before new ones land.
func (s *Service) Reingest(ctx context.Context, id string) error {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.IsLive() {
		return ErrDocumentLive
	}
	if doc.State == StateDeleted {
		return ErrNotFound
	}

	if err := s.repo.SetStatus(ctx, id, StatusNotStarted); err != nil {
		return err
	}

	s.publishTask(ctx, id)
	return nil
}

func (s *Service) publishTask(ctx context.Context, id string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"document_id":    id,
		"correlation_id": middleware.GetCorrelationID(ctx),
	})
	if err := s.pub.Publish(config.TopicIngestDocument, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish ingest task", "error", err, "document_id", id)
	} else {
		slog.InfoContext(ctx, "published ingest task", "document_id", id)
	}
}
