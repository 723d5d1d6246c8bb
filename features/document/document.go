package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the document lifecycle state. The vector index is only ever
// offered content from Live documents; every other state means "not served".
type State string

const (
	StateUploaded         State = "uploaded"
	StateChunked          State = "chunked"
	StateProcessing       State = "processing"
	StateLive             State = "live"
	StateRemovedFromIndex State = "removed_from_index"
	StateDeleted          State = "deleted"
)

func (s State) Valid() bool {
	switch s {
	case StateUploaded, StateChunked, StateProcessing, StateLive, StateRemovedFromIndex, StateDeleted:
		return true
	}
	return false
}

// IndexingStatus tracks progress inside a single vectorization attempt.
// It is transient: every attempt resets it.
type IndexingStatus string

const (
	StatusNotStarted IndexingStatus = "not_started"
	StatusChunking   IndexingStatus = "chunking"
	StatusEmbedding  IndexingStatus = "embedding"
	StatusUploading  IndexingStatus = "uploading"
	StatusCompleted  IndexingStatus = "completed"
	StatusFailed     IndexingStatus = "failed"
)

// SourceKind identifies how the source locator should be interpreted.
type SourceKind string

const (
	KindPDF  SourceKind = "pdf"
	KindText SourceKind = "text"
	KindDocx SourceKind = "docx"
	KindHTML SourceKind = "html"
	KindURL  SourceKind = "url"
)

func (k SourceKind) Valid() bool {
	switch k {
	case KindPDF, KindText, KindDocx, KindHTML, KindURL:
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("document not found")
	ErrDocumentLive      = errors.New("document is live in the vector index; remove it from the index first")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// transitions is the closed set of legal state moves. Deleted is terminal.
var transitions = map[State][]State{
	StateUploaded:         {StateChunked, StateDeleted},
	StateChunked:          {StateChunked, StateProcessing, StateDeleted},
	StateProcessing:       {StateChunked, StateLive, StateDeleted},
	StateLive:             {StateRemovedFromIndex},
	StateRemovedFromIndex: {StateChunked, StateProcessing, StateDeleted},
	StateDeleted:          {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Document struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	SourceLocator string         `json:"source_locator"`
	SourceKind    SourceKind     `json:"source_kind"`
	State         State          `json:"state"`
	Status        IndexingStatus `json:"indexing_status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ChunkCount    int            `json:"chunk_count"`
	IndexedAt     *time.Time     `json:"indexed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CanDelete reports whether the document may be destroyed. Live documents
// must go through RemoveFromIndex first so no vectors are orphaned silently.
func (d *Document) CanDelete() bool {
	switch d.State {
	case StateUploaded, StateChunked, StateProcessing, StateRemovedFromIndex:
		return true
	}
	return false
}

func (d *Document) IsLive() bool {
	return d.State == StateLive
}

type Chunk struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"document_id"`
	ChunkIndex   int             `json:"chunk_index"`
	ChunkID      string          `json:"chunk_id"`
	Text         string          `json:"text"`
	TextLength   int             `json:"text_length"`
	HeadingPath  string          `json:"heading_path,omitempty"`
	IsVectorized bool            `json:"is_vectorized"`
	VectorID     string          `json:"vector_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata"`
}

// ChunkID builds the deterministic vector record id for one chunk of a
// document. The same format is reconstructed during best-effort deletion.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s-chunk-%d", documentID, index)
}
