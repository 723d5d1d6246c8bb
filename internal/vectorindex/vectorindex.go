package vectorindex

import (
	"context"
	"errors"
)

// ErrNotFound signals a delete against a record id the index does not
// hold. Best-effort deletion counts these to decide when to stop probing.
var ErrNotFound = errors.New("vector record not found")

// Record is one entry in the external ANN store. Metadata is a
// denormalized, possibly truncated mirror of the canonical chunk row and
// is never authoritative.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

type Metadata struct {
	DocumentID  string `json:"document_id"`
	Title       string `json:"title"`
	SourceKind  string `json:"source_kind"`
	ChunkIndex  int    `json:"chunk_index"`
	HeadingPath string `json:"heading_path,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	Text        string `json:"text"`
}

type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// Index is the capability interface over the external similarity store.
// It deliberately has no filter-delete: deletion is by record id only,
// which is what forces the deterministic-id reconstruction downstream.
type Index interface {
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	// Delete removes the given ids and reports how many were not found.
	Delete(ctx context.Context, ids []string) (notFound int, err error)
}
