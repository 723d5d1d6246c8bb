package weaviate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	windex "corpora/internal/adapter/weaviate"
	"corpora/internal/testutils"
	"corpora/internal/vector"
	"corpora/internal/vectorindex"
)

func TestIndex_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	require.NoError(t, vector.EnsureSchema(ctx, vector.NewWeaviateClientAdapter(s.Weaviate)))

	idx := windex.NewIndex(s.Weaviate)

	records := []vectorindex.Record{
		{
			ID:     "doc-1-chunk-0",
			Vector: []float32{0.9, 0.1, 0.1},
			Metadata: vectorindex.Metadata{
				DocumentID:  "doc-1",
				Title:       "Handbook",
				SourceKind:  "text",
				ChunkIndex:  0,
				HeadingPath: "Intro",
				Text:        "refund policy details",
			},
		},
		{
			ID:     "doc-1-chunk-1",
			Vector: []float32{0.1, 0.9, 0.1},
			Metadata: vectorindex.Metadata{
				DocumentID: "doc-1",
				Title:      "Handbook",
				SourceKind: "text",
				ChunkIndex: 1,
				Text:       "shipping options",
			},
		},
	}
	require.NoError(t, idx.Upsert(ctx, records))

	// Upsert is idempotent: the same ids overwrite, not duplicate
	require.NoError(t, idx.Upsert(ctx, records))

	count, err := idx.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Nearest to the first vector is the first chunk, original id intact
	matches, err := idx.Query(ctx, []float32{0.9, 0.1, 0.1}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "doc-1-chunk-0", matches[0].ID)
	assert.Equal(t, "doc-1", matches[0].Metadata.DocumentID)
	assert.Equal(t, "Intro", matches[0].Metadata.HeadingPath)
	assert.Greater(t, matches[0].Score, float32(0))

	// Delete counts misses instead of failing on them
	notFound, err := idx.Delete(ctx, []string{"doc-1-chunk-0", "doc-1-chunk-1", "doc-1-chunk-99"})
	require.NoError(t, err)
	assert.Equal(t, 1, notFound)

	count, err = idx.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
