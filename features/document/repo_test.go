package document_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"corpora/features/document"
)

func TestPostgresRepo_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	d := &document.Document{
		Title:         "Handbook",
		SourceLocator: "/uploads/handbook.pdf",
		SourceKind:    document.KindPDF,
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents (title, source_locator, source_kind) VALUES ($1, $2, $3) RETURNING id, state, indexing_status, created_at, updated_at")).
		WithArgs(d.Title, d.SourceLocator, d.SourceKind).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state", "indexing_status", "created_at", "updated_at"}).
			AddRow("doc-1", "uploaded", "not_started", time.Now(), time.Now()))

	err = repo.Create(context.Background(), d)
	assert.NoError(t, err)
	assert.Equal(t, "doc-1", d.ID)
	assert.Equal(t, document.StateUploaded, d.State)
}

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		indexedAt := time.Now()
		rows := sqlmock.NewRows([]string{"id", "title", "source_locator", "source_kind", "state", "indexing_status", "failure_reason", "chunk_count", "indexed_at", "created_at", "updated_at"}).
			AddRow("doc-1", "Handbook", "/uploads/h.pdf", "pdf", "live", "completed", nil, 12, indexedAt, time.Now(), time.Now())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_locator, source_kind, state, indexing_status, failure_reason, chunk_count, indexed_at, created_at, updated_at FROM documents WHERE id = $1")).
			WithArgs("doc-1").
			WillReturnRows(rows)

		d, err := repo.Get(context.Background(), "doc-1")
		assert.NoError(t, err)
		assert.Equal(t, document.StateLive, d.State)
		assert.Equal(t, 12, d.ChunkCount)
		assert.NotNil(t, d.IndexedAt)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_locator, source_kind, state, indexing_status, failure_reason, chunk_count, indexed_at, created_at, updated_at FROM documents WHERE id = $1")).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, document.ErrNotFound)
	})
}

func TestPostgresRepo_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"id", "title", "source_locator", "source_kind", "state", "indexing_status", "chunk_count", "created_at", "updated_at"}).
		AddRow("doc-1", "Handbook", "/uploads/h.pdf", "pdf", "live", "completed", 12, time.Now(), time.Now()).
		AddRow("doc-2", "FAQ", "https://example.com/faq", "url", "uploaded", "not_started", 0, time.Now(), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_locator, source_kind, state, indexing_status, chunk_count, created_at, updated_at FROM documents WHERE state <> 'deleted' ORDER BY created_at DESC")).
		WillReturnRows(rows)

	docs, err := repo.List(context.Background())
	assert.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestPostgresRepo_Transition(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)
	query := regexp.QuoteMeta("UPDATE documents SET state = $1, indexing_status = $2, updated_at = NOW() WHERE id = $3 AND state = ANY($4)")

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(document.StateProcessing, document.StatusEmbedding, "doc-1", pq.Array([]string{"chunked"})).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Transition(context.Background(), "doc-1", []document.State{document.StateChunked}, document.StateProcessing, document.StatusEmbedding)
		assert.NoError(t, err)
	})

	t.Run("LostRace", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(document.StateProcessing, document.StatusEmbedding, "doc-1", pq.Array([]string{"chunked"})).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Transition(context.Background(), "doc-1", []document.State{document.StateChunked}, document.StateProcessing, document.StatusEmbedding)
		assert.ErrorIs(t, err, document.ErrInvalidTransition)
	})
}

func TestPostgresRepo_MarkLive(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)
	query := regexp.QuoteMeta("UPDATE documents SET state = $1, indexing_status = $2, chunk_count = $3, failure_reason = NULL, indexed_at = NOW(), updated_at = NOW() WHERE id = $4 AND state = $5")

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(document.StateLive, document.StatusCompleted, 12, "doc-1", document.StateProcessing).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.MarkLive(context.Background(), "doc-1", 12)
		assert.NoError(t, err)
	})

	t.Run("NotProcessing", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(document.StateLive, document.StatusCompleted, 12, "doc-1", document.StateProcessing).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.MarkLive(context.Background(), "doc-1", 12)
		assert.ErrorIs(t, err, document.ErrInvalidTransition)
	})
}

func TestPostgresRepo_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)
	query := regexp.QuoteMeta("UPDATE documents SET state = $1, indexing_status = $2, chunk_count = 0, updated_at = NOW() WHERE id = $3 AND state <> $4")

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(document.StateDeleted, document.StatusNotStarted, "doc-1", document.StateLive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Delete(context.Background(), "doc-1")
		assert.NoError(t, err)
	})

	t.Run("StillLive", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(document.StateDeleted, document.StatusNotStarted, "doc-1", document.StateLive).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Delete(context.Background(), "doc-1")
		assert.ErrorIs(t, err, document.ErrDocumentLive)
	})
}

func TestPostgresRepo_SetStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET indexing_status = $1, updated_at = NOW() WHERE id = $2")).
		WithArgs(document.StatusChunking, "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.SetStatus(context.Background(), "doc-1", document.StatusChunking)
	assert.NoError(t, err)
}

func TestPostgresRepo_CountByState(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"state", "count"}).
		AddRow("live", 3).
		AddRow("chunked", 1)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, COUNT(*) FROM documents GROUP BY state")).
		WillReturnRows(rows)

	counts, err := repo.CountByState(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, counts[document.StateLive])
	assert.Equal(t, 1, counts[document.StateChunked])
}
