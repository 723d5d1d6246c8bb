package document

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Create(ctx context.Context, d *Document) error {
	query := `INSERT INTO documents (title, source_locator, source_kind) VALUES ($1, $2, $3) RETURNING id, state, indexing_status, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, d.Title, d.SourceLocator, d.SourceKind).
		Scan(&d.ID, &d.State, &d.Status, &d.CreatedAt, &d.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Document, error) {
	d := &Document{}
	var failure sql.NullString
	var indexedAt sql.NullTime
	query := `SELECT id, title, source_locator, source_kind, state, indexing_status, failure_reason, chunk_count, indexed_at, created_at, updated_at FROM documents WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.Title, &d.SourceLocator, &d.SourceKind, &d.State, &d.Status,
		&failure, &d.ChunkCount, &indexedAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.FailureReason = failure.String
	if indexedAt.Valid {
		t := indexedAt.Time
		d.IndexedAt = &t
	}
	return d, nil
}

func (r *PostgresRepo) List(ctx context.Context) ([]Document, error) {
	query := `SELECT id, title, source_locator, source_kind, state, indexing_status, chunk_count, created_at, updated_at FROM documents WHERE state <> 'deleted' ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.SourceLocator, &d.SourceKind, &d.State, &d.Status, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Transition moves a document to a new state, but only if its current
// state is one of the allowed source states. The conditional UPDATE is the
// per-document mutual exclusion: two concurrent vectorize() calls race on
// the same row and exactly one wins the move into Processing.
func (r *PostgresRepo) Transition(ctx context.Context, id string, from []State, to State, status IndexingStatus) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `UPDATE documents SET state = $1, indexing_status = $2, updated_at = NOW() WHERE id = $3 AND state = ANY($4)`
	res, err := r.db.ExecContext(ctx, query, to, status, id, pq.Array(allowed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s is not in %v", ErrInvalidTransition, id, from)
	}
	return nil
}

func (r *PostgresRepo) SetStatus(ctx context.Context, id string, status IndexingStatus) error {
	query := `UPDATE documents SET indexing_status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, status, id)
	return err
}

func (r *PostgresRepo) SetFailure(ctx context.Context, id, reason string) error {
	query := `UPDATE documents SET failure_reason = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, reason, id)
	return err
}

func (r *PostgresRepo) MarkLive(ctx context.Context, id string, chunkCount int) error {
	query := `UPDATE documents SET state = $1, indexing_status = $2, chunk_count = $3, failure_reason = NULL, indexed_at = NOW(), updated_at = NOW() WHERE id = $4 AND state = $5`
	res, err := r.db.ExecContext(ctx, query, StateLive, StatusCompleted, chunkCount, id, StateProcessing)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s is not processing", ErrInvalidTransition, id)
	}
	return nil
}

// Delete is terminal. The row is kept (state = deleted) so history survives;
// chunk rows go away via ON DELETE CASCADE when the row itself is purged.
func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	query := `UPDATE documents SET state = $1, indexing_status = $2, chunk_count = 0, updated_at = NOW() WHERE id = $3 AND state <> $4`
	res, err := r.db.ExecContext(ctx, query, StateDeleted, StatusNotStarted, id, StateLive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDocumentLive
	}
	return nil
}

func (r *PostgresRepo) CountByState(ctx context.Context) (map[State]int, error) {
	query := `SELECT state, COUNT(*) FROM documents GROUP BY state`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var s State
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}
