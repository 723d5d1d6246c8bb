package document

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// ChunkRepo is the canonical store for chunk text. The vector index only
// ever holds a denormalized mirror of what lives here.
type ChunkRepo struct {
	db *sql.DB
}

func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// Replace swaps the whole chunk generation of a document in one
// transaction: old rows out, new rows in, chunk_count updated. A reader
// never observes the two generations mixed.
func (r *ChunkRepo) Replace(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document_id, chunk_index, chunk_id, text, text_length, heading_path, metadata) VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta := c.Metadata
		if len(meta) == 0 {
			meta = []byte(`{}`)
		}
		if _, err := stmt.ExecContext(ctx, documentID, c.ChunkIndex, c.ChunkID, c.Text, c.TextLength, c.HeadingPath, meta); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET chunk_count = $1, state = $2, updated_at = NOW() WHERE id = $3`, len(chunks), StateChunked, documentID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *ChunkRepo) GetByDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	query := `SELECT id, document_id, chunk_index, chunk_id, text, text_length, heading_path, is_vectorized, vector_id, metadata FROM chunks WHERE document_id = $1 ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var vectorID sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.ChunkID, &c.Text, &c.TextLength, &c.HeadingPath, &c.IsVectorized, &vectorID, &c.Metadata); err != nil {
			return nil, err
		}
		c.VectorID = vectorID.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetText returns the canonical chunk text for one (document, index) pair.
func (r *ChunkRepo) GetText(ctx context.Context, documentID string, chunkIndex int) (string, error) {
	var text string
	query := `SELECT text FROM chunks WHERE document_id = $1 AND chunk_index = $2`
	err := r.db.QueryRowContext(ctx, query, documentID, chunkIndex).Scan(&text)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return text, err
}

// MarkVectorized flips the given chunks to vectorized with vector_id set
// to their own chunk_id.
func (r *ChunkRepo) MarkVectorized(ctx context.Context, documentID string, chunkIDs []string) error {
	query := `UPDATE chunks SET is_vectorized = TRUE, vector_id = chunk_id WHERE document_id = $1 AND chunk_id = ANY($2)`
	_, err := r.db.ExecContext(ctx, query, documentID, pq.Array(chunkIDs))
	return err
}

func (r *ChunkRepo) ClearVectorized(ctx context.Context, documentID string) error {
	query := `UPDATE chunks SET is_vectorized = FALSE, vector_id = NULL WHERE document_id = $1`
	_, err := r.db.ExecContext(ctx, query, documentID)
	return err
}

// VectorIDs returns the exact set of vector ids ever upserted for a
// document, in chunk order. Deletion prefers this over pattern guessing.
func (r *ChunkRepo) VectorIDs(ctx context.Context, documentID string) ([]string, error) {
	query := `SELECT vector_id FROM chunks WHERE document_id = $1 AND vector_id IS NOT NULL ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ChunkRepo) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	return err
}

func (r *ChunkRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}
