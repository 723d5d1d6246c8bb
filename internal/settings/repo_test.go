package settings_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"corpora/internal/settings"
)

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"id", "embed_provider", "openai_api_key", "gemini_api_key", "score_threshold", "search_top_k"}).
		AddRow(1, "openai", "sk-abc123", "", 0.35, 5)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, embed_provider, openai_api_key, gemini_api_key, score_threshold, search_top_k FROM settings WHERE id = 1")).
		WillReturnRows(rows)

	s, err := repo.Get(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "openai", s.EmbedProvider)
	assert.Equal(t, "sk-abc123", s.OpenAIAPIKey)
	assert.InDelta(t, 0.35, s.ScoreThreshold, 0.0001)
	assert.Equal(t, 5, s.SearchTopK)
}

func TestPostgresRepo_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	s := &settings.Settings{
		EmbedProvider:  "gemini",
		GeminiAPIKey:   "AIza-key",
		ScoreThreshold: 0.5,
		SearchTopK:     10,
	}

	mock.ExpectExec("UPDATE settings").
		WithArgs(s.EmbedProvider, s.OpenAIAPIKey, s.GeminiAPIKey, s.ScoreThreshold, s.SearchTopK).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Update(context.Background(), s)
	assert.NoError(t, err)
}
