package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"corpora/features/document"
	"corpora/internal/settings"
	"corpora/internal/vectorindex"
)

// Verdict is the suitability judgement over the retrieved passages.
type Verdict struct {
	Suitable       bool    `json:"is_suitable"`
	Reason         string  `json:"reason"`
	RelevanceScore float64 `json:"relevance_score"`
	SufficientInfo bool    `json:"has_sufficient_info"`
}

type Passage struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	ChunkIndex  int     `json:"chunk_index"`
	Title       string  `json:"title,omitempty"`
	HeadingPath string  `json:"heading_path,omitempty"`
	SourceURL   string  `json:"source_url,omitempty"`
	SourceKind  string  `json:"source_kind,omitempty"`
	Text        string  `json:"text"`
	Score       float32 `json:"score"`
}

// Result is produced for every search, accepted or declined. A decline
// is a normal outcome, not an error.
type Result struct {
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
	TopScore float32   `json:"top_score"`
	Passages []Passage `json:"passages"`
}

type SearchOptions struct {
	Limit *int
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	Query(ctx context.Context, vector []float32, topK int) ([]vectorindex.Match, error)
}

// ChunkTexts resolves the durable, untruncated chunk text. The copy
// carried in index metadata is capped and only used as a fallback.
type ChunkTexts interface {
	GetText(ctx context.Context, documentID string, chunkIndex int) (string, error)
}

type Judge interface {
	Judge(ctx context.Context, query string, passages []string) (*Verdict, error)
}

type Service struct {
	embedder Embedder
	index    Index
	chunks   ChunkTexts
	judge    Judge
	settings *settings.Service
	logger   *QueryLogger
}

func NewService(e Embedder, idx Index, c ChunkTexts, j Judge, set *settings.Service, l *QueryLogger) *Service {
	return &Service{embedder: e, index: idx, chunks: c, judge: j, settings: set, logger: l}
}

func (s *Service) Search(ctx context.Context, query string, opts *SearchOptions) (*Result, error) {
	start := time.Now()
	var result *Result
	var err error

	defer func() {
		if s.logger != nil && err == nil {
			entry := QueryLogEntry{
				Query:    query,
				Duration: time.Since(start),
			}
			if result != nil {
				entry.NumResults = len(result.Passages)
				entry.Accepted = result.Accepted
				entry.Verdict = result.Reason
			}
			s.logger.Log(entry)
		}
	}()

	cfg, cfgErr := s.settings.Get(ctx)
	if cfgErr != nil {
		cfg = &settings.Settings{ScoreThreshold: 0.35, SearchTopK: 5}
	}

	limit := cfg.SearchTopK
	if opts != nil && opts.Limit != nil {
		limit = *opts.Limit
	}

	// 1. Embed the query
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// 2. Nearest-neighbour search
	matches, err := s.index.Query(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		result = &Result{Accepted: false, Reason: "no indexed content matched the query"}
		return result, nil
	}

	// 3. Rehydrate passages from the durable store
	passages := make([]Passage, 0, len(matches))
	for _, m := range matches {
		p := Passage{
			ChunkID:     m.ID,
			DocumentID:  m.Metadata.DocumentID,
			ChunkIndex:  m.Metadata.ChunkIndex,
			Title:       m.Metadata.Title,
			HeadingPath: m.Metadata.HeadingPath,
			SourceURL:   m.Metadata.SourceURL,
			SourceKind:  m.Metadata.SourceKind,
			Score:       m.Score,
		}
		text, textErr := s.chunks.GetText(ctx, m.Metadata.DocumentID, m.Metadata.ChunkIndex)
		switch {
		case textErr == nil:
			p.Text = text
		case errors.Is(textErr, document.ErrNotFound):
			// Row already gone, likely mid-removal. Serve the indexed copy.
			p.Text = m.Metadata.Text
		default:
			err = textErr
			return nil, err
		}
		passages = append(passages, p)
	}

	topScore := passages[0].Score
	for _, p := range passages[1:] {
		if p.Score > topScore {
			topScore = p.Score
		}
	}

	// 4. Suitability gate
	accepted, reason := s.gate(ctx, query, passages, topScore, cfg.ScoreThreshold)

	result = &Result{
		Accepted: accepted,
		Reason:   reason,
		TopScore: topScore,
		Passages: passages,
	}
	return result, nil
}

// gate decides whether the retrieved passages are fit to answer the
// query. The judge can be overruled by a strong similarity score, and a
// judge failure degrades to the score rule alone.
func (s *Service) gate(ctx context.Context, query string, passages []Passage, topScore float32, threshold float64) (bool, string) {
	if s.judge == nil {
		if float64(topScore) >= threshold {
			return true, "accepted on similarity score, no judge configured"
		}
		return false, "declined on similarity score, no judge configured"
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}

	verdict, err := s.judge.Judge(ctx, query, texts)
	if err != nil {
		slog.WarnContext(ctx, "suitability judge unavailable, falling back to score rule", "error", err)
		if float64(topScore) >= threshold {
			return true, "accepted on similarity score, judge unavailable"
		}
		return false, "declined on similarity score, judge unavailable"
	}

	if verdict.Suitable && verdict.SufficientInfo {
		return true, verdict.Reason
	}
	if verdict.Suitable && float64(topScore) >= threshold {
		return true, verdict.Reason
	}
	if verdict.Reason != "" {
		return false, verdict.Reason
	}
	return false, "retrieved content not suitable for the query"
}
