package settings

import (
	"context"
	"fmt"
)

type Settings struct {
	ID             int     `json:"-"`
	EmbedProvider  string  `json:"embed_provider"`
	OpenAIAPIKey   string  `json:"openai_api_key"`
	GeminiAPIKey   string  `json:"gemini_api_key"`
	ScoreThreshold float64 `json:"score_threshold"`
	SearchTopK     int     `json:"search_top_k"`
}

func (s *Settings) Validate() error {
	switch s.EmbedProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown embed provider %q", s.EmbedProvider)
	}
	if s.ScoreThreshold < 0 || s.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold must be within [0, 1]")
	}
	if s.SearchTopK < 1 {
		return fmt.Errorf("search top k must be positive")
	}
	return nil
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	return s.repo.Update(ctx, set)
}
