package adapter

import (
	"context"
	"fmt"
	"sync"

	"corpora/internal/adapter/gemini"
	"corpora/internal/adapter/openai"
	"corpora/internal/settings"
)

// DynamicEmbedder routes embedding calls to the provider named in the
// settings row, rebuilding the client when the key or provider changes.
type DynamicEmbedder struct {
	settingsSvc *settings.Service
	openAIModel string

	mu         sync.RWMutex
	provider   string
	currentKey string
	openaiImpl *openai.Embedder
	geminiImpl *gemini.Embedder
}

type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

func NewDynamicEmbedder(svc *settings.Service, openAIModel string) *DynamicEmbedder {
	return &DynamicEmbedder{settingsSvc: svc, openAIModel: openAIModel}
}

func (e *DynamicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	impl, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return impl.Embed(ctx, text)
}

func (e *DynamicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	impl, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return impl.EmbedBatch(ctx, texts)
}

func (e *DynamicEmbedder) resolve(ctx context.Context) (embedder, error) {
	s, err := e.settingsSvc.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	var key string
	switch s.EmbedProvider {
	case "openai":
		key = s.OpenAIAPIKey
	case "gemini":
		key = s.GeminiAPIKey
	default:
		return nil, fmt.Errorf("unknown embed provider %q", s.EmbedProvider)
	}
	if key == "" {
		return nil, fmt.Errorf("%s api key not configured", s.EmbedProvider)
	}

	e.mu.RLock()
	if impl := e.cached(s.EmbedProvider, key); impl != nil {
		e.mu.RUnlock()
		return impl, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if impl := e.cached(s.EmbedProvider, key); impl != nil {
		return impl, nil
	}

	if e.geminiImpl != nil {
		_ = e.geminiImpl.Close()
		e.geminiImpl = nil
	}
	e.openaiImpl = nil

	switch s.EmbedProvider {
	case "openai":
		e.openaiImpl = openai.NewEmbedder(key, e.openAIModel)
	case "gemini":
		impl, err := gemini.NewEmbedder(ctx, key)
		if err != nil {
			return nil, err
		}
		e.geminiImpl = impl
	}

	e.provider = s.EmbedProvider
	e.currentKey = key
	return e.cached(s.EmbedProvider, key), nil
}

func (e *DynamicEmbedder) cached(provider, key string) embedder {
	if e.provider != provider || e.currentKey != key {
		return nil
	}
	switch provider {
	case "openai":
		if e.openaiImpl != nil {
			return e.openaiImpl
		}
	case "gemini":
		if e.geminiImpl != nil {
			return e.geminiImpl
		}
	}
	return nil
}
