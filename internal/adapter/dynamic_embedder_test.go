package adapter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"corpora/internal/adapter"
	"corpora/internal/settings"
)

type MockSettingsRepo struct {
	mock.Mock
}

func (m *MockSettingsRepo) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

func (m *MockSettingsRepo) Update(ctx context.Context, s *settings.Settings) error {
	return m.Called(ctx, s).Error(0)
}

func TestDynamicEmbedder_MissingKey(t *testing.T) {
	repo := new(MockSettingsRepo)
	repo.On("Get", mock.Anything).Return(&settings.Settings{EmbedProvider: "gemini"}, nil)

	e := adapter.NewDynamicEmbedder(settings.NewService(repo), "")

	vec, err := e.Embed(context.Background(), "hello")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gemini api key not configured")
	assert.Nil(t, vec)
}

func TestDynamicEmbedder_UnknownProvider(t *testing.T) {
	repo := new(MockSettingsRepo)
	repo.On("Get", mock.Anything).Return(&settings.Settings{EmbedProvider: "cohere", OpenAIAPIKey: "k"}, nil)

	e := adapter.NewDynamicEmbedder(settings.NewService(repo), "")

	_, err := e.EmbedBatch(context.Background(), []string{"a"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown embed provider")
}

func TestDynamicEmbedder_SettingsUnavailable(t *testing.T) {
	repo := new(MockSettingsRepo)
	repo.On("Get", mock.Anything).Return(nil, errors.New("db down"))

	e := adapter.NewDynamicEmbedder(settings.NewService(repo), "")

	_, err := e.Embed(context.Background(), "hello")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get settings")
}
