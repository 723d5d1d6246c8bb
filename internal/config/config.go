package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"corpora"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"corpora"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EmbedProvider string `envconfig:"EMBED_PROVIDER" default:"openai"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel   string `envconfig:"OPENAI_EMBED_MODEL" default:"text-embedding-3-small"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`

	// Batch caps follow provider limits, not tuning preference.
	EmbedBatchSize  int     `envconfig:"EMBED_BATCH_SIZE" default:"100"`
	UpsertBatchSize int     `envconfig:"UPSERT_BATCH_SIZE" default:"50"`
	EmbedWorkers    int     `envconfig:"EMBED_WORKERS" default:"4"`
	ProviderRPS     float64 `envconfig:"PROVIDER_RPS" default:"10"`
	RetryAttempts   int     `envconfig:"RETRY_ATTEMPTS" default:"3"`

	ChunkMaxSize  int `envconfig:"CHUNK_MAX_SIZE" default:"1200"`
	ChunkOverlap  int `envconfig:"CHUNK_OVERLAP" default:"200"`
	MaxChunkBound int `envconfig:"MAX_CHUNK_BOUND" default:"1000"`

	ScoreThreshold float64 `envconfig:"SCORE_THRESHOLD" default:"0.35"`
	SearchTopK     int     `envconfig:"SEARCH_TOP_K" default:"5"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath  string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	UploadDir     string `envconfig:"UPLOAD_DIR" default:"./uploads"`

	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may come from the shell instead; .env is optional.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.ChunkOverlap >= c.ChunkMaxSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be smaller than CHUNK_MAX_SIZE", ErrMissingRequired)
	}
	switch c.EmbedProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("%w: EMBED_PROVIDER must be openai or gemini", ErrMissingRequired)
	}
	return nil
}
