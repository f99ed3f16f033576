package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/graphrecall/internal/data/db"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/embedding"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/graphbuild"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/synthesis"
	"github.com/yungbote/graphrecall/internal/observability"
	"github.com/yungbote/graphrecall/internal/platform/envutil"
	"github.com/yungbote/graphrecall/internal/platform/neo4jdb"
	"github.com/yungbote/graphrecall/internal/platform/openai"
	"github.com/yungbote/graphrecall/internal/platform/redisx"
)

// Config is read from the environment first. Tuning sections may then be overridden
// by the YAML file named in GRAPHRECALL_CONFIG_FILE; connection settings and secrets
// are environment only.
type Config struct {
	LogMode string `yaml:"-"`

	DB     db.Config                `yaml:"-"`
	Neo4j  neo4jdb.Config           `yaml:"-"`
	Redis  redisx.Config            `yaml:"-"`
	OpenAI openai.Config            `yaml:"-"`
	Otel   observability.OtelConfig `yaml:"-"`

	Synthesis SynthesisConfig `yaml:"synthesis"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Review    ReviewConfig    `yaml:"review"`
	Graph     GraphConfig     `yaml:"graph"`
}

type SynthesisConfig struct {
	Admission          float64       `yaml:"admission"`
	TopK               int           `yaml:"top_k"`
	DuplicateThreshold float64       `yaml:"duplicate_threshold"`
	EnhanceThreshold   float64       `yaml:"enhance_threshold"`
	Concurrency        int           `yaml:"concurrency"`
	AdjudicatorEnabled bool          `yaml:"adjudicator_enabled"`
	AdjudicatorTimeout time.Duration `yaml:"adjudicator_timeout"`
	BreakerMaxFailures int           `yaml:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

type EmbeddingConfig struct {
	BatchSize   int     `yaml:"batch_size"`
	Concurrency int     `yaml:"concurrency"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
	Burst       int     `yaml:"burst"`
	CacheSize   int     `yaml:"cache_size"`
}

type ReviewConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	Mode             string        `yaml:"mode"`
	ReviewConfidence float64       `yaml:"review_confidence"`
	LocalCacheSize   int           `yaml:"local_cache_size"`
}

type GraphConfig struct {
	PrerequisiteStrength float64 `yaml:"prerequisite_strength"`
	RelatedStrength      float64 `yaml:"related_strength"`
	SubtopicStrength     float64 `yaml:"subtopic_strength"`
	RelationStrength     float64 `yaml:"relation_strength"`
	DocumentRelevance    float64 `yaml:"document_relevance"`
}

func LoadConfig() (Config, error) {
	cfg := Config{
		LogMode: envutil.String("LOG_MODE", "development"),
		DB: db.Config{
			DSN:        envutil.String("POSTGRES_DSN", ""),
			Host:       envutil.String("POSTGRES_HOST", ""),
			Port:       envutil.String("POSTGRES_PORT", "5432"),
			User:       envutil.String("POSTGRES_USER", "postgres"),
			Password:   envutil.String("POSTGRES_PASSWORD", ""),
			Name:       envutil.String("POSTGRES_NAME", "graphrecall"),
			SQLitePath: envutil.String("SQLITE_PATH", "graphrecall.db"),
		},
		Neo4j: neo4jdb.Config{
			URI:         envutil.String("NEO4J_URI", ""),
			User:        envutil.String("NEO4J_USER", "neo4j"),
			Password:    envutil.String("NEO4J_PASSWORD", ""),
			Database:    envutil.String("NEO4J_DATABASE", ""),
			Timeout:     envutil.Duration("NEO4J_TIMEOUT", 10*time.Second),
			MaxPoolSize: envutil.Int("NEO4J_MAX_POOL_SIZE", 50),
		},
		Redis: redisx.Config{
			Addr:     envutil.String("REDIS_ADDR", ""),
			Password: envutil.String("REDIS_PASSWORD", ""),
			DB:       envutil.Int("REDIS_DB", 0),
			Prefix:   envutil.String("REDIS_PREFIX", "graphrecall"),
		},
		OpenAI: openai.Config{
			APIKey:     envutil.String("OPENAI_API_KEY", ""),
			BaseURL:    envutil.String("OPENAI_BASE_URL", "https://api.openai.com"),
			Model:      envutil.String("OPENAI_MODEL", "gpt-4.1-mini"),
			EmbedModel: envutil.String("OPENAI_EMBED_MODEL", "text-embedding-3-small"),
			Timeout:    envutil.Duration("OPENAI_TIMEOUT", 60*time.Second),
			MaxRetries: envutil.Int("OPENAI_MAX_RETRIES", 4),
		},
		Otel: observability.OtelConfig{
			Enabled:     envutil.Bool("OTEL_ENABLED", false),
			ServiceName: envutil.String("OTEL_SERVICE_NAME", "graphrecall"),
			Environment: envutil.String("OTEL_ENVIRONMENT", ""),
			Version:     envutil.String("OTEL_SERVICE_VERSION", ""),
			Endpoint:    envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:     observability.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Insecure:    envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio: envutil.Float("OTEL_SAMPLE_RATIO", 0.1),
		},
		Synthesis: SynthesisConfig{
			Admission:          envutil.Float("SYNTHESIS_ADMISSION", 0.3),
			TopK:               envutil.Int("SYNTHESIS_TOP_K", 5),
			DuplicateThreshold: envutil.Float("SYNTHESIS_DUPLICATE_THRESHOLD", 0.95),
			EnhanceThreshold:   envutil.Float("SYNTHESIS_ENHANCE_THRESHOLD", 0.8),
			Concurrency:        envutil.Int("SYNTHESIS_CONCURRENCY", 4),
			AdjudicatorEnabled: envutil.Bool("SYNTHESIS_ADJUDICATOR_ENABLED", true),
			AdjudicatorTimeout: envutil.Duration("SYNTHESIS_ADJUDICATOR_TIMEOUT", 20*time.Second),
			BreakerMaxFailures: envutil.Int("SYNTHESIS_BREAKER_MAX_FAILURES", 5),
			BreakerOpenTimeout: envutil.Duration("SYNTHESIS_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Embedding: EmbeddingConfig{
			BatchSize:   envutil.Int("EMBEDDING_BATCH_SIZE", 64),
			Concurrency: envutil.Int("EMBEDDING_CONCURRENCY", 4),
			RatePerSec:  envutil.Float("EMBEDDING_RATE_PER_SEC", 0),
			Burst:       envutil.Int("EMBEDDING_BURST", 0),
			CacheSize:   envutil.Int("EMBEDDING_CACHE_SIZE", 4096),
		},
		Review: ReviewConfig{
			TTL:              envutil.Duration("REVIEW_TTL", 24*time.Hour),
			Mode:             envutil.String("REVIEW_MODE", "auto"),
			ReviewConfidence: envutil.Float("REVIEW_CONFIDENCE", 0.85),
			LocalCacheSize:   envutil.Int("REVIEW_LOCAL_CACHE_SIZE", 1024),
		},
		Graph: GraphConfig{
			PrerequisiteStrength: envutil.Float("GRAPH_PREREQUISITE_STRENGTH", 0.9),
			RelatedStrength:      envutil.Float("GRAPH_RELATED_STRENGTH", 0.7),
			SubtopicStrength:     envutil.Float("GRAPH_SUBTOPIC_STRENGTH", 0.8),
			RelationStrength:     envutil.Float("GRAPH_RELATION_STRENGTH", 0.7),
			DocumentRelevance:    envutil.Float("GRAPH_DOCUMENT_RELEVANCE", 0.8),
		},
	}

	if path := strings.TrimSpace(os.Getenv("GRAPHRECALL_CONFIG_FILE")); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// overlayFile decodes onto the env-loaded config, so keys absent from the file keep
// their current values.
func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c SynthesisConfig) resolver() synthesis.Config {
	return synthesis.Config{
		Admission:          c.Admission,
		TopK:               c.TopK,
		DuplicateThreshold: c.DuplicateThreshold,
		EnhanceThreshold:   c.EnhanceThreshold,
		AdjudicatorTimeout: c.AdjudicatorTimeout,
		Concurrency:        c.Concurrency,
	}
}

func (c SynthesisConfig) breaker() synthesis.BreakerConfig {
	failures := c.BreakerMaxFailures
	if failures < 0 {
		failures = 0
	}
	return synthesis.BreakerConfig{MaxFailures: uint32(failures), OpenTimeout: c.BreakerOpenTimeout}
}

func (c EmbeddingConfig) index() embedding.Config {
	return embedding.Config{
		BatchSize:   c.BatchSize,
		Concurrency: c.Concurrency,
		RatePerSec:  c.RatePerSec,
		Burst:       c.Burst,
		CacheSize:   c.CacheSize,
	}
}

func (c GraphConfig) builder() graphbuild.Config {
	return graphbuild.Config{
		PrerequisiteStrength: c.PrerequisiteStrength,
		RelatedStrength:      c.RelatedStrength,
		SubtopicStrength:     c.SubtopicStrength,
		RelationStrength:     c.RelationStrength,
		DocumentRelevance:    c.DocumentRelevance,
	}
}
