package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/smriti-backend/internal/clients/redis"
	"github.com/yungbote/smriti-backend/internal/jobs/scheduler"
	"github.com/yungbote/smriti-backend/internal/jobs/worker"
	"github.com/yungbote/smriti-backend/internal/modules/graph/steps"
	"github.com/yungbote/smriti-backend/internal/platform/neo4jdb"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
)

type Config struct {
	LogMode            string `env:"LOG_MODE" envDefault:"development" validate:"oneof=development production prod test"`
	ServiceName        string `env:"SERVICE_NAME" envDefault:"smriti" validate:"required"`
	OpsAddr            string `env:"OPS_ADDR" envDefault:":9090"`
	PipelineConfigFile string `env:"PIPELINE_CONFIG_FILE"`

	DB       DBConfig       `envPrefix:"DB_"`
	Pipeline PipelineConfig `envPrefix:"PIPELINE_"`
	Guard    GuardConfig    `envPrefix:"AI_GUARD_"`

	// Only the pipeline stages need these; RequireAI checks them.
	OpenAI     OpenAIConfig     `envPrefix:"OPENAI_" validate:"-"`
	Encryption EncryptionConfig `envPrefix:"ENCRYPTION_" validate:"-"`

	Worker    worker.Config    `envPrefix:"WORKER_"`
	Scheduler scheduler.Config `envPrefix:"SCHEDULER_"`
	Redis     redis.Config     `envPrefix:"REDIS_"`
	Neo4j     neo4jdb.Config   `envPrefix:"NEO4J_"`
	Metrics   MetricsConfig    `envPrefix:"METRICS_"`
	OTel      OTelConfig       `envPrefix:"OTEL_"`
}

type DBConfig struct {
	Driver          string        `env:"DRIVER" envDefault:"sqlite" validate:"oneof=postgres postgresql pg sqlite sqlite3"`
	DSN             string        `env:"DSN" envDefault:"file:smriti.db?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL" validate:"required"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"warn"`
}

type OpenAIConfig struct {
	APIKey        string        `env:"API_KEY" validate:"required"`
	BaseURL       string        `env:"BASE_URL"`
	Model         string        `env:"MODEL" envDefault:"gpt-4o-mini"`
	EmbedModel    string        `env:"EMBED_MODEL" envDefault:"text-embedding-3-small"`
	Dimension     int           `env:"EMBED_DIMENSION" envDefault:"1536" validate:"gte=0"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"60s"`
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3" validate:"gte=0"`
	MaxInputChars int           `env:"MAX_INPUT_CHARS" envDefault:"8000"`
}

type EncryptionConfig struct {
	MasterKey string `env:"MASTER_KEY" validate:"required,base64"`
}

type GuardConfig struct {
	RequestsPerSecond float64       `env:"RPS" envDefault:"5" validate:"gt=0"`
	Burst             int           `env:"BURST" envDefault:"10" validate:"gte=1"`
	FailureThreshold  float64       `env:"FAILURE_THRESHOLD" envDefault:"0.6" validate:"gt=0,lte=1"`
	OpenTimeout       time.Duration `env:"OPEN_TIMEOUT" envDefault:"30s"`
}

// PipelineConfig is the stage tuning. PIPELINE_CONFIG_FILE may override it
// with a YAML document of the same shape.
type PipelineConfig struct {
	Lease      LeaseConfig      `envPrefix:"LEASE_" yaml:"lease"`
	Embedding  EmbeddingConfig  `envPrefix:"EMBED_" yaml:"embedding"`
	Edges      EdgeConfig       `envPrefix:"EDGE_" yaml:"edges"`
	Reflection ReflectionConfig `envPrefix:"REFLECT_" yaml:"reflection"`
}

type LeaseConfig struct {
	TTL         time.Duration `env:"TTL" envDefault:"5m" yaml:"ttl" validate:"gt=0"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5" yaml:"max_attempts" validate:"gte=1"`
	BaseBackoff time.Duration `env:"BASE_BACKOFF" envDefault:"30s" yaml:"base_backoff"`
	MaxBackoff  time.Duration `env:"MAX_BACKOFF" envDefault:"30m" yaml:"max_backoff"`
}

type EmbeddingConfig struct {
	BatchSize     int `env:"BATCH_SIZE" envDefault:"50" yaml:"batch_size" validate:"gte=1"`
	Concurrency   int `env:"CONCURRENCY" envDefault:"4" yaml:"concurrency" validate:"gte=1"`
	MinTextLength int `env:"MIN_TEXT_LENGTH" envDefault:"3" yaml:"min_text_length" validate:"gte=0"`
}

type EdgeConfig struct {
	BatchSize   int              `env:"BATCH_SIZE" envDefault:"20" yaml:"batch_size" validate:"gte=1"`
	Concurrency int              `env:"CONCURRENCY" envDefault:"4" yaml:"concurrency" validate:"gte=1"`
	Params      steps.EdgeParams `yaml:",inline"`
}

type ReflectionConfig struct {
	BatchSizePerUser int  `env:"BATCH_SIZE_PER_USER" envDefault:"5" yaml:"batch_size_per_user" validate:"gte=1"`
	OverallBatchSize int  `env:"OVERALL_BATCH_SIZE" envDefault:"50" yaml:"overall_batch_size" validate:"gte=1"`
	Clustering       bool `env:"CLUSTERING" envDefault:"true" yaml:"clustering"`
}

type MetricsConfig struct {
	Enabled         bool          `env:"ENABLED" envDefault:"true"`
	Namespace       string        `env:"NAMESPACE" envDefault:"smriti"`
	BacklogInterval time.Duration `env:"BACKLOG_INTERVAL" envDefault:"30s"`
}

type OTelConfig struct {
	Enabled     bool    `env:"ENABLED" envDefault:"false"`
	Endpoint    string  `env:"ENDPOINT"`
	Insecure    bool    `env:"INSECURE" envDefault:"false"`
	SampleRatio float64 `env:"SAMPLE_RATIO" envDefault:"1" validate:"gte=0,lte=1"`
	Environment string  `env:"ENVIRONMENT" envDefault:"local"`
	Version     string  `env:"SERVICE_VERSION" envDefault:"dev"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads .env when present, then the process environment, then
// the optional pipeline YAML overlay.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return loadConfig(env.Options{})
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("%w: %v", apperr.ErrMissingConfig, err)
	}
	if path := strings.TrimSpace(cfg.PipelineConfigFile); path != "" {
		if err := overlayPipeline(&cfg.Pipeline, path); err != nil {
			return cfg, err
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", apperr.ErrMissingConfig, err)
	}
	return cfg, nil
}

// overlayPipeline decodes onto the env-derived values, so keys absent from
// the file keep their current setting.
func overlayPipeline(p *PipelineConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read pipeline config: %v", apperr.ErrMissingConfig, err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return fmt.Errorf("%w: parse pipeline config %s: %v", apperr.ErrMissingConfig, path, err)
	}
	return nil
}

// RequireAI reports the settings the pipeline stages cannot run without.
func (c Config) RequireAI() error {
	if err := validate.Struct(c.OpenAI); err != nil {
		return fmt.Errorf("%w: openai: %v", apperr.ErrMissingConfig, err)
	}
	if err := validate.Struct(c.Encryption); err != nil {
		return fmt.Errorf("%w: encryption: %v", apperr.ErrMissingConfig, err)
	}
	return nil
}
