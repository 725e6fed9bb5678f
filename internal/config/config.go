package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Generator GeneratorConfig `yaml:"generator"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Drills    DrillConfig     `yaml:"drills"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           string        `yaml:"port"`
	JWTSecret      string        `yaml:"jwt_secret"`
	WorkerInterval time.Duration `yaml:"worker_interval"`
	WorkerBatch    int           `yaml:"worker_batch"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// URL returns the postgres:// form used by golang-migrate.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type GeneratorConfig struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
	Verify          bool    `yaml:"verify"`
	VerifyModel     string  `yaml:"verify_model"`
	CLIPath         string  `yaml:"cli_path"`
	AzureEndpoint   string  `yaml:"azure_endpoint"`
	AzureDeployment string  `yaml:"azure_deployment"`
	AzureAPIVersion string  `yaml:"azure_api_version"`
}

type RetrievalConfig struct {
	Embedder          string        `yaml:"embedder"`
	EmbedModel        string        `yaml:"embed_model"`
	EmbedAPIKey       string        `yaml:"embed_api_key"`
	HashDimensions    int           `yaml:"hash_dimensions"`
	Index             string        `yaml:"index"`
	SQLitePath        string        `yaml:"sqlite_path"`
	PineconeAPIKey    string        `yaml:"pinecone_api_key"`
	PineconeIndex     string        `yaml:"pinecone_index"`
	PineconeHost      string        `yaml:"pinecone_host"`
	PineconeNamespace string        `yaml:"pinecone_namespace"`
	RedisURL          string        `yaml:"redis_url"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkOverlap      int           `yaml:"chunk_overlap"`
	EmbedBatch        int           `yaml:"embed_batch"`
}

type SchedulerConfig struct {
	Exam                string  `yaml:"exam"`
	PerQuestion         int     `yaml:"per_question"`
	Ratio               float64 `yaml:"ratio"`
	AttemptMultiplier   int     `yaml:"attempt_multiplier"`
	MaxTopics           int     `yaml:"max_topics"`
	PoolMin             int     `yaml:"pool_min"`
	PoolMax             int     `yaml:"pool_max"`
	PoolHeadroom        float64 `yaml:"pool_headroom"`
	PrefetchConcurrency int     `yaml:"prefetch_concurrency"`
	BurnRejectedContext bool    `yaml:"burn_rejected_context"`
	FallbackTopic       string  `yaml:"fallback_topic"`
	AvoidStems          int     `yaml:"avoid_stems"`
}

// DrillConfig bounds learner review sessions and the KPI weekly goal.
type DrillConfig struct {
	MaxLength  int `yaml:"max_length"`
	WeeklyGoal int `yaml:"weekly_goal"`
}

type AuditConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Mode    string `yaml:"mode"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			JWTSecret:      "sqe-prep-dev-signing-key",
			WorkerInterval: 30 * time.Second,
			WorkerBatch:    2,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "sqe_user",
			Password: "sqe_password",
			Name:     "sqe_prep",
			SSLMode:  "disable",
		},
		Generator: GeneratorConfig{
			Provider:        "anthropic",
			Model:           "claude-sonnet-4-5-20250929",
			MaxTokens:       2048,
			Temperature:     0.7,
			CLIPath:         "claude",
			AzureAPIVersion: "2024-06-01",
		},
		Retrieval: RetrievalConfig{
			Embedder:       "openai",
			EmbedModel:     "text-embedding-3-small",
			HashDimensions: 256,
			Index:          "sqlite",
			SQLitePath:     "data/vectors.db",
			CacheTTL:       7 * 24 * time.Hour,
			ChunkSize:      180,
			ChunkOverlap:   40,
			EmbedBatch:     32,
		},
		Scheduler: SchedulerConfig{
			Exam:                "SQE1",
			PerQuestion:         3,
			Ratio:               0.8,
			AttemptMultiplier:   6,
			MaxTopics:           12,
			PoolMin:             24,
			PoolMax:             800,
			PoolHeadroom:        1.2,
			PrefetchConcurrency: 4,
			BurnRejectedContext: true,
			FallbackTopic:       "General",
			AvoidStems:          20,
		},
		Drills: DrillConfig{MaxLength: 200, WeeklyGoal: 150},
		Audit:  AuditConfig{Dir: "log"},
		Log:    LogConfig{Mode: "dev"},
	}
}

// Load layers defaults, an optional YAML file, .env and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = getEnv("JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.WorkerInterval = getEnvDuration("WORKER_INTERVAL", cfg.Server.WorkerInterval)

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnv("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnv("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Generator.Provider = getEnv("GENERATOR_PROVIDER", cfg.Generator.Provider)
	if os.Getenv("MOCK_GENERATOR") == "true" {
		cfg.Generator.Provider = "mock"
	}
	if os.Getenv("USE_CLI_GENERATOR") == "true" {
		cfg.Generator.Provider = "cli"
	}
	switch cfg.Generator.Provider {
	case "openai":
		cfg.Generator.Model = getEnv("OPENAI_MODEL", cfg.Generator.Model)
		cfg.Generator.APIKey = getEnv("OPENAI_API_KEY", cfg.Generator.APIKey)
	case "azure":
		cfg.Generator.APIKey = getEnv("AZURE_OPENAI_API_KEY", cfg.Generator.APIKey)
		cfg.Generator.AzureEndpoint = getEnv("AZURE_OPENAI_ENDPOINT", cfg.Generator.AzureEndpoint)
		cfg.Generator.AzureDeployment = getEnv("AZURE_OPENAI_DEPLOYMENT", cfg.Generator.AzureDeployment)
	default:
		cfg.Generator.Model = getEnv("ANTHROPIC_MODEL", cfg.Generator.Model)
		cfg.Generator.APIKey = getEnv("ANTHROPIC_API_KEY", cfg.Generator.APIKey)
	}
	cfg.Generator.CLIPath = getEnv("CLAUDE_CLI_PATH", cfg.Generator.CLIPath)
	cfg.Generator.Verify = getEnvBool("VERIFY_ITEMS", cfg.Generator.Verify)

	cfg.Retrieval.Embedder = getEnv("EMBEDDER", cfg.Retrieval.Embedder)
	cfg.Retrieval.EmbedModel = getEnv("EMBED_MODEL", cfg.Retrieval.EmbedModel)
	switch cfg.Retrieval.Embedder {
	case "openai":
		cfg.Retrieval.EmbedAPIKey = getEnv("OPENAI_API_KEY", cfg.Retrieval.EmbedAPIKey)
	case "genai":
		cfg.Retrieval.EmbedAPIKey = getEnv("GEMINI_API_KEY", cfg.Retrieval.EmbedAPIKey)
	}
	cfg.Retrieval.Index = getEnv("VECTOR_INDEX", cfg.Retrieval.Index)
	cfg.Retrieval.SQLitePath = getEnv("VECTOR_DB", cfg.Retrieval.SQLitePath)
	cfg.Retrieval.PineconeAPIKey = getEnv("PINECONE_API_KEY", cfg.Retrieval.PineconeAPIKey)
	cfg.Retrieval.PineconeIndex = getEnv("PINECONE_INDEX", cfg.Retrieval.PineconeIndex)
	cfg.Retrieval.PineconeHost = getEnv("PINECONE_HOST", cfg.Retrieval.PineconeHost)
	cfg.Retrieval.PineconeNamespace = getEnv("PINECONE_NAMESPACE", cfg.Retrieval.PineconeNamespace)
	cfg.Retrieval.RedisURL = getEnv("REDIS_URL", cfg.Retrieval.RedisURL)

	cfg.Scheduler.Exam = getEnv("EXAM_NAME", cfg.Scheduler.Exam)
	cfg.Scheduler.PerQuestion = getEnvInt("CONTEXT_CHUNKS", cfg.Scheduler.PerQuestion)
	cfg.Scheduler.AttemptMultiplier = getEnvInt("ATTEMPT_MULTIPLIER", cfg.Scheduler.AttemptMultiplier)

	cfg.Drills.WeeklyGoal = getEnvInt("DRILL_WEEKLY_GOAL", cfg.Drills.WeeklyGoal)

	cfg.Audit.Dir = getEnv("AUDIT_DIR", cfg.Audit.Dir)
	cfg.Log.Mode = getEnv("LOG_MODE", cfg.Log.Mode)
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []string
	s := c.Scheduler
	if s.PerQuestion < 1 {
		errs = append(errs, "scheduler.per_question must be >= 1")
	}
	if s.Ratio <= 0 || s.Ratio > 1 {
		errs = append(errs, "scheduler.ratio must be in (0, 1]")
	}
	if s.AttemptMultiplier < 1 {
		errs = append(errs, "scheduler.attempt_multiplier must be >= 1")
	}
	if s.MaxTopics < 1 {
		errs = append(errs, "scheduler.max_topics must be >= 1")
	}
	if s.PoolMin < 1 || s.PoolMax < s.PoolMin {
		errs = append(errs, "scheduler.pool_min/pool_max out of range")
	}
	if s.PoolHeadroom < 1 {
		errs = append(errs, "scheduler.pool_headroom must be >= 1")
	}
	if strings.TrimSpace(s.FallbackTopic) == "" {
		errs = append(errs, "scheduler.fallback_topic must not be empty")
	}
	if c.Drills.MaxLength < 1 || c.Drills.WeeklyGoal < 1 {
		errs = append(errs, "drills.max_length and drills.weekly_goal must be >= 1")
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		errs = append(errs, "retrieval.chunk_overlap must be smaller than chunk_size")
	}
	switch c.Generator.Provider {
	case "anthropic", "openai", "azure", "cli", "mock":
	default:
		errs = append(errs, fmt.Sprintf("unknown generator.provider %q", c.Generator.Provider))
	}
	switch c.Retrieval.Embedder {
	case "openai", "genai", "hash":
	default:
		errs = append(errs, fmt.Sprintf("unknown retrieval.embedder %q", c.Retrieval.Embedder))
	}
	switch c.Retrieval.Index {
	case "sqlite", "pinecone":
	default:
		errs = append(errs, fmt.Sprintf("unknown retrieval.index %q", c.Retrieval.Index))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
