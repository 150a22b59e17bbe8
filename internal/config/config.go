package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all environmentally dependent settings for the coordinator.
// Everything downstream receives this as a structured value at construction;
// nothing else reads the environment.
type Config struct {
	LogLevel  string
	LogFormat string // "text" or "json"

	// Relational store (also hosts saga records, archive index, uploads)
	SQLiteDSN string

	// Blob store
	BlobBaseURL string
	BlobTimeout time.Duration

	// Qdrant vector DB
	QdrantHost       string
	QdrantPort       int
	QdrantCollection string
	VectorSize       int

	// Neo4j graph DB
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Embeddings
	GeminiAPIKey      string
	EmbeddingModel    string
	EmbeddingBatch    int
	EmbeddingDisabled bool

	Cache      CacheConfig
	Saga       SagaConfig
	Batch      BatchConfig
	Query      QueryConfig
	RateLimit  RateLimitConfig
	Streaming  StreamingConfig
	Archive    ArchiveConfig
	Audit      AuditConfig
	Resilience ResilienceConfig
}

// CacheConfig controls the single-record read cache.
type CacheConfig struct {
	Capacity      int
	DefaultTTL    time.Duration
	Partitions    int
	SweepInterval time.Duration
}

// SagaConfig controls step retry, id locking and crash recovery.
type SagaConfig struct {
	StepMaxAttempts   int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	IDLockMode        string // "wait" or "fail_fast"
	RecoveryInterval  time.Duration
	LeaseTTL          time.Duration
}

// BatchConfig controls fan-out deadlines.
type BatchConfig struct {
	DefaultTimeout          time.Duration
	PerBackendTimeoutFrac   float64
	TransientRetryAttempts  int
	TransientRetryBaseDelay time.Duration
}

// QueryConfig controls the polyglot planner.
type QueryConfig struct {
	MaxSequentialIDs int
}

// RateLimitConfig carries per-role token bucket parameters.
type RateLimitConfig struct {
	RefillPerSec map[string]float64
	Burst        map[string]int
}

// StreamingConfig controls chunked uploads.
type StreamingConfig struct {
	ChunkSize int64
	UploadTTL time.Duration
}

// ArchiveConfig controls the retention sweep loop.
type ArchiveConfig struct {
	SweepInterval time.Duration
}

// AuditConfig controls the async audit buffer.
type AuditConfig struct {
	BufferSize     int
	OverflowPolicy string // "drop_oldest" or "drop_newest"
}

// ResilienceConfig parameterizes the per-backend circuit breakers.
type ResilienceConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Validate ensures required settings are present and modes are recognized.
func (c *Config) Validate() error {
	if c.SQLiteDSN == "" {
		return fmt.Errorf("POLYDOC_SQLITE_DSN is required")
	}
	if !c.EmbeddingDisabled && c.GeminiAPIKey == "" {
		return fmt.Errorf("POLYDOC_GEMINI_API_KEY is required unless POLYDOC_EMBEDDING_DISABLED is set")
	}
	switch c.Saga.IDLockMode {
	case "wait", "fail_fast":
	default:
		return fmt.Errorf("POLYDOC_SAGA_ID_LOCK_MODE must be wait or fail_fast, got %q", c.Saga.IDLockMode)
	}
	switch c.Audit.OverflowPolicy {
	case "drop_oldest", "drop_newest":
	default:
		return fmt.Errorf("POLYDOC_AUDIT_OVERFLOW_POLICY must be drop_oldest or drop_newest, got %q", c.Audit.OverflowPolicy)
	}
	if c.Batch.PerBackendTimeoutFrac <= 0 || c.Batch.PerBackendTimeoutFrac > 1 {
		return fmt.Errorf("POLYDOC_BATCH_TIMEOUT_FRAC must be in (0,1], got %v", c.Batch.PerBackendTimeoutFrac)
	}
	if c.Cache.Partitions < 1 {
		return fmt.Errorf("POLYDOC_CACHE_PARTITIONS must be >= 1, got %d", c.Cache.Partitions)
	}
	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("POLYDOC_BREAKER_FAILURE_THRESHOLD must be >= 1, got %d", c.Resilience.FailureThreshold)
	}
	return nil
}

// Load reads settings from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:  getEnv("POLYDOC_LOG_LEVEL", "info"),
		LogFormat: getEnv("POLYDOC_LOG_FORMAT", "text"),

		SQLiteDSN: getEnv("POLYDOC_SQLITE_DSN", "file:polydoc.db?cache=shared"),

		BlobBaseURL: getEnv("POLYDOC_BLOB_BASE_URL", "http://localhost:9020"),
		BlobTimeout: getEnvDuration("POLYDOC_BLOB_TIMEOUT_SEC", 30) * time.Second,

		QdrantHost:       getEnv("POLYDOC_QDRANT_HOST", "localhost"),
		QdrantPort:       getEnvInt("POLYDOC_QDRANT_PORT", 6334),
		QdrantCollection: getEnv("POLYDOC_QDRANT_COLLECTION", "polydoc"),
		VectorSize:       getEnvInt("POLYDOC_VECTOR_SIZE", 768),

		Neo4jURI:      getEnv("POLYDOC_NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:     getEnv("POLYDOC_NEO4J_USER", "neo4j"),
		Neo4jPassword: getEnv("POLYDOC_NEO4J_PASSWORD", "polydoc_dev"),

		GeminiAPIKey:      getEnv("POLYDOC_GEMINI_API_KEY", ""),
		EmbeddingModel:    getEnv("POLYDOC_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingBatch:    getEnvInt("POLYDOC_EMBEDDING_BATCH", 100),
		EmbeddingDisabled: getEnvBool("POLYDOC_EMBEDDING_DISABLED", false),

		Cache: CacheConfig{
			Capacity:      getEnvInt("POLYDOC_CACHE_CAPACITY", 10000),
			DefaultTTL:    getEnvDuration("POLYDOC_CACHE_TTL_SEC", 300) * time.Second,
			Partitions:    getEnvInt("POLYDOC_CACHE_PARTITIONS", 16),
			SweepInterval: getEnvDuration("POLYDOC_CACHE_SWEEP_SEC", 60) * time.Second,
		},
		Saga: SagaConfig{
			StepMaxAttempts:   getEnvInt("POLYDOC_SAGA_STEP_MAX_ATTEMPTS", 3),
			BackoffInitial:    getEnvDuration("POLYDOC_SAGA_BACKOFF_INITIAL_MS", 100) * time.Millisecond,
			BackoffMultiplier: getEnvFloat("POLYDOC_SAGA_BACKOFF_MULTIPLIER", 2.0),
			BackoffMax:        getEnvDuration("POLYDOC_SAGA_BACKOFF_MAX_MS", 5000) * time.Millisecond,
			IDLockMode:        getEnv("POLYDOC_SAGA_ID_LOCK_MODE", "wait"),
			RecoveryInterval:  getEnvDuration("POLYDOC_SAGA_RECOVERY_SCAN_SEC", 30) * time.Second,
			LeaseTTL:          getEnvDuration("POLYDOC_SAGA_LEASE_TTL_SEC", 60) * time.Second,
		},
		Batch: BatchConfig{
			DefaultTimeout:          getEnvDuration("POLYDOC_BATCH_TIMEOUT_SEC", 10) * time.Second,
			PerBackendTimeoutFrac:   getEnvFloat("POLYDOC_BATCH_TIMEOUT_FRAC", 0.9),
			TransientRetryAttempts:  getEnvInt("POLYDOC_BATCH_RETRY_ATTEMPTS", 3),
			TransientRetryBaseDelay: getEnvDuration("POLYDOC_BATCH_RETRY_BASE_MS", 50) * time.Millisecond,
		},
		Query: QueryConfig{
			MaxSequentialIDs: getEnvInt("POLYDOC_QUERY_MAX_SEQUENTIAL_IDS", 10000),
		},
		RateLimit: RateLimitConfig{
			RefillPerSec: map[string]float64{
				"system":   getEnvFloat("POLYDOC_RATELIMIT_SYSTEM_REFILL", 1000),
				"admin":    getEnvFloat("POLYDOC_RATELIMIT_ADMIN_REFILL", 100),
				"service":  getEnvFloat("POLYDOC_RATELIMIT_SERVICE_REFILL", 200),
				"user":     getEnvFloat("POLYDOC_RATELIMIT_USER_REFILL", 20),
				"readonly": getEnvFloat("POLYDOC_RATELIMIT_READONLY_REFILL", 50),
			},
			Burst: map[string]int{
				"system":   getEnvInt("POLYDOC_RATELIMIT_SYSTEM_BURST", 2000),
				"admin":    getEnvInt("POLYDOC_RATELIMIT_ADMIN_BURST", 200),
				"service":  getEnvInt("POLYDOC_RATELIMIT_SERVICE_BURST", 400),
				"user":     getEnvInt("POLYDOC_RATELIMIT_USER_BURST", 40),
				"readonly": getEnvInt("POLYDOC_RATELIMIT_READONLY_BURST", 100),
			},
		},
		Streaming: StreamingConfig{
			ChunkSize: int64(getEnvInt("POLYDOC_STREAMING_CHUNK_SIZE", 4<<20)),
			UploadTTL: getEnvDuration("POLYDOC_STREAMING_UPLOAD_TTL_SEC", 86400) * time.Second,
		},
		Archive: ArchiveConfig{
			SweepInterval: getEnvDuration("POLYDOC_ARCHIVE_SWEEP_SEC", 3600) * time.Second,
		},
		Audit: AuditConfig{
			BufferSize:     getEnvInt("POLYDOC_AUDIT_BUFFER_SIZE", 4096),
			OverflowPolicy: getEnv("POLYDOC_AUDIT_OVERFLOW_POLICY", "drop_oldest"),
		},
		Resilience: ResilienceConfig{
			FailureThreshold: getEnvInt("POLYDOC_BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         getEnvDuration("POLYDOC_BREAKER_COOLDOWN_SEC", 10) * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return fallback
}

func getEnvDuration(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback))
}

func getEnvInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return fallback
	}
	return value
}
