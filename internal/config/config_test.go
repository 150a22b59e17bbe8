package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POLYDOC_EMBEDDING_DISABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "file:polydoc.db?cache=shared", cfg.SQLiteDSN)
	assert.Equal(t, 6334, cfg.QdrantPort)
	assert.Equal(t, 768, cfg.VectorSize)
	assert.Equal(t, "wait", cfg.Saga.IDLockMode)
	assert.Equal(t, 3, cfg.Saga.StepMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 16, cfg.Cache.Partitions)
	assert.Equal(t, int64(4<<20), cfg.Streaming.ChunkSize)
	assert.Equal(t, "drop_oldest", cfg.Audit.OverflowPolicy)
	assert.InDelta(t, 0.9, cfg.Batch.PerBackendTimeoutFrac, 1e-9)
	assert.Equal(t, 10000, cfg.Query.MaxSequentialIDs)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Resilience.Cooldown)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POLYDOC_EMBEDDING_DISABLED", "true")
	t.Setenv("POLYDOC_SAGA_ID_LOCK_MODE", "fail_fast")
	t.Setenv("POLYDOC_CACHE_CAPACITY", "512")
	t.Setenv("POLYDOC_RATELIMIT_USER_REFILL", "5.5")
	t.Setenv("POLYDOC_BATCH_TIMEOUT_SEC", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "fail_fast", cfg.Saga.IDLockMode)
	assert.Equal(t, 512, cfg.Cache.Capacity)
	assert.InDelta(t, 5.5, cfg.RateLimit.RefillPerSec["user"], 1e-9)
	assert.Equal(t, 3*time.Second, cfg.Batch.DefaultTimeout)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("POLYDOC_EMBEDDING_DISABLED", "true")
	t.Setenv("POLYDOC_QDRANT_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6334, cfg.QdrantPort)
}

func TestValidate(t *testing.T) {
	t.Setenv("POLYDOC_EMBEDDING_DISABLED", "true")
	base, err := Load()
	require.NoError(t, err)

	cfg := *base
	cfg.SQLiteDSN = ""
	assert.ErrorContains(t, cfg.Validate(), "POLYDOC_SQLITE_DSN")

	cfg = *base
	cfg.EmbeddingDisabled = false
	cfg.GeminiAPIKey = ""
	assert.ErrorContains(t, cfg.Validate(), "POLYDOC_GEMINI_API_KEY")

	cfg = *base
	cfg.Saga.IDLockMode = "sometimes"
	assert.ErrorContains(t, cfg.Validate(), "POLYDOC_SAGA_ID_LOCK_MODE")

	cfg = *base
	cfg.Audit.OverflowPolicy = "drop_everything"
	assert.ErrorContains(t, cfg.Validate(), "POLYDOC_AUDIT_OVERFLOW_POLICY")

	cfg = *base
	cfg.Batch.PerBackendTimeoutFrac = 1.5
	assert.ErrorContains(t, cfg.Validate(), "POLYDOC_BATCH_TIMEOUT_FRAC")

	cfg = *base
	cfg.Cache.Partitions = 0
	assert.ErrorContains(t, cfg.Validate(), "POLYDOC_CACHE_PARTITIONS")

	cfg = *base
	cfg.Resilience.FailureThreshold = 0
	assert.ErrorContains(t, cfg.Validate(), "POLYDOC_BREAKER_FAILURE_THRESHOLD")
}
