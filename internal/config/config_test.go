package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DATABASE_URL", "NOTIFY_URL", "EMBEDDING_PROVIDER", "OPENAI_API_KEY",
		"EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS", "OLLAMA_URL", "OLLAMA_MODEL",
		"LLM_JUDGE_URL", "LLM_JUDGE_API_KEY", "LLM_JUDGE_MODEL",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME",
		"QDRANT_URL", "QDRANT_API_KEY", "QDRANT_COLLECTION",
		"VIOLATION_CONFIDENCE_THRESHOLD", "CONFIRM_CONFIDENCE_THRESHOLD", "MAX_CANDIDATES", "MIN_SIMILARITY",
		"RESOLVER_TYPE", "RESOLVER_URL", "RESOLVER_API_KEY", "INACTIVITY_MS",
		"NOESIS_INTAKE_POLL_INTERVAL", "NOESIS_INTAKE_BATCH_SIZE", "NOESIS_INTAKE_MAX_RETRIES",
		"NOESIS_LOG_LEVEL", "NOESIS_SCHEDULER_TICK_INTERVAL", "NOESIS_EVENT_FLUSH_TIMEOUT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.ViolationConfidenceThreshold)
	assert.Equal(t, 0.75, cfg.ConfirmConfidenceThreshold)
	assert.Equal(t, 20, cfg.MaxCandidates)
	assert.Equal(t, 0.4, cfg.MinSimilarity)
	assert.Equal(t, int64(30_000), cfg.InactivityMillis)
	assert.Equal(t, "none", cfg.ResolverType)
}

func TestLoadInvalidInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_CANDIDATES", "not-an-int")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsUnknownResolverType(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESOLVER_TYPE", "carrier-pigeon")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRequiresResolverURLForWebhook(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESOLVER_TYPE", "webhook")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("RESOLVER_URL", "https://example.com/hook")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "webhook", cfg.ResolverType)
}

func TestValidateRejectsOutOfRangeThreshold(t *testing.T) {
	clearEnv(t)
	t.Setenv("VIOLATION_CONFIDENCE_THRESHOLD", "1.5")
	_, err := Load()
	require.Error(t, err)
}
