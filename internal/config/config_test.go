package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 15*time.Second, cfg.FHIRTimeout)
	assert.Equal(t, 3, cfg.FHIRMaxRetries)
	assert.Equal(t, "audit.trail", cfg.AuditTopic)
	assert.Equal(t, "chart-audit-projector", cfg.AuditConsumerGroup)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, map[string]string{"demo-api-key-12345": "demo-client"}, cfg.APIKeyMap())
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("FHIR_BASE_URL", "https://fhir.example.org/r4")
	t.Setenv("FHIR_TIMEOUT", "2s")
	t.Setenv("API_KEYS", "k1:ward-a, k2:ward-b")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("TRACE_SAMPLE_RATE", "0.25")

	cfg, err := load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, "https://fhir.example.org/r4", cfg.FHIRBaseURL)
	assert.Equal(t, 2*time.Second, cfg.FHIRTimeout)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.InDelta(t, 0.25, cfg.TraceSampleRate, 1e-9)
	assert.Equal(t, map[string]string{"k1": "ward-a", "k2": "ward-b"}, cfg.APIKeyMap())
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOCALE=de\nFHIR_MAX_RETRIES=5\n"), 0o600))

	cfg, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, "de", cfg.Locale)
	assert.Equal(t, 5, cfg.FHIRMaxRetries)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad url", "FHIR_BASE_URL", "not a url", "FHIRBaseURL"},
		{"bad env", "ENV", "qa", "Env"},
		{"sample rate", "TRACE_SAMPLE_RATE", "1.5", "TraceSampleRate"},
		{"api keys", "API_KEYS", "no-client", "API_KEYS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := load(missingEnvFile(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseAPIKeys(t *testing.T) {
	m, err := ParseAPIKeys("a:x,,b:y")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "x", "b": "y"}, m)

	_, err = ParseAPIKeys(" , ")
	assert.Error(t, err)

	_, err = ParseAPIKeys("a:")
	assert.Error(t, err)
}
