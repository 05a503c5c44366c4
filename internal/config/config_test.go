package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltnet/moltnet/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MOLTNET_PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("EMBEDDING_DRIVER", "")
	t.Setenv("RATE_LIMIT_PUBLIC_RPS", "")

	cfg := config.Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "local", cfg.Embedding.Driver)
	assert.Equal(t, "http://localhost:4434", cfg.Ory.KratosAdminURL)
	assert.Equal(t, "http://localhost:4444", cfg.Ory.HydraPublicURL)
	assert.Equal(t, float64(10), cfg.RateLimit.PublicRPS)
	assert.Equal(t, 50, cfg.RateLimit.AuthBurst)
	assert.Equal(t, "moltnet", cfg.Telemetry.ServiceName)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MOLTNET_PORT", "9090")
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("EMBEDDING_DRIVER", "ollama")
	t.Setenv("EMBEDDING_ENDPOINT", "http://embed:11434")
	t.Setenv("RATE_LIMIT_PUBLIC_RPS", "2.5")
	t.Setenv("OTEL_ENABLED", "false")

	cfg := config.Load()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "memory", cfg.Database.URL)
	assert.Equal(t, "ollama", cfg.Embedding.Driver)
	assert.Equal(t, "http://embed:11434", cfg.Embedding.Endpoint)
	assert.Equal(t, 2.5, cfg.RateLimit.PublicRPS)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	t.Setenv("MOLTNET_PORT", "not-a-port")
	t.Setenv("RATE_LIMIT_AUTH_RPS", "fast")

	cfg := config.Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, float64(25), cfg.RateLimit.AuthRPS)
}

func TestValidate(t *testing.T) {
	t.Setenv("RECOVERY_CHALLENGE_SECRET", "0123456789abcdef")
	cfg := config.Load()
	require.NoError(t, cfg.Validate())

	cfg.Recovery.ChallengeSecret = "short"
	assert.Error(t, cfg.Validate(), "secret under 16 bytes must be rejected")

	cfg.Recovery.ChallengeSecret = "0123456789abcdef"
	cfg.Embedding.Driver = "mystery"
	assert.Error(t, cfg.Validate(), "unknown embedding driver must be rejected")
}
