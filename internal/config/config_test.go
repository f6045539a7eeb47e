package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_ENV_PATH", "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadServerReportsAllMissing(t *testing.T) {
	chdirTemp(t)
	for _, key := range []string{"SERVER_API_KEY", "MYSQL_DSN", "LLM_API_KEY", "KIE_API_KEY", "S3_BUCKET"} {
		t.Setenv(key, "")
	}

	_, err := LoadServer()
	require.Error(t, err)
	for _, key := range []string{"SERVER_API_KEY", "MYSQL_DSN", "LLM_API_KEY", "KIE_API_KEY"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadServerDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SERVER_API_KEY", "k")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/recipes")
	t.Setenv("LLM_API_KEY", "sk")
	t.Setenv("KIE_API_KEY", "kie")
	t.Setenv("KIE_BASE_URL", "kie.ai")
	t.Setenv("S3_BUCKET", "")
	t.Setenv("DAILY_FREE_EXECUTIONS", "")
	t.Setenv("MAX_PROMPT_LENGTH", "not-a-number")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.DailyFreeExecutions)
	assert.Equal(t, 4000, cfg.MaxPromptLength)
	assert.Equal(t, "https://api.kie.ai", cfg.KIEBaseURL)
	assert.False(t, cfg.S3Enabled())
}

func TestLoadBotReadsEnvFile(t *testing.T) {
	chdirTemp(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("RECIPE_API_KEY", "")
	t.Setenv("STREAM_EDIT_INTERVAL_MS", "")
	env := "TELEGRAM_BOT_TOKEN=123:abc\nRECIPE_API_KEY=secret\nSTREAM_EDIT_INTERVAL_MS=500\n"
	require.NoError(t, os.WriteFile(filepath.Join(".", ".env"), []byte(env), 0o600))

	cfg, err := LoadBot()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.BotToken)
	assert.Equal(t, 500*time.Millisecond, cfg.StreamEditInterval)
	assert.Equal(t, filepath.Join("configs", "recipes.yaml"), cfg.RecipesPath)
}

func TestNormalizeKIEBaseURL(t *testing.T) {
	assert.Equal(t, "https://api.kie.ai", normalizeKIEBaseURL("https://kie.ai/", defaultKIEBaseURL))
	assert.Equal(t, defaultKIEBaseURL, normalizeKIEBaseURL("  ", defaultKIEBaseURL))
	assert.Equal(t, "http://localhost:9000", normalizeKIEBaseURL("http://localhost:9000", defaultKIEBaseURL))
}
