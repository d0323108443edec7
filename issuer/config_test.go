package issuer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcards/issuer"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("REPO_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/issuer-test.db")
	t.Setenv("HTTP_ADDR", ":8081")
	t.Setenv("ADMIN_USER_IDS", "admin1,admin2")
	t.Setenv("MAX_ISSUE_ATTEMPTS", "5")
	t.Setenv("EXPIRY_TZ", "Europe/Paris")
	t.Setenv("USER_NAMES", "u1:Alice Doe,u2:Bob")

	cfg, err := issuer.LoadConfig()
	require.NoError(t, err)
	require.Equal(t, issuer.BackendSQLite, cfg.RepoBackend)
	require.Equal(t, "/tmp/issuer-test.db", cfg.SQLitePath)
	require.Equal(t, ":8081", cfg.HTTPAddr)
	require.Equal(t, []string{"admin1", "admin2"}, cfg.AdminUserIDs)
	require.Equal(t, 5, cfg.MaxIssueAttempts)
	require.Equal(t, 5, cfg.MaxNumberRetries)
	require.Equal(t, "Europe/Paris", cfg.ExpiryTZ)
	require.Equal(t, map[string]string{"u1": "Alice Doe", "u2": "Bob"}, cfg.UserNames)
	require.Equal(t, "issuer.notifications", cfg.NATSSubjectPrefix)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("pg without dsn", func(t *testing.T) {
		t.Setenv("REPO_BACKEND", "pg")
		t.Setenv("DB_DSN", "")
		_, err := issuer.LoadConfig()
		require.ErrorContains(t, err, "DB_DSN is required")
	})

	t.Run("mem without opt in", func(t *testing.T) {
		t.Setenv("REPO_BACKEND", "mem")
		t.Setenv("ALLOW_MEM_BACKEND_FOR_TESTS", "false")
		_, err := issuer.LoadConfig()
		require.ErrorContains(t, err, "mem repository is disabled")
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("REPO_BACKEND", "mongo")
		_, err := issuer.LoadConfig()
		require.ErrorContains(t, err, "unsupported REPO_BACKEND=mongo")
	})

	t.Run("malformed number", func(t *testing.T) {
		t.Setenv("REPO_BACKEND", "mem")
		t.Setenv("ALLOW_MEM_BACKEND_FOR_TESTS", "true")
		t.Setenv("MAX_ISSUE_ATTEMPTS", "many")
		_, err := issuer.LoadConfig()
		require.ErrorContains(t, err, "parse env")
	})

	t.Run("zero attempts", func(t *testing.T) {
		cfg := issuer.DefaultConfig()
		cfg.RepoBackend = issuer.BackendMemory
		cfg.AllowMemBackend = true
		cfg.MaxIssueAttempts = 0
		require.ErrorContains(t, cfg.Validate(), "MAX_ISSUE_ATTEMPTS")
	})
}
