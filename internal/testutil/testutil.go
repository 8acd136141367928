package testutil

import (
	"path/filepath"
	"testing"

	"github.com/allaspectsdev/kirogate/internal/config"
	"github.com/allaspectsdev/kirogate/internal/store"
)

// NewTestStore opens a SQLite store in a temporary directory.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewTestConfig returns a minimal valid config with one credential whose
// secret is read from the KIROGATE_TEST_TOKEN environment variable.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Debug.DumpDir = filepath.Join(cfg.Server.DataDir, "debug")
	cfg.Credentials = []config.CredentialConfig{
		{ID: 1, Name: "test", SecretRef: "env:KIROGATE_TEST_TOKEN"},
	}
	return cfg
}
