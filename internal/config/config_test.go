package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: postgres
  host: db
  user: importer
  dbname: content
import:
  site: blog
  workers: 2
  rollback_window: 72h
target:
  base_url: https://new.example.com
  content_types: [product]
`)
	t.Setenv("DATABASE_PASSWORD", "s3cret")
	t.Setenv("IMPORT_APP_PASSWORD", "abcd efgh")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "blog", cfg.Import.Site)
	assert.Equal(t, 2, cfg.Import.Workers)
	assert.Equal(t, 100, cfg.Import.PageSize)
	assert.Equal(t, 72*time.Hour, cfg.Import.RollbackWindow)
	assert.Equal(t, "abcd efgh", cfg.Import.AppPassword)
	assert.Equal(t, "https://new.example.com", cfg.Target.BaseURL)
	assert.Equal(t, []string{"product"}, cfg.Target.ContentTypes)
	assert.Equal(t, "/blog/{slug}", cfg.Target.URLPatterns["post"])
	assert.Equal(t, "./data/media", cfg.Storage.Dir)

	assert.Equal(t, "host=db port=5432 user=importer password=s3cret dbname=content sslmode=disable", cfg.Database.DSN())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "import:\n  workers: 2\n")
	t.Setenv("IMPORT_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Import.Workers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no workers", "import:\n  workers: 0\n"},
		{"page size", "import:\n  page_size: 500\n"},
		{"driver", "database:\n  driver: oracle\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file::memory:?cache=shared", (&DatabaseConfig{Driver: "sqlite"}).DSN())
	assert.Equal(t, "./a.db?_busy_timeout=5000", (&DatabaseConfig{Driver: "sqlite", Path: "./a.db"}).DSN())
}
