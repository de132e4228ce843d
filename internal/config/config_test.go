package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coremaild.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsOverTOML(t *testing.T) {
	path := writeTemp(t, `
hostname = "mail.example.com"

[postgres]
dsn = "postgres://coremail@localhost/coremail"

[blobs]
root = "/srv/coremail/blobs"

[queue]
max_attempts = 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "mail.example.com", cfg.Hostname)
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, time.Minute, cfg.Queue.BackoffBase) // untouched default
	require.Equal(t, ":25", cfg.SMTP.Addr)                // untouched default
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	path := writeTemp(t, `
[blobs]
root = "/srv/coremail/blobs"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNoListeners(t *testing.T) {
	path := writeTemp(t, `
[postgres]
dsn = "postgres://coremail@localhost/coremail"

[blobs]
root = "/srv/coremail/blobs"

[smtp]
addr = ""

[submission]
addr = ""
`)
	_, err := Load(path)
	require.Error(t, err)
}
