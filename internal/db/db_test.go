package db

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNCarriesPragmas(t *testing.T) {
	dsn := DSN(Config{Workspace: "/tmp/ws", BusyTimeout: 250 * time.Millisecond})
	assert.True(t, strings.HasPrefix(dsn, "file:/tmp/ws/.trustloop/trustloop.db?"), dsn)
	assert.Contains(t, dsn, "busy_timeout%28250%29")
	assert.Contains(t, dsn, "_txlock=immediate")

	assert.Contains(t, DSN(Config{Workspace: "/tmp/ws"}), "busy_timeout%285000%29")
}

func TestOpenAppliesPragmas(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))
	var timeout int
	require.NoError(t, conn.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}
