package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(Migrations, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	data, err := fs.ReadFile(Migrations, "00001_phi_core.sql")
	require.NoError(t, err)
	sql := string(data)

	assert.True(t, strings.HasPrefix(sql, "-- +goose Up"))
	assert.Contains(t, sql, "-- +goose Down")
	assert.Contains(t, sql, "BEFORE UPDATE OR DELETE ON audit_log")
	for _, table := range []string{"users", "mfa_backup_codes", "therapy_sessions", "audit_log", "session_tokens"} {
		assert.Contains(t, sql, "CREATE TABLE "+table+" (")
	}
}
