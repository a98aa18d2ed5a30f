package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/xaconn/internal/attachment"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xaconn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://xa@localhost/xa
transaction:
  isolation: snapshot
  lock_timeout: 3s
admin:
  allowed_origins: ["https://ops.example.com"]
`)

	cfg, err := Load(zaptest.NewLogger(t), path, filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://xa@localhost/xa", cfg.Database.DSN)
	assert.EqualValues(t, 4, cfg.Database.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8089", cfg.Admin.Addr)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Admin.AllowedOrigins)

	tpb, err := cfg.Transaction.TPB()
	require.NoError(t, err)
	assert.Equal(t, attachment.TPB{Isolation: attachment.RepeatableRead, Wait: true, LockTimeout: 3 * time.Second}, tpb)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("XACONN_DATABASE_DSN", "postgres://env@localhost/xa")
	t.Setenv("XACONN_LOG_LEVEL", "debug")
	t.Setenv("XACONN_RECOVERY_AUDIT_ENABLED", "true")
	t.Setenv("XACONN_RECOVERY_AUDIT_DSN", "file::memory:")

	cfg, err := Load(zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@localhost/xa", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Recovery.AuditEnabled)
	assert.Equal(t, "sqlite", cfg.Recovery.AuditDriver)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing dsn", "log:\n  level: info\n"},
		{"single connection", "database:\n  dsn: x\n  max_conns: 1\n"},
		{"bad isolation", "database:\n  dsn: x\ntransaction:\n  isolation: dirty_read\n"},
		{"bad log level", "database:\n  dsn: x\nlog:\n  level: loud\n"},
		{"audit without dsn", "database:\n  dsn: x\nrecovery:\n  audit_enabled: true\n"},
		{"bad audit driver", "database:\n  dsn: x\nrecovery:\n  audit_driver: mysql\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(zaptest.NewLogger(t), writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(zaptest.NewLogger(t), writeConfig(t, "database: [unterminated"))
	assert.Error(t, err)
}
