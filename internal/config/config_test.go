package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Server.Address)
	assert.Equal(t, "/jentrata/ebms/inbound", cfg.Server.InboundPath)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.MSH.Workers)
	assert.Equal(t, 100, cfg.MSH.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.MSH.ProcessingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "jentrata", cfg.Observability.ServiceName)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DSN", "postgres://jentrata@localhost/jentrata")
	t.Setenv("TEST_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Parse([]byte(`
server:
  address: ":9090"
  admin:
    enabled: true
    jwtSecret: ${TEST_SECRET}
storage:
  driver: postgres
  postgres:
    dsn: $TEST_DSN
cpa:
  files: ["cpa/*.json"]
  watch: true
  debounce: 1s
  defaultCpaId: testCPAId1
  endpoints:
    testCPAId1: https://partner.example/as4
msh:
  workers: 8
  processingTimeout: 45s
  compressionLevel: 9
`))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Server.Admin.JWTSecret)
	assert.Equal(t, "postgres://jentrata@localhost/jentrata", cfg.Storage.Postgres.DSN)
	assert.Equal(t, []string{"cpa/*.json"}, cfg.CPA.Files)
	assert.True(t, cfg.CPA.Watch)
	assert.Equal(t, time.Second, cfg.CPA.Debounce)
	assert.Equal(t, "testCPAId1", cfg.CPA.DefaultCPAID)
	assert.Equal(t, "https://partner.example/as4", cfg.CPA.Endpoints["testCPAId1"])
	assert.Equal(t, 8, cfg.MSH.Workers)
	assert.Equal(t, 45*time.Second, cfg.MSH.ProcessingTimeout)
	assert.Equal(t, 9, cfg.MSH.CompressionLevel)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "server: [unterminated"},
		{"unknown driver", "storage:\n  driver: redis\n"},
		{"mongodb without uri", "storage:\n  driver: mongodb\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"admin without secret", "server:\n  admin:\n    enabled: true\n"},
		{"tls without files", "server:\n  tls:\n    enabled: true\n"},
		{"relative inbound path", "server:\n  inboundPath: inbound\n"},
		{"bad tls version", "transport:\n  minTlsVersion: \"1.0\"\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"negative workers", "msh:\n  workers: -1\n"},
		{"bad compression level", "msh:\n  compressionLevel: 12\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
