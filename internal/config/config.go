// Package config handles configuration loading for the gateway.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and the admin JWT secret to be injected at
// runtime.
//
// # Configuration Sections
//
//   - server: HTTP listener, inbound path, TLS and the admin API
//   - storage: store driver (memory, mongodb or postgres) and its settings
//   - cpa: partner agreement documents, hot reload and endpoint overrides
//   - keystore: directory of PEM signing keys and partner certificates
//   - msh: worker pool, queue size, processing timeout and gzip level
//   - transport: outbound HTTP client settings
//   - logging: log level and format
//   - observability: tracing
//
// # Example Configuration
//
//	server:
//	  address: ":8081"
//	  inboundPath: /jentrata/ebms/inbound
//	  admin:
//	    enabled: true
//	    jwtSecret: ${JENTRATA_ADMIN_SECRET}
//
//	storage:
//	  driver: postgres
//	  postgres:
//	    dsn: ${DATABASE_URL}
//
//	cpa:
//	  files: ["/etc/jentrata/cpa/**/*.json"]
//	  watch: true
//	  defaultCpaId: testCPAId1
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pvanvliet16/jentrata-VIB/pkg/transport"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverMongoDB  = "mongodb"
	DriverPostgres = "postgres"
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	CPA           CPAConfig           `yaml:"cpa"`
	Keystore      KeystoreConfig      `yaml:"keystore"`
	MSH           MSHConfig           `yaml:"msh"`
	Transport     TransportConfig     `yaml:"transport"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address         string        `yaml:"address"`
	InboundPath     string        `yaml:"inboundPath"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// MaxBodyBytes bounds inbound request bodies.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
	TLS          struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
	Admin AdminConfig `yaml:"admin"`
}

// AdminConfig holds the admin API settings. Tokens are HS256 JWTs signed
// with JWTSecret.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int32  `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
}

// CPAConfig locates the partner agreement documents.
type CPAConfig struct {
	// Files are paths or doublestar globs of JSON agreement documents.
	Files    []string      `yaml:"files"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
	// DefaultCPAID is used for submissions that name no agreement.
	DefaultCPAID string `yaml:"defaultCpaId"`
	// Endpoints overrides transportReceiverEndpoint per agreement id.
	Endpoints map[string]string `yaml:"endpoints"`
}

// KeystoreConfig holds signing key settings
type KeystoreConfig struct {
	// Directory containing <alias>.key and <alias>.crt PEM files
	Dir string `yaml:"dir"`
}

// MSHConfig tunes the message service handler.
type MSHConfig struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queueSize"`
	ProcessingTimeout time.Duration `yaml:"processingTimeout"`
	// Domain is the right-hand side of generated message ids.
	Domain string `yaml:"domain"`
	// CompressionLevel is the gzip level, 1 to 9. Zero uses the gzip default.
	CompressionLevel int `yaml:"compressionLevel"`
}

// TransportConfig holds outbound HTTP client settings
type TransportConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MinTLSVersion string        `yaml:"minTlsVersion"`
	// RootCAFile is a PEM bundle of CAs trusted for partner endpoints.
	// Empty uses the system pool.
	RootCAFile string `yaml:"rootCaFile"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig holds tracing settings
type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	Tracing     struct {
		Enabled     bool `yaml:"enabled"`
		PrettyPrint bool `yaml:"prettyPrint"`
	} `yaml:"tracing"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML text. Environment variables are
// expanded before parsing.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8081"
	}
	if c.Server.InboundPath == "" {
		c.Server.InboundPath = "/jentrata/ebms/inbound"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 << 20
	}
	if c.Server.Admin.Issuer == "" {
		c.Server.Admin.Issuer = "jentrata"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "jentrata"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "payloads"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Storage.Postgres.MaxConns == 0 {
		c.Storage.Postgres.MaxConns = 10
	}
	if c.CPA.Debounce == 0 {
		c.CPA.Debounce = 250 * time.Millisecond
	}
	if c.MSH.Workers == 0 {
		c.MSH.Workers = 4
	}
	if c.MSH.QueueSize == 0 {
		c.MSH.QueueSize = 100
	}
	if c.MSH.ProcessingTimeout == 0 {
		c.MSH.ProcessingTimeout = 30 * time.Second
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "jentrata"
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Server.InboundPath, "/") {
		return fmt.Errorf("server.inboundPath must start with '/', got '%s'", c.Server.InboundPath)
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}
	if c.Server.Admin.Enabled && c.Server.Admin.JWTSecret == "" {
		return fmt.Errorf("server.admin.jwtSecret is required when the admin API is enabled")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMongoDB:
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when driver is 'mongodb'")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when driver is 'postgres'")
		}
	default:
		return fmt.Errorf("storage.driver must be 'memory', 'mongodb', or 'postgres', got '%s'", c.Storage.Driver)
	}

	if c.MSH.Workers < 0 || c.MSH.QueueSize < 0 {
		return fmt.Errorf("msh.workers and msh.queueSize must not be negative")
	}
	if c.MSH.CompressionLevel < 0 || c.MSH.CompressionLevel > 9 {
		return fmt.Errorf("msh.compressionLevel must be between 0 and 9, got %d", c.MSH.CompressionLevel)
	}
	if _, err := transport.ParseTLSVersion(c.Transport.MinTLSVersion); err != nil {
		return fmt.Errorf("transport.minTlsVersion: %w", err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got '%s'", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}

	return nil
}
