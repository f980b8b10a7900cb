// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// ClusterSink is the durable store for computed clusters.
// ReplaceClusters deletes every previously stored cluster of the tenant and
// bulk-inserts the given records.
type ClusterSink interface {
	ReplaceClusters(ctx context.Context, tenantID string, records []ClusterRecord) error
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	ClusterSink

	// Transaction window operations
	SaveTransactions(ctx context.Context, tenantID string, txs []RawTransaction) error
	ListTransactionsSince(ctx context.Context, tenantID string, since time.Time) ([]RawTransaction, error)

	// Cluster retrieval
	ListClusters(ctx context.Context, tenantID string) ([]ClusterRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// GraphConfig describes connectivity to the Neo4j graph sink.
type GraphConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"maxConnections"`
}
