// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Event operations. Events are append-only.
	SaveEvent(ctx context.Context, event *ThreatEvent) error
	GetEvent(ctx context.Context, eventID string) (*ThreatEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]*ThreatEvent, error)
	EventsByReceiver(ctx context.Context, receiverID string, limit int) ([]*ThreatEvent, error)

	// Receiver profile operations. ApplyReport folds one report score
	// into the profile's rolling state, creating the profile on first
	// sight, and returns the updated profile.
	ApplyReport(ctx context.Context, receiverID string, score float64, flags []string, seen time.Time) (*ReceiverProfile, error)
	GetProfile(ctx context.Context, receiverID string) (*ReceiverProfile, error)
	ProfilesByIDs(ctx context.Context, receiverIDs []string) (map[string]*ReceiverProfile, error)
	TrendingProfiles(ctx context.Context, minReports int, limit int) ([]*ReceiverProfile, error)

	// Cluster operations. ReplaceClusters swaps the whole persisted
	// generation atomically.
	ReplaceClusters(ctx context.Context, clusters []*Cluster) error
	ListClusters(ctx context.Context, includeInactive bool) ([]*Cluster, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
