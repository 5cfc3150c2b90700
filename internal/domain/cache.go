package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetProfile retrieves a cached receiver profile.
	GetProfile(ctx context.Context, receiverID string) (*ReceiverProfile, error)

	// SetProfile caches a receiver profile for the analyze path.
	SetProfile(ctx context.Context, profile *ReceiverProfile, ttl time.Duration) error

	// GetTopClusters retrieves the cached top-cluster listing.
	GetTopClusters(ctx context.Context, n int) ([]ClusterSummary, error)

	// SetTopClusters caches a top-cluster listing until the next refresh.
	SetTopClusters(ctx context.Context, n int, clusters []ClusterSummary, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Drives the refresh-window event counter, shared across instances
	// when backed by Redis.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
