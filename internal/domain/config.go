package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Clustering ClusteringConfig `json:"clustering"`
	Alerts     AlertsConfig     `json:"alerts"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ClusteringConfig holds the knobs of the clustering pipeline.
// Defaults match the documented algorithm; change with care since
// thresholds interact.
type ClusteringConfig struct {
	// RefreshThreshold is the number of recorded events between
	// automatic refreshes.
	RefreshThreshold int `json:"refreshThreshold"`

	// WindowSize is the number of most recent events fed into a refresh.
	WindowSize int `json:"windowSize"`

	// DistanceThreshold stops Ward merging once the nearest pair of
	// groups is farther apart than this (Euclidean).
	DistanceThreshold float64 `json:"distanceThreshold"`

	// MinClusterSize is the minimum distinct receivers per cluster.
	MinClusterSize int `json:"minClusterSize"`

	// SimilarityThreshold is the centroid cosine floor for merge and
	// analyze-time matching.
	SimilarityThreshold float64 `json:"similarityThreshold"`

	// ReconcileThreshold is the centroid cosine floor for folding a new
	// candidate into a persisted cluster.
	ReconcileThreshold float64 `json:"reconcileThreshold"`

	// KeywordCap bounds stored cluster keywords.
	KeywordCap int `json:"keywordCap"`

	// TrendingMinReports is the report count at which a receiver is
	// considered trending.
	TrendingMinReports int `json:"trendingMinReports"`

	// InactiveAfter retires clusters not updated within this window.
	InactiveAfter time.Duration `json:"inactiveAfter"`

	// Emerging detection over the noise pool.
	EmergingMinSize  int           `json:"emergingMinSize"`
	EmergingMinScore float64       `json:"emergingMinScore"`
	EmergingWindow   time.Duration `json:"emergingWindow"`
}

// EmbeddingConfig holds sentence-embedding provider settings.
type EmbeddingConfig struct {
	// Provider is the embedder type: "noop" or "http"
	Provider string `json:"provider"`

	// HTTP provider settings
	Endpoint string `json:"endpoint"`
	Timeout  int    `json:"timeout"` // seconds

	// Dimension of the semantic segment. Fixed at 384 for the default
	// MiniLM-class models.
	Dimension int `json:"dimension"`
}

// AlertsConfig holds cluster alert rule settings.
type AlertsConfig struct {
	Enabled bool `json:"enabled"`

	// RulesPath points at a YAML rule file. Empty means built-in
	// defaults only.
	RulesPath string `json:"rulesPath"`

	// WatchRules enables hot reload when the rule file changes.
	WatchRules bool `json:"watchRules"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Embedding: EmbeddingConfig{
			Provider:  "noop",
			Dimension: 384,
			Timeout:   5,
		},
		Clustering: ClusteringConfig{
			RefreshThreshold:    10,
			WindowSize:          600,
			DistanceThreshold:   4.0,
			MinClusterSize:      3,
			SimilarityThreshold: 0.70,
			ReconcileThreshold:  0.85,
			KeywordCap:          5,
			TrendingMinReports:  5,
			InactiveAfter:       30 * 24 * time.Hour,
			EmergingMinSize:     15,
			EmergingMinScore:    60,
			EmergingWindow:      7 * 24 * time.Hour,
		},
		Alerts: AlertsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Embedding = EmbeddingConfig{
		Provider:  "http",
		Endpoint:  "http://localhost:8090/embed",
		Dimension: 384,
		Timeout:   5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
