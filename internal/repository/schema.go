package repository

// Schema definitions for the Harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    receiver_id TEXT NOT NULL,
    message_text TEXT NOT NULL,
    pattern_flags TEXT NOT NULL,
    agent_scores TEXT NOT NULL,
    amount REAL NOT NULL DEFAULT 0,
    feature_vector TEXT,
    overall_risk REAL NOT NULL DEFAULT 0,
    signal TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_receiver ON events(receiver_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// schemaReceiverProfiles defines per-receiver rolling intelligence.
// Profiles are created on first report and only ever move forward;
// there is no delete path.
const schemaReceiverProfiles = `
CREATE TABLE IF NOT EXISTS receiver_profiles (
    receiver_id TEXT PRIMARY KEY,
    report_count INTEGER NOT NULL DEFAULT 0,
    rolling_avg_score REAL NOT NULL DEFAULT 0,
    pattern_flags TEXT NOT NULL,
    first_seen TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_profiles_reports ON receiver_profiles(report_count);
CREATE INDEX IF NOT EXISTS idx_profiles_score ON receiver_profiles(rolling_avg_score);
`

const schemaClusters = `
CREATE TABLE IF NOT EXISTS clusters (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    centroid TEXT NOT NULL,
    members TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    keywords TEXT NOT NULL,
    avg_score REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    emerging INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_clusters_active ON clusters(active);
CREATE INDEX IF NOT EXISTS idx_clusters_updated ON clusters(updated_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaReceiverProfiles,
		schemaClusters,
	}
}
