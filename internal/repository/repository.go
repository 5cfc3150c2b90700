// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent stores a threat event. Events are append-only.
func (r *SQLRepository) SaveEvent(ctx context.Context, event *domain.ThreatEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if event.ReceiverID == "" {
		return fmt.Errorf("%w: receiver id is required", ErrInvalidInput)
	}

	flags, _ := json.Marshal(event.PatternFlags)
	scores, _ := json.Marshal(event.AgentScores)
	vector, _ := json.Marshal(event.FeatureVector)

	query := `
		INSERT INTO events (
			id, receiver_id, message_text, pattern_flags, agent_scores,
			amount, feature_vector, overall_risk, signal, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.ReceiverID, event.MessageText,
		string(flags), string(scores),
		event.Amount, string(vector),
		event.OverallRisk, event.Signal,
		event.Timestamp, event.CreatedAt,
	)
	return err
}

// GetEvent retrieves a single event by ID.
func (r *SQLRepository) GetEvent(ctx context.Context, eventID string) (*domain.ThreatEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, receiver_id, message_text, pattern_flags, agent_scores,
			   amount, feature_vector, overall_risk, signal, timestamp, created_at
		FROM events
		WHERE id = ?
	`

	var event domain.ThreatEvent
	var flags, scores, vector string

	err := r.db.QueryRowContext(ctx, r.rebind(query), eventID).Scan(
		&event.ID, &event.ReceiverID, &event.MessageText,
		&flags, &scores,
		&event.Amount, &vector,
		&event.OverallRisk, &event.Signal,
		&event.Timestamp, &event.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(flags), &event.PatternFlags)
	json.Unmarshal([]byte(scores), &event.AgentScores)
	json.Unmarshal([]byte(vector), &event.FeatureVector)

	return &event, nil
}

// RecentEvents returns the newest events across all receivers, newest
// first. This is the clustering window: callers pass the configured
// window size as the limit.
func (r *SQLRepository) RecentEvents(ctx context.Context, limit int) ([]*domain.ThreatEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `
		SELECT id, receiver_id, message_text, pattern_flags, agent_scores,
			   amount, feature_vector, overall_risk, signal, timestamp, created_at
		FROM events
		ORDER BY timestamp DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEvents(rows)
}

// EventsByReceiver returns the newest events for one receiver, newest first.
func (r *SQLRepository) EventsByReceiver(ctx context.Context, receiverID string, limit int) ([]*domain.ThreatEvent, error) {
	if receiverID == "" {
		return nil, fmt.Errorf("%w: receiver id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `
		SELECT id, receiver_id, message_text, pattern_flags, agent_scores,
			   amount, feature_vector, overall_risk, signal, timestamp, created_at
		FROM events
		WHERE receiver_id = ?
		ORDER BY timestamp DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), receiverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*domain.ThreatEvent, error) {
	var events []*domain.ThreatEvent
	for rows.Next() {
		var event domain.ThreatEvent
		var flags, scores, vector string

		if err := rows.Scan(
			&event.ID, &event.ReceiverID, &event.MessageText,
			&flags, &scores,
			&event.Amount, &vector,
			&event.OverallRisk, &event.Signal,
			&event.Timestamp, &event.CreatedAt,
		); err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(flags), &event.PatternFlags)
		json.Unmarshal([]byte(scores), &event.AgentScores)
		json.Unmarshal([]byte(vector), &event.FeatureVector)

		events = append(events, &event)
	}

	return events, rows.Err()
}

// ApplyReport folds one report into a receiver's profile, creating the
// profile on first sight. The rolling average and report count advance
// in SQL so concurrent reports never lose an increment; the flag union
// is computed here and written in the same statement.
func (r *SQLRepository) ApplyReport(ctx context.Context, receiverID string, score float64, flags []string, seen time.Time) (*domain.ReceiverProfile, error) {
	if receiverID == "" {
		return nil, fmt.Errorf("%w: receiver id is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		r.rebind(`SELECT pattern_flags FROM receiver_profiles WHERE receiver_id = ?`),
		receiverID,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	merged, _ := json.Marshal(mergeFlags(existing, flags))

	query := `
		INSERT INTO receiver_profiles (
			receiver_id, report_count, rolling_avg_score, pattern_flags, first_seen, last_seen
		) VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(receiver_id) DO UPDATE SET
			rolling_avg_score = (receiver_profiles.rolling_avg_score * receiver_profiles.report_count + excluded.rolling_avg_score) / (receiver_profiles.report_count + 1),
			report_count = receiver_profiles.report_count + 1,
			pattern_flags = ?,
			last_seen = excluded.last_seen
	`

	if _, err := tx.ExecContext(ctx, r.rebind(query),
		receiverID, score, string(merged), seen, seen, string(merged),
	); err != nil {
		return nil, err
	}

	profile, err := scanProfile(tx.QueryRowContext(ctx,
		r.rebind(`SELECT receiver_id, report_count, rolling_avg_score, pattern_flags, first_seen, last_seen
			FROM receiver_profiles WHERE receiver_id = ?`),
		receiverID,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return profile, nil
}

// GetProfile retrieves a receiver profile by ID.
func (r *SQLRepository) GetProfile(ctx context.Context, receiverID string) (*domain.ReceiverProfile, error) {
	if receiverID == "" {
		return nil, fmt.Errorf("%w: receiver id is required", ErrInvalidInput)
	}

	query := `
		SELECT receiver_id, report_count, rolling_avg_score, pattern_flags, first_seen, last_seen
		FROM receiver_profiles
		WHERE receiver_id = ?
	`

	return scanProfile(r.db.QueryRowContext(ctx, r.rebind(query), receiverID))
}

// ProfilesByIDs retrieves profiles for a set of receivers in one query.
// Receivers without a profile are simply absent from the result.
func (r *SQLRepository) ProfilesByIDs(ctx context.Context, receiverIDs []string) (map[string]*domain.ReceiverProfile, error) {
	profiles := make(map[string]*domain.ReceiverProfile, len(receiverIDs))
	if len(receiverIDs) == 0 {
		return profiles, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(receiverIDs)), ", ")
	query := fmt.Sprintf(`
		SELECT receiver_id, report_count, rolling_avg_score, pattern_flags, first_seen, last_seen
		FROM receiver_profiles
		WHERE receiver_id IN (%s)
	`, placeholders)

	args := make([]any, len(receiverIDs))
	for i, id := range receiverIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.ReceiverProfile
		var flags string

		if err := rows.Scan(
			&p.ReceiverID, &p.ReportCount, &p.RollingAvgScore,
			&flags, &p.FirstSeen, &p.LastSeen,
		); err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(flags), &p.PatternFlags)
		profiles[p.ReceiverID] = &p
	}

	return profiles, rows.Err()
}

// TrendingProfiles returns receivers at or above the report threshold,
// highest rolling score first.
func (r *SQLRepository) TrendingProfiles(ctx context.Context, minReports int, limit int) ([]*domain.ReceiverProfile, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `
		SELECT receiver_id, report_count, rolling_avg_score, pattern_flags, first_seen, last_seen
		FROM receiver_profiles
		WHERE report_count >= ?
		ORDER BY rolling_avg_score DESC, report_count DESC, receiver_id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), minReports, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.ReceiverProfile
	for rows.Next() {
		var p domain.ReceiverProfile
		var flags string

		if err := rows.Scan(
			&p.ReceiverID, &p.ReportCount, &p.RollingAvgScore,
			&flags, &p.FirstSeen, &p.LastSeen,
		); err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(flags), &p.PatternFlags)
		profiles = append(profiles, &p)
	}

	return profiles, rows.Err()
}

// ReplaceClusters swaps the persisted cluster generation atomically:
// every refresh rewrites the full set inside one transaction so readers
// never observe a half-applied generation.
func (r *SQLRepository) ReplaceClusters(ctx context.Context, clusters []*domain.Cluster) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM clusters`); err != nil {
		return fmt.Errorf("failed to clear clusters: %w", err)
	}

	query := `
		INSERT INTO clusters (
			id, name, centroid, members, size, keywords,
			avg_score, created_at, updated_at, active, emerging
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, c := range clusters {
		if c == nil || c.ID == "" {
			return fmt.Errorf("%w: cluster id is required", ErrInvalidInput)
		}

		centroid, _ := json.Marshal(c.Centroid)
		members, _ := json.Marshal(c.Members)
		keywords, _ := json.Marshal(c.Keywords)

		active := 0
		if c.Active {
			active = 1
		}
		emerging := 0
		if c.Emerging {
			emerging = 1
		}

		if _, err := tx.ExecContext(ctx, r.rebind(query),
			c.ID, c.Name, string(centroid), string(members), c.Size, string(keywords),
			c.AvgScore, c.CreatedAt, c.UpdatedAt, active, emerging,
		); err != nil {
			return fmt.Errorf("failed to insert cluster %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// ListClusters retrieves the persisted cluster set. Rows whose payload
// no longer parses are skipped rather than failing the read; scoring
// continues with whatever context remains.
func (r *SQLRepository) ListClusters(ctx context.Context, includeInactive bool) ([]*domain.Cluster, error) {
	query := `
		SELECT id, name, centroid, members, size, keywords,
			   avg_score, created_at, updated_at, active, emerging
		FROM clusters
	`
	if !includeInactive {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY avg_score DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []*domain.Cluster
	for rows.Next() {
		var c domain.Cluster
		var centroid, members, keywords string
		var active, emerging int

		if err := rows.Scan(
			&c.ID, &c.Name, &centroid, &members, &c.Size, &keywords,
			&c.AvgScore, &c.CreatedAt, &c.UpdatedAt, &active, &emerging,
		); err != nil {
			return nil, err
		}

		if json.Unmarshal([]byte(centroid), &c.Centroid) != nil {
			continue
		}
		if json.Unmarshal([]byte(members), &c.Members) != nil {
			continue
		}
		json.Unmarshal([]byte(keywords), &c.Keywords)

		c.Active = active == 1
		c.Emerging = emerging == 1
		clusters = append(clusters, &c)
	}

	return clusters, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func scanProfile(row *sql.Row) (*domain.ReceiverProfile, error) {
	var p domain.ReceiverProfile
	var flags string

	err := row.Scan(
		&p.ReceiverID, &p.ReportCount, &p.RollingAvgScore,
		&flags, &p.FirstSeen, &p.LastSeen,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(flags), &p.PatternFlags)
	return &p, nil
}

// mergeFlags unions the stored flag set with newly reported flags,
// lowercased and sorted. The stored side arrives as its JSON encoding.
func mergeFlags(storedJSON string, flags []string) []string {
	set := make(map[string]struct{})

	var stored []string
	if storedJSON != "" {
		json.Unmarshal([]byte(storedJSON), &stored)
	}
	for _, f := range stored {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			set[f] = struct{}{}
		}
	}
	for _, f := range flags {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			set[f] = struct{}{}
		}
	}

	merged := make([]string, 0, len(set))
	for f := range set {
		merged = append(merged, f)
	}
	sort.Strings(merged)
	return merged
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
