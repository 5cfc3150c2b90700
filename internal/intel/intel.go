// Package intel is the orchestration core of the intelligence
// pipeline: it scores and records incoming reports, maintains receiver
// profiles, and runs the clustering refresh cycle that turns the
// recent event window into the live cluster generation.
package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/harrier/internal/cluster"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/feature"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/score"
)

var tracer = otel.Tracer("harrier-intel")

// ErrRefreshInFlight is returned when a refresh is requested while
// another one is still running. Callers treat it as "already being
// taken care of".
var ErrRefreshInFlight = errors.New("cluster refresh already in flight")

// ErrInvalidInput marks rejected event submissions.
var ErrInvalidInput = errors.New("invalid input")

// ErrClusterNotFound is returned for cluster lookups that miss the
// live generation.
var ErrClusterNotFound = errors.New("cluster not found")

const (
	// DefaultTopClusters and DefaultTrendingLimit are the listing sizes
	// used when the caller does not give one.
	DefaultTopClusters   = 5
	DefaultTrendingLimit = 5

	// noContextScore is the baseline contextual score when no signal
	// matches: an unseen receiver is unknown, not safe.
	noContextScore = 10

	// receiverHistoryLimit bounds the event history in receiver lookups.
	receiverHistoryLimit = 20

	// Cache staleness bounds. Top-cluster listings go stale at refresh,
	// so their TTL stays short.
	profileTTL     = 5 * time.Minute
	topClustersTTL = 30 * time.Second
)

// Snapshot is an immutable view of one cluster generation. Readers
// share it lock-free; a completed refresh swaps in a replacement.
type Snapshot struct {
	Clusters    []*domain.Cluster
	RefreshedAt time.Time
}

// RecordedMessage is the payload published on TopicEventRecorded.
type RecordedMessage struct {
	EventID     string    `json:"eventId"`
	ReceiverID  string    `json:"receiverId"`
	OverallRisk float64   `json:"overallRisk"`
	Signal      string    `json:"signal"`
	Timestamp   time.Time `json:"timestamp"`
}

// RefreshedMessage is the payload published on TopicClustersRefreshed.
// It carries the full refreshed generation so subscribers evaluate
// alert rules without a read back to the repository.
type RefreshedMessage struct {
	RefreshedAt   time.Time               `json:"refreshedAt"`
	ClusterCount  int                     `json:"clusterCount"`
	ActiveCount   int                     `json:"activeCount"`
	EmergingCount int                     `json:"emergingCount"`
	Clusters      []domain.ClusterSummary `json:"clusters"`
}

// RefreshResult summarizes one completed refresh.
type RefreshResult struct {
	RefreshedAt   time.Time `json:"refreshedAt"`
	WindowEvents  int       `json:"windowEvents"`
	ClusterCount  int       `json:"clusterCount"`
	ActiveCount   int       `json:"activeCount"`
	EmergingCount int       `json:"emergingCount"`
	DurationMs    int64     `json:"durationMs"`
}

// ReceiverIntel is the profile plus bounded recent history returned
// for a receiver lookup.
type ReceiverIntel struct {
	Profile *domain.ReceiverProfile `json:"profile"`
	Events  []*domain.ThreatEvent   `json:"recentEvents"`
}

// ClusterIntel is a cluster summary hydrated with its members'
// receiver profiles.
type ClusterIntel struct {
	Cluster  domain.ClusterSummary              `json:"cluster"`
	Profiles map[string]*domain.ReceiverProfile `json:"memberProfiles"`
}

// SnapshotInfo reports the live generation for stats endpoints.
type SnapshotInfo struct {
	ClusterCount  int       `json:"clusterCount"`
	ActiveCount   int       `json:"activeCount"`
	EmergingCount int       `json:"emergingCount"`
	RefreshedAt   time.Time `json:"refreshedAt"`
}

// Service coordinates scoring, persistence, and clustering.
type Service struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	generator *feature.Generator
	builder   *cluster.Builder
	merger    *cluster.Merger
	lifecycle *cluster.Lifecycle
	cfg       domain.ClusteringConfig
	metrics   *metrics.Metrics

	snapshot  atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
}

// New wires the intelligence service and loads the persisted cluster
// generation as the initial snapshot. The embedder is wrapped so
// semantic-segment failures surface in metrics.
func New(ctx context.Context, repo domain.Repository, cache domain.Cache, bus domain.EventBus, embedder domain.Embedder, cfg domain.ClusteringConfig, m *metrics.Metrics) (*Service, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 600
	}
	if cfg.TrendingMinReports <= 0 {
		cfg.TrendingMinReports = 5
	}

	if embedder != nil {
		embedder = &meteredEmbedder{inner: embedder, failures: m.EmbedFailures}
	}

	s := &Service{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		generator: feature.NewGenerator(embedder),
		builder:   cluster.NewBuilder(cfg),
		merger:    cluster.NewMerger(cfg),
		lifecycle: cluster.NewLifecycle(cfg),
		cfg:       cfg,
		metrics:   m,
	}

	clusters, err := repo.ListClusters(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted clusters: %w", err)
	}
	s.snapshot.Store(&Snapshot{Clusters: clusters})

	active, emerging := countClusters(clusters)
	m.SetClusterCounts(active, emerging)

	return s, nil
}

// meteredEmbedder counts failed embedding calls. The generator already
// zero-fills on failure; this only makes the fallback visible.
type meteredEmbedder struct {
	inner    domain.Embedder
	failures prometheus.Counter
}

func (e *meteredEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		e.failures.Inc()
	}
	return vec, err
}

func (e *meteredEmbedder) Dimension() int { return e.inner.Dimension() }

// RecordEvent ingests one report: it scores the event, folds it into
// the receiver's profile, appends the immutable event, and publishes
// the recording. Scoring degrades rather than fails: a broken profile
// update or missing cluster context falls back to the agent aggregate
// alone.
func (s *Service) RecordEvent(ctx context.Context, input *domain.EventInput) (*domain.RiskAssessment, error) {
	if input == nil || strings.TrimSpace(input.ReceiverID) == "" {
		return nil, fmt.Errorf("%w: receiverId is required", ErrInvalidInput)
	}

	ts := input.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	slots, substituted := score.NormalizeScores(input.AgentScores)
	if len(substituted) > 0 {
		slog.Debug("substituting neutral agent scores",
			"receiver", input.ReceiverID,
			"slots", substituted)
	}

	vector := s.generator.Generate(ctx, input.MessageText, input.PatternFlags, slots)
	reportScore := score.ReportScore(slots, input.PatternFlags, input.Amount, ts)

	// Profile first: the trending check counts the report being recorded.
	profile, err := s.repo.ApplyReport(ctx, input.ReceiverID, reportScore, input.PatternFlags, ts)
	if err != nil {
		slog.Error("failed to update receiver profile",
			"receiver", input.ReceiverID,
			"error", err)
		profile = nil
	} else if err := s.cache.SetProfile(ctx, profile, profileTTL); err != nil {
		slog.Debug("failed to cache receiver profile", "error", err)
	}

	assessment := s.assess(vector, slots, input.PatternFlags, input.ReceiverID, profile)

	event := &domain.ThreatEvent{
		ID:            uuid.NewString(),
		Timestamp:     ts,
		ReceiverID:    input.ReceiverID,
		MessageText:   input.MessageText,
		PatternFlags:  input.PatternFlags,
		AgentScores:   slots,
		Amount:        input.Amount,
		FeatureVector: vector,
		OverallRisk:   assessment.OverallRisk,
		Signal:        assessment.Signal,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	assessment.EventID = event.ID

	s.metrics.EventsIngested.Inc()
	s.metrics.Assessments.WithLabelValues(assessment.Signal).Inc()

	s.publishRecorded(ctx, event)

	return assessment, nil
}

// Analyze scores a hypothetical report without recording anything.
func (s *Service) Analyze(ctx context.Context, input *domain.EventInput) (*domain.RiskAssessment, error) {
	if input == nil || strings.TrimSpace(input.ReceiverID) == "" {
		return nil, fmt.Errorf("%w: receiverId is required", ErrInvalidInput)
	}

	slots, _ := score.NormalizeScores(input.AgentScores)
	vector := s.generator.Generate(ctx, input.MessageText, input.PatternFlags, slots)

	profile := s.lookupProfile(ctx, input.ReceiverID)
	assessment := s.assess(vector, slots, input.PatternFlags, input.ReceiverID, profile)
	s.metrics.Assessments.WithLabelValues(assessment.Signal).Inc()

	return assessment, nil
}

// lookupProfile reads a profile through the cache. Analyze-path
// lookups degrade to nil on any failure.
func (s *Service) lookupProfile(ctx context.Context, receiverID string) *domain.ReceiverProfile {
	if profile, err := s.cache.GetProfile(ctx, receiverID); err == nil && profile != nil {
		return profile
	}

	profile, err := s.repo.GetProfile(ctx, receiverID)
	if err != nil {
		return nil
	}
	if err := s.cache.SetProfile(ctx, profile, profileTTL); err != nil {
		slog.Debug("failed to cache receiver profile", "error", err)
	}
	return profile
}

// assess derives the contextual signal for one event and blends it
// with the agent aggregate into the overall risk. Exactly one signal
// is surfaced, in priority order: trending receiver, cluster
// membership, centroid match, none.
func (s *Service) assess(vector, slots []float64, flags []string, receiverID string, profile *domain.ReceiverProfile) *domain.RiskAssessment {
	out := &domain.RiskAssessment{
		AgentAggregate:  score.AgentAggregate(slots),
		ContextualScore: noContextScore,
		Signal:          domain.SignalNone,
	}

	snap := s.snapshot.Load()

	if profile != nil && profile.ReportCount >= s.cfg.TrendingMinReports {
		out.Signal = domain.SignalTrending
		out.ContextualScore = profile.RollingAvgScore
		out.ReportCount = profile.ReportCount
	} else if member := memberOf(snap, receiverID); member != nil {
		out.Signal = domain.SignalClusterMember
		out.ContextualScore = member.AvgScore
		out.ClusterID = member.ID
		out.ClusterName = member.Name
		out.Similarity = round2(feature.Cosine(vector, member.Centroid))
	} else if match, combined := s.bestMatch(snap, vector, flags); match != nil {
		out.Signal = domain.SignalClusterMatch
		out.ContextualScore = round1(combined * match.AvgScore)
		out.ClusterID = match.ID
		out.ClusterName = match.Name
		out.Similarity = round2(combined)
	}

	out.OverallRisk = score.Blend(out.AgentAggregate, out.ContextualScore)
	return out
}

// memberOf returns the strongest active cluster containing receiverID.
func memberOf(snap *Snapshot, receiverID string) *domain.Cluster {
	var best *domain.Cluster
	for _, c := range snap.Clusters {
		if !c.Active || !c.HasMember(receiverID) {
			continue
		}
		if best == nil || c.AvgScore > best.AvgScore {
			best = c
		}
	}
	return best
}

// bestMatch scans active clusters for the strongest centroid match and
// returns it with its combined similarity, or nil when nothing clears
// the match predicates.
func (s *Service) bestMatch(snap *Snapshot, vector []float64, flags []string) (*domain.Cluster, float64) {
	var best *domain.Cluster
	bestCombined := 0.0

	for _, c := range snap.Clusters {
		if !c.Active || len(c.Centroid) == 0 {
			continue
		}
		combined, ok := s.merger.MatchEvent(vector, flags, c)
		if ok && combined > bestCombined {
			best = c
			bestCombined = combined
		}
	}
	return best, bestCombined
}

// TopClusters returns the highest-scoring active clusters. Listings
// only change at refresh, so results are cached briefly.
func (s *Service) TopClusters(ctx context.Context, n int) []domain.ClusterSummary {
	if n <= 0 {
		n = DefaultTopClusters
	}

	if cached, err := s.cache.GetTopClusters(ctx, n); err == nil && cached != nil {
		return cached
	}

	summaries := s.topSummaries(n)
	if err := s.cache.SetTopClusters(ctx, n, summaries, topClustersTTL); err != nil {
		slog.Debug("failed to cache top clusters", "error", err)
	}
	return summaries
}

func (s *Service) topSummaries(n int) []domain.ClusterSummary {
	snap := s.snapshot.Load()

	actives := make([]*domain.Cluster, 0, len(snap.Clusters))
	for _, c := range snap.Clusters {
		if c.Active {
			actives = append(actives, c)
		}
	}
	sort.SliceStable(actives, func(i, j int) bool {
		if actives[i].AvgScore != actives[j].AvgScore {
			return actives[i].AvgScore > actives[j].AvgScore
		}
		return actives[i].Size > actives[j].Size
	})
	if len(actives) > n {
		actives = actives[:n]
	}

	out := make([]domain.ClusterSummary, len(actives))
	for i, c := range actives {
		out[i] = c.Summary()
	}
	return out
}

// Clusters returns summaries for the current generation, active only
// unless includeInactive is set.
func (s *Service) Clusters(includeInactive bool) []domain.ClusterSummary {
	snap := s.snapshot.Load()

	out := make([]domain.ClusterSummary, 0, len(snap.Clusters))
	for _, c := range snap.Clusters {
		if !includeInactive && !c.Active {
			continue
		}
		out = append(out, c.Summary())
	}
	return out
}

// Event returns one recorded event. Unknown IDs surface the
// repository's not-found error.
func (s *Service) Event(ctx context.Context, eventID string) (*domain.ThreatEvent, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, fmt.Errorf("%w: eventId is required", ErrInvalidInput)
	}
	return s.repo.GetEvent(ctx, eventID)
}

// ClusterDetail returns one cluster from the live generation with its
// member profiles hydrated in a single batch read.
func (s *Service) ClusterDetail(ctx context.Context, clusterID string) (*ClusterIntel, error) {
	if strings.TrimSpace(clusterID) == "" {
		return nil, fmt.Errorf("%w: clusterId is required", ErrInvalidInput)
	}

	snap := s.snapshot.Load()
	for _, c := range snap.Clusters {
		if c.ID != clusterID {
			continue
		}
		profiles, err := s.repo.ProfilesByIDs(ctx, c.Members)
		if err != nil {
			return nil, fmt.Errorf("failed to load member profiles: %w", err)
		}
		return &ClusterIntel{Cluster: c.Summary(), Profiles: profiles}, nil
	}
	return nil, ErrClusterNotFound
}

// Receiver returns the receiver's profile plus its recent history.
// Unknown receivers surface the repository's not-found error.
func (s *Service) Receiver(ctx context.Context, receiverID string) (*ReceiverIntel, error) {
	if strings.TrimSpace(receiverID) == "" {
		return nil, fmt.Errorf("%w: receiverId is required", ErrInvalidInput)
	}

	profile, err := s.cache.GetProfile(ctx, receiverID)
	if err != nil || profile == nil {
		profile, err = s.repo.GetProfile(ctx, receiverID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetProfile(ctx, profile, profileTTL); err != nil {
			slog.Debug("failed to cache receiver profile", "error", err)
		}
	}

	events, err := s.repo.EventsByReceiver(ctx, receiverID, receiverHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load receiver history: %w", err)
	}

	return &ReceiverIntel{Profile: profile, Events: events}, nil
}

// Trending returns receivers whose report volume crossed the trending
// minimum, highest rolling average first.
func (s *Service) Trending(ctx context.Context, limit int) ([]*domain.ReceiverProfile, error) {
	if limit <= 0 {
		limit = DefaultTrendingLimit
	}
	return s.repo.TrendingProfiles(ctx, s.cfg.TrendingMinReports, limit)
}

// Refresh recomputes the cluster generation from the recent event
// window and swaps it in. Only one refresh runs at a time; concurrent
// callers get ErrRefreshInFlight. On failure the previous generation
// stays live.
func (s *Service) Refresh(ctx context.Context) (*RefreshResult, error) {
	if !s.refreshMu.TryLock() {
		s.metrics.ObserveRefresh(metrics.OutcomeBusy, 0)
		return nil, ErrRefreshInFlight
	}
	defer s.refreshMu.Unlock()

	ctx, span := tracer.Start(ctx, "intel.refresh")
	defer span.End()

	start := time.Now()
	result, err := s.refresh(ctx)
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveRefresh(metrics.OutcomeError, time.Since(start))
		return nil, err
	}

	result.DurationMs = time.Since(start).Milliseconds()
	s.metrics.ObserveRefresh(metrics.OutcomeOK, time.Since(start))
	span.SetAttributes(
		attribute.Int("clusters.total", result.ClusterCount),
		attribute.Int("clusters.active", result.ActiveCount),
		attribute.Int("clusters.emerging", result.EmergingCount),
	)

	slog.Info("cluster generation refreshed",
		"windowEvents", result.WindowEvents,
		"clusters", result.ClusterCount,
		"active", result.ActiveCount,
		"emerging", result.EmergingCount,
		"durationMs", result.DurationMs)

	return result, nil
}

func (s *Service) refresh(ctx context.Context) (*RefreshResult, error) {
	now := time.Now().UTC()

	events, err := s.repo.RecentEvents(ctx, s.cfg.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load event window: %w", err)
	}

	samples := s.toSamples(ctx, events)
	corpus := cluster.NewCorpus(samples)

	candidates, noise, err := s.builder.Build(samples, corpus, now)
	if err != nil {
		return nil, fmt.Errorf("clustering failed: %w", err)
	}
	candidates = append(candidates, s.lifecycle.DetectEmerging(noise, now)...)

	// Collapse duplicates inside the fresh candidates and inside the
	// previous generation, fold candidates into their persisted
	// counterparts, then sweep the combined set once more.
	candidates = s.merger.MergeBatch(candidates, corpus, now)
	persisted := s.merger.MergeBatch(cloneClusters(s.snapshot.Load().Clusters), corpus, now)
	combined := s.merger.Reconcile(candidates, persisted, corpus, now)
	combined = s.merger.MergeBatch(combined, corpus, now)

	s.lifecycle.Apply(combined, now)

	if err := s.repo.ReplaceClusters(ctx, combined); err != nil {
		return nil, fmt.Errorf("failed to persist cluster generation: %w", err)
	}
	s.snapshot.Store(&Snapshot{Clusters: combined, RefreshedAt: now})

	active, emerging := countClusters(combined)
	s.metrics.SetClusterCounts(active, emerging)

	if err := s.cache.SetTopClusters(ctx, DefaultTopClusters, s.topSummaries(DefaultTopClusters), topClustersTTL); err != nil {
		slog.Debug("failed to warm top-clusters cache", "error", err)
	}

	result := &RefreshResult{
		RefreshedAt:   now,
		WindowEvents:  len(events),
		ClusterCount:  len(combined),
		ActiveCount:   active,
		EmergingCount: emerging,
	}
	s.publishRefreshed(ctx, result, combined)

	return result, nil
}

// toSamples prepares window events for clustering. Events persisted
// under an older vector scheme get their vectors regenerated.
func (s *Service) toSamples(ctx context.Context, events []*domain.ThreatEvent) []*cluster.Sample {
	samples := make([]*cluster.Sample, 0, len(events))
	for _, e := range events {
		vec := e.FeatureVector
		if len(vec) != feature.VectorDim {
			vec = s.generator.Generate(ctx, e.MessageText, e.PatternFlags, e.AgentScores)
		}
		samples = append(samples, &cluster.Sample{
			Receiver:     e.ReceiverID,
			Message:      e.MessageText,
			PatternFlags: e.PatternFlags,
			ReportScore:  score.ReportScore(e.AgentScores, e.PatternFlags, e.Amount, e.Timestamp),
			Timestamp:    e.Timestamp,
			Vector:       vec,
		})
	}
	return samples
}

// SnapshotInfo reports the live generation.
func (s *Service) SnapshotInfo() SnapshotInfo {
	snap := s.snapshot.Load()
	active, emerging := countClusters(snap.Clusters)
	return SnapshotInfo{
		ClusterCount:  len(snap.Clusters),
		ActiveCount:   active,
		EmergingCount: emerging,
		RefreshedAt:   snap.RefreshedAt,
	}
}

func (s *Service) publishRecorded(ctx context.Context, event *domain.ThreatEvent) {
	payload, err := json.Marshal(RecordedMessage{
		EventID:     event.ID,
		ReceiverID:  event.ReceiverID,
		OverallRisk: event.OverallRisk,
		Signal:      event.Signal,
		Timestamp:   event.Timestamp,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicEventRecorded, payload); err != nil {
		slog.Warn("failed to publish recorded event", "error", err)
	}
}

func (s *Service) publishRefreshed(ctx context.Context, result *RefreshResult, clusters []*domain.Cluster) {
	msg := RefreshedMessage{
		RefreshedAt:   result.RefreshedAt,
		ClusterCount:  result.ClusterCount,
		ActiveCount:   result.ActiveCount,
		EmergingCount: result.EmergingCount,
		Clusters:      make([]domain.ClusterSummary, len(clusters)),
	}
	for i, c := range clusters {
		msg.Clusters[i] = c.Summary()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicClustersRefreshed, payload); err != nil {
		slog.Warn("failed to publish refreshed clusters", "error", err)
	}
}

// cloneClusters deep-copies a generation. The merge pipeline and
// lifecycle mutate clusters in place, and must never touch what
// concurrent snapshot readers hold.
func cloneClusters(clusters []*domain.Cluster) []*domain.Cluster {
	out := make([]*domain.Cluster, len(clusters))
	for i, c := range clusters {
		cp := *c
		cp.Centroid = append([]float64(nil), c.Centroid...)
		cp.Members = append([]string(nil), c.Members...)
		cp.Keywords = append([]string(nil), c.Keywords...)
		out[i] = &cp
	}
	return out
}

func countClusters(clusters []*domain.Cluster) (active, emerging int) {
	for _, c := range clusters {
		if c.Active {
			active++
		}
		if c.Emerging {
			emerging++
		}
	}
	return active, emerging
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
