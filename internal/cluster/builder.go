// Package cluster discovers scam-pattern clusters: Ward agglomerative
// grouping over event feature vectors, TF-IDF naming, multi-pass
// merging against the persisted set, and lifecycle policy.
package cluster

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Sample is one window event prepared for clustering.
type Sample struct {
	Receiver     string
	Message      string
	PatternFlags []string
	ReportScore  float64
	Timestamp    time.Time
	Vector       []float64
}

// Builder turns a window of samples into candidate clusters.
type Builder struct {
	cfg domain.ClusteringConfig
}

// NewBuilder creates a builder with the given clustering knobs.
func NewBuilder(cfg domain.ClusteringConfig) *Builder {
	return &Builder{cfg: cfg}
}

// Build runs Ward grouping and returns the candidate clusters plus the
// noise samples (groups below the size minimums, kept for emerging
// detection). Returns ErrDegenerate when the vectors cannot produce a
// finite distance matrix; callers keep the previous cluster set.
func (b *Builder) Build(samples []*Sample, corpus *Corpus, now time.Time) ([]*domain.Cluster, []*Sample, error) {
	if len(samples) < b.cfg.MinClusterSize {
		return nil, samples, nil
	}

	vectors := make([][]float64, len(samples))
	for i, s := range samples {
		vectors[i] = s.Vector
	}

	groups, err := Ward(vectors, b.cfg.DistanceThreshold)
	if err != nil {
		return nil, nil, err
	}

	var clusters []*domain.Cluster
	var noise []*Sample
	clusterIndex := 1

	for _, group := range groups {
		members := make([]*Sample, len(group))
		for i, idx := range group {
			members[i] = samples[idx]
		}

		if len(members) < b.cfg.MinClusterSize || distinctReceivers(members) < b.cfg.MinClusterSize {
			noise = append(noise, members...)
			continue
		}

		clusters = append(clusters, b.buildCluster(members, corpus, clusterIndex, now))
		clusterIndex++
	}

	return clusters, noise, nil
}

func (b *Builder) buildCluster(members []*Sample, corpus *Corpus, fallbackIndex int, now time.Time) *domain.Cluster {
	vectors := make([][]float64, len(members))
	docs := make([]string, 0, len(members))
	receiverSet := make(map[string]bool)
	var scoreSum float64

	for i, m := range members {
		vectors[i] = m.Vector
		receiverSet[m.Receiver] = true
		scoreSum += m.ReportScore
		if doc := sampleDoc(m); doc != "" {
			docs = append(docs, doc)
		}
	}

	receivers := make([]string, 0, len(receiverSet))
	for r := range receiverSet {
		receivers = append(receivers, r)
	}
	sort.Strings(receivers)

	name, keywords := DeriveName(docs, corpus, fallbackIndex)

	return &domain.Cluster{
		ID:        uuid.NewString(),
		Name:      name,
		Centroid:  Centroid(vectors),
		Members:   receivers,
		Size:      len(receivers),
		Keywords:  keywords,
		AvgScore:  round1(scoreSum / float64(len(members))),
		CreatedAt: now,
		UpdatedAt: now,
		Active:    true,
	}
}

func distinctReceivers(samples []*Sample) int {
	seen := make(map[string]bool, len(samples))
	for _, s := range samples {
		seen[s.Receiver] = true
	}
	return len(seen)
}
