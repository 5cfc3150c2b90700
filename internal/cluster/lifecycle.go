package cluster

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Lifecycle applies activity policy to the merged cluster set and
// promotes emerging groups out of the noise pool.
type Lifecycle struct {
	cfg domain.ClusteringConfig
}

// NewLifecycle creates a lifecycle manager with the given policy knobs.
func NewLifecycle(cfg domain.ClusteringConfig) *Lifecycle {
	return &Lifecycle{cfg: cfg}
}

// Apply marks each cluster active or inactive in place. Active requires
// the distinct-member minimum and an update within the inactivity
// window, emerging or not: a promoted noise pool below the minimum
// keeps its emerging flag and surfaces through the emerging views, but
// never counts as active until it grows into the minimum, at which
// point the emerging flag clears. Inactive clusters are retained,
// never deleted.
func (l *Lifecycle) Apply(clusters []*domain.Cluster, now time.Time) {
	cutoff := now.Add(-l.cfg.InactiveAfter)
	for _, c := range clusters {
		if c.Emerging && c.Size >= l.cfg.MinClusterSize {
			c.Emerging = false
		}
		c.Active = c.Size >= l.cfg.MinClusterSize && !c.UpdatedAt.Before(cutoff)
	}
}

// DetectEmerging scans noise samples for homogeneous groups that are
// too spread out for Ward but clearly one campaign: same flag
// signature, enough volume, a high mean report score, and activity
// within the emerging window. Matches become clusters flagged Emerging
// so they surface as an early warning before reaching the receiver
// minimum.
func (l *Lifecycle) DetectEmerging(noise []*Sample, now time.Time) []*domain.Cluster {
	groups := make(map[string][]*Sample)
	var order []string
	for _, s := range noise {
		key := signature(s)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}

	cutoff := now.Add(-l.cfg.EmergingWindow)
	var out []*domain.Cluster

	for _, key := range order {
		samples := groups[key]
		if len(samples) < l.cfg.EmergingMinSize {
			continue
		}

		var scoreSum float64
		var newest time.Time
		vectors := make([][]float64, len(samples))
		receiverSet := make(map[string]bool)
		for i, s := range samples {
			scoreSum += s.ReportScore
			if s.Timestamp.After(newest) {
				newest = s.Timestamp
			}
			vectors[i] = s.Vector
			receiverSet[s.Receiver] = true
		}

		avg := scoreSum / float64(len(samples))
		if avg < l.cfg.EmergingMinScore {
			continue
		}
		if l.cfg.EmergingWindow > 0 && newest.Before(cutoff) {
			continue
		}

		receivers := make([]string, 0, len(receiverSet))
		for r := range receiverSet {
			receivers = append(receivers, r)
		}
		sort.Strings(receivers)

		out = append(out, &domain.Cluster{
			ID:        uuid.NewString(),
			Name:      FallbackName(len(out) + 1),
			Centroid:  Centroid(vectors),
			Members:   receivers,
			Size:      len(receivers),
			Keywords:  topFlags(samples, l.cfg.KeywordCap),
			AvgScore:  round1(avg),
			CreatedAt: now,
			UpdatedAt: now,
			Active:    len(receivers) >= l.cfg.MinClusterSize,
			Emerging:  true,
		})
	}

	return out
}

// signature groups noise samples by their first three flags (sorted,
// lowercased); flagless samples fall back to a message prefix.
func signature(s *Sample) string {
	flags := make([]string, 0, len(s.PatternFlags))
	for _, f := range s.PatternFlags {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			flags = append(flags, f)
		}
	}
	sort.Strings(flags)
	if len(flags) > 3 {
		flags = flags[:3]
	}

	if len(flags) > 0 {
		return strings.Join(flags, "|")
	}

	msg := strings.ToLower(s.Message)
	if len(msg) > 32 {
		msg = msg[:32]
	}
	return msg
}

// topFlags counts flag occurrences across samples and returns the most
// frequent, ties broken alphabetically.
func topFlags(samples []*Sample, limit int) []string {
	if limit <= 0 {
		limit = 5
	}

	counts := make(map[string]int)
	for _, s := range samples {
		for _, f := range s.PatternFlags {
			f = strings.ToLower(strings.TrimSpace(f))
			if f != "" {
				counts[f]++
			}
		}
	}

	flags := make([]string, 0, len(counts))
	for f := range counts {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool {
		if counts[flags[i]] != counts[flags[j]] {
			return counts[flags[i]] > counts[flags[j]]
		}
		return flags[i] < flags[j]
	})

	if len(flags) > limit {
		flags = flags[:limit]
	}
	return flags
}
