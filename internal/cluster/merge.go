package cluster

import (
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/feature"
)

// paymentSynonyms collapses payment-channel wording for comparisons.
// upi/emi/paytm variants of the same scam should never split clusters.
// Stored keywords keep their surface form.
var paymentSynonyms = map[string]bool{
	"upi":     true,
	"emi":     true,
	"paytm":   true,
	"pay":     true,
	"payment": true,
}

// coreIndicators are high-signal scam terms: sharing two of these (or
// one plus matching payment wording) marks two clusters as the same
// scam type even when the rest of their keywords differ.
var coreIndicators = map[string]bool{
	"loan":   true,
	"otp":    true,
	"job":    true,
	"invest": true,
	"crypto": true,
	"urgent": true,
	"verify": true,
	"kyc":    true,
	"work":   true,
	"hiring": true,
}

// Merger folds duplicate and near-duplicate clusters together across
// refresh cycles.
type Merger struct {
	cfg domain.ClusteringConfig
}

// NewMerger creates a merger with the given thresholds.
func NewMerger(cfg domain.ClusteringConfig) *Merger {
	return &Merger{cfg: cfg}
}

// MergeBatch collapses one cluster set in two passes: first unions
// clusters whose normalized keyword sets are identical, then unions the
// remainder by the similarity predicates. Larger clusters absorb
// smaller ones so the strongest signal wins ties. The input is not
// modified.
func (m *Merger) MergeBatch(clusters []*domain.Cluster, corpus *Corpus, now time.Time) []*domain.Cluster {
	if len(clusters) <= 1 {
		return clusters
	}

	ordered := make([]*domain.Cluster, len(clusters))
	copy(ordered, clusters)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Size > ordered[j].Size
	})

	used := make([]bool, len(ordered))
	var merged []*domain.Cluster

	// Pass 1: identical normalized keyword sets.
	for i, a := range ordered {
		if used[i] {
			continue
		}
		normA := normalizeKeywords(a.Keywords)
		if len(normA) == 0 {
			continue
		}

		acc := a
		for j := i + 1; j < len(ordered); j++ {
			if used[j] {
				continue
			}
			if setsEqual(normA, normalizeKeywords(ordered[j].Keywords)) {
				acc = m.mergePayload(acc, ordered[j], corpus, now)
				used[j] = true
			}
		}

		merged = append(merged, acc)
		used[i] = true
	}

	// Pass 2: similarity predicates over whatever pass 1 left behind.
	for i, a := range ordered {
		if used[i] {
			continue
		}

		acc := a
		for j := i + 1; j < len(ordered); j++ {
			if used[j] {
				continue
			}
			if m.ShouldMerge(acc, ordered[j]) {
				acc = m.mergePayload(acc, ordered[j], corpus, now)
				used[j] = true
			}
		}

		merged = append(merged, acc)
		used[i] = true
	}

	return merged
}

// Reconcile matches surviving candidates against the persisted set by
// centroid cosine. A candidate at or above the reconcile threshold is
// folded into its best persisted cluster, keeping that cluster's stable
// ID; otherwise it joins as a new cluster. Unmatched persisted clusters
// carry forward untouched.
func (m *Merger) Reconcile(candidates, persisted []*domain.Cluster, corpus *Corpus, now time.Time) []*domain.Cluster {
	if len(persisted) == 0 {
		return candidates
	}

	absorbed := make(map[int]*domain.Cluster)
	var fresh []*domain.Cluster

	for _, cand := range candidates {
		bestIdx, bestSim := -1, 0.0
		for i, prev := range persisted {
			if len(prev.Centroid) == 0 {
				continue
			}
			base := prev
			if acc, ok := absorbed[i]; ok {
				base = acc
			}
			if sim := feature.Cosine(cand.Centroid, base.Centroid); sim > bestSim {
				bestSim = sim
				bestIdx = i
			}
		}

		if bestIdx >= 0 && bestSim >= m.cfg.ReconcileThreshold {
			base := persisted[bestIdx]
			if acc, ok := absorbed[bestIdx]; ok {
				base = acc
			}
			absorbed[bestIdx] = m.mergePayload(base, cand, corpus, now)
		} else {
			fresh = append(fresh, cand)
		}
	}

	out := make([]*domain.Cluster, 0, len(fresh)+len(persisted))
	out = append(out, fresh...)
	for i, prev := range persisted {
		if acc, ok := absorbed[i]; ok {
			out = append(out, acc)
		} else {
			out = append(out, prev)
		}
	}
	return out
}

// ShouldMerge reports whether two clusters satisfy any of the
// similarity predicates: normalized keyword Jaccard, centroid cosine,
// enough shared (core) keywords, or near-identical names backed by at
// least one shared keyword.
func (m *Merger) ShouldMerge(a, b *domain.Cluster) bool {
	kwA := lowerSet(a.Keywords)
	kwB := lowerSet(b.Keywords)
	normA := normalizeSet(kwA)
	normB := normalizeSet(kwB)

	normShared := intersection(normA, normB)

	var jaccard float64
	if len(normA) > 0 && len(normB) > 0 {
		union := len(normA) + len(normB) - len(normShared)
		if union > 0 {
			jaccard = float64(len(normShared)) / float64(union)
		}
	}

	if jaccard >= 1 {
		return true
	}
	if jaccard >= 0.40 || feature.Cosine(a.Centroid, b.Centroid) >= m.cfg.SimilarityThreshold {
		return true
	}
	if len(normShared) >= 2 {
		return true
	}

	rawShared := intersection(kwA, kwB)
	if len(rawShared) >= 2 {
		sharedCore := 0
		for kw := range rawShared {
			if coreIndicators[kw] {
				sharedCore++
			}
		}
		// Matching payment wording on both sides counts as one shared
		// core term: the channels are interchangeable in scam context.
		if hasPayment(kwA) && hasPayment(kwB) {
			sharedCore++
		}
		if sharedCore >= 2 {
			return true
		}
		if rawShared["loan"] && rawShared["urgent"] {
			return true
		}
	}

	return nameOverlap(a.Name, b.Name) >= 2.0/3.0 && len(normShared) >= 1
}

// MatchEvent scores one event against a cluster for analyze-time
// matching. The combined score blends centroid cosine (70%) with
// normalized keyword Jaccard (30%). An event matches on a strong
// cosine, a strong keyword overlap, a strong combined score, or a
// shared core indicator backed by weak vector agreement; the last case
// floors the combined score at the similarity threshold so the
// downstream score weighting treats it as a full match.
func (m *Merger) MatchEvent(vector []float64, flags []string, c *domain.Cluster) (float64, bool) {
	cos := feature.Cosine(vector, c.Centroid)

	evt := normalizeKeywords(flags)
	kw := normalizeKeywords(c.Keywords)
	shared := intersection(evt, kw)

	var jaccard float64
	if len(evt) > 0 && len(kw) > 0 {
		union := len(evt) + len(kw) - len(shared)
		if union > 0 {
			jaccard = float64(len(shared)) / float64(union)
		}
	}

	combined := 0.7*cos + 0.3*jaccard

	if cos >= m.cfg.SimilarityThreshold || combined >= m.cfg.SimilarityThreshold {
		return combined, true
	}
	if jaccard >= 0.5 && len(shared) >= 2 {
		return combined, true
	}
	if cos >= 0.30 {
		for term := range shared {
			if coreIndicators[term] {
				if combined < m.cfg.SimilarityThreshold {
					combined = m.cfg.SimilarityThreshold
				}
				return combined, true
			}
		}
	}

	return combined, false
}

// mergePayload unions two clusters. The first argument's identity (ID,
// created-at) survives; scores and centroids combine as member-count
// weighted means; keywords union capped by corpus weight; the name is
// re-derived from the merged membership's window documents.
func (m *Merger) mergePayload(a, b *domain.Cluster, corpus *Corpus, now time.Time) *domain.Cluster {
	members := unionSorted(a.Members, b.Members)

	wa, wb := float64(a.Size), float64(b.Size)
	if wa <= 0 {
		wa = 1
	}
	if wb <= 0 {
		wb = 1
	}

	merged := &domain.Cluster{
		ID:        a.ID,
		Centroid:  weightedCentroid(a.Centroid, wa, b.Centroid, wb),
		Members:   members,
		Size:      len(members),
		Keywords:  m.mergeKeywords(a.Keywords, b.Keywords, corpus),
		AvgScore:  round1((a.AvgScore*wa + b.AvgScore*wb) / (wa + wb)),
		CreatedAt: a.CreatedAt,
		UpdatedAt: now,
		Active:    true,
		Emerging:  a.Emerging && b.Emerging,
	}

	merged.Name = a.Name
	if docs := corpus.DocsFor(members); len(docs) > 0 {
		if name, _ := DeriveName(docs, corpus, 0); name != FallbackName(0) {
			merged.Name = name
		}
	}

	return merged
}

// mergeKeywords unions two keyword lists capped to the configured
// bound. With corpus statistics the union ranks by corpus-wide TF-IDF;
// without them, keywords shared by both sides rank first and original
// order breaks ties.
func (m *Merger) mergeKeywords(a, b []string, corpus *Corpus) []string {
	limit := m.cfg.KeywordCap
	if limit <= 0 {
		limit = 5
	}

	seen := make(map[string]int)
	var union []string
	for _, kw := range append(append([]string{}, a...), b...) {
		key := strings.ToLower(strings.TrimSpace(kw))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; !ok {
			union = append(union, kw)
		}
		seen[key]++
	}

	if !corpus.Empty() {
		sort.SliceStable(union, func(i, j int) bool {
			si := corpus.TermScore(strings.ToLower(union[i]))
			sj := corpus.TermScore(strings.ToLower(union[j]))
			if si != sj {
				return si > sj
			}
			return strings.ToLower(union[i]) < strings.ToLower(union[j])
		})
	} else {
		sort.SliceStable(union, func(i, j int) bool {
			return seen[strings.ToLower(union[i])] > seen[strings.ToLower(union[j])]
		})
	}

	if len(union) > limit {
		union = union[:limit]
	}
	return union
}

func lowerSet(keywords []string) map[string]bool {
	set := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			set[kw] = true
		}
	}
	return set
}

// normalizeKeywords lowercases keywords and collapses payment synonyms
// into the canonical "payment" token.
func normalizeKeywords(keywords []string) map[string]bool {
	return normalizeSet(lowerSet(keywords))
}

func normalizeSet(set map[string]bool) map[string]bool {
	out := make(map[string]bool, len(set))
	for kw := range set {
		if paymentSynonyms[kw] {
			out["payment"] = true
		} else {
			out[kw] = true
		}
	}
	return out
}

func hasPayment(set map[string]bool) bool {
	for kw := range set {
		if paymentSynonyms[kw] {
			return true
		}
	}
	return false
}

func intersection(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for kw := range a {
		if b[kw] {
			out[kw] = true
		}
	}
	return out
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for kw := range a {
		if !b[kw] {
			return false
		}
	}
	return true
}

// nameOverlap compares the " / " separated tokens of two display names.
func nameOverlap(a, b string) float64 {
	tokensA := nameTokens(a)
	tokensB := nameTokens(b)
	if len(tokensA) == 0 && len(tokensB) == 0 {
		return 0
	}

	shared := len(intersection(tokensA, tokensB))
	union := len(tokensA) + len(tokensB) - shared
	if union < 1 {
		union = 1
	}
	return float64(shared) / float64(union)
}

func nameTokens(name string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Split(strings.ToLower(name), " / ") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

func unionSorted(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, m := range a {
		set[m] = true
	}
	for _, m := range b {
		set[m] = true
	}

	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func weightedCentroid(a []float64, wa float64, b []float64, wb float64) []float64 {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 || len(a) != len(b) {
		return a
	}

	out := make([]float64, len(a))
	total := wa + wb
	for i := range a {
		out[i] = (a[i]*wa + b[i]*wb) / total
	}
	return out
}
