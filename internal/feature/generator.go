// Package feature builds fixed-dimension feature vectors for threat events.
//
// A vector is three concatenated segments: a semantic sentence embedding
// of the message text, a hashed bag of pattern flags, and the normalized
// agent scores with high-risk indicators.
package feature

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Segment widths. The total dimension is fixed; every stored vector and
// centroid must match it.
const (
	SemanticDim    = 384
	KeywordBuckets = 128
	AgentSegment   = 2 * domain.AgentSlotCount

	// VectorDim is the full vector width: 384 + 128 + 8 = 520.
	VectorDim = SemanticDim + KeywordBuckets + AgentSegment

	// HighRiskCutoff is the agent score at which the per-slot binary
	// indicator flips to 1.
	HighRiskCutoff = 70.0

	// KeywordHashScheme identifies the keyword bucketing function:
	// FNV-1a 32-bit (offset basis 2166136261, prime 16777619) over the
	// lowercased flag, bucket = hash mod KeywordBuckets. Stored vectors
	// depend on it, so any change needs a new scheme id.
	KeywordHashScheme = "fnv1a32/1"
)

// Generator converts event fields into feature vectors.
type Generator struct {
	embedder domain.Embedder
}

// NewGenerator creates a generator backed by the given embedder.
func NewGenerator(embedder domain.Embedder) *Generator {
	return &Generator{embedder: embedder}
}

// Generate builds the full vector for one event. It never fails: an
// unavailable embedder or empty text leaves the semantic segment zero,
// and agent slots beyond the provided scores get the neutral defaults.
func (g *Generator) Generate(ctx context.Context, messageText string, patternFlags []string, agentScores []float64) []float64 {
	vec := make([]float64, VectorDim)

	g.fillSemantic(ctx, vec[:SemanticDim], messageText)
	fillKeywords(vec[SemanticDim:SemanticDim+KeywordBuckets], patternFlags)
	fillAgents(vec[SemanticDim+KeywordBuckets:], agentScores)

	return vec
}

func (g *Generator) fillSemantic(ctx context.Context, seg []float64, text string) {
	text = strings.TrimSpace(text)
	if text == "" || g.embedder == nil {
		return
	}

	emb, err := g.embedder.Embed(ctx, text)
	if err != nil {
		slog.Debug("embedding unavailable, zero-filling semantic segment", "error", err)
		return
	}
	if len(emb) != SemanticDim {
		slog.Warn("embedder returned wrong dimension", "got", len(emb), "want", SemanticDim)
		return
	}

	copy(seg, emb)
}

// fillKeywords sets one bucket per distinct flag. Buckets carry set
// semantics: repeated or colliding flags still produce 1.0.
func fillKeywords(seg []float64, flags []string) {
	for _, flag := range flags {
		flag = strings.ToLower(strings.TrimSpace(flag))
		if flag == "" {
			continue
		}
		seg[keywordBucket(flag)] = 1.0
	}
}

func keywordBucket(flag string) int {
	h := fnv.New32a()
	h.Write([]byte(flag))
	return int(h.Sum32() % KeywordBuckets)
}

// fillAgents writes score/100 plus a high-risk indicator per slot.
// Missing or malformed slots get a neutral 0.5 with indicator 0 so that
// absent agents do not read as "safe" in distance calculations.
func fillAgents(seg []float64, scores []float64) {
	for i := 0; i < domain.AgentSlotCount; i++ {
		if i >= len(scores) || math.IsNaN(scores[i]) || math.IsInf(scores[i], 0) {
			seg[2*i] = 0.5
			seg[2*i+1] = 0
			continue
		}

		s := scores[i]
		if s < 0 {
			s = 0
		}
		if s > 100 {
			s = 100
		}

		seg[2*i] = s / 100
		if s >= HighRiskCutoff {
			seg[2*i+1] = 1.0
		}
	}
}

// Cosine returns the cosine similarity of two vectors. Mismatched
// lengths or a zero-magnitude side yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}

	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
