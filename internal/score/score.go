// Package score blends per-agent risk scores into overall assessments
// and derives the per-report score that feeds receiver profiles.
package score

import (
	"math"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// WeightsVersion identifies the slot weight set. Stored assessments can
// be traced back to the scheme that produced them.
const WeightsVersion = "agent-weights/2"

// NeutralScore substitutes for missing or malformed agent scores.
// Neutral rather than zero so absent agents do not drag events toward
// "safe".
const NeutralScore = 50.0

// HighRiskCutoff is the per-agent score treated as a high-risk vote in
// the consensus boost.
const HighRiskCutoff = 70.0

// Blend weights for the final overall risk.
const (
	AgentWeight   = 0.7
	ContextWeight = 0.3
)

// slotWeights holds the fixed per-slot aggregation weights, indexed by
// domain.AgentSlotOrder. Pattern carries the most signal, biometric the
// least.
var slotWeights = [domain.AgentSlotCount]float64{0.40, 0.25, 0.25, 0.10}

// NormalizeScores expands a by-name score map into the fixed slot
// array. Missing or malformed entries get NeutralScore; their slot
// names come back in the second return so callers can log them.
func NormalizeScores(byName map[string]float64) ([]float64, []string) {
	scores := make([]float64, domain.AgentSlotCount)
	var substituted []string

	found := make([]bool, domain.AgentSlotCount)
	for name, s := range byName {
		idx := domain.AgentSlotIndex(name)
		if idx < 0 {
			continue
		}
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		scores[idx] = clamp(s, 0, 100)
		found[idx] = true
	}

	for i, ok := range found {
		if !ok {
			scores[i] = NeutralScore
			substituted = append(substituted, domain.AgentSlotOrder[i])
		}
	}

	return scores, substituted
}

// AgentAggregate blends the slot scores using the fixed weights,
// renormalized over the slots actually provided, then applies the
// consensus boost. Result is in [0,100], rounded to one decimal.
//
// Boost: two or more high-risk votes amplify by 15%; a single high-risk
// vote amplifies a moderate base by 10% and a low base by 20% (one
// confident agent against quiet peers is a stronger anomaly signal).
func AgentAggregate(scores []float64) float64 {
	var weightedSum, totalWeight float64
	highRisk := 0

	for i := 0; i < domain.AgentSlotCount && i < len(scores); i++ {
		s := scores[i]
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		s = clamp(s, 0, 100)

		weightedSum += s * slotWeights[i]
		totalWeight += slotWeights[i]
		if s >= HighRiskCutoff {
			highRisk++
		}
	}

	if totalWeight == 0 {
		return 0
	}

	overall := weightedSum / totalWeight

	switch {
	case highRisk >= 2:
		overall = math.Min(overall*1.15, 100)
	case highRisk == 1 && overall >= 50:
		overall = math.Min(overall*1.10, 100)
	case highRisk == 1 && overall < 50:
		overall = math.Min(overall*1.20, 100)
	}

	return round1(overall)
}

// Blend combines the agent aggregate with the contextual score 70/30,
// clamped to [0,100] and rounded to one decimal.
func Blend(agentAggregate, contextual float64) float64 {
	overall := AgentWeight*agentAggregate + ContextWeight*contextual
	return round1(clamp(overall, 0, 100))
}

// ReportScore derives the per-report score that feeds a receiver's
// rolling average: 60% mean agent risk, 20% behavior score, 15%
// velocity, 5% geo, plus 5 points per pattern flag capped at 20.
// Capped at 100.
func ReportScore(scores []float64, flags []string, amount float64, ts time.Time) float64 {
	avgRisk := meanScore(scores)

	behavior := 0.0
	if len(scores) > domain.AgentSlotIndex(domain.AgentBehavior) {
		behavior = clamp(scores[domain.AgentSlotIndex(domain.AgentBehavior)], 0, 100)
	}

	// Geo signal is not collected yet; the weight is reserved.
	geo := 0.0

	flagBonus := math.Min(float64(len(flags))*5, 20)

	s := avgRisk*0.6 + behavior*0.2 + VelocityScore(amount, ts)*0.15 + geo*0.05 + flagBonus
	return round1(math.Min(100, s))
}

// VelocityScore estimates transfer velocity risk from the amount tier,
// with a late-night bump (22:00-05:59). Capped at 100.
func VelocityScore(amount float64, ts time.Time) float64 {
	velocity := 0.0
	switch {
	case amount >= 20000:
		velocity += 40
	case amount >= 10000:
		velocity += 25
	case amount >= 5000:
		velocity += 15
	}

	if !ts.IsZero() {
		hour := ts.Hour()
		if hour >= 22 || hour <= 5 {
			velocity += 15
		}
	}

	return math.Min(100, velocity)
}

func meanScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	n := 0
	for _, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		sum += clamp(s, 0, 100)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
