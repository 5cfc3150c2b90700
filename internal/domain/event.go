package domain

import (
	"strings"
	"time"
)

// Agent slot names in canonical order. Scores are stored as a fixed
// four-element array indexed by this order.
const (
	AgentPattern   = "pattern"
	AgentNetwork   = "network"
	AgentBehavior  = "behavior"
	AgentBiometric = "biometric"

	// AgentSlotCount is the fixed number of scoring agents.
	AgentSlotCount = 4
)

// AgentSlotOrder is the canonical slot ordering for agent score arrays.
var AgentSlotOrder = [AgentSlotCount]string{
	AgentPattern,
	AgentNetwork,
	AgentBehavior,
	AgentBiometric,
}

// AgentSlotIndex returns the slot position for an agent name, or -1 if
// the name is not a known agent. Accepts the long form ("Pattern
// Agent") used by the upstream scoring services.
func AgentSlotIndex(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, " agent")
	for i, slot := range AgentSlotOrder {
		if slot == name {
			return i
		}
	}
	return -1
}

// EventInput is a raw fraud-signal report submitted for recording or
// one-off analysis. AgentScores is keyed by agent name; slots the
// caller omits are filled with a neutral default during ingestion.
type EventInput struct {
	ReceiverID   string             `json:"receiverId"`
	MessageText  string             `json:"messageText"`
	PatternFlags []string           `json:"patternFlags,omitempty"`
	AgentScores  map[string]float64 `json:"agentScores,omitempty"`
	Amount       float64            `json:"amount,omitempty"`
	Timestamp    time.Time          `json:"timestamp,omitempty"`
}

// ThreatEvent is one recorded report. Events are append-only and
// immutable; profiles and clusters are derived from them.
type ThreatEvent struct {
	ID           string    `json:"eventId"`
	Timestamp    time.Time `json:"timestamp"`
	ReceiverID   string    `json:"receiverId"`
	MessageText  string    `json:"messageText"`
	PatternFlags []string  `json:"patternFlags"`

	// AgentScores holds exactly one score per slot in AgentSlotOrder,
	// each in [0,100]. Missing input slots are recorded as 50.
	AgentScores []float64 `json:"agentScores"`

	// Amount is the transaction amount the report refers to, if any.
	Amount float64 `json:"amount,omitempty"`

	// FeatureVector is the cached 520-dimension vector for this event.
	// Derived data, not part of the wire format.
	FeatureVector []float64 `json:"-"`

	// OverallRisk and Signal record the assessment computed at ingestion.
	OverallRisk float64 `json:"overallRisk"`
	Signal      string  `json:"signal"`

	CreatedAt time.Time `json:"createdAt"`
}

// Signal values attached to a risk assessment, in priority order.
// Exactly one is surfaced per assessment.
const (
	SignalTrending      = "trending"
	SignalClusterMember = "cluster_member"
	SignalClusterMatch  = "cluster_match"
	SignalNone          = "none"
)

// RiskAssessment is the blended scoring verdict for a single event.
type RiskAssessment struct {
	EventID         string  `json:"eventId,omitempty"`
	OverallRisk     float64 `json:"overallRisk"`
	AgentAggregate  float64 `json:"agentAggregate"`
	ContextualScore float64 `json:"contextualScore"`
	Signal          string  `json:"signal"`

	// Populated when the signal references a cluster.
	ClusterID   string  `json:"clusterId,omitempty"`
	ClusterName string  `json:"clusterName,omitempty"`
	Similarity  float64 `json:"similarity,omitempty"`

	// Populated for the trending signal.
	ReportCount int `json:"reportCount,omitempty"`
}

// ReceiverProfile accumulates per-receiver intelligence across reports.
// Profiles are never deleted; the report count and rolling average only
// move forward.
type ReceiverProfile struct {
	ReceiverID      string    `json:"receiverId"`
	ReportCount     int       `json:"reportCount"`
	RollingAvgScore float64   `json:"rollingAvgScore"`
	PatternFlags    []string  `json:"patternFlags"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
}
