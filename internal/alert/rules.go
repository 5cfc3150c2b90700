package alert

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Severity levels for alert rules.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Rule is one alert condition evaluated against every cluster of a
// refreshed generation. Expressions are CEL and must return bool; the
// available variables are name (string), size (int), avgScore
// (double), active (bool), emerging (bool), and keywords
// (list of string).
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    string `yaml:"severity,omitempty" json:"severity,omitempty"`
	Expression  string `yaml:"expression" json:"expression"`

	// Enabled defaults to true when omitted in the rule file.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

func (r *Rule) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Alert is one matched rule for one cluster.
type Alert struct {
	RuleID      string    `json:"ruleId"`
	Severity    string    `json:"severity"`
	Description string    `json:"description,omitempty"`
	ClusterID   string    `json:"clusterId"`
	ClusterName string    `json:"clusterName"`
	Size        int       `json:"size"`
	AvgScore    float64   `json:"avgScore"`
	Emerging    bool      `json:"emerging"`
	FiredAt     time.Time `json:"firedAt"`
}

// DefaultRules returns the built-in rule set used when no rule file is
// configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "high-risk-cluster",
			Description: "High-scoring cluster with broad receiver spread",
			Severity:    SeverityCritical,
			Expression:  "active && avgScore >= 80.0 && size >= 5",
		},
		{
			ID:          "emerging-campaign",
			Description: "Fresh campaign promoted out of the noise pool",
			Severity:    SeverityWarning,
			Expression:  "emerging && avgScore >= 60.0",
		},
		{
			ID:          "otp-harvesting",
			Description: "Active cluster keyed on OTP harvesting",
			Severity:    SeverityWarning,
			Expression:  `active && keywords.exists(k, k == "otp")`,
		},
	}
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// parseRuleFile reads and validates a YAML rule file.
func parseRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rule file %s contains no rules", path)
	}
	for i, r := range f.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule file %s: rule %d has no id", path, i)
		}
		if r.Expression == "" {
			return nil, fmt.Errorf("rule file %s: rule %s has no expression", path, r.ID)
		}
	}

	return f.Rules, nil
}
