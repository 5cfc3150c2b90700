package domain

import "time"

// Cluster is a discovered scam pattern: a centroid in feature space plus
// the distinct receivers whose reports fall under it. Clusters are
// retired (Active=false) rather than deleted.
type Cluster struct {
	ID       string    `json:"clusterId"`
	Name     string    `json:"name"`
	Centroid []float64 `json:"-"`

	// Members holds distinct receiver IDs, sorted.
	Members []string `json:"members"`

	// Size is the distinct member count, kept denormalized for
	// weighting merges without recounting.
	Size int `json:"size"`

	// Keywords are the top flag terms, bounded (default 5).
	Keywords []string `json:"topKeywords"`

	AvgScore  float64   `json:"avgScore"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Active    bool      `json:"active"`

	// Emerging marks clusters promoted from the noise pool before they
	// reach the distinct-receiver minimum.
	Emerging bool `json:"emerging"`
}

// HasMember reports whether receiverID is in the member set.
func (c *Cluster) HasMember(receiverID string) bool {
	for _, m := range c.Members {
		if m == receiverID {
			return true
		}
	}
	return false
}

// ClusterSummary is the API projection of a cluster.
type ClusterSummary struct {
	ClusterID   string    `json:"clusterId"`
	Name        string    `json:"name"`
	Members     []string  `json:"members"`
	Count       int       `json:"count"`
	AvgScore    float64   `json:"avgScore"`
	TopKeywords []string  `json:"topKeywords"`
	Active      bool      `json:"active"`
	Emerging    bool      `json:"emerging"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Summary converts a cluster to its API projection.
func (c *Cluster) Summary() ClusterSummary {
	return ClusterSummary{
		ClusterID:   c.ID,
		Name:        c.Name,
		Members:     c.Members,
		Count:       c.Size,
		AvgScore:    c.AvgScore,
		TopKeywords: c.Keywords,
		Active:      c.Active,
		Emerging:    c.Emerging,
		UpdatedAt:   c.UpdatedAt,
	}
}
