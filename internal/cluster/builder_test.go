package cluster

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func testBuilder() *Builder {
	return NewBuilder(domain.DefaultConfig().Clustering)
}

func mkSample(receiver, message string, flags []string, score float64, vector []float64) *Sample {
	return &Sample{
		Receiver:     receiver,
		Message:      message,
		PatternFlags: flags,
		ReportScore:  score,
		Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Vector:       vector,
	}
}

func TestBuildBelowMinimum(t *testing.T) {
	samples := []*Sample{
		mkSample("r1", "urgent loan offer", []string{"loan"}, 70, []float64{1, 0}),
		mkSample("r2", "urgent loan offer", []string{"loan"}, 70, []float64{1, 0}),
	}

	clusters, noise, err := testBuilder().Build(samples, NewCorpus(samples), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 0 {
		t.Errorf("expected no clusters below minimum, got %d", len(clusters))
	}
	if len(noise) != 2 {
		t.Errorf("expected both samples back as noise, got %d", len(noise))
	}
}

func TestBuildSingleCampaign(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	samples := []*Sample{
		mkSample("r1", "urgent loan offer", []string{"loan"}, 70, []float64{1, 0, 0}),
		mkSample("r2", "urgent loan offer", []string{"loan"}, 75, []float64{1, 0, 0}),
		mkSample("r3", "urgent loan offer", []string{"loan"}, 80, []float64{1, 0, 0}),
	}

	clusters, noise, err := testBuilder().Build(samples, NewCorpus(samples), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if len(noise) != 0 {
		t.Errorf("expected no noise, got %d", len(noise))
	}

	c := clusters[0]
	if c.ID == "" {
		t.Error("cluster should get a generated id")
	}
	if c.Size != 3 || len(c.Members) != 3 {
		t.Errorf("expected 3 members, got size=%d members=%v", c.Size, c.Members)
	}
	// Members come back sorted for stable persistence.
	if c.Members[0] != "r1" || c.Members[1] != "r2" || c.Members[2] != "r3" {
		t.Errorf("expected sorted members, got %v", c.Members)
	}
	// (70+75+80)/3 = 75
	if c.AvgScore != 75.0 {
		t.Errorf("expected avg 75.0, got %v", c.AvgScore)
	}
	// loan appears in both text and flags, so it outranks the rest.
	if c.Name != "Loan / Offer / Urgent" {
		t.Errorf("expected TF-IDF name, got %q", c.Name)
	}
	if len(c.Keywords) == 0 || c.Keywords[0] != "loan" {
		t.Errorf("expected loan as the top keyword, got %v", c.Keywords)
	}
	if !c.Active || c.Emerging {
		t.Errorf("fresh cluster should be active and not emerging: active=%v emerging=%v", c.Active, c.Emerging)
	}
	if !c.CreatedAt.Equal(now) || !c.UpdatedAt.Equal(now) {
		t.Errorf("expected timestamps pinned to now, got created=%v updated=%v", c.CreatedAt, c.UpdatedAt)
	}
	for i, want := range []float64{1, 0, 0} {
		if c.Centroid[i] != want {
			t.Errorf("centroid[%d]: expected %v, got %v", i, want, c.Centroid[i])
		}
	}
}

func TestBuildSeparatesDistantGroups(t *testing.T) {
	samples := []*Sample{
		mkSample("r1", "urgent loan offer", []string{"loan"}, 70, []float64{0, 0}),
		mkSample("r2", "urgent loan offer", []string{"loan"}, 70, []float64{0, 0}),
		mkSample("r3", "urgent loan offer", []string{"loan"}, 70, []float64{0, 0}),
		mkSample("r4", "lottery winner claim", []string{"lottery"}, 60, []float64{10, 0}),
		mkSample("r5", "lottery winner claim", []string{"lottery"}, 60, []float64{10, 0}),
	}

	clusters, noise, err := testBuilder().Build(samples, NewCorpus(samples), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected only the loan group to cluster, got %d", len(clusters))
	}
	if clusters[0].Size != 3 {
		t.Errorf("expected the 3-receiver group, got size %d", clusters[0].Size)
	}
	// The lottery pair is too small; it stays noise for emerging
	// detection instead of being dropped.
	if len(noise) != 2 {
		t.Fatalf("expected 2 noise samples, got %d", len(noise))
	}
	for _, s := range noise {
		if s.Receiver != "r4" && s.Receiver != "r5" {
			t.Errorf("unexpected noise sample %s", s.Receiver)
		}
	}
}

func TestBuildDistinctReceiverFloor(t *testing.T) {
	// Three reports but only two victims: repeat reports against the
	// same receiver must not satisfy the cluster minimum.
	samples := []*Sample{
		mkSample("r1", "urgent loan offer", []string{"loan"}, 70, []float64{1, 0}),
		mkSample("r1", "urgent loan offer", []string{"loan"}, 70, []float64{1, 0}),
		mkSample("r2", "urgent loan offer", []string{"loan"}, 70, []float64{1, 0}),
	}

	clusters, noise, err := testBuilder().Build(samples, NewCorpus(samples), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 0 {
		t.Errorf("expected no cluster from 2 distinct receivers, got %d", len(clusters))
	}
	if len(noise) != 3 {
		t.Errorf("expected all 3 samples as noise, got %d", len(noise))
	}
}

func TestBuildDegenerateVectors(t *testing.T) {
	samples := []*Sample{
		mkSample("r1", "urgent loan offer", []string{"loan"}, 70, []float64{math.NaN(), 0}),
		mkSample("r2", "urgent loan offer", []string{"loan"}, 70, []float64{1, 0}),
		mkSample("r3", "urgent loan offer", []string{"loan"}, 70, []float64{1, 0}),
	}

	clusters, noise, err := testBuilder().Build(samples, NewCorpus(samples), time.Now().UTC())
	if !errors.Is(err, ErrDegenerate) {
		t.Fatalf("expected ErrDegenerate, got %v", err)
	}
	if clusters != nil || noise != nil {
		t.Errorf("degenerate input should return nothing, got clusters=%v noise=%v", clusters, noise)
	}
}

func TestBuildFallbackName(t *testing.T) {
	// No scoreable terms anywhere: the cluster still forms, under the
	// numbered fallback name.
	samples := []*Sample{
		mkSample("r1", "", nil, 70, []float64{1, 0}),
		mkSample("r2", "", nil, 70, []float64{1, 0}),
		mkSample("r3", "", nil, 70, []float64{1, 0}),
	}

	clusters, _, err := testBuilder().Build(samples, NewCorpus(samples), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if clusters[0].Name != FallbackName(1) {
		t.Errorf("expected fallback name, got %q", clusters[0].Name)
	}
	if len(clusters[0].Keywords) != 0 {
		t.Errorf("expected no keywords, got %v", clusters[0].Keywords)
	}
}
