package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func testLifecycle() *Lifecycle {
	return NewLifecycle(domain.DefaultConfig().Clustering)
}

func TestLifecycleApply(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(size int, emerging bool, updatedAt time.Time) *domain.Cluster {
		members := make([]string, size)
		for i := range members {
			members[i] = fmt.Sprintf("r%d", i)
		}
		return &domain.Cluster{
			ID:        "c1",
			Members:   members,
			Size:      size,
			UpdatedAt: updatedAt,
			Emerging:  emerging,
		}
	}

	t.Run("FreshClusterStaysActive", func(t *testing.T) {
		c := mk(5, false, now)
		testLifecycle().Apply([]*domain.Cluster{c}, now)
		if !c.Active {
			t.Error("fresh cluster at minimum size should be active")
		}
	})

	t.Run("StaleClusterDeactivates", func(t *testing.T) {
		c := mk(5, false, now.Add(-31*24*time.Hour))
		testLifecycle().Apply([]*domain.Cluster{c}, now)
		if c.Active {
			t.Error("cluster past the inactivity window should deactivate")
		}
	})

	t.Run("CutoffIsInclusive", func(t *testing.T) {
		c := mk(5, false, now.Add(-30*24*time.Hour))
		testLifecycle().Apply([]*domain.Cluster{c}, now)
		if !c.Active {
			t.Error("cluster updated exactly at the cutoff should stay active")
		}
	})

	t.Run("BelowMinimumDeactivates", func(t *testing.T) {
		c := mk(2, false, now)
		testLifecycle().Apply([]*domain.Cluster{c}, now)
		if c.Active {
			t.Error("cluster below minimum size should deactivate")
		}
	})

	t.Run("EmergingBelowMinimumStaysInactive", func(t *testing.T) {
		c := mk(2, true, now)
		testLifecycle().Apply([]*domain.Cluster{c}, now)
		if c.Active {
			t.Error("emerging cluster below minimum size must not be active")
		}
		if !c.Emerging {
			t.Error("emerging flag should survive below the minimum")
		}
	})

	t.Run("EmergingGraduatesAtMinimum", func(t *testing.T) {
		c := mk(3, true, now)
		testLifecycle().Apply([]*domain.Cluster{c}, now)
		if c.Emerging {
			t.Error("emerging flag should clear once the cluster reaches minimum size")
		}
		if !c.Active {
			t.Error("graduated cluster should be active")
		}
	})

	t.Run("StaleEmergingDeactivates", func(t *testing.T) {
		c := mk(3, true, now.Add(-31*24*time.Hour))
		testLifecycle().Apply([]*domain.Cluster{c}, now)
		if c.Active {
			t.Error("graduation must not override the inactivity window")
		}
	})
}

func TestDetectEmerging(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mkNoise := func(n int, flags []string, score float64, ts time.Time) []*Sample {
		out := make([]*Sample, n)
		for i := range out {
			out[i] = &Sample{
				Receiver:     fmt.Sprintf("r%02d", i),
				Message:      "investment doubles in one week",
				PatternFlags: flags,
				ReportScore:  score,
				Timestamp:    ts,
				Vector:       []float64{1, 0},
			}
		}
		return out
	}

	t.Run("PromotesHomogeneousNoise", func(t *testing.T) {
		noise := mkNoise(15, []string{"invest", "crypto"}, 70, now.Add(-time.Hour))

		out := testLifecycle().DetectEmerging(noise, now)
		if len(out) != 1 {
			t.Fatalf("expected 1 emerging cluster, got %d", len(out))
		}

		c := out[0]
		if !c.Emerging || !c.Active {
			t.Errorf("expected active emerging cluster, got emerging=%v active=%v", c.Emerging, c.Active)
		}
		if c.Size != 15 {
			t.Errorf("expected 15 distinct receivers, got %d", c.Size)
		}
		if c.Name != FallbackName(1) {
			t.Errorf("expected numbered fallback name, got %q", c.Name)
		}
		if c.AvgScore != 70.0 {
			t.Errorf("expected avg 70.0, got %v", c.AvgScore)
		}
		// Most frequent flags, ties alphabetical.
		if len(c.Keywords) != 2 || c.Keywords[0] != "crypto" || c.Keywords[1] != "invest" {
			t.Errorf("expected [crypto invest], got %v", c.Keywords)
		}
	})

	t.Run("BelowVolumeIgnored", func(t *testing.T) {
		noise := mkNoise(14, []string{"invest"}, 70, now.Add(-time.Hour))
		if out := testLifecycle().DetectEmerging(noise, now); len(out) != 0 {
			t.Errorf("expected no promotion below the volume floor, got %d", len(out))
		}
	})

	t.Run("LowScoreIgnored", func(t *testing.T) {
		noise := mkNoise(15, []string{"invest"}, 50, now.Add(-time.Hour))
		if out := testLifecycle().DetectEmerging(noise, now); len(out) != 0 {
			t.Errorf("expected no promotion below the score floor, got %d", len(out))
		}
	})

	t.Run("StaleActivityIgnored", func(t *testing.T) {
		noise := mkNoise(15, []string{"invest"}, 70, now.Add(-8*24*time.Hour))
		if out := testLifecycle().DetectEmerging(noise, now); len(out) != 0 {
			t.Errorf("expected no promotion outside the emerging window, got %d", len(out))
		}
	})

	t.Run("MixedSignaturesStaySeparate", func(t *testing.T) {
		noise := append(
			mkNoise(8, []string{"invest"}, 70, now.Add(-time.Hour)),
			mkNoise(8, []string{"lottery"}, 70, now.Add(-time.Hour))...,
		)
		if out := testLifecycle().DetectEmerging(noise, now); len(out) != 0 {
			t.Errorf("two 8-sample signatures must not pool into one campaign, got %d", len(out))
		}
	})

	t.Run("TwoReceiverPoolStaysInactive", func(t *testing.T) {
		// Heavy volume against just two receivers promotes an emerging
		// cluster, but it must not count as active below the
		// distinct-member minimum.
		noise := mkNoise(15, []string{"invest", "crypto"}, 70, now.Add(-time.Hour))
		for i, s := range noise {
			s.Receiver = fmt.Sprintf("r%d", i%2)
		}

		lc := testLifecycle()
		out := lc.DetectEmerging(noise, now)
		if len(out) != 1 {
			t.Fatalf("expected 1 emerging cluster, got %d", len(out))
		}
		lc.Apply(out, now)

		c := out[0]
		if c.Size != 2 {
			t.Fatalf("expected 2 distinct receivers, got %d", c.Size)
		}
		if !c.Emerging {
			t.Error("expected the pool to keep its emerging flag")
		}
		if c.Active {
			t.Error("two-receiver emerging cluster must not be active")
		}
	})

	t.Run("FlaglessGroupsByMessagePrefix", func(t *testing.T) {
		noise := mkNoise(15, nil, 70, now.Add(-time.Hour))

		out := testLifecycle().DetectEmerging(noise, now)
		if len(out) != 1 {
			t.Fatalf("expected message-prefix grouping to promote, got %d", len(out))
		}
		if len(out[0].Keywords) != 0 {
			t.Errorf("flagless promotion should carry no keywords, got %v", out[0].Keywords)
		}
	})
}
