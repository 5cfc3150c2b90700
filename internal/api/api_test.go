package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/embed"
	"github.com/opensource-finance/harrier/internal/intel"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
)

// base sits mid-day so velocity scoring never adds the late-night bump.
var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// createTestServer wires the community stack (sqlite, memory cache,
// channel bus, noop embedder) behind a server.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	f, err := os.CreateTemp("", "harrier-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: f.Name()})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	memCache, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100, LocalTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	chanBus, err := bus.New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 64})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() { chanBus.Close() })

	m := metrics.New()
	svc, err := intel.New(context.Background(), repo, memCache, chanBus, embed.NewNoOp(0), domain.DefaultConfig().Clustering, m)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, svc, repo, memCache, chanBus, m, "test-v1")
}

// postEvent records one report through the HTTP surface.
func postEvent(t *testing.T, server *Server, input domain.EventInput) domain.RiskAssessment {
	t.Helper()

	body, _ := json.Marshal(input)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var assessment domain.RiskAssessment
	if err := json.Unmarshal(rr.Body.Bytes(), &assessment); err != nil {
		t.Fatalf("failed to parse assessment: %v", err)
	}
	return assessment
}

// recordCampaign posts a three-receiver loan-scam campaign, three
// reports each.
func recordCampaign(t *testing.T, server *Server) {
	t.Helper()

	for _, r := range []string{"rcv-a", "rcv-b", "rcv-c"} {
		for i := 0; i < 3; i++ {
			postEvent(t, server, domain.EventInput{
				ReceiverID:   r,
				MessageText:  "urgent loan emi payment due today",
				PatternFlags: []string{"loan", "urgent", "emi"},
				AgentScores: map[string]float64{
					domain.AgentPattern:   90,
					domain.AgentNetwork:   90,
					domain.AgentBehavior:  90,
					domain.AgentBiometric: 90,
				},
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			})
		}
	}
}

func forceRefresh(t *testing.T, server *Server) intel.RefreshResult {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/refresh", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result intel.RefreshResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse refresh result: %v", err)
	}
	return result
}

func TestRecordEventEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulRecord", func(t *testing.T) {
		assessment := postEvent(t, server, domain.EventInput{
			ReceiverID:   "rcv-001",
			MessageText:  "urgent loan emi payment due today",
			PatternFlags: []string{"loan", "urgent"},
			AgentScores: map[string]float64{
				domain.AgentPattern: 80,
				domain.AgentNetwork: 60,
			},
			Timestamp: base,
		})

		if assessment.EventID == "" {
			t.Error("expected eventId in response")
		}
		if assessment.OverallRisk <= 0 {
			t.Errorf("expected a positive overall risk, got %.1f", assessment.OverallRisk)
		}
		if assessment.Signal != domain.SignalNone {
			t.Errorf("expected signal 'none' for a first report, got %q", assessment.Signal)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingReceiver", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(`{"messageText":"hello"}`))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !strings.Contains(resp["error"], "receiverId") {
			t.Errorf("expected error to name receiverId, got %q", resp["error"])
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		body, _ := json.Marshal(domain.EventInput{ReceiverID: "rcv-002", MessageText: "hi", Timestamp: base})
		req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestGetEventEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("LooksUpRecordedEvent", func(t *testing.T) {
		recorded := postEvent(t, server, domain.EventInput{
			ReceiverID:   "rcv-evt",
			MessageText:  "urgent loan emi payment due today",
			PatternFlags: []string{"loan", "urgent"},
			AgentScores:  map[string]float64{domain.AgentPattern: 80},
			Timestamp:    base,
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/events/"+recorded.EventID, nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var event domain.ThreatEvent
		if err := json.Unmarshal(rr.Body.Bytes(), &event); err != nil {
			t.Fatalf("failed to parse event: %v", err)
		}
		if event.ID != recorded.EventID {
			t.Errorf("expected event %s, got %s", recorded.EventID, event.ID)
		}
		if event.ReceiverID != "rcv-evt" {
			t.Errorf("expected receiver rcv-evt, got %s", event.ReceiverID)
		}
		if event.OverallRisk != recorded.OverallRisk {
			t.Errorf("expected persisted risk %.1f, got %.1f", recorded.OverallRisk, event.OverallRisk)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/events/evt-missing", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("ScoresWithoutRecording", func(t *testing.T) {
		body, _ := json.Marshal(domain.EventInput{
			ReceiverID:  "rcv-ghost",
			MessageText: "urgent loan emi payment due today",
			AgentScores: map[string]float64{domain.AgentPattern: 80},
			Timestamp:   base,
		})
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var assessment domain.RiskAssessment
		if err := json.Unmarshal(rr.Body.Bytes(), &assessment); err != nil {
			t.Fatalf("failed to parse assessment: %v", err)
		}
		if assessment.EventID != "" {
			t.Errorf("expected no eventId for analyze, got %q", assessment.EventID)
		}
		if assessment.OverallRisk <= 0 {
			t.Errorf("expected a positive overall risk, got %.1f", assessment.OverallRisk)
		}

		// Nothing recorded: the receiver must not exist.
		getReq := httptest.NewRequest(http.MethodGet, "/v1/receivers/rcv-ghost", nil)
		getRR := httptest.NewRecorder()
		server.Router().ServeHTTP(getRR, getReq)
		if getRR.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unrecorded receiver, got %d", getRR.Code)
		}
	})

	t.Run("MissingReceiver", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBufferString(`{"messageText":"hello"}`))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestClusterEndpoints(t *testing.T) {
	server := createTestServer(t)
	recordCampaign(t, server)

	t.Run("RefreshBuildsClusters", func(t *testing.T) {
		result := forceRefresh(t, server)

		if result.WindowEvents != 9 {
			t.Errorf("expected 9 window events, got %d", result.WindowEvents)
		}
		if result.ClusterCount != 1 {
			t.Errorf("expected 1 cluster, got %d", result.ClusterCount)
		}
		if result.ActiveCount != 1 {
			t.Errorf("expected 1 active cluster, got %d", result.ActiveCount)
		}
	})

	t.Run("TopClusters", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/clusters/top?n=3", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Clusters []domain.ClusterSummary `json:"clusters"`
			Count    int                     `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 || len(resp.Clusters) != 1 {
			t.Fatalf("expected 1 cluster, got count=%d len=%d", resp.Count, len(resp.Clusters))
		}
		if resp.Clusters[0].Count != 3 {
			t.Errorf("expected 3 members, got %d", resp.Clusters[0].Count)
		}
		if resp.Clusters[0].Name == "" {
			t.Error("expected a cluster name")
		}
	})

	t.Run("TopClustersRejectsBadN", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/clusters/top?n=abc", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListClusters", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/clusters", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Clusters []domain.ClusterSummary `json:"clusters"`
			Count    int                     `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 {
			t.Errorf("expected 1 active cluster, got %d", resp.Count)
		}
	})

	t.Run("ClusterDetail", func(t *testing.T) {
		listed := server.Handler().svc.Clusters(false)
		if len(listed) != 1 {
			t.Fatalf("expected 1 cluster to probe, got %d", len(listed))
		}

		req := httptest.NewRequest(http.MethodGet, "/v1/clusters/"+listed[0].ClusterID, nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var detail intel.ClusterIntel
		if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
			t.Fatalf("failed to parse detail: %v", err)
		}
		if detail.Cluster.ClusterID != listed[0].ClusterID {
			t.Errorf("expected cluster %s, got %s", listed[0].ClusterID, detail.Cluster.ClusterID)
		}
		if len(detail.Profiles) != 3 {
			t.Fatalf("expected 3 member profiles, got %d", len(detail.Profiles))
		}
		for _, r := range []string{"rcv-a", "rcv-b", "rcv-c"} {
			p, ok := detail.Profiles[r]
			if !ok {
				t.Fatalf("expected a profile for %s", r)
			}
			if p.ReportCount != 3 {
				t.Errorf("expected 3 reports on %s, got %d", r, p.ReportCount)
			}
		}
	})

	t.Run("ClusterDetailNotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/clusters/cl-missing", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListClustersRejectsBadFlag", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/clusters?includeInactive=banana", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestEmptyClusterListing(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/clusters/top", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("expected 0 clusters before any events, got %d", resp.Count)
	}
}

func TestReceiverEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("ProfileWithHistory", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			postEvent(t, server, domain.EventInput{
				ReceiverID:  "rcv-100",
				MessageText: "urgent loan offer",
				AgentScores: map[string]float64{domain.AgentPattern: 70},
				Timestamp:   base.Add(time.Duration(i) * time.Minute),
			})
		}

		req := httptest.NewRequest(http.MethodGet, "/v1/receivers/rcv-100", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp intel.ReceiverIntel
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Profile == nil || resp.Profile.ReportCount != 2 {
			t.Fatalf("expected a profile with 2 reports, got %+v", resp.Profile)
		}
		if len(resp.Events) != 2 {
			t.Errorf("expected 2 recent events, got %d", len(resp.Events))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/receivers/rcv-missing", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestTrendingEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("ListsHeavilyReported", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			postEvent(t, server, domain.EventInput{
				ReceiverID:  "rcv-hot",
				MessageText: "urgent loan emi payment due today",
				AgentScores: map[string]float64{domain.AgentPattern: 90},
				Timestamp:   base.Add(time.Duration(i) * time.Minute),
			})
		}
		postEvent(t, server, domain.EventInput{
			ReceiverID:  "rcv-cold",
			MessageText: "urgent loan emi payment due today",
			Timestamp:   base,
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/trending", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Receivers []*domain.ReceiverProfile `json:"receivers"`
			Count     int                       `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 {
			t.Fatalf("expected 1 trending receiver, got %d", resp.Count)
		}
		if resp.Receivers[0].ReceiverID != "rcv-hot" {
			t.Errorf("expected rcv-hot, got %q", resp.Receivers[0].ReceiverID)
		}
	})

	t.Run("RejectsBadLimit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/trending?limit=-1", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRefreshEndpoint(t *testing.T) {
	server := createTestServer(t)

	result := forceRefresh(t, server)
	if result.ClusterCount != 0 {
		t.Errorf("expected 0 clusters from an empty window, got %d", result.ClusterCount)
	}
	if result.RefreshedAt.IsZero() {
		t.Error("expected refreshedAt to be set")
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MetricsExposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "harrier_clusters_active") {
			t.Error("expected harrier metrics in exposition")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodOptions, "/v1/events", nil)
		req.Header.Set("Origin", "https://dashboard.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204 for preflight, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://dashboard.example" {
			t.Errorf("expected origin echoed back, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})
}
