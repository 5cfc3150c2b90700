// Benchmark tool for load-testing Harrier's ingest and refresh paths.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -events 5000
//
// This tool:
//   1. Generates synthetic scam reports across a set of campaign templates
//   2. Posts them to /v1/events from a worker pool, tracking latency
//   3. Forces a cluster refresh and times it
//   4. Prints latency percentiles, the signal mix, and the top clusters
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// campaign is one synthetic scam template. Receivers are partitioned
// across campaigns so repeated reports build clusterable groups.
type campaign struct {
	name     string
	messages []string
	flags    []string
}

var campaigns = []campaign{
	{
		name: "loan",
		messages: []string{
			"urgent loan approval pay emi processing fee now",
			"pre approved loan pending emi clearance urgent",
			"loan sanctioned pay small upi fee to release amount",
		},
		flags: []string{"loan", "urgent", "emi"},
	},
	{
		name: "job",
		messages: []string{
			"exciting work from home job hiring bonus today",
			"part time job offer daily payment hiring now",
			"congratulations selected for job pay registration bonus",
		},
		flags: []string{"job", "hiring", "bonus"},
	},
	{
		name: "lottery",
		messages: []string{
			"you won lottery prize claim before midnight",
			"lucky draw winner lottery amount waiting claim fee",
			"mega prize lottery winner share bank details",
		},
		flags: []string{"lottery", "prize", "winner"},
	},
	{
		name: "kyc",
		messages: []string{
			"your kyc expired update immediately or account blocked",
			"bank kyc verification pending click link update now",
			"account suspended complete kyc verification today",
		},
		flags: []string{"kyc", "blocked", "verify"},
	},
	{
		name: "electricity",
		messages: []string{
			"electricity bill overdue power disconnect tonight pay now",
			"final notice electricity connection cut pay bill urgent",
			"power supply disconnection pending bill payment today",
		},
		flags: []string{"electricity", "disconnect", "bill"},
	},
	{
		name: "parcel",
		messages: []string{
			"customs parcel held pay clearance charge release",
			"your parcel stuck at customs pay duty fee now",
			"international parcel pending customs payment required",
		},
		flags: []string{"parcel", "customs", "fee"},
	},
	{
		name: "otp",
		messages: []string{
			"share otp to verify refund transaction immediately",
			"refund initiated share otp code to confirm",
			"bank executive calling share otp for verification",
		},
		flags: []string{"otp", "refund", "verify"},
	},
	{
		name: "crypto",
		messages: []string{
			"double your money crypto investment guaranteed returns",
			"exclusive crypto trading group guaranteed daily profit",
			"invest in crypto scheme assured returns join now",
		},
		flags: []string{"crypto", "investment", "returns"},
	},
}

// eventRequest mirrors the POST /v1/events body.
type eventRequest struct {
	ReceiverID   string             `json:"receiverId"`
	MessageText  string             `json:"messageText"`
	PatternFlags []string           `json:"patternFlags,omitempty"`
	AgentScores  map[string]float64 `json:"agentScores,omitempty"`
	Amount       float64            `json:"amount,omitempty"`
}

// assessmentResponse is the slice of the assessment we track.
type assessmentResponse struct {
	OverallRisk float64 `json:"overallRisk"`
	Signal      string  `json:"signal"`
}

// refreshResponse is the POST /v1/refresh result.
type refreshResponse struct {
	WindowEvents  int   `json:"windowEvents"`
	ClusterCount  int   `json:"clusterCount"`
	ActiveCount   int   `json:"activeCount"`
	EmergingCount int   `json:"emergingCount"`
	DurationMs    int64 `json:"durationMs"`
}

// clusterSummary is the slice of the cluster listing we print.
type clusterSummary struct {
	Name        string   `json:"name"`
	Count       int      `json:"count"`
	AvgScore    float64  `json:"avgScore"`
	TopKeywords []string `json:"topKeywords"`
	Emerging    bool     `json:"emerging"`
}

// results aggregates benchmark measurements.
type results struct {
	mu        sync.Mutex
	latencies []float64
	signals   map[string]int64

	totalOK  int64
	totalErr int64
}

func (r *results) record(latencyMs float64, signal string) {
	r.mu.Lock()
	r.latencies = append(r.latencies, latencyMs)
	r.signals[signal]++
	r.mu.Unlock()
	atomic.AddInt64(&r.totalOK, 1)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	events := flag.Int("events", 5000, "Number of reports to post")
	receivers := flag.Int("receivers", 200, "Size of the receiver pool")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 42, "Random seed for the generator")
	refresh := flag.Bool("refresh", true, "Force a cluster refresh after ingest")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         HARRIER BENCHMARK - Synthetic Scam Campaigns          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nHarrier URL: %s\n", *baseURL)
	fmt.Printf("Events:      %d\n", *events)
	fmt.Printf("Receivers:   %d\n", *receivers)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Campaigns:   %d\n", len(campaigns))
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run cmd/harrier/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Harrier is healthy")

	reports := generateReports(*events, *receivers, *seed)
	fmt.Printf("✓ Generated %d reports\n", len(reports))

	fmt.Printf("\nPosting reports with %d workers...\n", *workers)
	res := &results{signals: make(map[string]int64)}
	start := time.Now()
	runIngest(reports, *baseURL, *workers, res)
	ingestDuration := time.Since(start)

	printIngestResults(res, ingestDuration)

	if *refresh {
		fmt.Printf("\nForcing cluster refresh...\n")
		ref, err := forceRefresh(*baseURL)
		if err != nil {
			fmt.Printf("ERROR: refresh failed: %v\n", err)
			os.Exit(1)
		}
		printRefreshResults(ref)

		clusters, err := topClusters(*baseURL, 10)
		if err != nil {
			fmt.Printf("ERROR: cluster listing failed: %v\n", err)
			os.Exit(1)
		}
		printClusters(clusters)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generateReports builds the synthetic workload. Each receiver is
// bound to one campaign so repeated reports against it cluster; agent
// scores are jittered around a campaign-typical level.
func generateReports(count, receiverPool int, seed int64) []eventRequest {
	rng := rand.New(rand.NewSource(seed))
	reports := make([]eventRequest, 0, count)

	for i := 0; i < count; i++ {
		receiver := rng.Intn(receiverPool)
		c := campaigns[receiver%len(campaigns)]
		msg := c.messages[rng.Intn(len(c.messages))]

		level := 55 + rng.Float64()*40 // 55..95
		scores := map[string]float64{
			"pattern":   clamp(level + rng.Float64()*10 - 5),
			"network":   clamp(level + rng.Float64()*10 - 5),
			"behavior":  clamp(level + rng.Float64()*10 - 5),
			"biometric": clamp(level + rng.Float64()*10 - 5),
		}

		var amount float64
		if rng.Float64() < 0.3 {
			amount = float64(rng.Intn(25000))
		}

		reports = append(reports, eventRequest{
			ReceiverID:   fmt.Sprintf("bench-rcv-%04d", receiver),
			MessageText:  msg,
			PatternFlags: c.flags,
			AgentScores:  scores,
			Amount:       amount,
		})
	}

	return reports
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func runIngest(reports []eventRequest, baseURL string, numWorkers int, res *results) {
	work := make(chan eventRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for report := range work {
				start := time.Now()
				assessment, err := postEvent(client, baseURL, report)
				elapsed := float64(time.Since(start).Microseconds()) / 1000.0

				if err != nil {
					atomic.AddInt64(&res.totalErr, 1)
					continue
				}
				res.record(elapsed, assessment.Signal)
			}
		}()
	}

	for _, report := range reports {
		work <- report
	}
	close(work)

	wg.Wait()
}

func postEvent(client *http.Client, baseURL string, report eventRequest) (*assessmentResponse, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var assessment assessmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&assessment); err != nil {
		return nil, err
	}
	return &assessment, nil
}

func forceRefresh(baseURL string) (*refreshResponse, error) {
	client := &http.Client{Timeout: 60 * time.Second}

	resp, err := client.Post(baseURL+"/v1/refresh", "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func topClusters(baseURL string, n int) ([]clusterSummary, error) {
	resp, err := http.Get(fmt.Sprintf("%s/v1/clusters/top?n=%d", baseURL, n))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var listing struct {
		Clusters []clusterSummary `json:"clusters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, err
	}
	return listing.Clusters, nil
}

// percentile returns the q-quantile of sorted latencies.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func printIngestResults(res *results, duration time.Duration) {
	res.mu.Lock()
	latencies := append([]float64(nil), res.latencies...)
	signals := res.signals
	res.mu.Unlock()
	sort.Float64s(latencies)

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        INGEST RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	ok := atomic.LoadInt64(&res.totalOK)
	errs := atomic.LoadInt64(&res.totalErr)

	fmt.Printf("\n📊 THROUGHPUT\n")
	fmt.Printf("   Succeeded:   %d\n", ok)
	fmt.Printf("   Errors:      %d\n", errs)
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if ok > 0 {
		fmt.Printf("   Rate:        %.1f events/sec\n", float64(ok)/duration.Seconds())
	}

	if len(latencies) > 0 {
		fmt.Printf("\n⏱️  LATENCY (ms)\n")
		fmt.Printf("   p50:  %8.2f\n", percentile(latencies, 0.50))
		fmt.Printf("   p95:  %8.2f\n", percentile(latencies, 0.95))
		fmt.Printf("   p99:  %8.2f\n", percentile(latencies, 0.99))
		fmt.Printf("   max:  %8.2f\n", latencies[len(latencies)-1])
	}

	fmt.Printf("\n🚨 SIGNAL MIX\n")
	for _, signal := range []string{"trending", "cluster_member", "cluster_match", "none"} {
		if n, found := signals[signal]; found && n > 0 {
			fmt.Printf("   %-15s %d (%.1f%%)\n", signal, n, 100*float64(n)/float64(ok))
		}
	}
}

func printRefreshResults(ref *refreshResponse) {
	fmt.Printf("\n🔄 REFRESH\n")
	fmt.Printf("   Window Events:  %d\n", ref.WindowEvents)
	fmt.Printf("   Clusters:       %d (%d active, %d emerging)\n", ref.ClusterCount, ref.ActiveCount, ref.EmergingCount)
	fmt.Printf("   Duration:       %d ms\n", ref.DurationMs)
}

func printClusters(clusters []clusterSummary) {
	fmt.Printf("\n🏷️  TOP CLUSTERS\n")
	if len(clusters) == 0 {
		fmt.Println("   (none)")
		return
	}
	for i, c := range clusters {
		marker := ""
		if c.Emerging {
			marker = " [emerging]"
		}
		fmt.Printf("   %2d. %-32s size=%-4d avg=%.1f%s\n", i+1, c.Name, c.Count, c.AvgScore, marker)
		if len(c.TopKeywords) > 0 {
			fmt.Printf("       keywords: %v\n", c.TopKeywords)
		}
	}
	fmt.Println()
}
