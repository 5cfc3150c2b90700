// Package worker drives the background half of the pipeline: it
// counts recorded events to trigger cluster refreshes and sweeps
// refreshed generations through the alert rules.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/alert"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/intel"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// The refresh counter lives in the cache so a Redis deployment counts
// events cluster-wide, not per instance.
const (
	refreshCounterKey    = "events:refresh-window"
	refreshCounterWindow = time.Hour
)

// Worker subscribes to the pipeline topics and reacts: every Nth
// recorded event starts a background refresh, and every refreshed
// generation is evaluated against the alert rules.
type Worker struct {
	bus     domain.EventBus
	cache   domain.Cache
	intel   *intel.Service
	alerts  *alert.Engine
	metrics *metrics.Metrics

	refreshThreshold int64

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	eventsSeen         atomic.Int64
	refreshesTriggered atomic.Int64
	alertsPublished    atomic.Int64
}

// NewWorker creates a new worker. A nil alert engine disables
// alerting; a refreshThreshold below 1 falls back to 10.
func NewWorker(bus domain.EventBus, cache domain.Cache, svc *intel.Service, alerts *alert.Engine, m *metrics.Metrics, refreshThreshold int) *Worker {
	if refreshThreshold <= 0 {
		refreshThreshold = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:              bus,
		cache:            cache,
		intel:            svc,
		alerts:           alerts,
		metrics:          m,
		refreshThreshold: int64(refreshThreshold),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start subscribes to the pipeline topics.
func (w *Worker) Start() error {
	recorded, err := w.bus.Subscribe(w.ctx, domain.TopicEventRecorded, w.handleRecorded)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, recorded)

	refreshed, err := w.bus.Subscribe(w.ctx, domain.TopicClustersRefreshed, w.handleRefreshed)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, refreshed)

	slog.Info("worker started",
		"refresh_threshold", w.refreshThreshold,
		"alerting", w.alerts != nil,
	)

	return nil
}

// handleRecorded counts a recorded event and starts a background
// refresh when the window counter crosses a threshold multiple.
func (w *Worker) handleRecorded(ctx context.Context, msg *domain.Message) error {
	var rec intel.RecordedMessage
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		slog.Error("failed to parse recorded-event message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.eventsSeen.Add(1)

	count, err := w.cache.IncrementCounter(ctx, refreshCounterKey, refreshCounterWindow)
	if err != nil {
		// A stalled counter must not block ingestion.
		slog.Warn("failed to advance refresh counter", "error", err)
		return nil
	}
	if count%w.refreshThreshold != 0 {
		return nil
	}

	slog.Debug("refresh threshold reached",
		"event_id", rec.EventID,
		"window_count", count,
	)

	w.refreshesTriggered.Add(1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if _, err := w.intel.Refresh(w.ctx); err != nil {
			if errors.Is(err, intel.ErrRefreshInFlight) {
				slog.Debug("refresh already in flight, trigger skipped")
				return
			}
			slog.Error("background refresh failed", "error", err)
		}
	}()

	return nil
}

// AlertsMessage is the payload published on TopicClusterAlert: every
// alert fired by one refreshed generation.
type AlertsMessage struct {
	FiredAt time.Time     `json:"firedAt"`
	Alerts  []alert.Alert `json:"alerts"`
}

// handleRefreshed evaluates a refreshed generation against the alert
// rules and publishes whatever fires. The refresh message carries the
// full cluster listing, so no repository read is needed here.
func (w *Worker) handleRefreshed(ctx context.Context, msg *domain.Message) error {
	if w.alerts == nil {
		return nil
	}

	var ref intel.RefreshedMessage
	if err := json.Unmarshal(msg.Payload, &ref); err != nil {
		slog.Error("failed to parse refreshed-clusters message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	now := time.Now().UTC()
	alerts := w.alerts.Evaluate(ref.Clusters, now)
	if len(alerts) == 0 {
		return nil
	}

	for _, a := range alerts {
		slog.Warn("cluster alert",
			"rule", a.RuleID,
			"severity", a.Severity,
			"cluster", a.ClusterName,
			"size", a.Size,
			"avg_score", a.AvgScore,
		)
	}

	w.metrics.AlertsFired.Add(float64(len(alerts)))
	w.alertsPublished.Add(int64(len(alerts)))

	payload, err := json.Marshal(AlertsMessage{FiredAt: now, Alerts: alerts})
	if err != nil {
		return err
	}
	if err := w.bus.Publish(ctx, domain.TopicClusterAlert, payload); err != nil {
		slog.Error("failed to publish cluster alerts", "error", err)
		return err
	}

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount  int      `json:"subscriptionCount"`
	Topics             []string `json:"topics"`
	EventsSeen         int64    `json:"eventsSeen"`
	RefreshesTriggered int64    `json:"refreshesTriggered"`
	AlertsPublished    int64    `json:"alertsPublished"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount:  len(w.subscriptions),
		Topics:             topics,
		EventsSeen:         w.eventsSeen.Load(),
		RefreshesTriggered: w.refreshesTriggered.Load(),
		AlertsPublished:    w.alertsPublished.Load(),
	}
}
