// Package analytics aggregates mission outcome telemetry from the bus and
// raises anomaly alerts when a mission type degrades.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/logging"
	"missioncore/internal/metrics"
)

// Anomaly kinds.
const (
	KindFailureRate = "failure_rate"
	KindLatency     = "latency"
	KindEscalations = "escalations"
)

const sender = "analytics"

type sample struct {
	outcome  string
	duration time.Duration
	retries  int
}

type Anomaly struct {
	MissionType string    `json:"mission_type"`
	Kind        string    `json:"kind"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Samples     int       `json:"samples"`
	Message     string    `json:"message"`
	DetectedAt  time.Time `json:"detected_at"`
}

// TypeStats summarises one mission type's window. Failed counts attempts,
// which may later be retried. FailureRate is over finished missions only:
// escalated / (completed + escalated).
type TypeStats struct {
	MissionType  string  `json:"mission_type"`
	Samples      int     `json:"samples"`
	Finished     int     `json:"finished"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Escalated    int     `json:"escalated"`
	Cancelled    int     `json:"cancelled"`
	FailureRate  float64 `json:"failure_rate"`
	MeanDuration float64 `json:"mean_duration_seconds"`
	MeanRetries  float64 `json:"mean_retries"`
}

type Options struct {
	Bus     *bus.Bus
	Config  config.Analytics
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type Watcher struct {
	mu        sync.Mutex
	samples   map[string][]sample
	lastAlert map[string]time.Time

	bus     *bus.Bus
	cfg     config.Analytics
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Watcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Watcher{
		samples:   make(map[string][]sample),
		lastAlert: make(map[string]time.Time),
		bus:       opts.Bus,
		cfg:       opts.Config,
		now:       now,
		log:       logging.OrNop(opts.Log).Named("analytics"),
		metrics:   opts.Metrics,
	}
}

// Register subscribes the watcher to outcome telemetry.
func (w *Watcher) Register() func() {
	return w.bus.RegisterHandler(bus.TypeTelemetry, w.observe)
}

// Run consumes telemetry and checks for anomalies every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	unregister := w.Register()
	defer unregister()
	if w.cfg.Interval <= 0 {
		return fmt.Errorf("analytics interval must be positive")
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("anomaly check", zap.Error(err))
			}
			w.metrics.ObservePass("analytics", time.Since(start).Seconds())
		}
	}
}

func (w *Watcher) observe(_ context.Context, msg bus.Message) error {
	missionType := msg.String("mission_type")
	outcome := msg.String("outcome")
	if missionType == "" || outcome == "" {
		return fmt.Errorf("telemetry for mission %s lacks mission_type or outcome", msg.MissionID)
	}
	secs, _ := msg.Data["duration_seconds"].(float64)
	w.Record(missionType, outcome, time.Duration(secs*float64(time.Second)), toInt(msg.Data["retries"]))
	return nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Record adds one outcome to the mission type's rolling window.
func (w *Watcher) Record(missionType, outcome string, duration time.Duration, retries int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[missionType], sample{outcome: outcome, duration: duration, retries: retries})
	if limit := w.cfg.Window; limit > 0 && len(s) > limit {
		s = append([]sample(nil), s[len(s)-limit:]...)
	}
	w.samples[missionType] = s
}

func stats(missionType string, samples []sample) TypeStats {
	st := TypeStats{MissionType: missionType, Samples: len(samples)}
	var total time.Duration
	retries := 0
	for _, s := range samples {
		switch s.outcome {
		case bus.OutcomeCompleted:
			st.Completed++
			total += s.duration
		case bus.OutcomeFailed:
			st.Failed++
		case bus.OutcomeEscalated:
			st.Escalated++
		case bus.OutcomeCancelled:
			st.Cancelled++
		}
		retries += s.retries
	}
	st.Finished = st.Completed + st.Escalated
	if st.Finished > 0 {
		st.FailureRate = float64(st.Escalated) / float64(st.Finished)
	}
	if st.Completed > 0 {
		st.MeanDuration = (total / time.Duration(st.Completed)).Seconds()
	}
	if len(samples) > 0 {
		st.MeanRetries = float64(retries) / float64(len(samples))
	}
	return st
}

// Snapshot returns per-type statistics over the current windows.
func (w *Watcher) Snapshot() []TypeStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	types := make([]string, 0, len(w.samples))
	for t := range w.samples {
		types = append(types, t)
	}
	sort.Strings(types)
	out := make([]TypeStats, 0, len(types))
	for _, t := range types {
		out = append(out, stats(t, w.samples[t]))
	}
	return out
}

// Check evaluates every mission type and publishes an alert for each anomaly
// not in cooldown. It returns the anomalies it published.
func (w *Watcher) Check(ctx context.Context) ([]Anomaly, error) {
	found := w.detect()
	for _, a := range found {
		data := map[string]any{
			"mission_type": a.MissionType,
			"kind":         a.Kind,
			"value":        a.Value,
			"threshold":    a.Threshold,
			"samples":      a.Samples,
			"message":      a.Message,
		}
		if _, err := w.bus.Publish(ctx, bus.Message{Type: bus.TypeAnomaly, Sender: sender, Data: data}); err != nil {
			return found, err
		}
		if _, err := w.bus.Publish(ctx, bus.Message{Type: bus.TypeAnomalyAlert, Sender: sender, Data: data}); err != nil {
			return found, err
		}
		w.metrics.Anomaly(a.Kind)
		w.log.Warn("anomaly detected", zap.String("mission_type", a.MissionType), zap.String("kind", a.Kind), zap.Float64("value", a.Value), zap.Float64("threshold", a.Threshold))
	}
	return found, nil
}

func (w *Watcher) detect() []Anomaly {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	types := make([]string, 0, len(w.samples))
	for t := range w.samples {
		types = append(types, t)
	}
	sort.Strings(types)

	var out []Anomaly
	raise := func(a Anomaly) {
		key := a.MissionType + "/" + a.Kind
		if last, ok := w.lastAlert[key]; ok && now.Sub(last) < w.cfg.Cooldown {
			return
		}
		w.lastAlert[key] = now
		a.DetectedAt = now
		out = append(out, a)
	}
	for _, t := range types {
		st := stats(t, w.samples[t])
		if st.Finished >= w.cfg.MinSamples && w.cfg.FailureRateThreshold > 0 && st.FailureRate >= w.cfg.FailureRateThreshold {
			raise(Anomaly{
				MissionType: t, Kind: KindFailureRate, Value: st.FailureRate, Threshold: w.cfg.FailureRateThreshold, Samples: st.Finished,
				Message: fmt.Sprintf("%s failure rate %.0f%% over %d missions", t, st.FailureRate*100, st.Finished),
			})
		}
		limit := w.cfg.LatencyThreshold.Seconds()
		if st.Completed >= w.cfg.MinSamples && limit > 0 && st.MeanDuration >= limit {
			raise(Anomaly{
				MissionType: t, Kind: KindLatency, Value: st.MeanDuration, Threshold: limit, Samples: st.Completed,
				Message: fmt.Sprintf("%s mean duration %s exceeds %s", t, time.Duration(st.MeanDuration*float64(time.Second)).Round(time.Second), w.cfg.LatencyThreshold),
			})
		}
		if w.cfg.EscalationThreshold > 0 && st.Escalated >= w.cfg.EscalationThreshold {
			raise(Anomaly{
				MissionType: t, Kind: KindEscalations, Value: float64(st.Escalated), Threshold: float64(w.cfg.EscalationThreshold), Samples: st.Samples,
				Message: fmt.Sprintf("%s had %d escalations in the last %d missions", t, st.Escalated, st.Samples),
			})
		}
	}
	return out
}
