package observability

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/stepguard/internal/config"
)

// minSamples is the number of attempts in the window below which no rate is reported.
const minSamples = 5

// AnomalyDetector tracks per-tool failure rates using sliding windows and
// warns when a tool fails more often than the configured threshold.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	flagged       map[string]bool
	cfg           *config.AnomalyConfig
	metrics       *MetricsCollector
	logger        *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config. metrics may be nil.
func NewAnomalyDetector(cfg *config.AnomalyConfig, metrics *MetricsCollector, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		flagged:       make(map[string]bool),
		cfg:           cfg,
		metrics:       metrics,
		logger:        logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed attempt of the tool.
func (a *AnomalyDetector) RecordError(tool string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, tool).add(1)
	a.checkErrorRate(tool)
}

// RecordSuccess records a successful attempt of the tool.
func (a *AnomalyDetector) RecordSuccess(tool string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, tool).add(1)
	a.checkErrorRate(tool)
}

// ErrorRate returns the failure ratio of the tool within the window and the
// number of attempts it is based on.
func (a *AnomalyDetector) ErrorRate(tool string) (rate float64, total int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, t := a.rate(tool)
	return r, int(t)
}

// Flagged returns the tools currently above the error-rate threshold, sorted.
func (a *AnomalyDetector) Flagged() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.flagged))
	for tool, on := range a.flagged {
		if on {
			out = append(out, tool)
		}
	}
	sort.Strings(out)
	return out
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(tool string) (float64, float64) {
	errors := a.getOrCreateWindow(a.errorCounts, tool).sum()
	successes := a.getOrCreateWindow(a.successCounts, tool).sum()
	total := errors + successes
	if total == 0 {
		return 0, 0
	}
	return errors / total, total
}

// checkErrorRate updates the gauge and the flagged set, and logs when a tool
// crosses the threshold. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(tool string) {
	rate, total := a.rate(tool)
	if a.metrics != nil {
		a.metrics.ToolErrorRate.WithLabelValues(tool).Set(rate)
	}

	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 || total < minSamples {
		return
	}

	over := rate > threshold
	if over && !a.flagged[tool] && a.logger != nil {
		a.logger.Warn("anomaly detected: high tool failure rate",
			slog.String("tool", tool),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("total", total),
		)
	}
	if !over && a.flagged[tool] && a.logger != nil {
		a.logger.Info("tool failure rate recovered",
			slog.String("tool", tool),
			slog.Float64("error_rate", rate),
		)
	}
	a.flagged[tool] = over
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
