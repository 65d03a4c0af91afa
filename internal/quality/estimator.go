package quality

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/bus"
	"github.com/chatloop/chatloop/internal/model"
)

// ProbeFunc performs one lightweight round trip to the remote store and
// returns its latency. An error counts as a failed probe.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// OnlineFunc reports whether the host believes a network link exists at all.
type OnlineFunc func() bool

// Config tunes the estimator.
type Config struct {
	// Interval between automatic probes.
	Interval time.Duration
	// WindowSize is the number of recent probe outcomes kept for the
	// success-rate computation.
	WindowSize int
	// ProbeTimeout bounds a single probe round trip.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Estimator classifies network health from a sliding window of probe
// outcomes. It never returns errors to callers: a failed probe is just
// another sample.
type Estimator struct {
	mu                  sync.Mutex
	cfg                 Config
	probe               ProbeFunc
	online              OnlineFunc
	window              []bool // most recent last, oldest evicted first
	latency             time.Duration
	consecutiveFailures int
	lastQuality         model.Quality

	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// New creates an estimator. online may be nil, in which case the link is
// assumed up and only the success rate can push the class to offline.
func New(cfg Config, probe ProbeFunc, online OnlineFunc, b *bus.Bus, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Estimator{
		cfg:         cfg.withDefaults(),
		probe:       probe,
		online:      online,
		bus:         b,
		logger:      logger,
		lastQuality: model.QualityOffline,
	}
}

// Start begins the periodic probe loop.
func (e *Estimator) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.loop(ctx)
}

// Stop stops the probe loop.
func (e *Estimator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Estimator) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runProbe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ForceValidation runs a probe immediately and returns the updated metrics.
func (e *Estimator) ForceValidation(ctx context.Context) model.ConnectionMetrics {
	e.runProbe(ctx)
	return e.Metrics()
}

func (e *Estimator) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	latency, err := e.probe(probeCtx)
	cancel()

	e.mu.Lock()
	if err != nil {
		e.recordLocked(false)
		e.consecutiveFailures++
	} else {
		e.recordLocked(true)
		e.consecutiveFailures = 0
		e.latency = latency
	}
	metrics := e.metricsLocked()
	changed := metrics.Quality != e.lastQuality
	e.lastQuality = metrics.Quality
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("probe failed", zap.Error(err), zap.Int("consecutive_failures", metrics.ConsecutiveFailures))
	}
	if changed && e.bus != nil {
		e.bus.Emit("conn.quality_changed", metrics)
	}
}

func (e *Estimator) recordLocked(success bool) {
	e.window = append(e.window, success)
	if len(e.window) > e.cfg.WindowSize {
		e.window = e.window[1:]
	}
}

// Metrics returns the current health estimate.
func (e *Estimator) Metrics() model.ConnectionMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metricsLocked()
}

func (e *Estimator) metricsLocked() model.ConnectionMetrics {
	rate := e.successRateLocked()
	return model.ConnectionMetrics{
		LatencyMs:           e.latency.Milliseconds(),
		Quality:             Classify(e.latency.Milliseconds(), rate, e.online()),
		ConsecutiveFailures: e.consecutiveFailures,
		SuccessRate:         rate,
	}
}

// successRateLocked is optimistic before the first sample: an empty window
// reports 1.0 so a fresh engine does not start out classified offline.
func (e *Estimator) successRateLocked() float64 {
	if len(e.window) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range e.window {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(e.window))
}

// ConsecutiveFailures returns the current failed-probe streak. The
// connection manager consults this to widen reconnect backoff.
func (e *Estimator) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveFailures
}

// Classify maps a health sample to a quality class. Evaluated in priority
// order: offline, excellent, good, poor.
func Classify(latencyMs int64, successRate float64, online bool) model.Quality {
	switch {
	case !online || successRate < 0.5:
		return model.QualityOffline
	case latencyMs < 100 && successRate >= 0.9:
		return model.QualityExcellent
	case latencyMs < 300 && successRate >= 0.7:
		return model.QualityGood
	default:
		return model.QualityPoor
	}
}
