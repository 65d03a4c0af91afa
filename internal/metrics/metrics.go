package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/bus"
	"github.com/chatloop/chatloop/internal/conn"
	"github.com/chatloop/chatloop/internal/model"
)

// qualityValue maps a quality class to a gauge value so dashboards can
// graph transitions.
func qualityValue(q model.Quality) float64 {
	switch q {
	case model.QualityExcellent:
		return 3
	case model.QualityGood:
		return 2
	case model.QualityPoor:
		return 1
	}
	return 0
}

// CacheSizer reports the live cache entry count.
type CacheSizer interface {
	Len() int
}

// Collector exposes engine health as prometheus metrics, fed by bus events.
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	reconnects   prometheus.Counter
	synced       prometheus.Counter
	sendFailures prometheus.Counter
	staleness    prometheus.Gauge
	quality      prometheus.Gauge
	latency      prometheus.Gauge
	state        *prometheus.GaugeVec

	cancel context.CancelFunc
	done   chan struct{}
	srv    *http.Server
}

// NewCollector builds the metric set. sizer may be nil.
func NewCollector(sizer CacheSizer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatloop_reconnects_total",
			Help: "Realtime connection reconnect attempts.",
		}),
		synced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatloop_message_updates_total",
			Help: "Message-level sync updates applied locally.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatloop_send_failures_total",
			Help: "Outgoing messages that permanently failed.",
		}),
		staleness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatloop_list_stale",
			Help: "1 while the conversation list may be behind the remote store.",
		}),
		quality: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatloop_connection_quality",
			Help: "Connection quality class: 3 excellent, 2 good, 1 poor, 0 offline.",
		}),
		latency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatloop_probe_latency_ms",
			Help: "Latency of the last successful connectivity probe.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatloop_connection_state",
			Help: "Current connection state, one-hot per state label.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(c.reconnects, c.synced, c.sendFailures, c.staleness, c.quality, c.latency, c.state)
	if sizer != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chatloop_cache_messages",
			Help: "Messages currently held in the in-memory cache.",
		}, func() float64 { return float64(sizer.Len()) }))
	}
	return c
}

// Registry returns the collector's registry, for tests and custom handlers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start subscribes to bus events and, when addr is non-empty, serves
// /metrics on it.
func (c *Collector) Start(ctx context.Context, b *bus.Bus, addr string) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	connCh, unsubConn := b.Subscribe("conn.", 64)
	syncCh, unsubSync := b.Subscribe("sync.", 64)
	sendCh, unsubSend := b.Subscribe("message.send_failed", 64)

	go func() {
		defer close(c.done)
		defer unsubConn()
		defer unsubSync()
		defer unsubSend()
		for {
			select {
			case evt := <-connCh:
				c.handleConn(evt)
			case evt := <-syncCh:
				c.handleSync(evt)
			case <-sendCh:
				c.sendFailures.Inc()
			case <-ctx.Done():
				return
			}
		}
	}()

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
		c.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			c.logger.Info("metrics listener started", zap.String("addr", addr))
			if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}
}

// Stop halts the event loop and the listener.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if c.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.srv.Shutdown(shutdownCtx)
	}
}

func (c *Collector) handleConn(evt bus.Event) {
	switch evt.Kind {
	case "conn.state_changed":
		sc, ok := evt.Payload.(conn.StateChange)
		if !ok {
			return
		}
		for _, s := range []conn.State{conn.Disconnected, conn.Connecting, conn.Connected, conn.Degraded, conn.Reconnecting} {
			v := 0.0
			if s == sc.To {
				v = 1.0
			}
			c.state.WithLabelValues(string(s)).Set(v)
		}
		if sc.To == conn.Reconnecting {
			c.reconnects.Inc()
		}
	case "conn.quality_changed":
		m, ok := evt.Payload.(model.ConnectionMetrics)
		if !ok {
			return
		}
		c.quality.Set(qualityValue(m.Quality))
		c.latency.Set(float64(m.LatencyMs))
	}
}

func (c *Collector) handleSync(evt bus.Event) {
	switch evt.Kind {
	case "sync.messages_updated":
		c.synced.Inc()
	case "sync.stale_changed":
		stale, ok := evt.Payload.(bool)
		if !ok {
			return
		}
		if stale {
			c.staleness.Set(1)
		} else {
			c.staleness.Set(0)
		}
	}
}
