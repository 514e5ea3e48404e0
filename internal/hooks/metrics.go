package hooks

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// Metrics records connection outcomes with Prometheus collectors.
type Metrics struct {
	connections *prometheus.CounterVec
	closes      *prometheus.CounterVec
	active      prometheus.Gauge
	duration    prometheus.Histogram

	mu      sync.Mutex
	started map[uuid.UUID]time.Time
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsgate",
			Name:      "connections_total",
			Help:      "Finished connections by handshake outcome.",
		}, []string{"outcome"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsgate",
			Name:      "closes_total",
			Help:      "Closed connections by close code.",
		}, []string{"code"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsgate",
			Name:      "connections_active",
			Help:      "Connections between the connect phase and completion.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wsgate",
			Name:      "connection_duration_seconds",
			Help:      "Time from the connect phase to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		started: make(map[uuid.UUID]time.Time),
	}
	for _, c := range []prometheus.Collector{m.connections, m.closes, m.active, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnConnect implements lifecycle.Hook.
func (m *Metrics) OnConnect(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
	m.mu.Lock()
	m.started[c.ID()] = time.Now()
	m.mu.Unlock()
	m.active.Inc()
	return nil
}

// OnComplete implements lifecycle.Hook.
func (m *Metrics) OnComplete(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
	m.mu.Lock()
	start, ok := m.started[c.ID()]
	delete(m.started, c.ID())
	m.mu.Unlock()
	if ok {
		m.active.Dec()
		m.duration.Observe(time.Since(start).Seconds())
	}

	outcome := "rejected"
	if c.Accepted() {
		outcome = "accepted"
	}
	m.connections.WithLabelValues(outcome).Inc()

	if code, closed := c.CloseCode(); closed {
		m.closes.WithLabelValues(strconv.Itoa(int(code))).Inc()
	}
	return nil
}
