// Package metrics holds the simulation-global accumulators: attempted
// and delivered DataMsg counts, latency/hop sums for the final report,
// plus Prometheus counters for drop/churn events the report doesn't
// capture.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fanetsim"

// Report is the final metrics report shape.
type Report struct {
	PDR          float64 `json:"pdr"`
	AvgLatencyS  float64 `json:"avg_latency_s"`
	AvgHops      float64 `json:"avg_hops"`
	Delivered    int64   `json:"delivered"`
	Attempted    int64   `json:"attempted"`
}

// Collector accumulates the counters internal/node's receive dispatch
// tasks feed during a run and exports them both as a final Report and as
// Prometheus series for live scraping while the run is in progress.
//
// The recording methods are called only from within scheduler tasks,
// which the scheduler's cooperative exclusion serializes — but Report is
// also served by the HTTP report endpoint from a different goroutine, so
// the accumulators themselves are still protected by a mutex.
type Collector struct {
	mu sync.Mutex

	attempted int64
	delivered int64
	sumLatency time.Duration
	sumHops int64

	sessionsExpired int64

	macDrops         *prometheus.CounterVec
	neighborChurn    *prometheus.CounterVec
	dvPoisonEvents   prometheus.Counter
	attemptedGauge   prometheus.Counter
	deliveredGauge   prometheus.Counter
}

// NewCollector creates a Collector with its Prometheus series registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		macDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mac_drops_total",
			Help:      "Frames dropped after exhausting the MAC backoff retry cap, by sender node id.",
		}, []string{"node_id"}),
		neighborChurn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "neighbor_churn_total",
			Help:      "Neighbor table additions and removals, by event type.",
		}, []string{"event"}),
		dvPoisonEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dv_poison_events_total",
			Help:      "Routing table entries poisoned to infinity after a neighbor aged out.",
		}),
		attemptedGauge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_attempted_total",
			Help:      "DataMsgs emitted from their source after a completed handshake.",
		}),
		deliveredGauge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_delivered_total",
			Help:      "DataMsgs that reached their destination.",
		}),
	}

	reg.MustRegister(c.macDrops, c.neighborChurn, c.dvPoisonEvents, c.attemptedGauge, c.deliveredGauge)
	return c
}

// DataAttempted records a DataMsg emitted from its source: incremented
// on emission, not on SessionReq.
func (c *Collector) DataAttempted() {
	c.mu.Lock()
	c.attempted++
	c.mu.Unlock()
	c.attemptedGauge.Inc()
}

// DataDelivered records a DataMsg reaching its destination, with the
// latency and hop count used for the final averages.
func (c *Collector) DataDelivered(latency time.Duration, hops int) {
	c.mu.Lock()
	c.delivered++
	c.sumLatency += latency
	c.sumHops += int64(hops)
	c.mu.Unlock()
	c.deliveredGauge.Inc()
}

// SessionExpired records a pending_ack session that never received its
// SessionAck in time.
func (c *Collector) SessionExpired() {
	c.mu.Lock()
	c.sessionsExpired++
	c.mu.Unlock()
}

// MACDrop records a frame dropped after exhausting the MAC's backoff
// retry cap. Wired to mac.Channel.OnDrop.
func (c *Collector) MACDrop(senderID int) {
	c.macDrops.WithLabelValues(strconv.Itoa(senderID)).Inc()
}

// NeighborChange records a neighbor table addition or removal.
func (c *Collector) NeighborChange(added bool) {
	if added {
		c.neighborChurn.WithLabelValues("added").Inc()
		return
	}
	c.neighborChurn.WithLabelValues("removed").Inc()
}

// DVPoisoned records a routing entry poisoned to infinity.
func (c *Collector) DVPoisoned() {
	c.dvPoisonEvents.Inc()
}

// Report computes the final metrics report:
// pdr = delivered / max(1, attempted), avg_latency = sum_latency /
// max(1, delivered), avg_hops = sum_hops / max(1, delivered).
func (c *Collector) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	attemptedDenom := max(c.attempted, 1)
	deliveredDenom := max(c.delivered, 1)

	r := Report{
		Delivered: c.delivered,
		Attempted: c.attempted,
		PDR:       float64(c.delivered) / float64(attemptedDenom),
	}
	if c.delivered > 0 {
		r.AvgLatencyS = c.sumLatency.Seconds() / float64(deliveredDenom)
		r.AvgHops = float64(c.sumHops) / float64(deliveredDenom)
	}
	return r
}
