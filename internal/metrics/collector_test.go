package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skyferry/fanetsim/internal/metrics"
)

func TestReportWithNoActivity(t *testing.T) {
	c := metrics.NewCollector(prometheus.NewRegistry())
	r := c.Report()
	if r.PDR != 0 || r.Attempted != 0 || r.Delivered != 0 {
		t.Errorf("expected zeroed report, got %+v", r)
	}
}

func TestReportComputesPDRLatencyAndHops(t *testing.T) {
	c := metrics.NewCollector(prometheus.NewRegistry())
	c.DataAttempted()
	c.DataAttempted()
	c.DataAttempted()
	c.DataAttempted()
	c.DataDelivered(2*time.Second, 3)
	c.DataDelivered(4*time.Second, 5)

	r := c.Report()
	if r.Attempted != 4 {
		t.Errorf("Attempted = %d, want 4", r.Attempted)
	}
	if r.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", r.Delivered)
	}
	if r.PDR != 0.5 {
		t.Errorf("PDR = %v, want 0.5", r.PDR)
	}
	if r.AvgLatencyS != 3 {
		t.Errorf("AvgLatencyS = %v, want 3", r.AvgLatencyS)
	}
	if r.AvgHops != 4 {
		t.Errorf("AvgHops = %v, want 4", r.AvgHops)
	}
}

func TestReportAttemptedWithoutDeliveryGivesZeroPDR(t *testing.T) {
	c := metrics.NewCollector(prometheus.NewRegistry())
	c.DataAttempted()
	r := c.Report()
	if r.PDR != 0 {
		t.Errorf("PDR = %v, want 0 with no deliveries", r.PDR)
	}
}

func TestMACDropAndNeighborChangeDoNotPanic(t *testing.T) {
	c := metrics.NewCollector(prometheus.NewRegistry())
	c.MACDrop(3)
	c.NeighborChange(true)
	c.NeighborChange(false)
	c.DVPoisoned()
	c.SessionExpired()
}
