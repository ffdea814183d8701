package node_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/skyferry/fanetsim/internal/clock"
	"github.com/skyferry/fanetsim/internal/mac"
	"github.com/skyferry/fanetsim/internal/node"
	"github.com/skyferry/fanetsim/internal/sink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() node.Config {
	return node.Config{
		WorldW: 1000, WorldH: 1000,
		HelloPeriod:     time.Second,
		DVPeriod:        2 * time.Second,
		AppSendPeriod:   5 * time.Second,
		NeighborTimeout: 4 * time.Second,
		MobilityStep:    time.Second,
		SpeedMin:        1, SpeedMax: 2,
		PauseMin: time.Second, PauseMax: 2 * time.Second,
		SessionTTL: 8,
	}
}

func macConfig() mac.Config {
	return mac.Config{
		CommRange:  300,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		TxDuration: 5 * time.Millisecond,
		MaxRetries: 5,
	}
}

type countingMetrics struct {
	attempted, delivered, expired int
}

func (m *countingMetrics) DataAttempted()                             { m.attempted++ }
func (m *countingMetrics) DataDelivered(time.Duration, int)            { m.delivered++ }
func (m *countingMetrics) SessionExpired()                             { m.expired++ }

func TestTwoNodesDiscoverAndDeliver(t *testing.T) {
	epoch := time.Unix(0, 0)
	sched := clock.NewScheduler(epoch)
	rng := rand.New(rand.NewSource(1))
	ch := mac.NewChannel(sched, macConfig(), rng)

	cfg := testConfig()
	cfg.WorldW, cfg.WorldH = 50, 50 // force them within comm range

	metrics := &countingMetrics{}
	n0 := node.New(0, 2, cfg, sched, ch, rng, sink.Discard{}, metrics)
	n1 := node.New(1, 2, cfg, sched, ch, rng, sink.Discard{}, metrics)
	n0.Start()
	n1.Start()

	sched.Run(context.Background(), epoch.Add(60*time.Second))

	if len(n0.Neighbors()) == 0 || len(n1.Neighbors()) == 0 {
		t.Fatalf("expected mutual neighbor discovery, got n0=%v n1=%v", n0.Neighbors(), n1.Neighbors())
	}
	if metrics.delivered == 0 {
		t.Errorf("expected at least one DataMsg delivered, got 0")
	}
}

func TestIsolatedNodeNeverGainsNeighbors(t *testing.T) {
	epoch := time.Unix(0, 0)
	sched := clock.NewScheduler(epoch)
	rng := rand.New(rand.NewSource(2))
	cfg := macConfig()
	cfg.CommRange = 1
	ch := mac.NewChannel(sched, cfg, rng)

	ncfg := testConfig()
	ncfg.WorldW, ncfg.WorldH = 5000, 5000

	metrics := &countingMetrics{}
	n0 := node.New(0, 2, ncfg, sched, ch, rng, sink.Discard{}, metrics)
	n1 := node.New(1, 2, ncfg, sched, ch, rng, sink.Discard{}, metrics)
	n0.Start()
	n1.Start()

	sched.Run(context.Background(), epoch.Add(30*time.Second))

	if len(n0.Neighbors()) != 0 {
		t.Errorf("expected no neighbors out of range, got %v", n0.Neighbors())
	}
	if metrics.delivered != 0 {
		t.Errorf("expected no deliveries out of range, got %d", metrics.delivered)
	}
}

func TestSelfRoutingTableEntryNeverAdvertised(t *testing.T) {
	epoch := time.Unix(0, 0)
	sched := clock.NewScheduler(epoch)
	rng := rand.New(rand.NewSource(3))
	ch := mac.NewChannel(sched, macConfig(), rng)

	cfg := testConfig()
	n0 := node.New(0, 1, cfg, sched, ch, rng, sink.Discard{}, nil)

	exported := n0.RoutingTable().ExportTo(1)
	if _, ok := exported[0]; ok {
		t.Errorf("self entry must never appear in an exported vector, got %v", exported)
	}
}
