package sim_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/skyferry/fanetsim/internal/config"
	"github.com/skyferry/fanetsim/internal/metrics"
	"github.com/skyferry/fanetsim/internal/sim"
	"github.com/skyferry/fanetsim/internal/sink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunTwoNodeStaticPresetDelivers(t *testing.T) {
	cfg, err := config.LoadPreset("two-node-static")
	if err != nil {
		t.Fatalf("LoadPreset: %v", err)
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	orch := sim.Build(*cfg, time.Unix(0, 0), collector, sink.Discard{})
	orch.Run(context.Background())

	report := orch.Report()
	if report.Delivered == 0 {
		t.Errorf("expected at least one delivery in two-node-static, got report %+v", report)
	}
}

func TestRunIsDeterministicForIdenticalSeed(t *testing.T) {
	cfg, err := config.LoadPreset("three-node-line")
	if err != nil {
		t.Fatalf("LoadPreset: %v", err)
	}

	run := func() metrics.Report {
		collector := metrics.NewCollector(prometheus.NewRegistry())
		orch := sim.Build(*cfg, time.Unix(0, 0), collector, sink.Discard{})
		orch.Run(context.Background())
		return orch.Report()
	}

	a, b := run(), run()
	if a != b {
		t.Errorf("expected identical reports for identical seed, got %+v vs %+v", a, b)
	}
}

func TestPartitionMergeChurnEventuallyConnects(t *testing.T) {
	cfg, err := config.LoadPreset("partition-merge")
	if err != nil {
		t.Fatalf("LoadPreset: %v", err)
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	orch := sim.Build(*cfg, time.Unix(0, 0), collector, sink.Discard{})
	orch.Run(context.Background())

	_, neighborSets, _ := orch.FinalSnapshot(context.Background())
	if len(neighborSets) != cfg.Sim.NumNodes {
		t.Fatalf("expected a snapshot entry per node, got %d", len(neighborSets))
	}
}

func TestFinalSnapshotCoversEveryNode(t *testing.T) {
	cfg, err := config.LoadPreset("two-node-static")
	if err != nil {
		t.Fatalf("LoadPreset: %v", err)
	}

	orch := sim.Build(*cfg, time.Unix(0, 0), nil, sink.Discard{})
	orch.Run(context.Background())

	positions, neighborSets, tables := orch.FinalSnapshot(context.Background())
	if len(positions) != cfg.Sim.NumNodes || len(neighborSets) != cfg.Sim.NumNodes || len(tables) != cfg.Sim.NumNodes {
		t.Errorf("expected %d entries in each snapshot map, got %d/%d/%d",
			cfg.Sim.NumNodes, len(positions), len(neighborSets), len(tables))
	}
}
