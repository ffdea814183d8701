// Package sim implements the simulation orchestrator: build, run, and
// report.
package sim

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/skyferry/fanetsim/internal/clock"
	"github.com/skyferry/fanetsim/internal/config"
	"github.com/skyferry/fanetsim/internal/mac"
	"github.com/skyferry/fanetsim/internal/metrics"
	"github.com/skyferry/fanetsim/internal/node"
	"github.com/skyferry/fanetsim/internal/routing"
	"github.com/skyferry/fanetsim/internal/sink"
)

// fixedPropDelay is the per-hop radio propagation delay applied to
// every delivery; there is no configuration key for it, so it stands
// in for a distance-proportional term the configuration surface
// doesn't expose.
const fixedPropDelay = time.Millisecond

// nodeSnapshot is one node's contribution to a topology snapshot,
// gathered in parallel by the post-run aggregation pool.
type nodeSnapshot struct {
	id        int
	pos       mac.Position
	neighbors []int
	table     map[int]routing.Entry
}

// Orchestrator owns the clock, channel, and nodes for a single run, and
// the sink/metrics collaborators observations and the final report flow
// through.
type Orchestrator struct {
	cfg     config.SimConfig
	churn   []config.ChurnEvent
	sched   *clock.Scheduler
	ch      *mac.Channel
	nodes   []*node.Node
	metrics *metrics.Collector
	obs     sink.Sink
	epoch   time.Time

	snapshotPool pond.ResultPool[nodeSnapshot]
}

// Build instantiates the channel, N nodes with random initial positions
// and waypoints (seeded), registers each with the channel, and seeds each
// node's routing table with a self-entry.
func Build(cfg config.Config, epoch time.Time, m *metrics.Collector, obs sink.Sink) *Orchestrator {
	if obs == nil {
		obs = sink.Discard{}
	}

	sched := clock.NewScheduler(epoch)
	rng := rand.New(rand.NewSource(cfg.Sim.Seed))

	macCfg := mac.Config{
		CommRange:      cfg.Sim.CommRange,
		MinBackoff:     cfg.Sim.MACMinBackoff,
		MaxBackoff:     cfg.Sim.MACMaxBackoff,
		TxDuration:     cfg.Sim.MACTxDuration,
		MaxJitter:      0,
		FixedPropDelay: fixedPropDelay,
		MaxRetries:     cfg.Sim.MACMaxRetries,
	}
	ch := mac.NewChannel(sched, macCfg, rng)
	if m != nil {
		ch.OnDrop(m.MACDrop)
	}

	nodeCfg := node.Config{
		WorldW:          cfg.Sim.WorldWidth,
		WorldH:          cfg.Sim.WorldHeight,
		HelloPeriod:     cfg.Sim.HelloPeriod,
		DVPeriod:        cfg.Sim.DVPeriod,
		AppSendPeriod:   cfg.Sim.AppSendPeriod,
		NeighborTimeout: cfg.Sim.NeighborTimeout,
		MobilityStep:    cfg.Sim.MobilityStep,
		SpeedMin:        cfg.Sim.SpeedMin,
		SpeedMax:        cfg.Sim.SpeedMax,
		PauseMin:        cfg.Sim.PauseMin,
		PauseMax:        cfg.Sim.PauseMax,
		SessionTTL:      max(cfg.Sim.NumNodes, 1),
		LogDVChanges:    cfg.Sim.LogDVChanges,
	}

	nodes := make([]*node.Node, cfg.Sim.NumNodes)
	for i := range nodes {
		nodes[i] = node.New(i, cfg.Sim.NumNodes, nodeCfg, sched, ch, rng, obs, wrapMetrics(m))
	}

	o := &Orchestrator{
		cfg:          cfg.Sim,
		churn:        cfg.Churn,
		sched:        sched,
		ch:           ch,
		nodes:        nodes,
		metrics:      m,
		obs:          obs,
		epoch:        epoch,
		snapshotPool: pond.NewResultPool[nodeSnapshot](min(cfg.Sim.NumNodes, 16)),
	}
	return o
}

// wrapMetrics adapts a possibly-nil *metrics.Collector to node.Metrics;
// node.New accepts nil directly too, but keeping the adaptation explicit
// here documents the interface boundary at the orchestrator's call site.
func wrapMetrics(m *metrics.Collector) node.Metrics {
	if m == nil {
		return nil
	}
	return m
}

// Run launches every node's tasks plus the orchestrator's own snapshot
// and churn tasks, and advances virtual time to sim_time_s, then cancels
// everything.
func (o *Orchestrator) Run(ctx context.Context) {
	for _, n := range o.nodes {
		n.Start()
	}
	o.sched.Spawn(o.snapshotTask)
	if len(o.churn) > 0 {
		o.sched.Spawn(o.churnTask)
	}

	o.sched.Run(ctx, o.epoch.Add(o.cfg.SimTime))
}

// snapshotTask periodically reports the whole-topology observation. It
// runs with the scheduler's baton held, so reading every node's fields
// here is safe without a lock — no other task runs concurrently with it.
func (o *Orchestrator) snapshotTask() {
	period := o.cfg.SnapshotPeriod
	if period <= 0 {
		period = o.cfg.DVPeriod
	}
	for {
		o.emitSnapshot()
		if err := o.sched.Sleep(period); err != nil {
			return
		}
	}
}

func (o *Orchestrator) emitSnapshot() {
	now := o.sched.Now()
	positions := make(map[int]mac.Position, len(o.nodes))
	neighborSets := make(map[int][]int, len(o.nodes))
	tables := make(map[int]map[int]routing.Entry, len(o.nodes))
	for _, n := range o.nodes {
		positions[n.ID()] = n.Position()
		neighborSets[n.ID()] = n.Neighbors()
		tables[n.ID()] = n.RoutingTable().Snapshot()
	}
	o.obs.OnSnapshot(now, positions, neighborSets, tables)
}

// churnTask applies the scripted waypoint overrides at their scheduled
// virtual times, in ascending time order.
func (o *Orchestrator) churnTask() {
	events := append([]config.ChurnEvent(nil), o.churn...)
	sort.Slice(events, func(i, j int) bool { return events[i].TimeS < events[j].TimeS })

	at := o.epoch
	for _, ev := range events {
		target := o.epoch.Add(time.Duration(ev.TimeS * float64(time.Second)))
		wait := target.Sub(at)
		if wait > 0 {
			if err := o.sched.Sleep(wait); err != nil {
				return
			}
		}
		at = target
		if ev.NodeID >= 0 && ev.NodeID < len(o.nodes) {
			o.nodes[ev.NodeID].ForceWaypoint(ev.X, ev.Y)
		}
	}
}

// Report computes the final metrics report.
func (o *Orchestrator) Report() metrics.Report {
	if o.metrics == nil {
		return metrics.Report{}
	}
	return o.metrics.Report()
}

// FinalSnapshot gathers every node's position, neighbor set, and routing
// table once after Run returns, using a bounded worker pool since nothing
// is running concurrently to race with at this point — each node's read
// is independent of every other's.
func (o *Orchestrator) FinalSnapshot(ctx context.Context) (positions map[int]mac.Position, neighborSets map[int][]int, tables map[int]map[int]routing.Entry) {
	group := o.snapshotPool.NewGroupContext(ctx)
	for _, n := range o.nodes {
		n := n
		group.SubmitErr(func() (nodeSnapshot, error) {
			return nodeSnapshot{
				id:        n.ID(),
				pos:       n.Position(),
				neighbors: n.Neighbors(),
				table:     n.RoutingTable().Snapshot(),
			}, nil
		})
	}
	results, _ := group.Wait()

	positions = make(map[int]mac.Position, len(results))
	neighborSets = make(map[int][]int, len(results))
	tables = make(map[int]map[int]routing.Entry, len(results))
	for _, r := range results {
		positions[r.id] = r.pos
		neighborSets[r.id] = r.neighbors
		tables[r.id] = r.table
	}
	return positions, neighborSets, tables
}
