// Package sink defines the observation boundary: the interface through
// which the simulation core reports path traces, neighbor churn, and
// periodic snapshots to an external visualizer or stat reporter,
// without the core ever depending on how — or whether — those
// observations are rendered.
package sink

import (
	"time"

	"github.com/skyferry/fanetsim/internal/mac"
	"github.com/skyferry/fanetsim/internal/routing"
)

// Sink is called synchronously from the core at suspension-safe points
// (never from inside a locked section, never awaited on). Implementations
// must return promptly; the core never blocks on a Sink call, and a slow
// or blocking implementation will stall the whole simulation.
type Sink interface {
	// OnPath reports a delivered DataMsg's full path trace and the
	// virtual time it arrived.
	OnPath(path []int, now time.Time)

	// OnNeighborChange reports a neighbor entry appearing or expiring
	// at nodeID.
	OnNeighborChange(nodeID, neighborID int, added bool)

	// OnSnapshot reports a periodic whole-topology sample: each node's
	// position, its current neighbor set, and its full routing table.
	OnSnapshot(now time.Time, positions map[int]mac.Position, neighborSets map[int][]int, tables map[int]map[int]routing.Entry)
}

// Discard is a Sink that does nothing; useful where a real observer
// hasn't been wired up (e.g. unit tests exercising node/channel logic
// in isolation).
type Discard struct{}

func (Discard) OnPath([]int, time.Time)         {}
func (Discard) OnNeighborChange(int, int, bool) {}
func (Discard) OnSnapshot(
	time.Time,
	map[int]mac.Position,
	map[int][]int,
	map[int]map[int]routing.Entry,
) {
}
