// Package routing implements the per-node distance-vector table: route
// installation on Hello receipt, Bellman-Ford relaxation on DV receipt,
// neighbor aging with poisoning, and split-horizon/poisoned-reverse
// export.
package routing

import "time"

// MaxHops bounds representable cost; candidates beyond it are treated
// as unreachable.
const MaxHops = 16

// Inf is the unreachable sentinel cost, always > MaxHops.
const Inf = MaxHops + 1

// Entry is one destination's routing table row.
type Entry struct {
	Cost       int
	NextHop    int
	LastUpdate time.Time
	Changed    bool
}

// Table is a single node's distance-vector routing table, keyed by
// destination id. It is only ever mutated by its owning node's own
// tasks, which the cooperative scheduler guarantees never interleave
// mid-update.
type Table struct {
	self    int
	entries map[int]*Entry
}

// New creates a Table seeded with the mandatory self-entry: cost 0,
// next hop self, never advertised.
func New(self int) *Table {
	return &Table{
		self: self,
		entries: map[int]*Entry{
			self: {Cost: 0, NextHop: self},
		},
	}
}

// Entry returns the current row for dst and whether it exists.
func (t *Table) Entry(dst int) (Entry, bool) {
	e, ok := t.entries[dst]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// EnsureDirect installs or refreshes a direct (cost-1) route to
// neighborID, invoked on Hello receipt.
func (t *Table) EnsureDirect(neighborID int, now time.Time) {
	if neighborID == t.self {
		return
	}
	e, ok := t.entries[neighborID]
	if !ok || e.Cost > 1 {
		t.entries[neighborID] = &Entry{Cost: 1, NextHop: neighborID, LastUpdate: now, Changed: true}
		return
	}
	e.LastUpdate = now
}

// Relax applies one Bellman-Ford step for a DV received from fromID.
// vector maps destination to the advertised cost, split-horizon-adjusted
// by the sender for the neighbor it was exported to, which is not
// necessarily this receiver.
func (t *Table) Relax(fromID int, vector map[int]int, now time.Time) {
	for dest, c := range vector {
		if dest == t.self {
			continue
		}
		candidate := c + 1
		if candidate > MaxHops {
			candidate = Inf
		}

		e, ok := t.entries[dest]
		switch {
		case !ok:
			t.entries[dest] = &Entry{Cost: candidate, NextHop: fromID, LastUpdate: now, Changed: true}
		case candidate < e.Cost:
			t.entries[dest] = &Entry{Cost: candidate, NextHop: fromID, LastUpdate: now, Changed: true}
		case e.NextHop == fromID && candidate != e.Cost:
			t.entries[dest] = &Entry{Cost: candidate, NextHop: fromID, LastUpdate: now, Changed: true}
		}
	}
}

// AgeNeighbors drops neighbors not heard from within timeout and
// poisons every route that routed through them. lastHeard supplies each
// known neighbor's last-heard time; only the neighbors it lists are
// examined. Returns the ids removed this call.
func (t *Table) AgeNeighbors(lastHeard map[int]time.Time, timeout time.Duration, now time.Time) []int {
	var removed []int
	for n, last := range lastHeard {
		if now.Sub(last) <= timeout {
			continue
		}
		removed = append(removed, n)
		for _, e := range t.entries {
			if e.NextHop == n && e.Cost < Inf {
				e.Cost = Inf
				e.LastUpdate = now
				e.Changed = true
			}
		}
	}
	return removed
}

// GC drops entries that have stayed at Inf for at least one
// advertisement period. Call once per DV period after exporting.
func (t *Table) GC(advertPeriod time.Duration, now time.Time) {
	for dest, e := range t.entries {
		if dest == t.self {
			continue
		}
		if e.Cost >= Inf && now.Sub(e.LastUpdate) >= advertPeriod {
			delete(t.entries, dest)
		}
	}
}

// ExportTo produces the DV payload advertised to neighborID, applying
// split horizon with poisoned reverse: destinations this table would
// reach via neighborID are exported as Inf so the neighbor never learns
// back its own best path.
func (t *Table) ExportTo(neighborID int) map[int]int {
	out := make(map[int]int, len(t.entries))
	for dest, e := range t.entries {
		if dest == t.self {
			continue
		}
		if e.NextHop == neighborID {
			out[dest] = Inf
			continue
		}
		out[dest] = e.Cost
	}
	return out
}

// Route returns the next hop toward dst, or (0, false) if dst is
// unreachable. isNeighbor reports whether a given id is a current
// neighbor; a route whose next hop has aged out is not usable even if
// the table entry has not yet been poisoned.
func (t *Table) Route(dst int, isNeighbor func(int) bool) (int, bool) {
	if dst == t.self {
		return t.self, true
	}
	e, ok := t.entries[dst]
	if !ok || e.Cost >= Inf {
		return 0, false
	}
	if e.NextHop == t.self {
		return t.self, true
	}
	if !isNeighbor(e.NextHop) {
		return 0, false
	}
	return e.NextHop, true
}

// ClearChanged resets the Changed flag on every entry, called once per
// reporting period.
func (t *Table) ClearChanged() {
	for _, e := range t.entries {
		e.Changed = false
	}
}

// Snapshot returns a copy of the full table, keyed by destination, for
// the observation sink.
func (t *Table) Snapshot() map[int]Entry {
	out := make(map[int]Entry, len(t.entries))
	for dest, e := range t.entries {
		out[dest] = *e
	}
	return out
}
