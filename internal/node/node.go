// Package node implements the drone node: position/mobility state,
// neighbor table, session bookkeeping, and the six cooperative tasks
// that drive them.
package node

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/skyferry/fanetsim/internal/clock"
	"github.com/skyferry/fanetsim/internal/mac"
	"github.com/skyferry/fanetsim/internal/message"
	"github.com/skyferry/fanetsim/internal/routing"
	"github.com/skyferry/fanetsim/internal/sink"
)

// Metrics receives the simulation-global accounting events a node
// produces. It is narrower than the full collector so node stays
// decoupled from internal/metrics.
type Metrics interface {
	DataAttempted()
	DataDelivered(latency time.Duration, hops int)
	SessionExpired()
}

// Config bundles the per-node timing and mobility parameters read from
// the simulation's external configuration.
type Config struct {
	WorldW, WorldH float64

	HelloPeriod     time.Duration
	DVPeriod        time.Duration
	AppSendPeriod   time.Duration
	NeighborTimeout time.Duration
	MobilityStep    time.Duration

	SpeedMin, SpeedMax float64
	PauseMin, PauseMax time.Duration

	// SessionTTL is the initial TTL stamped on SessionReq/SessionAck/
	// DataMsg, decremented per forwarding hop. Should be at least the
	// network diameter; NumNodes is always sufficient.
	SessionTTL int

	LogDVChanges bool
}

type neighborEntry struct {
	lastHeard time.Time
	pos       mac.Position
	lastSeq   uint64
}

type sessionPhase int

const (
	sessionNone sessionPhase = iota
	sessionPendingAck
	sessionEstablished
)

type session struct {
	phase  sessionPhase
	id     uint64
	sentAt time.Time
}

type forwardKey struct {
	kind      message.Kind
	src       int
	sessionID uint64
}

// Node is one drone's full protocol stack. All mutable fields are
// touched only from this node's own tasks; the scheduler's cooperative
// exclusion (internal/clock) is what makes that safe without a mutex.
type Node struct {
	id       int
	numNodes int
	cfg      Config
	sched    *clock.Scheduler
	ch       *mac.Channel
	rng      *rand.Rand
	obs      sink.Sink
	metrics  Metrics

	x, y       float64
	wx, wy     float64
	speed      float64
	pauseUntil time.Time // zero value means "not pausing"

	neighbors map[int]*neighborEntry
	rt        *routing.Table
	helloSeq  uint64

	sessions       map[int]*session // keyed by dst, at the source
	nextSessionSeq uint64
	roundRobin     int

	accepted map[uint64]int // sessionID -> src, at the destination

	seenForward map[forwardKey]time.Time

	rx     []message.Envelope
	rxGate *clock.Gate
}

// New constructs a node with a random initial waypoint and speed and a
// routing table seeded with its self-entry.
func New(id, numNodes int, cfg Config, sched *clock.Scheduler, ch *mac.Channel, rng *rand.Rand, obs sink.Sink, metrics Metrics) *Node {
	n := &Node{
		id:          id,
		numNodes:    numNodes,
		cfg:         cfg,
		sched:       sched,
		ch:          ch,
		rng:         rng,
		obs:         obs,
		metrics:     metrics,
		neighbors:   make(map[int]*neighborEntry),
		rt:          routing.New(id),
		sessions:    make(map[int]*session),
		accepted:    make(map[uint64]int),
		seenForward: make(map[forwardKey]time.Time),
		rxGate:      sched.NewGate(),
	}
	n.x = rng.Float64() * cfg.WorldW
	n.y = rng.Float64() * cfg.WorldH
	n.pickNewWaypoint()

	ch.Register(id, n.position, n.deliver)
	return n
}

// ID returns the node's stable identity.
func (n *Node) ID() int { return n.id }

// Position returns the node's current (x, y); safe to call from
// outside the node's own tasks only at quiescent points (e.g. from the
// orchestrator between scheduler turns, such as snapshot collection).
func (n *Node) Position() mac.Position { return n.position() }

func (n *Node) position() mac.Position { return mac.Position{X: n.x, Y: n.y} }

// Neighbors returns the current neighbor id set.
func (n *Node) Neighbors() []int {
	ids := make([]int, 0, len(n.neighbors))
	for id := range n.neighbors {
		ids = append(ids, id)
	}
	return ids
}

// RoutingTable exposes the table for snapshotting.
func (n *Node) RoutingTable() *routing.Table { return n.rt }

// ForceWaypoint overrides the node's current waypoint, clearing any
// active pause so the mobility task resumes moving toward it on its very
// next tick. The coordinate is clamped into world bounds like any
// ordinarily chosen waypoint.
func (n *Node) ForceWaypoint(x, y float64) {
	n.wx = math.Min(math.Max(x, 0), n.cfg.WorldW)
	n.wy = math.Min(math.Max(y, 0), n.cfg.WorldH)
	n.pauseUntil = time.Time{}
}

// Start spawns the six cooperative tasks. Each loops until the
// scheduler's run context is cancelled.
func (n *Node) Start() {
	n.sched.Spawn(n.mobilityTask)
	n.sched.Spawn(n.helloTask)
	n.sched.Spawn(n.dvTask)
	n.sched.Spawn(n.appTask)
	n.sched.Spawn(n.receiveTask)
	n.sched.Spawn(n.agingTask)
}

func (n *Node) clamp() {
	n.x = math.Min(math.Max(n.x, 0), n.cfg.WorldW)
	n.y = math.Min(math.Max(n.y, 0), n.cfg.WorldH)
}

func (n *Node) pickNewWaypoint() {
	n.wx = n.rng.Float64() * n.cfg.WorldW
	n.wy = n.rng.Float64() * n.cfg.WorldH
	n.speed = n.cfg.SpeedMin + n.rng.Float64()*(n.cfg.SpeedMax-n.cfg.SpeedMin)
}

func (n *Node) randomPause() time.Duration {
	span := n.cfg.PauseMax - n.cfg.PauseMin
	if span <= 0 {
		return n.cfg.PauseMin
	}
	return n.cfg.PauseMin + time.Duration(n.rng.Int63n(int64(span)))
}

// mobilityTask advances toward the waypoint each tick, clamps into
// world bounds, and dwells/resamples on arrival.
func (n *Node) mobilityTask() {
	for {
		switch {
		case !n.pauseUntil.IsZero() && n.sched.Now().Before(n.pauseUntil):
			// still dwelling at the waypoint
		case !n.pauseUntil.IsZero():
			n.pauseUntil = time.Time{}
			n.pickNewWaypoint()
		default:
			n.advance()
		}
		if err := n.sched.Sleep(n.cfg.MobilityStep); err != nil {
			return
		}
	}
}

func (n *Node) advance() {
	dx, dy := n.wx-n.x, n.wy-n.y
	remaining := math.Hypot(dx, dy)
	step := n.speed * n.cfg.MobilityStep.Seconds()

	if remaining <= step {
		n.x, n.y = n.wx, n.wy
		n.clamp()
		n.pauseUntil = n.sched.Now().Add(n.randomPause())
		return
	}
	n.x += dx / remaining * step
	n.y += dy / remaining * step
	n.clamp()
}

// helloTask broadcasts a periodic position beacon.
func (n *Node) helloTask() {
	for {
		n.helloSeq++
		n.ch.Broadcast(n.id, message.Envelope{
			Kind:     message.KindHello,
			SenderID: n.id,
			SendTime: n.sched.Now(),
			Payload:  message.Hello{X: n.x, Y: n.y, Seq: n.helloSeq},
		})
		if err := n.sched.Sleep(n.cfg.HelloPeriod); err != nil {
			return
		}
	}
}

// dvTask broadcasts one distance-vector update per neighbor, each
// carrying that neighbor's split-horizon/poisoned-reverse export.
func (n *Node) dvTask() {
	for {
		ids := make([]int, 0, len(n.neighbors))
		for neighborID := range n.neighbors {
			ids = append(ids, neighborID)
		}
		sort.Ints(ids)
		for _, neighborID := range ids {
			n.ch.Broadcast(n.id, message.Envelope{
				Kind:     message.KindDV,
				SenderID: n.id,
				SendTime: n.sched.Now(),
				Payload:  message.DV{Vector: n.rt.ExportTo(neighborID)},
			})
		}
		n.rt.GC(n.cfg.DVPeriod, n.sched.Now())
		n.rt.ClearChanged()
		if err := n.sched.Sleep(n.cfg.DVPeriod); err != nil {
			return
		}
	}
}

// appTask drives round-robin destination selection, session expiry, and
// SessionReq issuance.
func (n *Node) appTask() {
	for {
		n.expireSessions()
		if dst, ok := n.nextRoundRobinDst(); ok {
			if s := n.sessions[dst]; s == nil || s.phase == sessionNone {
				n.openSession(dst)
			}
		}
		if err := n.sched.Sleep(n.cfg.AppSendPeriod); err != nil {
			return
		}
	}
}

func (n *Node) nextRoundRobinDst() (int, bool) {
	if n.numNodes <= 1 {
		return 0, false
	}
	for i := 0; i < n.numNodes; i++ {
		n.roundRobin = (n.roundRobin + 1) % n.numNodes
		if n.roundRobin != n.id {
			return n.roundRobin, true
		}
	}
	return 0, false
}

func (n *Node) expireSessions() {
	now := n.sched.Now()
	for dst, s := range n.sessions {
		if s.phase == sessionPendingAck && now.Sub(s.sentAt) >= n.cfg.AppSendPeriod {
			delete(n.sessions, dst)
			if n.metrics != nil {
				n.metrics.SessionExpired()
			}
		}
	}
}

func (n *Node) newSessionID() uint64 {
	n.nextSessionSeq++
	return uint64(n.id)<<32 | n.nextSessionSeq
}

func (n *Node) openSession(dst int) {
	id := n.newSessionID()
	n.sessions[dst] = &session{phase: sessionPendingAck, id: id, sentAt: n.sched.Now()}
	n.ch.Broadcast(n.id, message.Envelope{
		Kind:     message.KindSessionReq,
		SenderID: n.id,
		SendTime: n.sched.Now(),
		Payload:  message.SessionReq{Src: n.id, Dst: dst, SessionID: id, TTL: n.cfg.SessionTTL},
	})
}

// agingTask periodically ages neighbors and prunes stale dedup entries.
func (n *Node) agingTask() {
	interval := n.cfg.NeighborTimeout / 2
	for {
		n.ageNeighbors()
		n.pruneSeenForward()
		if err := n.sched.Sleep(interval); err != nil {
			return
		}
	}
}

func (n *Node) ageNeighbors() {
	now := n.sched.Now()
	lastHeard := make(map[int]time.Time, len(n.neighbors))
	for id, e := range n.neighbors {
		lastHeard[id] = e.lastHeard
	}
	removed := n.rt.AgeNeighbors(lastHeard, n.cfg.NeighborTimeout, now)
	for _, id := range removed {
		delete(n.neighbors, id)
		if n.obs != nil {
			n.obs.OnNeighborChange(n.id, id, false)
		}
	}
}

// pruneSeenForward drops duplicate-suppression entries older than two
// app periods — long enough to catch copies of a handshake frame relayed
// by several forwarders, short enough not to grow unbounded over a long
// run.
func (n *Node) pruneSeenForward() {
	cutoff := n.sched.Now().Add(-2 * n.cfg.AppSendPeriod)
	for k, seenAt := range n.seenForward {
		if seenAt.Before(cutoff) {
			delete(n.seenForward, k)
		}
	}
}

// deliver is invoked by the channel when a frame reaches this node. It
// only enqueues and signals the receive task's gate; delivery to each
// receiver is independent of every other.
func (n *Node) deliver(env message.Envelope) {
	n.rx = append(n.rx, env)
	n.rxGate.Signal()
}

// receiveTask drains the rx queue, parking on the gate when it's empty.
func (n *Node) receiveTask() {
	for {
		for len(n.rx) > 0 {
			env := n.rx[0]
			n.rx = n.rx[1:]
			n.dispatch(env)
		}
		if err := n.rxGate.Wait(); err != nil {
			return
		}
	}
}

func (n *Node) isNeighbor(id int) bool {
	_, ok := n.neighbors[id]
	return ok
}

func (n *Node) dispatch(env message.Envelope) {
	switch p := env.Payload.(type) {
	case message.Hello:
		n.handleHello(env.SenderID, p)
	case message.DV:
		n.rt.Relax(env.SenderID, p.Vector, n.sched.Now())
	case message.SessionReq:
		n.handleSessionReq(p)
	case message.SessionAck:
		n.handleSessionAck(p)
	case message.DataMsg:
		n.handleDataMsg(p)
	}
}

func (n *Node) handleHello(senderID int, h message.Hello) {
	now := n.sched.Now()
	_, existed := n.neighbors[senderID]
	n.neighbors[senderID] = &neighborEntry{lastHeard: now, pos: mac.Position{X: h.X, Y: h.Y}, lastSeq: h.Seq}
	n.rt.EnsureDirect(senderID, now)
	if !existed && n.obs != nil {
		n.obs.OnNeighborChange(n.id, senderID, true)
	}
}

func (n *Node) handleSessionReq(p message.SessionReq) {
	if p.Dst == n.id {
		n.accepted[p.SessionID] = p.Src
		if _, ok := n.rt.Route(p.Src, n.isNeighbor); !ok {
			return
		}
		n.ch.Broadcast(n.id, message.Envelope{
			Kind:     message.KindSessionAck,
			SenderID: n.id,
			SendTime: n.sched.Now(),
			Payload:  message.SessionAck{Src: p.Src, Dst: p.Dst, SessionID: p.SessionID, TTL: n.cfg.SessionTTL},
		})
		return
	}

	key := forwardKey{kind: message.KindSessionReq, src: p.Src, sessionID: p.SessionID}
	if _, seen := n.seenForward[key]; seen {
		return
	}
	n.seenForward[key] = n.sched.Now()

	p.TTL--
	if p.TTL <= 0 {
		return
	}
	if _, ok := n.rt.Route(p.Dst, n.isNeighbor); !ok {
		return
	}
	n.ch.Broadcast(n.id, message.Envelope{
		Kind:     message.KindSessionReq,
		SenderID: n.id,
		SendTime: n.sched.Now(),
		Payload:  p,
	})
}

func (n *Node) handleSessionAck(p message.SessionAck) {
	if p.Src == n.id {
		s, ok := n.sessions[p.Dst]
		if !ok || s.phase != sessionPendingAck || s.id != p.SessionID {
			return
		}
		s.phase = sessionEstablished
		if n.metrics != nil {
			n.metrics.DataAttempted()
		}
		n.ch.Broadcast(n.id, message.Envelope{
			Kind:     message.KindData,
			SenderID: n.id,
			SendTime: n.sched.Now(),
			Payload: message.DataMsg{
				Src:        n.id,
				Dst:        p.Dst,
				SessionID:  p.SessionID,
				TTL:        n.cfg.SessionTTL,
				Path:       []int{n.id},
				OriginTime: n.sched.Now(),
			},
		})
		return
	}

	key := forwardKey{kind: message.KindSessionAck, src: p.Src, sessionID: p.SessionID}
	if _, seen := n.seenForward[key]; seen {
		return
	}
	n.seenForward[key] = n.sched.Now()

	p.TTL--
	if p.TTL <= 0 {
		return
	}
	if _, ok := n.rt.Route(p.Src, n.isNeighbor); !ok {
		return
	}
	n.ch.Broadcast(n.id, message.Envelope{
		Kind:     message.KindSessionAck,
		SenderID: n.id,
		SendTime: n.sched.Now(),
		Payload:  p,
	})
}

func (n *Node) handleDataMsg(p message.DataMsg) {
	if p.Dst == n.id {
		now := n.sched.Now()
		path := append(append([]int{}, p.Path...), n.id)
		if n.metrics != nil {
			n.metrics.DataDelivered(now.Sub(p.OriginTime), len(path))
		}
		if n.obs != nil {
			n.obs.OnPath(path, now)
		}
		return
	}

	for _, hop := range p.Path {
		if hop == n.id {
			return // loop: already visited
		}
	}
	p.Path = append(append([]int{}, p.Path...), n.id)
	p.TTL--
	if p.TTL <= 0 {
		return
	}
	if _, ok := n.rt.Route(p.Dst, n.isNeighbor); !ok {
		return
	}
	n.ch.Broadcast(n.id, message.Envelope{
		Kind:     message.KindData,
		SenderID: n.id,
		SendTime: n.sched.Now(),
		Payload:  p,
	})
}
