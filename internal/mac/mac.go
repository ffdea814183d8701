// Package mac implements the shared wireless channel: carrier-sense +
// random backoff contention, range-based delivery, and per-receiver
// propagation delay.
package mac

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/skyferry/fanetsim/internal/clock"
	"github.com/skyferry/fanetsim/internal/message"
)

// Position is a node's location in the 2D world.
type Position struct {
	X, Y float64
}

func dist(a, b Position) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Config bundles the MAC/PHY timing parameters.
type Config struct {
	CommRange float64

	MinBackoff, MaxBackoff time.Duration
	TxDuration             time.Duration
	MaxJitter              time.Duration

	// PropagationConst is C in prop = d/C + jitter, in meters per
	// second. Zero disables the distance term, leaving only a fixed
	// delay plus jitter.
	PropagationConst float64
	FixedPropDelay   time.Duration

	// MaxRetries caps the carrier-sense/backoff loop; on exhaustion the
	// frame is silently dropped.
	MaxRetries int
}

// uniformBackoff implements backoff.BackOff with a uniform random delay
// in [min, max] rather than exponential growth — contention backoff
// here is bounded and random, not escalating. Wiring it through the
// backoff.BackOff interface keeps the retry policy swappable the way
// cenkalti/backoff's own callers do, while the retry loop itself stays
// in Channel.Broadcast so every wait goes through the virtual scheduler
// instead of backoff.Retry's own real-time timer.
type uniformBackoff struct {
	min, max time.Duration
	rng      *rand.Rand
}

var _ backoff.BackOff = (*uniformBackoff)(nil)

func (b *uniformBackoff) NextBackOff() time.Duration {
	if b.max <= b.min {
		return b.min
	}
	span := b.max - b.min
	return b.min + time.Duration(b.rng.Int63n(int64(span)+1))
}

func (b *uniformBackoff) Reset() {}

// receiver is a node registered with the channel.
type receiver struct {
	id      int
	pos     func() Position
	deliver func(message.Envelope)
}

// Channel is the single process-wide shared medium. Broadcast
// serializes reservation of busy_until under mu; it never fails
// outright — contention only ever results in a dropped frame after
// MaxRetries.
type Channel struct {
	sched *clock.Scheduler
	cfg   Config
	rng   *rand.Rand

	onDrop func(senderID int)

	mu        sync.Mutex
	busyUntil time.Time
	receivers map[int]*receiver
}

// NewChannel constructs a Channel driven by sched. rng must not be
// shared with any other consumer that expects independent draws within
// the same virtual tick, since the scheduler's cooperative exclusion is
// what makes rng-read ordering deterministic, not the generator itself.
func NewChannel(sched *clock.Scheduler, cfg Config, rng *rand.Rand) *Channel {
	return &Channel{
		sched:     sched,
		cfg:       cfg,
		rng:       rng,
		receivers: make(map[int]*receiver),
	}
}

// OnDrop registers a callback invoked whenever a frame is dropped after
// exhausting the backoff retry cap. Optional; used by the simulation's
// metrics collector.
func (c *Channel) OnDrop(fn func(senderID int)) {
	c.onDrop = fn
}

// Register attaches a node to the channel. pos must return the node's
// current position; deliver is invoked (from within the channel's own
// scheduled delivery task, never concurrently with the node's own
// tasks at the same virtual instant — the scheduler's cooperative
// exclusion guarantees that) when a frame reaches this node.
func (c *Channel) Register(id int, pos func() Position, deliver func(message.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers[id] = &receiver{id: id, pos: pos, deliver: deliver}
}

// Broadcast carrier-senses, backs off on contention, reserves the
// medium, computes per-receiver range, and schedules delivery. It
// suspends the calling task only during the carrier-sense/backoff
// steps, returning immediately once the frame has been reserved and
// delivery events scheduled.
func (c *Channel) Broadcast(senderID int, msg message.Envelope) {
	bo := &uniformBackoff{min: c.cfg.MinBackoff, max: c.cfg.MaxBackoff, rng: c.rng}

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		c.mu.Lock()
		wait := c.busyUntil.Sub(c.sched.Now())
		c.mu.Unlock()
		if wait > 0 {
			if err := c.sched.Sleep(wait); err != nil {
				return
			}
		}

		if err := c.sched.Sleep(bo.NextBackOff()); err != nil {
			return
		}

		c.mu.Lock()
		now := c.sched.Now()
		if now.Before(c.busyUntil) {
			c.mu.Unlock()
			continue
		}
		c.busyUntil = now.Add(c.cfg.TxDuration)

		var sender *receiver
		if r, ok := c.receivers[senderID]; ok {
			sender = r
		}
		targets := make([]*receiver, 0, len(c.receivers))
		for id, r := range c.receivers {
			if id == senderID {
				continue
			}
			targets = append(targets, r)
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
		c.mu.Unlock()

		if sender == nil {
			return
		}
		senderPos := sender.pos()

		for _, r := range targets {
			d := dist(senderPos, r.pos())
			if d > c.cfg.CommRange {
				continue
			}
			prop := c.cfg.FixedPropDelay
			if c.cfg.PropagationConst > 0 {
				prop += time.Duration(d / c.cfg.PropagationConst * float64(time.Second))
			}
			if c.cfg.MaxJitter > 0 {
				prop += time.Duration(c.rng.Int63n(int64(c.cfg.MaxJitter) + 1))
			}
			delay := c.cfg.TxDuration + prop
			r := r
			c.sched.Spawn(func() {
				if err := c.sched.Sleep(delay); err != nil {
					return
				}
				r.deliver(msg)
			})
		}
		return
	}

	if c.onDrop != nil {
		c.onDrop(senderID)
	}
}
