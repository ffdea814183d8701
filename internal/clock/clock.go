// Package clock implements the simulation's virtual-time source and
// single-threaded cooperative scheduler.
//
// Every node task and the wireless channel read time through a Scheduler
// and suspend through Scheduler.Sleep. Scheduler.Now() has the same
// shape as github.com/jonboulle/clockwork.Clock.Now(), and a Scheduler
// carries a clockwork.FakeClock internally to stay advance-compatible
// with that ecosystem's API — but the actual dispatch engine underneath
// is hand-built: clockwork's FakeClock advances time and releases
// expired waiters without documenting any ordering guarantee among
// waiters expiring at the same instant, and readiness at the same
// virtual instant needs to dispatch in FIFO order here. The Scheduler
// below provides that by running at most one task at a time and handing
// control explicitly between the pump (Run) and whichever task
// currently holds it.
package clock

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the minimal read side of the virtual time source.
type Clock interface {
	Now() time.Time
}

// waiter is a single task's pending turn: either its first turn (pushed
// by Spawn) or its next turn after a Sleep call. seq breaks ties
// between waiters due at the identical instant, in the order they
// registered.
type waiter struct {
	at    time.Time
	seq   uint64
	turn  chan struct{} // closed by the pump to grant this waiter its turn
	index int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Scheduler is the cooperative driver. Exactly one task's code runs at
// any moment: a task only resumes running when
// the pump (Run) closes its waiter's turn channel, and it only stops
// running when it calls Sleep or its task function returns. Run is
// meant to be driven by a single goroutine (the simulation orchestrator)
// while any number of task goroutines call Spawn/Sleep.
type Scheduler struct {
	mu      sync.Mutex
	now     time.Time
	pending waiterHeap
	nextSeq uint64
	yielded chan struct{}
	wg      sync.WaitGroup

	fake clockwork.FakeClock

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a Scheduler with virtual time starting at epoch.
// Using a fixed, caller-supplied epoch (rather than time.Now()) keeps
// two runs with identical seed and config bit-for-bit reproducible,
// including any timestamps handed to the observation sink.
func NewScheduler(epoch time.Time) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		now:     epoch,
		fake:    clockwork.NewFakeClockAt(epoch),
		yielded: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Context is cancelled once Run has advanced virtual time to its
// deadline (or drained all work). Tasks must treat cancellation as "stop
// at the next suspension point" and must not call Sleep again after
// observing it.
func (s *Scheduler) Context() context.Context {
	return s.ctx
}

// Spawn registers fn as a cooperative task. fn is invoked, holding
// exclusive execution rights, once the scheduler grants its first turn;
// it is expected to loop — doing work, then calling Sleep — until
// Context() is done, at which point it must return promptly without
// calling Sleep again.
func (s *Scheduler) Spawn(fn func()) {
	s.mu.Lock()
	w := &waiter{at: s.now, seq: s.nextSeq, turn: make(chan struct{})}
	s.nextSeq++
	heap.Push(&s.pending, w)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-w.turn:
			fn()
		case <-s.ctx.Done():
			// Cancelled before ever being granted a turn.
		}
		s.yielded <- struct{}{}
	}()
}

// Sleep suspends the calling task until virtual time has advanced by at
// least d. d <= 0 returns immediately without yielding a turn. Returns
// Context().Err() if the scheduler's run context is cancelled before the
// wakeup.
func (s *Scheduler) Sleep(d time.Duration) error {
	if d <= 0 {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		return nil
	}

	s.mu.Lock()
	w := &waiter{at: s.now.Add(d), seq: s.nextSeq, turn: make(chan struct{})}
	s.nextSeq++
	heap.Push(&s.pending, w)
	s.mu.Unlock()

	s.yielded <- struct{}{}

	select {
	case <-w.turn:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Run drives the scheduler: it repeatedly advances virtual time to the
// earliest pending turn and grants turns one at a time, in FIFO order
// among ties, until either no task has pending work or virtual time
// would need to pass `until`. In the latter case it cancels Context()
// and waits for every still-live task to unwind, discarding any
// wakeups they had requested past that time.
//
// Run returns once every Spawned task has exited. parent, if cancelled
// first, also triggers the cutoff path.
func (s *Scheduler) Run(parent context.Context, until time.Time) {
	stop := context.AfterFunc(parent, s.cancel)
	defer stop()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			s.shutdown()
			return
		}

		earliest := s.pending[0].at
		if earliest.After(until) {
			s.pending = s.pending[:0]
			s.mu.Unlock()
			s.shutdown()
			return
		}

		if earliest.After(s.now) {
			s.now = earliest
			s.fake.Advance(earliest.Sub(s.fake.Now()))
		}

		var batch []*waiter
		for len(s.pending) > 0 && !s.pending[0].at.After(s.now) {
			batch = append(batch, heap.Pop(&s.pending).(*waiter))
		}
		s.mu.Unlock()

		for _, w := range batch {
			close(w.turn)
			<-s.yielded
		}
	}
}

// shutdown cancels the run context and drains per-turn yields until
// every task Spawned on this scheduler has exited, however it was
// parked (a timed Sleep, a Gate, or still waiting for its very first
// turn). Counting live tasks via wg rather than the pending heap's
// length is what makes this correct for Gate waiters, which sit outside
// the heap until something Signals them.
func (s *Scheduler) shutdown() {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-s.yielded:
		case <-done:
			return
		}
	}
}

// scheduleNow pushes an already-constructed waiter onto the pending
// heap as ready at the current virtual instant, behind anything else
// already due now. Used by Gate to hand a parked task back to the pump
// without ever blocking the signaling task on it.
func (s *Scheduler) scheduleNow(w *waiter) {
	s.mu.Lock()
	w.at = s.now
	w.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.pending, w)
	s.mu.Unlock()
}

// Gate is a non-duration suspension point: Signal wakes whatever task
// is parked in Wait, scheduled at the signaling task's current virtual
// instant through the same FIFO pump as every timed Sleep, rather than
// resuming it immediately (which would let two tasks run at once).
// It models suspension points that aren't a timed sleep, such as
// awaiting enqueue into an rx queue: a receive-dispatch task parks on a
// Gate when its queue is empty and a producer Signals it on enqueue.
//
// Signal is coalescing: a Signal with nobody parked is remembered and
// satisfies the next Wait immediately, so producers never block and a
// burst of enqueues before the consumer gets a turn is never lost.
type Gate struct {
	sched    *Scheduler
	mu       sync.Mutex
	signaled bool
	waiting  *waiter
}

// NewGate creates a Gate bound to this scheduler.
func (s *Scheduler) NewGate() *Gate {
	return &Gate{sched: s}
}

// Signal wakes the task parked in Wait, if any, or remembers the signal
// for the next Wait call. Must be called while the caller holds the
// scheduler's baton (i.e., from within a task's turn), never from an
// arbitrary goroutine.
func (g *Gate) Signal() {
	g.mu.Lock()
	w := g.waiting
	g.waiting = nil
	if w == nil {
		g.signaled = true
	}
	g.mu.Unlock()

	if w != nil {
		g.sched.scheduleNow(w)
	}
}

// Wait suspends the calling task until Signal is called, or returns
// immediately if a Signal is already pending. Returns the scheduler's
// Context().Err() if cancelled while parked.
func (g *Gate) Wait() error {
	g.mu.Lock()
	if g.signaled {
		g.signaled = false
		g.mu.Unlock()
		return nil
	}
	w := &waiter{turn: make(chan struct{})}
	g.waiting = w
	g.mu.Unlock()

	g.sched.yielded <- struct{}{}

	select {
	case <-w.turn:
		return nil
	case <-g.sched.ctx.Done():
		return g.sched.ctx.Err()
	}
}
