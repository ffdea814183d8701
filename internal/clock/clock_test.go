package clock_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/skyferry/fanetsim/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSleepOrdersByDeadlineThenRegistration(t *testing.T) {
	sched := clock.NewScheduler(time.Unix(0, 0))

	var order []int
	done := make(chan struct{}, 2)

	spawn := func(id int, d time.Duration) {
		sched.Spawn(func() {
			_ = sched.Sleep(d)
			order = append(order, id)
			done <- struct{}{}
		})
	}

	// Two tasks sleeping for the same duration; spawn order (0 then 1)
	// must determine wakeup order since the scheduler never runs two
	// tasks at once.
	spawn(0, 10*time.Millisecond)
	spawn(1, 10*time.Millisecond)

	sched.Run(context.Background(), time.Unix(0, 0).Add(time.Second))
	<-done
	<-done

	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("expected wakeup order [0 1], got %v", order)
	}
}

func TestRunAdvancesTimeToEarliestWaiter(t *testing.T) {
	sched := clock.NewScheduler(time.Unix(0, 0))
	start := sched.Now()

	woke := make(chan time.Time, 1)
	sched.Spawn(func() {
		_ = sched.Sleep(5 * time.Second)
		woke <- sched.Now()
	})

	sched.Run(context.Background(), start.Add(time.Minute))

	got := <-woke
	if got.Sub(start) != 5*time.Second {
		t.Fatalf("expected clock to jump by 5s, got %v", got.Sub(start))
	}
}

func TestRunCutsOffTasksAtDeadline(t *testing.T) {
	sched := clock.NewScheduler(time.Unix(0, 0))
	start := sched.Now()

	var sawCancellation bool
	finished := make(chan struct{})
	sched.Spawn(func() {
		for {
			if err := sched.Sleep(time.Second); err != nil {
				sawCancellation = true
				close(finished)
				return
			}
		}
	})

	// Deadline falls strictly between two of this task's requested
	// wakeups, so it must be cut off rather than run forever.
	sched.Run(context.Background(), start.Add(3500*time.Millisecond))

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled at the deadline")
	}
	if !sawCancellation {
		t.Fatal("expected the task to observe cancellation from Sleep")
	}
}

func TestRunReturnsImmediatelyWithNoTasks(t *testing.T) {
	sched := clock.NewScheduler(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		sched.Run(context.Background(), sched.Now().Add(time.Hour))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a scheduler with no pending tasks")
	}
}

func TestGateWaitBlocksUntilSignal(t *testing.T) {
	sched := clock.NewScheduler(time.Unix(0, 0))
	gate := sched.NewGate()

	var woke bool
	finished := make(chan struct{})
	sched.Spawn(func() {
		_ = gate.Wait()
		woke = true
		close(finished)
	})

	signaler := make(chan struct{})
	sched.Spawn(func() {
		_ = sched.Sleep(time.Second)
		gate.Signal()
		close(signaler)
	})

	sched.Run(context.Background(), time.Unix(0, 0).Add(time.Minute))

	<-finished
	<-signaler
	if !woke {
		t.Fatal("expected the gate-parked task to observe the signal")
	}
}

func TestGateSignalBeforeWaitIsNotLost(t *testing.T) {
	sched := clock.NewScheduler(time.Unix(0, 0))
	gate := sched.NewGate()
	gate.Signal() // nobody parked yet

	done := make(chan struct{})
	sched.Spawn(func() {
		if err := gate.Wait(); err != nil {
			t.Error("expected no error consuming an already-pending signal")
		}
		close(done)
	})

	sched.Run(context.Background(), time.Unix(0, 0).Add(time.Second))
	select {
	case <-done:
	default:
		t.Fatal("expected Wait to return immediately for a pending signal")
	}
}

func TestGateParkedTaskIsCancelledAtDeadline(t *testing.T) {
	sched := clock.NewScheduler(time.Unix(0, 0))
	gate := sched.NewGate()

	var sawErr bool
	finished := make(chan struct{})
	sched.Spawn(func() {
		if err := gate.Wait(); err != nil {
			sawErr = true
		}
		close(finished)
	})

	sched.Run(context.Background(), time.Unix(0, 0).Add(time.Second))

	<-finished
	if !sawErr {
		t.Fatal("expected the gate-parked task to be cancelled when Run reaches its deadline")
	}
}

func TestParentCancellationStopsRun(t *testing.T) {
	sched := clock.NewScheduler(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	sched.Spawn(func() {
		errCh <- sched.Sleep(time.Hour)
	})

	done := make(chan struct{})
	go func() {
		sched.Run(ctx, sched.Now().Add(24*time.Hour))
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop when the parent context was cancelled")
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected the parked task to observe cancellation")
	}
}
