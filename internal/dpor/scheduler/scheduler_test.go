package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/dpor/internal/dpor/engine"
	"github.com/kolkov/dpor/internal/dpor/failure"
	"github.com/kolkov/dpor/internal/dpor/state"
)

type counterState struct {
	v *state.Var[int]
}

func newEngine() *engine.Engine {
	return engine.New(engine.Options{MaxExecutions: 10, DeadlockTimeout: time.Second}, nil)
}

func TestRunOnce_CleanRunReportsNoFailure(t *testing.T) {
	eng := newEngine()
	setup := func(sess *state.Session) *counterState {
		return &counterState{v: state.NewVar(sess, "n", 0)}
	}
	workers := []func(*counterState, *state.Session){
		func(s *counterState, _ *state.Session) { s.v.Store(s.v.Load() + 1) },
		func(s *counterState, _ *state.Session) { s.v.Store(s.v.Load() + 1) },
	}
	invariant := func(s *counterState) bool { return s.v.Load() >= 0 }

	sc := New(eng, Config{}, setup, workers, invariant)
	h, ok := eng.BeginExecution()
	require.True(t, ok)

	out := sc.RunOnce(h, time.Second)
	assert.Nil(t, out.Failure)
	assert.False(t, out.Violated())
	// One step per Load, per Store, and per finish, for each worker.
	assert.Len(t, out.Schedule, 6)
}

func TestRunOnce_InvariantViolationIsReported(t *testing.T) {
	eng := newEngine()
	setup := func(sess *state.Session) *counterState {
		return &counterState{v: state.NewVar(sess, "n", 0)}
	}
	workers := []func(*counterState, *state.Session){
		func(s *counterState, _ *state.Session) { s.v.Store(1) },
	}
	invariant := func(s *counterState) bool { return false }

	sc := New(eng, Config{}, setup, workers, invariant)
	h, ok := eng.BeginExecution()
	require.True(t, ok)

	out := sc.RunOnce(h, time.Second)
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.InvariantViolation, out.Failure.Kind)
	assert.True(t, out.Violated())
}

func TestRunOnce_WorkerPanicIsReportedAsWorkerException(t *testing.T) {
	eng := newEngine()
	setup := func(sess *state.Session) *counterState {
		return &counterState{v: state.NewVar(sess, "n", 0)}
	}
	workers := []func(*counterState, *state.Session){
		func(s *counterState, _ *state.Session) { panic("boom") },
	}
	invariant := func(*counterState) bool { return true }

	sc := New(eng, Config{}, setup, workers, invariant)
	h, ok := eng.BeginExecution()
	require.True(t, ok)

	out := sc.RunOnce(h, time.Second)
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.WorkerException, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "boom")
	assert.True(t, out.Violated())
}

// TestRunOnce_MutualWaitOnEachOthersLockDeadlocks forces the classic AB-BA
// interleaving with a guiding prefix — the engine's default policy runs one
// thread to completion before starting the next, so on an unguided first
// execution neither worker would ever block on the other. Forcing [0,1,0,1]
// interleaves their first lock and second (contending) lock attempts, so
// both end up waiting on a lock the other holds.
func TestRunOnce_MutualWaitOnEachOthersLockDeadlocks(t *testing.T) {
	eng := newEngine()
	type appState struct{ a, b *state.Mutex }
	setup := func(sess *state.Session) *appState {
		return &appState{a: state.NewMutex(sess), b: state.NewMutex(sess)}
	}
	workers := []func(*appState, *state.Session){
		func(s *appState, _ *state.Session) {
			s.a.Lock()
			s.b.Lock()
			s.b.Unlock()
			s.a.Unlock()
		},
		func(s *appState, _ *state.Session) {
			s.b.Lock()
			s.a.Lock()
			s.a.Unlock()
			s.b.Unlock()
		},
	}
	invariant := func(*appState) bool { return true }

	sc := New(eng, Config{}, setup, workers, invariant)
	h := eng.NewReplayHandle([]Thread{0, 1, 0, 1})

	out := sc.RunOnce(h, 200*time.Millisecond)
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.Deadlock, out.Failure.Kind)
}

func TestRunOnce_NoProgressWithinDeadlineTimesOut(t *testing.T) {
	eng := newEngine()
	block := make(chan struct{})
	setup := func(sess *state.Session) *counterState {
		return &counterState{v: state.NewVar(sess, "n", 0)}
	}
	workers := []func(*counterState, *state.Session){
		func(*counterState, *state.Session) { <-block },
	}
	invariant := func(*counterState) bool { return true }

	sc := New(eng, Config{}, setup, workers, invariant)
	h, ok := eng.BeginExecution()
	require.True(t, ok)

	out := sc.RunOnce(h, 50*time.Millisecond)
	close(block)
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.TimeoutPerExecution, out.Failure.Kind)
}

func TestRunOnce_MutexProtectedIncrementsAlwaysSumCorrectly(t *testing.T) {
	eng := newEngine()
	setup := func(sess *state.Session) *struct {
		mu *state.Mutex
		n  *state.Var[int]
	} {
		return &struct {
			mu *state.Mutex
			n  *state.Var[int]
		}{mu: state.NewMutex(sess), n: state.NewVar(sess, "n", 0)}
	}
	type appState = struct {
		mu *state.Mutex
		n  *state.Var[int]
	}
	workers := []func(*appState, *state.Session){
		func(s *appState, _ *state.Session) {
			s.mu.Lock()
			s.n.Store(s.n.Load() + 1)
			s.mu.Unlock()
		},
		func(s *appState, _ *state.Session) {
			s.mu.Lock()
			s.n.Store(s.n.Load() + 1)
			s.mu.Unlock()
		},
	}
	invariant := func(s *appState) bool { return s.n.Load() == 2 }

	sc := New(eng, Config{}, setup, workers, invariant)
	h, ok := eng.BeginExecution()
	require.True(t, ok)

	out := sc.RunOnce(h, time.Second)
	assert.Nil(t, out.Failure, "both workers increment under the same mutex, so the final count is always 2")
}
