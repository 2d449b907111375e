package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/dpor/internal/dpor/eventlog"
	"github.com/kolkov/dpor/internal/dpor/failure"
	"github.com/kolkov/dpor/internal/dpor/objectkey"
)

// runTwoWriters drives a two-thread program where each thread performs a
// single Write to the same key, then finishes — the minimal shape that
// has exactly one race and exactly two Mazurkiewicz equivalence classes
// of schedules ([0,1] and [1,0]). It returns every schedule trace the engine actually
// replayed, in the order they were run.
func runTwoWriters(t *testing.T, opts Options) [][]Thread {
	t.Helper()
	e := New(opts, nil)
	key := objectkey.Mem(1, "x")

	var traces [][]Thread
	for !e.Done() {
		h, ok := e.BeginExecution()
		require.True(t, ok)

		finished := map[Thread]bool{}
		for len(finished) < 2 {
			var runnable []Thread
			for _, th := range []Thread{0, 1} {
				if !finished[th] {
					runnable = append(runnable, th)
				}
			}
			chosen, ok := e.Schedule(h, runnable)
			require.True(t, ok)
			e.ReportAccess(h, chosen, key, eventlog.Write, eventlog.CallSite{Function: "writer"}, false)
			e.FinishThread(h, chosen)
			finished[chosen] = true
		}

		e.Complete(h)
		traces = append(traces, h.ScheduleTrace())
	}
	return traces
}

func defaultTestOptions() Options {
	return Options{MaxExecutions: 50, DeadlockTimeout: time.Second, DetectIO: false}
}

func TestDPOR_TwoRacingWritersExploresBothOrderings(t *testing.T) {
	traces := runTwoWriters(t, defaultTestOptions())

	require.Len(t, traces, 2, "exactly two Mazurkiewicz equivalence classes exist for a single racing pair")
	seen := map[string]bool{}
	for _, tr := range traces {
		seen[prefixKey(tr)] = true
	}
	assert.True(t, seen[prefixKey([]Thread{0, 1})])
	assert.True(t, seen[prefixKey([]Thread{1, 0})])
}

func TestDPOR_PreemptionBoundZeroStopsAtOneSchedule(t *testing.T) {
	opts := defaultTestOptions()
	zero := uint32(0)
	opts.PreemptionBound = &zero

	traces := runTwoWriters(t, opts)
	require.Len(t, traces, 1, "a zero preemption bound forbids the alternative ordering, so only the default schedule runs")
	assert.Equal(t, []Thread{0, 1}, traces[0])
}

func TestDPOR_MaxExecutionsCapsExploredCountAndReportsBudgetExhausted(t *testing.T) {
	opts := defaultTestOptions()
	opts.MaxExecutions = 1

	e := New(opts, nil)
	key := objectkey.Mem(1, "x")

	h, ok := e.BeginExecution()
	require.True(t, ok)
	finished := map[Thread]bool{}
	for len(finished) < 2 {
		var runnable []Thread
		for _, th := range []Thread{0, 1} {
			if !finished[th] {
				runnable = append(runnable, th)
			}
		}
		chosen, _ := e.Schedule(h, runnable)
		e.ReportAccess(h, chosen, key, eventlog.Write, eventlog.CallSite{}, false)
		e.FinishThread(h, chosen)
		finished[chosen] = true
	}
	e.Complete(h)

	assert.True(t, e.Done())
	assert.True(t, e.BudgetExhausted(), "a race was found and queued but the budget ran out before it could run")
	assert.EqualValues(t, 1, e.ExecutionsCompleted())
}

func TestEngine_ScheduleForcesGuidingPrefix(t *testing.T) {
	e := New(defaultTestOptions(), nil)
	h := e.NewReplayHandle([]Thread{1, 0})

	chosen, ok := e.Schedule(h, []Thread{0, 1})
	require.True(t, ok)
	assert.Equal(t, Thread(1), chosen, "the guiding prefix forces thread 1 first regardless of thread-id order")

	chosen, ok = e.Schedule(h, []Thread{0})
	require.True(t, ok)
	assert.Equal(t, Thread(0), chosen)
}

func TestEngine_ScheduleNoRunnableThreadsReturnsFalse(t *testing.T) {
	e := New(defaultTestOptions(), nil)
	h, _ := e.BeginExecution()
	_, ok := e.Schedule(h, nil)
	assert.False(t, ok)
}

func TestEngine_ReportAccessPanicsOnNonAccessKind(t *testing.T) {
	e := New(defaultTestOptions(), nil)
	h, _ := e.BeginExecution()
	e.Schedule(h, []Thread{0})

	assert.Panics(t, func() {
		e.ReportAccess(h, 0, objectkey.Mem(1, "x"), eventlog.LockAcquire, eventlog.CallSite{}, false)
	})
}

func TestDescribeInvariantPanic(t *testing.T) {
	assert.Nil(t, DescribeInvariantPanic(nil))

	err := DescribeInvariantPanic("boom")
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "boom")

	original := failure.NewInvariantError("already structured")
	assert.Same(t, original, DescribeInvariantPanic(original))
}
