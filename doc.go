// Package dpor is a deterministic concurrency tester: given a setup
// function, a list of worker routines, and an invariant predicate, it
// enumerates interleavings of the workers under a cooperative
// single-core scheduler using Dynamic Partial Order Reduction (DPOR),
// and reports the first schedule that falsifies the invariant, together
// with a trace.
//
// # Quick start
//
// Workers share state built from the typed access alphabet in
// [github.com/kolkov/dpor/internal/dpor/state]: [state.Var], [state.Map],
// [state.Mutex], and [state.RWMutex]. Every read, write, lock and unlock
// through one of these types is what the engine sees and can reorder; a
// program that only touches shared data through them gets full coverage,
// in exchange for giving up the host language's native primitives on
// whatever it wants explored (spec section 9's abstraction (a)).
//
//	type counter struct {
//		value *state.Var[int]
//		lock  *state.Mutex
//	}
//
//	result := dpor.Explore(dpor.Config[*counter]{
//		Setup: func(sess *state.Session) *counter {
//			return &counter{
//				value: state.NewVar(sess, "value", 0),
//				lock:  state.NewMutex(sess),
//			}
//		},
//		Workers: []func(*counter, *state.Session){
//			func(c *counter, _ *state.Session) {
//				c.lock.Lock()
//				c.value.Store(c.value.Load() + 1)
//				c.lock.Unlock()
//			},
//			func(c *counter, _ *state.Session) {
//				c.lock.Lock()
//				c.value.Store(c.value.Load() + 1)
//				c.lock.Unlock()
//			},
//		},
//		Invariant: func(c *counter) bool { return c.value.Load() == 2 },
//	})
//	if !result.PropertyHolds {
//		fmt.Println(result.Explanation)
//	}
//
// # API overview
//
//   - Exploration entry point: [Explore]
//   - Configuration and defaults: [Config], [DefaultOptions]
//   - Result shape: [Result], [FailureRecord]
//   - Shared-state types workers build on: [github.com/kolkov/dpor/internal/dpor/state]
//
// # How it works
//
// Explore drives a [github.com/kolkov/dpor/internal/dpor/engine.Engine]
// through repeated replays via a
// [github.com/kolkov/dpor/internal/dpor/scheduler.Scheduler]. Each replay
// runs every worker as its own goroutine, but only one goroutine is ever
// allowed to execute user code at a time; every access or sync event a
// worker performs is reported to the engine before the worker is allowed
// to continue. Once a replay completes, the engine inspects the recorded
// event log for races (conflicting accesses with no intervening
// lock-release/lock-acquire pair) and enqueues whichever alternative
// schedules those races demand, until every reachable Mazurkiewicz
// equivalence class has been tried or the execution/preemption budget is
// spent.
package dpor
