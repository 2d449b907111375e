// Package engine implements the DPOR Engine (spec.md section 4.1): the
// component that decides, at each scheduling point of each execution,
// which thread runs next, and that computes — once an execution
// finishes — which further schedule prefixes must still be tried so
// that every Mazurkiewicz equivalence class is visited at least once
// (up to the configured preemption bound).
//
// This is the generalization of the teacher's FastTrack Detector
// (internal/race/detector): where the teacher answers "is this access
// racy against the last conflicting access", the engine answers "given
// every race discovered in one completed replay, which alternative
// orderings has exploration not yet tried, and are any of them still
// owed a run."
package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kolkov/dpor/internal/dpor/clock"
	"github.com/kolkov/dpor/internal/dpor/eventlog"
	"github.com/kolkov/dpor/internal/dpor/failure"
	"github.com/kolkov/dpor/internal/dpor/objectkey"
	"github.com/kolkov/dpor/internal/dpor/racedetector"
)

// Options configures one explore() call (spec.md section 6).
type Options struct {
	MaxExecutions uint32
	// PreemptionBound is nil for unbounded exploration.
	PreemptionBound *uint32
	DeadlockTimeout time.Duration
	DetectIO        bool
}

// DefaultOptions returns the defaults spec.md section 6 specifies.
func DefaultOptions() Options {
	bound := uint32(2)
	return Options{
		MaxExecutions:   1000,
		PreemptionBound: &bound,
		DeadlockTimeout: 5 * time.Second,
		DetectIO:        true,
	}
}

// ExecutionHandle is the per-replay state the scheduler drives through
// BeginExecution/Schedule/ReportAccess/.../Complete (spec.md section
// 4.1's ExecutionHandle, returned by begin_execution).
type ExecutionHandle struct {
	ID uuid.UUID

	prefix []Thread
	step   int

	clk clock.Clock
	Log *eventlog.EventLog

	eventStep []int
	chosenAt  []Thread
	enabledAt [][]Thread

	Finished map[Thread]bool
	Blocked  map[Thread]objectkey.Key
}

// Step reports how many scheduling decisions have been made so far in
// this execution.
func (h *ExecutionHandle) Step() int { return h.step }

// ScheduleTrace returns the thread chosen at each step so far.
func (h *ExecutionHandle) ScheduleTrace() []Thread {
	return append([]Thread(nil), h.chosenAt...)
}

// Engine is the DPOR exploration engine for one explore() call. It is
// not safe for use by more than one concurrent goroutine calling
// BeginExecution; within a single execution, ReportAccess/ReportSync are
// invoked one at a time by the scheduler's driver goroutine, on behalf of
// the worker that just yielded the scheduler token (spec.md section 5,
// "single-writer"), so no additional locking is
// required on the hot path beyond what guards the shared node map.
type Engine struct {
	mu sync.Mutex

	opts Options
	log  *zap.SugaredLogger

	nodes      map[string]*node
	queue      [][]Thread
	queuedKeys map[string]bool

	completed uint32
	raceDet   *racedetector.Detector
}

// New creates an Engine ready to drive one explore() call. logger may be
// nil, in which case a no-op logger is used.
func New(opts Options, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	root := newNode()
	return &Engine{
		opts:       opts,
		log:        logger,
		nodes:      map[string]*node{"": root},
		queue:      [][]Thread{nil},
		queuedKeys: map[string]bool{"": true},
		raceDet:    racedetector.New(),
	}
}

// ExecutionsCompleted reports how many executions have been run so far.
func (e *Engine) ExecutionsCompleted() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// BeginExecution starts a new replay along the next queued guiding
// prefix. It returns ok=false when no more prefixes remain or the
// execution budget has been spent (spec.md section 4.1).
func (e *Engine) BeginExecution() (h *ExecutionHandle, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.completed >= e.opts.MaxExecutions || len(e.queue) == 0 {
		return nil, false
	}
	prefix := e.queue[0]
	e.queue = e.queue[1:]

	h = &ExecutionHandle{
		ID:       uuid.New(),
		prefix:   prefix,
		Log:      eventlog.New(),
		Finished: map[Thread]bool{},
		Blocked:  map[Thread]objectkey.Key{},
	}
	return h, true
}

// NewReplayHandle builds an ExecutionHandle that forces the exact
// schedule trace (spec.md section 6, reproduce_on_failure: "replays the
// counterexample N times independently to assert determinism"), without
// consuming or otherwise affecting the engine's exploration queue.
func (e *Engine) NewReplayHandle(trace []Thread) *ExecutionHandle {
	return &ExecutionHandle{
		ID:       uuid.New(),
		prefix:   append([]Thread(nil), trace...),
		Log:      eventlog.New(),
		Finished: map[Thread]bool{},
		Blocked:  map[Thread]objectkey.Key{},
	}
}

// Schedule returns the thread to run next given the set of currently
// runnable threads, or ok=false if none are runnable (spec.md section
// 4.1). Positions within the guiding prefix are forced; beyond it, the
// lowest-numbered runnable thread not asleep at the current node is
// chosen, for determinism (spec.md section 4.1, "preferring thread-id
// order for determinism").
func (e *Engine) Schedule(h *ExecutionHandle, runnable []Thread) (Thread, bool) {
	if len(runnable) == 0 {
		return 0, false
	}

	sorted := append([]Thread(nil), runnable...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var chosen Thread
	if h.step < len(h.prefix) {
		chosen = h.prefix[h.step]
		if !contains(sorted, chosen) {
			panic(failure.NewInvariantError(
				"guiding prefix step %d forces thread %d, which is not runnable (runnable=%v)",
				h.step, chosen, sorted))
		}
	} else {
		e.mu.Lock()
		n := e.nodes[prefixKey(h.chosenAt)]
		e.mu.Unlock()
		chosen = sorted[0]
		for _, t := range sorted {
			if n == nil || !n.sleep[t] {
				chosen = t
				break
			}
		}
	}

	h.enabledAt = append(h.enabledAt, sorted)
	h.chosenAt = append(h.chosenAt, chosen)
	h.step++
	return chosen, true
}

// ReportAccess records a memory access (spec.md section 4.1,
// report_access). fromIO marks an access (Read or Write) synthesized by
// the I/O bridge rather than observed directly from a worker's own code (spec.md
// section 3).
func (e *Engine) ReportAccess(h *ExecutionHandle, thread Thread, key objectkey.Key, kind eventlog.EventKind, site eventlog.CallSite, fromIO bool) {
	if !kind.IsAccess() {
		panic(failure.NewInvariantError("ReportAccess called with non-access kind %s", kind))
	}
	if h.step == 0 {
		panic(failure.NewInvariantError("ReportAccess called by thread %d before any Schedule call", thread))
	}
	ev := eventlog.Event{Kind: kind, Key: key, Thread: thread, Clock: h.clk.Tick(), Site: site, FromIO: fromIO}
	h.Log.Append(ev)
	h.eventStep = append(h.eventStep, h.step-1)
}

// ReportSync records a lock acquire or release (spec.md section 4.1,
// report_sync).
func (e *Engine) ReportSync(h *ExecutionHandle, thread Thread, kind eventlog.EventKind, lock objectkey.Key, site eventlog.CallSite) {
	if kind != eventlog.LockAcquire && kind != eventlog.LockRelease {
		panic(failure.NewInvariantError("ReportSync called with non-sync kind %s", kind))
	}
	ev := eventlog.Event{Kind: kind, Key: lock, Thread: thread, Clock: h.clk.Tick(), Site: site}
	h.Log.Append(ev)
	h.eventStep = append(h.eventStep, h.step-1)
}

// FinishThread marks a thread terminated.
func (e *Engine) FinishThread(h *ExecutionHandle, thread Thread) {
	h.Finished[thread] = true
}

// BlockThread marks a thread blocked waiting to acquire lock.
func (e *Engine) BlockThread(h *ExecutionHandle, thread Thread, lock objectkey.Key) {
	h.Blocked[thread] = lock
}

// UnblockThread clears a thread's blocked status.
func (e *Engine) UnblockThread(h *ExecutionHandle, thread Thread) {
	delete(h.Blocked, thread)
}

func contains(threads []Thread, t Thread) bool {
	for _, x := range threads {
		if x == t {
			return true
		}
	}
	return false
}

// Complete finalizes one execution: it updates the exploration tree with
// everything observed along this replay, computes races over the
// completed log, and enqueues whichever alternative prefixes those races
// demand but have not yet been explored or put to sleep (spec.md section
// 4.1).
func (e *Engine) Complete(h *ExecutionHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.completed++
	e.updateTree(h)
	e.scheduleBacktracks(h)
}

// updateTree walks every step of the just-completed execution, creating
// nodes on first visit and propagating sleep sets from parent to child
// exactly as spec.md section 4.1 describes.
func (e *Engine) updateTree(h *ExecutionHandle) {
	stepKeys := make([]map[objectkey.Key]bool, len(h.chosenAt))
	for i := range stepKeys {
		stepKeys[i] = map[objectkey.Key]bool{}
	}
	for idx, ev := range h.Log.All() {
		if !ev.Kind.IsAccess() {
			continue
		}
		si := h.eventStep[idx]
		stepKeys[si][ev.Key] = true
	}

	for i, chosen := range h.chosenAt {
		key := prefixKey(h.chosenAt[:i])
		n := e.nodes[key]
		if n == nil {
			n = newNode()
			e.nodes[key] = n
		}

		if !n.visited {
			n.visited = true
			for _, t := range h.enabledAt[i] {
				n.enabled[t] = true
			}
			if i > 0 {
				parentKey := prefixKey(h.chosenAt[:i-1])
				if parent, ok := e.nodes[parentKey]; ok {
					for c := range parent.sleep {
						if c != chosen && !keysConflict(parent.firstAccess[c], stepKeys[i]) {
							n.sleep[c] = true
						}
					}
					for c := range parent.done {
						if c != chosen && !keysConflict(parent.firstAccess[c], stepKeys[i]) {
							n.sleep[c] = true
						}
					}
				}
			}
		}

		n.chosen = chosen
		n.done[chosen] = true
		delete(n.sleep, chosen)
		if n.firstAccess[chosen] == nil {
			n.firstAccess[chosen] = stepKeys[i]
		}
	}
}

// scheduleBacktracks finds, for every race in the completed log, the
// latest step at or before the earlier event's own step at which the
// later event's thread was enabled and neither done nor asleep, and
// enqueues running that thread there instead if it is not already
// covered (spec.md section 4.1, "Backtrack-set computation").
func (e *Engine) scheduleBacktracks(h *ExecutionHandle) {
	races := e.raceDet.Races(h.Log)
	for _, r := range races {
		eb := h.Log.At(r.B)
		q := eb.Thread
		stepOfA := h.eventStep[r.A]

		// Classic DPOR backtrack-set construction (Flanagan & Godefroid,
		// spec.md section 4.1): for a race between an earlier event e1
		// (by thread p, scheduled at stepOfA) and a later conflicting
		// event e2 (by thread q), add q to the backtrack set of the node
		// reached just *before* e1 was scheduled — i.e. try "q instead
		// of p" at the exact point p's conflicting transition happened.
		// Walking backward from there to the latest node at which q is
		// still enabled handles q having finished, or being asleep or
		// blocked, by the time p's own node is reached.
		target := -1
		for k := stepOfA; k >= 0; k-- {
			key := prefixKey(h.chosenAt[:k])
			n := e.nodes[key]
			if n != nil && n.enabled[q] && !n.done[q] && !n.sleep[q] {
				target = k
				break
			}
		}
		if target < 0 {
			continue
		}

		key := prefixKey(h.chosenAt[:target])
		n := e.nodes[key]
		n.backtrack[q] = true
		e.tryEnqueue(h.chosenAt[:target], q, n)
	}
}

// tryEnqueue attempts to schedule the alternative prefix = prefix + [t].
// It is a no-op if that exact prefix was already queued, or if adding it
// would exceed the configured preemption bound — in the latter case the
// thread is marked done at its node so it is never reconsidered.
func (e *Engine) tryEnqueue(prefix []Thread, t Thread, n *node) {
	newPrefix := append(append([]Thread(nil), prefix...), t)
	key := prefixKey(newPrefix)
	if e.queuedKeys[key] {
		return
	}
	if e.opts.PreemptionBound != nil {
		if count := e.preemptionCount(newPrefix); count > int(*e.opts.PreemptionBound) {
			e.log.Debugw("dropping alternative beyond preemption bound",
				"prefix", key, "count", count, "bound", *e.opts.PreemptionBound)
			n.done[t] = true
			return
		}
	}
	e.queuedKeys[key] = true
	e.queue = append(e.queue, newPrefix)
	e.log.Debugw("enqueued alternative schedule", "prefix", key)
}

// preemptionCount counts thread switches at positions where the
// outgoing thread was still enabled (spec.md section 4.1, "Preemption
// bound"). Position 0 is checked against thread 0, the engine's
// universal default starting choice (Schedule always prefers the
// lowest-numbered enabled thread at a fresh node): starting a guiding
// prefix with any other thread is itself a preemption, not merely a
// different default, or a zero preemption bound would fail to forbid
// the very first alternative schedule.
func (e *Engine) preemptionCount(prefix []Thread) int {
	count := 0
	if len(prefix) > 0 && prefix[0] != 0 {
		if root := e.nodes[""]; root != nil && root.enabled[0] {
			count++
		}
	}
	for j := 1; j < len(prefix); j++ {
		if prefix[j] == prefix[j-1] {
			continue
		}
		n := e.nodes[prefixKey(prefix[:j])]
		if n != nil && n.enabled[prefix[j-1]] {
			count++
		}
	}
	return count
}

// Remaining reports how many guiding prefixes are still queued.
func (e *Engine) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Done reports whether exploration is complete: no queued prefixes, or
// the execution budget has been spent. When the queue drains on its own
// (not merely because the budget ran out), Done also asserts spec.md
// section 8's completeness property — every node's backtrack set has
// been fully absorbed into done or sleep — via node.pending(), panicking
// with an EngineInvariant failure if a thread was ever promised
// exploration and never given it.
func (e *Engine) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	queueEmpty := len(e.queue) == 0
	budgetSpent := e.completed >= e.opts.MaxExecutions

	if queueEmpty && !budgetSpent {
		for key, n := range e.nodes {
			if owed := n.pending(); len(owed) > 0 {
				panic(failure.NewInvariantError(
					"node %q still owes exploration to thread(s) %v after the queue drained", key, owed))
			}
		}
	}
	return queueEmpty || budgetSpent
}

// BudgetExhausted reports whether exploration stopped because
// MaxExecutions was reached while prefixes remained queued (spec.md
// section 7, BudgetExhausted).
func (e *Engine) BudgetExhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed >= e.opts.MaxExecutions && len(e.queue) > 0
}

// DescribeInvariantPanic converts a value obtained from Go's built-in
// recover() into a *failure.InvariantError, or returns nil if recover()
// returned nil. Callers must call recover() themselves directly inside
// their own deferred function — Go only honours recover() when it is
// called directly by the deferred function, not by something that
// function calls — and pass the result here:
//
//	defer func() {
//		if r := recover(); r != nil {
//			err = engine.DescribeInvariantPanic(r)
//		}
//	}()
//
// This is the library analogue of the teacher's self-check panics in
// detector.go (spec.md section 7: EngineInvariant is the only fatal
// category).
func DescribeInvariantPanic(r any) *failure.InvariantError {
	if r == nil {
		return nil
	}
	if err, ok := r.(*failure.InvariantError); ok {
		return err
	}
	return failure.NewInvariantError("recovered panic: %v", r)
}
