// Package scheduler implements the Cooperative Scheduler (spec.md section
// 4.2): the runtime that starts worker goroutines, enforces that only one
// of them ever executes user code at a time, reports every access and
// sync event to the engine, and honours the engine's "run thread t next"
// decisions.
//
// The teacher's runtime (cmd/racedetector/runtime) instruments a compiled
// binary and lets the OS scheduler run goroutines freely, relying on
// -race's shadow memory to catch whatever interleaving actually occurred.
// This scheduler inverts that: it must *produce* a chosen interleaving, not
// just observe one, so goroutines are held on private channels and released
// one at a time under the single "scheduler token" spec.md requires.
// Package state supplies the typed access alphabet (Var/Map/Mutex/
// RWMutex); package engine supplies the DPOR decisions; this package is
// the glue that turns those decisions into actual goroutine scheduling.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kolkov/dpor/internal/dpor/engine"
	"github.com/kolkov/dpor/internal/dpor/eventlog"
	"github.com/kolkov/dpor/internal/dpor/failure"
	"github.com/kolkov/dpor/internal/dpor/iobridge"
	"github.com/kolkov/dpor/internal/dpor/objectkey"
	"github.com/kolkov/dpor/internal/dpor/state"
)

// Thread is an alias of the engine's thread identifier.
type Thread = engine.Thread

// Outcome is what one replayed execution produced (spec.md section 3,
// Execution's "outcome"): either the invariant held, it was violated, or
// the execution could not be judged (deadlock, timeout, worker panic).
type Outcome struct {
	Failure  *failure.Record
	Schedule []Thread
	Log      *eventlog.EventLog
	// IOErr aggregates any errors the I/O bridge's Poll reported during
	// this execution (malformed wire records); nil when IOPipe was not
	// configured or nothing went wrong.
	IOErr error
}

// Violated reports whether this outcome counts as a finding (spec.md
// section 7, "Propagation policy": WorkerException and InvariantViolation
// stop the current execution and count as findings).
func (o Outcome) Violated() bool {
	return o.Failure != nil && (o.Failure.Kind == failure.InvariantViolation || o.Failure.Kind == failure.WorkerException)
}

type threadStatus int

const (
	statusRunnable threadStatus = iota
	statusBlocked
	statusFinished
)

type reportKind int

const (
	evAccess reportKind = iota
	evSyncAcquire
	evSyncRelease
	evFinished
	evPanic
)

type reportMsg struct {
	thread Thread
	kind   reportKind
	key    objectkey.Key
	ekind  eventlog.EventKind
	site   eventlog.CallSite
	panic  any
}

type pendingLock struct {
	key  objectkey.Key
	site eventlog.CallSite
}

// reporterImpl is the single state.Reporter shared by setup() and every
// worker (spec.md section 9: "Provide an explicit session object holding
// [the sync substitutes] and inject it into workers" — one session, not
// one per worker). It attributes each call to exec.currentThread rather
// than to a fixed thread of its own, which is sound only because the
// cooperative protocol below guarantees exactly one worker goroutine is
// ever between a proceed-receive and its next report() call: the driver
// sets currentThread and then sends on that thread's proceed channel,
// and the channel send/receive pair is what makes the write visible to
// the worker goroutine under the Go memory model.
type reporterImpl struct {
	exec *execution
}

func (r *reporterImpl) Access(key objectkey.Key, kind eventlog.EventKind, site eventlog.CallSite) {
	if r.exec.quiescent {
		return
	}
	r.exec.report(reportMsg{thread: r.exec.currentThread, kind: evAccess, key: key, ekind: kind, site: site})
}

func (r *reporterImpl) Sync(key objectkey.Key, kind eventlog.EventKind, site eventlog.CallSite) {
	if r.exec.quiescent {
		return
	}
	if kind == eventlog.LockAcquire {
		r.exec.report(reportMsg{thread: r.exec.currentThread, kind: evSyncAcquire, key: key, site: site})
		return
	}
	r.exec.report(reportMsg{thread: r.exec.currentThread, kind: evSyncRelease, key: key, site: site})
}

// execution is the per-replay state the driver loop owns: one is created
// fresh for every call to engine.BeginExecution, and discarded once that
// replay finishes (spec.md section 3, Execution's lifecycle). Nothing in
// it is shared between executions, matching spec.md section 4.2's
// "workers' application state is rebuilt... at the start of each
// execution."
type execution struct {
	events  chan reportMsg
	proceed map[Thread]chan struct{}
	done    chan struct{}

	// tok is the "one run-slot" scheduler token: weight 1, so at most one
	// worker goroutine ever holds it. report() releases it before a
	// worker yields control back to the driver and reacquires it once
	// the driver grants the next turn, making "only one worker executes
	// user code at a time" an enforced invariant rather than one that
	// merely falls out of the channel handoff below.
	tok *semaphore.Weighted

	// currentThread is the thread the driver just granted the token to.
	// Only ever written by the driver goroutine and only ever read by the
	// one worker goroutine currently running, so no lock is needed (see
	// reporterImpl's doc comment for why that handoff is race-free).
	currentThread Thread

	// quiescent is set once every worker has finished, before the
	// invariant predicate is evaluated (spec.md section 6: "invariant:
	// (State) -> bool — checked after all workers terminate"). Reading
	// shared state from the invariant reuses the same Var/Map/Mutex
	// values the workers touched, but there is no driver loop left to
	// answer a report() round-trip at that point, so reporterImpl treats
	// every call made once quiescent as a silent pass-through instead of
	// a reportable event.
	quiescent bool

	osTID    map[Thread]string
	ioEvents []iobridge.Event
}

// report is called by a worker goroutine (through reporterImpl) for every
// access or sync event. It hands the event to the driver and then blocks
// until the driver grants this thread its next turn — which may be
// immediately (an uncontested lock, a plain access) or much later (a
// contested lock acquire, or simply because DPOR chose another thread
// first). This single blocking round-trip is what makes "one worker runs
// at a time" true without any real OS-level scheduling control.
func (e *execution) report(msg reportMsg) {
	e.tok.Release(1)
	select {
	case e.events <- msg:
	case <-e.done:
		return
	}
	select {
	case <-e.proceed[msg.thread]:
		_ = e.tok.Acquire(context.Background(), 1)
	case <-e.done:
	}
}

// Config holds the pieces a Scheduler needs beyond the DPOR Engine itself.
type Config struct {
	Logger *zap.SugaredLogger
	// DetectIO gates construction of the I/O bridge (spec.md section 6,
	// detect_io). IOPipe is otherwise drained and reported regardless of
	// the caller's intent, so this must be consulted here, not merely
	// threaded through engine.Options, which never reads it back.
	DetectIO bool
	// IOPipe, when non-nil and DetectIO is true, is the read end of the
	// byte-stream pipe spec.md section 4.4 describes. The scheduler
	// assigns each worker a synthetic os_tid (see assignOSThreadID) and
	// registers it with the bridge for the life of that worker; the
	// native interception layer that writes to the pipe, and that tags
	// its records with that same id, is out of this package's scope
	// (spec.md section 1).
	IOPipe io.Reader
}

// Scheduler drives one Engine through repeated executions of a fixed set
// of worker routines (spec.md section 4.2). One Scheduler is built for one
// call to the public Explore entry point and is not reused afterward.
type Scheduler[S any] struct {
	eng    *engine.Engine
	log    *zap.SugaredLogger
	bridge *iobridge.Bridge

	setup     func(*state.Session) S
	workers   []func(S, *state.Session)
	invariant func(S) bool

	nextOSTID atomic.Int64

	// current is the execution presently being driven, so the bridge's
	// listener (invoked synchronously inside Poll, always from the
	// driver goroutine) knows where to stash translated events. Only one
	// execution is ever driven at a time.
	current *execution
}

// New builds a Scheduler bound to eng, with the given setup/workers/
// invariant triple (spec.md section 6's exploration entry point).
func New[S any](eng *engine.Engine, cfg Config, setup func(*state.Session) S, workers []func(S, *state.Session), invariant func(S) bool) *Scheduler[S] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sc := &Scheduler[S]{
		eng:       eng,
		log:       logger,
		setup:     setup,
		workers:   workers,
		invariant: invariant,
	}
	if cfg.DetectIO && cfg.IOPipe != nil {
		sc.bridge = iobridge.New(cfg.IOPipe, sc.dispatchIOEvent)
	}
	return sc
}

// dispatchIOEvent is the iobridge.Bridge listener. It runs synchronously,
// under the bridge's own mutex, from inside Poll — always called by the
// driver goroutine of the execution currently running — so appending to
// that execution's queue needs no extra locking.
func (sc *Scheduler[S]) dispatchIOEvent(ev iobridge.Event) {
	if sc.current != nil {
		sc.current.ioEvents = append(sc.current.ioEvents, ev)
	}
}

// RunOnce drives exactly one execution to completion along h's guiding
// prefix, invoking setup/workers/invariant and reporting every event to
// sc.eng through h. It returns the Outcome: a FailureRecord when the
// invariant was violated, the worker panicked, the execution deadlocked,
// or it ran past deadlineFor; nil when the invariant held.
func (sc *Scheduler[S]) RunOnce(h *engine.ExecutionHandle, deadlineFor time.Duration) Outcome {
	exec := &execution{
		events:  make(chan reportMsg),
		proceed: make(map[Thread]chan struct{}, len(sc.workers)),
		done:    make(chan struct{}),
		osTID:   make(map[Thread]string, len(sc.workers)),
		tok:     semaphore.NewWeighted(1),
	}
	for i := range sc.workers {
		exec.proceed[Thread(i)] = make(chan struct{})
	}
	sc.current = exec
	defer func() { sc.current = nil; close(exec.done) }()

	sess := state.NewSession(&reporterImpl{exec: exec})
	appState := sc.setup(sess)

	for i, w := range sc.workers {
		t := Thread(i)
		if sc.bridge != nil {
			osTID := sc.assignOSThreadID()
			exec.osTID[t] = osTID
			sc.bridge.RegisterThread(osTID, t)
			defer sc.bridge.UnregisterThread(osTID)
		}
		w := w
		go sc.runWorker(t, func() { w(appState, sess) }, exec)
	}

	status := make(map[Thread]threadStatus, len(sc.workers))
	heldBy := make(map[objectkey.Key]Thread)
	waiters := make(map[objectkey.Key][]Thread)
	pending := make(map[Thread]pendingLock)
	remaining := len(sc.workers)

	lastProgress := time.Now()
	var ioErr error

	for remaining > 0 {
		if sc.bridge != nil {
			if err := sc.bridge.Poll(); err != nil {
				ioErr = multierr.Append(ioErr, err)
				sc.log.Warnw("io bridge poll failed", "error", err)
			}
			for _, ev := range exec.ioEvents {
				sc.eng.ReportAccess(h, ev.Thread, ev.Key, ev.Kind, eventlog.CallSite{Function: "iobridge"}, true)
			}
			exec.ioEvents = exec.ioEvents[:0]
		}

		runnable := runnableThreads(status, len(sc.workers))
		chosen, ok := sc.eng.Schedule(h, runnable)
		if !ok {
			out := deadlockOutcome(h, "no runnable worker remains but %d have not finished", remaining)
			out.IOErr = ioErr
			return out
		}

		if pend, has := pending[chosen]; has {
			sc.eng.ReportSync(h, chosen, eventlog.LockAcquire, pend.key, pend.site)
			heldBy[pend.key] = chosen
			delete(pending, chosen)
			status[chosen] = statusRunnable
		}

		exec.currentThread = chosen
		exec.proceed[chosen] <- struct{}{}

		select {
		case msg := <-exec.events:
			lastProgress = time.Now()
			switch msg.kind {
			case evAccess:
				sc.eng.ReportAccess(h, msg.thread, msg.key, msg.ekind, msg.site, false)

			case evSyncAcquire:
				if holder, held := heldBy[msg.key]; held && holder != msg.thread {
					status[msg.thread] = statusBlocked
					sc.eng.BlockThread(h, msg.thread, msg.key)
					pending[msg.thread] = pendingLock{key: msg.key, site: msg.site}
					waiters[msg.key] = append(waiters[msg.key], msg.thread)
				} else {
					sc.eng.ReportSync(h, msg.thread, eventlog.LockAcquire, msg.key, msg.site)
					heldBy[msg.key] = msg.thread
				}

			case evSyncRelease:
				sc.eng.ReportSync(h, msg.thread, eventlog.LockRelease, msg.key, msg.site)
				delete(heldBy, msg.key)
				for _, w := range waiters[msg.key] {
					sc.eng.UnblockThread(h, w)
					status[w] = statusRunnable
				}
				delete(waiters, msg.key)

			case evFinished:
				sc.eng.FinishThread(h, msg.thread)
				status[msg.thread] = statusFinished
				remaining--

			case evPanic:
				return Outcome{
					Failure: &failure.Record{
						Kind:     failure.WorkerException,
						Message:  formatPanic(msg.thread, msg.panic),
						Schedule: uint16Trace(h.ScheduleTrace()),
					},
					Schedule: h.ScheduleTrace(),
					Log:      h.Log,
					IOErr:    ioErr,
				}
			}

		case <-time.After(time.Until(lastProgress.Add(deadlineFor))):
			return Outcome{
				Failure: &failure.Record{
					Kind:     failure.TimeoutPerExecution,
					Message:  "no scheduling progress within the per-execution deadline",
					Schedule: uint16Trace(h.ScheduleTrace()),
				},
				Schedule: h.ScheduleTrace(),
				Log:      h.Log,
				IOErr:    ioErr,
			}
		}
	}

	exec.quiescent = true
	if !sc.invariant(appState) {
		return Outcome{
			Failure: &failure.Record{
				Kind:     failure.InvariantViolation,
				Message:  "invariant returned false after all workers terminated",
				Schedule: uint16Trace(h.ScheduleTrace()),
			},
			Schedule: h.ScheduleTrace(),
			Log:      h.Log,
			IOErr:    ioErr,
		}
	}
	return Outcome{Schedule: h.ScheduleTrace(), Log: h.Log, IOErr: ioErr}
}

// runWorker is the goroutine body for one worker. It waits for its first
// turn, runs the worker function (every access/sync call inside it blocks
// through execution.report), recovers a panic into an evPanic report, and
// otherwise reports evFinished.
func (sc *Scheduler[S]) runWorker(t Thread, run func(), exec *execution) {
	select {
	case <-exec.proceed[t]:
		_ = exec.tok.Acquire(context.Background(), 1)
	case <-exec.done:
		return
	}

	defer func() {
		if r := recover(); r != nil {
			exec.tok.Release(1)
			select {
			case exec.events <- reportMsg{thread: t, kind: evPanic, panic: r}:
			case <-exec.done:
			}
		}
	}()

	run()

	exec.tok.Release(1)
	select {
	case exec.events <- reportMsg{thread: t, kind: evFinished}:
	case <-exec.done:
	}
}

func (sc *Scheduler[S]) assignOSThreadID() string {
	n := sc.nextOSTID.Add(1)
	return "dpor-worker-" + strconv.FormatInt(n, 10)
}

func runnableThreads(status map[Thread]threadStatus, n int) []Thread {
	var out []Thread
	for i := 0; i < n; i++ {
		t := Thread(i)
		if status[t] == statusRunnable {
			out = append(out, t)
		}
	}
	return out
}

func deadlockOutcome(h *engine.ExecutionHandle, format string, args ...any) Outcome {
	return Outcome{
		Failure: &failure.Record{
			Kind:     failure.Deadlock,
			Message:  fmt.Sprintf(format, args...),
			Schedule: uint16Trace(h.ScheduleTrace()),
		},
		Schedule: h.ScheduleTrace(),
		Log:      h.Log,
	}
}

func formatPanic(t Thread, r any) string {
	return fmt.Sprintf("worker %d panicked: %v", t, r)
}

func uint16Trace(trace []Thread) []uint16 {
	out := make([]uint16, len(trace))
	for i, t := range trace {
		out[i] = uint16(t)
	}
	return out
}
