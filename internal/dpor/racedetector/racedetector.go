// Package racedetector computes race pairs from a completed EventLog
// (spec.md section 4.1, "Race computation").
//
// Two conflicting data accesses race if no chain of LockRelease/
// LockAcquire pairs establishes happens-before between them. This
// package answers that question with the same tool the teacher uses to
// answer the analogous FastTrack question — a vector clock over logical
// thread time, merged at lock acquire from the releasing thread's clock
// — but applied to a whole ordered log rather than to "the single most
// recent conflicting access", because DPOR's backtrack-set computation
// needs every race in the execution, not just the latest one (see
// package eventlog's doc comment for why the shadow-memory shortcut does
// not fit here).
//
// A second, distinct category this package reports is the contended
// LockAcquire pair: which of two threads wins a currently-free lock is
// itself a scheduling choice DPOR must explore both ways (spec.md
// section 8 scenario 4), even though the two critical sections it guards
// may touch no shared memory at all. Happens-before can never discover
// this one, by construction — see dependent and the loop in Races.
package racedetector

import "github.com/kolkov/dpor/internal/dpor/eventlog"

// RacePair identifies two conflicting, unordered events by their index
// in the EventLog they were computed from.
type RacePair struct {
	A, B int
}

// vclock is a lightweight per-thread vector clock. A map is used instead
// of the teacher's fixed [65536]uint32 array (internal/race/vectorclock)
// because one execution only ever involves the small, statically known
// set of worker threads spec.md bounds by `workers`, not an unbounded
// population of goroutines.
type vclock map[eventlog.ThreadID]uint64

func (v vclock) clone() vclock {
	out := make(vclock, len(v))
	for t, c := range v {
		out[t] = c
	}
	return out
}

func (v vclock) mergeFrom(o vclock) {
	for t, c := range o {
		if c > v[t] {
			v[t] = c
		}
	}
}

// Detector computes races over an EventLog.
type Detector struct{}

// New returns a Detector. Detector carries no state between calls: races
// are always computed fresh from a given log, matching spec.md's
// "Execution... carries the EventLog" lifecycle (one log, one
// computation, then discarded).
func New() *Detector { return &Detector{} }

// Races returns every racing pair of events in log, in the order their
// first (earlier) event appears. Conflict + "no intervening
// Release/Acquire pair" exactly as spec.md section 4.1 defines it.
func (d *Detector) Races(log *eventlog.EventLog) []RacePair {
	events := log.All()
	n := len(events)
	if n == 0 {
		return nil
	}

	threadClock := map[eventlog.ThreadID]vclock{}
	lockClock := map[string]vclock{} // keyed by the lock ObjectKey's string form
	eventClock := make([]vclock, n)

	threadVC := func(t eventlog.ThreadID) vclock {
		vc, ok := threadClock[t]
		if !ok {
			vc = vclock{}
			threadClock[t] = vc
		}
		return vc
	}

	for i, e := range events {
		vc := threadVC(e.Thread)
		vc[e.Thread]++

		switch e.Kind {
		case eventlog.LockAcquire:
			if rel, ok := lockClock[e.Key.String()]; ok {
				vc.mergeFrom(rel)
			}
		case eventlog.LockRelease:
			lockClock[e.Key.String()] = vc.clone()
		}

		eventClock[i] = vc.clone()
	}

	var races []RacePair
	for i := 0; i < n; i++ {
		ei := events[i]
		for j := i + 1; j < n; j++ {
			ej := events[j]
			if ej.Thread == ei.Thread {
				continue
			}
			if !dependent(ei, ej) {
				continue
			}
			// A contended LockAcquire pair skips the happensBefore check
			// below: mutual exclusion guarantees the loser's acquire
			// happens strictly after the winner's release, in every
			// completed log, for every schedule that could possibly
			// occur. Gating on happensBefore here would never fire — it
			// would quietly suppress the one choice DPOR actually needs
			// to backtrack on, since who wins a contended lock is a
			// scheduling decision, not a data race, and a single
			// completed log can only show the order that happened, never
			// the order that didn't.
			if ei.Kind != eventlog.LockAcquire && happensBefore(eventClock, i, j, ei.Thread) {
				continue
			}
			races = append(races, RacePair{A: i, B: j})
		}
	}
	return races
}

// dependent reports whether two events from distinct threads are the kind
// of pair whose relative order DPOR must consider exploring both ways.
// This is broader than spec.md section 3's data-race "conflict" (which
// only concerns Read/Write pairs): two LockAcquire attempts on the same
// lock are also dependent, in the classical DPOR sense (Flanagan &
// Godefroid), because which thread wins the race to acquire determines
// the rest of that thread's schedule even when the critical sections
// touch no shared memory race-detection would ever flag (spec.md section
// 8 scenario 4, "lock handoff", needs exactly this to explore both
// orderings).
func dependent(a, b eventlog.Event) bool {
	if a.Kind.IsAccess() && b.Kind.IsAccess() {
		return a.Conflicts(b)
	}
	return a.Kind == eventlog.LockAcquire && b.Kind == eventlog.LockAcquire && a.Key == b.Key
}

// happensBefore reports whether event i happens-before event j, i.e.
// whether j's vector clock has observed at least as much of thread t's
// (event i's thread's) logical time as event i itself recorded. This
// holds exactly when some chain of Release(L) by t -> Acquire(L) by
// event j's thread, possibly through intermediate threads, sits between
// the two events.
func happensBefore(eventClock []vclock, i, j int, t eventlog.ThreadID) bool {
	return eventClock[j][t] >= eventClock[i][t]
}
