// Package eventlog implements Event and EventLog (spec.md section 3):
// the per-execution, per-thread append-only record of every access and
// sync event observed during one replay.
//
// This is the Go-native counterpart of the teacher's shadow memory: where
// the teacher keeps only the *last* access per address (VarState, in
// internal/race/shadowmem) because FastTrack only needs happens-before
// against the most recent conflicting access, DPOR needs the *entire*
// ordered log for one execution, because race pairs drive backtrack-set
// computation across the whole replay, not just the latest write.
package eventlog

import "github.com/kolkov/dpor/internal/dpor/objectkey"

// ThreadID identifies one worker for the duration of one execution.
// Assigned densely from 0, mirroring the teacher's goroutine.RaceContext
// TID assignment (internal/race/goroutine/context.go), but scoped to a
// single execution rather than the whole process.
type ThreadID uint16

// EventKind enumerates the four event kinds from spec.md section 3.
type EventKind uint8

const (
	Read EventKind = iota
	Write
	LockAcquire
	LockRelease
)

func (k EventKind) String() string {
	switch k {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case LockAcquire:
		return "LockAcquire"
	case LockRelease:
		return "LockRelease"
	default:
		return "Unknown"
	}
}

// IsAccess reports whether the event kind is a memory access (Read or
// Write), as opposed to a sync event.
func (k EventKind) IsAccess() bool { return k == Read || k == Write }

// CallSite is informational (spec.md section 3: "used only for trace
// rendering"). It is captured the way the teacher's stackdepot captures
// frames, but kept small and per-event rather than pooled process-wide,
// since an Execution (and its whole EventLog) is discarded once replayed
// (spec.md section 3, Lifecycles).
type CallSite struct {
	Function string   // e.g. "Worker2.increment"
	File     string
	Line     int
	Chain    []string // short call chain, most-recent-caller-first
}

// Event is one observed access or sync event (spec.md section 3).
type Event struct {
	Kind   EventKind
	Key    objectkey.Key
	Thread ThreadID
	Clock  uint64
	Site   CallSite
	// FromIO distinguishes access events (Read or Write) synthesized by
	// the I/O bridge from those observed directly on the worker's call
	// stack, so that bridge-synthesised events on External keys can be
	// labelled distinctly in rendered traces (spec.md section 3).
	FromIO bool
}

// Conflicts reports whether e and o touch the same ObjectKey and at
// least one of them is a Write — the definition of "conflict" in
// spec.md section 4.1, used by RaceDetector before checking for an
// intervening happens-before edge.
func (e Event) Conflicts(o Event) bool {
	if !e.Kind.IsAccess() || !o.Kind.IsAccess() {
		return false
	}
	if e.Key != o.Key {
		return false
	}
	return e.Kind == Write || o.Kind == Write
}

// EventLog is the ordered sequence of all events in one execution, plus
// a per-thread view for fast iteration (spec.md section 3).
type EventLog struct {
	all    []Event
	perTID map[ThreadID][]int // thread -> indices into all, in order
}

// New returns an empty EventLog.
func New() *EventLog {
	return &EventLog{perTID: make(map[ThreadID][]int)}
}

// Append records e as the next event in the log. Callers (the engine)
// are responsible for stamping e.Clock from a monotonically increasing
// clock.Clock before calling Append, which preserves invariant 2 from
// spec.md section 3.
func (l *EventLog) Append(e Event) int {
	idx := len(l.all)
	l.all = append(l.all, e)
	l.perTID[e.Thread] = append(l.perTID[e.Thread], idx)
	return idx
}

// All returns every event in log order.
func (l *EventLog) All() []Event { return l.all }

// Len returns the number of events recorded.
func (l *EventLog) Len() int { return len(l.all) }

// At returns the event at position i.
func (l *EventLog) At(i int) Event { return l.all[i] }

// Thread returns every event recorded for a single thread, in the order
// they occurred.
func (l *EventLog) Thread(t ThreadID) []Event {
	idxs := l.perTID[t]
	out := make([]Event, len(idxs))
	for i, idx := range idxs {
		out[i] = l.all[idx]
	}
	return out
}

// ScheduleTrace returns the ordered list of which thread was scheduled
// at each step, derived from the log (spec.md section 3, Execution;
// invariant 3: schedule_trace[i] equals the thread whose event is at
// position i, modulo multi-event bursts between scheduling points —
// here we collapse consecutive same-thread events into one entry per
// distinct scheduling point).
func (l *EventLog) ScheduleTrace() []ThreadID {
	var trace []ThreadID
	for _, e := range l.all {
		if len(trace) == 0 || trace[len(trace)-1] != e.Thread {
			trace = append(trace, e.Thread)
		}
	}
	return trace
}
