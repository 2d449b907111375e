// Package state provides the typed access alphabet workers use in place
// of the shadow-stack interpreter spec.md section 4.3 describes.
//
// spec.md section 9 flags that a host without the original's reflective
// bytecode hooks must pick abstraction (a) or (b); this module picks (a)
// — workers read and write shared state only through Var, Map, Mutex,
// and RWMutex, whose methods report exactly the events spec.md's table
// in section 4.3 specifies. A Session (the one the scheduler hands to
// Setup and to every worker of an execution) is required to construct
// any of them,
// mirroring the teacher's race.RaceRead/RaceWrite call shape but scoped
// to one execution instead of installed as process-wide globals (spec.md
// section 9, "avoid hidden module-level installation").
package state

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/kolkov/dpor/internal/dpor/eventlog"
	"github.com/kolkov/dpor/internal/dpor/objectkey"
)

// Reporter is the narrow interface Var/Map/Mutex need from the
// scheduler: report an access or a sync event for the calling thread
// (spec.md section 4.2, "Suspension points": every shadow-interpreted
// instruction boundary is a scheduling point). The scheduler package
// implements this and constructs the Session workers receive; state
// depends only on this interface to avoid an import cycle.
type Reporter interface {
	Access(key objectkey.Key, kind eventlog.EventKind, site eventlog.CallSite)
	Sync(key objectkey.Key, kind eventlog.EventKind, site eventlog.CallSite)
}

// Session is the handle used to build Var/Map/Mutex instances. The
// scheduler creates one Session per execution and passes that same
// Session to Setup and to every worker, rather than installing it as a
// package global (spec.md section 9).
type Session struct {
	r Reporter
}

// NewSession wraps a Reporter for use by worker code.
func NewSession(r Reporter) *Session {
	return &Session{r: r}
}

func callSite(fn string) eventlog.CallSite {
	pc, file, line, ok := runtime.Caller(2)
	site := eventlog.CallSite{Function: fn, File: file, Line: line}
	if !ok {
		return site
	}
	if f := runtime.FuncForPC(pc); f != nil {
		site.Chain = []string{f.Name()}
	}
	return site
}

// Var is a single shared typed cell — the equivalent of a `obj.x`
// attribute read/write in spec.md section 4.3's table: Load reports a
// Read, Store reports a Write.
type Var[T any] struct {
	s    *Session
	slot string
	v    T
}

// NewVar constructs a shared variable named slot (used only for trace
// rendering) holding an initial value, bound to Session s.
func NewVar[T any](s *Session, slot string, initial T) *Var[T] {
	return &Var[T]{s: s, slot: slot, v: initial}
}

func (v *Var[T]) key() objectkey.Key {
	return objectkey.Mem(uintptr(unsafe.Pointer(v)), v.slot)
}

// Load reports a Read and returns the current value.
func (v *Var[T]) Load() T {
	v.s.r.Access(v.key(), eventlog.Read, callSite("Var.Load"))
	return v.v
}

// Store reports a Write and sets the value.
func (v *Var[T]) Store(val T) {
	v.s.r.Access(v.key(), eventlog.Write, callSite("Var.Store"))
	v.v = val
}

// Map is a shared dictionary — spec.md section 4.3's `c[k]` subscript
// read/write, with Load/Store/Delete reporting Read/Write/Write
// respectively on a per-key slot, and Range reporting the built-in
// mutator convention ("slot *") since it observes every key at once.
type Map[K comparable, V any] struct {
	s *Session
	m map[K]V
}

// NewMap constructs an empty shared map bound to Session s.
func NewMap[K comparable, V any](s *Session) *Map[K, V] {
	return &Map[K, V]{s: s, m: map[K]V{}}
}

func (m *Map[K, V]) keyFor(k K) objectkey.Key {
	return objectkey.Mem(uintptr(unsafe.Pointer(m)), objectkey.Canonical(k))
}

func (m *Map[K, V]) wildcardKey() objectkey.Key {
	return objectkey.Mem(uintptr(unsafe.Pointer(m)), "*")
}

// Load reports a Read on the slot for k and returns (value, ok).
func (m *Map[K, V]) Load(k K) (V, bool) {
	m.s.r.Access(m.keyFor(k), eventlog.Read, callSite("Map.Load"))
	v, ok := m.m[k]
	return v, ok
}

// Store reports a Write on the slot for k and sets the value.
func (m *Map[K, V]) Store(k K, v V) {
	m.s.r.Access(m.keyFor(k), eventlog.Write, callSite("Map.Store"))
	m.m[k] = v
}

// Delete reports a Write on the slot for k and removes it.
func (m *Map[K, V]) Delete(k K) {
	m.s.r.Access(m.keyFor(k), eventlog.Write, callSite("Map.Delete"))
	delete(m.m, k)
}

// Range reports a Read on the wildcard slot ("*") — spec.md section
// 4.3's "built-in mutator method of a standard container" convention,
// applied here to a whole-container traversal — and calls fn for every
// entry. Store and Delete report on per-key slots, not on "*", so a Range
// is not seen as conflicting with a Store or Delete.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	m.s.r.Access(m.wildcardKey(), eventlog.Read, callSite("Map.Range"))
	for k, v := range m.m {
		if !fn(k, v) {
			return
		}
	}
}

// Len reports a Read on the wildcard slot and returns the entry count.
func (m *Map[K, V]) Len() int {
	m.s.r.Access(m.wildcardKey(), eventlog.Read, callSite("Map.Len"))
	return len(m.m)
}

// External models a resource reached through the outside world (a file, a
// socket) using an ObjectKey.External identity rather than an in-process
// container address — spec.md section 3's second ObjectKey variant. It
// lets worker code exercise races on resources the I/O bridge would
// otherwise be the only source of (e.g. a file-counter TOCTOU scenario),
// without requiring an actual native interception layer (spec.md section
// 1, out of scope).
type External struct {
	s    *Session
	id   string
	data string
}

// NewExternal constructs a resource identified by resourceID (e.g.
// "file:/tmp/counter" or "socket:127.0.0.1:5432"), holding initial
// textual contents.
func NewExternal(s *Session, resourceID string, initial string) *External {
	return &External{s: s, id: resourceID, data: initial}
}

func (e *External) key() objectkey.Key { return objectkey.Ext(e.id) }

// Read reports a Read on the External key and returns the current
// contents.
func (e *External) Read() string {
	e.s.r.Access(e.key(), eventlog.Read, callSite("External.Read"))
	return e.data
}

// Write reports a Write on the External key and sets the contents.
func (e *External) Write(v string) {
	e.s.r.Access(e.key(), eventlog.Write, callSite("External.Write"))
	e.data = v
}

// Key returns the ObjectKey identifying this resource.
func (e *External) Key() objectkey.Key { return e.key() }

// lockable is the shared plumbing behind Mutex: a held flag reported by
// IsHeld for diagnostics (the scheduler keeps its own held-by table and
// does not read it), and a key used for both the
// LockAcquire/LockRelease sync events and as the ObjectKey bound into
// BlockThread when a worker must wait (spec.md section 4.2, "Blocking on
// synchronisation").
type lockable struct {
	s    *Session
	held bool
}

func (l *lockable) syncKey(addr uintptr) objectkey.Key { return objectkey.SyncKey(addr) }

// Mutex is a cooperative substitute for sync.Mutex (spec.md section
// 4.2's sync-primitive substitutes, item (i)/(ii)): Lock/Unlock report
// LockAcquire/LockRelease to the engine instead of blocking on an OS
// mutex, so the scheduler — not the OS — decides exactly when a blocked
// worker becomes runnable again.
type Mutex struct {
	lockable
}

// NewMutex constructs a cooperative mutex bound to Session s.
func NewMutex(s *Session) *Mutex {
	return &Mutex{lockable: lockable{s: s}}
}

// Lock reports a LockAcquire. The scheduler (not Mutex itself) is
// responsible for not resuming the calling worker until the lock is
// actually free: the scheduler's RunOnce marks the caller blocked while
// another thread holds the lock and resumes it only after that thread's
// release (spec.md section 4.2).
func (m *Mutex) Lock() {
	m.s.r.Sync(m.syncKey(uintptr(unsafe.Pointer(m))), eventlog.LockAcquire, callSite("Mutex.Lock"))
	m.held = true
}

// Unlock reports a LockRelease.
func (m *Mutex) Unlock() {
	m.held = false
	m.s.r.Sync(m.syncKey(uintptr(unsafe.Pointer(m))), eventlog.LockRelease, callSite("Mutex.Unlock"))
}

// Key returns the ObjectKey identifying this mutex, for use by the
// scheduler's blocking protocol.
func (m *Mutex) Key() objectkey.Key { return m.syncKey(uintptr(unsafe.Pointer(m))) }

// IsHeld reports whether this execution currently considers the lock
// held. It is informational only — the scheduler's own held-by table is
// authoritative for blocking decisions (spec.md section 4.2).
func (m *Mutex) IsHeld() bool { return m.held }

// RWMutex is a cooperative substitute for sync.RWMutex. Reentrant RLock
// calls by readers are represented as independent LockAcquire events —
// spec.md section 9's open question about reentrant RLock release
// recommends always emitting the event, which this type follows.
type RWMutex struct {
	s       *Session
	readers int
	writer  bool
}

// NewRWMutex constructs a cooperative read/write mutex bound to Session s.
func NewRWMutex(s *Session) *RWMutex {
	return &RWMutex{s: s}
}

func (rw *RWMutex) key() objectkey.Key {
	return objectkey.SyncKey(uintptr(unsafe.Pointer(rw)))
}

// RLock reports a LockAcquire for a shared (read) hold.
func (rw *RWMutex) RLock() {
	rw.s.r.Sync(rw.key(), eventlog.LockAcquire, callSite("RWMutex.RLock"))
	rw.readers++
}

// RUnlock reports a LockRelease for a shared (read) hold.
func (rw *RWMutex) RUnlock() {
	rw.readers--
	rw.s.r.Sync(rw.key(), eventlog.LockRelease, callSite("RWMutex.RUnlock"))
}

// Lock reports a LockAcquire for an exclusive (write) hold.
func (rw *RWMutex) Lock() {
	rw.s.r.Sync(rw.key(), eventlog.LockAcquire, callSite("RWMutex.Lock"))
	rw.writer = true
}

// Unlock reports a LockRelease for an exclusive (write) hold.
func (rw *RWMutex) Unlock() {
	rw.writer = false
	rw.s.r.Sync(rw.key(), eventlog.LockRelease, callSite("RWMutex.Unlock"))
}

// Key returns the ObjectKey identifying this read/write lock.
func (rw *RWMutex) Key() objectkey.Key { return rw.key() }

// DebugString renders the lock's held state for diagnostics.
func (rw *RWMutex) DebugString() string {
	return fmt.Sprintf("RWMutex{readers=%d writer=%v}", rw.readers, rw.writer)
}
