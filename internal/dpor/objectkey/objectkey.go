// Package objectkey implements ObjectKey, the canonical identifier for a
// shared resource (spec.md section 3).
//
// ObjectKey deliberately carries no behaviour beyond equality and
// hashing: it is a map key, nothing more, the same role the teacher's
// shadow memory gives a raw uintptr address. Where the teacher keys
// shadow memory on a single machine address, a Go reimplementation has
// no addresses worth comparing across iterations (the garbage collector
// moves nothing we can rely on stably, and we are not reading raw
// memory), so InMemory keys are built from a container identity token
// supplied by the caller (dpor/state) plus a slot name, and the slot
// name is canonicalized once here so that two access paths reaching the
// same slot always compare equal (spec.md section 4.3, canonical(k)).
package objectkey

import "fmt"

// Kind distinguishes the three ObjectKey variants from spec.md section 3.
type Kind uint8

const (
	// InMemory identifies a slot inside a container object: an attribute,
	// a subscript key, or a captured variable.
	InMemory Kind = iota
	// External identifies a resource in the outside world: a socket or a
	// file, synthesised by the I/O event bridge.
	External
	// Sync identifies a lock or semaphore instance. Sync keys appear only
	// in LockAcquire/LockRelease events, never in access events.
	Sync
)

func (k Kind) String() string {
	switch k {
	case InMemory:
		return "mem"
	case External:
		return "ext"
	case Sync:
		return "sync"
	default:
		return "unknown"
	}
}

// Key is an opaque, comparable, hashable token. Two Keys compare equal
// if and only if they denote the same shared resource.
type Key struct {
	kind      Kind
	container uintptr // identity of the owning container, InMemory only
	slot      string  // canonicalized slot name, InMemory only
	resource  string  // e.g. "socket:1.2.3.4:5432" or "file:/tmp/x", External only
}

// Mem builds the key for a slot inside a container. container is any
// stable identity token for the owning object (state.Var/state.Map hand
// out their own address cast to uintptr); slot is stored as given. A
// caller whose slot comes from a typed subscript key passes it through
// Canonical first (state.Map does), so that e.g. the map keys 1 and
// int64(1) collapse onto the same slot.
func Mem(container uintptr, slot string) Key {
	return Key{kind: InMemory, container: container, slot: slot}
}

// Ext builds the key for an external resource reached through the I/O
// bridge, e.g. Ext("socket:10.0.0.1:5432") or Ext("file:/tmp/counter").
func Ext(resourceID string) Key {
	return Key{kind: External, resource: resourceID}
}

// SyncKey builds the key for a lock or semaphore instance.
func SyncKey(lockIdentity uintptr) Key {
	return Key{kind: Sync, container: lockIdentity}
}

// Kind reports which variant this Key is.
func (k Key) Kind() Kind { return k.kind }

// Resource returns the resource id for an External key ("" otherwise).
func (k Key) Resource() string { return k.resource }

// String renders the key for trace output (spec.md section 6: "at
// <file>:<line>" uses CallSite, but the key itself must also render
// legibly, e.g. for the "Thread <id> <kind> <resource-or-key>" column).
func (k Key) String() string {
	switch k.kind {
	case InMemory:
		return fmt.Sprintf("mem(%#x).%s", k.container, k.slot)
	case External:
		return k.resource
	case Sync:
		return fmt.Sprintf("lock(%#x)", k.container)
	default:
		return "?"
	}
}

// Canonical reconciles the natural spellings of a subscript key so that
// code reaching the same slot through different access paths (e.g. the
// quoted vs. unquoted repr the host language's runtime might expose, or
// in Go's case distinct-but-equal typed values) produces the same slot
// name. Go's type system already guarantees a comparable key type K
// compares consistently, so Canonical only needs a stable textual
// encoding of the value.
func Canonical[K comparable](key K) string {
	return fmt.Sprintf("%v", key)
}
