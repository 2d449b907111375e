// Package clock implements the monotonic event counter stamping every
// observation made within a single execution.
//
// A Clock is owned by one Execution and is never shared across replays:
// each new execution starts a fresh Clock at zero, the same way the
// teacher's epoch package starts a goroutine's logical time at zero on
// Alloc.
package clock

import "sync/atomic"

// Clock is a strictly increasing counter. The engine stamps events from
// the scheduler's driver goroutine, one report at a time, so Tick calls
// are already totally ordered by the scheduler token (spec.md invariant
// 2); the counter is atomic so that Ticks from several goroutines still
// each get a distinct value.
type Clock struct {
	n atomic.Uint64
}

// Tick returns the next clock value. The first call returns 1, so that 0
// is reserved as a sentinel "no event yet" value.
func (c *Clock) Tick() uint64 {
	return c.n.Add(1)
}

// Peek returns the most recently issued value without advancing the
// clock.
func (c *Clock) Peek() uint64 {
	return c.n.Load()
}
