// Package iobridge implements the I/O Event Bridge (spec.md section
// 4.4): it turns native-side syscall events arriving over a byte-stream
// pipe into shadow-interpreter-compatible access events, so that races
// on external resources are detected even when the actual read/write
// happens in code the shadow interpreter (here, package state) cannot
// see.
//
// The wire format and drain discipline are specified exactly by
// spec.md; what is out of scope (spec.md section 1) is the native
// interception layer that writes to the pipe in the first place. This
// package only implements the Go-side reader, parser, and attribution
// table — grounded on the teacher's single-mutex-guarded global store
// pattern (internal/race/syncshadow.SyncShadow protects one shared map
// with one sync.Mutex; this bridge protects its os-tid table and its
// scanner state with the same single lock, per spec.md section 4.4's
// "Read, parse, and dispatch happen under a single mutex").
package iobridge

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kolkov/dpor/internal/dpor/eventlog"
	"github.com/kolkov/dpor/internal/dpor/objectkey"
)

// Kind enumerates the four wire-record kinds (spec.md section 4.4).
type Kind string

const (
	Connect Kind = "connect"
	ReadOp  Kind = "read"
	WriteOp Kind = "write"
	Close   Kind = "close"
)

// Record is one parsed wire-format line: "kind\tresource_id\tfd\tpid\tos_tid\n".
type Record struct {
	Kind       Kind
	ResourceID string
	FD         string
	PID        string
	OSThreadID string
}

// ParseRecord parses one newline-terminated, tab-separated line per
// spec.md section 4.4/6. It does not require the trailing newline to
// already be stripped.
func ParseRecord(line string) (Record, error) {
	line = strings.TrimRight(line, "\n")
	fields := strings.Split(line, "\t")
	if len(fields) != 5 {
		return Record{}, errors.Errorf("iobridge: malformed record %q: want 5 tab-separated fields, got %d", line, len(fields))
	}
	return Record{
		Kind:       Kind(fields[0]),
		ResourceID: fields[1],
		FD:         fields[2],
		PID:        fields[3],
		OSThreadID: fields[4],
	}, nil
}

// Event is the access event synthesised from one attributed Record
// (spec.md section 4.4's translation table).
type Event struct {
	Thread eventlog.ThreadID
	Key    objectkey.Key
	Kind   eventlog.EventKind
}

// translate maps one Record's Kind to an access Kind and ObjectKey,
// following spec.md section 4.4 exactly:
//
//	connect -> Write on External("socket:<ip>:<port>") (conservative)
//	read    -> Read  on External(resource_id)
//	write   -> Write on External(resource_id)
//	close   -> Write on External(resource_id)
func translate(r Record) (objectkey.Key, eventlog.EventKind, bool) {
	switch r.Kind {
	case Connect:
		return objectkey.Ext(fmt.Sprintf("socket:%s", r.ResourceID)), eventlog.Write, true
	case ReadOp:
		return objectkey.Ext(r.ResourceID), eventlog.Read, true
	case WriteOp, Close:
		return objectkey.Ext(r.ResourceID), eventlog.Write, true
	default:
		return objectkey.Key{}, 0, false
	}
}

// Bridge attributes incoming Records to the currently scheduled worker
// via an os-tid -> ThreadID table the scheduler maintains, and dispatches
// translated Events to a listener (normally the engine's report path via
// scheduler.Scheduler).
type Bridge struct {
	mu     sync.Mutex
	pipe   *bufio.Reader
	deadln deadlineSetter // non-nil when the transport supports SetReadDeadline
	tids   map[string]eventlog.ThreadID

	listener func(Event)
}

// deadlineSetter is implemented by transports capable of the
// "short-timeout readiness check" spec.md section 4.4 asks for (e.g.
// net.Conn, or an *os.File pipe end on platforms that support it). When
// the underlying reader does not implement it, Poll fills its buffer with
// one direct read, which blocks for as long as that reader's own Read
// blocks.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// pollReadinessWindow bounds how long Poll will wait for the transport
// to become readable beyond what is already buffered, before giving up
// for this scheduling point and trying again at the next one.
const pollReadinessWindow = 200 * time.Microsecond

// New wraps the read end of the transport pipe (spec.md section 4.4:
// "a byte-stream pipe. One endpoint is written by the native
// interception layer, one endpoint is read by the bridge's dedicated
// reader"). listener is invoked once per attributed event, synchronously,
// while the bridge's mutex is held, matching spec.md's requirement that
// "no event is observed as in the pipe yet absent from the engine's log."
func New(r io.Reader, listener func(Event)) *Bridge {
	deadln, _ := r.(deadlineSetter)
	return &Bridge{
		pipe:     bufio.NewReader(r),
		deadln:   deadln,
		tids:     map[string]eventlog.ThreadID{},
		listener: listener,
	}
}

// RegisterThread records that OS-thread-id osTID currently belongs to
// worker t (spec.md section 4.4, "the scheduler updates [the mapping]
// when a worker starts/ends").
func (b *Bridge) RegisterThread(osTID string, t eventlog.ThreadID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tids[osTID] = t
}

// UnregisterThread drops the mapping for osTID when its worker ends.
func (b *Bridge) UnregisterThread(osTID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tids, osTID)
}

// Poll reads the records currently available on the pipe (what is already
// buffered, or else what one readiness-bounded read of the transport
// returns — see deadlineSetter), parses each, and dispatches
// the ones whose os_tid is mapped. Unmapped records are dropped — they
// originate from setup/invariant/infrastructure threads, not from a
// scheduled worker (spec.md section 4.4, "Attribution").
//
// The caller (scheduler.Scheduler) is expected to call Poll at every
// scheduling point, before asking the engine which thread runs next
// (spec.md section 4.4, "Drain discipline").
func (b *Bridge) Poll() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := true
	for {
		if b.pipe.Buffered() == 0 {
			if !first {
				return nil
			}
			if b.deadln != nil {
				// Already-buffered data is exhausted. Give the transport one
				// short, bounded chance to become readable before giving up —
				// spec.md section 4.4's "non-blocking... short-timeout
				// readiness check (not a blocking read)" — rather than never
				// looking past what bufio happened to have buffered already.
				if !b.awaitReadiness() {
					return nil
				}
			} else if _, err := b.pipe.Peek(1); err != nil && err != io.EOF {
				// No deadline support: fill the buffer with one direct read.
				return errors.Wrap(err, "iobridge: reading pipe")
			}
			if b.pipe.Buffered() == 0 {
				return nil
			}
		}
		first = false

		line, err := b.pipe.ReadString('\n')
		if len(line) > 0 {
			rec, perr := ParseRecord(line)
			if perr != nil {
				return perr
			}
			if t, ok := b.tids[rec.OSThreadID]; ok {
				if key, kind, known := translate(rec); known {
					b.listener(Event{Thread: t, Key: key, Kind: kind})
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "iobridge: reading pipe")
		}
	}
}

// awaitReadiness arms a short read deadline on the underlying transport and
// tries to prime bufio's buffer with whatever arrives within
// pollReadinessWindow. A timeout is treated as "nothing available yet", not
// an error; the deadline is always cleared before returning so it never
// leaks into a later, unrelated read. Reports whether the peek succeeded.
func (b *Bridge) awaitReadiness() bool {
	_ = b.deadln.SetReadDeadline(time.Now().Add(pollReadinessWindow))
	defer func() { _ = b.deadln.SetReadDeadline(time.Time{}) }()

	_, err := b.pipe.Peek(1)
	return err == nil
}
