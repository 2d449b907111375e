package engine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/kolkov/dpor/internal/dpor/eventlog"
	"github.com/kolkov/dpor/internal/dpor/objectkey"
)

// Thread is the type of thread identifiers used throughout the engine.
type Thread = eventlog.ThreadID

// node is one ExplorationNode (spec.md section 3): the engine's record
// of a single scheduling decision, keyed by the sequence of thread
// choices that reach it (its "prefix"). Nodes are created lazily the
// first time an execution's replay passes through that prefix, and
// persist for the lifetime of one Engine (spec.md: "ExplorationNodes
// live until their subtree is fully explored and popped from the DFS
// stack" — here the DFS stack is implicit in the prefix string, so
// nodes simply live for the Engine's lifetime instead of being popped,
// which is harmless since one Engine only ever serves one explore()
// call, per spec.md section 3's ExplorationState being "process-wide
// for one explore call").
type node struct {
	visited bool

	enabled   map[Thread]bool
	done      map[Thread]bool
	sleep     map[Thread]bool
	backtrack map[Thread]bool

	chosen Thread

	// firstAccess records, for every thread this node has chosen,
	// the set of ObjectKeys touched during that thread's burst of events
	// at this step. It is the basis for sleep-set propagation to child
	// nodes (spec.md section 4.1, "Sleep-set propagation").
	firstAccess map[Thread]map[objectkey.Key]bool
}

func newNode() *node {
	return &node{
		enabled:     map[Thread]bool{},
		done:        map[Thread]bool{},
		sleep:       map[Thread]bool{},
		backtrack:   map[Thread]bool{},
		firstAccess: map[Thread]map[objectkey.Key]bool{},
	}
}

// pending reports the threads still owed exploration from this node:
// enqueued as must-try (backtrack) but neither already explored (done)
// nor proved redundant (sleep) — spec.md invariant 5, backtrack ⊆
// enabled \ done, sleep and done disjoint.
func (n *node) pending() []Thread {
	var out []Thread
	for t := range n.backtrack {
		if !n.done[t] && !n.sleep[t] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// prefixKey serializes a thread sequence into a map key, e.g. "0,2,1".
func prefixKey(prefix []Thread) string {
	if len(prefix) == 0 {
		return ""
	}
	parts := make([]string, len(prefix))
	for i, t := range prefix {
		parts[i] = strconv.Itoa(int(t))
	}
	return strings.Join(parts, ",")
}

// keysConflict reports whether two access-key sets share at least one
// key. This is a deliberately conservative (safe) approximation of
// spec.md's "first event conflicts" test: two reads of the same key are
// flagged as conflicting even though they could never race, which only
// costs a few redundant executions (less reduction) rather than risking
// incorrectly putting a thread to sleep that still needed exploring
// (which would be unsound).
func keysConflict(a, b map[objectkey.Key]bool) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for k := range small {
		if big[k] {
			return true
		}
	}
	return false
}
