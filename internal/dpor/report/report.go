// Package report renders the trace explanation format spec.md section 6
// specifies as bit-exact where compatibility matters: a header line naming
// the violated invariant or deadlock reason, followed by one line per
// event up to the failure, truncated at a small bound.
//
// This is the generalization of the teacher's RaceReport.Format
// (internal/race/detector/report.go): where the teacher renders exactly
// two accesses (the racing pair), this renders an entire schedule prefix,
// since a DPOR counterexample is a whole interleaving, not a single
// racing access pair.
package report

import (
	"fmt"
	"strings"

	"github.com/kolkov/dpor/internal/dpor/eventlog"
	"github.com/kolkov/dpor/internal/dpor/failure"
)

// DefaultMaxLines is spec.md section 6's default truncation bound.
const DefaultMaxLines = 15

// Explain renders the bit-exact trace explanation format for one failed
// execution: header line naming the failure, then up to maxLines event
// lines in the shape
//
//	Thread <id>  <kind>  <resource-or-key>  at <file>:<line>  (Called from <call-chain>)
//
// maxLines <= 0 uses DefaultMaxLines.
func Explain(rec failure.Record, log *eventlog.EventLog, maxLines int) string {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", rec.Kind, rec.Message)

	if log == nil {
		return b.String()
	}

	events := log.All()
	truncated := false
	if len(events) > maxLines {
		events = events[:maxLines]
		truncated = true
	}

	for _, ev := range events {
		fmt.Fprintf(&b, "Thread %d  %s  %s  at %s:%d  (Called from %s)\n",
			ev.Thread, eventKindLabel(ev), resourceLabel(ev), ev.Site.File, ev.Site.Line, callChain(ev))
	}

	if truncated {
		fmt.Fprintf(&b, "... (truncated at %d lines)\n", maxLines)
	}
	return b.String()
}

func eventKindLabel(ev eventlog.Event) string {
	if ev.FromIO {
		return ev.Kind.String() + "(io)"
	}
	return ev.Kind.String()
}

func resourceLabel(ev eventlog.Event) string {
	return ev.Key.String()
}

func callChain(ev eventlog.Event) string {
	if len(ev.Site.Chain) == 0 {
		return ev.Site.Function
	}
	return strings.Join(ev.Site.Chain, " <- ")
}
