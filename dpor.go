package dpor

import (
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/dpor/internal/dpor/engine"
	"github.com/kolkov/dpor/internal/dpor/failure"
	"github.com/kolkov/dpor/internal/dpor/report"
	"github.com/kolkov/dpor/internal/dpor/scheduler"
	"github.com/kolkov/dpor/internal/dpor/state"
)

// Config is the exploration entry point's parameter set (spec.md section
// 6). S is the application state type setup() builds and every worker and
// the invariant receive.
type Config[S any] struct {
	// Setup constructs a fresh world for one execution. Called once per
	// replay, never reused across executions (spec.md section 4.2:
	// "workers' application state is rebuilt by calling setup() at the
	// start of each execution").
	Setup func(*state.Session) S
	// Workers are the routines to interleave.
	Workers []func(S, *state.Session)
	// Invariant is checked after all workers terminate.
	Invariant func(S) bool

	// MaxExecutions bounds the number of replays. Zero uses the spec
	// default of 1000.
	MaxExecutions uint32
	// PreemptionBound bounds thread switches at positions where the
	// outgoing thread was still enabled. Nil uses the spec default of 2;
	// use a pointer to 0 for "no preemption permitted at all".
	PreemptionBound *uint32
	// DeadlockTimeout bounds wall-clock time without scheduling progress
	// within one execution. Zero uses the spec default of 5 seconds.
	DeadlockTimeout time.Duration
	// DetectIO enables the I/O event bridge. Requires IOPipe.
	DetectIO bool
	// IOPipe is the read end of the byte-stream pipe spec.md section 4.4
	// describes; required when DetectIO is true.
	IOPipe io.Reader
	// ReproduceOnFailure is how many times a found violation is replayed
	// independently to assert determinism before Explore returns. Zero
	// uses the spec default of 5.
	ReproduceOnFailure uint32

	// Logger receives structured diagnostics from the engine and
	// scheduler. Nil uses a no-op logger.
	Logger *zap.SugaredLogger
}

// FailureRecord is one reportable failure of an execution (spec.md
// section 7). Kind is one of the six taxonomy names in
// github.com/kolkov/dpor/internal/dpor/failure, or "FlakyReproduction"
// for a reproduce_on_failure replay that did not reproduce the original
// violation.
type FailureRecord struct {
	Kind     string
	Message  string
	Schedule []uint16
}

// Result is the outcome of one Explore call (spec.md section 6).
type Result struct {
	PropertyHolds bool
	NumExplored   uint32
	// Counterexample is the ordered thread schedule of the first
	// violation found, nil if PropertyHolds.
	Counterexample []uint16
	Failures       []FailureRecord
	// Explanation is the rendered trace for the counterexample, empty if
	// PropertyHolds.
	Explanation string
	// BudgetExhausted reports whether MaxExecutions was spent before
	// exploration could finish (spec.md section 7: a non-definitive "no
	// violation found").
	BudgetExhausted bool
}

func defaultedOptions[S any](cfg Config[S]) engine.Options {
	opts := engine.DefaultOptions()
	if cfg.MaxExecutions > 0 {
		opts.MaxExecutions = cfg.MaxExecutions
	}
	if cfg.PreemptionBound != nil {
		opts.PreemptionBound = cfg.PreemptionBound
	}
	if cfg.DeadlockTimeout > 0 {
		opts.DeadlockTimeout = cfg.DeadlockTimeout
	}
	opts.DetectIO = cfg.DetectIO
	return opts
}

// Explore runs the DPOR exploration loop described in spec.md sections 4
// and 6: it replays Setup/Workers/Invariant under every schedule prefix
// the engine still owes, until the queue is exhausted, the execution
// budget runs out, or a finding (an invariant violation or a worker
// panic) is found — in which case the finding is replayed
// ReproduceOnFailure more times to check it is deterministic before
// Explore returns.
func Explore[S any](cfg Config[S]) Result {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts := defaultedOptions(cfg)
	reproduce := cfg.ReproduceOnFailure
	if reproduce == 0 {
		reproduce = 5
	}

	eng := engine.New(opts, logger)
	sc := scheduler.New(eng, scheduler.Config{Logger: logger, DetectIO: opts.DetectIO, IOPipe: cfg.IOPipe}, cfg.Setup, cfg.Workers, cfg.Invariant)

	var failures []FailureRecord
	var violation *scheduler.Outcome
	var pollErrs error

	for !eng.Done() {
		h, ok := eng.BeginExecution()
		if !ok {
			break
		}
		outcome := sc.RunOnce(h, opts.DeadlockTimeout)
		eng.Complete(h)
		pollErrs = multierr.Append(pollErrs, outcome.IOErr)

		if outcome.Failure != nil {
			failures = append(failures, toFailureRecord(*outcome.Failure))
			if outcome.Violated() {
				v := outcome
				violation = &v
				break
			}
		}
	}

	res := Result{
		PropertyHolds:   violation == nil,
		NumExplored:     eng.ExecutionsCompleted(),
		Failures:        failures,
		BudgetExhausted: eng.BudgetExhausted(),
	}

	if violation != nil {
		res.Counterexample = uint16sOf(violation.Schedule)
		res.Explanation = report.Explain(*violation.Failure, violation.Log, report.DefaultMaxLines)

		for i := uint32(0); i < reproduce; i++ {
			h2 := eng.NewReplayHandle(violation.Schedule)
			replay := sc.RunOnce(h2, opts.DeadlockTimeout)
			pollErrs = multierr.Append(pollErrs, replay.IOErr)
			if !replay.Violated() {
				res.Failures = append(res.Failures, FailureRecord{
					Kind:     "FlakyReproduction",
					Message:  "replaying the counterexample schedule did not reproduce the violation",
					Schedule: uint16sOf(violation.Schedule),
				})
			}
		}
	}

	if pollErrs != nil {
		logger.Warnw("io bridge reported errors during exploration", "error", pollErrs)
	}

	return res
}

func toFailureRecord(r failure.Record) FailureRecord {
	return FailureRecord{Kind: r.Kind.String(), Message: r.Message, Schedule: append([]uint16(nil), r.Schedule...)}
}

func uint16sOf(trace []scheduler.Thread) []uint16 {
	out := make([]uint16, len(trace))
	for i, t := range trace {
		out[i] = uint16(t)
	}
	return out
}
