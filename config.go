package concmark

import "time"

// Config holds the tunable knobs recognized by the marking engine.
// Fields mirror the "Configuration knobs" enumerated in the
// specification; there is no config-file format, only flat scalars,
// matching the flat GOGC/debug.* style tuning knobs of the reference
// garbage collector.
type Config struct {
	// ParallelMarkingThreads is the number of concurrent-mark worker
	// goroutines. Zero means the sequential fallback: the coordinator
	// runs exactly one worker, and MarkFromRoots waits for it.
	ParallelMarkingThreads int

	// MarkingOverheadPercent is the target CPU overhead (0-100) used
	// to derive the between-step sleep ratio (Coordinator.stepSleep),
	// whatever ParallelMarkingThreads is set to. It never picks a
	// worker count.
	MarkingOverheadPercent int

	// MarkStackSize is the fixed capacity, in references, of the
	// global mark stack (Component B).
	MarkStackSize int

	// RegionStackSize is the fixed capacity, in sub-regions, of the
	// global region stack (Component C).
	RegionStackSize int

	// TaskQueueMaxElements bounds each per-task work-stealing deque
	// (Component D).
	TaskQueueMaxElements int

	// SATBBufferSize is the capacity, in references, of one SATB log
	// buffer.
	SATBBufferSize int

	// SATBProcessCompletedThreshold is the number of completed SATB
	// buffers that must accumulate before the regular clock requests
	// an SATB-drain abort (spec §4.E, "regular clock").
	SATBProcessCompletedThreshold int

	// PartialDrainTargetFraction is the fraction (0,1) of
	// MarkStackSize/TaskQueueMaxElements below which a partial drain
	// stops; a full drain always targets zero.
	PartialDrainTargetFraction float64

	// WordsScannedPeriod and RefsReachedPeriod set the regular-clock
	// granularity: the clock fires when cumulative words scanned or
	// references reached (whichever comes first) cross these
	// thresholds since the last firing.
	WordsScannedPeriod int64
	RefsReachedPeriod  int64

	// StepTimeTarget is the wall-clock budget handed to each call of
	// DoMarkingStep during concurrent-mark (spec §4.F item 2, "e.g.
	// 10s target per step").
	StepTimeTarget time.Duration

	// VerifyConcurrentMark is carried in the Config but is not read by
	// this package: no post-cleanup verification pass runs, whatever
	// its value.
	VerifyConcurrentMark bool

	// ScrubRememberedSets controls whether Cleanup calls its
	// remembered-set scrub hook. The hook does not modify any
	// remembered set; Cleanup only builds the card bitmap a scrubber
	// would read.
	ScrubRememberedSets bool

	// PrintParallelCleanupStats toggles the diagnostic log line
	// summarizing the cleanup pass; off by default since statistics
	// reporting is explicitly out of this engine's scope.
	PrintParallelCleanupStats bool

	// ObjectAlignmentShift is the bitmap's shift factor S: bit index i
	// corresponds to heap word base + (i << S). It reflects the
	// heap's minimum object alignment and is supplied by the external
	// heap, not derived.
	ObjectAlignmentShift uint
}

// DefaultConfig returns a Config with conservative defaults suitable
// for tests and the demo CLI.
func DefaultConfig() Config {
	return Config{
		ParallelMarkingThreads:        0,
		MarkingOverheadPercent:        10,
		MarkStackSize:                 1 << 16,
		RegionStackSize:               1 << 10,
		TaskQueueMaxElements:          1 << 12,
		SATBBufferSize:                1 << 9,
		SATBProcessCompletedThreshold: 8,
		PartialDrainTargetFraction:    1.0 / 3.0,
		WordsScannedPeriod:            1 << 16,
		RefsReachedPeriod:             1 << 10,
		StepTimeTarget:                10 * time.Second,
		VerifyConcurrentMark:          false,
		ScrubRememberedSets:           true,
		PrintParallelCleanupStats:     false,
		ObjectAlignmentShift:          3,
	}
}

// Validate reports the first configuration error found, or nil.
func (c Config) Validate() error {
	switch {
	case c.ParallelMarkingThreads < 0:
		return errConfig("parallel marking thread count must be >= 0")
	case c.MarkStackSize <= 0:
		return errConfig("mark stack size must be > 0")
	case c.RegionStackSize <= 0:
		return errConfig("region stack size must be > 0")
	case c.TaskQueueMaxElements <= 0:
		return errConfig("task queue max elements must be > 0")
	case c.SATBBufferSize <= 0:
		return errConfig("SATB buffer size must be > 0")
	case c.PartialDrainTargetFraction <= 0 || c.PartialDrainTargetFraction >= 1:
		return errConfig("partial drain target fraction must be in (0,1)")
	case c.WordsScannedPeriod <= 0 || c.RefsReachedPeriod <= 0:
		return errConfig("regular-clock periods must be > 0")
	case c.StepTimeTarget <= 0:
		return errConfig("step time target must be > 0")
	}
	return nil
}

// workerCount resolves the effective number of concurrent-mark
// workers. Per spec §6, ParallelMarkingThreads == 0 is the explicit
// "sequential-in-this-thread fallback": it always means exactly one
// worker, never a count derived from MarkingOverheadPercent. The
// overhead-percent knob only ever feeds the between-step sleep ratio
// (see Coordinator.stepSleep); it does not also pick a thread count,
// which would make the two knobs ambiguous whenever both are set.
// This resolves spec.md's juxtaposition of the two knobs; recorded as
// an Open Question decision in DESIGN.md.
func (c Config) workerCount() int {
	if c.ParallelMarkingThreads <= 0 {
		return 1
	}
	return c.ParallelMarkingThreads
}
