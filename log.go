package concmark

import "go.uber.org/zap"

// newNopLogger is the package-wide fallback used when a Coordinator is
// constructed with a nil *zap.Logger, as the package's own tests do.
// The demo CLI passes its own logger to New instead.
func newNopLogger() *zap.Logger {
	return zap.NewNop()
}

// phaseLogger returns a logger scoped to one cycle and phase, the
// only two fields every phase-transition log line carries.
func phaseLogger(base *zap.Logger, cycleID string, phase Phase) *zap.Logger {
	return base.With(zap.String("cycle_id", cycleID), zap.String("phase", phase.String()))
}
