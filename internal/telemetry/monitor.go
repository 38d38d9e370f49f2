package telemetry

import (
	"time"

	"go.uber.org/zap"
)

// TrackDuration asynchronously logs how long a named operation took,
// via GoSafe, so a slow or blocking logger sink never adds latency to the
// caller (the pool's resize tick, in this module's case). A nil logger is
// a no-op.
func TrackDuration(logger *zap.Logger, name string, start time.Time) {
	if logger == nil {
		return
	}
	elapsed := time.Since(start)
	GoSafe(func() {
		logger.Debug("timed operation completed",
			zap.String("operation", name),
			zap.Duration("elapsed", elapsed),
		)
	})
}
