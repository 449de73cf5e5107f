package testutil

import (
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
)

// WithStandardHistory adds one pipeline per terminal status, started an
// hour apart with the newest last: run-completed, run-failed, run-cancelled.
func (b *Builder) WithStandardHistory() *Builder {
	return b.
		WithPipeline("run-completed",
			StartedAt(baseTime), Retries(coordinator.StageDataFetch, 1)).
		WithPipeline("run-failed",
			StartedAt(baseTime.Add(time.Hour)),
			Failed(coordinator.StageRAGProcessing, "stage rag_processing timeout after 600 seconds")).
		WithPipeline("run-cancelled",
			StartedAt(baseTime.Add(2*time.Hour)), Tables("returns"),
			Cancelled(coordinator.DefaultCancelReason))
}
