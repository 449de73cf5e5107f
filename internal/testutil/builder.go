package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
)

// Builder accumulates pipeline snapshots and writes them to an archive.
type Builder struct {
	t         *testing.T
	archive   coordinator.Archive
	pipelines []coordinator.Snapshot
}

// NewBuilder creates a builder for archive.
func NewBuilder(t *testing.T, archive coordinator.Archive) *Builder {
	t.Helper()
	return &Builder{t: t, archive: archive}
}

// WithPipeline adds a pipeline with optional configuration.
func (b *Builder) WithPipeline(id string, opts ...PipelineOption) *Builder {
	p := defaultPipeline(id)
	for _, opt := range opts {
		opt(&p)
	}
	b.pipelines = append(b.pipelines, p)
	return b
}

// Snapshots returns what Build will write, in insertion order.
func (b *Builder) Snapshots() []coordinator.Snapshot {
	return append([]coordinator.Snapshot(nil), b.pipelines...)
}

// Build saves every accumulated pipeline.
func (b *Builder) Build() []coordinator.Snapshot {
	b.t.Helper()
	for _, p := range b.pipelines {
		require.NoError(b.t, b.archive.SavePipeline(context.Background(), p))
	}
	return b.Snapshots()
}
