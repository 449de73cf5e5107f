package coordinator

import (
	"fmt"
	"sort"
)

// lookupLocked finds id in the active set, then the completed set.
func (c *Coordinator) lookupLocked(id string) (*Pipeline, bool) {
	if p, ok := c.active[id]; ok {
		return p, true
	}
	p, ok := c.completed[id]
	return p, ok
}

// GetPipelineStatus returns a snapshot of the pipeline.
func (c *Coordinator) GetPipelineStatus(id string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.lookupLocked(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return p.snapshot(c.cfg.Clock.Now()), nil
}

// GetPipeline returns a copy of the full pipeline record, including results.
func (c *Coordinator) GetPipeline(id string) (Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.lookupLocked(id)
	if !ok {
		return Pipeline{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return p.clone(), nil
}

// ListPipelines returns snapshots of every pipeline, newest first. A non-nil
// filter keeps only pipelines in that status.
func (c *Coordinator) ListPipelines(filter *Status) []Snapshot {
	c.mu.Lock()
	now := c.cfg.Clock.Now()
	out := make([]Snapshot, 0, len(c.active)+len(c.completed))
	for _, set := range []map[string]*Pipeline{c.active, c.completed} {
		for _, p := range set {
			if filter != nil && p.Status != *filter {
				continue
			}
			out = append(out, p.snapshot(now))
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// GetStats returns aggregate outcome counters.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.stats.total
	return Stats{
		TotalPipelines:          total,
		SuccessfulPipelines:     c.stats.successful,
		FailedPipelines:         c.stats.failed,
		CancelledPipelines:      c.stats.cancelled,
		SuccessRate:             float64(c.stats.successful) / float64(max(1, total)),
		AverageExecutionSeconds: c.stats.avgSeconds,
		ActivePipelines:         len(c.active),
		MaxConcurrent:           c.cfg.MaxConcurrent,
		WorkerStatuses:          c.workerStatusesLocked(),
	}
}

// WorkerStatuses returns the last heartbeat seen from each worker.
func (c *Coordinator) WorkerStatuses() map[string]WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerStatusesLocked()
}

func (c *Coordinator) workerStatusesLocked() map[string]WorkerStatus {
	out := make(map[string]WorkerStatus, len(c.workers))
	for k, v := range c.workers {
		out[k] = v
	}
	return out
}

// ActiveCount is the number of pipelines not yet finalized.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
