// Package scheduler starts pipelines on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
)

// Starter is the part of the coordinator the scheduler drives.
type Starter interface {
	StartPipeline(ctx context.Context, req coordinator.Request) (string, error)
}

// Config configures scheduled runs.
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// Cron is a 5-field (minute) or 6-field (second) cron expression.
	Cron string `mapstructure:"cron"`

	// Timezone applies via CRON_TZ; empty uses the local zone.
	Timezone string `mapstructure:"timezone"`

	// Tables overrides the default table set for scheduled runs.
	Tables []string `mapstructure:"tables"`
}

// ParseCron tries 6-field (with seconds) then 5-field (standard) parsing.
func ParseCron(expr, timezone string) (cron.Schedule, error) {
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	if timezone != "" {
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	parser6 := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser6.Parse(expr)
	if err == nil {
		return sched, nil
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err = parser5.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler fires StartPipeline on every tick of its schedule.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	starter  Starter
	req      coordinator.Request
	expr     string

	fired   atomic.Int64
	skipped atomic.Int64
}

// New parses cfg.Cron and registers the job. The scheduler is idle until Start.
func New(cfg Config, starter Starter) (*Scheduler, error) {
	sched, err := ParseCron(cfg.Cron, cfg.Timezone)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		schedule: sched,
		starter:  starter,
		req:      coordinator.Request{Tables: append([]string(nil), cfg.Tables...)},
		expr:     cfg.Cron,
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		_, _ = s.Trigger(context.Background())
	}))
	return s, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info(log.CatSched, "scheduler started", "cron", s.expr, "next", s.Next(time.Now()))
}

// Stop halts the schedule and waits for a running trigger to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info(log.CatSched, "scheduler stopped", "fired", s.fired.Load(), "skipped", s.skipped.Load())
}

// Trigger starts one pipeline now. A capacity error is logged and counted
// as skipped rather than treated as a failure.
func (s *Scheduler) Trigger(ctx context.Context) (string, error) {
	id, err := s.starter.StartPipeline(ctx, s.req)
	switch {
	case errors.Is(err, coordinator.ErrCapacityExceeded):
		s.skipped.Add(1)
		log.Warn(log.CatSched, "scheduled run skipped, coordinator at capacity", "cron", s.expr)
		return "", err
	case err != nil:
		s.skipped.Add(1)
		log.ErrorErr(log.CatSched, "scheduled run failed to start", err, "cron", s.expr)
		return "", err
	}
	s.fired.Add(1)
	log.Info(log.CatSched, "scheduled pipeline started", "pipeline", id)
	return id, nil
}

// Next returns the next activation after t.
func (s *Scheduler) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Fired is the number of pipelines the scheduler started.
func (s *Scheduler) Fired() int64 { return s.fired.Load() }

// Skipped is the number of ticks that did not start a pipeline.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }
