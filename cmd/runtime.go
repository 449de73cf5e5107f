package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/config"
	"github.com/MOMOJMOGG/report-agent/internal/infrastructure/sqlite"
	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/broker"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/metrics"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/mock"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/tracing"
)

// runtime is one wired process: broker, coordinator, optional simulated
// workers, and the ambient providers they report to.
type runtime struct {
	metrics *metrics.Collector
	tracer  *tracing.Provider
	db      *sqlite.DB
	broker  *broker.Broker
	coord   *coordinator.Coordinator
	workers []*mock.Worker
}

type runtimeOptions struct {
	// simulate registers an echo worker for every pipeline role.
	simulate bool
}

func newRuntime(c config.Config, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{metrics: metrics.New()}

	tracer, err := tracing.NewProvider(c.Tracing)
	if err != nil {
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}
	rt.tracer = tracer

	coordCfg := c.Coordinator
	coordCfg.Metrics = rt.metrics
	coordCfg.Tracer = tracer.Tracer()

	if c.Storage.Enabled {
		path := c.Storage.Path
		if path == "" {
			path = config.DefaultDatabasePath()
		}
		if path == "" {
			_ = tracer.Shutdown(context.Background())
			return nil, errors.New("storage.path is empty and no home directory is available")
		}
		db, err := sqlite.NewDB(path)
		if err != nil {
			_ = tracer.Shutdown(context.Background())
			return nil, fmt.Errorf("opening archive: %w", err)
		}
		rt.db = db
		coordCfg.Archive = db.Pipelines()

		if c.Storage.Retention > 0 {
			cutoff := time.Now().Add(-c.Storage.Retention)
			if n, err := db.Pipelines().Prune(context.Background(), cutoff); err != nil {
				log.ErrorErr(log.CatDB, "Archive prune failed", err)
			} else if n > 0 {
				log.Info(log.CatDB, "Pruned archived pipelines", "count", n, "before", cutoff.Format(time.RFC3339))
			}
		}
	}

	rt.broker = broker.New(c.Broker.ToBroker(rt.metrics))
	rt.coord = coordinator.New(coordCfg, rt.broker)
	rt.broker.RegisterWorker(rt.coord.ID(), rt.coord)

	if opts.simulate {
		base := c.Worker.ToWorker("", rt.metrics)
		rt.workers = mock.NewWorkers(rt.broker, mock.Options{
			Delay:    c.Simulate.Delay,
			FailRole: c.Simulate.FailRole,
			Base:     &base,
		})
		for _, w := range rt.workers {
			rt.broker.RegisterWorker(w.ID(), w)
		}
	} else {
		log.Warn(log.CatWorker, "No workers registered in this process; pipelines will time out without them")
	}
	return rt, nil
}

func (rt *runtime) start(ctx context.Context) error {
	rt.broker.Start(ctx)
	// Workers start before the coordinator launches pending pipelines.
	for _, w := range rt.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("starting worker %s: %w", w.ID(), err)
		}
	}
	if err := rt.coord.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	return nil
}

// stop tears down workers, coordinator, broker, tracer and archive, and
// reports every failure.
func (rt *runtime) stop(ctx context.Context) error {
	var errs []error
	for _, w := range rt.workers {
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping worker %s: %w", w.ID(), err))
		}
	}
	if err := rt.coord.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping coordinator: %w", err))
	}
	rt.broker.Stop()
	if err := rt.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing traces: %w", err))
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing archive: %w", err))
		}
	}
	return errors.Join(errs...)
}
