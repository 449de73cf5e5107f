// Package mock provides simulated pipeline workers.
//
// Each Worker plays one role (data fetch, normalization, rag, report,
// dashboard) on a real broker: it accepts that role's control message and
// answers the coordinator with the matching data message carrying a fixed
// sample payload and the incoming correlation id. The CLI uses them for
// `run --simulate`, and integration tests use them to drive pipelines end to
// end.
//
//	b := broker.New(broker.Config{})
//	for _, w := range mock.NewWorkers(b, mock.Options{Delay: 50 * time.Millisecond}) {
//	    b.RegisterWorker(w.ID(), w)
//	    _ = w.Start(ctx)
//	}
//
// Options.FailRole makes one role fail every message. The worker base
// retries, then reports TASK_FAILED, which exercises the coordinator's
// fast-fail path.
package mock
