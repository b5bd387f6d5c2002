package ratekeeper

import (
	"context"
	"sync"
	"time"
)

const recordWriteTimeout = 5 * time.Second

// recordJob carries one check's follow-up writes: the usage metric,
// and for denials the audit event.
type recordJob struct {
	metric *UsageMetric
	audit  *AuditEvent
}

// recorder ships usage events to the metric store and audit sink off the
// request path. Enqueueing never blocks: when the queue is full the
// event is dropped and counted, because losing an analytics row beats
// stalling a live request. Store errors are logged and swallowed for the
// same reason.
type recorder struct {
	events  chan recordJob
	quit    chan struct{}
	store   MetricStore // may be nil
	audit   AuditSink   // may be nil
	logger  Logger
	metrics Metrics
	drain   time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newRecorder(store MetricStore, audit AuditSink, cfg RecorderConfig, logger Logger, metrics Metrics) *recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	r := &recorder{
		events:  make(chan recordJob, cfg.BufferSize),
		quit:    make(chan struct{}),
		store:   store,
		audit:   audit,
		logger:  logger,
		metrics: metrics,
		drain:   cfg.DrainTimeout,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// record enqueues a job, dropping it when the buffer is full.
func (r *recorder) record(job recordJob) {
	select {
	case r.events <- job:
	default:
		r.metrics.RecordRecorderDrop()
	}
}

// close stops the worker after draining what is already queued, bounded
// by the drain timeout.
func (r *recorder) close() {
	r.closeOnce.Do(func() {
		close(r.quit)
	})
	r.wg.Wait()
}

func (r *recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.events:
			r.process(job)
		case <-r.quit:
			deadline := time.NewTimer(r.drain)
			defer deadline.Stop()
			for {
				select {
				case job := <-r.events:
					r.process(job)
				case <-deadline.C:
					return
				default:
					return
				}
			}
		}
	}
}

// process runs with its own context: by the time a job is taken off the
// queue the originating request is long gone.
func (r *recorder) process(job recordJob) {
	ctx, cancel := context.WithTimeout(context.Background(), recordWriteTimeout)
	defer cancel()

	if job.metric != nil && r.store != nil {
		if err := r.store.InsertMetric(ctx, job.metric); err != nil {
			r.logger.Warn("usage metric write failed",
				Field{"endpoint", job.metric.Endpoint},
				Field{"error", err})
		}
	}
	if job.audit != nil && r.audit != nil {
		if err := r.audit.Log(ctx, job.audit); err != nil {
			r.logger.Warn("audit event write failed",
				Field{"event", job.audit.Event},
				Field{"error", err})
		}
	}
}
