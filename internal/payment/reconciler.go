package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	internal "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/core/datamodel/payment"
)

// ReconcileJob carries one stuck payment to a worker.
type ReconcileJob struct {
	Payment *payment.Payment
}

type reconcileWorker struct {
	ID         int
	WorkerPool chan chan ReconcileJob
	JobChannel chan ReconcileJob
	Logger     *slog.Logger
}

func newReconcileWorker(id int, workerPool chan chan ReconcileJob, logger *slog.Logger) *reconcileWorker {
	return &reconcileWorker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan ReconcileJob),
		Logger:     logger,
	}
}

func (w *reconcileWorker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(ReconcileJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {

			w.WorkerPool <- w.JobChannel

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker processing job", "worker_id", w.ID, "reference", job.Payment.Reference)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

// ReconcilerConfig tunes the background sweep over payments stuck in
// processing whose callback never arrived.
type ReconcilerConfig struct {
	Interval   time.Duration
	MinAge     time.Duration
	MaxWorkers int
	BatchLimit int
	QueueSize  int
}

// Reconciler periodically queries Daraja for payments left in processing and
// settles them through the service's compare-and-set transitions.
type Reconciler struct {
	cfg     ReconcilerConfig
	repo    RepositoryAPI
	service ServiceAPI
	logger  *slog.Logger

	jobQueue   chan ReconcileJob
	workerPool chan chan ReconcileJob
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func NewReconciler(cfg ReconcilerConfig, repo RepositoryAPI, service ServiceAPI, logger *slog.Logger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 3 * time.Minute
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.BatchLimit
	}

	return &Reconciler{
		cfg:     cfg,
		repo:    repo,
		service: service,
		logger:  logger,

		jobQueue:   make(chan ReconcileJob, cfg.QueueSize),
		workerPool: make(chan chan ReconcileJob, cfg.MaxWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker pool, the dispatcher and the sweep ticker. Safe
// to call once; subsequent calls are no-ops.
func (r *Reconciler) Start() {
	r.once.Do(func() {

		for i := 0; i < r.cfg.MaxWorkers; i++ {
			worker := newReconcileWorker(i, r.workerPool, r.logger)
			worker.Start(r.ctx, &r.wg, r.processJob)
		}

		go r.dispatch()
		go r.sweepLoop()

		r.logger.Info("payment reconciler started",
			"interval", r.cfg.Interval,
			"min_age", r.cfg.MinAge,
			"max_workers", r.cfg.MaxWorkers)
	})
}

func (r *Reconciler) dispatch() {
	r.wg.Add(1)
	defer r.wg.Done()

	for {
		select {
		case job := <-r.jobQueue:

			select {
			case jobChannel := <-r.workerPool:

				select {
				case jobChannel <- job:

				case <-r.ctx.Done():
					r.logger.Info("dispatcher shutting down")
					return
				}
			case <-r.ctx.Done():
				r.logger.Info("dispatcher shutting down")
				return
			}
		case <-r.ctx.Done():
			r.logger.Info("dispatcher shutting down")
			return
		}
	}
}

func (r *Reconciler) sweepLoop() {
	r.wg.Add(1)
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// one sweep right away so a restart does not wait a full interval
	r.Sweep()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.ctx.Done():
			r.logger.Info("sweep loop shutting down")
			return
		}
	}
}

// Sweep enqueues every payment stuck in processing older than MinAge. It
// returns the number of payments queued.
func (r *Reconciler) Sweep() int {
	cutoff := time.Now().Add(-r.cfg.MinAge)

	stuck, err := r.repo.ListStuckProcessing(cutoff, r.cfg.BatchLimit)
	if err != nil {
		r.logger.Error("sweep: failed to list stuck payments", "error", err)
		return 0
	}

	if len(stuck) == 0 {
		return 0
	}

	r.logger.Info("sweep: found stuck payments", "count", len(stuck))

	queued := 0
	for _, p := range stuck {
		select {
		case r.jobQueue <- ReconcileJob{Payment: p}:
			queued++
		case <-r.ctx.Done():
			return queued
		default:
			r.logger.Warn("sweep: job queue full, deferring to next sweep", "reference", p.Reference)
			return queued
		}
	}

	return queued
}

func (r *Reconciler) processJob(job ReconcileJob) {
	ctx, cancel := internal.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	outcome, err := r.service.ReconcileFromQuery(ctx, job.Payment)
	if err != nil {
		r.logger.Warn("reconcile failed, will retry on next sweep",
			"reference", job.Payment.Reference,
			"error", err)
		return
	}

	r.logger.Info("reconcile done",
		"reference", job.Payment.Reference,
		"outcome", string(outcome))
}

func (r *Reconciler) Shutdown() {
	r.logger.Info("shutting down payment reconciler")
	r.cancel()
	r.wg.Wait()
	r.logger.Info("payment reconciler shutdown complete")
}
