// Package download exposes the download pipeline to the outside world: batch
// submission, status queries, cancellation and public links. It also owns the
// worker pool which claims jobs from the job table and drives them through
// the pipeline.
package download

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/event"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/link"
	"github.com/hbomb79/Hoard/pkg/logger"
	"github.com/hbomb79/Hoard/pkg/sync"
	"github.com/hbomb79/Hoard/pkg/worker"
	"github.com/labstack/gommon/random"
)

var log = logger.Get("DownloadServ")

type (
	// Store is the subset of the data orchestrator used by the download service.
	Store interface {
		InsertJobs(jobs []*job.Job) error
		GetJob(id uuid.UUID) (*job.Job, error)
		GetJobForClient(clientID uuid.UUID, id uuid.UUID) (*job.Job, error)
		ListJobs(clientID *uuid.UUID, limit uint64, offset uint64) ([]*job.Job, error)
		ClaimJob(owner string, lease time.Duration) (*job.Job, error)
		RenewJobLease(id uuid.UUID, owner string, lease time.Duration) error
		ReleaseJob(id uuid.UUID, owner string) error
		IncrementJobAttempts(id uuid.UUID, owner string) error
		TransitionJob(id uuid.UUID, owner string, from job.Status, transition job.Transition) (*job.Job, error)
		RequestJobCancel(id uuid.UUID) error
		ReconcileJobs(maxAttempts int) (int64, int64, error)
	}

	// Advancer executes a single stage of the pipeline for a job.
	Advancer interface {
		Advance(ctx context.Context, owner string, j *job.Job) (*job.Job, error)
	}

	Validator interface {
		Validate(ctx context.Context, rawURL string) error
		ValidateOverride(ctx context.Context, rawURL string, method string, headers map[string]string) error
	}

	// downloadService accepts download submissions and processes them using a
	// pool of workers. The job table is the queue: workers claim jobs from it
	// exclusively, so pending work survives a restart of the service.
	downloadService struct {
		config     Config
		store      Store
		advancer   Advancer
		validator  Validator
		signer     *link.Signer
		linkConfig link.Config
		eventBus   event.EventDispatcher

		instance   string
		workerPool *worker.WorkerPool
		inFlight   sync.TypedSyncMap[uuid.UUID, string]
		ctx        context.Context
		ready      chan struct{}
	}
)

func New(config Config, store Store, advancer Advancer, validator Validator, signer *link.Signer, linkConfig link.Config, eventBus event.EventDispatcher) (*downloadService, error) {
	if config.Concurrency <= 0 {
		return nil, fmt.Errorf("download concurrency must be positive (got %d)", config.Concurrency)
	}
	if config.LeaseSeconds <= 0 {
		return nil, fmt.Errorf("download lease must be positive (got %d)", config.LeaseSeconds)
	}
	if config.PollSeconds <= 0 {
		return nil, fmt.Errorf("download poll interval must be positive (got %d)", config.PollSeconds)
	}

	service := &downloadService{
		config:     config,
		store:      store,
		advancer:   advancer,
		validator:  validator,
		signer:     signer,
		linkConfig: linkConfig,
		eventBus:   eventBus,
		instance:   random.String(8, random.Lowercase, random.Numeric),
		workerPool: worker.NewWorkerPool(),
		ready:      make(chan struct{}),
	}

	for i := 0; i < config.Concurrency; i++ {
		label := fmt.Sprintf("download-worker-%d", i)
		if err := service.workerPool.PushWorker(worker.NewWorker(label, service.work)); err != nil {
			return nil, err
		}
	}

	return service, nil
}

// Run is the main entry point of this service. Orphaned claims from a previous
// process are reconciled before the worker pool is started. The workers are
// woken periodically to pick up any jobs they have not been told about, and
// the leases of every in-flight job are renewed on a heartbeat.
// To stop the service, the calling code should cancel the context provided;
// Run returns once every worker has exited.
func (service *downloadService) Run(ctx context.Context) error {
	released, failed, err := service.store.ReconcileJobs(service.config.MaxJobAttempts)
	if err != nil {
		return fmt.Errorf("failed to reconcile jobs: %w", err)
	}
	if released > 0 || failed > 0 {
		log.Emit(logger.WARNING, "Reconciled jobs from previous run: %d claims released, %d jobs exhausted\n", released, failed)
	}

	service.ctx = ctx
	if err := service.workerPool.Start(); err != nil {
		return err
	}
	close(service.ready)
	defer service.workerPool.Close()

	pollTicker := time.NewTicker(service.config.PollInterval())
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(service.config.Lease() / 3)
	defer heartbeatTicker.Stop()

	service.wakeup()
	for {
		select {
		case <-pollTicker.C:
			service.wakeup()
		case <-heartbeatTicker.C:
			service.renewLeases()
		case <-ctx.Done():
			log.Emit(logger.STOP, "Download service shutting down, waiting for workers...\n")
			return nil
		}
	}
}

// work is the worker task for the download service. It claims a single job
// and drives it to a terminal status, returning true if a job was claimed.
func (service *downloadService) work(w worker.Worker) (bool, error) {
	ctx := service.ctx
	if ctx.Err() != nil {
		return false, nil
	}

	owner := service.owner(w)
	claimed, err := service.store.ClaimJob(owner, service.config.Lease())
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if claimed == nil {
		return false, nil
	}

	service.inFlight.Store(claimed.ID, owner)
	defer service.inFlight.Delete(claimed.ID)

	log.Emit(logger.DEBUG, "Worker %s claimed %s\n", w.Label(), claimed)
	service.drive(ctx, owner, claimed)
	return true, nil
}

// drive advances the job until it reaches a terminal status, the claim is lost,
// or the service is shutting down (in which case the claim is released).
func (service *downloadService) drive(ctx context.Context, owner string, j *job.Job) {
	for !j.Status.IsTerminal() {
		next, err := service.advance(ctx, owner, j)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				log.Emit(logger.INFO, "Releasing %s at %s for shutdown\n", j.ID, j.Status)
				service.release(j.ID, owner)
			case errors.Is(err, job.ErrClaimLost):
				log.Emit(logger.WARNING, "Claim on %s lost at %s\n", j.ID, j.Status)
			default:
				log.Emit(logger.ERROR, "Failed to advance %s at %s: %v\n", j.ID, j.Status, err)
				service.abandon(j, owner)
			}

			return
		}

		j = next
		service.dispatch(j)
	}
}

// advance runs a single stage of the pipeline, recovering from any panic. A
// panicking job is failed so that it is not picked up again.
func (service *downloadService) advance(ctx context.Context, owner string, j *job.Job) (next *job.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Emit(logger.FATAL, "Panic while advancing %s at %s: %v\n%s\n", j.ID, j.Status, r, debug.Stack())

			detail := fmt.Sprintf("internal error while %s: %v", j.Status, r)
			next, err = service.store.TransitionJob(j.ID, owner, j.Status, job.Transition{To: job.Failed, ErrorDetail: &detail})
		}
	}()

	return service.advancer.Advance(ctx, owner, j)
}

// abandon records a failed attempt against the job before releasing it. Once
// the job has used up its attempts it is failed instead, so that a job which
// can never be advanced is not claimed over and over.
func (service *downloadService) abandon(j *job.Job, owner string) {
	if err := service.store.IncrementJobAttempts(j.ID, owner); err != nil {
		log.Emit(logger.ERROR, "Failed to record attempt for %s: %v\n", j.ID, err)
		service.release(j.ID, owner)
		return
	}

	current, err := service.store.GetJob(j.ID)
	if err != nil || current.Attempts <= service.config.MaxJobAttempts {
		service.release(j.ID, owner)
		return
	}

	detail := "exceeded maximum attempts"
	failed, err := service.store.TransitionJob(j.ID, owner, current.Status, job.Transition{To: job.Failed, ErrorDetail: &detail})
	if err != nil {
		log.Emit(logger.ERROR, "Failed to fail exhausted job %s: %v\n", j.ID, err)
		service.release(j.ID, owner)
		return
	}

	log.Emit(logger.WARNING, "Job %s failed after %d attempts\n", j.ID, current.Attempts)
	service.dispatch(failed)
}

func (service *downloadService) release(id uuid.UUID, owner string) {
	if err := service.store.ReleaseJob(id, owner); err != nil {
		log.Emit(logger.ERROR, "Failed to release claim on %s: %v\n", id, err)
	}
}

// renewLeases extends the lease of every job currently being worked on by
// this service.
func (service *downloadService) renewLeases() {
	if service.inFlight.Len() == 0 {
		return
	}

	log.Emit(logger.DEBUG, "Renewing leases on %d in-flight jobs\n", service.inFlight.Len())
	service.inFlight.Range(func(id uuid.UUID, owner string) bool {
		if err := service.store.RenewJobLease(id, owner, service.config.Lease()); err != nil {
			log.Emit(logger.WARNING, "Failed to renew lease on %s: %v\n", id, err)
		}

		return true
	})
}

func (service *downloadService) wakeup() {
	if err := service.workerPool.WakeupWorkers(); err != nil {
		log.Emit(logger.DEBUG, "Unable to wake workers: %v\n", err)
	}
}

func (service *downloadService) dispatch(j *job.Job) {
	if service.eventBus == nil {
		return
	}

	switch j.Status {
	case job.Completed:
		service.eventBus.Dispatch(event.JOB_COMPLETE, j.ID)
	case job.Failed, job.Rejected:
		service.eventBus.Dispatch(event.JOB_FAILED, j.ID)
	default:
		service.eventBus.Dispatch(event.JOB_UPDATE, j.ID)
	}
}

// owner returns the claim owner used by the worker provided. Owners are unique
// to this process so that claims made by a previous process are never mistaken
// for our own.
func (service *downloadService) owner(w worker.Worker) string {
	return fmt.Sprintf("%s/%s", service.instance, w.Label())
}

// Ready returns a channel which is closed once the service has reconciled the
// job table and started its workers.
func (service *downloadService) Ready() <-chan struct{} {
	return service.ready
}
