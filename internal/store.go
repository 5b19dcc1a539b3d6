package internal

import (
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/client"
	"github.com/hbomb79/Hoard/internal/database"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/jmoiron/sqlx"
)

type (
	// dataOrchestrator is responsible for managing all of Hoard's persisted
	// resources. The stores below this layer are 'dumb' and accept the
	// database connection as an argument; this layer binds them to the
	// managed connection and takes care of any work spanning multiple stores.
	//
	// Consumers may access the stores directly, however in doing so they
	// take on the responsibility of transactional correctness.
	dataOrchestrator struct {
		db          database.Manager
		ClientStore *client.Store
		JobStore    *job.Store
	}
)

func NewDataOrchestrator(db database.Manager, apiKeyDigestKey []byte) (*dataOrchestrator, error) {
	if db.GetSqlxDb() == nil {
		return nil, database.ErrNotConnected
	}

	return &dataOrchestrator{
		db:          db,
		ClientStore: client.NewStore(apiKeyDigestKey),
		JobStore:    &job.Store{},
	}, nil
}

func (orch *dataOrchestrator) conn() *sqlx.DB { return orch.db.GetSqlxDb() }

// CreateClient inserts a new client, returning the raw API key which is
// only available at this time.
func (orch *dataOrchestrator) CreateClient(name string, downloadFolder string) (*client.Client, string, error) {
	return orch.ClientStore.Create(orch.conn(), name, downloadFolder)
}

func (orch *dataOrchestrator) GetClient(id uuid.UUID) (*client.Client, error) {
	return orch.ClientStore.GetWithID(orch.conn(), id)
}

func (orch *dataOrchestrator) GetClientWithAPIKey(apiKey string) (*client.Client, error) {
	return orch.ClientStore.GetWithAPIKey(orch.conn(), apiKey)
}

func (orch *dataOrchestrator) ListClients() ([]*client.Client, error) {
	return orch.ClientStore.List(orch.conn())
}

// InsertJobs inserts all the jobs provided inside of a single transaction. If
// any insert fails, none of the jobs are persisted.
func (orch *dataOrchestrator) InsertJobs(jobs []*job.Job) error {
	return orch.db.WrapTx(func(tx *sqlx.Tx) error {
		return orch.JobStore.InsertBatch(tx, jobs)
	})
}

func (orch *dataOrchestrator) GetJob(id uuid.UUID) (*job.Job, error) {
	return orch.JobStore.GetWithID(orch.conn(), id)
}

func (orch *dataOrchestrator) GetJobForClient(clientID uuid.UUID, id uuid.UUID) (*job.Job, error) {
	return orch.JobStore.GetForClient(orch.conn(), clientID, id)
}

// ListJobs lists jobs, newest first. A nil clientID lists the jobs of all clients.
func (orch *dataOrchestrator) ListJobs(clientID *uuid.UUID, limit uint64, offset uint64) ([]*job.Job, error) {
	return orch.JobStore.List(orch.conn(), clientID, limit, offset)
}

func (orch *dataOrchestrator) ClaimJob(owner string, lease time.Duration) (*job.Job, error) {
	return orch.JobStore.Claim(orch.conn(), owner, lease)
}

func (orch *dataOrchestrator) RenewJobLease(id uuid.UUID, owner string, lease time.Duration) error {
	return orch.JobStore.RenewLease(orch.conn(), id, owner, lease)
}

func (orch *dataOrchestrator) ReleaseJob(id uuid.UUID, owner string) error {
	return orch.JobStore.Release(orch.conn(), id, owner)
}

func (orch *dataOrchestrator) TransitionJob(id uuid.UUID, owner string, from job.Status, transition job.Transition) (*job.Job, error) {
	return orch.JobStore.Transition(orch.conn(), id, owner, from, transition)
}

func (orch *dataOrchestrator) IncrementJobAttempts(id uuid.UUID, owner string) error {
	return orch.JobStore.IncrementAttempts(orch.conn(), id, owner)
}

func (orch *dataOrchestrator) RequestJobCancel(id uuid.UUID) error {
	return orch.JobStore.RequestCancel(orch.conn(), id)
}

// ReconcileJobs prepares the job table for a freshly started worker pool. Any
// claims left behind by a previous process are released, and jobs which have
// now exhausted their attempts are failed. Both steps share a transaction.
func (orch *dataOrchestrator) ReconcileJobs(maxAttempts int) (released int64, failed int64, err error) {
	err = orch.db.WrapTx(func(tx *sqlx.Tx) error {
		if released, err = orch.JobStore.ReleaseOrphaned(tx); err != nil {
			return err
		}

		failed, err = orch.JobStore.FailExhausted(tx, maxAttempts)
		return err
	})

	return released, failed, err
}
