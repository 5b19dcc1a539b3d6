package job

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/database"
	"github.com/hbomb79/Hoard/pkg/logger"
	"github.com/lib/pq"
)

var (
	ErrJobNotFound       = errors.New("job does not exist")
	ErrClaimLost         = errors.New("job claim is no longer held")
	ErrIllegalTransition = errors.New("illegal job status transition")
	ErrJobTerminal       = errors.New("job has already reached a terminal status")

	log = logger.Get("JobStore")
)

const exhaustedDetail = "exceeded maximum attempts"

var jobColumns = []string{
	"id", "client_id", "source_url", "tags", "skip_fixing", "request_override", "options",
	"status", "result_path", "result_meta", "scenes", "error_detail", "staging_path",
	"attempts", "cancel_requested", "claimed_by", "lease_expires_at", "created_at", "updated_at",
}

var terminalStatuses = []string{string(Completed), string(Failed), string(Rejected)}

type (
	// jobModel mirrors the columns of the job table. The JSON columns are
	// hidden behind the public Job type so that the storage representation
	// can change without affecting consumers.
	jobModel struct {
		ID              uuid.UUID                             `db:"id"`
		ClientID        uuid.UUID                             `db:"client_id"`
		SourceURL       string                                `db:"source_url"`
		Tags            pq.StringArray                        `db:"tags"`
		SkipFixing      bool                                  `db:"skip_fixing"`
		Override        database.JsonColumn[*RequestOverride] `db:"request_override"`
		Options         database.JsonColumn[map[string]any]   `db:"options"`
		Status          Status                                `db:"status"`
		ResultPath      *string                               `db:"result_path"`
		ResultMeta      database.JsonColumn[*ResultMeta]      `db:"result_meta"`
		Scenes          database.JsonColumn[[]Scene]          `db:"scenes"`
		ErrorDetail     *string                               `db:"error_detail"`
		StagingPath     *string                               `db:"staging_path"`
		Attempts        int                                   `db:"attempts"`
		CancelRequested bool                                  `db:"cancel_requested"`
		ClaimedBy       *string                               `db:"claimed_by"`
		LeaseExpiresAt  *time.Time                            `db:"lease_expires_at"`
		CreatedAt       time.Time                             `db:"created_at"`
		UpdatedAt       time.Time                             `db:"updated_at"`
	}

	// Transition describes the changes to make to a job as it moves
	// to a new status. Nil fields are left unchanged.
	Transition struct {
		To          Status
		StagingPath *string
		ResultPath  *string
		ResultMeta  *ResultMeta
		Scenes      []Scene
		ErrorDetail *string
	}

	Store struct{}
)

// InsertBatch inserts all the jobs provided in a single statement. The ID, status
// and timestamps of each job are populated by this method.
func (store *Store) InsertBatch(db database.Queryable, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}

	builder := squirrel.
		Insert("job").
		Columns("id", "client_id", "source_url", "tags", "skip_fixing", "request_override", "options", "status", "created_at", "updated_at").
		Suffix("RETURNING id, created_at, updated_at")

	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		if job.Tags == nil {
			job.Tags = make([]string, 0)
		}
		if job.RawOptions == nil {
			job.RawOptions = make(map[string]any)
		}
		job.Status = Pending

		builder = builder.Values(
			job.ID, job.ClientID, job.SourceURL, pq.StringArray(job.Tags), job.SkipFixing,
			database.NewJsonColumn(job.Override), database.NewJsonColumn(job.RawOptions), job.Status,
			squirrel.Expr("clock_timestamp()"), squirrel.Expr("clock_timestamp()"),
		)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct insert jobs query: %w", err)
	}

	var inserted []struct {
		ID        uuid.UUID `db:"id"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := db.Select(&inserted, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to insert jobs: %w", err)
	}

	byID := make(map[uuid.UUID]*Job, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
	}
	for _, row := range inserted {
		if job, ok := byID[row.ID]; ok {
			job.CreatedAt = row.CreatedAt
			job.UpdatedAt = row.UpdatedAt
		}
	}

	log.Emit(logger.NEW, "Inserted %d jobs\n", len(jobs))
	return nil
}

func (store *Store) GetWithID(db database.Queryable, id uuid.UUID) (*Job, error) {
	query, args, err := selectJobBuilder().Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select job query: %w", err)
	}

	return store.getOne(db, query, args)
}

// GetForClient returns the job with the given ID only if it is owned by the
// client specified. A job owned by another client is reported as not found.
func (store *Store) GetForClient(db database.Queryable, clientID uuid.UUID, id uuid.UUID) (*Job, error) {
	query, args, err := selectJobBuilder().Where(squirrel.Eq{"id": id, "client_id": clientID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select job query: %w", err)
	}

	return store.getOne(db, query, args)
}

// List returns jobs, newest first. If clientID is nil then jobs
// for all clients are returned.
func (store *Store) List(db database.Queryable, clientID *uuid.UUID, limit uint64, offset uint64) ([]*Job, error) {
	builder := selectJobBuilder().OrderBy("created_at DESC", "id").Limit(limit).Offset(offset)
	if clientID != nil {
		builder = builder.Where(squirrel.Eq{"client_id": *clientID})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list jobs query: %w", err)
	}

	var results []jobModel
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	output := make([]*Job, len(results))
	for k, v := range results {
		output[k] = jobModelToJob(&v)
	}

	return output, nil
}

// Claim atomically selects the oldest non-terminal job which is either unclaimed
// or whose lease has expired, and marks it as claimed by the owner provided. Rows
// locked by a concurrent claim are skipped. Returns nil (without error) if no jobs
// are available to claim.
func (store *Store) Claim(db database.Queryable, owner string, lease time.Duration) (*Job, error) {
	query := fmt.Sprintf(`
		UPDATE job SET claimed_by = $1, lease_expires_at = current_timestamp + make_interval(secs => $2), updated_at = current_timestamp
		WHERE id = (
			SELECT id FROM job
			WHERE status NOT IN ('completed', 'failed', 'rejected')
			  AND (claimed_by IS NULL OR lease_expires_at < current_timestamp)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, strings.Join(jobColumns, ", "))

	var model jobModel
	if err := db.Get(&model, query, owner, lease.Seconds()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return jobModelToJob(&model), nil
}

// RenewLease extends the lease of a job claimed by owner.
func (store *Store) RenewLease(db database.Queryable, id uuid.UUID, owner string, lease time.Duration) error {
	err := database.ExpectOneRow(db.Exec(`
		UPDATE job SET lease_expires_at = current_timestamp + make_interval(secs => $3)
		WHERE id = $1 AND claimed_by = $2
	`, id, owner, lease.Seconds()))
	if errors.Is(err, database.ErrNoRowsAffected) {
		return ErrClaimLost
	}

	return err
}

// Release drops the owners claim on the job, leaving its status as is
// so that it may be claimed again later.
func (store *Store) Release(db database.Queryable, id uuid.UUID, owner string) error {
	_, err := db.Exec(`
		UPDATE job SET claimed_by = NULL, lease_expires_at = NULL, updated_at = current_timestamp
		WHERE id = $1 AND claimed_by = $2
	`, id, owner)
	return err
}

// Transition moves a job from one status to another. The update only succeeds if
// the job is still claimed by owner AND is still in the status 'from', otherwise
// ErrClaimLost is returned. Transitions to a terminal status release the claim
// and clear the staging path.
func (store *Store) Transition(db database.Queryable, id uuid.UUID, owner string, from Status, transition Transition) (*Job, error) {
	if !from.CanTransitionTo(transition.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, transition.To)
	}

	builder := squirrel.
		Update("job").
		Set("status", transition.To).
		Set("updated_at", squirrel.Expr("current_timestamp")).
		Where(squirrel.Eq{"id": id, "claimed_by": owner, "status": from}).
		Suffix("RETURNING " + strings.Join(jobColumns, ", "))

	if transition.StagingPath != nil {
		builder = builder.Set("staging_path", *transition.StagingPath)
	}
	if transition.ResultPath != nil {
		builder = builder.Set("result_path", *transition.ResultPath)
	}
	if transition.ResultMeta != nil {
		builder = builder.Set("result_meta", database.NewJsonColumn(transition.ResultMeta))
	}
	if transition.Scenes != nil {
		builder = builder.Set("scenes", database.NewJsonColumn(transition.Scenes))
	}
	if transition.ErrorDetail != nil {
		builder = builder.Set("error_detail", *transition.ErrorDetail)
	}
	if transition.To.IsTerminal() {
		builder = builder.
			Set("staging_path", nil).
			Set("claimed_by", nil).
			Set("lease_expires_at", nil)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct job transition query: %w", err)
	}

	var model jobModel
	if err := db.Get(&model, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClaimLost
		}

		return nil, fmt.Errorf("failed to transition job %s to %s: %w", id, transition.To, err)
	}

	log.Emit(logger.DEBUG, "Job %s transitioned %s -> %s\n", id, from, transition.To)
	return jobModelToJob(&model), nil
}

// IncrementAttempts records an additional attempt against a claimed job.
func (store *Store) IncrementAttempts(db database.Queryable, id uuid.UUID, owner string) error {
	err := database.ExpectOneRow(db.Exec(`
		UPDATE job SET attempts = attempts + 1, updated_at = current_timestamp
		WHERE id = $1 AND claimed_by = $2
	`, id, owner))
	if errors.Is(err, database.ErrNoRowsAffected) {
		return ErrClaimLost
	}

	return err
}

// RequestCancel flags a non-terminal job for cancellation. The job will be
// terminated by its worker at the next stage boundary.
func (store *Store) RequestCancel(db database.Queryable, id uuid.UUID) error {
	query, args, err := squirrel.
		Update("job").
		Set("cancel_requested", true).
		Set("updated_at", squirrel.Expr("current_timestamp")).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.NotEq{"status": terminalStatuses}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct cancel job query: %w", err)
	}

	err = database.ExpectOneRow(db.Exec(db.Rebind(query), args...))
	if errors.Is(err, database.ErrNoRowsAffected) {
		return ErrJobTerminal
	}

	return err
}

// ReleaseOrphaned clears every claim held on a non-terminal job. It is intended
// to be called once at startup, before any workers have begun claiming jobs, at
// which point every existing claim must belong to a previous process. Each
// released job has its attempt count incremented.
func (store *Store) ReleaseOrphaned(db database.Queryable) (int64, error) {
	query, args, err := squirrel.
		Update("job").
		Set("claimed_by", nil).
		Set("lease_expires_at", nil).
		Set("attempts", squirrel.Expr("attempts + 1")).
		Set("updated_at", squirrel.Expr("current_timestamp")).
		Where(squirrel.NotEq{"claimed_by": nil}).
		Where(squirrel.NotEq{"status": terminalStatuses}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to construct release orphaned query: %w", err)
	}

	return rowsAffected(db.Exec(db.Rebind(query), args...))
}

// FailExhausted fails every unclaimed, non-terminal job which has been attempted
// more than maxAttempts times.
func (store *Store) FailExhausted(db database.Queryable, maxAttempts int) (int64, error) {
	query, args, err := squirrel.
		Update("job").
		Set("status", Failed).
		Set("error_detail", exhaustedDetail).
		Set("staging_path", nil).
		Set("updated_at", squirrel.Expr("current_timestamp")).
		Where(squirrel.Eq{"claimed_by": nil}).
		Where(squirrel.Gt{"attempts": maxAttempts}).
		Where(squirrel.NotEq{"status": terminalStatuses}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to construct fail exhausted query: %w", err)
	}

	return rowsAffected(db.Exec(db.Rebind(query), args...))
}

func (store *Store) getOne(db database.Queryable, query string, args []any) (*Job, error) {
	var model jobModel
	if err := db.Get(&model, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}

		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return jobModelToJob(&model), nil
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func selectJobBuilder() squirrel.SelectBuilder {
	return squirrel.Select(jobColumns...).From("job")
}

func jobModelToJob(model *jobModel) *Job {
	tags := []string(model.Tags)
	if tags == nil {
		tags = make([]string, 0)
	}

	return &Job{
		ID:              model.ID,
		ClientID:        model.ClientID,
		SourceURL:       model.SourceURL,
		Tags:            tags,
		SkipFixing:      model.SkipFixing,
		Override:        *model.Override.Get(),
		RawOptions:      *model.Options.Get(),
		Status:          model.Status,
		ResultPath:      model.ResultPath,
		ResultMeta:      *model.ResultMeta.Get(),
		Scenes:          *model.Scenes.Get(),
		ErrorDetail:     model.ErrorDetail,
		StagingPath:     model.StagingPath,
		Attempts:        model.Attempts,
		CancelRequested: model.CancelRequested,
		ClaimedBy:       model.ClaimedBy,
		LeaseExpiresAt:  model.LeaseExpiresAt,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}
