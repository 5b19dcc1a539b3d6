// Package pipeline contains the state machine which drives a single download
// job from submission through to a terminal status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/client"
	"github.com/hbomb79/Hoard/internal/fetch"
	"github.com/hbomb79/Hoard/internal/fix"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/pkg/logger"
)

const cancelledDetail = "cancelled by request"

var log = logger.Get("Pipeline")

type (
	// Store is the subset of the data orchestrator required to advance jobs.
	Store interface {
		GetJob(id uuid.UUID) (*job.Job, error)
		GetClient(id uuid.UUID) (*client.Client, error)
		TransitionJob(id uuid.UUID, owner string, from job.Status, transition job.Transition) (*job.Job, error)
		IncrementJobAttempts(id uuid.UUID, owner string) error
	}

	Validator interface {
		Validate(ctx context.Context, rawURL string) error
		ValidateOverride(ctx context.Context, rawURL string, method string, headers map[string]string) error
	}

	Fetcher interface {
		Fetch(ctx context.Context, j *job.Job, dir string) (*fetch.Result, error)
	}

	Fixer interface {
		Fix(ctx context.Context, path string, opts job.Options) (*fix.Result, error)
	}

	Config struct {
		// StagingDir is the directory under which each job is given its own
		// working directory while it is fetched and fixed.
		StagingDir string `yaml:"staging_dir" env:"STAGING_DIR" env-default:"~/.cache/hoard/staging"`
	}

	// Orchestrator advances jobs one stage at a time. Each stage performs its
	// work and then records the transition to the next status using a
	// compare-and-set against the job's claim, so a job whose claim has been
	// lost can never be moved forward by a stale worker.
	Orchestrator struct {
		config    Config
		store     Store
		validator Validator
		fetcher   Fetcher
		fixer     Fixer
		policy    retry.Policy
	}
)

func New(config Config, store Store, validator Validator, fetcher Fetcher, fixer Fixer, policy retry.Policy) *Orchestrator {
	return &Orchestrator{
		config:    config,
		store:     store,
		validator: validator,
		fetcher:   fetcher,
		fixer:     fixer,
		policy:    policy,
	}
}

// Advance executes the stage of the pipeline corresponding to the jobs current
// status, returning the job as it stands after the resulting transition.
//
// The job is reloaded before any work begins so that cancellation requests
// made since it was last read are honoured at this stage boundary. If ctx is
// cancelled part-way through a stage, the context error is returned and the
// job is left in its current status for a later attempt.
func (orch *Orchestrator) Advance(ctx context.Context, owner string, j *job.Job) (*job.Job, error) {
	current, err := orch.store.GetJob(j.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}
	if current.ClaimedBy == nil || *current.ClaimedBy != owner {
		return nil, job.ErrClaimLost
	}

	if current.CancelRequested {
		log.Emit(logger.WARNING, "Job %s cancelled at %s\n", current.ID, current.Status)
		return orch.terminate(current, owner, job.Failed, cancelledDetail)
	}

	switch current.Status {
	case job.Pending:
		return orch.store.TransitionJob(current.ID, owner, job.Pending, job.Transition{To: job.Validating})
	case job.Validating:
		return orch.validate(ctx, owner, current)
	case job.Fetching:
		return orch.fetch(ctx, owner, current)
	case job.Fixing:
		return orch.fix(ctx, owner, current)
	case job.Persisting:
		return orch.persist(ctx, owner, current)
	}

	return nil, fmt.Errorf("job %s has unexpected status %s", current.ID, current.Status)
}

func (orch *Orchestrator) validate(ctx context.Context, owner string, j *job.Job) (*job.Job, error) {
	err := orch.validator.Validate(ctx, j.SourceURL)
	if err == nil && j.Override != nil {
		err = orch.validator.ValidateOverride(ctx, j.SourceURL, j.Override.Method, j.Override.Headers)
	}
	if err == nil {
		_, err = j.Options()
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return orch.terminate(j, owner, job.Rejected, err.Error())
	}

	return orch.store.TransitionJob(j.ID, owner, job.Validating, job.Transition{To: job.Fetching})
}

func (orch *Orchestrator) fetch(ctx context.Context, owner string, j *job.Job) (*job.Job, error) {
	var result *fetch.Result
	err := orch.withRetry(ctx, owner, j, func() (err error) {
		result, err = orch.fetcher.Fetch(ctx, j, orch.stagingDir(j.ID))
		return err
	})
	if err != nil {
		return orch.fail(ctx, owner, j, err)
	}

	next := job.Fixing
	if j.SkipFixing {
		next = job.Persisting
	}

	log.Emit(logger.INFO, "Fetched %s using %s strategy\n", j, result.Strategy)
	return orch.store.TransitionJob(j.ID, owner, job.Fetching, job.Transition{
		To:          next,
		StagingPath: &result.Path,
		ResultMeta:  &job.ResultMeta{Strategy: result.Strategy.String()},
	})
}

func (orch *Orchestrator) fix(ctx context.Context, owner string, j *job.Job) (*job.Job, error) {
	if j.StagingPath == nil {
		return orch.terminate(j, owner, job.Failed, "no staged artifact to fix")
	}

	opts, err := j.Options()
	if err != nil {
		return orch.terminate(j, owner, job.Rejected, err.Error())
	}

	var result *fix.Result
	err = orch.withRetry(ctx, owner, j, func() (err error) {
		result, err = orch.fixer.Fix(ctx, *j.StagingPath, opts)
		return err
	})
	if err != nil {
		return orch.fail(ctx, owner, j, err)
	}

	meta := resultMeta(j)
	meta.MimeType = result.MimeType
	meta.Extension = result.Extension
	meta.Converted = result.Converted
	if p := result.Probe; p != nil {
		meta.Container, meta.VideoCodec, meta.AudioCodec = p.Container, p.VideoCodec, p.AudioCodec
		meta.Width, meta.Height, meta.Duration = p.Width, p.Height, p.Duration
	}

	updated, err := orch.store.TransitionJob(j.ID, owner, job.Fixing, job.Transition{
		To:          job.Persisting,
		StagingPath: &result.Path,
		ResultMeta:  meta,
		Scenes:      result.Scenes,
	})
	if err != nil {
		return nil, err
	}

	// The fetched artifact is only needed until the fixed one is recorded
	orch.pruneStaging(j.ID, result.Path)
	return updated, nil
}

func (orch *Orchestrator) persist(ctx context.Context, owner string, j *job.Job) (*job.Job, error) {
	if j.StagingPath == nil {
		return orch.terminate(j, owner, job.Failed, "no staged artifact to persist")
	}

	var artifact *persisted
	err := orch.withRetry(ctx, owner, j, func() error {
		owningClient, err := orch.store.GetClient(j.ClientID)
		if err != nil {
			return retry.Storage(fmt.Errorf("failed to load owning client: %w", err))
		}

		artifact, err = persistArtifact(*j.StagingPath, owningClient.DownloadFolder, j.ID)
		return err
	})
	if err != nil {
		return orch.fail(ctx, owner, j, err)
	}

	meta := resultMeta(j)
	meta.Size = artifact.size
	meta.Digest = artifact.digest
	if meta.MimeType == "" {
		meta.MimeType = artifact.mime
	}
	if meta.Extension == "" {
		meta.Extension = filepath.Ext(artifact.path)
	}

	updated, err := orch.store.TransitionJob(j.ID, owner, job.Persisting, job.Transition{
		To:         job.Completed,
		ResultPath: &artifact.path,
		ResultMeta: meta,
	})
	if err != nil {
		return nil, err
	}

	orch.cleanStaging(j.ID)
	log.Emit(logger.SUCCESS, "Job %s completed: %s\n", j.ID, artifact.path)
	return updated, nil
}

// withRetry runs the operation under the retry policy, recording an attempt
// against the job for each retry.
func (orch *Orchestrator) withRetry(ctx context.Context, owner string, j *job.Job, op func() error) error {
	return orch.policy.Do(ctx, op, func(err error, wait time.Duration) {
		log.Emit(logger.WARNING, "Job %s failed at %s (%s), retrying in %s: %v\n", j.ID, j.Status, retry.KindOf(err), wait, err)
		if err := orch.store.IncrementJobAttempts(j.ID, owner); err != nil {
			log.Emit(logger.ERROR, "Failed to record attempt for job %s: %v\n", j.ID, err)
		}
	})
}

// fail terminates the job based on the classification of err. If the failure
// was caused by ctx being cancelled, the job is left untouched and the context
// error is returned instead.
func (orch *Orchestrator) fail(ctx context.Context, owner string, j *job.Job, err error) (*job.Job, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	status := job.Failed
	if retry.KindOf(err) == retry.ValidationRejected {
		status = job.Rejected
	}

	log.Emit(logger.ERROR, "Job %s failed at %s (%s): %v\n", j.ID, j.Status, retry.KindOf(err), err)
	return orch.terminate(j, owner, status, err.Error())
}

func (orch *Orchestrator) terminate(j *job.Job, owner string, status job.Status, detail string) (*job.Job, error) {
	updated, err := orch.store.TransitionJob(j.ID, owner, j.Status, job.Transition{To: status, ErrorDetail: &detail})
	if err != nil {
		return nil, err
	}

	orch.cleanStaging(j.ID)
	return updated, nil
}

func (orch *Orchestrator) stagingDir(id uuid.UUID) string {
	return filepath.Join(orch.config.StagingDir, id.String())
}

func (orch *Orchestrator) cleanStaging(id uuid.UUID) {
	if err := os.RemoveAll(orch.stagingDir(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Emit(logger.WARNING, "Failed to clean staging directory for job %s: %v\n", id, err)
	}
}

// pruneStaging removes everything in the job's staging directory except the
// artifact at keep.
func (orch *Orchestrator) pruneStaging(id uuid.UUID, keep string) {
	dir := orch.stagingDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to read staging directory for job %s: %v\n", id, err)
		}
		return
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if path == filepath.Clean(keep) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			log.Emit(logger.WARNING, "Failed to prune %s from staging for job %s: %v\n", path, id, err)
		}
	}
}

func resultMeta(j *job.Job) *job.ResultMeta {
	if j.ResultMeta == nil {
		return &job.ResultMeta{}
	}

	meta := *j.ResultMeta
	return &meta
}
