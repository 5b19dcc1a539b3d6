package download

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/link"
	"github.com/hbomb79/Hoard/pkg/logger"
)

const maxListLimit = 200

// Job returns the job with the ID provided. Clients may only see their own
// jobs; a job belonging to another client is reported as not found.
func (service *downloadService) Job(_ context.Context, identity Identity, id uuid.UUID) (*job.Job, error) {
	if identity.Admin {
		return service.store.GetJob(id)
	}

	return service.store.GetJobForClient(identity.ClientID, id)
}

// ListJobs lists the jobs visible to the identity, newest first.
func (service *downloadService) ListJobs(_ context.Context, identity Identity, limit uint64, offset uint64) ([]*job.Job, error) {
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	if identity.Admin {
		return service.store.ListJobs(nil, limit, offset)
	}

	return service.store.ListJobs(&identity.ClientID, limit, offset)
}

// Cancel requests cancellation of a job which has not yet reached a terminal
// status. The job is terminated by its worker at the next stage boundary.
func (service *downloadService) Cancel(ctx context.Context, identity Identity, id uuid.UUID) error {
	if _, err := service.Job(ctx, identity, id); err != nil {
		return err
	}

	if err := service.store.RequestJobCancel(id); err != nil {
		return err
	}

	log.Emit(logger.INFO, "Cancellation requested for %s by %s\n", id, identity)
	return nil
}

// IssueLink mints a public link to the artifact of a completed job. The ttl is
// clamped to the configured bounds, with zero selecting the default.
func (service *downloadService) IssueLink(ctx context.Context, identity Identity, id uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	j, err := service.Job(ctx, identity, id)
	if err != nil {
		return "", time.Time{}, err
	}
	if j.Status != job.Completed {
		return "", time.Time{}, fmt.Errorf("%w: job %s is %s", ErrNotCompleted, id, j.Status)
	}

	token, expiresAt := service.signer.Issue(j.ID, link.ClampTTL(ttl, service.linkConfig.DefaultTTL(), service.linkConfig.MaxTTL()))
	return token, expiresAt, nil
}

// ResolveLink verifies the token provided and returns the completed job it
// grants access to. The artifact must still exist on disk.
func (service *downloadService) ResolveLink(_ context.Context, token string) (*job.Job, error) {
	id, err := service.signer.Verify(token)
	if err != nil {
		return nil, err
	}

	j, err := service.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.Completed || j.ResultPath == nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCompleted, id, j.Status)
	}

	if info, err := os.Stat(*j.ResultPath); err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, *j.ResultPath)
	}

	return j, nil
}
