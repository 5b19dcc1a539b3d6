package download

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/event"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/pkg/logger"
)

var (
	ErrForbidden       = errors.New("identity is not permitted to perform this action")
	ErrEmptyBatch      = errors.New("submission must contain at least one item")
	ErrBatchTooLarge   = errors.New("submission contains too many items")
	ErrNotCompleted    = errors.New("job has not completed")
	ErrArtifactMissing = errors.New("job artifact no longer exists")

	itemValidator = validator.New()
)

type (
	// Identity is the resolved caller of a service operation. Admin identities
	// are unrestricted, otherwise the caller is scoped to ClientID.
	Identity struct {
		Admin    bool
		ClientID uuid.UUID
	}

	SubmitItem struct {
		URL        string               `validate:"required,max=4096,url"`
		Tags       []string             `validate:"max=32,dive,required,max=64"`
		SkipFixing bool
		Override   *job.RequestOverride `validate:"omitempty"`
		Options    map[string]any
	}

	// SubmitOutcome is the result of submitting a single item. Exactly one of
	// JobID and Rejection is set.
	SubmitOutcome struct {
		JobID     *uuid.UUID
		Rejection *string
	}
)

func (id Identity) String() string {
	if id.Admin {
		return "admin"
	}

	return "client:" + id.ClientID.String()
}

// Submit validates each item in the batch independently, creating a pending
// job for every item which passes. The outcomes are returned in the same order
// as the items. A rejected item never prevents the other items from being
// accepted; only a failure to persist the accepted jobs fails the batch.
func (service *downloadService) Submit(ctx context.Context, identity Identity, items []SubmitItem) ([]SubmitOutcome, error) {
	if identity.Admin {
		return nil, fmt.Errorf("%w: admin identities cannot submit downloads", ErrForbidden)
	}
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	if service.config.MaxBatchSize > 0 && len(items) > service.config.MaxBatchSize {
		return nil, fmt.Errorf("%w (%d > %d)", ErrBatchTooLarge, len(items), service.config.MaxBatchSize)
	}

	outcomes := make([]SubmitOutcome, len(items))
	accepted := make([]*job.Job, 0, len(items))
	for i, item := range items {
		j, err := service.accept(ctx, identity, item)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			reason := err.Error()
			outcomes[i].Rejection = &reason
			log.Emit(logger.DEBUG, "Rejected submission item %d from %s: %s\n", i, identity, reason)
			continue
		}

		outcomes[i].JobID = &j.ID
		accepted = append(accepted, j)
	}

	if len(accepted) == 0 {
		return outcomes, nil
	}

	if err := service.store.InsertJobs(accepted); err != nil {
		return nil, fmt.Errorf("failed to persist submitted jobs: %w", err)
	}

	log.Emit(logger.NEW, "Accepted %d of %d submitted items from %s\n", len(accepted), len(items), identity)
	for _, j := range accepted {
		if service.eventBus != nil {
			service.eventBus.Dispatch(event.JOB_SUBMITTED, j.ID)
		}
	}
	service.wakeup()

	return outcomes, nil
}

// accept validates a single submission item, returning the job it becomes.
func (service *downloadService) accept(ctx context.Context, identity Identity, item SubmitItem) (*job.Job, error) {
	item.URL = strings.TrimSpace(item.URL)
	if err := itemValidator.Struct(item); err != nil {
		return nil, describeValidationError(err)
	}

	if err := service.validator.Validate(ctx, item.URL); err != nil {
		return nil, err
	}
	if item.Override != nil {
		if err := service.validator.ValidateOverride(ctx, item.URL, item.Override.Method, item.Override.Headers); err != nil {
			return nil, err
		}
	}

	j := &job.Job{
		ID:         uuid.New(),
		ClientID:   identity.ClientID,
		SourceURL:  item.URL,
		Tags:       item.Tags,
		SkipFixing: item.SkipFixing,
		Override:   item.Override,
		RawOptions: item.Options,
		Status:     job.Pending,
	}
	if j.Tags == nil {
		j.Tags = []string{}
	}
	if _, err := j.Options(); err != nil {
		return nil, err
	}

	return j, nil
}

// describeValidationError converts the errors produced by the validator
// package in to a single human-readable message.
func describeValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "url":
			messages = append(messages, fmt.Sprintf("%s is not a valid URL", field))
		case "max":
			messages = append(messages, fmt.Sprintf("%s exceeds maximum length of %s", field, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed '%s' validation", field, fe.Tag()))
		}
	}

	return errors.New(strings.Join(messages, "; "))
}
