package downloads

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/api/auth"
	"github.com/hbomb79/Hoard/internal/api/util"
	"github.com/hbomb79/Hoard/internal/download"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/labstack/echo/v4"
)

type (
	Service interface {
		Submit(ctx context.Context, identity download.Identity, items []download.SubmitItem) ([]download.SubmitOutcome, error)
		Job(ctx context.Context, identity download.Identity, id uuid.UUID) (*job.Job, error)
		ListJobs(ctx context.Context, identity download.Identity, limit uint64, offset uint64) ([]*job.Job, error)
		Cancel(ctx context.Context, identity download.Identity, id uuid.UUID) error
		IssueLink(ctx context.Context, identity download.Identity, id uuid.UUID, ttl time.Duration) (string, time.Time, error)
	}

	// Controller exposes the download service to clients. Every route
	// requires an identity, which the auth middleware attaches before the
	// handlers run.
	Controller struct {
		service  Service
		linkRoot string
	}
)

// New creates a downloads controller. The linkRoot is the path (relative to
// the host) at which public links are resolved, and is used to build the URL
// returned when a link is issued.
func New(service Service, linkRoot string) *Controller {
	return &Controller{service: service, linkRoot: linkRoot}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.submit)
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.cancel)
	eg.POST("/:id/link/", controller.issueLink)
}

// submit accepts a batch of download requests. The response contains one
// outcome per submitted item, in the order they were provided. Items which
// fail validation are reported in their outcome and do not fail the request.
func (controller *Controller) submit(ec echo.Context) error {
	identity, err := auth.IdentityFromContext(ec)
	if err != nil {
		return err
	}

	var request submitRequestDto
	if err := ec.Bind(&request); err != nil {
		return util.NewBadRequest("malformed_body", "Request body is not a valid download submission")
	}

	outcomes, err := controller.service.Submit(ec.Request().Context(), identity, util.ApplyConversion(request.Items, submitItemDtoToModel))
	if err != nil {
		return util.ServiceError(err)
	}

	return ec.JSON(http.StatusOK, submitResponseDto{Outcomes: util.ApplyConversion(outcomes, submitOutcomeModelToDto)})
}

// list returns the downloads visible to the caller, newest first. The
// 'limit' and 'offset' query parameters page through the results.
func (controller *Controller) list(ec echo.Context) error {
	identity, err := auth.IdentityFromContext(ec)
	if err != nil {
		return err
	}

	var limit, offset uint64
	if err := echo.QueryParamsBinder(ec).Uint64("limit", &limit).Uint64("offset", &offset).BindError(); err != nil {
		return util.NewBadRequest("invalid_pagination", "Pagination parameters must be non-negative integers")
	}

	jobs, err := controller.service.ListJobs(ec.Request().Context(), identity, limit, offset)
	if err != nil {
		return util.ServiceError(err)
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(jobs, NewDto))
}

func (controller *Controller) get(ec echo.Context) error {
	identity, id, err := identityAndJobID(ec)
	if err != nil {
		return err
	}

	j, err := controller.service.Job(ec.Request().Context(), identity, id)
	if err != nil {
		return util.ServiceError(err)
	}

	return ec.JSON(http.StatusOK, NewDto(j))
}

// cancel requests cancellation of an in-progress download. The download is
// stopped by its worker at the next stage boundary, so the response does
// not indicate that the download has already stopped.
func (controller *Controller) cancel(ec echo.Context) error {
	identity, id, err := identityAndJobID(ec)
	if err != nil {
		return err
	}

	if err := controller.service.Cancel(ec.Request().Context(), identity, id); err != nil {
		return util.ServiceError(err)
	}

	return ec.NoContent(http.StatusAccepted)
}

// issueLink mints a public, time-limited link to a completed download. A
// missing or zero ttl selects the default lifetime.
func (controller *Controller) issueLink(ec echo.Context) error {
	identity, id, err := identityAndJobID(ec)
	if err != nil {
		return err
	}

	var request linkRequestDto
	if ec.Request().ContentLength != 0 {
		if err := ec.Bind(&request); err != nil {
			return util.NewBadRequest("malformed_body", "Request body is not a valid link request")
		}
	}
	if request.TTLSeconds < 0 {
		return util.NewBadRequest("invalid_ttl", "Link ttl must not be negative")
	}

	token, expiresAt, err := controller.service.IssueLink(ec.Request().Context(), identity, id, time.Duration(request.TTLSeconds)*time.Second)
	if err != nil {
		return util.ServiceError(err)
	}

	return ec.JSON(http.StatusCreated, linkResponseDto{
		Token:     token,
		URL:       fmt.Sprintf("%s://%s%s/%s/", ec.Scheme(), ec.Request().Host, controller.linkRoot, token),
		ExpiresAt: expiresAt,
	})
}

func identityAndJobID(ec echo.Context) (download.Identity, uuid.UUID, error) {
	identity, err := auth.IdentityFromContext(ec)
	if err != nil {
		return identity, uuid.Nil, err
	}

	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return identity, uuid.Nil, util.NewBadRequest("invalid_id", fmt.Sprintf("'%s' is not a valid download ID", ec.Param("id")))
	}

	return identity, id, nil
}
