package links

import (
	"context"
	"path/filepath"

	"github.com/hbomb79/Hoard/internal/api/util"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/pkg/logger"
	"github.com/labstack/echo/v4"
)

var log = logger.Get("LinksController")

type (
	Service interface {
		ResolveLink(ctx context.Context, token string) (*job.Job, error)
	}

	// Controller serves the artifacts behind public links. These routes are
	// unauthenticated: possession of a valid, unexpired token is the only
	// requirement.
	Controller struct {
		service Service
	}
)

func New(service Service) *Controller {
	return &Controller{service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/:token/", controller.download)
	eg.HEAD("/:token/", controller.download)
}

func (controller *Controller) download(ec echo.Context) error {
	j, err := controller.service.ResolveLink(ec.Request().Context(), ec.Param("token"))
	if err != nil {
		return util.ServiceError(err)
	}

	log.Emit(logger.DEBUG, "Serving %s via public link\n", j.ID)
	return ec.Attachment(*j.ResultPath, filepath.Base(*j.ResultPath))
}
