package clients

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/api/util"
	"github.com/hbomb79/Hoard/internal/client"
	"github.com/labstack/echo/v4"
)

type (
	Store interface {
		CreateClient(name string, downloadFolder string) (*client.Client, string, error)
		ListClients() ([]*client.Client, error)
	}

	createRequestDto struct {
		Name           string `json:"name" validate:"required,max=64"`
		DownloadFolder string `json:"download_folder" validate:"required"`
	}

	clientDto struct {
		ID             uuid.UUID `json:"id"`
		Name           string    `json:"name"`
		DownloadFolder string    `json:"download_folder"`
		CreatedAt      time.Time `json:"created_at"`
		UpdatedAt      time.Time `json:"updated_at"`
	}

	createResponseDto struct {
		clientDto
		// APIKey is only ever revealed in the response to creation.
		APIKey string `json:"api_key"`
	}

	// Controller is the admin surface for managing clients.
	Controller struct {
		store     Store
		validator *validator.Validate
	}
)

func New(store Store) *Controller {
	return &Controller{store: store, validator: validator.New()}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.create)
	eg.GET("/", controller.list)
}

func (controller *Controller) create(ec echo.Context) error {
	var request createRequestDto
	if err := ec.Bind(&request); err != nil {
		return util.NewBadRequest("malformed_body", "Request body is not a valid client")
	}

	request.Name = strings.TrimSpace(request.Name)
	if err := controller.validator.Struct(request); err != nil {
		return util.NewBadRequest("invalid_client", err.Error())
	}
	if !filepath.IsAbs(request.DownloadFolder) {
		return util.NewBadRequest("invalid_client", "download_folder must be an absolute path")
	}

	c, apiKey, err := controller.store.CreateClient(request.Name, filepath.Clean(request.DownloadFolder))
	if err != nil {
		return util.ServiceError(err)
	}

	return ec.JSON(http.StatusCreated, createResponseDto{clientDto: clientModelToDto(c), APIKey: apiKey})
}

func (controller *Controller) list(ec echo.Context) error {
	clients, err := controller.store.ListClients()
	if err != nil {
		return util.ServiceError(err)
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(clients, clientModelToDto))
}

func clientModelToDto(model *client.Client) clientDto {
	return clientDto{
		ID:             model.ID,
		Name:           model.Name,
		DownloadFolder: model.DownloadFolder,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}
}
