package util

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hbomb79/Hoard/internal/client"
	"github.com/hbomb79/Hoard/internal/download"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/link"
	"github.com/hbomb79/Hoard/pkg/logger"
	"github.com/labstack/echo/v4"
)

type APIError struct {
	// Human readable error display message
	Message string `json:"message"`

	// A machine readable and stable identifier for the error case being represented
	Code string `json:"code"`

	// Used to alter the HTTP response status in accordance with the error
	Status int `json:"-"`

	// Additional message for internal logging only. Will not be included in the message
	// sent to the user.
	InternalMessage string `json:"-"`
}

// Error satisifies the Go error interface and simply exposes the
// message contained by this APIError.
func (err APIError) Error() string {
	return fmt.Sprintf("api error: %s", err.Message)
}

var (
	ErrAPIUnauthorized = APIError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Missing or invalid API key"}
	ErrAPIForbidden    = APIError{Status: http.StatusForbidden, Code: "forbidden", Message: "Insufficient privileges"}
)

// NewBadRequest returns an APIError with a 400 status and the message provided.
func NewBadRequest(code string, message string) APIError {
	return APIError{Status: http.StatusBadRequest, Code: code, Message: message}
}

// ServiceError converts an error returned from one of the services
// in to an APIError, choosing a status code based on the kind of failure.
// Errors which are not recognised become a 500, with the original error
// retained only for internal logging.
func ServiceError(err error) error {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, job.ErrJobNotFound):
		return APIError{Status: http.StatusNotFound, Code: "job_not_found", Message: "Download not found"}
	case errors.Is(err, client.ErrClientNotFound):
		return APIError{Status: http.StatusNotFound, Code: "client_not_found", Message: "Client not found"}
	case errors.Is(err, client.ErrNameTaken):
		return APIError{Status: http.StatusConflict, Code: "client_name_taken", Message: err.Error()}
	case errors.Is(err, job.ErrJobTerminal):
		return APIError{Status: http.StatusConflict, Code: "job_terminal", Message: "Download has already finished"}
	case errors.Is(err, download.ErrNotCompleted):
		return APIError{Status: http.StatusConflict, Code: "job_not_completed", Message: err.Error()}
	case errors.Is(err, download.ErrForbidden):
		return APIError{Status: http.StatusForbidden, Code: "forbidden", Message: err.Error()}
	case errors.Is(err, download.ErrEmptyBatch), errors.Is(err, download.ErrBatchTooLarge):
		return NewBadRequest("invalid_batch", err.Error())
	case errors.Is(err, download.ErrArtifactMissing):
		return APIError{Status: http.StatusGone, Code: "artifact_missing", Message: "Download is no longer available", InternalMessage: err.Error()}
	case errors.Is(err, link.ErrExpired):
		return APIError{Status: http.StatusGone, Code: "link_expired", Message: "Link has expired"}
	case errors.Is(err, link.ErrInvalid):
		return APIError{Status: http.StatusNotFound, Code: "link_invalid", Message: "Link is not valid"}
	}

	return APIError{Status: http.StatusInternalServerError, InternalMessage: err.Error()}
}

// GetHTTPErrorHandler returns an echo HTTP error handler
// which understands how to interpret APIError. If an error is
// provided which is not recognized, it will be passed off to the
// fallback HTTP handler provided.
func GetHTTPErrorHandler(fallbackHandler echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	log := logger.Get("API")
	return func(err error, ctx echo.Context) {
		var apiErr APIError
		if ok := errors.As(err, &apiErr); ok {
			if apiErr.Status == 0 {
				apiErr.Status = 500
			}
			if len(apiErr.Message) == 0 {
				apiErr.Message = http.StatusText(apiErr.Status)
			}
			if len(apiErr.Code) == 0 {
				apiErr.Code = http.StatusText(apiErr.Status)
			}
			if len(apiErr.InternalMessage) > 0 {
				log.Errorf("Request failure, internal error: %s\n", apiErr.InternalMessage)
			}

			if ctx.Response().Committed {
				return
			}
			if err := ctx.JSON(apiErr.Status, apiErr); err == nil {
				return
			}
		}

		fallbackHandler(err, ctx)
	}
}
