package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"projecthub/domain"
)

type errorResponse struct {
	Error         string   `json:"error"`
	Field         string   `json:"field,omitempty"`
	FailedTaskIDs []string `json:"failedTaskIds,omitempty"`
	Retryable     bool     `json:"retryable,omitempty"`
}

// statusFor maps a domain error to its HTTP status and response body.
func statusFor(err error) (int, errorResponse) {
	var (
		verr    *domain.ValidationError
		cerr    *domain.CascadeError
		rerr    *domain.RemoteError
		httpErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorResponse{Error: err.Error()}
	case errors.As(err, &cerr):
		return http.StatusConflict, errorResponse{Error: cerr.Error(), FailedTaskIDs: cerr.FailedIDs()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "not found"}
	case errors.As(err, &rerr):
		if rerr.Retryable() {
			return http.StatusGatewayTimeout, errorResponse{Error: rerr.Error(), Retryable: true}
		}
		return http.StatusBadGateway, errorResponse{Error: rerr.Error()}
	case errors.As(err, &httpErr):
		msg, _ := httpErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, errorResponse{Error: msg}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
}

// fail writes the mapped error response and records the stage that failed.
func fail(c echo.Context, stage string, err error) error {
	status, body := statusFor(err)
	metricsFrom(c).SetErrorStage(stage)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("stage", stage).Error("request failed")
	}
	return c.JSON(status, body)
}
