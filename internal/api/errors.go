package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"trainctl/internal/model"
)

type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
	Advice string `json:"advice,omitempty"`
	Cause  error  `json:"-"`
}

func (e ErrorMessage) Error() string {
	if e.Cause != nil {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e ErrorMessage) Unwrap() error { return e.Cause }

func newError(code int, reason, advice string, cause error) *echo.HTTPError {
	msg := ErrorMessage{Reason: reason, Advice: advice, Cause: cause}
	return echo.NewHTTPError(code, ErrorResponse{Message: msg}).SetInternal(msg)
}

func notFound(reason string) *echo.HTTPError {
	return newError(http.StatusNotFound, reason, "", nil)
}

// fromDomain maps a domain error to its HTTP status.
func fromDomain(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, model.ErrExecutionNotFound):
		return notFound(err.Error())
	case errors.Is(err, model.ErrInvalidWorkflow), errors.Is(err, model.ErrValidation):
		return newError(http.StatusBadRequest, err.Error(), "fix the request and retry.", err)
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrInvalidTransition):
		return newError(http.StatusConflict, err.Error(), "", err)
	case errors.Is(err, model.ErrDuplicateExecution):
		return newError(http.StatusConflict, err.Error(), "", err)
	case errors.Is(err, model.ErrQueueUnavailable):
		return newError(http.StatusServiceUnavailable, "job queue unavailable", "retry later.", err)
	}
	return newError(http.StatusInternalServerError, "internal error", "ask your system admin.", err)
}
