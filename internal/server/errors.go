package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/threads-autopost/internal/automation"
	"github.com/jonathan/threads-autopost/internal/buffer"
	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/generation"
	"github.com/jonathan/threads-autopost/internal/ingestion"
	"github.com/jonathan/threads-autopost/internal/scheduling"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validationErr *ErrValidation
		fileErr       *ingestion.FileError
		dispatchErr   *scheduling.DispatchError
		bufferErr     *buffer.Error
		apiErr        *generation.APICallError
		parseErr      *generation.ParseError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrNotPending),
		errors.Is(err, automation.ErrAlreadyRunning),
		errors.Is(err, automation.ErrNotRunning):
		return http.StatusConflict
	case errors.As(err, &fileErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &dispatchErr), errors.As(err, &bufferErr),
		errors.As(err, &apiErr), errors.As(err, &parseErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
