package server

import (
	"errors"
	"net/http"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/pipeline"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/running"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case config.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, config.ErrNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, pipeline.ErrNotFound),
		errors.Is(err, pipeline.ErrUnknownStage),
		errors.Is(err, jobs.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, running.ErrAlreadyRunning),
		errors.Is(err, jobs.ErrDisabled),
		errors.Is(err, pipeline.ErrInvalidTransition),
		errors.Is(err, pipeline.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrNotReady):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
