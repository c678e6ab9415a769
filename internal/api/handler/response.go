package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/maraichr/gdr/internal/auth"
	"github.com/maraichr/gdr/internal/dispatch"
	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/locker"
	"github.com/maraichr/gdr/internal/manifest"
	"github.com/maraichr/gdr/internal/monitor"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/transfer"
	"github.com/maraichr/gdr/pkg/apierr"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeAPIError writes a structured error response and logs 5xx errors.
func writeAPIError(w http.ResponseWriter, logger *slog.Logger, e *apierr.Error) {
	if e.Status() >= 500 && logger != nil {
		logger.Error(e.Message(), slog.String("code", string(e.Code())), slog.String("error", e.Error()))
	}
	writeJSON(w, e.Status(), e.Response())
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeAPIError(w, logger, apierr.InvalidRequestBody())
		return false
	}
	return true
}

// toAPIError maps pipeline errors onto API errors.
func toAPIError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	var refusal *transfer.Refusal
	if errors.As(err, &refusal) {
		return apierr.CleanupRefused(refusal.Reason, refusal.Payload)
	}
	switch {
	case errors.Is(err, manifest.ErrInvalidRequest),
		errors.Is(err, dispatch.ErrInvalidPayload),
		errors.Is(err, transfer.ErrInvalidRequest),
		errors.Is(err, locker.ErrInvalidRequest),
		errors.Is(err, monitor.ErrInvalidEvent):
		return apierr.InvalidPayload(err)
	case errors.Is(err, event.ErrMalformed):
		return apierr.InvalidEvent(err)
	case errors.Is(err, dispatch.ErrInconsistent):
		return apierr.Inconsistent(err)
	case errors.Is(err, manifest.ErrNotRecorded), errors.Is(err, transfer.ErrNotRecorded):
		return apierr.NotRecorded(err)
	case errors.Is(err, objectstore.ErrNotFound):
		return apierr.NotFound("object")
	case invoke.IsPermanent(err):
		return apierr.InvalidPayload(err)
	}
	return apierr.InternalError(err)
}

// actor names the authenticated caller for audit logs.
func actor(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.Actor()
	}
	return "anonymous"
}
