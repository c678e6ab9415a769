package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/maraichr/gdr/internal/event"
)

// EventRouter accepts storage event batches.
type EventRouter interface {
	Route(ctx context.Context, b event.Batch) error
}

type EventHandler struct {
	logger *slog.Logger
	router EventRouter
}

func NewEventHandler(logger *slog.Logger, router EventRouter) *EventHandler {
	return &EventHandler{logger: logger, router: router}
}

// S3 handles POST /api/v1/events/s3 with a bucket notification body.
func (h *EventHandler) S3(w http.ResponseWriter, r *http.Request) {
	var b event.Batch
	if !decode(w, r, h.logger, &b) {
		return
	}
	if err := h.router.Route(r.Context(), b); err != nil {
		writeAPIError(w, h.logger, toAPIError(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"records": len(b.Records)})
}
