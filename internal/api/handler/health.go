package handler

import (
	"context"
	"net/http"

	"github.com/maraichr/gdr/pkg/apierr"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	records Pinger
	queue   Pinger
}

// NewHealthHandler checks the record store and, when set, the queue backend.
func NewHealthHandler(records, queue Pinger) *HealthHandler {
	return &HealthHandler{records: records, queue: queue}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.records != nil {
		if err := h.records.Ping(r.Context()); err != nil {
			writeAPIError(w, nil, apierr.RecordStoreNotReady(err))
			return
		}
	}
	if h.queue != nil {
		if err := h.queue.Ping(r.Context()); err != nil {
			writeAPIError(w, nil, apierr.QueueNotReady(err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
