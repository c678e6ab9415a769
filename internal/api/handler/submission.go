package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/pkg/apierr"
)

type SubmissionHandler struct {
	logger *slog.Logger
	store  *store.Store
}

func NewSubmissionHandler(logger *slog.Logger, s *store.Store) *SubmissionHandler {
	return &SubmissionHandler{logger: logger, store: s}
}

// Status handles GET /api/v1/submissions/{flagship}/{submission}: the latest
// manifest verdict and the validation status rows of each file.
func (h *SubmissionHandler) Status(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "flagship") + "/" + chi.URLParam(r, "submission")
	ctx := r.Context()
	tables := h.store.Tables()

	st, err := store.GetAs[record.ManifestStatus](ctx, h.store, tables.Staging, record.ManifestStatusKey(prefix))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	if st == nil {
		writeAPIError(w, h.logger, apierr.NotFound("submission"))
		return
	}

	checks := map[string]map[string]string{}
	for _, task := range record.Tasks {
		rows, err := store.QueryAs[record.ResultStatus](ctx, h.store, tables.Results, record.StatusPK(task), store.SubmissionPrefix(prefix))
		if err != nil {
			writeAPIError(w, h.logger, apierr.InternalError(err))
			return
		}
		for _, row := range rows {
			if checks[row.SK] == nil {
				checks[row.SK] = map[string]string{}
			}
			checks[row.SK][string(task)] = row.Value
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submission": prefix,
		"manifest":   st,
		"checks":     checks,
	})
}
