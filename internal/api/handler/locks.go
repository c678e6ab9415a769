package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/maraichr/gdr/internal/locker"
	"github.com/maraichr/gdr/pkg/apierr"
)

type FolderLocker interface {
	Lock(ctx context.Context, prefixes ...string) error
	Unlock(ctx context.Context, prefixes ...string) error
	Locked(ctx context.Context) ([]string, error)
}

type LockHandler struct {
	logger *slog.Logger
	locker FolderLocker
}

func NewLockHandler(logger *slog.Logger, l FolderLocker) *LockHandler {
	return &LockHandler{logger: logger, locker: l}
}

// List handles GET /api/v1/locks.
func (h *LockHandler) List(w http.ResponseWriter, r *http.Request) {
	prefixes, err := h.locker.Locked(r.Context())
	if err != nil {
		writeAPIError(w, h.logger, toAPIError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"submission_prefixes": prefixes})
}

// Lock handles POST /api/v1/locks.
func (h *LockHandler) Lock(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, locker.ActionLock, h.locker.Lock)
}

// Unlock handles DELETE /api/v1/locks.
func (h *LockHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, locker.ActionUnlock, h.locker.Unlock)
}

func (h *LockHandler) apply(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, ...string) error) {
	var req locker.Request
	if !decode(w, r, h.logger, &req) {
		return
	}
	if len(req.Prefixes) == 0 {
		writeAPIError(w, h.logger, apierr.InvalidPayload(errors.New("submission_prefixes is required")))
		return
	}
	if err := fn(r.Context(), req.Prefixes...); err != nil {
		writeAPIError(w, h.logger, toAPIError(err))
		return
	}
	h.logger.Info("manual lock change",
		slog.String("actor", actor(r)),
		slog.String("action", action),
		slog.Int("prefixes", len(req.Prefixes)))
	h.List(w, r)
}
