package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/maraichr/gdr/internal/dispatch"
	"github.com/maraichr/gdr/internal/manifest"
	"github.com/maraichr/gdr/internal/monitor"
	"github.com/maraichr/gdr/internal/transfer"
	"github.com/maraichr/gdr/pkg/apierr"
)

type ManifestProcessor interface {
	Process(ctx context.Context, req manifest.Request) (*manifest.Outcome, error)
}

type ValidationDispatcher interface {
	Dispatch(ctx context.Context, p dispatch.Payload) (*dispatch.Result, error)
}

type Transferer interface {
	Transfer(ctx context.Context, req transfer.Request) (*transfer.Result, error)
}

type Cleaner interface {
	Cleanup(ctx context.Context, prefix string) (*transfer.CleanupResult, error)
}

type StoreReporter interface {
	StoreBucketCheck(ctx context.Context, prefix string) (*monitor.StoreReport, error)
}

// TriggerHandler serves the manual triggers of the pipeline.
type TriggerHandler struct {
	logger     *slog.Logger
	manifests  ManifestProcessor
	dispatcher ValidationDispatcher
	transfers  Transferer
	cleaner    Cleaner
	reporter   StoreReporter
}

func NewTriggerHandler(logger *slog.Logger, m ManifestProcessor, d ValidationDispatcher, t Transferer, c Cleaner, rep StoreReporter) *TriggerHandler {
	return &TriggerHandler{logger: logger, manifests: m, dispatcher: d, transfers: t, cleaner: c, reporter: rep}
}

// Manifest handles POST /api/v1/manifests/process.
func (h *TriggerHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	var req manifest.Request
	if !decode(w, r, h.logger, &req) {
		return
	}
	h.logger.Info("manual manifest run", slog.String("actor", actor(r)), slog.String("manifest_fp", req.ManifestKey))
	out, err := h.manifests.Process(r.Context(), req)
	if err != nil {
		writeAPIError(w, h.logger, toAPIError(err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Validation handles POST /api/v1/validations.
func (h *TriggerHandler) Validation(w http.ResponseWriter, r *http.Request) {
	var p dispatch.Payload
	if !decode(w, r, h.logger, &p) {
		return
	}
	h.logger.Info("manual validation", slog.String("actor", actor(r)), slog.String("manifest_fp", p.ManifestKey))
	res, err := h.dispatcher.Dispatch(r.Context(), p)
	if err != nil {
		writeAPIError(w, h.logger, toAPIError(err))
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// Transfer handles POST /api/v1/transfers.
func (h *TriggerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if !decode(w, r, h.logger, &req) {
		return
	}
	h.logger.Info("manual transfer", slog.String("actor", actor(r)), slog.String("directory_prefix", req.DirectoryPrefix))
	res, err := h.transfers.Transfer(r.Context(), req)
	if err != nil {
		writeAPIError(w, h.logger, toAPIError(err))
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// Cleanup handles POST /api/v1/cleanups. A refusal is answered with 409 and
// the files that blocked it in error.details.
func (h *TriggerHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req transfer.CleanupRequest
	if !decode(w, r, h.logger, &req) {
		return
	}
	if req.SubmissionDirectory == "" {
		writeAPIError(w, h.logger, apierr.InvalidPayload(errors.New("submission_directory is required")))
		return
	}
	h.logger.Info("manual cleanup", slog.String("actor", actor(r)), slog.String("submission", req.SubmissionDirectory))
	res, err := h.cleaner.Cleanup(r.Context(), req.SubmissionDirectory)
	if err != nil {
		writeAPIError(w, h.logger, toAPIError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Report handles POST /api/v1/reports.
func (h *TriggerHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req monitor.ReportRequest
	if !decode(w, r, h.logger, &req) {
		return
	}
	if req.ReportType != monitor.ReportStoreBucketCheck || req.Payload.SubmissionPrefix == "" {
		writeAPIError(w, h.logger, apierr.InvalidPayload(errors.New("report_type store_bucket_check with payload.submission_prefix is required")))
		return
	}
	rep, err := h.reporter.StoreBucketCheck(r.Context(), req.Payload.SubmissionPrefix)
	if err != nil {
		writeAPIError(w, h.logger, toAPIError(err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
