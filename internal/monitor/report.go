package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/manifest"
	"github.com/maraichr/gdr/internal/metrics"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/submission"
)

// Report verdicts.
const (
	ReportSuccess = "SUCCESS"
	ReportFail    = "FAIL"
)

// StoreReport is the outcome of a store bucket check.
type StoreReport struct {
	Submission string   `json:"submission"`
	Status     string   `json:"status"`
	Missing    []string `json:"missing,omitempty"`
}

// Reporter produces reports that compare store contents against manifests.
type Reporter struct {
	buckets    config.BucketConfig
	apiBaseURL string
	objects    objectstore.Store
	states     *submission.Tracker
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewReporter(
	buckets config.BucketConfig,
	pipeline config.PipelineConfig,
	objects objectstore.Store,
	states *submission.Tracker,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Reporter {
	return &Reporter{
		buckets:    buckets,
		apiBaseURL: strings.TrimRight(pipeline.APIBaseURL, "/"),
		objects:    objects,
		states:     states,
		notifier:   notifier,
		metrics:    m,
		logger:     logger,
	}
}

// StoreBucketCheck checks that every file of the original manifest reached
// the store bucket. A file X is also satisfied by X.gz. A complete store
// marks the submission STORED.
func (r *Reporter) StoreBucketCheck(ctx context.Context, prefix string) (*StoreReport, error) {
	prefix = submission.NormalizePrefix(prefix)
	body, err := objectstore.ReadAll(ctx, r.objects, r.buckets.Store, prefix+"/manifest.orig")
	if err != nil {
		return nil, fmt.Errorf("read manifest.orig: %w", err)
	}
	m, err := manifest.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, invoke.Permanent(fmt.Errorf("parse manifest.orig: %w", err))
	}

	objs, err := r.objects.List(ctx, r.buckets.Store, prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	present := make(map[string]bool, len(objs))
	for _, o := range objs {
		present[o.Key] = true
	}

	rep := &StoreReport{Submission: prefix, Status: ReportSuccess}
	for _, name := range m.Filenames() {
		if name == record.NotProvided {
			continue
		}
		key := submission.Join(prefix, name)
		if !present[key] && !present[key+".gz"] {
			rep.Missing = append(rep.Missing, name)
		}
	}

	if len(rep.Missing) > 0 {
		rep.Status = ReportFail
		r.logger.Warn("store bucket check failed", slog.String("submission", prefix), slog.Int("missing", len(rep.Missing)))
		lines := []string{"Files listed in the original manifest are missing from the store bucket:"}
		for _, f := range rep.Missing {
			lines = append(lines, "- "+f)
		}
		notify.Send(ctx, r.notifier, r.logger, notify.Message{
			Subject:    "GDR store check FAIL: " + prefix,
			Submission: prefix,
			Lines:      lines,
		})
	} else {
		if err := advance(ctx, r.states, r.logger, prefix, submission.Stored); err != nil {
			return nil, err
		}
		notify.Send(ctx, r.notifier, r.logger, notify.Message{
			Subject:    "GDR store check SUCCESS: " + prefix,
			Submission: prefix,
			Lines: []string{
				fmt.Sprintf("All %d file(s) are in the store bucket. To clean up the staging bucket:", len(m.Rows)),
				fmt.Sprintf(`curl -X POST %s/api/v1/cleanups -d '{"submission_directory": "%s/"}'`, r.apiBaseURL, prefix),
			},
		})
	}
	r.metrics.SubmissionVerdict(ReportStoreBucketCheck, rep.Status)
	return rep, nil
}

// Handle is the invoke.Handler for the report function.
func (r *Reporter) Handle(ctx context.Context, raw json.RawMessage) error {
	req, err := invoke.Decode[ReportRequest](raw)
	if err != nil {
		return err
	}
	switch req.ReportType {
	case ReportStoreBucketCheck:
		if req.Payload.SubmissionPrefix == "" {
			return invoke.Permanent(errors.New("store_bucket_check: submission_prefix is required"))
		}
		_, err := r.StoreBucketCheck(ctx, req.Payload.SubmissionPrefix)
		return err
	default:
		return invoke.Permanent(fmt.Errorf("unknown report type %q", req.ReportType))
	}
}

// advance records a state change implied by a verdict. Transitions the
// lifecycle forbids leave the state alone and are only logged.
func advance(ctx context.Context, states *submission.Tracker, logger *slog.Logger, prefix string, to submission.State) error {
	err := states.Advance(ctx, prefix, to)
	if errors.Is(err, submission.ErrInvalidTransition) {
		logger.Warn("submission state unchanged", slog.String("submission", prefix), slog.String("error", err.Error()))
		return nil
	}
	return err
}
