// Package monitor decides when a submission's validation or promotion has
// finished and reports the verdict.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/filetype"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/metrics"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/submission"
)

// ResultsSuffix is appended to a staging key to name its results object.
const ResultsSuffix = "__results.json"

// Verdict statuses.
const (
	StatusRunning   = "RUNNING"
	StatusPass      = "PASS"
	StatusFail      = "FAIL"
	StatusPromoting = "PROMOTING"
	StatusReported  = "REPORT_REQUESTED"
)

// ErrInvalidEvent marks events that can never be handled.
var ErrInvalidEvent = errors.New("invalid monitor event")

// Verdict is the monitor's answer for one submission.
type Verdict struct {
	Submission string   `json:"submission"`
	Status     string   `json:"status"`
	FailKeys   []string `json:"fail_status_result_key,omitempty"`
	Pending    []string `json:"pending,omitempty"`
}

// ReportRequest asks the report function for a named report.
type ReportRequest struct {
	ReportType string        `json:"report_type"`
	Payload    ReportPayload `json:"payload"`
}

type ReportPayload struct {
	SubmissionPrefix string `json:"submission_prefix"`
}

// ReportStoreBucketCheck compares a promoted submission against its original manifest.
const ReportStoreBucketCheck = "store_bucket_check"

type Monitor struct {
	buckets    config.BucketConfig
	apiBaseURL string
	store      *store.Store
	states     *submission.Tracker
	objects    objectstore.Store
	invoker    invoke.Invoker
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(
	buckets config.BucketConfig,
	pipeline config.PipelineConfig,
	s *store.Store,
	objects objectstore.Store,
	invoker invoke.Invoker,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		buckets:    buckets,
		apiBaseURL: strings.TrimRight(pipeline.APIBaseURL, "/"),
		store:      s,
		states:     submission.NewTracker(s, logger),
		objects:    objects,
		invoker:    invoker,
		notifier:   notifier,
		metrics:    m,
		logger:     logger,
	}
}

// Check evaluates the submission that ev.S3Key belongs to. Apart from moving
// a failed submission to FAILED_LOCKED it only reads state, so repeated calls
// after all results have arrived agree.
func (m *Monitor) Check(ctx context.Context, ev Event) (*Verdict, error) {
	key := strings.TrimSuffix(ev.S3Key, ResultsSuffix)
	prefix, err := submission.PrefixOf(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var v *Verdict
	switch ev.EventType {
	case ValidationResultUpload:
		v, err = m.validation(ctx, prefix)
	case StoreFileUpload:
		v, err = m.storeUpload(ctx, prefix)
	default:
		return nil, fmt.Errorf("%w: event type %q", ErrInvalidEvent, ev.EventType)
	}
	if err != nil {
		return nil, fmt.Errorf("monitor %s: %w", prefix, err)
	}
	m.metrics.SubmissionVerdict(ev.EventType, v.Status)
	m.logger.Info("submission verdict",
		slog.String("submission", prefix),
		slog.String("event_type", ev.EventType),
		slog.String("status", v.Status))
	return v, nil
}

func (m *Monitor) validation(ctx context.Context, prefix string) (*Verdict, error) {
	v := &Verdict{Submission: prefix}

	expected, err := m.expectedKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(expected) == 0 {
		m.logger.Info("no files under validation", slog.String("submission", prefix))
		v.Status = StatusRunning
		return v, nil
	}
	for _, k := range expected {
		it, err := m.store.Get(ctx, m.store.Tables().Results, record.Key{PK: record.PKFile, SK: k + ResultsSuffix})
		if err != nil {
			return nil, err
		}
		if it == nil {
			v.Pending = append(v.Pending, k)
		}
	}
	if len(v.Pending) > 0 {
		v.Status = StatusRunning
		return v, nil
	}

	failed, err := m.failedKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		v.Status = StatusFail
		v.FailKeys = failed
		if err := advance(ctx, m.states, m.logger, prefix, submission.FailedLocked); err != nil {
			return nil, err
		}
		m.logger.Warn("submission validation failed", slog.String("submission", prefix), slog.Int("files", len(failed)))
		lines := []string{"Validation finished with failures. Failing files:"}
		for _, k := range failed {
			lines = append(lines, "- "+k)
		}
		notify.Send(ctx, m.notifier, m.logger, notify.Message{
			Subject:    "GDR validation FAIL: " + prefix,
			Submission: prefix,
			Lines:      lines,
		})
		return v, nil
	}

	v.Status = StatusPass
	notify.Send(ctx, m.notifier, m.logger, notify.Message{
		Subject:    "GDR validation PASS: " + prefix,
		Submission: prefix,
		Lines: []string{
			fmt.Sprintf("All %d file(s) passed validation. To promote the submission to the store bucket:", len(expected)),
			fmt.Sprintf(`curl -X POST %s/api/v1/transfers -d '{"directory_prefix": "%s/"}'`, m.apiBaseURL, prefix),
		},
	})
	return v, nil
}

// expectedKeys lists the staging objects that validation runs on. When the
// submission has ManifestRecords, files outside the manifest are ignored.
func (m *Monitor) expectedKeys(ctx context.Context, prefix string) ([]string, error) {
	objs, err := m.objects.List(ctx, m.buckets.Staging, prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list staging: %w", err)
	}
	manifested, err := m.store.Query(ctx, m.store.Tables().Staging, record.PKManifest, store.SubmissionPrefix(prefix))
	if err != nil {
		return nil, err
	}
	inManifest := make(map[string]bool, len(manifested))
	for _, it := range manifested {
		inManifest[it.SK] = true
	}

	var keys []string
	for _, o := range objs {
		if Excluded(o.Key) {
			continue
		}
		if len(inManifest) > 0 && !inManifest[o.Key] {
			continue
		}
		keys = append(keys, o.Key)
	}
	return keys, nil
}

// Excluded reports whether validation never runs on key.
func Excluded(key string) bool {
	return strings.HasSuffix(key, "/") ||
		filetype.IsManifest(key) ||
		filetype.IsIndex(key) ||
		filetype.IsMD5(key) ||
		strings.HasSuffix(key, "README.md")
}

func (m *Monitor) failedKeys(ctx context.Context, prefix string) ([]string, error) {
	var failed []string
	for _, task := range record.Tasks {
		rows, err := store.QueryAs[record.ResultStatus](ctx, m.store, m.store.Tables().Results,
			record.StatusPK(task), store.SubmissionPrefix(prefix),
			store.Filter{Field: "value", Op: store.NotEqual, Value: record.Pass})
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if !slices.Contains(failed, r.SK) {
				failed = append(failed, r.SK)
			}
		}
	}
	sort.Strings(failed)
	return failed, nil
}

func (m *Monitor) storeUpload(ctx context.Context, prefix string) (*Verdict, error) {
	v := &Verdict{Submission: prefix}
	table := m.store.Tables().Store
	skPrefix := store.SubmissionPrefix(prefix)

	manifests, err := m.store.Query(ctx, table, record.PKManifest, skPrefix)
	if err != nil {
		return nil, err
	}
	files, err := m.store.Query(ctx, table, record.PKFile, skPrefix)
	if err != nil {
		return nil, err
	}

	count := len(files)
	hasOrig := false
	for _, f := range files {
		switch {
		case strings.HasSuffix(f.SK, "/manifest.orig"):
			hasOrig = true
			count--
		case strings.HasSuffix(f.SK, "/manifest.txt"), filetype.IsIndex(f.SK):
			count--
		}
	}
	if !hasOrig || count != len(manifests) {
		v.Status = StatusPromoting
		m.logger.Debug("promotion in progress",
			slog.String("submission", prefix),
			slog.Bool("manifest_orig", hasOrig),
			slog.Int("files", count),
			slog.Int("manifest_records", len(manifests)))
		return v, nil
	}

	req := ReportRequest{ReportType: ReportStoreBucketCheck, Payload: ReportPayload{SubmissionPrefix: prefix}}
	if err := m.invoker.Invoke(ctx, invoke.Report, req); err != nil {
		return nil, fmt.Errorf("invoke report: %w", err)
	}
	v.Status = StatusReported
	return v, nil
}

// Handle is the invoke.Handler for the monitor.
func (m *Monitor) Handle(ctx context.Context, raw json.RawMessage) error {
	ev, err := invoke.Decode[Event](raw)
	if err != nil {
		return err
	}
	if _, err := m.Check(ctx, ev); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			return invoke.Permanent(err)
		}
		return err
	}
	return nil
}
