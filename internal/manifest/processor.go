package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/dispatch"
	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/filetype"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/locker"
	"github.com/maraichr/gdr/internal/metrics"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/payload"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/submission"
)

var (
	// ErrInvalidRequest marks requests that can never be processed.
	ErrInvalidRequest = errors.New("invalid manifest request")
	// ErrNotRecorded is returned while listed files have no FileRecord yet;
	// the invocation is retried once the recorder catches up.
	ErrNotRecorded = errors.New("file not yet recorded")
)

// Options tune a manual manifest run.
type Options struct {
	SkipChecksumValidation payload.Bool    `json:"skip_checksum_validation"`
	SkipAutoValidation     payload.Bool    `json:"skip_auto_validation"`
	SkipDuplicationCheck   payload.Bool    `json:"skip_duplication_check"`
	SkipUpdateRecords      payload.Bool    `json:"skip_update_dynamodb"`
	SkipSendNotification   payload.Bool    `json:"skip_send_notification"`
	ExceptionPostfix       payload.Strings `json:"exception_postfix_filename"`
	TasksSkipped           payload.Strings `json:"tasks_skipped"`
}

// Request is the manual trigger payload.
type Request struct {
	BucketName  string  `json:"bucket_name"`
	ManifestKey string  `json:"manifest_fp"`
	Options     Options `json:"options"`
}

// Outcome is the verdict of one manifest run.
type Outcome struct {
	Submission string           `json:"submission"`
	Status     string           `json:"status"`
	Findings   []record.Finding `json:"additional_information"`
	Files      []string         `json:"files,omitempty"`
	Dispatched bool             `json:"dispatched"`
}

type Processor struct {
	buckets    config.BucketConfig
	flagships  submission.Flagships
	autorun    bool
	apiBaseURL string

	store    *store.Store
	states   *submission.Tracker
	objects  objectstore.Store
	invoker  invoke.Invoker
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewProcessor(
	buckets config.BucketConfig,
	pipeline config.PipelineConfig,
	s *store.Store,
	objects objectstore.Store,
	invoker invoke.Invoker,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		buckets:    buckets,
		flagships:  submission.NewFlagships(pipeline.Flagships),
		autorun:    pipeline.AutorunValidation,
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

// run carries the state of one Process call.
type run struct {
	req      Request
	prefix   string
	excluded func(string) bool
	hard     []record.Finding
	warnings []record.Finding
}

func (r *run) dryRun() bool { return bool(r.req.Options.SkipUpdateRecords) }

// Process validates a manifest against the staging listing and, on success,
// replaces the submission's ManifestRecords and triggers validation.
// Validation failures are reported in the Outcome, not as errors.
func (p *Processor) Process(ctx context.Context, req Request) (*Outcome, error) {
	if req.BucketName == "" {
		req.BucketName = p.buckets.Staging
	}
	if req.BucketName != p.buckets.Staging {
		return nil, fmt.Errorf("%w: bucket %q is not the staging bucket", ErrInvalidRequest, req.BucketName)
	}
	key, err := submission.ParseKey(req.ManifestKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if path.Base(key.Filename) != "manifest.txt" {
		return nil, fmt.Errorf("%w: %s is not a manifest.txt", ErrInvalidRequest, req.ManifestKey)
	}

	r := &run{req: req, prefix: key.Prefix()}
	r.excluded = func(name string) bool {
		if filetype.IsManifest(name) || filetype.IsIndex(name) || filetype.IsMD5(name) {
			return true
		}
		for _, postfix := range req.Options.ExceptionPostfix {
			if strings.HasSuffix(name, postfix) {
				return true
			}
		}
		return false
	}
	p.logger.Info("processing manifest", slog.String("submission", r.prefix), slog.Bool("dry_run", r.dryRun()))
	if err := p.transition(ctx, r, submission.Locked); err != nil {
		return nil, err
	}

	if p.flagships.Lookup(key.Flagship) == submission.Unknown {
		r.hard = append(r.hard, record.Finding{
			Message: fmt.Sprintf("unknown flagship code %s", key.Flagship),
			Data:    [][]string{p.flagships.Codes()},
		})
		return p.fail(ctx, r)
	}

	listing, err := p.objects.List(ctx, p.buckets.Staging, r.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.prefix, err)
	}
	inStorage := map[string]objectstore.Object{}
	for _, o := range listing {
		name := strings.TrimPrefix(o.Key, r.prefix+"/")
		if name == "" || strings.HasSuffix(name, "/") || r.excluded(name) {
			continue
		}
		inStorage[name] = o
	}

	body, err := objectstore.ReadAll(ctx, p.objects, p.buckets.Staging, req.ManifestKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err != nil {
		return nil, err
	}
	m, err := Parse(bytes.NewReader(body))
	if err != nil {
		r.hard = append(r.hard, record.Finding{Message: err.Error()})
		return p.fail(ctx, r)
	}

	inManifest := map[string]Row{}
	var missing []string
	for _, row := range m.Rows {
		if row.Filename == record.NotProvided || r.excluded(row.Filename) {
			continue
		}
		if _, dup := inManifest[row.Filename]; dup {
			continue
		}
		inManifest[row.Filename] = row
		if _, ok := inStorage[row.Filename]; !ok {
			missing = append(missing, row.Filename)
		}
	}
	var extra []string
	for name := range inStorage {
		if _, ok := inManifest[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)

	if len(missing) > 0 {
		r.hard = append(r.hard, record.Finding{
			Message: fmt.Sprintf("%d file(s) listed in the manifest are missing from storage", len(missing)),
			Data:    [][]string{missing},
		})
	}
	for _, problem := range m.Problems(bool(req.Options.SkipChecksumValidation), r.excluded) {
		r.hard = append(r.hard, record.Finding{Message: problem})
	}
	if len(r.hard) > 0 {
		return p.fail(ctx, r)
	}

	if len(extra) > 0 {
		r.warnings = append(r.warnings, record.Finding{
			Message: fmt.Sprintf("%d file(s) in storage are not listed in the manifest and will be ignored", len(extra)),
			Data:    [][]string{extra},
		})
	}

	var (
		matched     []string
		unsupported []string
		records     []record.Record
		duplicates  [][]string
		totalSize   int64
	)
	for _, row := range m.Rows {
		if _, ok := inManifest[row.Filename]; !ok || slices.Contains(matched, row.Filename) {
			continue
		}
		matched = append(matched, row.Filename)
		objectKey := submission.Join(r.prefix, row.Filename)
		ft := filetype.FromFilename(row.Filename)
		if !ft.IsSupported() {
			unsupported = append(unsupported, row.Filename)
		}

		fr, err := store.GetAs[record.FileRecord](ctx, p.store, p.store.Tables().Staging, record.Key{PK: record.PKFile, SK: objectKey})
		if err != nil {
			return nil, err
		}
		if fr == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotRecorded, objectKey)
		}
		totalSize += fr.SizeInBytes

		if !req.Options.SkipDuplicationCheck && fr.ETag != "" {
			entries, err := store.QueryAs[record.ETagEntry](ctx, p.store, p.store.Tables().ETag, fr.ETag, "")
			if err != nil {
				return nil, err
			}
			if len(entries) > 1 {
				uris := make([]string, 0, len(entries))
				for _, e := range entries {
					uris = append(uris, e.URI())
				}
				sort.Strings(uris)
				duplicates = append(duplicates, uris)
			}
		}

		records = append(records, record.ManifestRecord{
			Key:              record.Key{PK: record.PKManifest, SK: objectKey},
			Flagship:         key.Flagship,
			Submission:       key.Submission,
			Filename:         row.Filename,
			FileType:         ft,
			ProvidedChecksum: row.Checksum,
			AghaStudyID:      row.AghaStudyID,
			IsInManifest:     true,
			ValidationStatus: record.Pass,
		})
	}

	if len(duplicates) > 0 {
		r.hard = append(r.hard, record.Finding{
			Message: fmt.Sprintf("%d file(s) duplicate content already in the repository", len(duplicates)),
			Data:    duplicates,
		})
		return p.fail(ctx, r)
	}

	autorun := p.autorun && !bool(req.Options.SkipAutoValidation) && !r.dryRun()
	if len(unsupported) > 0 {
		autorun = false
		r.warnings = append(r.warnings, record.Finding{
			Message: "unsupported file types present; validation must be triggered manually",
			Data:    [][]string{unsupported},
		})
	}

	if !r.dryRun() {
		if err := p.replaceRecords(ctx, r.prefix, records); err != nil {
			return nil, err
		}
		if err := p.writeStatus(ctx, r.prefix, record.Pass, r.warnings); err != nil {
			return nil, err
		}
	}

	out := &Outcome{Submission: r.prefix, Status: record.Pass, Findings: nonNil(r.warnings), Files: matched}
	if autorun {
		if err := p.transition(ctx, r, submission.Validating); err != nil {
			return nil, err
		}
		pl := dispatch.Payload{
			ManifestKey:      req.ManifestKey,
			RecordPrefix:     r.prefix,
			ExceptionPostfix: req.Options.ExceptionPostfix,
			TasksSkipped:     req.Options.TasksSkipped,
		}
		if err := p.invoker.Invoke(ctx, invoke.Dispatcher, pl); err != nil {
			return nil, fmt.Errorf("invoke dispatcher: %w", err)
		}
		out.Dispatched = true
	}
	p.metrics.ManifestVerdict(record.Pass)

	lines := []string{fmt.Sprintf("Manifest accepted: %d file(s), %s.", len(matched), humanize.Bytes(uint64(totalSize)))}
	lines = append(lines, findingLines(r.warnings)...)
	if out.Dispatched {
		lines = append(lines, "Validation jobs have been dispatched.")
	} else {
		lines = append(lines, "Validation was not started automatically. To start it:",
			fmt.Sprintf(`curl -X POST %s/api/v1/validations -d '{"manifest_fp": %q, "manifest_dynamodb_key_prefix": %q}'`,
				p.apiBaseURL, req.ManifestKey, r.prefix))
	}
	p.send(ctx, r, notify.Message{Subject: "GDR manifest PASS: " + r.prefix, Submission: r.prefix, Lines: lines})
	return out, nil
}

func (p *Processor) fail(ctx context.Context, r *run) (*Outcome, error) {
	findings := append(append([]record.Finding(nil), r.hard...), r.warnings...)
	if !r.dryRun() {
		if err := p.writeStatus(ctx, r.prefix, record.Fail, findings); err != nil {
			return nil, err
		}
	}
	if err := p.invoker.Invoke(ctx, invoke.Locker, locker.Request{Action: locker.ActionUnlock, Prefixes: []string{r.prefix}}); err != nil {
		return nil, fmt.Errorf("invoke locker: %w", err)
	}
	if err := p.transition(ctx, r, submission.FailedUnlocked); err != nil {
		return nil, err
	}
	p.metrics.ManifestVerdict(record.Fail)
	p.logger.Warn("manifest rejected", slog.String("submission", r.prefix), slog.Int("findings", len(r.hard)))

	lines := append([]string{"Manifest validation failed. The submission has been unlocked for correction."}, findingLines(findings)...)
	p.send(ctx, r, notify.Message{Subject: "GDR manifest FAIL: " + r.prefix, Submission: r.prefix, Lines: lines})
	return &Outcome{Submission: r.prefix, Status: record.Fail, Findings: findings}, nil
}

func (p *Processor) send(ctx context.Context, r *run, msg notify.Message) {
	if r.req.Options.SkipSendNotification {
		return
	}
	notify.Send(ctx, p.notifier, p.logger, msg)
}

// transition records the submission state unless the run is a dry run.
func (p *Processor) transition(ctx context.Context, r *run, to submission.State) error {
	if r.dryRun() {
		return nil
	}
	return p.states.Advance(ctx, r.prefix, to)
}

// replaceRecords removes the submission's previous ManifestRecords and writes
// the new set.
func (p *Processor) replaceRecords(ctx context.Context, prefix string, records []record.Record) error {
	table := p.store.Tables().Staging
	prior, err := p.store.Query(ctx, table, record.PKManifest, store.SubmissionPrefix(prefix))
	if err != nil {
		return err
	}
	if err := p.store.Remove(ctx, table, record.ObjectRemoved, prior...); err != nil {
		return err
	}
	return p.store.Write(ctx, table, record.CreateUpdate, records...)
}

func (p *Processor) writeStatus(ctx context.Context, prefix, value string, findings []record.Finding) error {
	st := record.ManifestStatus{
		Key:                   record.ManifestStatusKey(prefix),
		Value:                 value,
		AdditionalInformation: nonNil(findings),
	}
	return p.store.Write(ctx, p.store.Tables().Staging, record.CreateUpdate, st)
}

func nonNil(f []record.Finding) []record.Finding {
	if f == nil {
		return []record.Finding{}
	}
	return f
}

func findingLines(findings []record.Finding) []string {
	var out []string
	for _, f := range findings {
		out = append(out, "- "+f.Message)
		for _, d := range f.Data {
			out = append(out, "    "+strings.Join(d, ", "))
		}
	}
	return out
}

// Handle is the invoke.Handler for the manifest processor. It accepts a
// storage event batch of manifest uploads or a Request.
func (p *Processor) Handle(ctx context.Context, raw json.RawMessage) error {
	var peek struct {
		Records json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return invoke.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	var reqs []Request
	if peek.Records != nil {
		b, err := invoke.Decode[event.Batch](raw)
		if err != nil {
			return err
		}
		if err := b.Validate(); err != nil {
			return invoke.Permanent(err)
		}
		for _, rec := range b.Records {
			reqs = append(reqs, Request{BucketName: rec.BucketName(), ManifestKey: rec.Key()})
		}
	} else {
		req, err := invoke.Decode[Request](raw)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}

	var (
		errs       []error
		allInvalid = true
	)
	for _, req := range reqs {
		if _, err := p.Process(ctx, req); err != nil {
			allInvalid = allInvalid && errors.Is(err, ErrInvalidRequest)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && allInvalid {
		return invoke.Permanent(errors.Join(errs...))
	}
	return errors.Join(errs...)
}
