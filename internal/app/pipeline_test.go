package app

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/maraichr/gdr/internal/batch"
	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/dispatch"
	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/locker"
	"github.com/maraichr/gdr/internal/manifest"
	"github.com/maraichr/gdr/internal/monitor"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/objectstore/fake"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/recorder"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/submission"
	"github.com/maraichr/gdr/internal/testenv"
	"github.com/maraichr/gdr/internal/transfer"
)

const (
	prefix  = "Cardiac/2020-01-01"
	goodSum = "0123456789abcdef0123456789abcdef"
)

// pipeline wires every component onto in-memory backends with in-process
// invocation.
type pipeline struct {
	local    *invoke.Local
	store    *store.Store
	objects  *fake.Store
	jobs     *batch.Recording
	notifier *notify.Recording
	states   *submission.Tracker
	locker   *locker.Locker
	monitor  *monitor.Monitor
	transfer *transfer.Transferer
	cleaner  *transfer.Cleaner
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := testenv.Logger()
	s := testenv.Store(t)
	objects := testenv.Objects()
	local := invoke.NewLocal(logger)
	jobs := &batch.Recording{}
	n := &notify.Recording{}
	buckets := testenv.Buckets
	pipe := config.PipelineConfig{AutorunValidation: true, APIBaseURL: "http://gdr"}
	states := submission.NewTracker(s, logger)
	batchCfg := config.BatchConfig{Queues: testenv.Queues, S3JobDefinition: "s3-mv", ValidationJobDefinition: "validate"}

	a := &App{
		Logger:     logger,
		Store:      s,
		Objects:    objects,
		Invoker:    local,
		Router:     event.NewRouter(buckets, local, nil, logger),
		Recorder:   recorder.New(buckets, s, objects, local, logger),
		Locker:     locker.New(buckets.Staging, config.LockConfig{AccountID: "123456789012"}, objects, logger),
		Manifests:  manifest.NewProcessor(buckets, pipe, s, objects, local, n, nil, logger),
		Dispatcher: dispatch.New(buckets, batchCfg, s, objects, jobs, logger),
		Monitor:    monitor.New(buckets, pipe, s, objects, local, n, nil, logger),
		Reporter:   monitor.NewReporter(buckets, pipe, objects, states, n, nil, logger),
		Transferer: transfer.New(buckets, batchCfg, s, objects, jobs, logger),
		Cleaner:    transfer.NewCleaner(buckets, objects, states, local, n, logger),
	}
	for fn, h := range a.Handlers() {
		local.Register(fn, h)
	}
	return &pipeline{
		local:    local,
		store:    s,
		objects:  objects,
		jobs:     jobs,
		notifier: n,
		states:   states,
		locker:   a.Locker,
		monitor:  a.Monitor,
		transfer: a.Transferer,
		cleaner:  a.Cleaner,
	}
}

// emit delivers a storage event for an object the way the listener does.
func (p *pipeline) emit(t *testing.T, name, bucket, key string) {
	t.Helper()
	var etag string
	var size int64
	if o, ok := p.objects.Object(bucket, key); ok {
		etag, size = o.ETag, o.Size
	}
	b := event.Batch{Records: []event.Record{event.NewRecord(name, bucket, key, etag, size)}}
	if err := p.local.Invoke(context.Background(), invoke.Router, b); err != nil {
		t.Fatal(err)
	}
	if errs := p.local.Errors(); len(errs) > 0 {
		t.Fatalf("pipeline errors after %s %s: %v", name, key, errs)
	}
}

func (p *pipeline) put(t *testing.T, bucket, key string, body []byte) {
	t.Helper()
	p.objects.PutObject(bucket, key, body, "", 0)
	p.emit(t, event.ObjectCreatedPut, bucket, key)
}

// runMove executes an s3_mv job against the fake object store.
func (p *pipeline) runMove(t *testing.T, job batch.Job) {
	t.Helper()
	if len(job.Command) != 5 || job.Command[0] != "s3_mv" {
		t.Fatalf("unexpected transfer command %v", job.Command)
	}
	srcBucket, srcKey := splitURI(t, job.Command[2])
	dstBucket, dstKey := splitURI(t, job.Command[4])
	o, ok := p.objects.Object(srcBucket, srcKey)
	if !ok {
		t.Fatalf("transfer source %s missing", job.Command[2])
	}
	p.objects.PutObject(dstBucket, dstKey, []byte("moved"), o.ETag, o.Size)
	p.emit(t, event.ObjectCreatedPut, dstBucket, dstKey)
	if err := p.objects.Delete(context.Background(), srcBucket, srcKey); err != nil {
		t.Fatal(err)
	}
	p.emit(t, event.ObjectRemovedDelete, srcBucket, srcKey)
}

func splitURI(t *testing.T, uri string) (string, string) {
	t.Helper()
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if !ok {
		t.Fatalf("bad uri %q", uri)
	}
	return bucket, key
}

func (p *pipeline) wantState(t *testing.T, want submission.State) {
	t.Helper()
	got, err := p.states.Current(context.Background(), prefix)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("submission state = %s, want %s", got, want)
	}
}

// validated uploads a one-file submission and delivers its passing results.
func (p *pipeline) validated(t *testing.T) string {
	t.Helper()
	staging, results := testenv.Buckets.Staging, testenv.Buckets.Results
	bam := prefix + "/a.bam"
	p.put(t, staging, bam, []byte("reads"))
	p.put(t, staging, prefix+"/manifest.txt",
		[]byte("checksum\tfilename\tagha_study_id\n"+goodSum+"\ta.bam\tA0000001\n"))
	p.put(t, results, bam+".bai", []byte("index"))
	entries := []recorder.ResultEntry{
		{StagingS3Key: bam, TaskType: string(record.ChecksumValidation), Status: recorder.StatusSucceed, Value: goodSum},
		{StagingS3Key: bam, TaskType: string(record.FileValidation), Status: recorder.StatusSucceed, Value: "BAM"},
		{StagingS3Key: bam, TaskType: string(record.CreateIndex), Status: recorder.StatusSucceed, Value: recorder.FileValue,
			SourceFile: &record.SourceFile{S3Key: bam + ".bai", BucketName: results}},
	}
	doc, _ := json.Marshal(entries)
	p.put(t, results, bam+recorder.ResultsSuffix, doc)
	return bam
}

func TestSubmissionLifecycle(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	staging, results, storeBucket := testenv.Buckets.Staging, testenv.Buckets.Results, testenv.Buckets.Store
	bam := prefix + "/a.bam"

	// Upload: data first, manifest last.
	p.put(t, staging, bam, []byte("reads"))
	p.put(t, staging, prefix+"/manifest.txt",
		[]byte("checksum\tfilename\tagha_study_id\n"+goodSum+"\ta.bam\tA0000001\n"))

	st, err := store.GetAs[record.ManifestStatus](ctx, p.store, testenv.Tables.Staging, record.ManifestStatusKey(prefix))
	if err != nil || st == nil || st.Value != record.Pass {
		t.Fatalf("manifest status = %+v, %v", st, err)
	}
	jobs := p.jobs.Jobs()
	// One job per file runs all of its checks through --tasks.
	if len(jobs) != 1 || !slices.Contains(jobs[0].Command, bam) {
		t.Fatalf("validation jobs = %+v", jobs)
	}
	p.jobs.Reset()
	p.wantState(t, submission.Validating)

	// The validation job writes its index and result document.
	p.put(t, results, bam+".bai", []byte("index"))
	entries := []recorder.ResultEntry{
		{StagingS3Key: bam, TaskType: string(record.ChecksumValidation), Status: recorder.StatusSucceed, Value: goodSum},
		{StagingS3Key: bam, TaskType: string(record.FileValidation), Status: recorder.StatusSucceed, Value: "BAM"},
		{StagingS3Key: bam, TaskType: string(record.CreateIndex), Status: recorder.StatusSucceed, Value: recorder.FileValue,
			SourceFile: &record.SourceFile{S3Key: bam + ".bai", BucketName: results}},
	}
	doc, _ := json.Marshal(entries)
	p.put(t, results, bam+recorder.ResultsSuffix, doc)

	msg, _ := p.notifier.Last()
	if !strings.Contains(msg.Text(), "/api/v1/transfers") {
		t.Fatalf("validation notification = %q", msg.Text())
	}

	// Promote and let the move jobs run.
	res, err := p.transfer.Transfer(ctx, transfer.Request{DirectoryPrefix: prefix + "/"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(res.Jobs) != 2 {
		t.Fatalf("transfer jobs = %+v", res.Jobs)
	}
	for _, j := range res.Jobs {
		p.runMove(t, j)
	}
	p.emit(t, event.ObjectCreatedPut, storeBucket, prefix+"/manifest.txt")
	p.emit(t, event.ObjectCreatedPut, storeBucket, prefix+"/manifest.orig")

	msg, _ = p.notifier.Last()
	if !strings.Contains(msg.Text(), "/api/v1/cleanups") {
		t.Fatalf("store report notification = %q", msg.Text())
	}
	p.wantState(t, submission.Stored)

	// Clean staging and confirm the prefix ends up locked.
	if _, err := p.cleaner.Cleanup(ctx, prefix); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if keys := p.objects.Keys(staging); !slices.Equal(keys, []string{prefix + "/README.md"}) {
		t.Errorf("staging after cleanup = %v", keys)
	}
	locked, err := p.locker.Locked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(locked, prefix) {
		t.Errorf("locked = %v, want %s", locked, prefix)
	}
	if errs := p.local.Errors(); len(errs) > 0 {
		t.Errorf("pipeline errors: %v", errs)
	}
}

func TestDispatchReplayKeepsVerdict(t *testing.T) {
	p := newPipeline(t)
	p.jobs.Dedupe = true
	ctx := context.Background()
	bam := p.validated(t)
	ev := monitor.Event{EventType: monitor.ValidationResultUpload, S3Key: bam + recorder.ResultsSuffix}
	if v, err := p.monitor.Check(ctx, ev); err != nil || v.Status != monitor.StatusPass {
		t.Fatalf("verdict = %+v, %v", v, err)
	}

	replay := dispatch.Payload{ManifestKey: prefix + "/manifest.txt", RecordPrefix: prefix}
	if err := p.local.Invoke(ctx, invoke.Dispatcher, replay); err != nil {
		t.Fatal(err)
	}
	if errs := p.local.Errors(); len(errs) > 0 {
		t.Fatalf("replay errors: %v", errs)
	}
	if n := len(p.jobs.Jobs()); n != 1 {
		t.Errorf("jobs after replay = %d, want 1", n)
	}
	if !p.objects.Has(testenv.Buckets.Results, bam+recorder.ResultsSuffix) {
		t.Error("replay purged the results document")
	}
	if v, err := p.monitor.Check(ctx, ev); err != nil || v.Status != monitor.StatusPass {
		t.Errorf("verdict after replay = %+v, %v", v, err)
	}
}

func TestValidationFailureLocksSubmission(t *testing.T) {
	p := newPipeline(t)
	staging, results := testenv.Buckets.Staging, testenv.Buckets.Results
	bam := prefix + "/a.bam"
	p.put(t, staging, bam, []byte("reads"))
	p.put(t, staging, prefix+"/manifest.txt",
		[]byte("checksum\tfilename\tagha_study_id\n"+goodSum+"\ta.bam\tA0000001\n"))

	entries := []recorder.ResultEntry{
		{StagingS3Key: bam, TaskType: string(record.ChecksumValidation), Status: recorder.StatusFail, Value: "ffffffffffffffffffffffffffffffff"},
		{StagingS3Key: bam, TaskType: string(record.FileValidation), Status: recorder.StatusSucceed, Value: "BAM"},
		{StagingS3Key: bam, TaskType: string(record.CreateIndex), Status: recorder.StatusSucceed, Value: recorder.FileValue},
	}
	doc, _ := json.Marshal(entries)
	p.put(t, results, bam+recorder.ResultsSuffix, doc)

	p.wantState(t, submission.FailedLocked)
	if _, err := p.cleaner.Cleanup(context.Background(), prefix); !errors.Is(err, transfer.ErrInvalidRequest) {
		t.Errorf("cleanup of a failed submission = %v, want ErrInvalidRequest", err)
	}
}
