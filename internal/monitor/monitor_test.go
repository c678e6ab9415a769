package monitor

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/objectstore/fake"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/submission"
	"github.com/maraichr/gdr/internal/testenv"
)

const prefix = "Cardiac/2020-01-01"

type harness struct {
	m        *Monitor
	r        *Reporter
	store    *store.Store
	states   *submission.Tracker
	objects  *fake.Store
	invoker  *invoke.Recording
	notifier *notify.Recording
}

func newHarness(t *testing.T) harness {
	t.Helper()
	s := testenv.Store(t)
	objects := testenv.Objects()
	inv := &invoke.Recording{}
	n := &notify.Recording{}
	pipeline := config.PipelineConfig{APIBaseURL: "http://gdr"}
	states := submission.NewTracker(s, testenv.Logger())
	return harness{
		m:        New(testenv.Buckets, pipeline, s, objects, inv, n, nil, testenv.Logger()),
		r:        NewReporter(testenv.Buckets, pipeline, objects, states, n, nil, testenv.Logger()),
		store:    s,
		states:   states,
		objects:  objects,
		invoker:  inv,
		notifier: n,
	}
}

func (h harness) write(t *testing.T, table string, rs ...record.Record) {
	t.Helper()
	if err := h.store.Write(context.Background(), table, record.CreateUpdate, rs...); err != nil {
		t.Fatal(err)
	}
}

// stage puts a manifested file into staging.
func (h harness) stage(t *testing.T, name string) string {
	t.Helper()
	key := prefix + "/" + name
	h.objects.PutObject(testenv.Buckets.Staging, key, []byte("x"), "E-"+name, 1)
	h.write(t, testenv.Tables.Staging, record.ManifestRecord{
		Key:          record.Key{PK: record.PKManifest, SK: key},
		Filename:     name,
		IsInManifest: true,
	})
	return key
}

// result records a results object and the given status for every task.
func (h harness) result(t *testing.T, key string, statuses map[record.Task]string) {
	t.Helper()
	rk := key + ResultsSuffix
	h.write(t, testenv.Tables.Results, record.NewFileRecord(testenv.Buckets.Results, rk, "R", 1, ""))
	for task, v := range statuses {
		h.write(t, testenv.Tables.Results, record.NewResultStatus(task, key, v))
	}
}

func allPass() map[record.Task]string {
	return map[record.Task]string{
		record.ChecksumValidation: record.Pass,
		record.FileValidation:     record.Pass,
		record.CreateIndex:        record.Pass,
	}
}

func (h harness) validating(t *testing.T) {
	t.Helper()
	for _, st := range []submission.State{submission.Locked, submission.Validating} {
		if err := h.states.Advance(context.Background(), prefix, st); err != nil {
			t.Fatal(err)
		}
	}
}

func (h harness) state(t *testing.T) submission.State {
	t.Helper()
	st, err := h.states.Current(context.Background(), prefix)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func (h harness) check(t *testing.T, ev Event) *Verdict {
	t.Helper()
	v, err := h.m.Check(context.Background(), ev)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	return v
}

func TestValidationVerdict(t *testing.T) {
	h := newHarness(t)
	a := h.stage(t, "a.bam")
	b := h.stage(t, "b.bam")
	h.objects.PutObject(testenv.Buckets.Staging, prefix+"/a.bam.bai", []byte("i"), "", 1)
	h.objects.PutObject(testenv.Buckets.Staging, prefix+"/manifest.txt", []byte("m"), "", 1)
	h.objects.PutObject(testenv.Buckets.Staging, prefix+"/stray.bam", []byte("s"), "", 1)

	h.result(t, a, allPass())
	ev := Event{EventType: ValidationResultUpload, S3Key: a + ResultsSuffix}
	v := h.check(t, ev)
	if v.Status != StatusRunning || !slices.Equal(v.Pending, []string{b}) {
		t.Fatalf("verdict = %+v, want RUNNING pending b.bam", v)
	}
	if len(h.notifier.Messages()) != 0 {
		t.Error("notified while running")
	}

	h.result(t, b, allPass())
	v = h.check(t, ev)
	if v.Status != StatusPass {
		t.Fatalf("verdict = %+v, want PASS", v)
	}
	if msg, _ := h.notifier.Last(); !strings.Contains(msg.Text(), "/api/v1/transfers") {
		t.Errorf("PASS notification = %q", msg.Text())
	}
}

func TestValidationPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.validating(t)
	a := h.stage(t, "a.bam")
	b := h.stage(t, "b.bam")
	failing := allPass()
	failing[record.ChecksumValidation] = record.Fail
	h.result(t, a, failing)
	h.result(t, b, allPass())

	ev := Event{EventType: ValidationResultUpload, S3Key: b + ResultsSuffix}
	first := h.check(t, ev)
	second := h.check(t, ev)
	for _, v := range []*Verdict{first, second} {
		if v.Status != StatusFail || !slices.Equal(v.FailKeys, []string{a}) {
			t.Errorf("verdict = %+v, want FAIL on %s", v, a)
		}
	}
	raw, _ := json.Marshal(first)
	if !strings.Contains(string(raw), `"fail_status_result_key":["`+a+`"]`) {
		t.Errorf("verdict json = %s", raw)
	}
	if msg, _ := h.notifier.Last(); !strings.Contains(msg.Subject, "FAIL") {
		t.Errorf("notification = %+v", msg)
	}
	if st := h.state(t); st != submission.FailedLocked {
		t.Errorf("state = %s, want FAILED_LOCKED", st)
	}
}

func TestValidationWithoutFiles(t *testing.T) {
	h := newHarness(t)
	h.objects.PutObject(testenv.Buckets.Staging, prefix+"/manifest.txt", []byte("m"), "", 1)
	h.objects.PutObject(testenv.Buckets.Staging, prefix+"/a.bam.bai", []byte("i"), "", 1)

	v := h.check(t, Event{EventType: ValidationResultUpload, S3Key: prefix + "/a.bam" + ResultsSuffix})
	if v.Status != StatusRunning {
		t.Errorf("verdict = %+v, want RUNNING", v)
	}
	if len(h.notifier.Messages()) != 0 {
		t.Errorf("notified for an empty submission: %+v", h.notifier.Messages())
	}
}

func TestStoreUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := testenv.Tables.Store
	bucket := testenv.Buckets.Store
	mr := func(name string) record.ManifestRecord {
		return record.ManifestRecord{Key: record.Key{PK: record.PKManifest, SK: prefix + "/" + name}, Filename: name}
	}
	fr := func(name string) record.FileRecord {
		return record.NewFileRecord(bucket, prefix+"/"+name, "E", 1, "")
	}
	h.write(t, st, mr("a.bam"), mr("b.vcf.gz"))
	h.write(t, st, fr("a.bam"), fr("a.bam.bai"), fr("manifest.txt"))

	ev := Event{EventType: StoreFileUpload, S3Key: prefix + "/a.bam"}
	if v := h.check(t, ev); v.Status != StatusPromoting {
		t.Fatalf("verdict = %+v, want PROMOTING", v)
	}

	h.write(t, st, fr("b.vcf.gz"))
	if v := h.check(t, ev); v.Status != StatusPromoting {
		t.Fatalf("without manifest.orig: %+v", v)
	}

	h.write(t, st, fr("manifest.orig"))
	if v := h.check(t, ev); v.Status != StatusReported {
		t.Fatalf("verdict = %+v, want REPORT_REQUESTED", v)
	}
	calls := h.invoker.Calls(invoke.Report)
	if len(calls) != 1 {
		t.Fatalf("report calls = %d", len(calls))
	}
	var req ReportRequest
	json.Unmarshal(calls[0].Payload, &req)
	if req.ReportType != ReportStoreBucketCheck || req.Payload.SubmissionPrefix != prefix {
		t.Errorf("report request = %+v", req)
	}

	if err := h.r.Handle(ctx, calls[0].Payload); err == nil {
		t.Error("report without manifest.orig object succeeded")
	}
}

func TestStoreBucketCheck(t *testing.T) {
	tests := []struct {
		name        string
		stored      []string
		wantStatus  string
		wantMissing []string
		wantState   submission.State
	}{
		{"compressed counts", []string{"a.bam", "b.vcf.gz", "a.bam.bai"}, ReportSuccess, nil, submission.Stored},
		{"missing", []string{"a.bam"}, ReportFail, []string{"b.vcf"}, submission.Validating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.validating(t)
			orig := "filename\tchecksum\tagha_study_id\na.bam\t\tA0000001\nb.vcf\t\tA0000001\n"
			h.objects.PutObject(testenv.Buckets.Store, prefix+"/manifest.orig", []byte(orig), "", 0)
			for _, name := range tt.stored {
				h.objects.PutObject(testenv.Buckets.Store, prefix+"/"+name, []byte("x"), "", 1)
			}
			rep, err := h.r.StoreBucketCheck(context.Background(), prefix+"/")
			if err != nil {
				t.Fatal(err)
			}
			if rep.Status != tt.wantStatus || !slices.Equal(rep.Missing, tt.wantMissing) {
				t.Errorf("report = %+v", rep)
			}
			msg, _ := h.notifier.Last()
			if tt.wantStatus == ReportSuccess && !strings.Contains(msg.Text(), "/api/v1/cleanups") {
				t.Errorf("notification = %q", msg.Text())
			}
			if got := h.state(t); got != tt.wantState {
				t.Errorf("state = %s, want %s", got, tt.wantState)
			}
		})
	}
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := prefix + "/a.bam"
	h.write(t, testenv.Tables.Results,
		record.NewResultStatus(record.ChecksumValidation, a, record.Running),
		record.NewResultStatus(record.FileValidation, a, record.Running),
		record.NewResultStatus(record.ChecksumValidation, "Mito/x/done.bam", record.Pass))

	sw := NewSweeper(h.store, h.invoker, h.notifier, time.Hour, testenv.Logger())
	stale, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh rows reported stale: %+v", stale)
	}

	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stale, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].Submission != prefix || !slices.Equal(stale[0].Keys, []string{a}) {
		t.Fatalf("stale = %+v", stale)
	}
	calls := h.invoker.Calls(invoke.Monitor)
	if len(calls) != 1 {
		t.Fatalf("monitor calls = %d", len(calls))
	}
	var ev Event
	json.Unmarshal(calls[0].Payload, &ev)
	if ev.EventType != ValidationResultUpload || ev.S3Key != a {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		payload string
	}{
		{"unknown type", `{"event_type":"SOMETHING","s3_key":"Cardiac/2020-01-01/a.bam"}`},
		{"bad key", `{"event_type":"VALIDATION_RESULT_UPLOAD","s3_key":"a.bam"}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.m.Handle(ctx, json.RawMessage(tt.payload)); !invoke.IsPermanent(err) {
				t.Errorf("Handle = %v, want permanent", err)
			}
		})
	}
	if err := h.r.Handle(ctx, json.RawMessage(`{"report_type":"other"}`)); !invoke.IsPermanent(err) {
		t.Errorf("unknown report = %v, want permanent", err)
	}
}
