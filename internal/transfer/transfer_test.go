package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/maraichr/gdr/internal/batch"
	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/filetype"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/locker"
	"github.com/maraichr/gdr/internal/manifest"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/objectstore/fake"
	"github.com/maraichr/gdr/internal/payload"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/submission"
	"github.com/maraichr/gdr/internal/testenv"
)

const (
	prefix  = "Cardiac/2020-01-01"
	goodSum = "0123456789abcdef0123456789abcdef"
)

type harness struct {
	t        *Transferer
	c        *Cleaner
	store    *store.Store
	states   *submission.Tracker
	objects  *fake.Store
	jobs     *batch.Recording
	invoker  *invoke.Recording
	notifier *notify.Recording
}

func newHarness(t *testing.T) harness {
	t.Helper()
	s := testenv.Store(t)
	objects := testenv.Objects()
	jobs := &batch.Recording{}
	inv := &invoke.Recording{}
	n := &notify.Recording{}
	states := submission.NewTracker(s, testenv.Logger())
	cfg := config.BatchConfig{Queues: testenv.Queues, S3JobDefinition: "s3-mv"}
	return harness{
		t:        New(testenv.Buckets, cfg, s, objects, jobs, testenv.Logger()),
		c:        NewCleaner(testenv.Buckets, objects, states, inv, n, testenv.Logger()),
		store:    s,
		states:   states,
		objects:  objects,
		jobs:     jobs,
		invoker:  inv,
		notifier: n,
	}
}

// advance walks the submission through the given states.
func (h harness) advance(t *testing.T, states ...submission.State) {
	t.Helper()
	for _, st := range states {
		if err := h.states.Advance(context.Background(), prefix, st); err != nil {
			t.Fatal(err)
		}
	}
}

func (h harness) stage(t *testing.T, name string, size int64, checksum string) string {
	t.Helper()
	key := prefix + "/" + name
	h.objects.PutObject(testenv.Buckets.Staging, key, []byte("x"), "E-"+name, size)
	err := h.store.Write(context.Background(), testenv.Tables.Staging, record.CreateUpdate,
		record.NewFileRecord(testenv.Buckets.Staging, key, "E-"+name, size, ""),
		record.ManifestRecord{
			Key:              record.Key{PK: record.PKManifest, SK: key},
			Filename:         name,
			FileType:         filetype.FromFilename(name),
			ProvidedChecksum: checksum,
			AghaStudyID:      "A0000001",
			IsInManifest:     true,
		})
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func (h harness) produced(t *testing.T, task record.Task, key, output, checksum string) {
	t.Helper()
	src := &record.SourceFile{S3Key: output, BucketName: testenv.Buckets.Results, Checksum: checksum}
	if err := h.store.Write(context.Background(), testenv.Tables.Results, record.CreateUpdate,
		record.NewResultData(task, key, "FILE", src)); err != nil {
		t.Fatal(err)
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"directory", Request{DirectoryPrefix: prefix + "/"}, false},
		{"keys", Request{S3Keys: payload.Strings{prefix + "/a.bam"}}, false},
		{"neither", Request{}, true},
		{"both", Request{DirectoryPrefix: prefix, S3Keys: payload.Strings{prefix + "/a.bam"}}, true},
		{"bad key", Request{S3Keys: payload.Strings{"a.bam"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error %v does not wrap ErrInvalidRequest", err)
			}
		})
	}
}

func TestTransferSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.stage(t, "a.bam", 10<<20, goodSum)
	b := h.stage(t, "b.vcf", 60_000_000_000, goodSum)
	orig := []byte("checksum\tfilename\tagha_study_id\n" + goodSum + "\ta.bam\tA0000001\n" + goodSum + "\tb.vcf\tA0000001\n")
	h.objects.PutObject(testenv.Buckets.Staging, prefix+"/manifest.txt", orig, "", 0)
	h.produced(t, record.CreateIndex, a, a+".bai", "")
	h.produced(t, record.CreateCompress, b, b+".gz", "fedcba9876543210fedcba9876543210")

	res, err := h.t.Transfer(ctx, Request{DirectoryPrefix: prefix + "/"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(res.Jobs) != 3 || !res.ManifestWritten {
		t.Fatalf("result = %+v", res)
	}
	byDest := map[string]batch.Job{}
	for _, j := range res.Jobs {
		byDest[j.Command[4]] = j
	}
	storeURI := func(k string) string { return "s3://" + testenv.Buckets.Store + "/" + k }
	if j, ok := byDest[storeURI(a)]; !ok || j.Command[2] != "s3://"+testenv.Buckets.Staging+"/"+a || j.Queue != "q-small" || j.Definition != "s3-mv" {
		t.Errorf("a.bam job = %+v", j)
	}
	if _, ok := byDest[storeURI(a+".bai")]; !ok {
		t.Errorf("index not moved: %v", byDest)
	}
	if j, ok := byDest[storeURI(b+".gz")]; !ok || j.Command[2] != "s3://"+testenv.Buckets.Results+"/"+b+".gz" || j.Queue != "q-medium" {
		t.Errorf("b.vcf.gz job = %+v", j)
	}

	mrs, err := storeRecords(h)
	if err != nil {
		t.Fatal(err)
	}
	if len(mrs) != 2 || mrs[1].SK != b+".gz" || mrs[1].ProvidedChecksum != "fedcba9876543210fedcba9876543210" {
		t.Errorf("store manifest records = %+v", mrs)
	}

	gotOrig := readStore(t, h, prefix+"/manifest.orig")
	if !bytes.Equal(gotOrig, orig) {
		t.Errorf("manifest.orig = %q", gotOrig)
	}
	regenerated := readStore(t, h, prefix+"/manifest.txt")
	m, err := manifest.Parse(bytes.NewReader(regenerated))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(m.Filenames(), []string{"a.bam", "b.vcf.gz"}) {
		t.Errorf("regenerated manifest = %v", m.Filenames())
	}

	if _, err := h.t.Transfer(ctx, Request{DirectoryPrefix: prefix}); err != nil {
		t.Fatal(err)
	}
	if mrs, _ := storeRecords(h); len(mrs) != 2 {
		t.Errorf("replay left %d store records", len(mrs))
	}
}

func storeRecords(h harness) ([]record.ManifestRecord, error) {
	return store.QueryAs[record.ManifestRecord](context.Background(), h.store, testenv.Tables.Store, record.PKManifest, store.SubmissionPrefix(prefix))
}

func readStore(t *testing.T, h harness, key string) []byte {
	t.Helper()
	b, err := objectstore.ReadAll(context.Background(), h.objects, testenv.Buckets.Store, key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return b
}

func TestTransferKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.stage(t, "a.bam", 1, goodSum)

	res, err := h.t.Transfer(ctx, Request{S3Keys: payload.Strings{a}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Jobs) != 1 || res.ManifestWritten {
		t.Errorf("result = %+v", res)
	}
	if h.objects.Has(testenv.Buckets.Store, prefix+"/manifest.orig") {
		t.Error("manifest.orig written for a key transfer")
	}

	_, err = h.t.Transfer(ctx, Request{S3Keys: payload.Strings{prefix + "/ghost.bam"}})
	if !errors.Is(err, ErrNotRecorded) {
		t.Errorf("err = %v, want ErrNotRecorded", err)
	}
	raw, _ := json.Marshal(Request{S3Keys: payload.Strings{prefix + "/ghost.bam"}})
	if err := h.t.Handle(ctx, raw); !invoke.IsPermanent(err) {
		t.Errorf("Handle = %v, want permanent", err)
	}
}

func TestCleanupRefusal(t *testing.T) {
	h := newHarness(t)
	h.advance(t, submission.Locked, submission.Validating)
	staging := testenv.Buckets.Staging
	for _, name := range []string{"data.bam", "a.bam.bai", "b.vcf"} {
		h.objects.PutObject(staging, prefix+"/"+name, []byte("x"), "", 1)
	}

	_, err := h.c.Cleanup(context.Background(), prefix+"/")
	var refusal *Refusal
	if !errors.As(err, &refusal) {
		t.Fatalf("err = %v, want *Refusal", err)
	}
	if refusal.Reason != "Please check if all data should be deleted." || !slices.Equal(refusal.Payload, []string{prefix + "/data.bam"}) {
		t.Errorf("refusal = %+v", refusal)
	}
	if len(h.objects.Keys(staging)) != 3 {
		t.Errorf("objects deleted: %v", h.objects.Keys(staging))
	}
	if len(h.invoker.Calls(invoke.Locker)) != 0 {
		t.Error("locker invoked")
	}
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	h.advance(t, submission.Locked, submission.Validating)
	staging := testenv.Buckets.Staging
	for _, name := range []string{"a.bam.bai", "b.vcf", "manifest.txt", "a.bam.md5"} {
		h.objects.PutObject(staging, prefix+"/"+name, []byte("x"), "", 1)
	}

	res, err := h.c.Cleanup(context.Background(), prefix)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(res.Deleted) != 4 {
		t.Errorf("deleted = %v", res.Deleted)
	}
	if keys := h.objects.Keys(staging); !slices.Equal(keys, []string{prefix + "/README.md"}) {
		t.Errorf("staging = %v", keys)
	}
	calls := h.invoker.Calls(invoke.Locker)
	if len(calls) != 1 {
		t.Fatalf("locker calls = %d", len(calls))
	}
	var req locker.Request
	json.Unmarshal(calls[0].Payload, &req)
	if req.Action != locker.ActionLock || !slices.Equal(req.Prefixes, []string{prefix}) {
		t.Errorf("lock request = %+v", req)
	}

	if st, _ := h.states.Current(context.Background(), prefix); st != submission.Stored {
		t.Errorf("state = %s, want STORED", st)
	}

	if _, err := h.c.Cleanup(context.Background(), prefix); err != nil {
		t.Errorf("second cleanup: %v", err)
	}
}

func TestCleanupRejectsUnvalidatedSubmission(t *testing.T) {
	for _, states := range [][]submission.State{
		nil,
		{submission.Locked},
		{submission.Locked, submission.Validating, submission.FailedLocked},
	} {
		h := newHarness(t)
		h.advance(t, states...)
		h.objects.PutObject(testenv.Buckets.Staging, prefix+"/a.bam.bai", []byte("x"), "", 1)

		_, err := h.c.Cleanup(context.Background(), prefix)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("states %v: err = %v, want ErrInvalidRequest", states, err)
		}
		if len(h.objects.Keys(testenv.Buckets.Staging)) != 1 {
			t.Errorf("states %v: staging changed", states)
		}
	}
}

func TestCleanupReadmeFailureSkipsLock(t *testing.T) {
	h := newHarness(t)
	h.advance(t, submission.Locked, submission.Validating)
	h.objects.PutObject(testenv.Buckets.Staging, prefix+"/a.bam.bai", []byte("x"), "", 1)
	h.objects.Fail = func(op, bucket, key string) error {
		if op == "put" {
			return errors.New("access denied")
		}
		return nil
	}
	if _, err := h.c.Cleanup(context.Background(), prefix); err == nil {
		t.Fatal("Cleanup succeeded")
	}
	if len(h.invoker.Calls(invoke.Locker)) != 0 {
		t.Error("locked without README")
	}
}

func TestCleanupHandle(t *testing.T) {
	h := newHarness(t)
	h.advance(t, submission.Locked, submission.Validating)
	h.objects.PutObject(testenv.Buckets.Staging, prefix+"/data.bam", []byte("x"), "", 1)
	raw := json.RawMessage(`{"submission_directory":"` + prefix + `/"}`)
	if err := h.c.Handle(context.Background(), raw); !invoke.IsPermanent(err) {
		t.Errorf("Handle = %v, want permanent refusal", err)
	}
	if err := h.c.Handle(context.Background(), json.RawMessage(`{}`)); !invoke.IsPermanent(err) {
		t.Errorf("Handle empty = %v, want permanent", err)
	}
}
