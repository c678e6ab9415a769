package recorder

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/testenv"
)

const fileKey = "Cardiac/2020-01-01/a.bam"

func putResults(t *testing.T, h harness, entries []ResultEntry) event.Record {
	t.Helper()
	body, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	h.objects.PutObject(buckets.Results, fileKey+ResultsSuffix, body, "", 0)
	return event.NewRecord(event.ObjectCreatedPut, buckets.Results, fileKey+ResultsSuffix, "R1", int64(len(body)))
}

func statusOf(t *testing.T, h harness, task record.Task) *record.ResultStatus {
	t.Helper()
	rs, err := store.GetAs[record.ResultStatus](context.Background(), h.store, testenv.Tables.Results, record.Key{PK: record.StatusPK(task), SK: fileKey})
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func TestIngestResults(t *testing.T) {
	h := newHarness(t)
	ev := putResults(t, h, []ResultEntry{
		{StagingS3Key: fileKey, TaskType: "CHECKSUM_VALIDATION", Status: StatusSucceed, Value: "0123456789abcdef0123456789abcdef"},
		{StagingS3Key: fileKey, TaskType: "FILE_VALIDATION", Status: StatusFail, Value: "UNSUPPORTED"},
		{StagingS3Key: fileKey, TaskType: "CREATE_INDEX", Status: StatusSucceed, Value: FileValue,
			SourceFile: &record.SourceFile{S3Key: fileKey + ".bai", BucketName: buckets.Results, Checksum: "abc"}},
	})
	h.apply(t, ev)

	want := map[record.Task]string{
		record.ChecksumValidation: record.Pass,
		record.FileValidation:     record.Fail,
		record.CreateIndex:        record.Pass,
	}
	for task, value := range want {
		if rs := statusOf(t, h, task); rs == nil || rs.Value != value {
			t.Errorf("%s status = %+v, want %s", task, rs, value)
		}
	}

	data, err := store.GetAs[record.ResultData](context.Background(), h.store, testenv.Tables.Results, record.Key{PK: record.DataPK(record.CreateIndex), SK: fileKey})
	if err != nil || data == nil {
		t.Fatalf("index data = %v, %v", data, err)
	}
	if data.SourceFile == nil || data.SourceFile.S3Key != fileKey+".bai" {
		t.Errorf("source file = %+v", data.SourceFile)
	}

	calls := h.invoker.Calls(invoke.Monitor)
	if len(calls) != 1 {
		t.Fatalf("monitor calls = %d, want 1", len(calls))
	}
}

func TestIngestReplacesPrior(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.Write(ctx, testenv.Tables.Results, record.CreateUpdate,
		record.NewResultStatus(record.ChecksumValidation, fileKey, record.Running)); err != nil {
		t.Fatal(err)
	}

	ev := putResults(t, h, []ResultEntry{{StagingS3Key: fileKey, TaskType: "CHECKSUM_VALIDATION", Status: StatusFail, Value: "mismatch"}})
	h.apply(t, ev)
	h.apply(t, ev)

	rows, err := h.store.Query(ctx, testenv.Tables.Results, record.StatusPK(record.ChecksumValidation), fileKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("status rows = %d, want 1", len(rows))
	}
	if rs := statusOf(t, h, record.ChecksumValidation); rs.Value != record.Fail {
		t.Errorf("status = %s", rs.Value)
	}
}

func TestResultRemovalKeepsRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := putResults(t, h, []ResultEntry{{StagingS3Key: fileKey, TaskType: "FILE_VALIDATION", Status: StatusSucceed, Value: "BAM"}})
	h.apply(t, ev)
	if err := h.store.Write(ctx, testenv.Tables.Results, record.CreateUpdate,
		record.NewResultStatus(record.ChecksumValidation, fileKey, record.Running)); err != nil {
		t.Fatal(err)
	}

	h.apply(t, event.NewRecord(event.ObjectRemovedDelete, buckets.Results, fileKey+ResultsSuffix, "", 0))

	if rs := statusOf(t, h, record.FileValidation); rs != nil {
		t.Errorf("FILE_VALIDATION status kept: %+v", rs)
	}
	if rs := statusOf(t, h, record.ChecksumValidation); rs == nil || rs.Value != record.Running {
		t.Errorf("RUNNING status = %+v", rs)
	}
	if it, _ := h.store.Get(ctx, testenv.Tables.Results, record.Key{PK: record.DataPK(record.FileValidation), SK: fileKey}); it != nil {
		t.Error("data row kept")
	}
}

func TestMalformedResultsArePermanent(t *testing.T) {
	h := newHarness(t)
	h.objects.PutObject(buckets.Results, fileKey+ResultsSuffix, []byte("not json"), "", 0)
	err := h.rec.Record(context.Background(), event.Batch{Records: []event.Record{
		event.NewRecord(event.ObjectCreatedPut, buckets.Results, fileKey+ResultsSuffix, "R", 8),
	}})
	if !invoke.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}
