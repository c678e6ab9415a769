package record

import (
	"strings"
	"testing"
	"time"

	"github.com/maraichr/gdr/internal/filetype"
)

func TestNewFileRecord(t *testing.T) {
	r := NewFileRecord("staging", "Cardiac/2020-01-01/a.bam", `"E1"`, 10485760, "2020-01-01T00:00:00Z")
	if r.PK != PKFile || r.SK != "Cardiac/2020-01-01/a.bam" {
		t.Errorf("key = %+v", r.Key)
	}
	if r.ETag != "E1" {
		t.Errorf("etag should be unquoted, got %q", r.ETag)
	}
	if r.Filename != "a.bam" || r.FileType != filetype.BAM {
		t.Errorf("filename/filetype = %q/%s", r.Filename, r.FileType)
	}
}

func TestEncodeDecodeKeepsIntegers(t *testing.T) {
	r := NewFileRecord("staging", "AC/s/big.bam", "E", 160000000000, "")
	it, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(it.Data), `"size_in_bytes":160000000000`) {
		t.Errorf("size should be encoded as an integer: %s", it.Data)
	}
	got, err := Decode[FileRecord](it)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != r {
		t.Errorf("Decode = %+v, want %+v", got, r)
	}
	if v, ok := it.Field("size_in_bytes"); !ok || v != "160000000000" {
		t.Errorf("Field(size_in_bytes) = %q, %v", v, ok)
	}
	if v, ok := it.Field("bucket_name"); !ok || v != "staging" {
		t.Errorf("Field(bucket_name) = %q, %v", v, ok)
	}
}

func TestArchived(t *testing.T) {
	s := NewResultStatus(ChecksumValidation, "AC/s/a.bam", Running)
	it, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2021, 3, 4, 5, 6, 7, 8, time.UTC)
	a, err := Archived(it, CreateUpdate, at)
	if err != nil {
		t.Fatalf("Archived: %v", err)
	}
	wantSK := "AC/s/a.bam:2021-03-04T05:06:07.000000008Z"
	if a.SK != wantSK || a.PK != "STATUS:CHECKSUM_VALIDATION" {
		t.Errorf("archive key = %+v, want sk %q", a.Key, wantSK)
	}
	if v, _ := a.Field("archive_log"); v != "Create/Update" {
		t.Errorf("archive_log = %q", v)
	}
	if v, _ := a.Field("sort_key"); v != wantSK {
		t.Errorf("document sort_key = %q", v)
	}
	got, err := ArchiveTime(a.SK, s.SK)
	if err != nil || !got.Equal(at) {
		t.Errorf("ArchiveTime = %v, %v; want %v", got, err, at)
	}
	if _, err := ArchiveTime(a.SK, "AC/s/b.bam"); err == nil {
		t.Error("ArchiveTime accepted a foreign key")
	}
	if v, _ := a.Field("value"); v != Running {
		t.Errorf("value = %q", v)
	}
}

func TestClockStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(func() time.Time { return fixed })
	prev := c.Next()
	for i := 0; i < 100; i++ {
		next := c.Next()
		if !next.After(prev) {
			t.Fatalf("timestamp %v not after %v", next, prev)
		}
		if ArchiveSK("k", next) <= ArchiveSK("k", prev) {
			t.Fatalf("archive keys not ordered: %s <= %s", ArchiveSK("k", next), ArchiveSK("k", prev))
		}
		prev = next
	}
}

func TestParseTask(t *testing.T) {
	if _, err := ParseTask("CREATE_INDEX"); err != nil {
		t.Errorf("CREATE_INDEX: %v", err)
	}
	if _, err := ParseTask("RUN_EVERYTHING"); err == nil {
		t.Error("unknown task should fail")
	}
}

func TestETagEntry(t *testing.T) {
	e := NewETagEntry(`"E2"`, "staging", "X/2020-01-01/f.vcf.gz")
	if e.PK != "E2" || e.SK != "BUCKET:staging:S3_KEY:X/2020-01-01/f.vcf.gz" {
		t.Errorf("key = %+v", e.Key)
	}
	if e.URI() != "s3://staging/X/2020-01-01/f.vcf.gz" {
		t.Errorf("URI = %q", e.URI())
	}
}

func TestManifestStatusKey(t *testing.T) {
	k := ManifestStatusKey("Cardiac/2020-01-01/")
	if k.PK != PKStatusManifest || k.SK != "Cardiac/2020-01-01/manifest.txt" {
		t.Errorf("key = %+v", k)
	}
}
