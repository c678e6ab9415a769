// Package record defines the entities held in the record store. Every entity
// shares a {partition_key, sort_key} header and is told apart by its partition
// key prefix.
package record

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maraichr/gdr/internal/filetype"
)

// Partition keys.
const (
	PKFile           = "TYPE:FILE"
	PKManifest       = "TYPE:MANIFEST"
	PKStatusManifest = "TYPE:STATUS_MANIFEST"
	PKStatusState    = "TYPE:STATUS_SUBMISSION"

	statusPrefix = "STATUS:"
	dataPrefix   = "DATA:"
)

// Key addresses a record.
type Key struct {
	PK string `json:"partition_key"`
	SK string `json:"sort_key"`
}

func (k Key) RecordKey() Key { return k }

func (k Key) String() string { return k.PK + "|" + k.SK }

// Record is any entity that can be written to the record store.
type Record interface {
	RecordKey() Key
}

// Task is a per-file check type.
type Task string

const (
	ChecksumValidation Task = "CHECKSUM_VALIDATION"
	FileValidation     Task = "FILE_VALIDATION"
	CreateIndex        Task = "CREATE_INDEX"
	CreateCompress     Task = "CREATE_COMPRESS"
)

// Tasks lists every check type in dispatch order.
var Tasks = []Task{ChecksumValidation, FileValidation, CreateIndex, CreateCompress}

// ParseTask validates a task name.
func ParseTask(s string) (Task, error) {
	for _, t := range Tasks {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task %q", s)
}

func StatusPK(t Task) string { return statusPrefix + string(t) }

func DataPK(t Task) string { return dataPrefix + string(t) }

// Verdict values.
const (
	Pass    = "PASS"
	Fail    = "FAIL"
	Running = "RUNNING"
)

// Placeholder stored for manifest cells that were left empty.
const NotProvided = "not provided"

// FileRecord describes one object in a bucket.
type FileRecord struct {
	Key
	BucketName   string            `json:"bucket_name"`
	S3Key        string            `json:"s3_key"`
	ETag         string            `json:"etag"`
	FileType     filetype.FileType `json:"filetype"`
	Filename     string            `json:"filename"`
	DateModified string            `json:"date_modified"`
	SizeInBytes  int64             `json:"size_in_bytes"`
}

// NewFileRecord builds a FileRecord keyed by the object key.
func NewFileRecord(bucket, key, etag string, size int64, modified string) FileRecord {
	filename := key
	if i := strings.LastIndex(key, "/"); i >= 0 {
		filename = key[i+1:]
	}
	return FileRecord{
		Key:          Key{PK: PKFile, SK: key},
		BucketName:   bucket,
		S3Key:        key,
		ETag:         strings.Trim(etag, `"`),
		FileType:     filetype.FromFilename(key),
		Filename:     filename,
		DateModified: modified,
		SizeInBytes:  size,
	}
}

// ManifestRecord is the manifest's view of one matched file.
type ManifestRecord struct {
	Key
	Flagship         string            `json:"flagship"`
	Submission       string            `json:"submission"`
	Filename         string            `json:"filename"`
	FileType         filetype.FileType `json:"filetype"`
	ProvidedChecksum string            `json:"provided_checksum"`
	AghaStudyID      string            `json:"agha_study_id"`
	IsInManifest     bool              `json:"is_in_manifest"`
	ValidationStatus string            `json:"validation_status"`
}

// Finding is one entry of ManifestStatus.additional_information.
type Finding struct {
	Message string     `json:"message"`
	Data    [][]string `json:"data,omitempty"`
}

// ManifestStatus is the per-submission manifest verdict.
type ManifestStatus struct {
	Key
	Value                 string    `json:"value"`
	AdditionalInformation []Finding `json:"additional_information"`
}

// ManifestStatusKey is the singleton key for a submission prefix.
func ManifestStatusKey(prefix string) Key {
	return Key{PK: PKStatusManifest, SK: strings.Trim(prefix, "/") + "/manifest.txt"}
}

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus struct {
	Key
	Value    string `json:"value"`
	Previous string `json:"previous,omitempty"`
}

// SubmissionStatusKey is the singleton key for a submission prefix.
func SubmissionStatusKey(prefix string) Key {
	return Key{PK: PKStatusState, SK: strings.Trim(prefix, "/")}
}

// ResultStatus is the verdict of one check for one file.
type ResultStatus struct {
	Key
	Value string `json:"value"`
}

func NewResultStatus(t Task, fileKey, value string) ResultStatus {
	return ResultStatus{Key: Key{PK: StatusPK(t), SK: fileKey}, Value: value}
}

// SourceFile references a file produced by a check (index, compressed copy).
type SourceFile struct {
	S3Key      string `json:"s3_key"`
	BucketName string `json:"bucket_name"`
	Checksum   string `json:"checksum"`
}

// ResultData is the value produced by one check for one file.
type ResultData struct {
	Key
	Value      string      `json:"value"`
	SourceFile *SourceFile `json:"source_file,omitempty"`
}

func NewResultData(t Task, fileKey, value string, src *SourceFile) ResultData {
	return ResultData{Key: Key{PK: DataPK(t), SK: fileKey}, Value: value, SourceFile: src}
}

// ETagEntry indexes one occurrence of a content hash.
type ETagEntry struct {
	Key
	BucketName string `json:"bucket_name"`
	S3Key      string `json:"s3_key"`
}

func NewETagEntry(etag, bucket, key string) ETagEntry {
	etag = strings.Trim(etag, `"`)
	return ETagEntry{
		Key:        Key{PK: etag, SK: ETagSK(bucket, key)},
		BucketName: bucket,
		S3Key:      key,
	}
}

func ETagSK(bucket, key string) string {
	return "BUCKET:" + bucket + ":S3_KEY:" + key
}

// URI renders the occurrence as s3://bucket/key.
func (e ETagEntry) URI() string {
	return "s3://" + e.BucketName + "/" + e.S3Key
}

// Item is the stored form of a record: its key plus the full JSON document.
type Item struct {
	Key
	Data json.RawMessage
}

// Encode serialises a record into an Item.
func Encode(r Record) (Item, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Item{}, fmt.Errorf("encode record %s: %w", r.RecordKey(), err)
	}
	return Item{Key: r.RecordKey(), Data: data}, nil
}

// EncodeAll serialises a list of records.
func EncodeAll[T Record](rs []T) ([]Item, error) {
	items := make([]Item, 0, len(rs))
	for _, r := range rs {
		it, err := Encode(r)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// Decode parses an Item into the requested record type.
func Decode[T any](it Item) (T, error) {
	var v T
	if err := json.Unmarshal(it.Data, &v); err != nil {
		return v, fmt.Errorf("decode record %s: %w", it.Key, err)
	}
	return v, nil
}

// DecodeAll parses a list of Items.
func DecodeAll[T any](items []Item) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		v, err := Decode[T](it)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Field returns the string form of a top-level field of the item's document.
// Numbers keep their integer form.
func (it Item) Field(name string) (string, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(it.Data, &doc); err != nil {
		return "", false
	}
	raw, ok := doc[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}
