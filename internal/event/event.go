// Package event models storage notifications and routes them to the
// recorder, locker and manifest processor.
package event

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformed marks events missing required fields.
var ErrMalformed = errors.New("malformed storage event")

// Batch is a storage notification as delivered by the object store.
type Batch struct {
	Records []Record `json:"Records"`
}

type Record struct {
	EventName    string        `json:"eventName"`
	EventTime    string        `json:"eventTime,omitempty"`
	S3           *S3Entity     `json:"s3"`
	UserIdentity *UserIdentity `json:"userIdentity,omitempty"`
}

type S3Entity struct {
	Bucket *Bucket `json:"bucket"`
	Object *Object `json:"object"`
}

type Bucket struct {
	Name string `json:"name"`
}

type Object struct {
	Key  string `json:"key"`
	ETag string `json:"eTag,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type UserIdentity struct {
	PrincipalID string `json:"principalId"`
}

// Validate checks the fields every handler relies on.
func (r Record) Validate() error {
	switch {
	case r.S3 == nil:
		return fmt.Errorf("%w: missing s3", ErrMalformed)
	case r.S3.Bucket == nil || r.S3.Bucket.Name == "":
		return fmt.Errorf("%w: missing s3.bucket.name", ErrMalformed)
	case r.S3.Object == nil || r.S3.Object.Key == "":
		return fmt.Errorf("%w: missing s3.object.key", ErrMalformed)
	}
	return nil
}

// Validate checks every record in the batch.
func (b Batch) Validate() error {
	for i, r := range b.Records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

func (r Record) BucketName() string { return r.S3.Bucket.Name }

// Key returns the decoded object key. Notification keys are URL encoded with
// '+' for spaces.
func (r Record) Key() string {
	k, err := url.QueryUnescape(r.S3.Object.Key)
	if err != nil {
		return r.S3.Object.Key
	}
	return k
}

func (r Record) ETag() string { return strings.Trim(r.S3.Object.ETag, `"`) }

func (r Record) Size() int64 { return r.S3.Object.Size }

// name strips the "s3:" prefix some stores put on event names.
func (r Record) name() string {
	return strings.TrimPrefix(r.EventName, "s3:")
}

func (r Record) IsCreated() bool { return strings.HasPrefix(r.name(), "ObjectCreated") }

func (r Record) IsRemoved() bool { return strings.HasPrefix(r.name(), "ObjectRemoved") }

// NewRecord builds a single-record event; used by manual triggers and tests.
func NewRecord(eventName, bucket, key, etag string, size int64) Record {
	return Record{
		EventName: eventName,
		S3: &S3Entity{
			Bucket: &Bucket{Name: bucket},
			Object: &Object{Key: url.QueryEscape(key), ETag: etag, Size: size},
		},
	}
}

// Event names used when synthesising events.
const (
	ObjectCreatedPut    = "ObjectCreated:Put"
	ObjectRemovedDelete = "ObjectRemoved:Delete"
)
