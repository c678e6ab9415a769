// Package recorder turns storage events into record mutations and ingests
// per-file validation results.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/monitor"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
)

// Result object suffixes written by validation jobs.
const (
	ResultsSuffix = monitor.ResultsSuffix
	LogSuffix     = "__log.txt"
)

type Recorder struct {
	buckets config.BucketConfig
	store   *store.Store
	objects objectstore.Store
	invoker invoke.Invoker
	now     func() time.Time
	logger  *slog.Logger
}

func New(buckets config.BucketConfig, s *store.Store, objects objectstore.Store, invoker invoke.Invoker, logger *slog.Logger) *Recorder {
	return &Recorder{
		buckets: buckets,
		store:   s,
		objects: objects,
		invoker: invoker,
		now:     time.Now,
		logger:  logger,
	}
}

func (r *Recorder) tableFor(role string) string {
	t := r.store.Tables()
	switch role {
	case event.RoleStaging:
		return t.Staging
	case event.RoleStore:
		return t.Store
	case event.RoleResults:
		return t.Results
	}
	return ""
}

// Record applies every record of the batch in order.
func (r *Recorder) Record(ctx context.Context, b event.Batch) error {
	if err := b.Validate(); err != nil {
		return invoke.Permanent(err)
	}
	for _, rec := range b.Records {
		role := event.RoleOf(r.buckets, rec.BucketName())
		if role == "" {
			r.logger.Warn("skipping event for unrecognised bucket",
				slog.String("bucket", rec.BucketName()),
				slog.String("s3_key", rec.Key()))
			continue
		}

		var err error
		switch {
		case rec.IsCreated():
			err = r.created(ctx, role, rec)
		case rec.IsRemoved():
			err = r.removed(ctx, role, rec)
		default:
			r.logger.Warn("skipping unsupported event", slog.String("event_name", rec.EventName), slog.String("s3_key", rec.Key()))
		}
		if err != nil {
			return fmt.Errorf("record %s %s: %w", rec.EventName, rec.Key(), err)
		}
	}
	return nil
}

func (r *Recorder) created(ctx context.Context, role string, rec event.Record) error {
	table := r.tableFor(role)
	modified := rec.EventTime
	if modified == "" {
		modified = r.now().UTC().Format(time.RFC3339)
	}
	fr := record.NewFileRecord(rec.BucketName(), rec.Key(), rec.ETag(), rec.Size(), modified)

	existing, err := store.GetAs[record.FileRecord](ctx, r.store, table, fr.Key)
	if err != nil {
		return err
	}
	action := record.ObjectCreated
	if existing != nil {
		action = record.ObjectUpdated
		if existing.ETag != fr.ETag {
			if err := r.removeETag(ctx, existing.ETag, existing.BucketName, existing.S3Key); err != nil {
				return err
			}
		}
	}

	if err := r.store.Write(ctx, table, action, fr); err != nil {
		return err
	}
	if fr.ETag != "" {
		if err := r.store.Put(ctx, r.store.Tables().ETag, record.NewETagEntry(fr.ETag, fr.BucketName, fr.S3Key)); err != nil {
			return err
		}
	}
	r.logger.Info("file recorded",
		slog.String("bucket", fr.BucketName),
		slog.String("s3_key", fr.S3Key),
		slog.String("action", string(action)))

	switch {
	case role == event.RoleStore:
		return r.invoker.Invoke(ctx, invoke.Monitor, monitor.Event{EventType: monitor.StoreFileUpload, S3Key: fr.S3Key})
	case role == event.RoleResults && strings.HasSuffix(fr.S3Key, ResultsSuffix):
		if err := r.IngestResults(ctx, fr.S3Key); err != nil {
			return err
		}
		return r.invoker.Invoke(ctx, invoke.Monitor, monitor.Event{EventType: monitor.ValidationResultUpload, S3Key: fr.S3Key})
	}
	return nil
}

func (r *Recorder) removed(ctx context.Context, role string, rec event.Record) error {
	table := r.tableFor(role)
	key := rec.Key()

	old, err := r.store.Delete(ctx, table, record.Key{PK: record.PKFile, SK: key})
	if err != nil {
		return err
	}
	etag := rec.ETag()
	if old != nil {
		if err := r.store.Archive(ctx, table, []record.Item{*old}, record.ObjectRemoved); err != nil {
			return err
		}
		if fr, err := record.Decode[record.FileRecord](*old); err == nil {
			etag = fr.ETag
		}
	}
	if etag != "" {
		if err := r.removeETag(ctx, etag, rec.BucketName(), key); err != nil {
			return err
		}
	}

	if role == event.RoleResults {
		if strings.HasSuffix(key, ResultsSuffix) {
			return r.removeResults(ctx, strings.TrimSuffix(key, ResultsSuffix))
		}
		return nil
	}

	if err := r.removeIfPresent(ctx, table, record.Key{PK: record.PKManifest, SK: key}); err != nil {
		return err
	}
	if strings.HasSuffix(key, "manifest.txt") {
		k := record.ManifestStatusKey(strings.TrimSuffix(key, "manifest.txt"))
		if err := r.removeIfPresent(ctx, table, k); err != nil {
			return err
		}
	}
	r.logger.Info("file removed", slog.String("bucket", rec.BucketName()), slog.String("s3_key", key))
	return nil
}

func (r *Recorder) removeIfPresent(ctx context.Context, table string, key record.Key) error {
	it, err := r.store.Get(ctx, table, key)
	if err != nil || it == nil {
		return err
	}
	return r.store.Remove(ctx, table, record.ObjectRemoved, *it)
}

func (r *Recorder) removeETag(ctx context.Context, etag, bucket, key string) error {
	_, err := r.store.Delete(ctx, r.store.Tables().ETag, record.NewETagEntry(etag, bucket, key).Key)
	return err
}

// removeResults drops the STATUS and DATA rows of a file whose result object
// was deleted. RUNNING statuses belong to a newer dispatch and are kept.
func (r *Recorder) removeResults(ctx context.Context, fileKey string) error {
	table := r.store.Tables().Results
	var stale []record.Item
	for _, task := range record.Tasks {
		statuses, err := r.store.Query(ctx, table, record.StatusPK(task), fileKey,
			store.Filter{Field: "value", Op: store.NotEqual, Value: record.Running})
		if err != nil {
			return err
		}
		data, err := r.store.Query(ctx, table, record.DataPK(task), fileKey)
		if err != nil {
			return err
		}
		stale = append(stale, exact(statuses, fileKey)...)
		stale = append(stale, exact(data, fileKey)...)
	}
	return r.store.Remove(ctx, table, record.ObjectRemoved, stale...)
}

// exact keeps items whose sort key is exactly sk; prefix queries also match
// longer keys such as a.bam.bai for a.bam.
func exact(items []record.Item, sk string) []record.Item {
	var out []record.Item
	for _, it := range items {
		if it.SK == sk {
			out = append(out, it)
		}
	}
	return out
}

// Handle is the invoke.Handler for the recorder function.
func (r *Recorder) Handle(ctx context.Context, payload json.RawMessage) error {
	b, err := invoke.Decode[event.Batch](payload)
	if err != nil {
		return err
	}
	return r.Record(ctx, b)
}
