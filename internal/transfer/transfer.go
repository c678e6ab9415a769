// Package transfer promotes validated submissions from the staging bucket to
// the store bucket and cleans up what remains in staging.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/dustin/go-humanize"

	"github.com/maraichr/gdr/internal/batch"
	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/dispatch"
	"github.com/maraichr/gdr/internal/filetype"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/manifest"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/payload"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/submission"
)

var (
	// ErrInvalidRequest marks requests that can never be served.
	ErrInvalidRequest = errors.New("invalid transfer request")
	// ErrNotRecorded is returned for keys without a staging FileRecord.
	ErrNotRecorded = errors.New("file not recorded")
)

// Request selects what to promote: a whole submission or explicit keys.
type Request struct {
	DirectoryPrefix string          `json:"directory_prefix,omitempty"`
	S3Keys          payload.Strings `json:"s3_keys,omitempty"`
}

func (r Request) Validate() error {
	switch {
	case r.DirectoryPrefix == "" && len(r.S3Keys) == 0:
		return fmt.Errorf("%w: directory_prefix or s3_keys is required", ErrInvalidRequest)
	case r.DirectoryPrefix != "" && len(r.S3Keys) > 0:
		return fmt.Errorf("%w: directory_prefix and s3_keys are mutually exclusive", ErrInvalidRequest)
	}
	for _, k := range r.S3Keys {
		if _, err := submission.ParseKey(k); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// Move is one object copied to the store bucket and removed from its source.
type Move struct {
	SourceBucket string
	SourceKey    string
	Destination  string
	Size         int64
}

// Result summarises a transfer.
type Result struct {
	Jobs            []batch.Job `json:"jobs"`
	Dropped         []string    `json:"dropped,omitempty"`
	ManifestWritten bool        `json:"manifest_written"`
}

type Transferer struct {
	buckets   config.BucketConfig
	queues    map[string]string
	jobDef    string
	store     *store.Store
	objects   objectstore.Store
	submitter batch.Submitter
	logger    *slog.Logger
}

func New(buckets config.BucketConfig, cfg config.BatchConfig, s *store.Store, objects objectstore.Store, submitter batch.Submitter, logger *slog.Logger) *Transferer {
	return &Transferer{
		buckets:   buckets,
		queues:    cfg.Queues,
		jobDef:    cfg.S3JobDefinition,
		store:     s,
		objects:   objects,
		submitter: submitter,
		logger:    logger,
	}
}

// Transfer submits one move job per object. For a whole submission it then
// copies the ManifestRecords to the store table and writes manifest.txt and,
// last, manifest.orig into the store bucket.
func (t *Transferer) Transfer(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.DirectoryPrefix != "" {
		return t.submission(ctx, submission.NormalizePrefix(req.DirectoryPrefix))
	}

	var (
		moves   []Move
		records []record.ManifestRecord
	)
	for _, k := range req.S3Keys {
		fr, err := store.GetAs[record.FileRecord](ctx, t.store, t.store.Tables().Staging, record.Key{PK: record.PKFile, SK: k})
		if err != nil {
			return nil, err
		}
		if fr == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotRecorded, k)
		}
		moves = append(moves, Move{SourceBucket: t.buckets.Staging, SourceKey: k, Destination: k, Size: fr.SizeInBytes})
		mr, err := store.GetAs[record.ManifestRecord](ctx, t.store, t.store.Tables().Staging, record.Key{PK: record.PKManifest, SK: k})
		if err != nil {
			return nil, err
		}
		if mr != nil {
			records = append(records, *mr)
		}
	}
	res, err := t.submit(ctx, moves)
	if err != nil {
		return nil, err
	}
	if err := t.store.Write(ctx, t.store.Tables().Store, record.CreateUpdate, asRecords(records)...); err != nil {
		return nil, err
	}
	return res, nil
}

func (t *Transferer) submission(ctx context.Context, prefix string) (*Result, error) {
	tables := t.store.Tables()
	staged, err := store.QueryAs[record.ManifestRecord](ctx, t.store, tables.Staging, record.PKManifest, store.SubmissionPrefix(prefix))
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 {
		return nil, fmt.Errorf("%w: no manifest records under %s", ErrInvalidRequest, prefix)
	}
	orig, err := objectstore.ReadAll(ctx, t.objects, t.buckets.Staging, prefix+"/manifest.txt")
	if err != nil {
		return nil, fmt.Errorf("read staging manifest: %w", err)
	}

	var (
		moves    []Move
		promoted []record.ManifestRecord
		rows     []manifest.Row
	)
	for _, mr := range staged {
		fr, err := store.GetAs[record.FileRecord](ctx, t.store, tables.Staging, record.Key{PK: record.PKFile, SK: mr.SK})
		if err != nil {
			return nil, err
		}
		if fr == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotRecorded, mr.SK)
		}

		m := Move{SourceBucket: t.buckets.Staging, SourceKey: mr.SK, Destination: mr.SK, Size: fr.SizeInBytes}
		checksum := mr.ProvidedChecksum
		if mr.FileType.IsCompressable() && !filetype.IsCompressedFile(mr.SK) {
			src, err := t.sourceFile(ctx, record.CreateCompress, mr.SK)
			if err != nil {
				return nil, err
			}
			if src != nil {
				m.SourceBucket, m.SourceKey, m.Destination = src.BucketName, src.S3Key, mr.SK+".gz"
				checksum = src.Checksum
				if checksum == "" {
					checksum = record.NotProvided
				}
			}
		}
		moves = append(moves, m)

		if idx, err := t.sourceFile(ctx, record.CreateIndex, mr.SK); err != nil {
			return nil, err
		} else if idx != nil {
			moves = append(moves, Move{
				SourceBucket: idx.BucketName,
				SourceKey:    idx.S3Key,
				Destination:  submission.Join(prefix, path.Base(idx.S3Key)),
			})
		}

		name := path.Base(m.Destination)
		p := mr
		p.Key = record.Key{PK: record.PKManifest, SK: m.Destination}
		p.Filename = name
		p.FileType = filetype.FromFilename(name)
		p.ProvidedChecksum = checksum
		promoted = append(promoted, p)
		rows = append(rows, manifest.Row{Filename: name, Checksum: checksum, AghaStudyID: mr.AghaStudyID})
	}

	res, err := t.submit(ctx, moves)
	if err != nil {
		return nil, err
	}

	prior, err := t.store.Query(ctx, tables.Store, record.PKManifest, store.SubmissionPrefix(prefix))
	if err != nil {
		return nil, err
	}
	if err := t.store.Remove(ctx, tables.Store, record.ObjectRemoved, prior...); err != nil {
		return nil, err
	}
	if err := t.store.Write(ctx, tables.Store, record.CreateUpdate, asRecords(promoted)...); err != nil {
		return nil, err
	}

	regenerated := (&manifest.Manifest{Rows: rows}).Render()
	if err := t.objects.Put(ctx, t.buckets.Store, prefix+"/manifest.txt", regenerated, "text/tab-separated-values"); err != nil {
		return nil, fmt.Errorf("write store manifest.txt: %w", err)
	}
	if err := t.objects.Put(ctx, t.buckets.Store, prefix+"/manifest.orig", orig, "text/tab-separated-values"); err != nil {
		return nil, fmt.Errorf("write store manifest.orig: %w", err)
	}
	res.ManifestWritten = true
	t.logger.Info("submission promoted",
		slog.String("submission", prefix),
		slog.Int("jobs", len(res.Jobs)),
		slog.Int("dropped", len(res.Dropped)))
	return res, nil
}

// sourceFile returns the object a check produced for key, if any.
func (t *Transferer) sourceFile(ctx context.Context, task record.Task, key string) (*record.SourceFile, error) {
	data, err := store.GetAs[record.ResultData](ctx, t.store, t.store.Tables().Results, record.Key{PK: record.DataPK(task), SK: key})
	if err != nil || data == nil || data.SourceFile == nil || data.SourceFile.S3Key == "" {
		return nil, err
	}
	src := *data.SourceFile
	if src.BucketName == "" {
		src.BucketName = t.buckets.Results
	}
	return &src, nil
}

func (t *Transferer) submit(ctx context.Context, moves []Move) (*Result, error) {
	res := &Result{Jobs: []batch.Job{}}
	var total int64
	for _, m := range moves {
		job := batch.Job{
			Name:       dispatch.JobNameFor(dispatch.TransferJobPrefix, m.Destination, record.PKFile),
			Queue:      dispatch.QueueForSize(m.Size, t.queues),
			Definition: t.jobDef,
			Command: []string{
				"s3_mv",
				"--source", objectstore.URI(m.SourceBucket, m.SourceKey),
				"--destination", objectstore.URI(t.buckets.Store, m.Destination),
			},
			SizeBytes: m.Size,
		}
		ok, err := batch.Submit(ctx, t.submitter, job)
		if err != nil {
			return nil, fmt.Errorf("submit transfer of %s: %w", m.SourceKey, err)
		}
		if !ok {
			res.Dropped = append(res.Dropped, job.Name)
			continue
		}
		res.Jobs = append(res.Jobs, job)
		total += m.Size
	}
	t.logger.Info("transfer jobs submitted", slog.Int("jobs", len(res.Jobs)), slog.String("size", humanize.Bytes(uint64(total))))
	return res, nil
}

func asRecords(mrs []record.ManifestRecord) []record.Record {
	out := make([]record.Record, 0, len(mrs))
	for _, mr := range mrs {
		out = append(out, mr)
	}
	return out
}

// Handle is the invoke.Handler for transfers.
func (t *Transferer) Handle(ctx context.Context, raw json.RawMessage) error {
	req, err := invoke.Decode[Request](raw)
	if err != nil {
		return err
	}
	if _, err := t.Transfer(ctx, req); err != nil {
		if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrNotRecorded) {
			return invoke.Permanent(err)
		}
		return err
	}
	return nil
}
