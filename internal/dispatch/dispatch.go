// Package dispatch submits per-file validation jobs and seeds their RUNNING
// status rows.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/maraichr/gdr/internal/batch"
	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/submission"
)

// ErrInconsistent marks targets whose records are missing.
var ErrInconsistent = errors.New("record store inconsistent")

// Target is one file selected for validation.
type Target struct {
	Key      string
	Size     int64
	Checksum string
	Tasks    []record.Task
	// JobName is set once the job name is reserved.
	JobName string
}

// Result summarises a dispatch.
type Result struct {
	Jobs    []batch.Job `json:"jobs"`
	Dropped []string    `json:"dropped,omitempty"`
}

type Dispatcher struct {
	buckets   config.BucketConfig
	queues    map[string]string
	jobDef    string
	store     *store.Store
	states    *submission.Tracker
	objects   objectstore.Store
	submitter batch.Submitter
	logger    *slog.Logger
}

func New(buckets config.BucketConfig, cfg config.BatchConfig, s *store.Store, objects objectstore.Store, submitter batch.Submitter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		buckets:   buckets,
		queues:    cfg.Queues,
		jobDef:    cfg.ValidationJobDefinition,
		store:     s,
		states:    submission.NewTracker(s, logger),
		objects:   objects,
		submitter: submitter,
		logger:    logger,
	}
}

// Dispatch validates the payload and resolves its targets. It reserves a job
// name per target first; targets whose job was dispatched within the dedupe
// window are dropped untouched. For the rest it purges stale results, seeds
// RUNNING statuses and enqueues one job per file.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(p.Filepaths) == 0 {
		if err := d.states.Advance(ctx, p.Prefix(), submission.Validating); err != nil {
			if errors.Is(err, submission.ErrInvalidTransition) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
			return nil, err
		}
	}
	targets, err := d.targets(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		d.logger.Warn("no files to validate", slog.String("manifest_fp", p.ManifestKey))
		return &Result{}, nil
	}

	res := &Result{}
	var reserved []Target
	for _, t := range targets {
		name := JobName(t.Key, record.PKFile)
		t.JobName = name
		ok, err := d.submitter.Reserve(ctx, name)
		if err != nil {
			d.release(ctx, reserved)
			return nil, fmt.Errorf("reserve %s: %w", name, err)
		}
		if !ok {
			d.logger.Info("job dropped as duplicate", slog.String("job", name))
			res.Dropped = append(res.Dropped, name)
			continue
		}
		reserved = append(reserved, t)
	}
	if len(reserved) == 0 {
		return res, nil
	}

	for _, t := range reserved {
		if err := d.purge(ctx, d.resultPrefix(p, t.Key)); err != nil {
			d.release(ctx, reserved)
			return nil, err
		}
	}
	if err := d.seed(ctx, reserved); err != nil {
		d.release(ctx, reserved)
		return nil, err
	}

	for i, t := range reserved {
		job := d.job(p, t)
		if err := d.submitter.Enqueue(ctx, job); err != nil {
			d.release(ctx, reserved[i:])
			return res, fmt.Errorf("submit %s: %w", job.Name, err)
		}
		d.logger.Info("validation job submitted",
			slog.String("job", job.Name),
			slog.String("queue", job.Queue),
			slog.String("size", humanize.Bytes(uint64(t.Size))),
			slog.Int("tasks", len(t.Tasks)))
		res.Jobs = append(res.Jobs, job)
	}
	return res, nil
}

// release drops the reservations of targets whose job was never enqueued so
// a retried invocation can submit them.
func (d *Dispatcher) release(ctx context.Context, targets []Target) {
	for _, t := range targets {
		if err := d.submitter.Release(ctx, t.JobName); err != nil {
			d.logger.Warn("release job reservation", slog.String("job", t.JobName), slog.String("error", err.Error()))
		}
	}
}

func (d *Dispatcher) targets(ctx context.Context, p Payload) ([]Target, error) {
	tables := d.store.Tables()

	var keys []string
	if len(p.Filepaths) > 0 {
		keys = p.Filepaths
	} else {
		mrs, err := store.QueryAs[record.ManifestRecord](ctx, d.store, tables.Staging, record.PKManifest, store.SubmissionPrefix(p.Prefix()))
		if err != nil {
			return nil, err
		}
		for _, mr := range mrs {
			if !p.excluded(path.Base(mr.SK)) {
				keys = append(keys, mr.SK)
			}
		}
	}

	var targets []Target
	for _, key := range keys {
		fr, err := store.GetAs[record.FileRecord](ctx, d.store, tables.Staging, record.Key{PK: record.PKFile, SK: key})
		if err != nil {
			return nil, err
		}
		if fr == nil {
			return nil, invoke.Permanent(fmt.Errorf("%w: no file record for %s", ErrInconsistent, key))
		}
		mr, err := store.GetAs[record.ManifestRecord](ctx, d.store, tables.Staging, record.Key{PK: record.PKManifest, SK: key})
		if err != nil {
			return nil, err
		}
		if mr == nil && len(p.Filepaths) == 0 {
			return nil, invoke.Permanent(fmt.Errorf("%w: no manifest record for %s", ErrInconsistent, key))
		}

		tasks := SelectTasks(key, p.Tasks, p.TasksSkipped)
		if len(tasks) == 0 {
			continue
		}
		t := Target{Key: key, Size: fr.SizeInBytes, Tasks: tasks}
		if mr != nil && mr.ProvidedChecksum != record.NotProvided {
			t.Checksum = mr.ProvidedChecksum
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// resultPrefix is where a target's result objects live.
func (d *Dispatcher) resultPrefix(p Payload, key string) string {
	if p.OutputPrefix != "" {
		return submission.Join(p.OutputPrefix, path.Base(key)) + "__"
	}
	return key + "__"
}

func (d *Dispatcher) purge(ctx context.Context, prefix string) error {
	objs, err := d.objects.List(ctx, d.buckets.Results, prefix)
	if err != nil {
		return fmt.Errorf("list results %s: %w", prefix, err)
	}
	for _, o := range objs {
		if err := d.objects.Delete(ctx, d.buckets.Results, o.Key); err != nil {
			return fmt.Errorf("purge %s: %w", objectstore.URI(d.buckets.Results, o.Key), err)
		}
	}
	if len(objs) > 0 {
		d.logger.Info("stale results purged", slog.String("prefix", prefix), slog.Int("objects", len(objs)))
	}
	return nil
}

// seed writes RUNNING statuses and clears stale DATA rows for every
// (task, file) about to run.
func (d *Dispatcher) seed(ctx context.Context, targets []Target) error {
	table := d.store.Tables().Results
	var (
		running []record.Record
		stale   []record.Item
	)
	for _, t := range targets {
		for _, task := range t.Tasks {
			running = append(running, record.NewResultStatus(task, t.Key, record.Running))
			it, err := d.store.Get(ctx, table, record.Key{PK: record.DataPK(task), SK: t.Key})
			if err != nil {
				return err
			}
			if it != nil {
				stale = append(stale, *it)
			}
		}
	}
	if err := d.store.Remove(ctx, table, record.ObjectRemoved, stale...); err != nil {
		return err
	}
	return d.store.Write(ctx, table, record.CreateUpdate, running...)
}

func (d *Dispatcher) job(p Payload, t Target) batch.Job {
	cmd := []string{"--s3_key", t.Key}
	if t.Checksum != "" {
		cmd = append(cmd, "--checksum", t.Checksum)
	}
	cmd = append(cmd, "--tasks")
	for _, task := range t.Tasks {
		cmd = append(cmd, string(task))
	}
	if p.OutputPrefix != "" {
		cmd = append(cmd, "--output_prefix", strings.Trim(p.OutputPrefix, "/"))
	}
	return batch.Job{
		Name:       t.JobName,
		Queue:      QueueForSize(t.Size, d.queues),
		Definition: d.jobDef,
		Command:    cmd,
		SizeBytes:  t.Size,
	}
}

// Handle is the invoke.Handler for the dispatcher.
func (d *Dispatcher) Handle(ctx context.Context, raw json.RawMessage) error {
	p, err := invoke.Decode[Payload](raw)
	if err != nil {
		return err
	}
	_, err = d.Dispatch(ctx, p)
	if errors.Is(err, ErrInvalidPayload) {
		return invoke.Permanent(err)
	}
	return err
}
