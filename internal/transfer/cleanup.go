package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/filetype"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/locker"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/submission"
)

// RefusalReason is reported when staging still holds data that was not promoted.
const RefusalReason = "Please check if all data should be deleted."

const readmeName = "README.md"

// Refusal is returned instead of deleting anything when staging holds files
// that may not have been promoted.
type Refusal struct {
	Reason  string   `json:"reason"`
	Payload []string `json:"payload"`
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("cleanup refused: %s (%d file(s))", r.Reason, len(r.Payload))
}

// CleanupRequest is the cleanup invocation payload.
type CleanupRequest struct {
	SubmissionDirectory string `json:"submission_directory"`
}

// CleanupResult lists what was removed from staging.
type CleanupResult struct {
	Submission string   `json:"submission"`
	Deleted    []string `json:"deleted"`
}

type Cleaner struct {
	bucket   string
	objects  objectstore.Store
	states   *submission.Tracker
	invoker  invoke.Invoker
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewCleaner(buckets config.BucketConfig, objects objectstore.Store, states *submission.Tracker, invoker invoke.Invoker, notifier notify.Notifier, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		bucket:   buckets.Staging,
		objects:  objects,
		states:   states,
		invoker:  invoker,
		notifier: notifier,
		logger:   logger,
	}
}

// Leftover reports whether name may stay behind in staging after promotion:
// index files, uncompressed sources of compressed copies, manifests and
// checksum sidecars.
func Leftover(name string) bool {
	ft := filetype.FromFilename(name)
	switch {
	case ft.IsIndex():
		return true
	case ft.IsCompressable() && !filetype.IsCompressedFile(name):
		return true
	case filetype.IsManifest(name), filetype.IsMD5(name):
		return true
	}
	return strings.HasSuffix(name, "/"+readmeName)
}

// Cleanup deletes a promoted submission from staging, seals the prefix with
// a README and locks it again. It refuses with a *Refusal when any listed
// file is not a Leftover. Submissions that are neither being validated nor
// STORED are rejected with ErrInvalidRequest before anything is listed.
func (c *Cleaner) Cleanup(ctx context.Context, prefix string) (*CleanupResult, error) {
	prefix = submission.NormalizePrefix(prefix)
	if _, err := submission.ParseKey(prefix + "/" + readmeName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	state, err := c.states.Current(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if err := submission.Transition(state, submission.Stored); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, prefix, err)
	}

	objs, err := c.objects.List(ctx, c.bucket, prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list staging: %w", err)
	}
	var keys, noncompliant []string
	for _, o := range objs {
		keys = append(keys, o.Key)
		if !Leftover(o.Key) {
			noncompliant = append(noncompliant, o.Key)
		}
	}
	if len(noncompliant) > 0 {
		sort.Strings(noncompliant)
		c.logger.Warn("cleanup refused", slog.String("submission", prefix), slog.Int("files", len(noncompliant)))
		lines := []string{RefusalReason, "Files still in staging:"}
		for _, k := range noncompliant {
			lines = append(lines, "- "+k)
		}
		notify.Send(ctx, c.notifier, c.logger, notify.Message{
			Subject:    "GDR cleanup refused: " + prefix,
			Submission: prefix,
			Lines:      lines,
		})
		return nil, &Refusal{Reason: RefusalReason, Payload: noncompliant}
	}

	res := &CleanupResult{Submission: prefix, Deleted: []string{}}
	for _, k := range keys {
		if err := c.objects.Delete(ctx, c.bucket, k); err != nil {
			return nil, fmt.Errorf("delete %s: %w", k, err)
		}
		res.Deleted = append(res.Deleted, k)
	}

	readme := fmt.Sprintf("This submission has been validated and moved to the store bucket.\n"+
		"The staging folder %s/ is locked; contact the data manager to make changes.\n", prefix)
	if err := c.objects.Put(ctx, c.bucket, prefix+"/"+readmeName, []byte(readme), "text/markdown"); err != nil {
		return nil, fmt.Errorf("write %s: %w", readmeName, err)
	}
	lock := locker.Request{Action: locker.ActionLock, Prefixes: []string{prefix}}
	if err := c.invoker.Invoke(ctx, invoke.Locker, lock); err != nil {
		return nil, fmt.Errorf("invoke locker: %w", err)
	}
	if err := c.states.Advance(ctx, prefix, submission.Stored); err != nil {
		return nil, err
	}
	c.logger.Info("staging cleaned up", slog.String("submission", prefix), slog.Int("deleted", len(res.Deleted)))
	return res, nil
}

// Handle is the invoke.Handler for cleanups. A refusal is final.
func (c *Cleaner) Handle(ctx context.Context, raw json.RawMessage) error {
	req, err := invoke.Decode[CleanupRequest](raw)
	if err != nil {
		return err
	}
	if req.SubmissionDirectory == "" {
		return invoke.Permanent(fmt.Errorf("%w: submission_directory is required", ErrInvalidRequest))
	}
	_, err = c.Cleanup(ctx, req.SubmissionDirectory)
	var refusal *Refusal
	if errors.As(err, &refusal) || errors.Is(err, ErrInvalidRequest) {
		return invoke.Permanent(err)
	}
	return err
}
