package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/metrics"
)

// Bucket roles.
const (
	RoleStaging = "staging"
	RoleStore   = "store"
	RoleResults = "results"
)

// RoleOf maps a bucket name to its role, "" when unrecognised.
func RoleOf(buckets config.BucketConfig, bucket string) string {
	switch bucket {
	case buckets.Staging:
		return RoleStaging
	case buckets.Store:
		return RoleStore
	case buckets.Results:
		return RoleResults
	}
	return ""
}

// IsManifestUpload reports whether the record is a manifest.txt created in
// the staging bucket.
func IsManifestUpload(buckets config.BucketConfig, r Record) bool {
	return r.BucketName() == buckets.Staging && r.IsCreated() && strings.HasSuffix(r.Key(), "manifest.txt")
}

// Router fans storage events out to the recorder, and manifest uploads to the
// locker and manifest processor.
type Router struct {
	buckets config.BucketConfig
	invoker invoke.Invoker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRouter(buckets config.BucketConfig, invoker invoke.Invoker, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{buckets: buckets, invoker: invoker, metrics: m, logger: logger}
}

// Route dispatches a batch. It returns once the downstream invocations are
// accepted.
func (r *Router) Route(ctx context.Context, b Batch) error {
	if err := b.Validate(); err != nil {
		return invoke.Permanent(err)
	}

	var recognised, manifests []Record
	for _, rec := range b.Records {
		role := RoleOf(r.buckets, rec.BucketName())
		if role == "" {
			r.logger.Warn("skipping event for unrecognised bucket",
				slog.String("bucket", rec.BucketName()),
				slog.String("s3_key", rec.Key()))
			continue
		}
		recognised = append(recognised, rec)

		kind := "file"
		if IsManifestUpload(r.buckets, rec) {
			kind = "manifest"
			manifests = append(manifests, rec)
		}
		r.metrics.EventRouted(role, kind)
	}

	if len(recognised) == 0 {
		return nil
	}
	if err := r.invoker.Invoke(ctx, invoke.Recorder, Batch{Records: recognised}); err != nil {
		return fmt.Errorf("invoke recorder: %w", err)
	}
	if len(manifests) == 0 {
		return nil
	}

	r.logger.Info("manifest upload detected", slog.Int("manifests", len(manifests)))
	if err := r.invoker.Invoke(ctx, invoke.Locker, Batch{Records: manifests}); err != nil {
		return fmt.Errorf("invoke locker: %w", err)
	}
	if err := r.invoker.Invoke(ctx, invoke.Manifest, Batch{Records: manifests}); err != nil {
		return fmt.Errorf("invoke manifest processor: %w", err)
	}
	return nil
}

// Handle is the invoke.Handler for the router function.
func (r *Router) Handle(ctx context.Context, payload json.RawMessage) error {
	b, err := invoke.Decode[Batch](payload)
	if err != nil {
		return err
	}
	return r.Route(ctx, b)
}
