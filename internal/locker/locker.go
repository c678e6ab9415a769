// Package locker maintains the deny-write statement that locks submission
// prefixes in the staging bucket.
package locker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/submission"
)

// Actions accepted in a Request.
const (
	ActionLock   = "lock"
	ActionUnlock = "unlock"
)

var ErrInvalidRequest = errors.New("invalid lock request")

// Request is the manual lock payload.
type Request struct {
	Action   string   `json:"action"`
	Prefixes []string `json:"submission_prefixes"`
}

type Locker struct {
	bucket  string
	objects objectstore.Store
	exempt  []string
	logger  *slog.Logger

	// mu serialises read-modify-write of the policy within this process.
	mu sync.Mutex
}

func New(bucket string, cfg config.LockConfig, objects objectstore.Store, logger *slog.Logger) *Locker {
	var exempt []string
	for _, id := range cfg.ExemptRoleIDs {
		exempt = append(exempt, id+":*")
	}
	if cfg.AccountID != "" {
		exempt = append(exempt, cfg.AccountID)
	}
	return &Locker{bucket: bucket, objects: objects, exempt: exempt, logger: logger}
}

// Resource returns the ARN locked for a submission prefix.
func (l *Locker) Resource(prefix string) string {
	return fmt.Sprintf("arn:aws:s3:::%s/%s/*", l.bucket, submission.NormalizePrefix(prefix))
}

// Lock denies writes under every prefix.
func (l *Locker) Lock(ctx context.Context, prefixes ...string) error {
	return l.update(ctx, prefixes, func(set map[string]bool, arn string) { set[arn] = true })
}

// Unlock lifts the deny for every prefix.
func (l *Locker) Unlock(ctx context.Context, prefixes ...string) error {
	return l.update(ctx, prefixes, func(set map[string]bool, arn string) { delete(set, arn) })
}

// Locked returns the currently locked submission prefixes, sorted.
func (l *Locker) Locked(ctx context.Context) ([]string, error) {
	p, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	resources, err := p.Resources()
	if err != nil {
		return nil, err
	}
	head := fmt.Sprintf("arn:aws:s3:::%s/", l.bucket)
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		if strings.HasPrefix(r, head) {
			out = append(out, strings.TrimSuffix(strings.TrimPrefix(r, head), "/*"))
		}
	}
	return out, nil
}

func (l *Locker) load(ctx context.Context) (*Policy, error) {
	doc, err := l.objects.GetBucketPolicy(ctx, l.bucket)
	if err != nil {
		return nil, fmt.Errorf("get policy of %s: %w", l.bucket, err)
	}
	return ParsePolicy(doc)
}

func (l *Locker) update(ctx context.Context, prefixes []string, apply func(map[string]bool, string)) error {
	if len(prefixes) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.load(ctx)
	if err != nil {
		return err
	}
	current, err := p.Resources()
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(current))
	for _, r := range current {
		set[r] = true
	}
	for _, prefix := range prefixes {
		apply(set, l.Resource(prefix))
	}
	next := make([]string, 0, len(set))
	for r := range set {
		next = append(next, r)
	}
	if err := p.SetResources(next, l.exempt); err != nil {
		return err
	}

	if p.Empty() {
		if err := l.objects.DeleteBucketPolicy(ctx, l.bucket); err != nil {
			return fmt.Errorf("delete policy of %s: %w", l.bucket, err)
		}
	} else if err := l.objects.PutBucketPolicy(ctx, l.bucket, p.String()); err != nil {
		return fmt.Errorf("put policy of %s: %w", l.bucket, err)
	}
	l.logger.Info("bucket policy updated",
		slog.String("bucket", l.bucket),
		slog.Any("prefixes", prefixes),
		slog.Int("locked", len(next)))
	return nil
}

// Apply runs a manual request.
func (l *Locker) Apply(ctx context.Context, req Request) error {
	if len(req.Prefixes) == 0 {
		return fmt.Errorf("%w: no submission_prefixes", ErrInvalidRequest)
	}
	switch req.Action {
	case ActionLock:
		return l.Lock(ctx, req.Prefixes...)
	case ActionUnlock:
		return l.Unlock(ctx, req.Prefixes...)
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
}

// Handle is the invoke.Handler for the locker. It accepts either a storage
// event batch of manifest uploads, whose prefixes are locked, or a Request.
func (l *Locker) Handle(ctx context.Context, payload json.RawMessage) error {
	var peek struct {
		Records json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		return invoke.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if peek.Records == nil {
		req, err := invoke.Decode[Request](payload)
		if err != nil {
			return err
		}
		if err := l.Apply(ctx, req); err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				return invoke.Permanent(err)
			}
			return err
		}
		return nil
	}

	b, err := invoke.Decode[event.Batch](payload)
	if err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return invoke.Permanent(err)
	}
	var prefixes []string
	for _, rec := range b.Records {
		prefix, err := submission.PrefixOf(rec.Key())
		if err != nil {
			l.logger.Warn("skipping lock for unparseable key", slog.String("s3_key", rec.Key()), slog.String("error", err.Error()))
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	return l.Lock(ctx, prefixes...)
}
