// Package batch submits compute jobs to size-classed queues. Each queue is a
// Valkey stream read by the external compute runtime.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
	"golang.org/x/time/rate"

	"github.com/maraichr/gdr/internal/metrics"
)

// Job is one compute job.
type Job struct {
	Name       string   `json:"job_name"`
	Queue      string   `json:"job_queue"`
	Definition string   `json:"job_definition"`
	Command    []string `json:"command"`
	SizeBytes  int64    `json:"size_in_bytes"`
}

// Submitter hands jobs to the compute runtime. A job name is reserved
// before the job is enqueued, so callers learn whether a job will run before
// they touch any state on its behalf.
type Submitter interface {
	// Reserve claims name for the dedupe window. It is false when a job of
	// the same name was reserved recently.
	Reserve(ctx context.Context, name string) (bool, error)
	// Release gives up a reservation whose job was never enqueued.
	Release(ctx context.Context, name string) error
	Enqueue(ctx context.Context, job Job) error
}

// Submit reserves the job name and enqueues the job. submitted is false when
// the job was dropped as a duplicate of a recent submission.
func Submit(ctx context.Context, s Submitter, job Job) (submitted bool, err error) {
	ok, err := s.Reserve(ctx, job.Name)
	if err != nil || !ok {
		return false, err
	}
	if err := s.Enqueue(ctx, job); err != nil {
		s.Release(ctx, job.Name)
		return false, err
	}
	return true, nil
}

const (
	streamPrefix = "gdr:batch:"
	dedupePrefix = "gdr:batch:dedupe:"
)

// StreamName returns the stream backing a queue.
func StreamName(queue string) string {
	return streamPrefix + queue
}

// Valkey submits jobs with XADD and drops repeats of a job name seen within
// the dedupe window. A zero window disables deduplication.
type Valkey struct {
	client valkey.Client
	window time.Duration
}

func NewValkey(client valkey.Client, window time.Duration) *Valkey {
	return &Valkey{client: client, window: window}
}

func (v *Valkey) Reserve(ctx context.Context, name string) (bool, error) {
	if v.window <= 0 {
		return true, nil
	}
	resp := v.client.Do(ctx, v.client.B().Set().
		Key(dedupePrefix+name).Value(time.Now().UTC().Format(time.RFC3339)).
		Nx().ExSeconds(int64(v.window/time.Second)).
		Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("dedupe %s: %w", name, err)
	}
	return true, nil
}

func (v *Valkey) Release(ctx context.Context, name string) error {
	if v.window <= 0 {
		return nil
	}
	if err := v.client.Do(ctx, v.client.B().Del().Key(dedupePrefix+name).Build()).Error(); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

func (v *Valkey) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	resp := v.client.Do(ctx, v.client.B().Xadd().
		Key(StreamName(job.Queue)).Id("*").
		FieldValue().FieldValue("data", string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("xadd %s: %w", job.Queue, err)
	}
	return nil
}

// Throttled paces enqueues and counts them per queue.
type Throttled struct {
	next    Submitter
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// NewThrottled allows perSecond submissions per second with an equal burst.
// perSecond <= 0 disables pacing.
func NewThrottled(next Submitter, perSecond int, m *metrics.Metrics) *Throttled {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return &Throttled{next: next, limiter: lim, metrics: m}
}

func (t *Throttled) Reserve(ctx context.Context, name string) (bool, error) {
	return t.next.Reserve(ctx, name)
}

func (t *Throttled) Release(ctx context.Context, name string) error {
	return t.next.Release(ctx, name)
}

func (t *Throttled) Enqueue(ctx context.Context, job Job) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for submit slot: %w", err)
	}
	if err := t.next.Enqueue(ctx, job); err != nil {
		return err
	}
	t.metrics.JobSubmitted(job.Queue)
	return nil
}

// Recording keeps enqueued jobs in memory and dedupes by name.
type Recording struct {
	mu   sync.Mutex
	jobs []Job
	seen map[string]bool
	// Dedupe enables drop-by-name.
	Dedupe bool
	// Fail, when set, is returned by Enqueue.
	Fail error
}

func (r *Recording) Reserve(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Dedupe {
		return true, nil
	}
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if r.seen[name] {
		return false, nil
	}
	r.seen[name] = true
	return true, nil
}

func (r *Recording) Release(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, name)
	return nil
}

func (r *Recording) Enqueue(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns the enqueued jobs in order.
func (r *Recording) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

// Reset forgets enqueued jobs and dedupe state.
func (r *Recording) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = nil
	r.seen = nil
}
