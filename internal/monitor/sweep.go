package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/submission"
)

// Stale is a submission whose validation has been RUNNING for too long.
type Stale struct {
	Submission string
	Keys       []string
}

// Sweeper re-drives the monitor for submissions stuck in RUNNING. A lost
// monitor invocation is recovered; a lost job is reported.
type Sweeper struct {
	store      *store.Store
	invoker    invoke.Invoker
	notifier   notify.Notifier
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewSweeper(s *store.Store, invoker invoke.Invoker, notifier notify.Notifier, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      s,
		invoker:    invoker,
		notifier:   notifier,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// Sweep finds stale RUNNING statuses, re-invokes the monitor once per
// submission and notifies about them.
func (sw *Sweeper) Sweep(ctx context.Context) ([]Stale, error) {
	tables := sw.store.Tables()
	cutoff := sw.now().Add(-sw.staleAfter)
	bySubmission := map[string][]string{}

	for _, task := range record.Tasks {
		pk := record.StatusPK(task)
		rows, err := sw.store.Query(ctx, tables.Results, pk, "",
			store.Filter{Field: "value", Op: store.Equal, Value: record.Running})
		if err != nil {
			return nil, fmt.Errorf("sweep %s: %w", task, err)
		}
		for _, row := range rows {
			since, err := sw.runningSince(ctx, pk, row.SK)
			if err != nil {
				return nil, err
			}
			if since.IsZero() || since.After(cutoff) {
				continue
			}
			prefix, err := submission.PrefixOf(row.SK)
			if err != nil {
				sw.logger.Warn("skipping status outside a submission", slog.String("s3_key", row.SK))
				continue
			}
			bySubmission[prefix] = append(bySubmission[prefix], row.SK)
		}
	}

	var out []Stale
	for prefix, keys := range bySubmission {
		sort.Strings(keys)
		out = append(out, Stale{Submission: prefix, Keys: slices.Compact(keys)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Submission < out[j].Submission })

	for _, s := range out {
		if err := sw.invoker.Invoke(ctx, invoke.Monitor, Event{EventType: ValidationResultUpload, S3Key: s.Keys[0]}); err != nil {
			return out, fmt.Errorf("invoke monitor for %s: %w", s.Submission, err)
		}
		sw.logger.Warn("stale validation", slog.String("submission", s.Submission), slog.Int("files", len(s.Keys)))
		lines := []string{fmt.Sprintf("Validation has been running for more than %s for:", sw.staleAfter)}
		for _, k := range s.Keys {
			lines = append(lines, "- "+k)
		}
		notify.Send(ctx, sw.notifier, sw.logger, notify.Message{
			Subject:    "GDR validation stalled: " + s.Submission,
			Submission: s.Submission,
			Lines:      lines,
		})
	}
	return out, nil
}

// runningSince returns when the status row was last written, from its most
// recent archive entry.
func (sw *Sweeper) runningSince(ctx context.Context, pk, sk string) (time.Time, error) {
	archived, err := sw.store.Query(ctx, sw.store.Tables().ResultsArchive, pk, sk+":")
	if err != nil {
		return time.Time{}, err
	}
	if len(archived) == 0 {
		return time.Time{}, nil
	}
	return record.ArchiveTime(archived[len(archived)-1].SK, sk)
}
