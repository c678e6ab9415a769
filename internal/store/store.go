package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/maraichr/gdr/internal/metrics"
	"github.com/maraichr/gdr/internal/record"
)

// MaxBatchSize is the number of writes sent to a backend in one batch.
const MaxBatchSize = 25

// defaultPageSize bounds a single backend query page.
const defaultPageSize = 100

// Op is a filter comparison.
type Op string

const (
	Equal    Op = "="
	NotEqual Op = "<>"
)

// Filter restricts query results on a top-level document field.
type Filter struct {
	Field string
	Op    Op
	Value string
}

// Match evaluates the filter against an item.
func (f Filter) Match(it record.Item) bool {
	v, ok := it.Field(f.Field)
	switch f.Op {
	case NotEqual:
		return !ok || v != f.Value
	default:
		return ok && v == f.Value
	}
}

// Page is one page of query results. Next is empty on the last page.
type Page struct {
	Items []record.Item
	Next  string
}

// Backend is a wide-column record store.
type Backend interface {
	Put(ctx context.Context, table string, it record.Item) error
	// Delete removes a record and returns the previous item, nil if absent.
	Delete(ctx context.Context, table string, key record.Key) (*record.Item, error)
	// Get returns nil when the record does not exist.
	Get(ctx context.Context, table string, key record.Key) (*record.Item, error)
	// Query returns items in sort key order with SK > after.
	Query(ctx context.Context, table, pk, skPrefix string, filters []Filter, after string, limit int) (Page, error)
	// WriteBatch applies puts and deletes and returns those it did not process.
	WriteBatch(ctx context.Context, table string, puts []record.Item, deletes []record.Key) (unprocessedPuts []record.Item, unprocessedDeletes []record.Key, err error)
	Ping(ctx context.Context) error
	Close() error
}

// Store wraps a Backend with transparent pagination, chunked batch writes,
// unprocessed-item retry and archive writes.
type Store struct {
	backend Backend
	tables  Tables
	clock   *record.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	retryBackoff time.Duration
	maxRetries   int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the archive timestamp source.
func WithClock(c *record.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithMetrics records archive writes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithRetry sets the unprocessed-item retry policy.
func WithRetry(backoff time.Duration, maxRetries int) Option {
	return func(s *Store) {
		s.retryBackoff = backoff
		s.maxRetries = maxRetries
	}
}

func New(backend Backend, tables Tables, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend:      backend,
		tables:       tables,
		clock:        record.NewClock(nil),
		logger:       logger,
		retryBackoff: 50 * time.Millisecond,
		maxRetries:   10,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Tables() Tables { return s.tables }

func (s *Store) Ping(ctx context.Context) error { return s.backend.Ping(ctx) }

func (s *Store) Close() error { return s.backend.Close() }

// Put upserts a record.
func (s *Store) Put(ctx context.Context, table string, r record.Record) error {
	it, err := record.Encode(r)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, table, it); err != nil {
		return fmt.Errorf("put %s in %s: %w", it.Key, table, err)
	}
	return nil
}

// Delete removes a record and returns the previous item, nil if it was absent.
func (s *Store) Delete(ctx context.Context, table string, key record.Key) (*record.Item, error) {
	old, err := s.backend.Delete(ctx, table, key)
	if err != nil {
		return nil, fmt.Errorf("delete %s from %s: %w", key, table, err)
	}
	return old, nil
}

// Get returns the item at key, nil if it does not exist.
func (s *Store) Get(ctx context.Context, table string, key record.Key) (*record.Item, error) {
	it, err := s.backend.Get(ctx, table, key)
	if err != nil {
		return nil, fmt.Errorf("get %s from %s: %w", key, table, err)
	}
	return it, nil
}

// Query returns every item in partition pk whose sort key starts with
// skPrefix, following pages until exhausted.
func (s *Store) Query(ctx context.Context, table, pk, skPrefix string, filters ...Filter) ([]record.Item, error) {
	var (
		out   []record.Item
		after string
	)
	for {
		page, err := s.backend.Query(ctx, table, pk, skPrefix, filters, after, defaultPageSize)
		if err != nil {
			return nil, fmt.Errorf("query %s %s/%s: %w", table, pk, skPrefix, err)
		}
		out = append(out, page.Items...)
		if page.Next == "" {
			return out, nil
		}
		after = page.Next
	}
}

// BatchWrite upserts items in chunks of MaxBatchSize.
func (s *Store) BatchWrite(ctx context.Context, table string, items []record.Item) error {
	for start := 0; start < len(items); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(items))
		if err := s.writeChunk(ctx, table, items[start:end], nil); err != nil {
			return err
		}
	}
	return nil
}

// BatchDelete removes keys in chunks of MaxBatchSize.
func (s *Store) BatchDelete(ctx context.Context, table string, keys []record.Key) error {
	for start := 0; start < len(keys); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(keys))
		if err := s.writeChunk(ctx, table, nil, keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeChunk(ctx context.Context, table string, puts []record.Item, deletes []record.Key) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		up, ud, err := s.backend.WriteBatch(ctx, table, puts, deletes)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("batch write %s: %w", table, err))
		}
		if len(up) == 0 && len(ud) == 0 {
			return nil
		}
		attempt++
		puts, deletes = up, ud
		return fmt.Errorf("batch write %s: %d items unprocessed after %d attempts", table, len(up)+len(ud), attempt)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("retrying unprocessed items",
			slog.String("table", table),
			slog.Int("unprocessed", len(puts)+len(deletes)),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait))
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx), notify)
}

// Archive appends items to the archive sibling of table. Each item gets a
// unique timestamped sort key, so nothing is ever overwritten.
func (s *Store) Archive(ctx context.Context, table string, items []record.Item, action record.Action) error {
	if len(items) == 0 {
		return nil
	}
	archiveTable, err := s.tables.ArchiveOf(table)
	if err != nil {
		return err
	}
	archived := make([]record.Item, 0, len(items))
	for _, it := range items {
		a, err := record.Archived(it, action, s.clock.Next())
		if err != nil {
			return err
		}
		archived = append(archived, a)
	}
	if err := s.BatchWrite(ctx, archiveTable, archived); err != nil {
		return err
	}
	s.metrics.RecordsArchived(archiveTable, len(archived))
	return nil
}

// Write upserts records and archives them with action.
func (s *Store) Write(ctx context.Context, table string, action record.Action, rs ...record.Record) error {
	items, err := record.EncodeAll(rs)
	if err != nil {
		return err
	}
	if err := s.BatchWrite(ctx, table, items); err != nil {
		return err
	}
	return s.Archive(ctx, table, items, action)
}

// Remove deletes items and archives their last state with action.
func (s *Store) Remove(ctx context.Context, table string, action record.Action, items ...record.Item) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]record.Key, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	if err := s.BatchDelete(ctx, table, keys); err != nil {
		return err
	}
	return s.Archive(ctx, table, items, action)
}
