// Package pebble is an embedded record store backend. Records live under
// keys of the form table\x00pk\x00sk so a partition is one contiguous range.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
)

const sep = 0x00

type Backend struct {
	db *pebble.DB
	// guards read-then-delete so Delete returns the item it removed
	mu sync.Mutex
}

// Open opens or creates a store at path.
func Open(path string) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Backend{db: db}, nil
}

// OpenInMemory opens a store on an in-memory filesystem.
func OpenInMemory() (*Backend, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) Ping(context.Context) error {
	if b.db == nil {
		return errors.New("pebble closed")
	}
	return nil
}

func partition(table, pk string) []byte {
	k := make([]byte, 0, len(table)+len(pk)+2)
	k = append(k, table...)
	k = append(k, sep)
	k = append(k, pk...)
	k = append(k, sep)
	return k
}

func encodeKey(table string, key record.Key) []byte {
	return append(partition(table, key.PK), key.SK...)
}

// upperBound returns the smallest key greater than every key with the prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (b *Backend) Put(_ context.Context, table string, it record.Item) error {
	return b.db.Set(encodeKey(table, it.Key), it.Data, pebble.Sync)
}

func (b *Backend) Get(_ context.Context, table string, key record.Key) (*record.Item, error) {
	v, closer, err := b.db.Get(encodeKey(table, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	data := make([]byte, len(v))
	copy(data, v)
	return &record.Item{Key: key, Data: data}, nil
}

func (b *Backend) Delete(ctx context.Context, table string, key record.Key) (*record.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, err := b.Get(ctx, table, key)
	if err != nil || old == nil {
		return nil, err
	}
	if err := b.db.Delete(encodeKey(table, key), pebble.Sync); err != nil {
		return nil, err
	}
	return old, nil
}

func (b *Backend) Query(_ context.Context, table, pk, skPrefix string, filters []store.Filter, after string, limit int) (store.Page, error) {
	base := partition(table, pk)
	prefix := append(append([]byte{}, base...), skPrefix...)
	lower := prefix
	if after != "" {
		start := append(append(append([]byte{}, base...), after...), sep)
		if bytes.Compare(start, lower) > 0 {
			lower = start
		}
	}

	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return store.Page{}, err
	}
	defer iter.Close()

	var page store.Page
	for valid := iter.First(); valid; valid = iter.Next() {
		sk := string(iter.Key()[len(base):])
		data := make([]byte, len(iter.Value()))
		copy(data, iter.Value())
		it := record.Item{Key: record.Key{PK: pk, SK: sk}, Data: data}

		if limit > 0 && len(page.Items) == limit {
			page.Next = page.Items[len(page.Items)-1].SK
			break
		}
		if matches(it, filters) {
			page.Items = append(page.Items, it)
		}
	}
	return page, iter.Error()
}

func matches(it record.Item, filters []store.Filter) bool {
	for _, f := range filters {
		if !f.Match(it) {
			return false
		}
	}
	return true
}

func (b *Backend) WriteBatch(_ context.Context, table string, puts []record.Item, deletes []record.Key) ([]record.Item, []record.Key, error) {
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, it := range puts {
		if err := batch.Set(encodeKey(table, it.Key), it.Data, nil); err != nil {
			return nil, nil, err
		}
	}
	for _, k := range deletes {
		if err := batch.Delete(encodeKey(table, k), nil); err != nil {
			return nil, nil, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}
