package store

import (
	"context"

	"github.com/maraichr/gdr/internal/record"
)

// GetAs fetches and decodes a record. It returns nil when absent.
func GetAs[T any](ctx context.Context, s *Store, table string, key record.Key) (*T, error) {
	it, err := s.Get(ctx, table, key)
	if err != nil || it == nil {
		return nil, err
	}
	v, err := record.Decode[T](*it)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// QueryAs runs Query and decodes every item.
func QueryAs[T any](ctx context.Context, s *Store, table, pk, skPrefix string, filters ...Filter) ([]T, error) {
	items, err := s.Query(ctx, table, pk, skPrefix, filters...)
	if err != nil {
		return nil, err
	}
	return record.DecodeAll[T](items)
}

// SubmissionPrefix turns a submission prefix into a sort key prefix that
// matches only keys inside it.
func SubmissionPrefix(prefix string) string {
	for len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix + "/"
}
