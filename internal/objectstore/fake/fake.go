// Package fake is an in-memory objectstore.Store for tests and local runs.
package fake

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maraichr/gdr/internal/objectstore"
)

type object struct {
	body        []byte
	etag        string
	size        int64
	contentType string
	modified    time.Time
}

type Store struct {
	mu       sync.Mutex
	buckets  map[string]map[string]object
	policies map[string]string
	now      func() time.Time

	// Fail, when set, is consulted before every mutating call.
	Fail func(op, bucket, key string) error
}

func New() *Store {
	return &Store{
		buckets:  map[string]map[string]object{},
		policies: map[string]string{},
		now:      time.Now,
	}
}

func (s *Store) bucket(name string) map[string]object {
	b, ok := s.buckets[name]
	if !ok {
		b = map[string]object{}
		s.buckets[name] = b
	}
	return b
}

func (s *Store) fail(op, bucket, key string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op, bucket, key)
}

// PutObject stores an object with an explicit ETag and size, so tests can
// model large or duplicate objects without holding their bodies.
func (s *Store) PutObject(bucket, key string, body []byte, etag string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if etag == "" {
		sum := md5.Sum(body)
		etag = hex.EncodeToString(sum[:])
	}
	if size == 0 {
		size = int64(len(body))
	}
	s.bucket(bucket)[key] = object{body: body, etag: etag, size: size, modified: s.now()}
}

// Has reports whether the object exists.
func (s *Store) Has(bucket, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket][key]
	return ok
}

// Keys returns the sorted keys in a bucket.
func (s *Store) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns the stored object metadata.
func (s *Store) Object(bucket, key string) (objectstore.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return objectstore.Object{}, false
	}
	return objectstore.Object{Bucket: bucket, Key: key, ETag: o.etag, Size: o.size, LastModified: o.modified}, true
}

func (s *Store) List(_ context.Context, bucket, prefix string) ([]objectstore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []objectstore.Object
	for k, o := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, objectstore.Object{Bucket: bucket, Key: k, ETag: o.etag, Size: o.size, LastModified: o.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", objectstore.URI(bucket, key), objectstore.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(o.body)), nil
}

func (s *Store) Put(_ context.Context, bucket, key string, body []byte, contentType string) error {
	if err := s.fail("put", bucket, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := md5.Sum(body)
	s.bucket(bucket)[key] = object{
		body:        append([]byte(nil), body...),
		etag:        hex.EncodeToString(sum[:]),
		size:        int64(len(body)),
		contentType: contentType,
		modified:    s.now(),
	}
	return nil
}

func (s *Store) Delete(_ context.Context, bucket, key string) error {
	if err := s.fail("delete", bucket, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

func (s *Store) GetBucketPolicy(_ context.Context, bucket string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies[bucket], nil
}

func (s *Store) PutBucketPolicy(_ context.Context, bucket, policy string) error {
	if err := s.fail("put_policy", bucket, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[bucket] = policy
	return nil
}

func (s *Store) DeleteBucketPolicy(_ context.Context, bucket string) error {
	if err := s.fail("delete_policy", bucket, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, bucket)
	return nil
}
