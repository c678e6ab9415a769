// Package testenv builds in-memory pipeline dependencies for tests.
package testenv

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/objectstore/fake"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/store/pebble"
)

var Buckets = config.BucketConfig{
	Staging: "agha-staging",
	Store:   "agha-store",
	Results: "agha-results",
}

var Tables = store.Tables{
	Staging:        "staging",
	StagingArchive: "staging_archive",
	Store:          "store",
	StoreArchive:   "store_archive",
	Results:        "results",
	ResultsArchive: "results_archive",
	ETag:           "etag",
}

var Queues = map[string]string{
	"small":  "q-small",
	"medium": "q-medium",
	"large":  "q-large",
	"xlarge": "q-xlarge",
}

func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Store opens a record store on an in-memory pebble backend.
func Store(t testing.TB) *store.Store {
	t.Helper()
	b, err := pebble.OpenInMemory()
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return store.New(b, Tables, Logger(), store.WithRetry(time.Millisecond, 3))
}

// Objects returns an empty in-memory object store.
func Objects() *fake.Store {
	return fake.New()
}
