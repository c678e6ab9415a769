package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action tags an archive entry with the mutation that produced it.
type Action string

const (
	ObjectCreated Action = "ObjectCreated"
	ObjectRemoved Action = "ObjectRemoved"
	ObjectUpdated Action = "ObjectUpdated"
	CreateUpdate  Action = "Create/Update"
)

// archiveTimeFormat is fixed width so archive sort keys order lexically.
const archiveTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Clock hands out strictly increasing timestamps.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock wraps a time source; nil means time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a UTC timestamp strictly after every previous one.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// ArchiveSK builds the archive sort key for a primary sort key.
func ArchiveSK(sk string, at time.Time) string {
	return sk + ":" + at.UTC().Format(archiveTimeFormat)
}

// ArchiveTime recovers the timestamp from an archive sort key built for sk.
func ArchiveTime(archiveSK, sk string) (time.Time, error) {
	ts, ok := strings.CutPrefix(archiveSK, sk+":")
	if !ok {
		return time.Time{}, fmt.Errorf("archive key %q does not belong to %q", archiveSK, sk)
	}
	return time.Parse(archiveTimeFormat, ts)
}

// Archived rewrites an item into its archive form: the sort key gains the
// timestamp suffix and the document gains archive_log.
func Archived(it Item, action Action, at time.Time) (Item, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(it.Data, &doc); err != nil {
		return Item{}, fmt.Errorf("archive %s: %w", it.Key, err)
	}
	sk := ArchiveSK(it.SK, at)
	doc["sort_key"], _ = json.Marshal(sk)
	doc["partition_key"], _ = json.Marshal(it.PK)
	doc["archive_log"], _ = json.Marshal(string(action))
	data, err := json.Marshal(doc)
	if err != nil {
		return Item{}, fmt.Errorf("archive %s: %w", it.Key, err)
	}
	return Item{Key: Key{PK: it.PK, SK: sk}, Data: data}, nil
}
