package dispatch

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/maraichr/gdr/internal/filetype"
	"github.com/maraichr/gdr/internal/record"
)

// Size classes.
const (
	Small  = "small"
	Medium = "medium"
	Large  = "large"
	XLarge = "xlarge"
)

// Size class thresholds in bytes; a file belongs to the first class whose
// threshold it exceeds.
const (
	xlargeAbove = 150_000_000_000
	largeAbove  = 100_000_000_000
	mediumAbove = 50_000_000_000
)

// SizeClass maps a file size to a queue size class.
func SizeClass(size int64) string {
	switch {
	case size > xlargeAbove:
		return XLarge
	case size > largeAbove:
		return Large
	case size > mediumAbove:
		return Medium
	}
	return Small
}

// QueueForSize resolves the queue name for a file size.
func QueueForSize(size int64, queues map[string]string) string {
	return queues[SizeClass(size)]
}

// DefaultTasks lists the checks a file gets by default.
func DefaultTasks(filename string) []record.Task {
	ft := filetype.FromFilename(filename)
	tasks := []record.Task{record.ChecksumValidation, record.FileValidation}
	if ft.IsIndexable() {
		tasks = append(tasks, record.CreateIndex)
	}
	if ft.IsCompressable() && !filetype.IsCompressedFile(filename) {
		tasks = append(tasks, record.CreateCompress)
	}
	return tasks
}

// SelectTasks narrows the default tasks of a file to the requested ones, if
// any, and drops skipped tasks.
func SelectTasks(filename string, requested, skipped []string) []record.Task {
	var out []record.Task
	for _, t := range DefaultTasks(filename) {
		if len(requested) > 0 && !has(requested, t) {
			continue
		}
		if has(skipped, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func has(list []string, t record.Task) bool {
	for _, v := range list {
		if v == string(t) {
			return true
		}
	}
	return false
}

// Job name prefixes.
const (
	ValidationJobPrefix = "agha_validation"
	TransferJobPrefix   = "agha_transfer"
)

const (
	maxJobName    = 128
	truncatedName = 120
)

var jobNameInvalid = regexp.MustCompile(`[^A-Za-z0-9-]`)

// JobName builds a validation job name from a record key.
func JobName(sk, pk string) string {
	return JobNameFor(ValidationJobPrefix, sk, pk)
}

// JobNameFor builds a compute job name from a prefix and record key. Names
// longer than the runtime limit are truncated and made unique with a short
// random suffix.
func JobNameFor(prefix, sk, pk string) string {
	name := jobNameInvalid.ReplaceAllString(prefix+"__"+sk+"__"+pk, "_")
	if len(name) <= maxJobName {
		return name
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
	return name[:truncatedName] + "_" + suffix
}
