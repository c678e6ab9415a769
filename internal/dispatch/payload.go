package dispatch

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/maraichr/gdr/internal/filetype"
	"github.com/maraichr/gdr/internal/payload"
	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/submission"
)

// ErrInvalidPayload marks payloads rejected by Validate.
var ErrInvalidPayload = errors.New("invalid dispatch payload")

// Payload selects the files to validate. It takes one of three shapes:
// manifest keyed (manifest_fp with manifest_dynamodb_key_prefix), a file list
// (filepaths with output_prefix), or legacy (manifest_fp with include_fns).
type Payload struct {
	ManifestKey      string          `json:"manifest_fp,omitempty"`
	RecordPrefix     string          `json:"manifest_dynamodb_key_prefix,omitempty"`
	Filepaths        payload.Strings `json:"filepaths,omitempty"`
	OutputPrefix     string          `json:"output_prefix,omitempty"`
	IncludeFns       payload.Strings `json:"include_fns,omitempty"`
	ExcludeFns       payload.Strings `json:"exclude_fns,omitempty"`
	Tasks            payload.Strings `json:"tasks,omitempty"`
	TasksSkipped     payload.Strings `json:"tasks_skipped,omitempty"`
	ExceptionPostfix payload.Strings `json:"exception_postfix_filename,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// Validate checks field combinations and task names.
func (p Payload) Validate() error {
	hasManifest, hasFiles := p.ManifestKey != "", len(p.Filepaths) > 0
	switch {
	case hasManifest == hasFiles:
		return invalid("exactly one of manifest_fp or filepaths is required")
	case hasFiles && p.OutputPrefix == "":
		return invalid("filepaths requires output_prefix")
	case hasManifest && p.OutputPrefix != "":
		return invalid("output_prefix is not allowed with manifest_fp")
	case len(p.IncludeFns) > 0 && len(p.ExcludeFns) > 0:
		return invalid("include_fns and exclude_fns are mutually exclusive")
	case hasFiles && (len(p.IncludeFns) > 0 || len(p.ExcludeFns) > 0):
		return invalid("include_fns and exclude_fns are not allowed with filepaths")
	}
	for _, fp := range p.Filepaths {
		if filetype.IsIndex(fp) {
			return invalid("filepaths must not contain index files (%s)", fp)
		}
		if _, err := submission.ParseKey(fp); err != nil {
			return invalid("%v", err)
		}
	}
	if hasManifest {
		if _, err := submission.PrefixOf(p.ManifestKey); err != nil {
			return invalid("manifest_fp: %v", err)
		}
	}
	for _, list := range []payload.Strings{p.Tasks, p.TasksSkipped} {
		for _, t := range list {
			if _, err := record.ParseTask(t); err != nil {
				return invalid("%v", err)
			}
		}
	}
	return nil
}

// Prefix returns the record key prefix of a manifest keyed payload.
func (p Payload) Prefix() string {
	if p.RecordPrefix != "" {
		return submission.NormalizePrefix(p.RecordPrefix)
	}
	return submission.NormalizePrefix(path.Dir(p.ManifestKey))
}

// excluded reports whether a filename is left out of a manifest keyed run.
func (p Payload) excluded(filename string) bool {
	if filetype.IsManifest(filename) || filetype.IsIndex(filename) || filetype.IsMD5(filename) {
		return true
	}
	for _, postfix := range p.ExceptionPostfix {
		if strings.HasSuffix(filename, postfix) {
			return true
		}
	}
	if len(p.IncludeFns) > 0 {
		return !slices.Contains(p.IncludeFns, filename)
	}
	return slices.Contains(p.ExcludeFns, filename)
}
