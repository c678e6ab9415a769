// Package manifest parses submission manifests and validates them against
// the staging bucket.
package manifest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/maraichr/gdr/internal/record"
)

// Required header columns.
const (
	ColumnFilename    = "filename"
	ColumnChecksum    = "checksum"
	ColumnAghaStudyID = "agha_study_id"
)

var requiredColumns = []string{ColumnFilename, ColumnChecksum, ColumnAghaStudyID}

// ErrColumns is returned when the header is not exactly the required columns.
var ErrColumns = errors.New("manifest columns")

var (
	checksumPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	studyIDPattern  = regexp.MustCompile(`^(A\d{7,8}(_mat|_pat|_R[123])?|unknown)$`)
)

// Row is one manifest entry. Empty cells hold record.NotProvided.
type Row struct {
	Filename    string
	Checksum    string
	AghaStudyID string
}

// Manifest is a parsed manifest in file order.
type Manifest struct {
	Rows []Row
}

// Parse reads a tab separated manifest. The header must name exactly the
// filename, checksum and agha_study_id columns, in any order.
func Parse(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: manifest is empty", ErrColumns)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest header: %w", err)
	}
	index, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	m := &Manifest{}
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		if blank(fields) {
			continue
		}
		m.Rows = append(m.Rows, Row{
			Filename:    cell(fields, index[ColumnFilename]),
			Checksum:    cell(fields, index[ColumnChecksum]),
			AghaStudyID: cell(fields, index[ColumnAghaStudyID]),
		})
	}
	return m, nil
}

func columnIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	var unexpected []string
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, dup := index[h]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrColumns, h)
		}
		index[h] = i
		if !slices.Contains(requiredColumns, h) {
			unexpected = append(unexpected, h)
		}
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := index[c]; !ok {
			missing = append(missing, c)
		}
	}
	switch {
	case len(missing) > 0:
		return nil, fmt.Errorf("%w: missing required columns %s", ErrColumns, strings.Join(missing, ", "))
	case len(unexpected) > 0:
		sort.Strings(unexpected)
		return nil, fmt.Errorf("%w: unexpected columns %s", ErrColumns, strings.Join(unexpected, ", "))
	}
	return index, nil
}

func cell(fields []string, i int) string {
	if i >= len(fields) {
		return record.NotProvided
	}
	if v := strings.TrimSpace(fields[i]); v != "" {
		return v
	}
	return record.NotProvided
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Filenames returns the listed filenames in file order.
func (m *Manifest) Filenames() []string {
	out := make([]string, 0, len(m.Rows))
	for _, r := range m.Rows {
		out = append(out, r.Filename)
	}
	return out
}

// Problems validates each row and returns one message per defect. Rows whose
// filename is excluded are not checked.
func (m *Manifest) Problems(skipChecksum bool, excluded func(string) bool) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range m.Rows {
		if r.Filename == record.NotProvided {
			out = append(out, "manifest row without filename")
			continue
		}
		if excluded(r.Filename) {
			continue
		}
		if seen[r.Filename] {
			out = append(out, fmt.Sprintf("duplicate manifest entry for %s", r.Filename))
			continue
		}
		seen[r.Filename] = true
		if !studyIDPattern.MatchString(r.AghaStudyID) {
			out = append(out, fmt.Sprintf("malformed AGHA study ID for %s (%s)", r.Filename, r.AghaStudyID))
		}
		if !skipChecksum && !checksumPattern.MatchString(r.Checksum) {
			out = append(out, fmt.Sprintf("malformed checksum for %s (%s)", r.Filename, r.Checksum))
		}
	}
	return out
}

// Render writes the manifest back out with the canonical column order.
func (m *Manifest) Render() []byte {
	var b bytes.Buffer
	w := csv.NewWriter(&b)
	w.Comma = '\t'
	w.Write([]string{ColumnChecksum, ColumnFilename, ColumnAghaStudyID})
	for _, r := range m.Rows {
		w.Write([]string{r.Checksum, r.Filename, r.AghaStudyID})
	}
	w.Flush()
	return b.Bytes()
}
