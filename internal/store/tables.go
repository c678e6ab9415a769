package store

import "fmt"

// Tables names the logical tables.
type Tables struct {
	Staging        string
	StagingArchive string
	Store          string
	StoreArchive   string
	Results        string
	ResultsArchive string
	ETag           string
}

// ArchiveOf returns the archive sibling of a primary table.
func (t Tables) ArchiveOf(table string) (string, error) {
	switch table {
	case t.Staging:
		return t.StagingArchive, nil
	case t.Store:
		return t.StoreArchive, nil
	case t.Results:
		return t.ResultsArchive, nil
	}
	return "", fmt.Errorf("table %q has no archive", table)
}

// All lists every table, primary and archive.
func (t Tables) All() []string {
	return []string{t.Staging, t.StagingArchive, t.Store, t.StoreArchive, t.Results, t.ResultsArchive, t.ETag}
}
