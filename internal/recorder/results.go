package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/objectstore"
	"github.com/maraichr/gdr/internal/record"
)

// Job result statuses.
const (
	StatusSucceed = "SUCCEED"
	StatusFail    = "FAIL"
)

// FileValue marks a result whose value is a produced file.
const FileValue = "FILE"

// ResultEntry is one element of a __results.json document.
type ResultEntry struct {
	StagingS3Key string             `json:"staging_s3_key"`
	TaskType     string             `json:"task_type"`
	Status       string             `json:"status"`
	Value        string             `json:"value"`
	SourceFile   *record.SourceFile `json:"source_file,omitempty"`
}

// IngestResults reads a result document and replaces the STATUS and DATA rows
// of every task it reports.
func (r *Recorder) IngestResults(ctx context.Context, resultKey string) error {
	body, err := objectstore.ReadAll(ctx, r.objects, r.buckets.Results, resultKey)
	if err != nil {
		return err
	}
	var entries []ResultEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return invoke.Permanent(fmt.Errorf("parse %s: %w", resultKey, err))
	}

	table := r.store.Tables().Results
	fallbackKey := strings.TrimSuffix(resultKey, ResultsSuffix)

	var (
		prior []record.Item
		fresh []record.Record
	)
	for _, e := range entries {
		task, err := record.ParseTask(e.TaskType)
		if err != nil {
			r.logger.Warn("skipping result entry", slog.String("s3_key", resultKey), slog.String("error", err.Error()))
			continue
		}
		fileKey := e.StagingS3Key
		if fileKey == "" {
			fileKey = fallbackKey
		}

		for _, k := range []record.Key{
			{PK: record.StatusPK(task), SK: fileKey},
			{PK: record.DataPK(task), SK: fileKey},
		} {
			it, err := r.store.Get(ctx, table, k)
			if err != nil {
				return err
			}
			if it != nil {
				prior = append(prior, *it)
			}
		}

		status := record.Fail
		if e.Status == StatusSucceed {
			status = record.Pass
		}
		var src *record.SourceFile
		if e.Value == FileValue {
			src = e.SourceFile
		}
		fresh = append(fresh,
			record.NewResultStatus(task, fileKey, status),
			record.NewResultData(task, fileKey, e.Value, src))
	}

	if err := r.store.Remove(ctx, table, record.ObjectRemoved, prior...); err != nil {
		return err
	}
	if err := r.store.Write(ctx, table, record.CreateUpdate, fresh...); err != nil {
		return err
	}
	r.logger.Info("results ingested", slog.String("s3_key", resultKey), slog.Int("entries", len(entries)))
	return nil
}
