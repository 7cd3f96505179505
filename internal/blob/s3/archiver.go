package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// HistoryRange is the slice of domain.HistoryStore the archiver reads.
type HistoryRange interface {
	ListRange(ctx context.Context, entity domain.EntityKind, from, to time.Time) ([]domain.HistoryRecord, error)
}

// ArchiverConfig names where archives go.
type ArchiverConfig struct {
	// Prefix is prepended to every object key, e.g. "archive".
	Prefix string
}

// Archiver implements domain.Archiver. Each (entity, month) is written once
// as JSONL; an existing object is never overwritten.
//
// Archived rows are not deleted from the history table here.
type Archiver struct {
	cfg     ArchiverConfig
	history HistoryRange
	bucket  Bucket
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewArchiver creates a new Archiver. audit may be nil.
func NewArchiver(cfg ArchiverConfig, history HistoryRange, bucket Bucket, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "archive"
	}
	return &Archiver{
		cfg:     cfg,
		history: history,
		bucket:  bucket,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveMonth uploads every record of entity recorded during the calendar
// month (UTC) containing month and returns how many were written. It returns
// zero when the month is empty or already archived.
func (a *Archiver) ArchiveMonth(ctx context.Context, entity domain.EntityKind, month time.Time) (int64, error) {
	from := monthStart(month)
	to := from.AddDate(0, 1, 0)
	path := archivePath(a.cfg.Prefix, entity, from)

	exists, err := a.bucket.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	if exists {
		a.logger.InfoContext(ctx, "archive already present", slog.String("path", path))
		return 0, nil
	}

	records, err := a.history.ListRange(ctx, entity, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", path, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", path, err)
	}

	if err := a.bucket.PutJSONL(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", path, err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "archive written",
		slog.String("path", path),
		slog.Int64("records", count),
		slog.Int("bytes", len(buf)),
	)

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+string(entity), map[string]any{
			"path":  path,
			"count": count,
			"month": from.Format("2006-01"),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", path, err)
		}
	}
	return count, nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// archivePath builds the object key for one month of an entity:
//
//	archive/position/2026-01.jsonl
//	archive/conditional_rule/2026-01.jsonl
func archivePath(prefix string, entity domain.EntityKind, month time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, entity, month.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
