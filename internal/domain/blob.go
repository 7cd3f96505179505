package domain

import (
	"context"
	"time"
)

// Archiver copies one month of history to cold storage.
type Archiver interface {
	ArchiveMonth(ctx context.Context, entity EntityKind, month time.Time) (int64, error)
}
