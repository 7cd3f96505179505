package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EntityKind names the tracked entity a history record belongs to.
type EntityKind string

const (
	EntityPosition        EntityKind = "position"
	EntityOrder           EntityKind = "order"
	EntityTrailingStop    EntityKind = "trailing_stop"
	EntityConditionalRule EntityKind = "conditional_rule"
)

// HistoryRecord is one append-only row describing a state transition.
type HistoryRecord struct {
	ID         int64           `json:"id"`
	Entity     EntityKind      `json:"entity"`
	EntityKey  string          `json:"entity_key"`
	User       string          `json:"user"`
	Exchange   string          `json:"exchange,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Kind       string          `json:"kind"`
	Seq        uint64          `json:"seq"`
	Snapshot   json.RawMessage `json:"snapshot"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	Entity    EntityKind
	EntityKey string
	User      string
	ListOpts
}

// HistoryStore is the durable append-only record of all state transitions.
type HistoryStore interface {
	Append(ctx context.Context, rec HistoryRecord) error
	List(ctx context.Context, f HistoryFilter) ([]HistoryRecord, error)
	ListRange(ctx context.Context, entity EntityKind, from, to time.Time) ([]HistoryRecord, error)
}

// AuditEntry represents an operator-visible action.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore records operator actions and maintenance jobs.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
