package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// HistoryStore implements domain.HistoryStore over the append-only
// state_history table.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a new HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const historySelectCols = `id, entity, entity_key, user_id, exchange, symbol,
	kind, seq, snapshot, recorded_at`

func scanHistoryRows(rows pgx.Rows) ([]domain.HistoryRecord, error) {
	var out []domain.HistoryRecord
	for rows.Next() {
		var r domain.HistoryRecord
		var entity string
		var seq int64
		if err := rows.Scan(
			&r.ID, &entity, &r.EntityKey, &r.User, &r.Exchange, &r.Symbol,
			&r.Kind, &seq, &r.Snapshot, &r.RecordedAt,
		); err != nil {
			return nil, err
		}
		r.Entity = domain.EntityKind(entity)
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Append inserts one transition. RecordedAt defaults to now.
func (s *HistoryStore) Append(ctx context.Context, rec domain.HistoryRecord) error {
	const query = `
		INSERT INTO state_history (
			entity, entity_key, user_id, exchange, symbol,
			kind, seq, snapshot, recorded_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, COALESCE($9, NOW())
		)`

	var recordedAt *time.Time
	if !rec.RecordedAt.IsZero() {
		recordedAt = &rec.RecordedAt
	}
	_, err := s.pool.Exec(ctx, query,
		string(rec.Entity), rec.EntityKey, rec.User, rec.Exchange, rec.Symbol,
		rec.Kind, int64(rec.Seq), rec.Snapshot, recordedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append history %s %s: %w", rec.Entity, rec.EntityKey, err)
	}
	return nil
}

// List returns matching records oldest first.
func (s *HistoryStore) List(ctx context.Context, hf domain.HistoryFilter) ([]domain.HistoryRecord, error) {
	var f filter
	if hf.Entity != "" {
		f.add("entity = ?", string(hf.Entity))
	}
	if hf.EntityKey != "" {
		f.add("entity_key = ?", hf.EntityKey)
	}
	if hf.User != "" {
		f.add("user_id = ?", hf.User)
	}
	f.bounds("recorded_at", hf.ListOpts)
	query := `SELECT ` + historySelectCols + ` FROM state_history` + f.where() +
		` ORDER BY id ASC` + f.limit(hf.ListOpts)

	rows, err := s.pool.Query(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	out, err := scanHistoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history: %w", err)
	}
	return out, nil
}

// ListRange returns every record of entity recorded in [from, to), oldest
// first.
func (s *HistoryStore) ListRange(ctx context.Context, entity domain.EntityKind, from, to time.Time) ([]domain.HistoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historySelectCols+` FROM state_history
		 WHERE entity = $1 AND recorded_at >= $2 AND recorded_at < $3
		 ORDER BY id ASC`, string(entity), from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history range %s: %w", entity, err)
	}
	defer rows.Close()

	out, err := scanHistoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history range %s: %w", entity, err)
	}
	return out, nil
}

var _ domain.HistoryStore = (*HistoryStore)(nil)
