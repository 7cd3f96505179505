package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// BotSettingsStore reads bot enablement from the bot_settings table. It is
// both a discovery provider and a symbol source.
type BotSettingsStore struct {
	pool *pgxpool.Pool
}

// NewBotSettingsStore creates a new BotSettingsStore backed by the given
// connection pool.
func NewBotSettingsStore(pool *pgxpool.Pool) *BotSettingsStore {
	return &BotSettingsStore{pool: pool}
}

func (s *BotSettingsStore) Name() string { return "postgres" }

// EnabledUsers groups enabled accounts by user.
func (s *BotSettingsStore) EnabledUsers(ctx context.Context) ([]domain.ActiveUser, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, exchange, symbols FROM bot_settings
		 WHERE enabled ORDER BY user_id, exchange`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled users: %w", err)
	}
	defer rows.Close()

	var out []domain.ActiveUser
	for rows.Next() {
		var user, exchange string
		var symbols []string
		if err := rows.Scan(&user, &exchange, &symbols); err != nil {
			return nil, fmt.Errorf("postgres: scan bot settings: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].User != user {
			out = append(out, domain.ActiveUser{User: user, Enabled: true, Exchanges: make(map[string][]string)})
		}
		out[len(out)-1].Exchanges[exchange] = symbols
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list enabled users rows: %w", err)
	}
	return out, nil
}

// Symbols returns the configured symbols of an enabled account.
func (s *BotSettingsStore) Symbols(ctx context.Context, book domain.BookKey) ([]string, error) {
	var symbols []string
	err := s.pool.QueryRow(ctx,
		`SELECT symbols FROM bot_settings WHERE user_id = $1 AND exchange = $2 AND enabled`,
		book.User, book.Exchange,
	).Scan(&symbols)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: symbols %s: %w", book, err)
	}
	slices.Sort(symbols)
	return symbols, nil
}

var (
	_ domain.UserProvider = (*BotSettingsStore)(nil)
	_ domain.SymbolSource = (*BotSettingsStore)(nil)
)
