package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// EnablementProvider reads bot enablement written by the account service.
//
// Key schema:
//
//	bot:enabled          - set of user ids with the bot switched on
//	bot:user:{user}      - hash, field "exchanges" holds {"exchange": ["SYMBOL", ...]}
//	symbols:{bookKey}    - set of symbols the user trades on one exchange
type EnablementProvider struct {
	rdb  *redis.Client
	keys keys
}

// NewEnablementProvider creates an EnablementProvider backed by the given
// Client.
func NewEnablementProvider(c *Client) *EnablementProvider {
	return &EnablementProvider{rdb: c.Underlying(), keys: keys{prefix: c.prefix}}
}

func (p *EnablementProvider) Name() string { return "redis" }

// EnabledUsers returns every user in the enabled set with their exchanges.
// Users without an exchange entry are skipped.
func (p *EnablementProvider) EnabledUsers(ctx context.Context) ([]domain.ActiveUser, error) {
	users, err := p.rdb.SMembers(ctx, p.keys.key("bot", "enabled")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list enabled users: %w", err)
	}
	slices.Sort(users)

	pipe := p.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(users))
	for i, u := range users {
		cmds[i] = pipe.HGet(ctx, p.keys.key("bot", "user", domain.TopicSegment(u)), "exchanges")
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis: load enabled users: %w", err)
		}
	}

	out := make([]domain.ActiveUser, 0, len(users))
	for i, u := range users {
		raw, err := cmds[i].Bytes()
		if err != nil {
			continue
		}
		exchanges, err := decodeExchanges(raw)
		if err != nil || len(exchanges) == 0 {
			continue
		}
		out = append(out, domain.ActiveUser{User: u, Exchanges: exchanges, Enabled: true})
	}
	return out, nil
}

// Symbols returns the symbols recorded for book.
func (p *EnablementProvider) Symbols(ctx context.Context, book domain.BookKey) ([]string, error) {
	symbols, err := p.rdb.SMembers(ctx, p.keys.key("symbols", book.Encode())).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: symbols %s: %w", book, err)
	}
	slices.Sort(symbols)
	return symbols, nil
}

func decodeExchanges(raw []byte) (map[string][]string, error) {
	var exchanges map[string][]string
	if err := json.Unmarshal(raw, &exchanges); err != nil {
		return nil, err
	}
	for ex := range exchanges {
		if ex == "" {
			delete(exchanges, ex)
		}
	}
	return exchanges, nil
}

var (
	_ domain.UserProvider = (*EnablementProvider)(nil)
	_ domain.SymbolSource = (*EnablementProvider)(nil)
)
