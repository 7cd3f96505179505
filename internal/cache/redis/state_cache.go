package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

const (
	defaultStateTTL  = 24 * time.Hour
	defaultFiredTTL  = 7 * 24 * time.Hour
	defaultHealthTTL = 5 * time.Minute
)

// StateConfig sets the TTLs of cache entries.
type StateConfig struct {
	// TTL bounds position, order, trailing stop and rule entries.
	TTL time.Duration
	// FiredTTL bounds fire-once markers.
	FiredTTL time.Duration
	// HealthTTL bounds feed health entries so a dead process ages out.
	HealthTTL time.Duration
}

// StateCache implements domain.StateCache and domain.HealthRecorder.
//
// Key schema:
//
//	pos:{positionKey}     - hash with field "data" containing JSON
//	pos:idx:{bookKey}     - set of position keys of one account
//	ord:{orderKey}        - hash with field "data"
//	ord:idx:{bookKey}     - set of order keys of one account
//	stop:{stopKey}        - hash with field "data"
//	stop:idx              - set of stop keys
//	rule:{ruleKey}        - hash with field "data"
//	rule:idx              - set of rule keys
//	fired:{ruleKey}:{ep}  - fire-once marker of one registration episode
//	health:feed:{bookKey} - feed health JSON
//
// Index entries whose data key has expired are pruned on read.
type StateCache struct {
	rdb  *redis.Client
	keys keys
	cfg  StateConfig
}

// NewStateCache creates a StateCache backed by the given Client.
func NewStateCache(c *Client, cfg StateConfig) *StateCache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultStateTTL
	}
	if cfg.FiredTTL <= 0 {
		cfg.FiredTTL = defaultFiredTTL
	}
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = defaultHealthTTL
	}
	return &StateCache{rdb: c.Underlying(), keys: keys{prefix: c.prefix}, cfg: cfg}
}

func (sc *StateCache) positionKey(k domain.PositionKey) string { return sc.keys.key("pos", k.Encode()) }
func (sc *StateCache) positionIdx(b domain.BookKey) string     { return sc.keys.key("pos", "idx", b.Encode()) }
func (sc *StateCache) orderKey(k domain.OrderKey) string       { return sc.keys.key("ord", k.Encode()) }
func (sc *StateCache) orderIdx(b domain.BookKey) string        { return sc.keys.key("ord", "idx", b.Encode()) }
func (sc *StateCache) stopKey(k domain.StopKey) string         { return sc.keys.key("stop", k.Encode()) }
func (sc *StateCache) stopIdx() string                         { return sc.keys.key("stop", "idx") }
func (sc *StateCache) ruleKey(k domain.RuleKey) string         { return sc.keys.key("rule", k.Encode()) }
func (sc *StateCache) ruleIdx() string                         { return sc.keys.key("rule", "idx") }
func (sc *StateCache) healthKey(b domain.BookKey) string       { return sc.keys.key("health", "feed", b.Encode()) }

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

func (sc *StateCache) PutPosition(ctx context.Context, p domain.Position) error {
	return sc.put(ctx, "position", sc.positionKey(p.Key), sc.positionIdx(p.Key.Book()), p.Key.Encode(), p)
}

func (sc *StateCache) GetPosition(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	var p domain.Position
	err := sc.get(ctx, "position", sc.positionKey(key), &p)
	return p, err
}

func (sc *StateCache) DeletePosition(ctx context.Context, key domain.PositionKey) error {
	return sc.del(ctx, "position", sc.positionKey(key), sc.positionIdx(key.Book()), key.Encode())
}

func (sc *StateCache) ListPositions(ctx context.Context, book domain.BookKey) ([]domain.Position, error) {
	return list(ctx, sc, "positions", sc.positionIdx(book), func(member string) (string, error) {
		k, err := domain.DecodePositionKey(member)
		return sc.positionKey(k), err
	}, func(p domain.Position) bool { return p.Status == domain.PositionStatusOpen })
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (sc *StateCache) PutOrder(ctx context.Context, o domain.Order) error {
	return sc.put(ctx, "order", sc.orderKey(o.Key), sc.orderIdx(o.Key.Book()), o.Key.Encode(), o)
}

func (sc *StateCache) GetOrder(ctx context.Context, key domain.OrderKey) (domain.Order, error) {
	var o domain.Order
	err := sc.get(ctx, "order", sc.orderKey(key), &o)
	return o, err
}

func (sc *StateCache) DeleteOrder(ctx context.Context, key domain.OrderKey) error {
	return sc.del(ctx, "order", sc.orderKey(key), sc.orderIdx(key.Book()), key.Encode())
}

func (sc *StateCache) ListOrders(ctx context.Context, book domain.BookKey) ([]domain.Order, error) {
	return list[domain.Order](ctx, sc, "orders", sc.orderIdx(book), func(member string) (string, error) {
		k, err := domain.DecodeOrderKey(member)
		return sc.orderKey(k), err
	}, nil)
}

// ---------------------------------------------------------------------------
// Trailing stops and rules
// ---------------------------------------------------------------------------

func (sc *StateCache) PutTrailingStop(ctx context.Context, s domain.TrailingStop) error {
	return sc.put(ctx, "trailing stop", sc.stopKey(s.Key), sc.stopIdx(), s.Key.Encode(), s)
}

func (sc *StateCache) DeleteTrailingStop(ctx context.Context, key domain.StopKey) error {
	return sc.del(ctx, "trailing stop", sc.stopKey(key), sc.stopIdx(), key.Encode())
}

func (sc *StateCache) ListTrailingStops(ctx context.Context) ([]domain.TrailingStop, error) {
	return list[domain.TrailingStop](ctx, sc, "trailing stops", sc.stopIdx(), func(member string) (string, error) {
		k, err := domain.DecodeStopKey(member)
		return sc.stopKey(k), err
	}, nil)
}

func (sc *StateCache) PutRule(ctx context.Context, r domain.ConditionalRule) error {
	return sc.put(ctx, "rule", sc.ruleKey(r.Key), sc.ruleIdx(), r.Key.Encode(), r)
}

func (sc *StateCache) DeleteRule(ctx context.Context, key domain.RuleKey) error {
	return sc.del(ctx, "rule", sc.ruleKey(key), sc.ruleIdx(), key.Encode())
}

func (sc *StateCache) ListRules(ctx context.Context) ([]domain.ConditionalRule, error) {
	return list[domain.ConditionalRule](ctx, sc, "rules", sc.ruleIdx(), func(member string) (string, error) {
		k, err := domain.DecodeRuleKey(member)
		return sc.ruleKey(k), err
	}, nil)
}

func (sc *StateCache) firedKey(k domain.RuleKey, episode string) string {
	if episode == "" {
		return sc.keys.key("fired", k.Encode())
	}
	return sc.keys.key("fired", k.Encode(), episode)
}

// MarkFired sets the fire-once marker for one episode of key. It returns
// false when the marker already existed.
func (sc *StateCache) MarkFired(ctx context.Context, key domain.RuleKey, episode string) (bool, error) {
	ok, err := sc.rdb.SetNX(ctx, sc.firedKey(key, episode), time.Now().UTC().Format(time.RFC3339Nano), sc.cfg.FiredTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark fired %s: %w", key, err)
	}
	return ok, nil
}

// ---------------------------------------------------------------------------
// Feed health
// ---------------------------------------------------------------------------

func (sc *StateCache) PutFeedHealth(ctx context.Context, h domain.FeedHealth) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("redis: marshal feed health %s: %w", h.Book, err)
	}
	if err := sc.rdb.Set(ctx, sc.healthKey(h.Book), data, sc.cfg.HealthTTL).Err(); err != nil {
		return fmt.Errorf("redis: set feed health %s: %w", h.Book, err)
	}
	return nil
}

// FeedHealth reads the last health written for book by any process.
func (sc *StateCache) FeedHealth(ctx context.Context, book domain.BookKey) (domain.FeedHealth, error) {
	data, err := sc.rdb.Get(ctx, sc.healthKey(book)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.FeedHealth{}, domain.ErrNotFound
		}
		return domain.FeedHealth{}, fmt.Errorf("redis: get feed health %s: %w", book, err)
	}
	var h domain.FeedHealth
	if err := json.Unmarshal(data, &h); err != nil {
		return domain.FeedHealth{}, fmt.Errorf("redis: unmarshal feed health %s: %w", book, err)
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (sc *StateCache) put(ctx context.Context, what, key, idx, member string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s %s: %w", what, member, err)
	}
	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, sc.cfg.TTL)
	pipe.SAdd(ctx, idx, member)
	pipe.Expire(ctx, idx, sc.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set %s %s: %w", what, member, err)
	}
	return nil
}

func (sc *StateCache) get(ctx context.Context, what, key string, out any) error {
	data, err := sc.rdb.HGet(ctx, key, "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("redis: get %s %s: %w", what, key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("redis: unmarshal %s %s: %w", what, key, err)
	}
	return nil
}

func (sc *StateCache) del(ctx context.Context, what, key, idx, member string) error {
	pipe := sc.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, idx, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete %s %s: %w", what, member, err)
	}
	return nil
}

// list loads every entry of an index set. Members that fail to decode or
// whose data has expired are removed from the index. keep filters entries
// when non-nil.
func list[T any](ctx context.Context, sc *StateCache, what, idx string, dataKey func(member string) (string, error), keep func(T) bool) ([]T, error) {
	members, err := sc.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s: %w", what, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	var stale []any
	live := make([]string, 0, len(members))
	pipe := sc.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(members))
	for _, m := range members {
		key, err := dataKey(m)
		if err != nil {
			stale = append(stale, m)
			continue
		}
		live = append(live, m)
		cmds = append(cmds, pipe.HGet(ctx, key, "data"))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis: list %s: %w", what, err)
		}
	}

	out := make([]T, 0, len(cmds))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				stale = append(stale, live[i])
				continue
			}
			return nil, fmt.Errorf("redis: list %s: %w", what, err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			stale = append(stale, live[i])
			continue
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}

	if len(stale) > 0 {
		_ = sc.rdb.SRem(ctx, idx, stale...).Err()
	}
	return out, nil
}

var (
	_ domain.StateCache     = (*StateCache)(nil)
	_ domain.HealthRecorder = (*StateCache)(nil)
)
