package domain

import (
	"context"
	"time"
)

// StateCache is the hot, TTL-bounded copy of current state. Every entry is
// keyed by its typed identity.
type StateCache interface {
	PutPosition(ctx context.Context, p Position) error
	GetPosition(ctx context.Context, key PositionKey) (Position, error)
	DeletePosition(ctx context.Context, key PositionKey) error
	ListPositions(ctx context.Context, book BookKey) ([]Position, error)

	PutOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, key OrderKey) (Order, error)
	DeleteOrder(ctx context.Context, key OrderKey) error
	ListOrders(ctx context.Context, book BookKey) ([]Order, error)

	PutTrailingStop(ctx context.Context, s TrailingStop) error
	DeleteTrailingStop(ctx context.Context, key StopKey) error
	ListTrailingStops(ctx context.Context) ([]TrailingStop, error)

	PutRule(ctx context.Context, r ConditionalRule) error
	DeleteRule(ctx context.Context, key RuleKey) error
	ListRules(ctx context.Context) ([]ConditionalRule, error)
	// MarkFired records that one registration episode of a rule fired. It
	// returns false when the episode was already marked, by this process or
	// another one.
	MarkFired(ctx context.Context, key RuleKey, episode string) (bool, error)
}

// FeedHealth is the liveness state of one feed connection.
type FeedHealth struct {
	Book       BookKey              `json:"book"`
	Connected  bool                 `json:"connected"`
	Degraded   bool                 `json:"degraded"`
	Attempts   int                  `json:"attempts"`
	Symbols    []string             `json:"symbols"`
	LastError  string               `json:"last_error,omitempty"`
	LastUpdate map[string]time.Time `json:"last_update"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// HealthRecorder persists feed health for liveness checks in other processes.
type HealthRecorder interface {
	PutFeedHealth(ctx context.Context, h FeedHealth) error
}

// TemplateSource returns a user's automatic trailing stop template.
// ErrNotFound means the user has none.
type TemplateSource interface {
	TrailingTemplate(ctx context.Context, user, symbol string) (TrailingTemplate, error)
}

// RateLimiter provides distributed sliding-window rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
