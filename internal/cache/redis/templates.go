package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// TemplateSource reads per-user trailing stop templates from the hash
// trailing:template:{user}. A field named after a symbol overrides the "*"
// field.
type TemplateSource struct {
	rdb  *redis.Client
	keys keys
}

// NewTemplateSource creates a TemplateSource backed by the given Client.
func NewTemplateSource(c *Client) *TemplateSource {
	return &TemplateSource{rdb: c.Underlying(), keys: keys{prefix: c.prefix}}
}

func (ts *TemplateSource) TrailingTemplate(ctx context.Context, user, symbol string) (domain.TrailingTemplate, error) {
	vals, err := ts.rdb.HMGet(ctx, ts.keys.key("trailing", "template", domain.TopicSegment(user)), symbol, "*").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TrailingTemplate{}, domain.ErrNotFound
		}
		return domain.TrailingTemplate{}, fmt.Errorf("redis: trailing template %s: %w", user, err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		var t domain.TrailingTemplate
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return domain.TrailingTemplate{}, fmt.Errorf("redis: decode trailing template %s: %w", user, err)
		}
		return t, nil
	}
	return domain.TrailingTemplate{}, domain.ErrNotFound
}

var _ domain.TemplateSource = (*TemplateSource)(nil)
