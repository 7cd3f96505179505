package discovery

import (
	"context"
	"errors"
	"slices"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// StaticProvider serves a fixed user list from configuration.
type StaticProvider struct {
	users []domain.ActiveUser
}

var _ domain.UserProvider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider over users. Every entry is treated as
// enabled.
func NewStaticProvider(users []domain.ActiveUser) *StaticProvider {
	out := make([]domain.ActiveUser, len(users))
	for i, u := range users {
		u.Enabled = true
		out[i] = u
	}
	return &StaticProvider{users: out}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) EnabledUsers(context.Context) ([]domain.ActiveUser, error) {
	return slices.Clone(p.users), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
