package domain

import (
	"context"
	"sort"
)

// ActiveUser is a user whose bot is enabled for tracking, with the symbols
// watched on each exchange.
type ActiveUser struct {
	User      string              `json:"user"`
	Exchanges map[string][]string `json:"exchanges"`
	Enabled   bool                `json:"enabled"`
}

// Books returns the user's accounts in a stable order.
func (u ActiveUser) Books() []BookKey {
	out := make([]BookKey, 0, len(u.Exchanges))
	for ex := range u.Exchanges {
		out = append(out, BookKey{User: u.User, Exchange: ex})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// UserProvider lists bot-enabled users from one enablement source.
type UserProvider interface {
	Name() string
	EnabledUsers(ctx context.Context) ([]ActiveUser, error)
}

// SymbolSource reports symbols a user is trading on one exchange.
type SymbolSource interface {
	Name() string
	Symbols(ctx context.Context, book BookKey) ([]string, error)
}
