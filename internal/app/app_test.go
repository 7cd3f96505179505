package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/config"
)

func TestUserProvidersFollowConfigOrder(t *testing.T) {
	cfg := config.Defaults()
	cfg.Discovery.Providers = []string{"static"}
	cfg.Discovery.Static = []config.StaticUser{
		{User: "alice", Exchange: "binance", Symbols: []string{"BTCUSDT"}},
	}

	providers := (&Dependencies{}).UserProviders(&cfg)
	require.Len(t, providers, 1)
	assert.Equal(t, "static", providers[0].Name())

	users, err := providers[0].EnabledUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, []string{"BTCUSDT"}, users[0].Exchanges["binance"])
}

func TestBuildCoreRequiresGateway(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := a.buildCore(&Dependencies{})
	assert.Error(t, err)
}

func TestArchivalRequiresBlobStorage(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := a.ArchiveMode(context.Background(), &Dependencies{})
	assert.ErrorContains(t, err, "archival requires blob storage")
}
