package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

type chanSource chan domain.Event

func (c chanSource) Events() <-chan domain.Event { return c }

func TestWatchForwardsAlertableEvents(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, Config{Burst: 1, Every: time.Hour}, testLogger())

	src := make(chanSource, 8)
	stop := domain.TrailingStop{Key: domain.StopKey{User: "alice", Symbol: "BTCUSDT", Side: domain.SideLong}}
	src <- domain.SystemEvent{Name: domain.SystemConnections, Kind: domain.ConnectionDegraded, Detail: map[string]string{"book": "alice:binance"}}
	src <- domain.SystemEvent{Name: domain.SystemConnections, Kind: domain.ConnectionDegraded} // suppressed by the limiter
	src <- domain.TrailingStopEvent{Kind: domain.StopMoved, Stop: stop}
	src <- domain.TrailingStopEvent{Kind: domain.StopTriggerFailed, Stop: stop, Error: "rejected"}
	src <- domain.ConditionalRuleEvent{Kind: domain.RuleCancelFailed, Rule: domain.ConditionalRule{Key: domain.RuleKey{User: "bob", RuleID: "r1"}}}
	close(src)

	require.NoError(t, n.Watch(context.Background(), src))
	assert.Equal(t, []string{
		"[connections] CONNECTION_DEGRADED",
		"Trailing stop close failed: alice BTCUSDT long",
		"Conditional cancel failed: bob rule r1",
	}, rec.sent())
}

func TestNotifyFiltersByKind(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, Config{Events: []string{"TRIGGER_FAILED", " "}}, testLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "CONNECTION_DEGRADED", "a", ""))
	require.NoError(t, n.Notify(ctx, "TRIGGER_FAILED", "b", ""))
	require.NoError(t, n.NotifyAll(ctx, "c", ""))
	assert.Equal(t, []string{"b", "c"}, rec.sent())
}

func TestDispatchCollectsFailures(t *testing.T) {
	bad := &recordingSender{err: errors.New("down")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, Config{}, testLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "1 sender(s) failed")
	assert.Equal(t, []string{"t"}, good.sent())
}

func TestSendersPostJSON(t *testing.T) {
	var got []map[string]string
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("tok", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), "Title", "body"))

	dc := NewDiscordSender(srv.URL + "/hook")
	require.NoError(t, dc.Send(context.Background(), "Title", "body"))

	require.Len(t, got, 2)
	assert.Equal(t, "/bottok/sendMessage", paths[0])
	assert.Equal(t, "42", got[0]["chat_id"])
	assert.Equal(t, "*Title*\nbody", got[0]["text"])
	assert.Equal(t, "**Title**\nbody", got[1]["content"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	assert.ErrorContains(t, NewDiscordSender(failing.URL).Send(context.Background(), "t", "m"), "unexpected status 502")
}
