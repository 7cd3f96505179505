package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/persist/persisttest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestScheduleNext(t *testing.T) {
	cases := []struct {
		expr, after, want string
	}{
		{"0 3 1 * *", "2026-10-19T12:00:00Z", "2026-11-01T03:00:00Z"},
		{"*/15 * * * *", "2026-10-19T12:07:30Z", "2026-10-19T12:15:00Z"},
		{"30 9 * * 1-5", "2026-10-17T10:00:00Z", "2026-10-19T09:30:00Z"}, // Saturday -> Monday
		{"0 0,12 * * *", "2026-10-19T00:00:00Z", "2026-10-19T12:00:00Z"},
	}
	for _, c := range cases {
		s, err := ParseSchedule(c.expr)
		require.NoError(t, err, c.expr)
		got, err := s.Next(mustTime(t, c.after))
		require.NoError(t, err, c.expr)
		assert.Equal(t, mustTime(t, c.want), got, c.expr)
	}
}

func TestParseScheduleRejects(t *testing.T) {
	for _, expr := range []string{"* * * *", "60 * * * *", "* * 0 * *", "*/0 * * * *", "a * * * *", "5-1 * * * *"} {
		_, err := ParseSchedule(expr)
		assert.Error(t, err, expr)
	}
	_, err := NewOrchestrator(nil, "bad", false, testLogger())
	assert.Error(t, err)
}

type archiveCall struct {
	entity domain.EntityKind
	month  string
}

type fakeBlobArchiver struct {
	mu    sync.Mutex
	calls []archiveCall
	fail  domain.EntityKind
}

func (f *fakeBlobArchiver) ArchiveMonth(_ context.Context, entity domain.EntityKind, month time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, archiveCall{entity, month.Format("2006-01")})
	if entity == f.fail {
		return 0, errors.New("bucket unavailable")
	}
	return 3, nil
}

type fakeLocks struct {
	held     bool
	released int
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() { l.released++ }, nil
}

func TestArchiverRunCoversCompletedMonths(t *testing.T) {
	blob := &fakeBlobArchiver{fail: domain.EntityTrailingStop}
	locks := &fakeLocks{}
	audit := &persisttest.Audit{}
	a := NewArchiver(ArchiveConfig{Months: 2}, blob, locks, audit, testLogger())
	a.nowFunc = func() time.Time { return mustTime(t, "2026-01-15T03:00:00Z") }

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing_stop 2025-12")

	require.Len(t, blob.calls, 8)
	assert.Equal(t, archiveCall{domain.EntityPosition, "2025-11"}, blob.calls[0])
	assert.Equal(t, archiveCall{domain.EntityConditionalRule, "2025-12"}, blob.calls[7])
	assert.Equal(t, 1, locks.released)

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(18), entries[0].Detail["records"])
	assert.Equal(t, 2, entries[0].Detail["failures"])
}

func TestArchiverSkipsWhenLockHeld(t *testing.T) {
	blob := &fakeBlobArchiver{}
	a := NewArchiver(ArchiveConfig{}, blob, &fakeLocks{held: true}, nil, testLogger())
	require.NoError(t, a.Run(context.Background()))
	assert.Empty(t, blob.calls)
}

func TestOrchestratorRunOnStart(t *testing.T) {
	blob := &fakeBlobArchiver{}
	a := NewArchiver(ArchiveConfig{}, blob, nil, nil, testLogger())
	o, err := NewOrchestrator(a, "0 3 1 * *", true, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	assert.Eventually(t, func() bool {
		blob.mu.Lock()
		defer blob.mu.Unlock()
		return len(blob.calls) == len(ArchiveEntities)
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
