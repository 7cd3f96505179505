package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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

// memBucket is an in-memory Bucket.
type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBucket() *memBucket { return &memBucket{objects: make(map[string][]byte)} }

func (m *memBucket) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memBucket) PutJSONL(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = bytes.Clone(body)
	return nil
}

func (m *memBucket) object(t *testing.T, key string) []byte {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	require.True(t, ok, "missing object %s", key)
	return b
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedHistory(t *testing.T) *persisttest.History {
	t.Helper()
	h := persisttest.NewHistory()
	ctx := context.Background()
	at := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return ts
	}
	for _, rec := range []domain.HistoryRecord{
		{Entity: domain.EntityPosition, EntityKey: "a", Kind: "OPENED", Seq: 1, Snapshot: json.RawMessage(`{}`), RecordedAt: at("2026-08-31T23:59:59Z")},
		{Entity: domain.EntityPosition, EntityKey: "a", Kind: "UPDATED", Seq: 2, Snapshot: json.RawMessage(`{}`), RecordedAt: at("2026-09-01T00:00:00Z")},
		{Entity: domain.EntityPosition, EntityKey: "a", Kind: "CLOSED", Seq: 3, Snapshot: json.RawMessage(`{}`), RecordedAt: at("2026-09-30T12:00:00Z")},
		{Entity: domain.EntityOrder, EntityKey: "o", Kind: "OPEN", Seq: 1, Snapshot: json.RawMessage(`{}`), RecordedAt: at("2026-09-02T00:00:00Z")},
	} {
		require.NoError(t, h.Append(ctx, rec))
	}
	return h
}

func TestArchiveMonth(t *testing.T) {
	bucket := newMemBucket()
	audit := &persisttest.Audit{}
	a := NewArchiver(ArchiverConfig{}, seedHistory(t), bucket, audit, testLogger())
	ctx := context.Background()
	month := time.Date(2026, 9, 17, 8, 0, 0, 0, time.UTC)

	n, err := a.ArchiveMonth(ctx, domain.EntityPosition, month)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var kinds []string
	sc := bufio.NewScanner(bytes.NewReader(bucket.object(t, "archive/position/2026-09.jsonl")))
	for sc.Scan() {
		var rec domain.HistoryRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []string{"UPDATED", "CLOSED"}, kinds)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.position", entries[0].Event)
	assert.Equal(t, "2026-09", entries[0].Detail["month"])

	// A second run leaves the existing object alone.
	n, err = a.ArchiveMonth(ctx, domain.EntityPosition, month)
	require.NoError(t, err)
	assert.Zero(t, n)
	entries, _ = audit.List(ctx, domain.ListOpts{})
	assert.Len(t, entries, 1)
}

func TestArchiveMonthEmptyAndPrefixed(t *testing.T) {
	bucket := newMemBucket()
	a := NewArchiver(ArchiverConfig{Prefix: "cold"}, seedHistory(t), bucket, nil, testLogger())
	ctx := context.Background()

	n, err := a.ArchiveMonth(ctx, domain.EntityTrailingStop, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bucket.objects)

	n, err = a.ArchiveMonth(ctx, domain.EntityOrder, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, bucket.objects, "cold/order/2026-09.jsonl")
}

func TestArchiveBucketUploadMode(t *testing.T) {
	b := NewArchiveBucket(&Client{bucket: "tradewatch"}, BucketConfig{MultipartThreshold: 1024, PartSize: 1})
	assert.Equal(t, minPartSize, b.cfg.PartSize)
	assert.False(t, b.multipart(1024))
	assert.True(t, b.multipart(1025))

	def := NewArchiveBucket(&Client{}, BucketConfig{})
	assert.Equal(t, int64(64*1024*1024), def.cfg.MultipartThreshold)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local", normaliseEndpoint("minio.local", true))
	assert.Equal(t, "http://10.0.0.1:9000", normaliseEndpoint("10.0.0.1:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
