package feed

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/retry"
)

// Config tunes connection handling.
type Config struct {
	Backoff retry.Backoff
	// DegradedAfter raises ConnectionDegraded once the reconnect delay
	// reaches it.
	DegradedAfter  time.Duration
	DialTimeout    time.Duration
	HealthInterval time.Duration
	SignalBuffer   int
}

// ConnectionSignal reports a connection entering or leaving the degraded
// state.
type ConnectionSignal struct {
	Book     domain.BookKey
	Degraded bool
	Attempts int
	Err      string
	At       time.Time
}

// Manager owns the live feed connections.
type Manager struct {
	cfg       Config
	transport Transport
	sink      Sink
	health    domain.HealthRecorder
	pub       Publisher
	logger    *slog.Logger

	root   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[domain.BookKey]*connection
	counters map[domain.BookKey]*streamCounters
	closed   bool

	signals chan ConnectionSignal
	sigSeq  atomic.Uint64
}

// NewManager creates a Manager. health and pub may be nil.
func NewManager(cfg Config, transport Transport, sink Sink, health domain.HealthRecorder, pub Publisher, logger *slog.Logger) *Manager {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = retry.Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 64
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		health:    health,
		pub:       pub,
		logger:    logger.With(slog.String("component", "feed")),
		root:      root,
		cancel:    cancel,
		conns:     make(map[domain.BookKey]*connection),
		counters:  make(map[domain.BookKey]*streamCounters),
		signals:   make(chan ConnectionSignal, cfg.SignalBuffer),
	}
}

// Start establishes a live feed for book, or extends the symbol set of an
// existing one. The extending subscribe runs outside the manager lock.
func (m *Manager) Start(book domain.BookKey, symbols []string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("feed: start %s: %w", book, domain.ErrFeedClosed)
	}
	if c, ok := m.conns[book]; ok {
		m.mu.Unlock()
		c.extend(m.root, symbols)
		return nil
	}
	defer m.mu.Unlock()

	counters, ok := m.counters[book]
	if !ok {
		counters = newStreamCounters()
		m.counters[book] = counters
	}
	ctx, cancel := context.WithCancel(m.root)
	c := &connection{
		book:       book,
		m:          m,
		counters:   counters,
		symbols:    normalize(symbols),
		lastUpdate: make(map[Kind]time.Time),
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     m.logger.With(slog.String("user", book.User), slog.String("exchange", book.Exchange)),
	}
	m.conns[book] = c
	go c.run(ctx)
	m.logger.Info("feed started",
		slog.String("book", book.String()),
		slog.Int("symbols", len(c.symbols)),
	)
	return nil
}

// Stop tears down the feed for book and waits until its in-flight updates
// have been handed to the sink.
func (m *Manager) Stop(book domain.BookKey) error {
	m.mu.Lock()
	c, ok := m.conns[book]
	delete(m.conns, book)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("feed: stop %s: %w", book, domain.ErrNotFound)
	}
	c.cancel()
	<-c.done
	m.logger.Info("feed stopped", slog.String("book", book.String()))
	return nil
}

// StopAll stops every feed and rejects further starts.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[domain.BookKey]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}
	for _, c := range conns {
		<-c.done
	}
	m.cancel()
}

// Books lists the accounts with a live feed.
func (m *Manager) Books() []domain.BookKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BookKey, 0, len(m.conns))
	for k := range m.conns {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Encode() < out[j].Encode() })
	return out
}

// Subscriptions returns the symbol set of book.
func (m *Manager) Subscriptions(book domain.BookKey) []string {
	m.mu.Lock()
	c, ok := m.conns[book]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Symbols()
}

// Health returns the health of every live feed.
func (m *Manager) Health() []domain.FeedHealth {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	out := make([]domain.FeedHealth, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Book.Encode() < out[j].Book.Encode() })
	return out
}

// Degraded delivers connection degraded/restored signals.
func (m *Manager) Degraded() <-chan ConnectionSignal { return m.signals }

// Run writes feed health periodically until ctx is cancelled, then stops
// every feed.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "feed manager starting")
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			m.logger.Info("feed manager stopped")
			return nil
		case <-ticker.C:
			m.writeHealth(ctx)
		}
	}
}

func (m *Manager) writeHealth(ctx context.Context) {
	if m.health == nil {
		return
	}
	for _, h := range m.Health() {
		if err := m.health.PutFeedHealth(ctx, h); err != nil {
			m.logger.WarnContext(ctx, "feed health write failed",
				slog.String("book", h.Book.String()),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

func (m *Manager) signal(sig ConnectionSignal) {
	select {
	case m.signals <- sig:
	default:
		m.logger.Warn("connection signal dropped", slog.String("book", sig.Book.String()))
	}
	if m.pub == nil {
		return
	}
	kind := domain.ConnectionRestored
	if sig.Degraded {
		kind = domain.ConnectionDegraded
	}
	detail := map[string]string{
		"user":     sig.Book.User,
		"exchange": sig.Book.Exchange,
		"attempts": fmt.Sprint(sig.Attempts),
	}
	if sig.Err != "" {
		detail["error"] = sig.Err
	}
	m.pub.Emit(domain.SystemEvent{
		ID:     uuid.NewString(),
		Name:   domain.SystemConnections,
		Kind:   kind,
		Seq:    m.sigSeq.Add(1),
		Detail: detail,
		At:     sig.At,
	})
}

// normalize returns the sorted, de-duplicated, non-empty symbols.
func normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
