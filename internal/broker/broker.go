// Package broker is the in-process publish/subscribe hub for tracker and
// engine events. Subscribers never block publishers: each subscription has a
// bounded queue that drops its oldest event on overflow.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

const (
	defaultQueueSize       = 256
	defaultMirrorQueueSize = 4096
	mirrorFlushTimeout     = 5 * time.Second
)

// Mirror forwards events to an external channel for other processes.
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, e domain.Event) error
}

// Config sizes the broker queues.
type Config struct {
	QueueSize       int
	MirrorQueueSize int
}

// Stats is a point-in-time snapshot of broker counters.
type Stats struct {
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	MirrorDropped uint64 `json:"mirror_dropped"`
	MirrorErrors  uint64 `json:"mirror_errors"`
	Subscribers   int    `json:"subscribers"`
}

// Broker fans events out to matching subscribers and to mirrors.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	mirrors []Mirror
	mirrorQ chan domain.Event

	published     atomic.Uint64
	dropped       atomic.Uint64
	mirrorDropped atomic.Uint64
	mirrorErrors  atomic.Uint64
}

// New creates a Broker.
func New(cfg Config, logger *slog.Logger) *Broker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MirrorQueueSize <= 0 {
		cfg.MirrorQueueSize = defaultMirrorQueueSize
	}
	return &Broker{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "broker")),
		subs:    make(map[uint64]*Subscription),
		mirrorQ: make(chan domain.Event, cfg.MirrorQueueSize),
	}
}

// AddMirror registers an external mirror. Call before Run.
func (b *Broker) AddMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirrors = append(b.mirrors, m)
}

// Emit publishes e on its own topic.
func (b *Broker) Emit(e domain.Event) {
	b.Publish(e.Topic(), e)
}

// Publish enqueues e on every subscription whose pattern matches topic, then
// queues it for the mirrors. It never blocks on a slow consumer. Events
// published on one topic reach each subscriber in publish order.
func (b *Broker) Publish(topic string, e domain.Event) {
	b.published.Add(1)

	b.mu.RLock()
	for _, s := range b.subs {
		if !s.pattern.match(topic) {
			continue
		}
		if s.deliver(e) {
			b.dropped.Add(1)
		}
	}
	hasMirrors := len(b.mirrors) > 0
	b.mu.RUnlock()

	if hasMirrors {
		b.enqueueMirror(e)
	}
}

func (b *Broker) enqueueMirror(e domain.Event) {
	for {
		select {
		case b.mirrorQ <- e:
			return
		default:
		}
		select {
		case <-b.mirrorQ:
			b.mirrorDropped.Add(1)
		default:
		}
	}
}

// Option customizes a subscription.
type Option func(*Subscription)

// WithQueueSize overrides the subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan domain.Event, n)
		}
	}
}

// WithName labels the subscription in logs.
func WithName(name string) Option {
	return func(s *Subscription) { s.name = name }
}

// Subscribe registers interest in topics matching pattern.
func (b *Broker) Subscribe(raw string, opts ...Option) (*Subscription, error) {
	p, err := compilePattern(raw)
	if err != nil {
		return nil, err
	}
	s := &Subscription{
		pattern: p,
		name:    raw,
		ch:      make(chan domain.Event, b.cfg.QueueSize),
		broker:  b,
	}
	for _, o := range opts {
		o(s)
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	b.logger.Debug("subscription added", slog.String("name", s.name), slog.String("pattern", raw))
	return s, nil
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Stats returns the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
		MirrorDropped: b.mirrorDropped.Load(),
		MirrorErrors:  b.mirrorErrors.Load(),
		Subscribers:   n,
	}
}

// Run drains the mirror queue until ctx is cancelled, then flushes what is
// left with a bounded timeout.
func (b *Broker) Run(ctx context.Context) error {
	b.logger.InfoContext(ctx, "broker mirror loop starting")
	for {
		select {
		case <-ctx.Done():
			b.flush(ctx)
			b.logger.Info("broker mirror loop stopped")
			return nil
		case e := <-b.mirrorQ:
			b.mirror(ctx, e)
		}
	}
}

func (b *Broker) flush(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorFlushTimeout)
	defer cancel()
	for {
		select {
		case e := <-b.mirrorQ:
			b.mirror(fctx, e)
		default:
			return
		}
		if fctx.Err() != nil {
			return
		}
	}
}

func (b *Broker) mirror(ctx context.Context, e domain.Event) {
	b.mu.RLock()
	mirrors := b.mirrors
	b.mu.RUnlock()
	for _, m := range mirrors {
		if err := m.Mirror(ctx, e); err != nil {
			b.mirrorErrors.Add(1)
			b.logger.WarnContext(ctx, "mirror failed",
				slog.String("mirror", m.Name()),
				slog.String("topic", e.Topic()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Subscription is a bounded stream of matching events.
type Subscription struct {
	id      uint64
	name    string
	pattern pattern
	broker  *Broker

	mu      sync.Mutex
	ch      chan domain.Event
	closed  bool
	dropped atomic.Uint64
}

// Events returns the event stream. It is closed by Close.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Name returns the subscription label.
func (s *Subscription) Name() string { return s.name }

// Close unsubscribes and closes the event stream.
func (s *Subscription) Close() {
	s.broker.remove(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues e, evicting the oldest queued event when full. It reports
// whether an event was dropped.
func (s *Subscription) deliver(e domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	dropped := false
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			if n := s.dropped.Add(1); n&(n-1) == 0 {
				s.broker.logger.Warn("subscriber queue overflow",
					slog.String("name", s.name),
					slog.Uint64("dropped", n),
				)
			}
		default:
		}
	}
}
