package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/retry"
)

// streamCounters hand out arrival sequence numbers per stream. They outlive
// a connection so that a restarted feed keeps counting upward.
type streamCounters struct {
	position atomic.Uint64
	order    atomic.Uint64
	price    atomic.Uint64
}

func newStreamCounters() *streamCounters {
	// Seeded from the clock so that counters restarted by a new process stay
	// above anything persisted by the previous one.
	seed := uint64(time.Now().UnixMicro())
	c := &streamCounters{}
	c.position.Store(seed)
	c.order.Store(seed)
	c.price.Store(seed)
	return c
}

func (c *streamCounters) next(k Kind) uint64 {
	switch k {
	case KindPosition:
		return c.position.Add(1)
	case KindOrder:
		return c.order.Add(1)
	default:
		return c.price.Add(1)
	}
}

// connection is the feed of one (user, exchange) account.
type connection struct {
	book     domain.BookKey
	m        *Manager
	counters *streamCounters
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}

	// extendMu serializes extend subscribes.
	extendMu sync.Mutex

	mu         sync.Mutex
	symbols    []string
	stream     Stream
	connected  bool
	degraded   bool
	attempts   int
	lastErr    string
	lastUpdate map[Kind]time.Time
}

// Symbols returns the last-known subscription set.
func (c *connection) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.symbols)
}

// Health returns a snapshot of the connection state.
func (c *connection) Health() domain.FeedHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := make(map[string]time.Time, len(c.lastUpdate))
	for k, t := range c.lastUpdate {
		last[string(k)] = t
	}
	return domain.FeedHealth{
		Book:       c.book,
		Connected:  c.connected,
		Degraded:   c.degraded,
		Attempts:   c.attempts,
		Symbols:    slices.Clone(c.symbols),
		LastError:  c.lastErr,
		LastUpdate: last,
		UpdatedAt:  time.Now().UTC(),
	}
}

// extend adds symbols to the set and subscribes the live stream to them. A
// failed subscribe is left to the reconnect path, which always sends the
// full set.
func (c *connection) extend(ctx context.Context, symbols []string) {
	c.extendMu.Lock()
	defer c.extendMu.Unlock()

	c.mu.Lock()
	merged := normalize(append(slices.Clone(c.symbols), symbols...))
	if slices.Equal(merged, c.symbols) {
		c.mu.Unlock()
		return
	}
	c.symbols = merged
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Subscribe(ctx, merged); err != nil {
		c.logger.Warn("feed resubscribe failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("feed symbols extended", slog.Int("symbols", len(merged)))
}

func (c *connection) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		err := c.session(ctx, &attempt)
		if ctx.Err() != nil {
			c.setDisconnected("")
			return
		}
		attempt++
		msg := "session ended"
		if err != nil {
			msg = err.Error()
		}
		c.setDisconnected(msg)

		delay := c.m.cfg.Backoff.Delay(attempt)
		c.logger.Warn("feed disconnected, reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", msg),
		)
		c.markAttempt(attempt, msg)
		if err := retry.Sleep(ctx, delay); err != nil {
			c.setDisconnected("")
			return
		}
	}
}

// session dials, subscribes and reads until the stream fails. attempt is
// reset once the subscription succeeds.
func (c *connection) session(ctx context.Context, attempt *int) error {
	dctx, cancel := context.WithTimeout(ctx, c.m.cfg.DialTimeout)
	stream, err := c.m.transport.Dial(dctx, c.book)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", c.book, err)
	}
	defer stream.Close()

	symbols := c.Symbols()
	if err := stream.Subscribe(ctx, symbols); err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", c.book, err)
	}

	c.mu.Lock()
	c.stream = stream
	c.connected = true
	c.lastErr = ""
	wasDegraded := c.degraded
	c.degraded = false
	attempts := *attempt
	c.attempts = 0
	// Symbols added while the subscribe was in flight.
	missed := !slices.Equal(symbols, c.symbols)
	current := slices.Clone(c.symbols)
	c.mu.Unlock()
	*attempt = 0

	if missed {
		if err := stream.Subscribe(ctx, current); err != nil {
			return fmt.Errorf("feed: subscribe %s: %w", c.book, err)
		}
	}
	c.logger.Info("feed connected", slog.Int("symbols", len(current)))
	if wasDegraded {
		c.m.signal(ConnectionSignal{Book: c.book, Attempts: attempts, At: time.Now().UTC()})
	}

	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: recv %s: %w", c.book, err)
		}
		if err := c.deliver(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("feed update rejected",
				slog.String("kind", string(msg.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deliver stamps msg with its stream sequence and hands it to the sink.
// Messages for another account are dropped.
func (c *connection) deliver(ctx context.Context, msg Message) error {
	now := time.Now().UTC()
	streamSeq := c.counters.next(msg.Kind)
	seq := msg.Seq
	if seq == 0 {
		seq = streamSeq
	}

	var err error
	switch msg.Kind {
	case KindPosition:
		u := msg.Position
		if u.Key.Book() != c.book {
			return fmt.Errorf("feed: position for %s on %s feed", u.Key.Book(), c.book)
		}
		u.Seq, u.StreamSeq = seq, streamSeq
		if u.At.IsZero() {
			u.At = now
		}
		err = c.m.sink.HandlePosition(ctx, u)
	case KindOrder:
		u := msg.Order
		if u.Key.Book() != c.book {
			return fmt.Errorf("feed: order for %s on %s feed", u.Key.Book(), c.book)
		}
		u.Seq, u.StreamSeq = seq, streamSeq
		if u.At.IsZero() {
			u.At = now
		}
		err = c.m.sink.HandleOrder(ctx, u)
	case KindPrice:
		t := msg.Price
		if t.Market.Exchange == "" {
			t.Market.Exchange = c.book.Exchange
		}
		t.Seq, t.StreamSeq = seq, streamSeq
		if t.At.IsZero() {
			t.At = now
		}
		err = c.m.sink.HandlePrice(ctx, t)
	default:
		return fmt.Errorf("feed: unknown message kind %q", msg.Kind)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lastUpdate[msg.Kind] = now
	c.mu.Unlock()
	return nil
}

func (c *connection) setDisconnected(lastErr string) {
	c.mu.Lock()
	c.stream = nil
	c.connected = false
	if lastErr != "" {
		c.lastErr = lastErr
	}
	c.mu.Unlock()
}

// markAttempt records a failed attempt and raises the degraded signal once
// the reconnect delay reaches the configured threshold.
func (c *connection) markAttempt(attempt int, lastErr string) {
	c.mu.Lock()
	c.attempts = attempt
	raise := !c.degraded && c.m.cfg.Backoff.Ceiling(attempt) >= c.m.cfg.DegradedAfter
	if raise {
		c.degraded = true
	}
	c.mu.Unlock()

	if raise {
		c.logger.Error("feed connection degraded", slog.Int("attempt", attempt))
		c.m.signal(ConnectionSignal{
			Book:     c.book,
			Degraded: true,
			Attempts: attempt,
			Err:      lastErr,
			At:       time.Now().UTC(),
		})
	}
}
