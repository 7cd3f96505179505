// Package notify alerts operators about degraded connections, persistence
// outages and failed protective actions. Alerts go to every registered
// sender (Telegram, Discord) and can be filtered by event kind.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// EventSource is a broker subscription.
type EventSource interface {
	Events() <-chan domain.Event
}

// Config tunes alerting.
type Config struct {
	// Events lists the event kinds to forward, e.g. "CONNECTION_DEGRADED".
	// Empty forwards every alertable kind.
	Events []string
	// Burst and Every bound alerts per topic and kind.
	Burst int
	Every time.Duration
}

// Notifier dispatches notifications to one or more Senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event kinds
	burst   int
	every   time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.Every <= 0 {
		cfg.Every = time.Minute
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		burst:    cfg.Burst,
		every:    cfg.Every,
		logger:   logger.With(slog.String("component", "notifier")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Notify sends a notification to all senders if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Watch forwards alertable events from src until ctx is done or src is
// closed. Send failures are logged and never stop the loop.
func (n *Notifier) Watch(ctx context.Context, src EventSource) error {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			title, message, alert := Format(e)
			if !alert {
				continue
			}
			if !n.allow(e.Topic() + "|" + e.EventKind()) {
				n.logger.DebugContext(ctx, "alert suppressed", slog.String("topic", e.Topic()))
				continue
			}
			_ = n.Notify(ctx, e.EventKind(), title, message)
		}
	}
}

func (n *Notifier) allow(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.every), n.burst)
		n.limiters[key] = l
	}
	return l.Allow()
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
