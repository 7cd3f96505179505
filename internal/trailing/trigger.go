package trailing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/persist"
)

// fire sends the close command for a triggered stop off the shard goroutine.
// The command layer retries transient failures; when it gives up, or the
// exchange rejects the command, TRIGGER_FAILED is published and the stop
// stays triggered.
func (e *Engine) fire(ctx context.Context, s domain.TrailingStop) {
	req := domain.CloseRequest{
		Position:       s.Position(),
		Quantity:       s.Quantity,
		IdempotencyKey: s.EpisodeID,
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		cctx := context.WithoutCancel(ctx)
		start := time.Now()
		err := e.closer.ClosePosition(cctx, req)
		if err == nil {
			e.logger.InfoContext(cctx, "trailing stop close sent",
				slog.String("key", s.Key.String()),
				slog.String("episode", s.EpisodeID),
				slog.Duration("took", time.Since(start)),
			)
			return
		}
		e.logger.ErrorContext(cctx, "trailing stop close failed",
			slog.String("key", s.Key.String()),
			slog.String("episode", s.EpisodeID),
			slog.String("error", err.Error()),
		)
		report := func(ctx context.Context) { e.onTriggerFailed(ctx, s, err) }
		if serr := e.pool.Submit(cctx, s.Key.Encode(), report); serr != nil {
			report(cctx)
		}
	}()
}

// onTriggerFailed publishes TRIGGER_FAILED for the episode of s. The state is
// left triggered.
func (e *Engine) onTriggerFailed(ctx context.Context, s domain.TrailingStop, cause error) {
	note := eventNote{err: cause.Error()}
	cur, ok := e.get(s.Key)
	if ok && cur.EpisodeID == s.EpisodeID {
		cur.Reason = "close_failed"
		cur.UpdatedAt = time.Now().UTC()
		e.emit(ctx, cur, domain.StopTriggerFailed, note)
		return
	}

	// The episode was dropped meanwhile, e.g. the position closed. Report
	// the failure without reviving it.
	e.mu.Lock()
	seq := e.lastSeq[s.Key] + 1
	e.lastSeq[s.Key] = seq
	e.mu.Unlock()
	s.Seq = seq
	s.Reason = "close_failed"
	_ = e.store.Append(ctx, persist.TrailingStopRecord(s, domain.StopTriggerFailed))
	e.bus.Emit(domain.TrailingStopEvent{
		ID:    uuid.NewString(),
		Kind:  domain.StopTriggerFailed,
		Seq:   seq,
		Stop:  s,
		Error: note.err,
		At:    time.Now().UTC(),
	})
}
