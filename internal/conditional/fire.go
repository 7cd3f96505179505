package conditional

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/persist"
)

// reasonAlreadyTerminal marks targets that needed no cancel command.
const reasonAlreadyTerminal = "already_terminal"

// onOrder runs on the rule owner's shard for every event of a trigger order.
func (e *Engine) onOrder(ctx context.Context, key domain.RuleKey, order domain.Order) {
	r, ok := e.get(key)
	if !ok || r.State != domain.RuleStatePending {
		// Already fired, expired or removed. Redundant events end here.
		return
	}
	if !r.Condition.Matches(order.Status) {
		return
	}
	e.fire(ctx, r, order)
}

// fire moves r to fired and dispatches its cancels. It runs on the shard.
func (e *Engine) fire(ctx context.Context, r domain.ConditionalRule, trigger domain.Order) domain.ConditionalRule {
	first, err := e.store.MarkFired(ctx, r.Key, r.EpisodeID)
	if err != nil {
		// The local transition below still guards this process.
		e.logger.WarnContext(ctx, "fire marker unavailable",
			slog.String("rule", r.Key.String()),
			slog.String("error", err.Error()),
		)
		first = true
	}

	now := time.Now().UTC()
	r.State = domain.RuleStateFired
	r.FiredAt = &now
	if !first {
		// Another process fired this episode; it owns the cancels and the
		// cached entry.
		e.logger.InfoContext(ctx, "rule already fired elsewhere",
			slog.String("rule", r.Key.String()),
			slog.String("episode", r.EpisodeID),
		)
		r = e.publish(r, domain.RuleFiredRemote, "", string(trigger.Status))
		e.forget(r.Key)
		return r
	}

	r = e.emit(ctx, r, domain.RuleFired, "", string(trigger.Status))
	e.logger.InfoContext(ctx, "conditional rule fired",
		slog.String("rule", r.Key.String()),
		slog.String("trigger", r.TriggerOrderID),
		slog.String("status", string(trigger.Status)),
	)

	for _, id := range r.CancelOrderIDs {
		e.dispatch(ctx, r, id)
	}
	return r
}

// dispatch cancels one target off the shard goroutine and reports the result
// back on the shard.
func (e *Engine) dispatch(ctx context.Context, r domain.ConditionalRule, orderID string) {
	target := domain.OrderKey{User: r.Key.User, Exchange: r.Exchange, OrderID: orderID}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		cctx := context.WithoutCancel(ctx)
		res := domain.CancelResult{OrderID: orderID}

		o, err := e.orders.Order(target)
		if err == nil && o.Status.Terminal() {
			res.OK = true
			res.Reason = reasonAlreadyTerminal
		} else {
			req := domain.CancelRequest{Order: target, IdempotencyKey: r.Key.Encode() + ":" + orderID}
			if err == nil {
				req.Symbol = o.Symbol
			}
			if cerr := e.canceler.CancelOrder(cctx, req); cerr != nil {
				res.Reason = cerr.Error()
				e.logger.WarnContext(cctx, "conditional cancel failed",
					slog.String("rule", r.Key.String()),
					slog.String("order", orderID),
					slog.String("error", cerr.Error()),
				)
			} else {
				res.OK = true
			}
		}
		res.At = time.Now().UTC()

		report := func(ctx context.Context) { e.record(ctx, r.Key, res) }
		if serr := e.pool.Submit(cctx, r.Key.User, report); serr != nil {
			report(cctx)
		}
	}()
}

// record stores one cancel result and publishes it. Once every target has
// reported, the rule leaves the live table.
func (e *Engine) record(ctx context.Context, key domain.RuleKey, res domain.CancelResult) {
	r, ok := e.get(key)
	if !ok {
		return
	}
	if _, done := r.Results[res.OrderID]; done {
		return
	}
	r.Results[res.OrderID] = res

	kind := domain.RuleCancelOK
	if !res.OK {
		kind = domain.RuleCancelFailed
	}
	r = e.emit(ctx, r, kind, res.OrderID, res.Reason)

	if len(r.Results) == len(r.CancelOrderIDs) {
		failed := 0
		for _, res := range r.Results {
			if !res.OK {
				failed++
			}
		}
		e.logger.InfoContext(ctx, "conditional rule completed",
			slog.String("rule", key.String()),
			slog.Int("targets", len(r.CancelOrderIDs)),
			slog.Int("failed", failed),
		)
		e.drop(ctx, key)
	}
}

func (e *Engine) expire(ctx context.Context, key domain.RuleKey, now time.Time) {
	r, ok := e.get(key)
	if !ok || r.State != domain.RuleStatePending || r.ExpiresAt == nil || r.ExpiresAt.After(now) {
		return
	}
	r.State = domain.RuleStateExpired
	e.emit(ctx, r, domain.RuleExpired, "", "ttl")
	e.drop(ctx, key)
	e.logger.InfoContext(ctx, "conditional rule expired", slog.String("rule", key.String()))
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

func cloneRule(r domain.ConditionalRule) domain.ConditionalRule {
	r.CancelOrderIDs = slices.Clone(r.CancelOrderIDs)
	r.Results = maps.Clone(r.Results)
	if r.Results == nil {
		r.Results = make(map[string]domain.CancelResult)
	}
	return r
}

func (e *Engine) get(key domain.RuleKey) (domain.ConditionalRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[key]
	if !ok {
		return domain.ConditionalRule{}, false
	}
	return cloneRule(r), true
}

func (e *Engine) put(r domain.ConditionalRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Key] = cloneRule(r)
	tk := r.TriggerKey()
	if e.byTrigger[tk] == nil {
		e.byTrigger[tk] = make(map[domain.RuleKey]struct{})
	}
	e.byTrigger[tk][r.Key] = struct{}{}
	if r.Seq > e.lastSeq[r.Key] {
		e.lastSeq[r.Key] = r.Seq
	}
}

// forget removes key from the live table only.
func (e *Engine) forget(key domain.RuleKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rules[key]; ok {
		delete(e.rules, key)
		tk := r.TriggerKey()
		delete(e.byTrigger[tk], key)
		if len(e.byTrigger[tk]) == 0 {
			delete(e.byTrigger, tk)
		}
	}
}

func (e *Engine) drop(ctx context.Context, key domain.RuleKey) {
	e.forget(key)
	_ = e.store.DeleteRule(ctx, key)
}

// emit stamps the next sequence on r, stores it and publishes kind.
func (e *Engine) emit(ctx context.Context, r domain.ConditionalRule, kind domain.ConditionalRuleEventKind, orderID, reason string) domain.ConditionalRule {
	r = e.stamp(r)
	_ = e.store.Append(ctx, persist.RuleRecord(r, kind))
	_ = e.store.PutRule(ctx, r)
	e.announce(r, kind, orderID, reason)
	return r
}

// publish is emit without storage writes.
func (e *Engine) publish(r domain.ConditionalRule, kind domain.ConditionalRuleEventKind, orderID, reason string) domain.ConditionalRule {
	r = e.stamp(r)
	e.announce(r, kind, orderID, reason)
	return r
}

func (e *Engine) stamp(r domain.ConditionalRule) domain.ConditionalRule {
	e.mu.Lock()
	seq := e.lastSeq[r.Key] + 1
	e.lastSeq[r.Key] = seq
	e.mu.Unlock()
	r.Seq = seq
	e.put(r)
	return r
}

func (e *Engine) announce(r domain.ConditionalRule, kind domain.ConditionalRuleEventKind, orderID, reason string) {
	e.bus.Emit(domain.ConditionalRuleEvent{
		ID:      uuid.NewString(),
		Kind:    kind,
		Seq:     r.Seq,
		Rule:    cloneRule(r),
		OrderID: orderID,
		Reason:  reason,
		At:      time.Now().UTC(),
	})
}
