package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// Format renders an alert for e. alert is false for events operators are
// not paged about.
func Format(e domain.Event) (title, message string, alert bool) {
	switch ev := e.(type) {
	case domain.SystemEvent:
		title = fmt.Sprintf("[%s] %s", ev.Name, ev.Kind)
		return title, formatDetail(ev.Detail), true
	case domain.TrailingStopEvent:
		if ev.Kind != domain.StopTriggerFailed {
			return "", "", false
		}
		s := ev.Stop
		title = fmt.Sprintf("Trailing stop close failed: %s %s %s", s.Key.User, s.Key.Symbol, s.Key.Side)
		message = fmt.Sprintf("exchange=%s stop_price=%s trigger_price=%s error=%s",
			s.Exchange, s.StopPrice, ev.Price, ev.Error)
		return title, message, true
	case domain.ConditionalRuleEvent:
		if ev.Kind != domain.RuleCancelFailed {
			return "", "", false
		}
		r := ev.Rule
		title = fmt.Sprintf("Conditional cancel failed: %s rule %s", r.Key.User, r.Key.RuleID)
		message = fmt.Sprintf("exchange=%s trigger=%s order=%s reason=%s",
			r.Exchange, r.TriggerOrderID, ev.OrderID, ev.Reason)
		return title, message, true
	}
	return "", "", false
}

func formatDetail(detail map[string]string) string {
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + detail[k]
	}
	return strings.Join(parts, " ")
}
