package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// filter accumulates WHERE conditions with positional arguments.
type filter struct {
	conds []string
	args  []any
}

// add appends a condition; "?" in cond is replaced by the next placeholder.
func (f *filter) add(cond string, arg any) {
	f.args = append(f.args, arg)
	f.conds = append(f.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(f.args)), 1))
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

// bounds adds the time range of opts on column.
func (f *filter) bounds(column string, opts domain.ListOpts) {
	if opts.Since != nil {
		f.add(column+" >= ?", *opts.Since)
	}
	if opts.Until != nil {
		f.add(column+" <= ?", *opts.Until)
	}
}

// limit returns the LIMIT / OFFSET suffix of opts. Call it after every
// condition has been added.
func (f *filter) limit(opts domain.ListOpts) string {
	var b strings.Builder
	if opts.Limit > 0 {
		f.args = append(f.args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(f.args))
	}
	if opts.Offset > 0 {
		f.args = append(f.args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(f.args))
	}
	return b.String()
}
