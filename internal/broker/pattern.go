package broker

import (
	"fmt"
	"path"
	"strings"
)

const segSep = ":"

// pattern is a compiled subscription pattern. Each segment is a path.Match
// glob over one topic segment. A final "*" segment matches one or more
// remaining segments, so "positions:*" receives every position topic.
type pattern struct {
	raw      string
	segments []string
	prefix   bool
}

func compilePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("broker: empty pattern")
	}
	segs := strings.Split(raw, segSep)
	for _, s := range segs {
		if s == "" {
			return pattern{}, fmt.Errorf("broker: pattern %q has an empty segment", raw)
		}
		if _, err := path.Match(s, ""); err != nil {
			return pattern{}, fmt.Errorf("broker: pattern %q: %w", raw, err)
		}
	}
	p := pattern{raw: raw, segments: segs}
	if segs[len(segs)-1] == "*" {
		p.prefix = true
		p.segments = segs[:len(segs)-1]
	}
	return p, nil
}

func (p pattern) match(topic string) bool {
	segs := strings.Split(topic, segSep)
	if p.prefix {
		if len(segs) <= len(p.segments) {
			return false
		}
	} else if len(segs) != len(p.segments) {
		return false
	}
	for i, want := range p.segments {
		ok, err := path.Match(want, segs[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}
