package router

import (
	"fmt"
	"strings"
)

// pattern is a compiled MQTT-style topic filter. "+" matches one segment,
// a trailing "#" matches the remainder (including nothing).
type pattern struct {
	raw      string
	segments []string
	literals int
	plus     int
	hash     bool
}

func compilePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	p := pattern{raw: raw, segments: strings.Split(raw, "/")}
	for i, seg := range p.segments {
		switch {
		case seg == "#":
			if i != len(p.segments)-1 {
				return pattern{}, fmt.Errorf("%w: %q has # before the last segment", ErrInvalidPattern, raw)
			}
			p.hash = true
		case seg == "+":
			p.plus++
		case strings.ContainsAny(seg, "+#"):
			return pattern{}, fmt.Errorf("%w: %q mixes a wildcard into a segment", ErrInvalidPattern, raw)
		case seg == "":
			return pattern{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, raw)
		default:
			p.literals++
		}
	}
	return p, nil
}

// matches reports whether topic satisfies the pattern.
func (p pattern) matches(topic string) bool {
	return matchSegments(p.segments, strings.Split(topic, "/"))
}

func matchSegments(pat, topic []string) bool {
	for i, seg := range pat {
		if seg == "#" {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if seg != "+" && seg != topic[i] {
			return false
		}
	}
	return len(pat) == len(topic)
}

// moreSpecific orders patterns: more literal segments first, then
// patterns without "#", then fewer "+".
func moreSpecific(a, b pattern) bool {
	if a.literals != b.literals {
		return a.literals > b.literals
	}
	if a.hash != b.hash {
		return !a.hash
	}
	return a.plus < b.plus
}

// Match reports whether topic satisfies the MQTT-style filter. An invalid
// filter matches nothing.
func Match(filter, topic string) bool {
	p, err := compilePattern(filter)
	if err != nil {
		return false
	}
	return p.matches(topic)
}

func validateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	}
	for _, seg := range strings.Split(topic, "/") {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidTopic, topic)
		}
	}
	return nil
}
