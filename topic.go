package elbus

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Dialect describes one addressing syntax: the segment separator, the
// single-segment wildcard and the trailing multi-segment wildcard.
type Dialect struct {
	Name      string
	Separator byte
	Any       string
	Wildcard  string
	// WildcardMin is the number of segments the trailing wildcard must consume at least.
	WildcardMin int
}

var (
	// DialectBroadcast addresses groups of clients: "?" matches one segment,
	// a trailing "*" matches one or more remaining segments.
	DialectBroadcast = Dialect{
		Name:        "broadcast",
		Separator:   '.',
		Any:         "?",
		Wildcard:    "*",
		WildcardMin: 1,
	}

	// DialectTopic is the MQTT topic syntax: "+" matches one segment,
	// a trailing "#" matches zero or more remaining segments.
	DialectTopic = Dialect{
		Name:        "topic",
		Separator:   '/',
		Any:         "+",
		Wildcard:    "#",
		WildcardMin: 0,
	}
)

const reservedPrefix = "."

// IsReservedName reports whether the client name is reserved for broker-owned clients.
func IsReservedName(name string) bool {
	return strings.HasPrefix(name, reservedPrefix)
}

// ValidatePath validates a concrete path: non-empty segments and no wildcards.
func (d Dialect) ValidatePath(path string) error {
	if path == "" || !utf8.ValidString(path) {
		return NewPatternError(ErrMalformedPath, path)
	}

	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != d.Separator {
			if path[i] == 0 {
				return NewPatternError(ErrMalformedPath, path)
			}
			continue
		}
		seg := path[start:i]
		if seg == "" {
			return NewPatternError(ErrMalformedPath, path)
		}
		if strings.Contains(seg, d.Any) || strings.Contains(seg, d.Wildcard) {
			return NewPatternError(ErrMalformedPath, path)
		}
		start = i + 1
	}

	return nil
}

// ValidatePattern validates a pattern: wildcards must occupy a whole segment and
// the multi-segment wildcard may only be the last one.
func (d Dialect) ValidatePattern(pattern string) error {
	if pattern == "" || !utf8.ValidString(pattern) {
		return NewPatternError(ErrMalformedPath, pattern)
	}

	start := 0
	for i := 0; i <= len(pattern); i++ {
		if i < len(pattern) && pattern[i] != d.Separator {
			if pattern[i] == 0 {
				return NewPatternError(ErrMalformedPath, pattern)
			}
			continue
		}
		seg := pattern[start:i]
		switch {
		case seg == "":
			return NewPatternError(ErrMalformedPath, pattern)
		case seg == d.Wildcard:
			if i != len(pattern) {
				return NewPatternError(ErrMalformedPattern, pattern)
			}
		case seg == d.Any:
		case strings.Contains(seg, d.Any) || strings.Contains(seg, d.Wildcard):
			return NewPatternError(ErrMalformedPattern, pattern)
		}
		start = i + 1
	}

	return nil
}

// IsPattern reports whether s contains a wildcard segment of the dialect.
func (d Dialect) IsPattern(s string) bool {
	return strings.Contains(s, d.Any) || strings.Contains(s, d.Wildcard)
}

// Match checks if a concrete path matches a pattern.
// This implementation avoids allocations by not using strings.Split.
func (d Dialect) Match(pattern, path string) bool {
	if pattern == "" || path == "" {
		return false
	}

	pi, ti := 0, 0
	plen, tlen := len(pattern), len(path)

	for pi < plen {
		pstart := pi
		for pi < plen && pattern[pi] != d.Separator {
			pi++
		}
		pseg := pattern[pstart:pi]

		if pseg == d.Wildcard {
			return d.WildcardMin == 0 || ti < tlen
		}

		if ti >= tlen {
			return false
		}

		tstart := ti
		for ti < tlen && path[ti] != d.Separator {
			ti++
		}

		if pseg != d.Any && pseg != path[tstart:ti] {
			return false
		}

		if pi < plen {
			pi++
		}
		if ti < tlen {
			ti++
		}
	}

	return ti >= tlen
}

// split cuts a validated path or pattern into segments.
func (d Dialect) split(s string) []string {
	return strings.Split(s, string(d.Separator))
}

// ValidateClientName validates a client identity. A single leading "." marks
// a reserved name and is not treated as an empty segment.
func ValidateClientName(name string) error {
	if err := DialectBroadcast.ValidatePath(strings.TrimPrefix(name, reservedPrefix)); err != nil {
		return NewPatternError(ErrMalformedPath, name)
	}
	return nil
}

// ValidateMask validates a broadcast mask such as "group.?.client" or "group.*".
func ValidateMask(mask string) error {
	if err := DialectBroadcast.ValidatePattern(strings.TrimPrefix(mask, reservedPrefix)); err != nil {
		var pe *PatternError
		if errors.As(err, &pe) {
			return NewPatternError(pe.Unwrap(), mask)
		}
		return err
	}
	return nil
}

// ValidateTopic validates a concrete topic name.
func ValidateTopic(topic string) error {
	return DialectTopic.ValidatePath(topic)
}

// ValidateTopicFilter validates a topic subscription filter.
func ValidateTopicFilter(filter string) error {
	return DialectTopic.ValidatePattern(filter)
}

// MaskMatch checks if a client name matches a broadcast mask.
func MaskMatch(mask, name string) bool {
	return DialectBroadcast.Match(mask, name)
}

// TopicMatch checks if a topic matches a subscription filter.
func TopicMatch(filter, topic string) bool {
	return DialectTopic.Match(filter, topic)
}
