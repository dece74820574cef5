package elbus

import (
	"sort"
	"sync"
)

// PatternIndex is the lock-disciplined, owner-aware wrapper around a Matcher.
// Writers are serialized; matches from independent lookups run concurrently.
type PatternIndex struct {
	mu       sync.RWMutex
	matcher  *Matcher
	patterns map[string]map[string]struct{} // owner -> patterns
}

// NewPatternIndex creates an empty index for the dialect.
func NewPatternIndex(d Dialect) *PatternIndex {
	return &PatternIndex{
		matcher:  NewMatcher(d),
		patterns: make(map[string]map[string]struct{}),
	}
}

// Dialect returns the dialect of the index.
func (x *PatternIndex) Dialect() Dialect {
	return x.matcher.Dialect()
}

// Insert adds the (owner, pattern) pair. Inserting a pair twice is a no-op
// and reports false.
func (x *PatternIndex) Insert(owner, pattern string) (bool, error) {
	if err := x.validate(pattern); err != nil {
		return false, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.matcher.Insert(owner, pattern) {
		return false, nil
	}
	owned, ok := x.patterns[owner]
	if !ok {
		owned = make(map[string]struct{})
		x.patterns[owner] = owned
	}
	owned[pattern] = struct{}{}
	return true, nil
}

// Remove deletes the (owner, pattern) pair. Removing an absent pair is a
// no-op and reports false.
func (x *PatternIndex) Remove(owner, pattern string) (bool, error) {
	if err := x.validate(pattern); err != nil {
		return false, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	return x.removeLocked(owner, pattern), nil
}

func (x *PatternIndex) removeLocked(owner, pattern string) bool {
	if !x.matcher.Remove(owner, pattern) {
		return false
	}
	owned := x.patterns[owner]
	delete(owned, pattern)
	if len(owned) == 0 {
		delete(x.patterns, owner)
	}
	return true
}

// RemoveAll drops every pattern held by owner and returns how many were removed.
func (x *PatternIndex) RemoveAll(owner string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	owned := x.patterns[owner]
	n := 0
	for pattern := range owned {
		if x.removeLocked(owner, pattern) {
			n++
		}
	}
	return n
}

// Match returns every (owner, pattern) pair whose pattern matches the concrete path.
// The path is assumed to be validated by the caller.
func (x *PatternIndex) Match(path string) []Subscription {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.matcher.Match(path)
}

// MatchMask returns every pair whose stored path matches the mask.
func (x *PatternIndex) MatchMask(mask string) []Subscription {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.matcher.MatchMask(mask)
}

// Patterns returns the patterns held by owner in lexical order.
func (x *PatternIndex) Patterns(owner string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	owned := x.patterns[owner]
	out := make([]string, 0, len(owned))
	for p := range owned {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of stored pairs.
func (x *PatternIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.matcher.Len()
}

// OwnerCount returns the number of owners holding at least one pattern.
func (x *PatternIndex) OwnerCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.patterns)
}

func (x *PatternIndex) validate(pattern string) error {
	if x.Dialect() == DialectBroadcast {
		return ValidateMask(pattern)
	}
	return x.Dialect().ValidatePattern(pattern)
}

// Owners deduplicates the owners of a match result, keeping first-seen order.
func Owners(subs []Subscription) []string {
	if len(subs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(subs))
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		if _, ok := seen[s.Owner]; ok {
			continue
		}
		seen[s.Owner] = struct{}{}
		out = append(out, s.Owner)
	}
	return out
}
