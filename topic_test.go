package elbus

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateClientName(t *testing.T) {
	tests := []struct {
		name    string
		client  string
		wantErr error
	}{
		{"simple", "client", nil},
		{"grouped", "plant1.pump.3", nil},
		{"reserved", ".broker", nil},
		{"reserved grouped", ".broker.fifo", nil},
		{"utf8", "anlage.pumpe", nil},
		{"empty", "", ErrMalformedPath},
		{"only dot", ".", ErrMalformedPath},
		{"double dot", "a..b", ErrMalformedPath},
		{"trailing dot", "a.b.", ErrMalformedPath},
		{"double leading dot", "..broker", ErrMalformedPath},
		{"any wildcard", "a.?.b", ErrMalformedPath},
		{"trailing wildcard", "a.*", ErrMalformedPath},
		{"embedded wildcard", "a*b", ErrMalformedPath},
		{"null byte", "a\x00b", ErrMalformedPath},
		{"invalid utf8", "a\xffb", ErrMalformedPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClientName(tt.client)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMask(t *testing.T) {
	tests := []struct {
		name    string
		mask    string
		wantErr error
	}{
		{"exact", "a.b", nil},
		{"any", "a.?.c", nil},
		{"trailing wildcard", "a.*", nil},
		{"wildcard only", "*", nil},
		{"any only", "?", nil},
		{"reserved", ".broker.*", nil},
		{"empty", "", ErrMalformedPath},
		{"empty segment", "a..*", ErrMalformedPath},
		{"wildcard in middle", "a.*.c", ErrMalformedPattern},
		{"partial any", "a.b?", ErrMalformedPattern},
		{"partial wildcard", "a.b*", ErrMalformedPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMask(tt.mask)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				var pe *PatternError
				assert.ErrorAs(t, err, &pe)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr error
	}{
		{"simple", "test", nil},
		{"levels", "a/b/c/d", nil},
		{"reserved", ".broker/warn", nil},
		{"empty", "", ErrMalformedPath},
		{"leading slash", "/test", ErrMalformedPath},
		{"trailing slash", "test/", ErrMalformedPath},
		{"contains +", "test/+/topic", ErrMalformedPath},
		{"contains #", "test/#", ErrMalformedPath},
		{"contains null", "test\x00topic", ErrMalformedPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr error
	}{
		{"simple", "test", nil},
		{"single wildcard", "+", nil},
		{"single wildcard in middle", "test/+/topic", nil},
		{"multi wildcard", "#", nil},
		{"multi wildcard at end", "test/#", nil},
		{"all single", "+/+/+", nil},
		{"combined", "+/test/#", nil},
		{"empty", "", ErrMalformedPath},
		{"empty level", "a//b", ErrMalformedPath},
		{"+ not alone", "test+", ErrMalformedPattern},
		{"# not alone", "test#", ErrMalformedPattern},
		{"# not at end", "#/test", ErrMalformedPattern},
		{"# in middle", "test/#/more", ErrMalformedPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicFilter(tt.filter)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMaskMatch(t *testing.T) {
	tests := []struct {
		mask  string
		name  string
		match bool
	}{
		{"a.b", "a.b", true},
		{"a.b", "a.c", false},
		{"a.?", "a.b", true},
		{"a.?", "a.b.c", false},
		{"a.?.c", "a.b.c", true},
		{"a.?.c", "a.b.d", false},
		{"?.b", "a.b", true},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c.d", true},
		{"a.*", "a", false},
		{"*", "a", true},
		{"*", "a.b.c", true},
		{"?", "a.b", false},
		{"a.?.*", "a.b", false},
		{"a.?.*", "a.b.c", true},
		{"", "a", false},
		{"a", "", false},
		{"?.test.*", "g1.test.client1", true},
		{"?.test.*", "g1.other.client1", false},
	}

	for _, tt := range tests {
		t.Run(tt.mask+"|"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, MaskMatch(tt.mask, tt.name))
		})
	}
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/+/c", "a/b/c", true},
		{"+/+", "a/b", true},
		{"a/#", "a", true},
		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/#", "b/c", false},
		{"#", "a/b/c", true},
		{"+/#", "a", true},
		{"a/+/#", "a", false},
		{"a/b/c", "a/b", false},
		{"a/b", "a/b/c", false},
		{"+/topic/#", "x/topic/event", true},
		{"+/topic/#", "y/other/event", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.match, TopicMatch(tt.filter, tt.topic))
		})
	}
}

func TestIsReservedName(t *testing.T) {
	assert.True(t, IsReservedName(".broker"))
	assert.True(t, IsReservedName(BrokerClientName))
	assert.False(t, IsReservedName("broker"))
	assert.False(t, IsReservedName(""))
}

func TestDialectIsPattern(t *testing.T) {
	assert.True(t, DialectBroadcast.IsPattern("a.*"))
	assert.True(t, DialectBroadcast.IsPattern("a.?"))
	assert.False(t, DialectBroadcast.IsPattern("a.b"))
	assert.True(t, DialectTopic.IsPattern("a/+"))
	assert.True(t, DialectTopic.IsPattern("#"))
	assert.False(t, DialectTopic.IsPattern("a/b"))
}

func TestMatchNoAlloc(t *testing.T) {
	allocs := testing.AllocsPerRun(100, func() {
		TopicMatch("plant/+/sensors/#", "plant/1/sensors/temp/c")
		MaskMatch("plant.?.*", "plant.1.pump")
	})
	assert.Zero(t, allocs)
}

func randomPath(r *rand.Rand, sep string) string {
	segs := make([]string, 1+r.IntN(5))
	for i := range segs {
		segs[i] = string(rune('a' + r.IntN(3)))
	}
	return strings.Join(segs, sep)
}

// The trie and the direct matcher must agree for every pattern.
func TestMatcherAgreesWithMatch(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for _, d := range []Dialect{DialectBroadcast, DialectTopic} {
		t.Run(d.Name, func(t *testing.T) {
			m := NewMatcher(d)
			var patterns []string
			for range 200 {
				p := randomPath(r, string(d.Separator))
				segs := d.split(p)
				for i := range segs {
					if r.IntN(4) == 0 {
						segs[i] = d.Any
					}
				}
				if r.IntN(3) == 0 {
					segs[len(segs)-1] = d.Wildcard
				}
				p = strings.Join(segs, string(d.Separator))
				if d.ValidatePattern(p) != nil {
					continue
				}
				patterns = append(patterns, p)
				m.Insert(p, p)
			}

			for range 500 {
				path := randomPath(r, string(d.Separator))
				got := make(map[string]bool)
				for _, s := range m.Match(path) {
					got[s.Pattern] = true
				}
				for _, p := range patterns {
					assert.Equal(t, d.Match(p, path), got[p], "pattern %q path %q", p, path)
				}
			}
		})
	}
}

func BenchmarkTopicMatch(b *testing.B) {
	for b.Loop() {
		TopicMatch("plant/+/sensors/#", "plant/1/sensors/temp/c")
	}
}

func BenchmarkMaskMatch(b *testing.B) {
	for b.Loop() {
		MaskMatch("plant.?.*", "plant.1.pump")
	}
}

func FuzzTopicMatch(f *testing.F) {
	f.Add("a/+/#", "a/b/c")
	f.Add("#", "x")
	f.Add("a.*", "a.b")
	f.Fuzz(func(t *testing.T, pattern, path string) {
		// Must not panic on arbitrary input.
		TopicMatch(pattern, path)
		MaskMatch(pattern, path)
		if ValidateTopicFilter(pattern) == nil && ValidateTopic(path) == nil {
			m := NewMatcher(DialectTopic)
			m.Insert("o", pattern)
			assert.Equal(t, TopicMatch(pattern, path), len(m.Match(path)) == 1)
		}
	})
}
