package elbus

// Subscription is one (owner, pattern) pair held by a pattern index.
type Subscription struct {
	Owner   string
	Pattern string
}

// Matcher is a segment trie of patterns for one dialect. It is not safe for
// concurrent use; PatternIndex adds locking and per-owner bookkeeping.
type Matcher struct {
	dialect Dialect
	root    *matchNode
	count   int
}

type matchNode struct {
	pattern  string
	children map[string]*matchNode
	any      *matchNode
	wildcard *matchNode
	owners   map[string]struct{}
}

// NewMatcher creates an empty matcher for the dialect.
func NewMatcher(d Dialect) *Matcher {
	return &Matcher{
		dialect: d,
		root:    &matchNode{},
	}
}

// Dialect returns the dialect the matcher was created for.
func (m *Matcher) Dialect() Dialect {
	return m.dialect
}

// Len returns the number of stored (owner, pattern) pairs.
func (m *Matcher) Len() int {
	return m.count
}

// Insert adds owner for a validated pattern. It returns false if the pair was
// already present.
func (m *Matcher) Insert(owner, pattern string) bool {
	node := m.root
	for _, seg := range m.dialect.split(pattern) {
		node = node.child(m.dialect, seg, true)
	}
	if node.owners == nil {
		node.owners = make(map[string]struct{})
		node.pattern = pattern
	}
	if _, ok := node.owners[owner]; ok {
		return false
	}
	node.owners[owner] = struct{}{}
	m.count++
	return true
}

// Remove deletes the (owner, pattern) pair and prunes empty branches.
// It returns false if the pair was not present.
func (m *Matcher) Remove(owner, pattern string) bool {
	segs := m.dialect.split(pattern)
	path := make([]*matchNode, 0, len(segs)+1)
	node := m.root
	path = append(path, node)
	for _, seg := range segs {
		node = node.child(m.dialect, seg, false)
		if node == nil {
			return false
		}
		path = append(path, node)
	}
	if _, ok := node.owners[owner]; !ok {
		return false
	}
	delete(node.owners, owner)
	m.count--

	for i := len(path) - 1; i > 0; i-- {
		if !path[i].empty() {
			break
		}
		path[i-1].drop(m.dialect, segs[i-1])
	}
	return true
}

// Match returns every stored pair whose pattern matches the concrete path.
func (m *Matcher) Match(path string) []Subscription {
	var out []Subscription
	m.root.match(m.dialect, m.dialect.split(path), 0, &out)
	return out
}

// MatchMask treats stored entries as concrete paths and returns every pair
// whose path matches the mask. Stored wildcard branches are not followed.
func (m *Matcher) MatchMask(mask string) []Subscription {
	var out []Subscription
	m.root.matchMask(m.dialect, m.dialect.split(mask), 0, &out)
	return out
}

func (n *matchNode) child(d Dialect, seg string, create bool) *matchNode {
	switch seg {
	case d.Any:
		if n.any == nil && create {
			n.any = &matchNode{}
		}
		return n.any
	case d.Wildcard:
		if n.wildcard == nil && create {
			n.wildcard = &matchNode{}
		}
		return n.wildcard
	}

	c, ok := n.children[seg]
	if !ok && create {
		if n.children == nil {
			n.children = make(map[string]*matchNode)
		}
		c = &matchNode{}
		n.children[seg] = c
	}
	return c
}

func (n *matchNode) drop(d Dialect, seg string) {
	switch seg {
	case d.Any:
		n.any = nil
	case d.Wildcard:
		n.wildcard = nil
	default:
		delete(n.children, seg)
	}
}

func (n *matchNode) empty() bool {
	return len(n.owners) == 0 && len(n.children) == 0 && n.any == nil && n.wildcard == nil
}

func (n *matchNode) collect(out *[]Subscription) {
	for owner := range n.owners {
		*out = append(*out, Subscription{Owner: owner, Pattern: n.pattern})
	}
}

func (n *matchNode) match(d Dialect, segs []string, idx int, out *[]Subscription) {
	// Trailing wildcard consumes whatever is left, subject to the dialect minimum.
	if n.wildcard != nil && len(segs)-idx >= d.WildcardMin {
		n.wildcard.collect(out)
	}

	if idx >= len(segs) {
		n.collect(out)
		return
	}

	if c, ok := n.children[segs[idx]]; ok {
		c.match(d, segs, idx+1, out)
	}

	if n.any != nil {
		n.any.match(d, segs, idx+1, out)
	}
}

func (n *matchNode) matchMask(d Dialect, segs []string, idx int, out *[]Subscription) {
	if idx >= len(segs) {
		n.collect(out)
		return
	}

	switch segs[idx] {
	case d.Wildcard:
		if d.WildcardMin == 0 {
			n.collect(out)
		}
		for _, c := range n.children {
			c.collectAll(out)
		}
	case d.Any:
		for _, c := range n.children {
			c.matchMask(d, segs, idx+1, out)
		}
	default:
		if c, ok := n.children[segs[idx]]; ok {
			c.matchMask(d, segs, idx+1, out)
		}
	}
}

func (n *matchNode) collectAll(out *[]Subscription) {
	n.collect(out)
	for _, c := range n.children {
		c.collectAll(out)
	}
}
