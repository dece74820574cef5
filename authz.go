package elbus

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// AuthzAction represents an authorization action.
type AuthzAction int

const (
	// AuthzActionSend is a unicast send to one client, also checked per target of a broadcast.
	AuthzActionSend AuthzAction = 0
	// AuthzActionBroadcast is a send addressed by a broadcast mask.
	AuthzActionBroadcast AuthzAction = 1
	// AuthzActionPublish is a publish to a topic.
	AuthzActionPublish AuthzAction = 2
	// AuthzActionSubscribe is a subscription to a topic filter.
	AuthzActionSubscribe AuthzAction = 3
)

// String returns the string representation of the action.
func (a AuthzAction) String() string {
	switch a {
	case AuthzActionSend:
		return "send"
	case AuthzActionBroadcast:
		return "broadcast"
	case AuthzActionPublish:
		return "publish"
	case AuthzActionSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// ParseAuthzAction parses an action name as produced by String.
func ParseAuthzAction(s string) (AuthzAction, error) {
	switch s {
	case "send":
		return AuthzActionSend, nil
	case "broadcast":
		return AuthzActionBroadcast, nil
	case "publish":
		return AuthzActionPublish, nil
	case "subscribe":
		return AuthzActionSubscribe, nil
	default:
		return 0, fmt.Errorf("elbus: unknown authz action: %s", s)
	}
}

// AuthzContext contains information about the authorization request.
type AuthzContext struct {
	// Client is the name of the client performing the operation.
	Client string

	// Kind is the kind of the client (internal, tcp, ...).
	Kind ClientKind

	// Action is the action being performed.
	Action AuthzAction

	// Target is the client name, broadcast mask, topic or topic filter.
	Target string

	// QoS is the QoS level of the operation.
	QoS QoS

	// RemoteAddr is the remote address of the client connection, nil for in-process clients.
	RemoteAddr net.Addr
}

// AuthzResult represents the result of an authorization check.
type AuthzResult struct {
	// Allowed indicates if the action is allowed.
	Allowed bool

	// Reason is an optional explanation used in logs when the action is denied.
	Reason string
}

// Authorizer defines the interface for authorizing broker operations.
type Authorizer interface {
	// Authorize checks if an action is allowed.
	Authorize(ctx context.Context, authzCtx *AuthzContext) (*AuthzResult, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, authzCtx *AuthzContext) (*AuthzResult, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, authzCtx *AuthzContext) (*AuthzResult, error) {
	return f(ctx, authzCtx)
}

// AllowAllAuthorizer allows all actions.
type AllowAllAuthorizer struct{}

// Authorize always allows the action.
func (a *AllowAllAuthorizer) Authorize(_ context.Context, _ *AuthzContext) (*AuthzResult, error) {
	return &AuthzResult{Allowed: true}, nil
}

// DenyAllAuthorizer denies all actions.
type DenyAllAuthorizer struct{}

// Authorize always denies the action.
func (d *DenyAllAuthorizer) Authorize(_ context.Context, _ *AuthzContext) (*AuthzResult, error) {
	return &AuthzResult{Allowed: false, Reason: "deny all"}, nil
}

// ACLRule is one entry of an ACLAuthorizer.
type ACLRule struct {
	// Clients is a broadcast mask matched against the client name ("*" for everyone).
	Clients string

	// Actions lists the actions the rule applies to; empty means all actions.
	Actions []AuthzAction

	// Targets is a pattern matched against the operation target. Topics and
	// filters use the topic dialect, client names and masks the broadcast dialect.
	// Empty matches every target.
	Targets string

	// Allow is the decision when the rule matches.
	Allow bool
}

func (r *ACLRule) matches(ac *AuthzContext) bool {
	if r.Clients != "" && r.Clients != ac.Client && !MaskMatch(r.Clients, ac.Client) {
		return false
	}

	if len(r.Actions) > 0 {
		found := false
		for _, a := range r.Actions {
			if a == ac.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if r.Targets == "" || r.Targets == ac.Target {
		return true
	}
	switch ac.Action {
	case AuthzActionPublish, AuthzActionSubscribe:
		return TopicMatch(r.Targets, ac.Target)
	default:
		return MaskMatch(r.Targets, ac.Target)
	}
}

// ACLAuthorizer evaluates rules in order; the first matching rule decides.
// Internal clients are always allowed.
type ACLAuthorizer struct {
	mu      sync.RWMutex
	rules   []ACLRule
	dfltYes bool
}

// NewACLAuthorizer creates an authorizer with the given rules and the
// decision used when no rule matches.
func NewACLAuthorizer(defaultAllow bool, rules ...ACLRule) *ACLAuthorizer {
	return &ACLAuthorizer{
		rules:   rules,
		dfltYes: defaultAllow,
	}
}

// AddRule appends a rule.
func (a *ACLAuthorizer) AddRule(rule ACLRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, rule)
}

// Authorize evaluates the rules against the request.
func (a *ACLAuthorizer) Authorize(_ context.Context, ac *AuthzContext) (*AuthzResult, error) {
	if ac.Kind == ClientInternal {
		return &AuthzResult{Allowed: true}, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := range a.rules {
		if a.rules[i].matches(ac) {
			res := &AuthzResult{Allowed: a.rules[i].Allow}
			if !res.Allowed {
				res.Reason = fmt.Sprintf("rule %d", i)
			}
			return res, nil
		}
	}
	if a.dfltYes {
		return &AuthzResult{Allowed: true}, nil
	}
	return &AuthzResult{Allowed: false, Reason: "no matching rule"}, nil
}
