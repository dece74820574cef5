// Package fifo executes broker commands written to a named pipe, one per line:
//
//	=topic payload          publish payload to topic
//	target .payload         send an RPC notification
//	target :method k=v ...  invoke an RPC method with CBOR params
//	target payload          send a message, or broadcast it when target
//	                        contains * or ?
package fifo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned for lines that are not valid commands.
var ErrSyntax = errors.New("fifo: invalid command")

// Action is what a command does.
type Action int

const (
	ActionPublish Action = iota
	ActionNotify
	ActionInvoke
	ActionSend
	ActionBroadcast
)

var actionNames = map[Action]string{
	ActionPublish:   "publish",
	ActionNotify:    "notify",
	ActionInvoke:    "invoke",
	ActionSend:      "send",
	ActionBroadcast: "broadcast",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// Command is one parsed line.
type Command struct {
	Action Action
	// Target is the topic for ActionPublish, a mask for ActionBroadcast and
	// a client name otherwise.
	Target  string
	Payload []byte
	Method  string
	Params  map[string]any
}

// Parse parses one command line. Blank lines yield a nil command.
func Parse(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	if topic, ok := strings.CutPrefix(line, "="); ok {
		topic, payload, ok := strings.Cut(topic, " ")
		if !ok || topic == "" {
			return nil, fmt.Errorf("%w: payload not specified", ErrSyntax)
		}
		return &Command{Action: ActionPublish, Target: topic, Payload: []byte(payload)}, nil
	}

	target, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, fmt.Errorf("%w: payload not specified", ErrSyntax)
	}

	switch {
	case strings.HasPrefix(rest, "."):
		return &Command{Action: ActionNotify, Target: target, Payload: []byte(rest[1:])}, nil
	case strings.HasPrefix(rest, ":"):
		fields := strings.Fields(rest[1:])
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: method not specified", ErrSyntax)
		}
		params, err := parseParams(fields[1:])
		if err != nil {
			return nil, err
		}
		return &Command{Action: ActionInvoke, Target: target, Method: fields[0], Params: params}, nil
	case strings.ContainsAny(target, "*?"):
		return &Command{Action: ActionBroadcast, Target: target, Payload: []byte(rest)}, nil
	default:
		return &Command{Action: ActionSend, Target: target, Payload: []byte(rest)}, nil
	}
}

func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: bad parameter %q", ErrSyntax, pair)
		}
		params[name] = parseValue(value)
	}
	return params, nil
}

// parseValue infers a bool, integer or float, falling back to the string.
func parseValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
