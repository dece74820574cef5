package fifo

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want *Command
	}{
		{"", nil},
		{"   ", nil},
		{"=sensors/temp 21.5", &Command{Action: ActionPublish, Target: "sensors/temp", Payload: []byte("21.5")}},
		{"=a/b hello world", &Command{Action: ActionPublish, Target: "a/b", Payload: []byte("hello world")}},
		{"svc .ping", &Command{Action: ActionNotify, Target: "svc", Payload: []byte("ping")}},
		{"svc :reload", &Command{Action: ActionInvoke, Target: "svc", Method: "reload", Params: map[string]any{}}},
		{
			"svc :set on=true off=false n=42 f=1.5 s=text",
			&Command{Action: ActionInvoke, Target: "svc", Method: "set", Params: map[string]any{
				"on":  true,
				"off": false,
				"n":   int64(42),
				"f":   1.5,
				"s":   "text",
			}},
		},
		{"svc hello", &Command{Action: ActionSend, Target: "svc", Payload: []byte("hello")}},
		{"plc.* stop now", &Command{Action: ActionBroadcast, Target: "plc.*", Payload: []byte("stop now")}},
		{"plc.?.a stop", &Command{Action: ActionBroadcast, Target: "plc.?.a", Payload: []byte("stop")}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Parse(tt.line)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, line := range []string{
		"=topic",
		"=",
		"target",
		"svc :",
		"svc :m novalue",
		"svc :m =x",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := Parse(line)
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "publish", ActionPublish.String())
	assert.Equal(t, "broadcast", ActionBroadcast.String())
	assert.Equal(t, "unknown", Action(99).String())
}
