package main

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/elbus"
	"github.com/vitalvas/elbus/extensions/rpc"
)

func TestParseCall(t *testing.T) {
	target, method, params, err := parseCall([]string{"plc.1", "set", "level=3", "name=pump", "on=true"})
	require.NoError(t, err)
	assert.Equal(t, "plc.1", target)
	assert.Equal(t, "set", method)

	var got map[string]any
	require.NoError(t, rpc.Unmarshal(params, &got))
	want := map[string]any{"level": uint64(3), "name": "pump", "on": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("params (-want +got):\n%s", diff)
	}

	_, method, params, err = parseCall([]string{".broker", "info"})
	require.NoError(t, err)
	assert.Equal(t, "info", method)
	assert.Nil(t, params)

	_, _, _, err = parseCall([]string{"plc.1"})
	assert.Error(t, err)

	_, _, _, err = parseCall([]string{"plc.1", "set", "broken"})
	assert.Error(t, err)
}

func TestDiagnose(t *testing.T) {
	data, err := rpc.Marshal(map[string]int{"a": 1})
	require.NoError(t, err)

	assert.Equal(t, `{"a": 1}`, diagnose(data))
	assert.Equal(t, "(empty)", diagnose(nil))
}

func TestPrintFrame(t *testing.T) {
	var buf bytes.Buffer
	printFrame(&buf, &elbus.Frame{Kind: elbus.FramePublish, Sender: "s", Topic: "a/b", Payload: []byte("x")})
	printFrame(&buf, &elbus.Frame{Kind: elbus.FrameMessage, Sender: "s", Payload: []byte("y")})

	assert.Equal(t, elbus.FramePublish.String()+" s a/b: x\n"+elbus.FrameMessage.String()+" s: y\n", buf.String())
}

func TestListenRouter(t *testing.T) {
	var buf bytes.Buffer
	r := listenRouter(&buf, []string{"plant/#", "plant/+/temp"})

	assert.Equal(t, []string{elbus.BrokerWarnTopic, "plant/#", "plant/+/temp"}, r.Filters())

	frames := []*elbus.Frame{
		{Kind: elbus.FramePublish, Sender: "s", Topic: "plant/1/temp", Payload: []byte("21")},
		{Kind: elbus.FramePublish, Sender: "s", Topic: "other/1", Payload: []byte("skip")},
		{Kind: elbus.FramePublish, Sender: elbus.BrokerClientName, Topic: elbus.BrokerWarnTopic, Payload: []byte("w")},
		{Kind: elbus.FrameMessage, Sender: "s", Payload: []byte("m")},
		{Kind: elbus.FrameBroadcast, Sender: "s", Payload: []byte("b")},
		{Kind: elbus.FramePeerGone, Sender: "s"},
	}
	for _, f := range frames {
		r.Route(f)
	}

	want := "publish s plant/1/temp: 21\n" +
		"publish .broker .broker/warn: w\n" +
		"message s: m\n" +
		"broadcast s: b\n"
	assert.Equal(t, want, buf.String())
}
