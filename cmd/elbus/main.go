// Program elbus is a command-line client for elbus brokers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
	"github.com/fxamacker/cbor/v2"
	"github.com/vitalvas/elbus"
	"github.com/vitalvas/elbus/extensions/fifo"
	"github.com/vitalvas/elbus/extensions/router"
	"github.com/vitalvas/elbus/extensions/rpc"
)

var flags struct {
	Addr    string        `flag:"addr,default=/tmp/elbus.sock,Broker address"`
	Name    string        `flag:"name,Client name (default elbus.cli.<pid>)"`
	Timeout time.Duration `flag:"timeout,default=5s,Operation timeout"`
	Ack     bool          `flag:"ack,Wait for broker acknowledgement (QoS processed)"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "<command> [arguments]",
		Help:     "A command-line client for elbus brokers.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "send",
				Usage: "<target> <payload>",
				Help:  "Send a one-to-one message to a client.",
				Run:   command.Adapt(runSend),
			},
			{
				Name:  "broadcast",
				Usage: "<mask> <payload>",
				Help:  "Send a message to every client whose name matches mask.",
				Run:   command.Adapt(runBroadcast),
			},
			{
				Name:  "publish",
				Usage: "<topic> <payload>",
				Help:  "Publish a message to the subscribers of topic.",
				Run:   command.Adapt(runPublish),
			},
			{
				Name:  "listen",
				Usage: "[topic ...]",
				Help: `Print incoming frames until interrupted.

Each topic is subscribed before listening. Messages and broadcasts
addressed to this client and broker warnings are always printed.`,
				Run: runListen,
			},
			{
				Name:  "call",
				Usage: "<target> <method> [key=value ...]",
				Help: `Call an RPC method and print the result.

Parameters are encoded as a CBOR map. Values are inferred as booleans,
integers, floats or strings. The result is printed in CBOR diagnostic
notation.`,
				Run: runCall,
			},
			{
				Name:  "ping",
				Usage: "[target]",
				Help:  "Measure the round trip of an empty call, to the broker by default.",
				Run:   runPing,
			},
			{
				Name: "clients",
				Help: "List the clients registered with the broker.",
				Run:  command.Adapt(runClients),
			},
			{
				Name: "info",
				Help: "Print broker information.",
				Run:  command.Adapt(runInfo),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func clientName() string {
	if flags.Name != "" {
		return flags.Name
	}
	return "elbus.cli." + strconv.Itoa(os.Getpid())
}

// session is one connected client for the duration of a command.
type session struct {
	client *elbus.Client
	ep     *rpc.Endpoint
}

func connect(ctx context.Context, withRPC bool) (*session, error) {
	c, err := elbus.Dial(ctx, flags.Addr, clientName(), elbus.WithClientTimeout(flags.Timeout))
	if err != nil {
		return nil, err
	}
	s := &session{client: c}
	if withRPC {
		s.ep = rpc.NewEndpoint(c, rpc.WithTimeout(flags.Timeout))
	}
	return s, nil
}

func (s *session) Close() error {
	if s.ep != nil {
		s.ep.Close()
	}
	return s.client.Close()
}

func withSession(env *command.Env, withRPC bool, fn func(ctx context.Context, s *session) error) error {
	ctx := env.Context()
	s, err := connect(ctx, withRPC)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func qos() elbus.QoS {
	return value.Cond(flags.Ack, elbus.QoSProcessed, elbus.QoSNo)
}

func runSend(env *command.Env, target, payload string) error {
	return withSession(env, false, func(ctx context.Context, s *session) error {
		return s.client.Send(ctx, target, []byte(payload), qos())
	})
}

func runBroadcast(env *command.Env, mask, payload string) error {
	return withSession(env, false, func(ctx context.Context, s *session) error {
		return s.client.SendBroadcast(ctx, mask, []byte(payload), qos())
	})
}

func runPublish(env *command.Env, topic, payload string) error {
	return withSession(env, false, func(ctx context.Context, s *session) error {
		return s.client.Publish(ctx, topic, []byte(payload), qos())
	})
}

func runListen(env *command.Env) error {
	return withSession(env, false, func(ctx context.Context, s *session) error {
		r := listenRouter(os.Stdout, env.Args)
		if err := r.Subscribe(ctx, s.client); err != nil {
			return err
		}
		if err := r.Serve(ctx, s.client); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

// listenRouter prints direct messages, broadcasts, broker warnings and
// publications matching any of topics. A frame matching several filters is
// printed once.
func listenRouter(w io.Writer, topics []string) *router.Router {
	var last *elbus.Frame
	show := func(f *elbus.Frame) {
		if f != last {
			last = f
			printFrame(w, f)
		}
	}

	r := router.New()
	r.Handle(show, router.WithKind(elbus.FrameMessage))
	r.Handle(show, router.WithKind(elbus.FrameBroadcast))
	r.Handle(show, router.WithTopic(elbus.BrokerWarnTopic))
	for _, topic := range topics {
		r.Handle(show, router.WithTopic(topic))
	}
	return r
}

func printFrame(w io.Writer, f *elbus.Frame) {
	switch f.Kind {
	case elbus.FramePublish:
		fmt.Fprintf(w, "%s %s %s: %s\n", f.Kind, f.Sender, f.Topic, f.Payload)
	default:
		fmt.Fprintf(w, "%s %s: %s\n", f.Kind, f.Sender, f.Payload)
	}
}

// parseCall builds the call from command arguments using the fifo command
// syntax, so both accept the same parameters.
func parseCall(args []string) (target, method string, params []byte, err error) {
	if len(args) < 2 {
		return "", "", nil, errors.New("missing target or method")
	}
	cmd, err := fifo.Parse(args[0] + " :" + strings.Join(args[1:], " "))
	if err != nil {
		return "", "", nil, err
	}
	if len(cmd.Params) > 0 {
		if params, err = rpc.Marshal(cmd.Params); err != nil {
			return "", "", nil, err
		}
	}
	return cmd.Target, cmd.Method, params, nil
}

func runCall(env *command.Env) error {
	target, method, params, err := parseCall(env.Args)
	if err != nil {
		return env.Usagef("%v", err)
	}
	return withSession(env, true, func(ctx context.Context, s *session) error {
		res, err := s.ep.Call(ctx, target, method, params)
		if err != nil {
			return err
		}
		fmt.Println(diagnose(res))
		return nil
	})
}

func diagnose(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	if s, err := cbor.Diagnose(data); err == nil {
		return s
	}
	return strconv.Quote(string(data))
}

func runPing(env *command.Env) error {
	target := elbus.BrokerClientName
	if len(env.Args) > 1 {
		return env.Usagef("extra arguments: %q", env.Args[1:])
	} else if len(env.Args) == 1 {
		target = env.Args[0]
	}
	return withSession(env, true, func(ctx context.Context, s *session) error {
		start := time.Now()
		if err := s.ep.Call0(ctx, target); err != nil {
			return err
		}
		fmt.Printf("%s: %v\n", target, time.Since(start).Round(time.Microsecond))
		return nil
	})
}

func runClients(env *command.Env) error {
	return withSession(env, true, func(ctx context.Context, s *session) error {
		var list rpc.ClientList
		if err := s.ep.CallValue(ctx, elbus.BrokerClientName, rpc.MethodListClients, nil, &list); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tSOURCE\tPORT")
		for _, c := range list.Clients {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, c.Kind, c.Source, c.Port)
		}
		return tw.Flush()
	})
}

func runInfo(env *command.Env) error {
	return withSession(env, true, func(ctx context.Context, s *session) error {
		var info rpc.BrokerInfo
		if err := s.ep.CallValue(ctx, elbus.BrokerClientName, rpc.MethodInfo, nil, &info); err != nil {
			return err
		}
		fmt.Printf("id:      %s\nversion: %s\nuptime:  %v\nclients: %d\n",
			info.ID, info.Version, time.Duration(info.Uptime*float64(time.Second)).Round(time.Second), info.Clients)
		return nil
	})
}
