package fifo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/vitalvas/elbus"
	"github.com/vitalvas/elbus/extensions/rpc"
	"golang.org/x/sys/unix"
)

// ClientName is the internal client commands are sent as.
const ClientName = ".broker.fifo"

// Mode is the permission of the created pipe: anyone may write, only the
// owner may read.
const Mode fs.FileMode = 0o622

// Option configures a Channel.
type Option func(*Channel)

// WithBufSize sets the longest accepted command line.
func WithBufSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

// WithLogger sets the channel logger.
func WithLogger(l elbus.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// Channel is a named pipe whose lines are executed as broker commands.
type Channel struct {
	path     string
	bufSize  int
	logger   elbus.Logger
	handle   *elbus.ClientHandle
	endpoint *rpc.Endpoint

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// New creates the pipe at path, replacing any existing file, and registers
// the internal client commands run as.
func New(b *elbus.Broker, path string, opts ...Option) (*Channel, error) {
	c := &Channel{
		path:    path,
		bufSize: elbus.DefaultBufSize,
		logger:  b.Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(elbus.LogFields{elbus.LogFieldListener: "fifo:" + path})

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := unix.Mkfifo(path, uint32(Mode)); err != nil {
		return nil, fmt.Errorf("fifo: create %s: %w", path, err)
	}
	// Mkfifo applies the umask.
	if err := os.Chmod(path, Mode); err != nil {
		os.Remove(path)
		return nil, err
	}

	h, err := b.RegisterInternal(ClientName)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	c.handle = h
	c.endpoint = rpc.NewEndpoint(h, rpc.WithPool(b.Pool()), rpc.WithLogger(c.logger))
	return c, nil
}

// Path returns the pipe path.
func (c *Channel) Path() string {
	return c.path
}

// Serve reads commands until ctx ends or the channel is closed. The pipe
// is opened read-write so it never reports end of file between writers.
func (c *Channel) Serve(ctx context.Context) error {
	f, err := os.OpenFile(c.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.Close()
		return elbus.ErrServerClosed
	}
	c.file = f
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()
	defer f.Close()

	c.logger.Info("listening", nil)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, min(c.bufSize, 4096)), c.bufSize)
	for scanner.Scan() {
		if err := c.Exec(ctx, scanner.Text()); err != nil {
			c.logger.Warn("command failed", elbus.LogFields{elbus.LogFieldError: err.Error()})
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return elbus.ErrServerClosed
}

// Exec parses and runs one command line. All commands are sent with QoS no.
func (c *Channel) Exec(ctx context.Context, line string) error {
	cmd, err := Parse(line)
	if err != nil || cmd == nil {
		return err
	}

	switch cmd.Action {
	case ActionPublish:
		_, err = c.handle.Publish(ctx, cmd.Target, cmd.Payload, elbus.QoSNo)
	case ActionNotify:
		err = c.endpoint.Notify(ctx, cmd.Target, cmd.Payload)
	case ActionInvoke:
		var params []byte
		if params, err = rpc.Marshal(cmd.Params); err == nil {
			err = c.endpoint.Invoke(ctx, cmd.Target, cmd.Method, params)
		}
	case ActionBroadcast:
		_, err = c.handle.SendBroadcast(ctx, cmd.Target, cmd.Payload, elbus.QoSNo)
	case ActionSend:
		err = c.handle.Send(ctx, cmd.Target, cmd.Payload, elbus.QoSNo)
	}
	if err != nil {
		return fmt.Errorf("fifo: %s %s: %w", cmd.Action, cmd.Target, err)
	}
	return nil
}

// Close stops Serve, deregisters the client and removes the pipe.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.file != nil {
		c.file.Close()
	}
	c.mu.Unlock()

	c.endpoint.Close()
	c.handle.Close()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
