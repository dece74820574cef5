// Package rpc implements request/response calls between elbus clients.
// Calls travel as unicast messages with QoS processed; each request carries
// a correlation id that the reply or error echoes back. A caller watches its
// target for the duration of a call, so a target that deregisters fails the
// call with elbus.ErrPeerGone instead of leaving it to time out.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/vitalvas/elbus"
)

// Peer is the client an endpoint runs on. Both *elbus.ClientHandle and
// *elbus.Client implement it.
type Peer interface {
	Name() string
	Send(ctx context.Context, target string, payload []byte, qos elbus.QoS) error
	Recv(ctx context.Context) (*elbus.Frame, error)
	Watch(ctx context.Context, target string) error
	Unwatch(ctx context.Context, target string) error
}

// Call results recorded in metrics.
const (
	resultOK       = "ok"
	resultError    = "error"
	resultTimeout  = "timeout"
	resultPeerGone = "peer_gone"
	resultClosed   = "closed"
)

type callResult struct {
	data []byte
	err  error
}

type pendingCall struct {
	target string
	ch     chan callResult
}

// Endpoint sends calls and serves handlers over one Peer. It owns the
// peer's receive side: all frames are read by the endpoint and anything
// that is not an RPC message goes to the frame handler.
type Endpoint struct {
	peer    Peer
	config  *config
	logger  elbus.Logger
	pool    *elbus.WorkerPool
	ownPool bool
	release func()

	mu       sync.Mutex
	pending  map[uint32]*pendingCall
	nextID   uint32
	handlers map[string]Handler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewEndpoint starts an endpoint on peer.
func NewEndpoint(peer Peer, opts ...Option) *Endpoint {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		peer:     peer,
		config:   cfg,
		logger:   cfg.logger.WithFields(elbus.LogFields{elbus.LogFieldClient: peer.Name()}),
		pool:     cfg.pool,
		pending:  make(map[uint32]*pendingCall),
		handlers: cfg.handlers,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    taskgroup.New(nil),
		done:     make(chan struct{}),
	}
	if e.pool == nil {
		e.pool = elbus.NewWorkerPool(cfg.workers)
		e.ownPool = true
	}

	e.tasks.Go(func() error {
		e.shutdown(e.receive())
		return nil
	})
	return e
}

// Name returns the name of the underlying client.
func (e *Endpoint) Name() string {
	return e.peer.Name()
}

// Handle installs h for method, replacing any earlier handler.
func (e *Endpoint) Handle(method string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
}

// HandleFunc installs fn for method.
func (e *Endpoint) HandleFunc(method string, fn func(ctx context.Context, req *Request) ([]byte, error)) {
	e.Handle(method, HandlerFunc(fn))
}

// Call invokes method on target and returns the reply. Without a deadline
// on ctx the endpoint timeout applies.
func (e *Endpoint) Call(ctx context.Context, target, method string, params []byte) ([]byte, error) {
	return e.call(ctx, target, method, params)
}

// CallTimeout is Call with an explicit timeout.
func (e *Endpoint) CallTimeout(target, method string, params []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.call(ctx, target, method, params)
}

// Call0 checks that target runs an endpoint. The remote endpoint answers
// without invoking a handler.
func (e *Endpoint) Call0(ctx context.Context, target string) error {
	_, err := e.call(ctx, target, "", nil)
	return err
}

// CallValue encodes in as CBOR params, calls method and decodes the
// result into out. A nil out discards the result.
func (e *Endpoint) CallValue(ctx context.Context, target, method string, in, out any) error {
	var params []byte
	if in != nil {
		var err error
		if params, err = Marshal(in); err != nil {
			return err
		}
	}
	data, err := e.call(ctx, target, method, params)
	if err != nil || out == nil {
		return err
	}
	return Unmarshal(data, out)
}

// Invoke runs method on target without waiting for a reply. Like Notify
// it is sent with QoS no.
func (e *Endpoint) Invoke(ctx context.Context, target, method string, params []byte) error {
	payload := EncodeEnvelope(&Envelope{Kind: KindRequest, Method: method, Data: params})
	return e.peer.Send(ctx, target, payload, elbus.QoSNo)
}

// Notify sends a notification to target.
func (e *Endpoint) Notify(ctx context.Context, target string, payload []byte) error {
	return e.peer.Send(ctx, target, EncodeEnvelope(&Envelope{Kind: KindNotification, Data: payload}), elbus.QoSNo)
}

// Pending returns the number of calls waiting for a reply.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Done is closed when the endpoint stops receiving.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Err returns the error that stopped the endpoint. It is nil after Close.
func (e *Endpoint) Err() error {
	<-e.done
	return e.err
}

// Close stops the endpoint, fails pending calls with ErrEndpointClosed and
// waits for running handlers when the endpoint owns its pool.
func (e *Endpoint) Close() error {
	e.cancel()
	e.tasks.Wait()
	if e.ownPool {
		e.pool.Close()
	}
	if e.release != nil {
		e.release()
	}
	return nil
}

func (e *Endpoint) call(ctx context.Context, target, method string, params []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.timeout)
		defer cancel()
	}

	start := time.Now()
	data, err := e.roundTrip(ctx, target, method, params)
	e.config.metrics.RPCCall(resultLabel(err), time.Since(start))
	return data, err
}

func (e *Endpoint) roundTrip(ctx context.Context, target, method string, params []byte) ([]byte, error) {
	id, pc, err := e.addPending(target)
	if err != nil {
		return nil, err
	}
	defer e.removePending(id)

	if err := e.peer.Watch(ctx, target); err != nil {
		return nil, err
	}
	defer e.peer.Unwatch(context.WithoutCancel(ctx), target)

	payload := EncodeEnvelope(&Envelope{Kind: KindRequest, ID: id, Method: method, Data: params})
	if err := e.peer.Send(ctx, target, payload, elbus.QoSProcessed); err != nil {
		return nil, err
	}

	select {
	case r := <-pc.ch:
		return r.data, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, elbus.NewClientError(elbus.ErrTimeout, target)
		}
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrEndpointClosed
	}
}

// addPending allocates the next free non-zero call id.
func (e *Endpoint) addPending(target string) (uint32, *pendingCall, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, nil, ErrEndpointClosed
	}
	for {
		e.nextID++
		if e.nextID == 0 {
			continue
		}
		if _, used := e.pending[e.nextID]; !used {
			break
		}
	}
	pc := &pendingCall{target: target, ch: make(chan callResult, 1)}
	e.pending[e.nextID] = pc
	return e.nextID, pc, nil
}

func (e *Endpoint) removePending(id uint32) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// complete resolves call id. Replies from anyone but the call target are ignored.
func (e *Endpoint) complete(sender string, id uint32, r callResult) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if ok && pc.target == sender {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok || pc.target != sender {
		e.logger.Debug("orphan reply", elbus.LogFields{elbus.LogFieldTarget: sender})
		return
	}
	pc.ch <- r
}

// failTarget fails every call pending on target.
func (e *Endpoint) failTarget(target string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, pc := range e.pending {
		if pc.target == target {
			delete(e.pending, id)
			pc.ch <- callResult{err: err}
		}
	}
}

func (e *Endpoint) shutdown(err error) {
	e.closeOnce.Do(func() {
		if e.ctx.Err() != nil {
			err = nil
		}
		e.mu.Lock()
		e.closed = true
		for id, pc := range e.pending {
			delete(e.pending, id)
			pc.ch <- callResult{err: ErrEndpointClosed}
		}
		e.mu.Unlock()

		e.err = err
		close(e.done)
	})
}

func (e *Endpoint) receive() error {
	for {
		f, err := e.peer.Recv(e.ctx)
		if err != nil {
			return err
		}
		e.dispatch(f)
	}
}

func (e *Endpoint) dispatch(f *elbus.Frame) {
	switch f.Kind {
	case elbus.FramePeerGone:
		e.failTarget(f.Sender, elbus.NewClientError(elbus.ErrPeerGone, f.Sender))
		return
	case elbus.FrameMessage:
	default:
		e.frame(f)
		return
	}

	env, err := DecodeEnvelope(f.Payload)
	if err != nil {
		e.frame(f)
		return
	}

	switch env.Kind {
	case KindNotification:
		if fn := e.config.onNotify; fn != nil {
			n := &Notification{Sender: f.Sender, Payload: env.Data}
			e.spawn(func() { fn(e.ctx, n) })
		}
	case KindRequest:
		e.serve(f.Sender, env)
	case KindReply:
		e.complete(f.Sender, env.ID, callResult{data: env.Data})
	case KindError:
		e.complete(f.Sender, env.ID, callResult{err: &Error{Code: env.Code, Data: env.Data}})
	}
}

func (e *Endpoint) frame(f *elbus.Frame) {
	if fn := e.config.onFrame; fn != nil {
		e.spawn(func() { fn(e.ctx, f) })
	}
}

func (e *Endpoint) serve(sender string, env *Envelope) {
	req := &Request{ID: env.ID, Sender: sender, Method: env.Method, Params: env.Data}

	if req.Method == "" {
		if req.ID != 0 {
			e.spawn(func() { e.reply(req, nil, nil) })
		}
		return
	}

	e.mu.Lock()
	h := e.handlers[req.Method]
	e.mu.Unlock()

	e.spawn(func() {
		var (
			data []byte
			err  error
		)
		if h == nil {
			err = ErrMethodNotFound
		} else {
			data, err = e.invoke(h, req)
		}
		if req.ID == 0 {
			if err != nil {
				e.logger.Debug("handler failed", elbus.LogFields{
					elbus.LogFieldTarget: req.Sender,
					elbus.LogFieldMethod: req.Method,
					elbus.LogFieldError:  err.Error(),
				})
			}
			return
		}
		e.reply(req, data, err)
	})
}

func (e *Endpoint) invoke(h Handler, req *Request) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(CodeInternal, "panic: %v", r)
		}
	}()
	return h.ServeRPC(e.ctx, req)
}

func (e *Endpoint) reply(req *Request, data []byte, err error) {
	env := &Envelope{Kind: KindReply, ID: req.ID, Data: data}
	if err != nil {
		re := errorFor(err)
		env = &Envelope{Kind: KindError, ID: req.ID, Code: re.Code, Data: re.Data}
	}
	if err := e.peer.Send(e.ctx, req.Sender, EncodeEnvelope(env), elbus.QoSProcessed); err != nil {
		e.logger.Debug("reply failed", elbus.LogFields{
			elbus.LogFieldTarget: req.Sender,
			elbus.LogFieldError:  err.Error(),
		})
	}
}

// spawn runs task on the pool. When every worker is busy the task waits in
// its own goroutine so the receive loop keeps resolving replies.
func (e *Endpoint) spawn(task func()) {
	if e.pool.TrySubmit(task) {
		return
	}
	e.tasks.Go(func() error {
		if err := e.pool.Submit(e.ctx, task); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("task dropped", elbus.LogFields{elbus.LogFieldError: err.Error()})
		}
		return nil
	})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, elbus.ErrTimeout):
		return resultTimeout
	case errors.Is(err, elbus.ErrPeerGone):
		return resultPeerGone
	case errors.Is(err, ErrEndpointClosed):
		return resultClosed
	default:
		return resultError
	}
}

// String describes the endpoint for logs.
func (e *Endpoint) String() string {
	return fmt.Sprintf("rpc.Endpoint(%s)", e.peer.Name())
}
