package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gaovm/gaovm/internal/frame"
)

// Transport is the minimal byte-stream contract a Channel rides on.
// Closing it must unblock any in-flight Recv with an error.
type Transport interface {
	io.Writer
	io.Closer
}

// FrameReader decodes successive top-level JSON frames off a Transport.
// *frame.Reader satisfies this.
type FrameReader interface {
	ReadMessage() (json.RawMessage, error)
}

// IDDirection selects how a Channel mints its own outbound request ids,
// so daemon-to-driver ids and client-originated ids never collide.
type IDDirection int

const (
	// Ascending mints 1, 2, 3, ... — used by clients and by driver-
	// initiated requests toward the daemon.
	Ascending IDDirection = iota
	// Descending mints -1, -2, -3, ... — used by the daemon for its
	// driver-directed requests.
	Descending
)

// Handler answers an inbound request after the one-shot waiters have
// had a chance to claim it. It returns either a result (marshaled into
// the response) or an *Error.
type Handler func(ctx context.Context, method string, params json.RawMessage) (result interface{}, rpcErr *Error)

// Channel is a bidirectional JSON-RPC conversation over one framed
// stream. It serializes all outbound writes through a single mutex so
// concurrent callers never interleave bytes, and classifies inbound
// frames into responses (complete a pending future), one-shot waiters
// (claimed by method name), or dispatched requests/notifications.
type Channel struct {
	tx Transport
	rx FrameReader

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *envelope
	waiters map[string]chan *envelope
	handler Handler
	nextID  int64
	dir     IDDirection
	closed  bool
	closeErr error
	done    chan struct{}

	notifHandler func(method string, params json.RawMessage)
}

// New constructs a Channel. recvLoop is started immediately; callers
// must call Close when done, even after an error, to release the
// goroutine.
func New(tx Transport, rx FrameReader, dir IDDirection) *Channel {
	c := &Channel{
		tx:      tx,
		rx:      rx,
		pending: make(map[string]chan *envelope),
		waiters: make(map[string]chan *envelope),
		dir:     dir,
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// SetHandler installs (or replaces) the steady-state inbound request
// handler. Requests that match an active one-shot waiter never reach
// it.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetNotificationHandler installs a callback invoked for inbound
// notifications (messages with a method but no id).
func (c *Channel) SetNotificationHandler(h func(method string, params json.RawMessage)) {
	c.mu.Lock()
	c.notifHandler = h
	c.mu.Unlock()
}

func (c *Channel) mintID() json.RawMessage {
	c.mu.Lock()
	c.nextID++
	n := c.nextID
	c.mu.Unlock()
	if c.dir == Descending {
		n = -n
	}
	b, _ := json.Marshal(n)
	return b
}

// Call sends a request and blocks until the matching response arrives,
// ctx is cancelled, or the channel closes.
func (c *Channel) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, *Error, error) {
	id := c.mintID()
	paramsRaw, err := marshalParams(params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal params: %w", err)
	}

	respCh := make(chan *envelope, 1)
	key := idKey(id)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, c.closeErrLocked()
	}
	c.pending[key] = respCh
	c.mu.Unlock()

	msg := &envelope{JSONRPC: "2.0", ID: id, Method: method, Params: paramsRaw}
	if err := c.send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, nil, ctx.Err()
	case env, ok := <-respCh:
		if !ok {
			return nil, nil, c.closeErrLocked()
		}
		if env.Error != nil {
			return nil, env.Error, nil
		}
		return env.Result, nil, nil
	case <-c.done:
		return nil, nil, c.closeErrLocked()
	}
}

// Notify sends a one-way notification (no id, no response expected).
func (c *Channel) Notify(method string, params interface{}) error {
	paramsRaw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return c.send(&envelope{JSONRPC: "2.0", Method: method, Params: paramsRaw})
}

// ArmedRequest is a one-shot claim on the next inbound request for a
// given method, registered synchronously so the caller can safely send
// its own outbound message afterward without racing the peer's reply.
type ArmedRequest struct {
	c      *Channel
	method string
	ch     chan *envelope
}

// ArmRequest registers the claim immediately (before returning) and
// hands back a handle whose Wait blocks for the matching request.
// Splitting registration from waiting lets a caller arm its inbound
// claim before sending anything that might provoke an immediate reply
// from the peer, closing the window WaitForRequest alone leaves open.
func (c *Channel) ArmRequest(method string) (*ArmedRequest, error) {
	ch := make(chan *envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErrLocked()
	}
	c.waiters[method] = ch
	c.mu.Unlock()
	return &ArmedRequest{c: c, method: method, ch: ch}, nil
}

// Wait blocks until the armed request arrives, ctx is cancelled, or the
// channel closes.
func (a *ArmedRequest) Wait(ctx context.Context) (id json.RawMessage, params json.RawMessage, err error) {
	c := a.c
	select {
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiters[a.method] == a.ch {
			delete(c.waiters, a.method)
		}
		c.mu.Unlock()
		return nil, nil, ctx.Err()
	case env, ok := <-a.ch:
		if !ok {
			return nil, nil, c.closeErrLocked()
		}
		return env.ID, env.Params, nil
	case <-c.done:
		return nil, nil, c.closeErrLocked()
	}
}

// WaitForRequest registers a one-shot claim on the next inbound request
// for the given method, bypassing the steady-state handler, and blocks
// for it. Used during the handshake to intercept a peer's opening hello
// before the regular handler is installed. Returns the request's id and
// params. Equivalent to ArmRequest followed immediately by Wait; callers
// that need to send something between registering and waiting should
// use ArmRequest directly instead.
func (c *Channel) WaitForRequest(ctx context.Context, method string) (id json.RawMessage, params json.RawMessage, err error) {
	armed, err := c.ArmRequest(method)
	if err != nil {
		return nil, nil, err
	}
	return armed.Wait(ctx)
}

// Reply sends a success or error response for a request previously
// received via the handler or WaitForRequest.
func (c *Channel) Reply(id json.RawMessage, result interface{}, rpcErr *Error) error {
	msg := &envelope{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		msg.Result = raw
	}
	return c.send(msg)
}

func (c *Channel) send(msg *envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeErrLocked()
	}
	c.mu.Unlock()
	return writeEnvelope(c.tx, msg)
}

// Close tears down the channel, failing every pending Call and
// WaitForRequest. Close is idempotent.
func (c *Channel) Close(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if cause == nil {
		cause = fmt.Errorf("channel closed")
	}
	c.closeErr = cause
	pending := c.pending
	waiters := c.waiters
	c.pending = nil
	c.waiters = nil
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range waiters {
		close(ch)
	}
	return c.tx.Close()
}

func (c *Channel) closeErrLocked() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return fmt.Errorf("channel closed")
}

// Done returns a channel closed once the Channel has terminated.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) recvLoop() {
	for {
		raw, err := c.rx.ReadMessage()
		if err != nil {
			c.Close(fmt.Errorf("recv: %w", err))
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.Close(fmt.Errorf("decode envelope: %w", err))
			return
		}
		c.dispatch(&env)
	}
}

func (c *Channel) dispatch(env *envelope) {
	switch {
	case env.isResponse():
		key := idKey(env.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	case env.isRequest():
		c.mu.Lock()
		waiter, ok := c.waiters[env.Method]
		if ok {
			delete(c.waiters, env.Method)
		}
		handler := c.handler
		c.mu.Unlock()
		if ok {
			waiter <- env
			return
		}
		go c.handleRequest(handler, env)
	case env.isNotification():
		c.mu.Lock()
		nh := c.notifHandler
		c.mu.Unlock()
		if nh != nil {
			go nh(env.Method, env.Params)
		}
	}
}

func (c *Channel) handleRequest(handler Handler, env *envelope) {
	if handler == nil {
		// No steady-state handler has been installed yet, which only
		// happens before the handshake completes (both sides install
		// one as their very last handshake step). Any request other
		// than the hello itself — which is claimed by a waiter before
		// it ever reaches here — means the peer jumped ahead.
		c.Reply(env.ID, nil, NewError(CodeHandshakeFailed, fmt.Sprintf("handshake not complete: method %q rejected", env.Method)))
		return
	}
	result, rpcErr := handler(context.Background(), env.Method, env.Params)
	c.Reply(env.ID, result, rpcErr)
}

func writeEnvelope(w io.Writer, msg *envelope) error {
	return frame.WriteMessage(w, msg)
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
