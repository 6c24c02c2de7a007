package daemonsession

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
)

// clientHandshakeTimeout bounds how long a freshly accepted connection
// has to complete the hello exchange before it is dropped.
const clientHandshakeTimeout = 5 * time.Second

// Session is one client connection's state: its channel, whether it has
// completed the handshake, and whether it has subscribed to events.
type Session struct {
	server *Server
	conn   net.Conn
	ch     *rpc.Channel

	mu          sync.Mutex
	handshakeOK bool
	subscribed  bool
	peerCaps    []string
}

func newSession(s *Server, conn net.Conn) *Session {
	sess := &Session{
		server: s,
		conn:   conn,
		ch:     rpc.NewConnChannel(conn, rpc.Ascending),
	}
	return sess
}

// run performs the handshake and then blocks serving requests until the
// channel closes.
func (sess *Session) run() {
	ctx, cancel := context.WithTimeout(context.Background(), clientHandshakeTimeout)
	peerCaps, err := rpc.Respond(ctx, sess.ch, rpc.ResponderConfig{
		Protocol:              rpc.ProtocolVersion,
		ExpectedAuthToken:     "",
		SupportedCapabilities: ClientCapabilities,
		RequiredCapabilities:  []string{"hello", "ping"},
	})
	cancel()
	if err != nil {
		sess.ch.Close(fmt.Errorf("client handshake: %w", err))
		return
	}

	sess.mu.Lock()
	sess.handshakeOK = true
	sess.peerCaps = peerCaps
	sess.mu.Unlock()

	sess.ch.SetHandler(sess.handle)
	<-sess.ch.Done()
}

func (sess *Session) close() {
	sess.ch.Close(fmt.Errorf("server shutting down"))
}

func (sess *Session) isSubscribed() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.subscribed
}

func (sess *Session) deliverEvent(eventType string, payload json.RawMessage) {
	env := map[string]interface{}{
		"type":    eventType,
		"payload": json.RawMessage(payload),
		"ts":      time.Now().UTC(),
	}
	// Notify holds the channel's write mutex for one frame write, and
	// that write blocks while the client is not reading from its socket.
	// A closed channel's Notify simply errors and is dropped here.
	_ = sess.ch.Notify("event", env)
}

// handle is installed as the channel's steady-state request handler
// once the handshake completes. A stray hello is rejected since the
// handshake is one-shot per connection.
func (sess *Session) handle(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.Error) {
	if method == "hello" {
		return nil, rpc.NewError(rpc.CodeHandshakeFailed, "handshake already completed on this connection")
	}

	m, ok := methodTable[method]
	if !ok {
		return nil, rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", method))
	}
	return m(ctx, sess, params)
}
