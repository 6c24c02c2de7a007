// Package daemonsession implements the daemon side of the client-facing
// control socket: connection accept loop, per-session handshake and
// method dispatch, and event fan-out to subscribed sessions.
package daemonsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/gaovm/gaovm/internal/auditlog"
	"github.com/gaovm/gaovm/internal/supervisor"
	"github.com/gaovm/gaovm/internal/vmconfig"
)

// ClientCapabilities is what the daemon offers clients during hello.
// vm.audit.list is an addition beyond the documented client capability
// set, exposed the same way as every other first-class method.
var ClientCapabilities = []string{
	"hello", "ping", "subscribe_events", "doctor", "driver.exec",
	"list_vms", "vm.start", "vm.stop", "vm.status",
	"vm.open_display", "vm.close_display",
	"vm.config.get", "vm.config.set", "vm.config.patch",
	"vm.audit.list",
}

// Server accepts client connections on a unix socket and dispatches
// their requests against a single managed VM.
type Server struct {
	socketPath  string
	supervisor  *supervisor.Supervisor
	configStore *vmconfig.Store
	audit       *auditlog.Log

	mu       sync.Mutex
	sessions map[*Session]struct{}

	ln net.Listener
}

func NewServer(socketPath string, sv *supervisor.Supervisor, store *vmconfig.Store, audit *auditlog.Log) *Server {
	return &Server{
		socketPath:  socketPath,
		supervisor:  sv,
		configStore: store,
		audit:       audit,
		sessions:    make(map[*Session]struct{}),
	}
}

// Start removes any stale socket and begins accepting connections.
func (s *Server) Start() error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.ln = ln

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sess := newSession(s, conn)
	s.register(sess)
	defer s.unregister(sess)
	sess.run()
}

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// BroadcastEvent appends the event to the audit log (when one is set)
// and sends it to every subscribed session in turn. Each delivery is a
// synchronous frame write on that session's socket, so a client that
// stops reading blocks the broadcaster until the write completes or
// the session's channel closes; events are not buffered or dropped per
// session. A session whose channel is already closed drops the event.
func (s *Server) BroadcastEvent(eventType string, payload interface{}) {
	if s.audit != nil {
		s.audit.Append(eventType, payload)
	}

	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.isSubscribed() {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, sess := range targets {
		sess.deliverEvent(eventType, data)
	}
}

// Stop closes the listener and every active session.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
	return err
}

func (s *Server) logf(format string, args ...interface{}) {
	log.Printf(format, args...)
}
