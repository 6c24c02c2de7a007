package daemonsession

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
	"github.com/gaovm/gaovm/internal/supervisor"
	"github.com/gaovm/gaovm/internal/vmconfig"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	store := vmconfig.NewStore(dir, nil)
	sv, err := supervisor.New(supervisor.Config{
		StateDir:    dir,
		DriverBin:   filepath.Join(dir, "nonexistent-driver-binary"),
		ConfigStore: store,
	})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(func() { sv.Shutdown(context.Background()) })
	return NewServer(filepath.Join(dir, "daemon.sock"), sv, store, nil)
}

// dialTestSession wires a daemon-side Session directly to an in-memory
// net.Pipe, skipping the unix-socket listener, and returns a client
// channel already through the hello handshake.
func dialTestSession(t *testing.T, s *Server) *rpc.Channel {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	sess := newSession(s, serverConn)
	go sess.run()

	clientCh := rpc.NewConnChannel(clientConn, rpc.Ascending)
	t.Cleanup(func() { clientCh.Close(nil) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := rpc.Initiate(ctx, clientCh, rpc.HelloParams{
		Protocol:             rpc.ProtocolVersion,
		Capabilities:         []string{"hello", "ping"},
		RequiredCapabilities: []string{"hello", "ping"},
	}); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	return clientCh
}

func callAndDecode(t *testing.T, ch *rpc.Channel, method string, params interface{}, out interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, rpcErr, err := ch.Call(ctx, method, params)
	if err != nil {
		t.Fatalf("%s: transport error: %v", method, err)
	}
	if rpcErr != nil {
		t.Fatalf("%s: rpc error: %+v", method, rpcErr)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s: decode result: %v", method, err)
		}
	}
}

func TestPingAfterHandshake(t *testing.T) {
	s := newTestServer(t)
	ch := dialTestSession(t, s)

	var result struct {
		OK bool `json:"ok"`
	}
	callAndDecode(t, ch, "ping", nil, &result)
	if !result.OK {
		t.Error("expected ok:true from ping")
	}
}

func TestMethodBeforeHandshakeRejected(t *testing.T) {
	s := newTestServer(t)
	serverConn, clientConn := net.Pipe()
	sess := newSession(s, serverConn)
	go sess.run()

	clientCh := rpc.NewConnChannel(clientConn, rpc.Ascending)
	defer clientCh.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, rpcErr, err := clientCh.Call(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if rpcErr == nil {
		t.Fatal("expected an error calling ping before handshake completes")
	}
	if rpcErr.Code != rpc.CodeHandshakeFailed {
		t.Errorf("error code = %d, want %d (CodeHandshakeFailed)", rpcErr.Code, rpc.CodeHandshakeFailed)
	}
}

func TestVMStatusReflectsStoppedByDefault(t *testing.T) {
	s := newTestServer(t)
	ch := dialTestSession(t, s)

	var status supervisor.Status
	callAndDecode(t, ch, "vm.status", nil, &status)
	if status.Desired != supervisor.DesiredStopped {
		t.Errorf("Desired = %q, want %q", status.Desired, supervisor.DesiredStopped)
	}
	if status.Actual != supervisor.ActualAbsent {
		t.Errorf("Actual = %q, want %q", status.Actual, supervisor.ActualAbsent)
	}
}

func TestListVMsReturnsSingleEntry(t *testing.T) {
	s := newTestServer(t)
	ch := dialTestSession(t, s)

	var vms []map[string]interface{}
	callAndDecode(t, ch, "list_vms", nil, &vms)
	if len(vms) != 1 {
		t.Fatalf("expected exactly one VM entry, got %d", len(vms))
	}
}

func TestConfigGetReturnsDefaultCurrent(t *testing.T) {
	s := newTestServer(t)
	ch := dialTestSession(t, s)

	var result struct {
		Current    vmconfig.Config `json:"current"`
		HasPending bool            `json:"hasPending"`
	}
	callAndDecode(t, ch, "vm.config.get", nil, &result)
	if result.HasPending {
		t.Error("expected hasPending false with no config.json written")
	}
	if result.Current.CPU != vmconfig.Default().CPU {
		t.Errorf("Current.CPU = %d, want default %d", result.Current.CPU, vmconfig.Default().CPU)
	}
}

func TestConfigPatchInvalidCPURejected(t *testing.T) {
	s := newTestServer(t)
	ch := dialTestSession(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, rpcErr, err := ch.Call(ctx, "vm.config.patch", map[string]interface{}{
		"patch": map[string]interface{}{"cpu": 0},
	})
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if rpcErr == nil {
		t.Fatal("expected an invalid-params error for cpu: 0")
	}
	if rpcErr.Code != rpc.CodeInvalidParams {
		t.Errorf("error code = %d, want %d", rpcErr.Code, rpc.CodeInvalidParams)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	ch := dialTestSession(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, rpcErr, err := ch.Call(ctx, "vm.frobnicate", nil)
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if rpcErr == nil || rpcErr.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", rpcErr)
	}
}

func TestAuditListWithNoAuditLogReturnsEmpty(t *testing.T) {
	s := newTestServer(t)
	ch := dialTestSession(t, s)

	var events []map[string]interface{}
	callAndDecode(t, ch, "vm.audit.list", map[string]interface{}{"limit": 10}, &events)
	if len(events) != 0 {
		t.Errorf("expected no events with a nil audit log, got %d", len(events))
	}
}

func TestOpenDisplayRejectedWhenNotRunning(t *testing.T) {
	s := newTestServer(t)
	ch := dialTestSession(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, rpcErr, err := ch.Call(ctx, "vm.open_display", nil)
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if rpcErr == nil {
		t.Fatal("expected an error opening the display while the vm is not running")
	}
}

func TestSubscribeEventsMarksSession(t *testing.T) {
	s := newTestServer(t)
	serverConn, clientConn := net.Pipe()
	sess := newSession(s, serverConn)
	go sess.run()
	clientCh := rpc.NewConnChannel(clientConn, rpc.Ascending)
	defer clientCh.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := rpc.Initiate(ctx, clientCh, rpc.HelloParams{
		Protocol:             rpc.ProtocolVersion,
		Capabilities:         []string{"hello", "ping", "subscribe_events"},
		RequiredCapabilities: []string{"hello", "ping"},
	}); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	callAndDecode(t, clientCh, "subscribe_events", nil, nil)
	if !sess.isSubscribed() {
		t.Error("expected session to be marked subscribed")
	}
}
