package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
	"github.com/gaovm/gaovm/internal/vmconfig"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	store := vmconfig.NewStore(dir, nil)
	sv, err := New(Config{
		StateDir:    dir,
		DriverBin:   filepath.Join(dir, "nonexistent-driver-binary"),
		ConfigStore: store,
		OnEvent:     func(string, interface{}) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { close(sv.reconcileStop) })
	return sv
}

func TestBackoffDelaySequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // attempt 6 would exceed the cap if ever reached
	}
	for i, w := range want {
		attempt := i + 1
		if got := backoffDelay(attempt); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestScheduleRestartPermanentFailureAfterMaxAttempts(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.mu.Lock()
	sv.desired = DesiredRunning
	sv.restartAttempts = MaxRestartAttempts
	sv.mu.Unlock()

	sv.scheduleRestart()

	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.desired != DesiredStopped {
		t.Errorf("desired = %q, want %q after exhausting restart attempts", sv.desired, DesiredStopped)
	}
	if sv.lastFailure == nil {
		t.Error("expected lastFailure to be set on permanent failure")
	}
}

func TestScheduleRestartNoopWhenDesiredStopped(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.mu.Lock()
	sv.desired = DesiredStopped
	sv.mu.Unlock()

	sv.scheduleRestart()

	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.restartPending {
		t.Error("restartPending should remain false when desired is stopped")
	}
}

func TestScheduleRestartIgnoresConcurrentCalls(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.mu.Lock()
	sv.desired = DesiredRunning
	sv.mu.Unlock()

	sv.scheduleRestart()
	sv.mu.Lock()
	firstAttempts := sv.restartAttempts
	if sv.restartTimer != nil {
		sv.restartTimer.Stop()
	}
	sv.mu.Unlock()

	sv.scheduleRestart() // restartPending is already true, should be a no-op

	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.restartAttempts != firstAttempts {
		t.Errorf("restartAttempts changed on concurrent scheduleRestart call: %d -> %d", firstAttempts, sv.restartAttempts)
	}
}

func TestStatusReflectsDesiredAndActual(t *testing.T) {
	sv := newTestSupervisor(t)
	status := sv.Status()
	if status.Desired != DesiredStopped {
		t.Errorf("Desired = %q, want %q", status.Desired, DesiredStopped)
	}
	if status.Actual != ActualAbsent {
		t.Errorf("Actual = %q, want %q", status.Actual, ActualAbsent)
	}
	if status.MaxRestartAttempts != MaxRestartAttempts {
		t.Errorf("MaxRestartAttempts = %d, want %d", status.MaxRestartAttempts, MaxRestartAttempts)
	}
}

func TestDoctorReportsMissingDriverBinary(t *testing.T) {
	sv := newTestSupervisor(t)
	d := sv.Doctor()
	if d.DriverBinExists {
		t.Error("expected DriverBinExists false for a nonexistent path")
	}
	if d.StateDirExists != true {
		t.Error("expected StateDirExists true for the test's temp dir")
	}
}

func TestStopWhenAlreadyAbsentReturnsImmediately(t *testing.T) {
	sv := newTestSupervisor(t)
	status := sv.Stop(context.Background())
	if status.Desired != DesiredStopped {
		t.Errorf("Desired = %q, want %q", status.Desired, DesiredStopped)
	}
}

func TestClassifyDiskPathWithoutClassifierInstalled(t *testing.T) {
	prev := looksLikeImageRef
	looksLikeImageRef = nil
	defer func() { looksLikeImageRef = prev }()

	if _, ok := classifyDiskPath("docker.io/library/alpine:3.19"); ok {
		t.Error("expected classifyDiskPath to report false with no classifier installed")
	}
}

func TestClassifyDiskPathWithClassifierInstalled(t *testing.T) {
	prev := looksLikeImageRef
	SetImageRefClassifier(func(s string) bool { return s == "ref" })
	defer func() { looksLikeImageRef = prev }()

	if _, ok := classifyDiskPath("ref"); !ok {
		t.Error("expected classifyDiskPath to report true for a matching ref")
	}
	if _, ok := classifyDiskPath("/abs/path"); ok {
		t.Error("expected classifyDiskPath to report false for a non-matching path")
	}
}

func TestHandleDriverRequestPing(t *testing.T) {
	sv := newTestSupervisor(t)
	result, rpcErr := sv.handleDriverRequest(context.Background(), "ping", nil)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	m, ok := result.(map[string]interface{})
	if !ok || m["ok"] != true {
		t.Errorf("handleDriverRequest(ping) = %#v, want ok:true", result)
	}
}

func TestHandleDriverRequestRepeatHelloAnswered(t *testing.T) {
	sv := newTestSupervisor(t)
	result, rpcErr := sv.handleDriverRequest(context.Background(), "hello", nil)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	hr, ok := result.(*rpc.HelloResult)
	if !ok || hr.Protocol != rpc.ProtocolVersion {
		t.Errorf("handleDriverRequest(hello) = %#v, want a HelloResult echoing %q", result, rpc.ProtocolVersion)
	}
}

func TestHandleDriverRequestUnknownMethod(t *testing.T) {
	sv := newTestSupervisor(t)
	_, rpcErr := sv.handleDriverRequest(context.Background(), "vm.frobnicate", nil)
	if rpcErr == nil || rpcErr.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", rpcErr)
	}
}
