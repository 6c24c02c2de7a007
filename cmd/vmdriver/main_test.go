package main

import (
	"testing"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
)

func TestHandleRequestPing(t *testing.T) {
	result, rpcErr := handleRequest("ping", nil)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	m, ok := result.(map[string]interface{})
	if !ok || m["ok"] != true {
		t.Errorf("handleRequest(ping) = %#v, want ok:true", result)
	}
}

func TestHandleRequestRepeatHelloAnswered(t *testing.T) {
	result, rpcErr := handleRequest("hello", nil)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	hr, ok := result.(*rpc.HelloResult)
	if !ok || hr.Protocol != rpc.ProtocolVersion {
		t.Errorf("handleRequest(hello) = %#v, want a HelloResult echoing %q", result, rpc.ProtocolVersion)
	}
}

func TestHandleRequestUnknownMethod(t *testing.T) {
	_, rpcErr := handleRequest("vm.frobnicate", nil)
	if rpcErr == nil || rpcErr.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", rpcErr)
	}
}

func TestLivenessWatchdogNotExpiredImmediately(t *testing.T) {
	w := newLivenessWatchdog(15 * time.Second)
	if w.expired() {
		t.Error("watchdog should not be expired right after construction")
	}
}

func TestLivenessWatchdogExpiresAfterWindow(t *testing.T) {
	w := newLivenessWatchdog(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if !w.expired() {
		t.Error("watchdog should be expired after its window elapses")
	}
}

func TestLivenessWatchdogTouchResetsWindow(t *testing.T) {
	w := newLivenessWatchdog(30 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	w.touch()
	time.Sleep(20 * time.Millisecond)
	if w.expired() {
		t.Error("a touch within the window should reset the deadline")
	}
}
