package netstack

import "testing"

func TestSocketPathRoundTrip(t *testing.T) {
	s := &Stack{socketPath: "/tmp/example/net.sock"}
	if got := s.SocketPath(); got != "/tmp/example/net.sock" {
		t.Fatalf("SocketPath() = %q, want %q", got, "/tmp/example/net.sock")
	}
}
