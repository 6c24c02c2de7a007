// vmdriver is the child process spawned by vmdaemon for each VM run.
// Building the actual VM object is out of scope here; this binary
// implements only the side of the protocol the daemon depends on:
// accepting the daemon's connection, completing the bidirectional
// hello handshake, answering ping, and honoring the liveness contract
// that lets the daemon detect an unreachable driver without probing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
)

const (
	handshakeTimeout = 5 * time.Second
	livenessWindow   = 15 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	socketPath := flag.String("socket-path", "", "unix socket path to listen on for the daemon connection")
	flag.Func("auth-token", "refused: the driver takes its auth token from AUTH_TOKEN only", func(string) error {
		return fmt.Errorf("--auth-token is not accepted; set AUTH_TOKEN in the environment instead")
	})
	flag.Parse()

	if *socketPath == "" {
		log.Fatal("--socket-path is required")
	}
	token := os.Getenv("AUTH_TOKEN")
	if token == "" {
		log.Fatal("AUTH_TOKEN environment variable is required")
	}

	if diskPath := os.Getenv("DISK_PATH"); diskPath != "" {
		log.Printf("disk path: %s (VM construction out of scope)", diskPath)
	}
	if netSock := os.Getenv("NET_SOCKET_PATH"); netSock != "" {
		log.Printf("network data-plane socket: %s (VM construction out of scope)", netSock)
	}

	os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		log.Fatalf("listen on %s: %v", *socketPath, err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		log.Fatalf("accept daemon connection: %v", err)
	}
	ln.Close()

	ch := rpc.NewConnChannel(conn, rpc.Ascending)

	if err := runHandshake(ch, token); err != nil {
		log.Fatalf("handshake: %v", err)
	}
	log.Print("handshake complete")

	watchdog := newLivenessWatchdog(livenessWindow)
	ch.SetHandler(func(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.Error) {
		watchdog.touch()
		return handleRequest(method, params)
	})

	exitCode := waitForExit(ch, watchdog)
	os.Exit(exitCode)
}

func runHandshake(ch *rpc.Channel, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	// Arm the claim on the daemon's own hello before sending ours: the
	// daemon answers our hello and immediately sends its own, and that
	// can reach recvLoop before we'd otherwise get around to waiting
	// for it.
	armed, err := rpc.ArmHelloResponder(ch)
	if err != nil {
		return fmt.Errorf("arm hello responder: %w", err)
	}

	if _, err := rpc.Initiate(ctx, ch, rpc.HelloParams{
		Protocol:             rpc.ProtocolVersion,
		AuthToken:            token,
		Capabilities:         DriverCapabilities,
		RequiredCapabilities: []string{"hello", "ping"},
	}); err != nil {
		return fmt.Errorf("initiate hello: %w", err)
	}

	if _, err := rpc.RespondArmed(ctx, armed, rpc.ResponderConfig{
		Protocol:              rpc.ProtocolVersion,
		ExpectedAuthToken:     "",
		SupportedCapabilities: DriverCapabilities,
		RequiredCapabilities:  []string{"hello", "ping"},
	}); err != nil {
		return fmt.Errorf("respond to daemon hello: %w", err)
	}
	return nil
}

// DriverCapabilities is what this process offers the daemon. VM-
// lifecycle methods forwarded via driver.exec are intentionally absent
// since VM construction is out of scope for this binary.
var DriverCapabilities = []string{"hello", "ping"}

func handleRequest(method string, params json.RawMessage) (interface{}, *rpc.Error) {
	switch method {
	case "ping":
		return map[string]interface{}{"ok": true}, nil
	case "hello":
		result, rpcErr := rpc.Rehello(params, DriverCapabilities)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return result, nil
	default:
		return nil, rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", method))
	}
}

// livenessWatchdog tracks the time of the last authenticated daemon
// request and reports whether the 15-second silence window has
// elapsed.
type livenessWatchdog struct {
	window    time.Duration
	mu        sync.Mutex
	lastEvent time.Time
}

func newLivenessWatchdog(window time.Duration) *livenessWatchdog {
	return &livenessWatchdog{window: window, lastEvent: timeNow()}
}

func (w *livenessWatchdog) touch() {
	w.mu.Lock()
	w.lastEvent = timeNow()
	w.mu.Unlock()
}

func (w *livenessWatchdog) expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return timeNow().Sub(w.lastEvent) >= w.window
}

func timeNow() time.Time { return time.Now() }

// waitForExit blocks until either the control channel closes (EOF or a
// framing error) or the liveness watchdog's window elapses with no
// authenticated daemon request. Both conditions
// are non-zero-exit per the driver's liveness contract.
func waitForExit(ch *rpc.Channel, watchdog *livenessWatchdog) int {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ch.Done():
			log.Print("control channel closed, exiting")
			return 1
		case <-ticker.C:
			if watchdog.expired() {
				log.Print("no authenticated daemon request within the liveness window, exiting")
				return 1
			}
		}
	}
}
