// vmctl is the CLI client for vmdaemon: a thin wrapper over the
// client-facing JSON-RPC socket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
	"github.com/gaovm/gaovm/internal/version"
)

func dialUnix(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return conn, nil
}

const exitUsage = 2

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("vmctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	socketPath := fs.String("socket-path", defaultSocketPath(), "unix socket path for the daemon")
	verbose := fs.Bool("verbose", false, "print each request's method and params and each response's result")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage()
		return exitUsage
	}
	cmd, rest := rest[0], rest[1:]
	if cmd == "help" || cmd == "--help" || cmd == "-h" {
		usage()
		return 0
	}
	if cmd == "version" || cmd == "--version" {
		fmt.Println(version.Version())
		return 0
	}
	if !validCommands[cmd] {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ch, err := dial(ctx, *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer ch.Close(nil)

	client := &client{ch: ch, verbose: *verbose}

	switch cmd {
	case "ping":
		return client.simple(ctx, "ping", nil)
	case "status":
		return client.simple(ctx, "vm.status", nil)
	case "list":
		return client.simple(ctx, "list_vms", nil)
	case "doctor":
		return client.simple(ctx, "doctor", nil)
	case "start":
		return client.simple(ctx, "vm.start", nil)
	case "stop":
		return client.simple(ctx, "vm.stop", nil)
	case "open-display":
		return client.simple(ctx, "vm.open_display", nil)
	case "close-display":
		return client.simple(ctx, "vm.close_display", nil)
	case "config-get":
		return client.simple(ctx, "vm.config.get", nil)
	case "config-set":
		return client.configSetOrPatch(ctx, "vm.config.set", "config", rest)
	case "config-patch":
		return client.configSetOrPatch(ctx, "vm.config.patch", "patch", rest)
	case "driver-exec":
		return client.driverExec(ctx, rest)
	case "audit":
		return client.auditList(ctx, rest)
	case "events":
		return client.events(ctx)
	default:
		// unreachable: cmd was already checked against validCommands
		return exitUsage
	}
}

var validCommands = map[string]bool{
	"ping": true, "status": true, "list": true, "start": true, "stop": true,
	"events": true, "doctor": true, "driver-exec": true,
	"config-get": true, "config-set": true, "config-patch": true,
	"open-display": true, "close-display": true, "audit": true,
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: vmctl [--socket-path PATH] [--verbose] <command> [args]

Commands:
  version              Print the vmctl build version
  ping                 Check daemon liveness
  status               Show supervisor status
  list                 List the managed VM
  start                Start the VM
  stop                 Stop the VM
  doctor               Print diagnostics
  events               Stream lifecycle events
  driver-exec          Forward a method to the driver
    --method NAME [--params-json '<value>']
  config-get           Show current and pending config
  config-set           Replace the current config
    --json '<object>'
  config-patch         Apply a sparse patch to the config
    --json '<object>'
  open-display         Forward vm.open_display to the driver
  close-display        Forward vm.close_display to the driver
  audit                List recent audit log events
    [--since SEQ] [--limit N]
`)
}

func defaultSocketPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gaovm", "daemon.sock")
}

type client struct {
	ch      *rpc.Channel
	verbose bool
}

func dial(ctx context.Context, socketPath string) (*rpc.Channel, error) {
	conn, err := dialUnix(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	ch := rpc.NewConnChannel(conn, rpc.Ascending)
	if _, err := rpc.Initiate(ctx, ch, rpc.HelloParams{
		Protocol:             rpc.ProtocolVersion,
		Capabilities:         []string{"hello", "ping", "subscribe_events", "doctor", "driver.exec", "list_vms", "vm.start", "vm.stop", "vm.status", "vm.open_display", "vm.close_display", "vm.config.get", "vm.config.set", "vm.config.patch", "vm.audit.list"},
		RequiredCapabilities: []string{"hello", "ping"},
	}); err != nil {
		ch.Close(err)
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return ch, nil
}

func (c *client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.verbose {
		fmt.Fprintf(os.Stderr, "-> %s %v\n", method, params)
	}
	result, rpcErr, err := c.ch.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("%s (code %d)", rpcErr.Message, rpcErr.Code)
	}
	if c.verbose {
		fmt.Fprintf(os.Stderr, "<- %s\n", string(result))
	}
	return result, nil
}

func (c *client) simple(ctx context.Context, method string, params interface{}) int {
	result, err := c.call(ctx, method, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printResult(result)
	return 0
}

func (c *client) configSetOrPatch(ctx context.Context, method, key string, args []string) int {
	fs := flag.NewFlagSet(method, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonArg := fs.String("json", "", "JSON object")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *jsonArg == "" {
		fmt.Fprintln(os.Stderr, "--json is required")
		return exitUsage
	}
	params := map[string]interface{}{key: json.RawMessage(*jsonArg)}
	return c.simple(ctx, method, params)
}

func (c *client) driverExec(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("driver-exec", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	method := fs.String("method", "", "method name to forward")
	paramsJSON := fs.String("params-json", "", "params value as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *method == "" {
		fmt.Fprintln(os.Stderr, "--method is required")
		return exitUsage
	}
	payload := map[string]interface{}{"method": *method}
	if *paramsJSON != "" {
		payload["params"] = json.RawMessage(*paramsJSON)
	}
	return c.simple(ctx, "driver.exec", payload)
}

func (c *client) auditList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	since := fs.Int64("since", 0, "only return events with seq greater than this")
	limit := fs.Int("limit", 100, "maximum number of events to return")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	params := map[string]interface{}{"sinceSeq": *since, "limit": *limit}
	return c.simple(ctx, "vm.audit.list", params)
}

func (c *client) events(ctx context.Context) int {
	if _, err := c.call(ctx, "subscribe_events", nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	c.ch.SetNotificationHandler(func(method string, params json.RawMessage) {
		if method != "event" {
			return
		}
		fmt.Println(string(params))
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		return 0
	case <-c.ch.Done():
		fmt.Fprintln(os.Stderr, "connection to daemon closed")
		return 1
	}
}

func printResult(result json.RawMessage) {
	var v interface{}
	if err := json.Unmarshal(result, &v); err != nil {
		fmt.Println(string(result))
		return
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(string(pretty))
}
