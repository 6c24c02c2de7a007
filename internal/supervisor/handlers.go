package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gaovm/gaovm/internal/rpc"
)

// handleDriverRequest answers requests the driver sends to the daemon
// over the already-authenticated channel: ping and a repeat hello (the
// driver may re-probe its own handshake result; this just echoes it
// back rather than forcing a fresh connection). Everything else is
// rejected.
func (sv *Supervisor) handleDriverRequest(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.Error) {
	switch method {
	case "ping":
		return map[string]interface{}{"ok": true}, nil
	case "hello":
		result, rpcErr := rpc.Rehello(params, DaemonCapabilities)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return result, nil
	default:
		return nil, rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", method))
	}
}

// DriverExec forwards an arbitrary method/params pair to the driver
// over the existing channel, bounded by driverExecTimeout. Returns an
// error if no driver is currently connected.
func (sv *Supervisor) DriverExec(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	sv.mu.Lock()
	ch := sv.channel
	sv.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("no driver connected")
	}

	execCtx, cancel := context.WithTimeout(ctx, driverExecTimeout)
	defer cancel()
	result, rpcErr, err := ch.Call(execCtx, method, params)
	if err != nil {
		return nil, fmt.Errorf("driver exec %s: %w", method, err)
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("driver exec %s: %s (code %d)", method, rpcErr.Message, rpcErr.Code)
	}
	return result, nil
}
