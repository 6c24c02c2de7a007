package daemonsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
	"github.com/gaovm/gaovm/internal/vmconfig"
)

type methodFunc func(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error)

var methodTable = map[string]methodFunc{
	"ping":             handlePing,
	"subscribe_events": handleSubscribeEvents,
	"list_vms":         handleListVMs,
	"vm.start":         handleVMStart,
	"vm.stop":          handleVMStop,
	"vm.status":        handleVMStatus,
	"vm.config.get":    handleConfigGet,
	"vm.config.set":    handleConfigSet,
	"vm.config.patch":  handleConfigPatch,
	"doctor":           handleDoctor,
	"driver.exec":      handleDriverExec,
	"vm.open_display":  handleOpenDisplay,
	"vm.close_display": handleCloseDisplay,
	"vm.audit.list":    handleAuditList,
}

func handlePing(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	return map[string]interface{}{"ok": true, "ts": time.Now().UTC()}, nil
}

func handleSubscribeEvents(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	sess.mu.Lock()
	sess.subscribed = true
	sess.mu.Unlock()
	return map[string]interface{}{"subscribed": true}, nil
}

func handleListVMs(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	status := sess.server.supervisor.Status()
	return []interface{}{
		map[string]interface{}{
			"id":     "default",
			"status": status,
		},
	}, nil
}

func handleVMStart(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	if !sess.server.supervisor.IsRunning() {
		if _, err := sess.server.configStore.ActivatePendingIfPresent(); err != nil {
			return nil, rpc.NewError(rpc.CodeInternal, fmt.Sprintf("activate pending config: %v", err))
		}
	}
	status, err := sess.server.supervisor.Start(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, err.Error())
	}
	return status, nil
}

func handleVMStop(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	status := sess.server.supervisor.Stop(ctx)
	return status, nil
}

func handleVMStatus(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	return sess.server.supervisor.Status(), nil
}

func handleConfigGet(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	current, err := sess.server.configStore.GetCurrent()
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, err.Error())
	}
	pending, err := sess.server.configStore.GetPending()
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, err.Error())
	}
	return map[string]interface{}{
		"current":    current,
		"pending":    pending,
		"hasPending": pending != nil,
	}, nil
}

type configPayload struct {
	Config json.RawMessage `json:"config"`
}

type configPatchPayload struct {
	Patch json.RawMessage `json:"patch"`
}

func handleConfigSet(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	var p configPayload
	if err := json.Unmarshal(params, &p); err != nil || p.Config == nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "config.set requires a \"config\" object")
	}
	result, err := sess.server.configStore.SetConfig(p.Config, sess.server.supervisor.IsRunning())
	if err != nil {
		return nil, validationOrInternalError(err)
	}
	return result, nil
}

func handleConfigPatch(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	var p configPatchPayload
	if err := json.Unmarshal(params, &p); err != nil || p.Patch == nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "config.patch requires a \"patch\" object")
	}
	result, err := sess.server.configStore.PatchConfig(p.Patch, sess.server.supervisor.IsRunning())
	if err != nil {
		return nil, validationOrInternalError(err)
	}
	return result, nil
}

func handleDoctor(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	return sess.server.supervisor.Doctor(), nil
}

type driverExecPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func handleDriverExec(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	var p driverExecPayload
	if err := json.Unmarshal(params, &p); err != nil || p.Method == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "driver.exec requires a \"method\" string")
	}
	return forwardToDriver(ctx, sess, p.Method, p.Params)
}

// handleOpenDisplay and handleCloseDisplay are promoted to first-class
// dispatch entries rather than left to land in driver.exec implicitly:
// they forward straight through to the driver once a VM is connected.
func handleOpenDisplay(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	if !sess.server.supervisor.IsRunning() {
		return nil, rpc.NewError(rpc.CodeInternal, "vm is not running")
	}
	return forwardToDriver(ctx, sess, "open_display", params)
}

func handleCloseDisplay(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	if !sess.server.supervisor.IsRunning() {
		return nil, rpc.NewError(rpc.CodeInternal, "vm is not running")
	}
	return forwardToDriver(ctx, sess, "close_display", params)
}

func forwardToDriver(ctx context.Context, sess *Session, method string, params json.RawMessage) (interface{}, *rpc.Error) {
	result, err := sess.server.supervisor.DriverExec(ctx, method, params)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, err.Error())
	}
	return map[string]interface{}{
		"method":       method,
		"driverResult": result,
	}, nil
}

type auditListPayload struct {
	SinceSeq int64 `json:"sinceSeq"`
	Limit    int   `json:"limit"`
}

func handleAuditList(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, *rpc.Error) {
	var p auditListPayload
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "vm.audit.list params malformed")
		}
	}
	if sess.server.audit == nil {
		return []interface{}{}, nil
	}
	events, err := sess.server.audit.List(ctx, p.SinceSeq, p.Limit)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, err.Error())
	}
	return events, nil
}

// validationOrInternalError classifies a vmconfig error into invalid
// params or an internal error, naming the offending field when the
// store surfaced a ValidationError.
func validationOrInternalError(err error) *rpc.Error {
	var ve *vmconfig.ValidationError
	if errors.As(err, &ve) {
		return rpc.NewError(rpc.CodeInvalidParams, ve.Message)
	}
	return rpc.NewError(rpc.CodeInternal, err.Error())
}
