package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Start sets DESIRED=running, persists it, and blocks until a start
// attempt completes (success or failure), returning the resulting
// status. Concurrent callers collapse onto the single in-flight
// attempt and all observe its outcome: only one lifecycle operation
// runs at a time.
func (sv *Supervisor) Start(ctx context.Context) (Status, error) {
	sv.mu.Lock()
	sv.desired = DesiredRunning
	sv.stopping = false
	sv.persistDesiredLocked()
	alreadyConnected := sv.actual == ActualConnected
	sv.mu.Unlock()

	if alreadyConnected {
		return sv.Status(), nil
	}
	return sv.doStartBlocking(ctx)
}

// doStartBlocking is the single-flight entry point used by Start, the
// reconcile loop, and scheduled restarts.
func (sv *Supervisor) doStartBlocking(ctx context.Context) (Status, error) {
	sv.mu.Lock()
	if sv.startWait != nil {
		wait := sv.startWait
		sv.mu.Unlock()
		<-wait
		return sv.Status(), nil
	}
	wait := make(chan struct{})
	sv.startWait = wait
	sv.mu.Unlock()

	err := sv.startIfNeeded(ctx)

	sv.mu.Lock()
	sv.startWait = nil
	sv.mu.Unlock()
	close(wait)
	return sv.Status(), err
}

// startIfNeeded runs the driver spawn sequence: disk resolution and
// shared-network setup ahead of process start, then spawn, dial, and
// handshake.
func (sv *Supervisor) startIfNeeded(ctx context.Context) error {
	sv.mu.Lock()
	sv.actual = ActualStarting
	sv.persistRuntimeLocked()
	sv.mu.Unlock()
	sv.onEvent("driver.starting", map[string]interface{}{})

	cfg, err := sv.configStore.GetCurrent()
	if err != nil {
		sv.onStartFailure(fmt.Errorf("read current config: %w", err))
		return err
	}

	diskPath := cfg.Disk.Path
	if sv.diskResolver != nil {
		if resolved, isRef, rerr := sv.resolveDiskIfNeeded(ctx, diskPath, cfg.Disk.SizeMiB); rerr != nil {
			sv.onStartFailure(fmt.Errorf("resolve disk image: %w", rerr))
			return rerr
		} else if isRef {
			diskPath = resolved
		}
	}

	var netHandle NetStack
	if cfg.Network.Mode == "shared" {
		if sv.netFactory == nil {
			err := fmt.Errorf("network mode %q requires the shared-network backend, which is disabled", cfg.Network.Mode)
			sv.onStartFailure(err)
			return err
		}
		netSockPath := filepath.Join(sv.runDir, "net.sock")
		h, err := sv.netFactory.Start(ctx, netSockPath)
		if err != nil {
			sv.onStartFailure(fmt.Errorf("start shared network stack: %w", err))
			return err
		}
		netHandle = h
	}

	if err := os.MkdirAll(sv.runDir, 0700); err != nil {
		sv.stopNetHandle(netHandle)
		sv.onStartFailure(fmt.Errorf("create run directory: %w", err))
		return err
	}
	os.Remove(sv.driverSocketPath)

	token, err := generateAuthToken()
	if err != nil {
		sv.stopNetHandle(netHandle)
		sv.onStartFailure(err)
		return err
	}

	logPath := filepath.Join(sv.stateDir, "logs", "driver.log")
	stdout, stderr, logErr := openDriverLogFiles(logPath)
	if logErr != nil {
		sv.stopNetHandle(netHandle)
		sv.onStartFailure(fmt.Errorf("open driver log: %w", logErr))
		return logErr
	}
	defer stdout.Close()
	defer stderr.Close()

	env := []string{
		"AUTH_TOKEN=" + token,
		"DRIVER_LOG_PATH=" + logPath,
	}
	if diskPath != "" {
		env = append(env, "DISK_PATH="+diskPath)
	}
	if netHandle != nil {
		if ns, ok := netHandle.(interface{ SocketPath() string }); ok {
			env = append(env, "NET_SOCKET_PATH="+ns.SocketPath())
		}
	}

	proc, err := startProcess(sv.driverBin, []string{"--socket-path", sv.driverSocketPath}, env, stdout, stderr)
	if err != nil {
		sv.stopNetHandle(netHandle)
		sv.onStartFailure(err)
		return err
	}

	sv.mu.Lock()
	sv.proc = proc
	pid := proc.pid()
	sv.driverPid = &pid
	sv.mu.Unlock()

	go sv.watchExit(proc, netHandle)

	conn, err := dialWithRetry(ctx, sv.driverSocketPath, connectRetryEvery, connectDeadline)
	if err != nil {
		sv.killAndFail(proc, netHandle, err)
		return err
	}

	ch := newDriverChannel(conn)
	armed, err := armHandshakeResponder(ch)
	if err != nil {
		ch.Close(err)
		sv.killAndFail(proc, netHandle, err)
		return err
	}
	hsCtx, cancel := contextWithTimeout(ctx, helloTimeout)
	defer cancel()

	if _, err := respondHandshake(hsCtx, armed, token); err != nil {
		ch.Close(err)
		sv.killAndFail(proc, netHandle, err)
		return err
	}
	if _, err := initiateHandshake(hsCtx, ch, token); err != nil {
		ch.Close(err)
		sv.killAndFail(proc, netHandle, err)
		return err
	}

	sv.mu.Lock()
	sv.channel = ch
	sv.netHandle = netHandle
	sv.actual = ActualConnected
	sv.restartAttempts = 0
	sv.lastFailure = nil
	sv.persistRuntimeLocked()
	sv.persistDesiredLocked()
	sv.mu.Unlock()

	ch.SetHandler(sv.handleDriverRequest)
	sv.onEvent("driver.connected", map[string]interface{}{"pid": pid})
	sv.startHeartbeat(ch)
	return nil
}

func (sv *Supervisor) resolveDiskIfNeeded(ctx context.Context, path string, sizeHintMiB *int) (resolved string, isRef bool, err error) {
	if sv.diskResolver == nil {
		return path, false, nil
	}
	ref, ok := classifyDiskPath(path)
	if !ok {
		return path, false, nil
	}
	local, err := sv.diskResolver.Resolve(ctx, ref, sizeHintMiB)
	if err != nil {
		return "", true, err
	}
	return local, true, nil
}

func (sv *Supervisor) stopNetHandle(h NetStack) {
	if h != nil {
		h.Stop()
	}
}

func (sv *Supervisor) killAndFail(proc *processHandle, netHandle NetStack, cause error) {
	proc.kill()
	sv.stopNetHandle(netHandle)
	os.Remove(sv.driverSocketPath)
	sv.onStartFailure(cause)
}

// onStartFailure records lastFailure, resets actual to absent, and
// schedules a restart if still desired running.
func (sv *Supervisor) onStartFailure(cause error) {
	msg := cause.Error()
	sv.mu.Lock()
	sv.actual = ActualAbsent
	sv.lastFailure = &msg
	sv.channel = nil
	sv.proc = nil
	sv.netHandle = nil
	sv.driverPid = nil
	desired := sv.desired
	sv.persistDesiredLocked()
	sv.persistRuntimeLocked()
	sv.mu.Unlock()

	sv.onEvent("driver.start_failed", map[string]interface{}{"error": msg})
	if desired == DesiredRunning {
		sv.scheduleRestart()
	}
}

func openDriverLogFiles(path string) (stdout, stderr *os.File, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}
