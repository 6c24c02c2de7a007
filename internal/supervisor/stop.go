package supervisor

import "context"

// Stop sets DESIRED=stopped, persists it, and blocks until the driver
// (if any) has fully exited.
func (sv *Supervisor) Stop(ctx context.Context) Status {
	sv.mu.Lock()
	sv.desired = DesiredStopped
	sv.restartAttempts = 0
	if sv.restartTimer != nil {
		sv.restartTimer.Stop()
	}
	sv.restartPending = false
	sv.persistDesiredLocked()
	sv.persistRuntimeLocked()
	absent := sv.actual == ActualAbsent
	sv.mu.Unlock()

	if absent {
		return sv.Status()
	}
	return sv.doStopBlocking(ctx)
}

func (sv *Supervisor) doStopBlocking(ctx context.Context) Status {
	sv.mu.Lock()
	if sv.stopWait != nil {
		wait := sv.stopWait
		sv.mu.Unlock()
		<-wait
		return sv.Status()
	}
	wait := make(chan struct{})
	sv.stopWait = wait
	sv.mu.Unlock()

	sv.stopDriver(ctx)

	sv.mu.Lock()
	sv.stopWait = nil
	sv.mu.Unlock()
	close(wait)
	return sv.Status()
}

// stopDriver runs the graceful-then-forceful escalation: a polite RPC
// stop request, SIGTERM, then SIGKILL, each with its own wait budget.
func (sv *Supervisor) stopDriver(ctx context.Context) {
	sv.mu.Lock()
	proc := sv.proc
	ch := sv.channel
	sv.stopping = true
	sv.actual = ActualStopping
	sv.persistRuntimeLocked()
	sv.mu.Unlock()

	if proc == nil {
		sv.mu.Lock()
		sv.stopping = false
		sv.mu.Unlock()
		return
	}

	sv.onEvent("driver.stopping", map[string]interface{}{})

	if ch != nil {
		reqCtx, cancel := context.WithTimeout(ctx, stopRequestWait)
		ch.Call(reqCtx, "shutdown", nil)
		cancel()
		if proc.alreadyExited() {
			sv.finishStop(proc)
			return
		}
	}

	if proc.terminate() {
		sv.finishStop(proc)
		return
	}
	sv.finishStop(proc)
}

// finishStop waits for watchExit's state teardown (it runs
// concurrently off proc.exited) and clears the stopping flag once the
// process handle has fully settled.
func (sv *Supervisor) finishStop(proc *processHandle) {
	<-proc.exited
	sv.mu.Lock()
	sv.stopping = false
	sv.persistDesiredLocked()
	sv.mu.Unlock()
}
