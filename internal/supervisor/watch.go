package supervisor

// watchExit blocks until proc exits, then reconciles supervisor state:
// if the exit wasn't requested by Stop, it's treated as a crash and
// feeds the restart-backoff schedule.
func (sv *Supervisor) watchExit(proc *processHandle, netHandle NetStack) {
	<-proc.exited

	sv.mu.Lock()
	if sv.proc != proc {
		// A newer generation already replaced this one; nothing to do.
		sv.mu.Unlock()
		return
	}
	stopping := sv.stopping
	exitErr := proc.exitErr
	sv.actual = ActualAbsent
	sv.channel = nil
	sv.proc = nil
	sv.netHandle = nil
	sv.driverPid = nil
	desired := sv.desired
	sv.persistRuntimeLocked()
	sv.mu.Unlock()

	sv.stopNetHandle(netHandle)

	detail := map[string]interface{}{}
	if exitErr != nil {
		detail["error"] = exitErr.Error()
	}
	sv.onEvent("driver.exited", detail)

	if stopping {
		return
	}

	msg := "driver process exited unexpectedly"
	if exitErr != nil {
		msg = "driver process exited unexpectedly: " + exitErr.Error()
	}
	sv.mu.Lock()
	sv.lastFailure = &msg
	sv.persistDesiredLocked()
	sv.mu.Unlock()

	if desired == DesiredRunning {
		sv.scheduleRestart()
	}
}
